// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port        int
	ReadTimeout time.Duration
	// WriteTimeout applies to regular endpoints; the SSE stream handler
	// clears its write deadline for the connection lifetime.
	WriteTimeout time.Duration

	// Bus settings.
	HeartbeatInterval time.Duration // Heartbeat envelope period per run.
	SubscriberBuffer  int           // Per-observer channel buffer; a full buffer drops the observer.

	// Redaction settings.
	RedactionEnabled bool

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("PULSE_PORT", 8080),
		ReadTimeout:       envDuration("PULSE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDuration("PULSE_WRITE_TIMEOUT", 30*time.Second),
		HeartbeatInterval: envDuration("PULSE_HEARTBEAT_INTERVAL", 30*time.Second),
		SubscriberBuffer:  envInt("PULSE_SUBSCRIBER_BUFFER", 64),
		RedactionEnabled:  envBool("PULSE_REDACTION_ENABLED", true),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "pulse"),
		LogLevel:          envStr("PULSE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PULSE_PORT must be in 1..65535, got %d", c.Port)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: PULSE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: PULSE_SUBSCRIBER_BUFFER must be positive")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: PULSE_LOG_LEVEL must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	return nil
}

// SlogLevel maps LogLevel to the corresponding slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
