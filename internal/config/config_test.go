package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("expected 30s heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
	if cfg.SubscriberBuffer != 64 {
		t.Errorf("expected buffer 64, got %d", cfg.SubscriberBuffer)
	}
	if !cfg.RedactionEnabled {
		t.Error("expected redaction enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PULSE_PORT", "9090")
	t.Setenv("PULSE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("PULSE_REDACTION_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("expected 10s heartbeat interval, got %v", cfg.HeartbeatInterval)
	}
	if cfg.RedactionEnabled {
		t.Error("expected redaction disabled")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero port", Config{Port: 0, HeartbeatInterval: time.Second, SubscriberBuffer: 1, LogLevel: "info"}},
		{"zero heartbeat", Config{Port: 8080, HeartbeatInterval: 0, SubscriberBuffer: 1, LogLevel: "info"}},
		{"zero buffer", Config{Port: 8080, HeartbeatInterval: time.Second, SubscriberBuffer: 0, LogLevel: "info"}},
		{"bad log level", Config{Port: 8080, HeartbeatInterval: time.Second, SubscriberBuffer: 1, LogLevel: "verbose"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("PULSE_PORT", "not-a-number")
	t.Setenv("PULSE_READ_TIMEOUT", "soon")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("expected fallback port 8080, got %d", cfg.Port)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("expected fallback read timeout, got %v", cfg.ReadTimeout)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLoadAppliesLogLevel(t *testing.T) {
	t.Setenv("PULSE_LOG_LEVEL", "debug")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.SlogLevel())
	}
}
