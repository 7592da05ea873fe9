package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/redcell-io/pulse/internal/bus"
	"github.com/redcell-io/pulse/internal/config"
	"github.com/redcell-io/pulse/internal/redact"
	"github.com/redcell-io/pulse/internal/server"
	"github.com/redcell-io/pulse/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// The handler starts at info so config loading is logged; the level
	// is lowered or raised once PULSE_LOG_LEVEL has been read.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, level); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger, level *slog.LevelVar) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(cfg.SlogLevel())

	slog.Info("pulse starting", "version", version, "port", cfg.Port, "logLevel", cfg.LogLevel)

	// Initialize OpenTelemetry before anything that creates instruments.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	redactor := redact.New(cfg.RedactionEnabled)
	if !cfg.RedactionEnabled {
		logger.Warn("redaction disabled, envelopes carry raw payloads")
	}

	eventBus := bus.New(bus.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SubscriberBuffer:  cfg.SubscriberBuffer,
	}, redactor, logger)
	defer eventBus.Close()

	srv := server.New(server.Config{
		Bus:               eventBus,
		Redactor:          redactor,
		Logger:            logger,
		Port:              cfg.Port,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Version:           version,
	})

	// Serve until the context is canceled or the server fails. Shutdown
	// stops accepting requests and drains in-flight streams; the deferred
	// bus Close then closes observer channels so they see EOF rather than
	// a connection reset.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("pulse shutting down")
		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		return srv.Shutdown(httpCtx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("pulse stopped")
	return nil
}
