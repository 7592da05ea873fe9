package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/redcell-io/pulse/internal/bus"
	"github.com/redcell-io/pulse/internal/redact"
)

// Server is the pulse HTTP gateway: run lifecycle, event ingestion, and
// the SSE observer stream.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	bus      *bus.Bus
	redactor *redact.Redactor
	runs     *runStore

	// Envelopes rejected at ingestion, for the stats surface.
	dropped atomic.Int64

	heartbeatInterval time.Duration
	version           string
}

// Config holds the dependencies and settings for creating a Server.
type Config struct {
	Bus      *bus.Bus
	Redactor *redact.Redactor
	Logger   *slog.Logger

	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	Version           string
}

// New creates the gateway with all routes configured.
func New(cfg Config) *Server {
	s := &Server{
		logger:            cfg.Logger,
		bus:               cfg.Bus,
		redactor:          cfg.Redactor,
		runs:              newRunStore(),
		heartbeatInterval: cfg.HeartbeatInterval,
		version:           cfg.Version,
	}

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /v1/runs", s.HandleStartRun)
	mux.HandleFunc("GET /v1/runs", s.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{id}/stop", s.HandleStopRun)

	// Event ingestion from the orchestration process.
	mux.HandleFunc("POST /v1/runs/{id}/events", s.HandleIngestEvent)

	// Observer stream (long-lived connection).
	mux.HandleFunc("GET /v1/stream", s.HandleStream)

	// Operational surface.
	mux.HandleFunc("GET /v1/stats", s.HandleStats)
	mux.HandleFunc("GET /health", s.HandleHealth)

	// Middleware chain (outermost executes first):
	// correlation ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = correlationMiddleware(handler)

	s.handler = handler
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
