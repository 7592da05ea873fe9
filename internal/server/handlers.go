package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/redcell-io/pulse/internal/bus"
	"github.com/redcell-io/pulse/internal/ctxutil"
	"github.com/redcell-io/pulse/internal/model"
)

// startRunRequest is the body of POST /v1/runs.
type startRunRequest struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config,omitempty"`
}

// ingestRequest is the body of POST /v1/runs/{id}/events: one envelope
// emitted on behalf of the orchestration process.
type ingestRequest struct {
	Type     model.EnvelopeType `json:"type"`
	Metrics  *model.Metrics     `json:"metrics,omitempty"`
	Event    json.RawMessage    `json:"event,omitempty"`
	Strategy string             `json:"strategy,omitempty"`
	Method   *model.Discovery   `json:"method,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// HandleStartRun handles POST /v1/runs: creates the run, starts its
// heartbeat, and announces it on the stream.
//
// The run gets a correlation id of its own, independent of the request's
// id: every envelope of the run carries the run's id, not the starter's.
func (s *Server) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "name is required")
		return
	}

	cfg := req.Config
	if cfg != nil {
		// Snapshot the config redacted: the stored copy is served back by
		// the read endpoints, so secrets must not survive in it either.
		if redacted, ok := s.redactor.Value(cfg).(map[string]any); ok {
			cfg = redacted
		}
	}

	run := model.Run{
		ID:            uuid.New(),
		Name:          s.redactor.String(req.Name),
		Status:        model.RunStatusRunning,
		CorrelationID: ctxutil.NewCorrelationID(),
		StartedAt:     time.Now().UTC(),
		Config:        cfg,
	}
	s.runs.create(run)
	s.bus.StartHeartbeat(run.ID.String(), run.CorrelationID)

	initial := model.ComputeMetrics(0, 0, 0, 0, "", "", 0)
	if err := s.bus.Emit(r.Context(), model.Envelope{
		Type:       model.TypeExperimentStarted,
		RunID:      run.ID.String(),
		Experiment: &run,
		Metrics:    &initial,
	}); err != nil {
		s.logger.Error("emit experiment_started", "run_id", run.ID, "error", err)
	}

	s.logger.Info("run started",
		"run_id", run.ID,
		"name", run.Name,
		"run_correlation_id", run.CorrelationID,
		"request_correlation_id", ctxutil.CorrelationIDFromContext(r.Context()))
	writeJSON(w, r, http.StatusCreated, run)
}

// HandleIngestEvent handles POST /v1/runs/{id}/events: the bridge through
// which the orchestration process emits envelopes for a run it owns.
func (s *Server) HandleIngestEvent(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, ok := s.runs.get(runID)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.dropped.Add(1)
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validateIngest(req); err != nil {
		s.dropped.Add(1)
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
		return
	}
	if run.Status.Terminal() {
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already terminal")
		return
	}

	terminal := req.Type == model.TypeExperimentCompleted || req.Type == model.TypeExperimentError
	if terminal {
		status := model.RunStatusCompleted
		if req.Type == model.TypeExperimentError {
			status = model.RunStatusError
		}
		if _, err := s.runs.setTerminal(runID, status, req.Error); err != nil {
			if errors.Is(err, errRunTerminal) {
				writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already terminal")
				return
			}
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
	}

	method := req.Method
	if method != nil && method.DiscoveredAt.IsZero() {
		m := *method
		m.DiscoveredAt = time.Now().UTC()
		method = &m
	}

	if err := s.bus.Emit(r.Context(), model.Envelope{
		Type:     req.Type,
		RunID:    runID,
		Metrics:  req.Metrics,
		Event:    req.Event,
		Strategy: req.Strategy,
		Method:   method,
		Error:    req.Error,
	}); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidRequest, err.Error())
		return
	}
	// The heartbeat stops after the terminal envelope is on the stream,
	// never before.
	if terminal {
		s.bus.Stop(runID)
	}

	writeJSON(w, r, http.StatusAccepted, map[string]any{"accepted": true})
}

// validateIngest rejects envelope types the gateway reserves for itself
// and payloads that break producer invariants.
func validateIngest(req ingestRequest) error {
	if !req.Type.Valid() {
		return errors.New("unknown envelope type " + string(req.Type))
	}
	switch req.Type {
	case model.TypeExperimentStarted:
		return errors.New("experiment_started is emitted by the gateway on run creation")
	case model.TypeHeartbeat:
		return errors.New("heartbeat envelopes are emitted by the bus")
	}
	if req.Metrics != nil && !req.Metrics.ValidRate() {
		return errors.New("metrics.successRate must be a 0..100 percentage")
	}
	if req.Type == model.TypeNovelMethodDiscovered && (req.Method == nil || req.Method.ID == "") {
		return errors.New("novel_method_discovered requires method.id")
	}
	if (req.Type == model.TypeStrategyStarted || req.Type == model.TypeStrategyCompleted) && req.Strategy == "" {
		return errors.New("strategy envelopes require a strategy identifier")
	}
	return nil
}

// HandleStopRun handles POST /v1/runs/{id}/stop: operator-initiated stop.
// The run transitions to the error terminal state with a stop descriptor;
// the wire format has no dedicated stopped type.
func (s *Server) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.runs.setTerminal(runID, model.RunStatusError, "stopped by operator")
	if err != nil {
		if errors.Is(err, errRunTerminal) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already terminal")
			return
		}
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}

	if err := s.bus.Emit(r.Context(), model.Envelope{
		Type:  model.TypeExperimentError,
		RunID: runID,
		Error: "stopped by operator",
	}); err != nil {
		s.logger.Error("emit experiment_error", "run_id", runID, "error", err)
	}
	s.bus.Stop(runID)

	s.logger.Info("run stopped", "run_id", runID)
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.runs.list())
}

// HandleGetRun handles GET /v1/runs/{id}.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleStream handles GET /v1/stream (SSE observer channel).
func (s *Server) HandleStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the 200 goes out: a client that sees the headers
	// must already be receiving envelopes.
	ch := s.bus.Subscribe(bus.ObserverMeta{
		Origin:     r.Header.Get("Origin"),
		RemoteAddr: r.RemoteAddr,
	})
	defer s.bus.Unsubscribe(ch)

	// The controller reaches the real connection through the middleware
	// wrappers via Unwrap.
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("streaming not supported", "error", err)
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle streams are killed after WriteTimeout.
	_ = rc.SetWriteDeadline(time.Time{})

	// Transport-level keepalive only; observers track application liveness
	// from heartbeat envelopes, not from this comment.
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleStats handles GET /v1/stats: the aggregate counters intended for
// external metrics scraping.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	total, running := s.runs.counts()
	writeJSON(w, r, http.StatusOK, map[string]any{
		"observers":         s.bus.Registry().Stats(),
		"redactions":        s.redactor.Counts(),
		"droppedEnvelopes":  s.dropped.Load(),
		"runs":              map[string]int{"total": total, "running": running},
		"heartbeatInterval": s.heartbeatInterval.Seconds(),
	})
}

// HandleHealth handles GET /health. Kept cheap: the sdk probes it with a
// short timeout independent of the stream connection.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":    "healthy",
		"observers": s.bus.Registry().Count(),
		"version":   s.version,
	})
}
