package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/redcell-io/pulse/internal/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string, retry RetryPolicy) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Timeout: 5 * time.Second,
		Retry:   retry,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func sseFrame(env model.Envelope) string {
	data, _ := model.Encode(env)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", env.Type, data)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestWatchFeedsProjector(t *testing.T) {
	runID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		m := model.ComputeMetrics(4, 0, 0, 0, "", "", 0)
		frames := []string{
			":keepalive\n\n",
			sseFrame(model.Envelope{
				Type:       model.TypeExperimentStarted,
				RunID:      runID.String(),
				Experiment: &model.Run{ID: runID, Name: "sweep", Status: model.RunStatusRunning},
				Metrics:    &m,
			}),
			sseFrame(model.Envelope{Type: model.TypeStrategyStarted, Strategy: "roleplay"}),
			sseFrame(model.Envelope{Type: model.TypeHeartbeat, Status: model.StatusAlive}),
		}
		for _, f := range frames {
			fmt.Fprint(w, f)
			flusher.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		st := c.State()
		if _, ok := st.RunningTasks["roleplay"]; ok && st.Status == model.RunStatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("state never converged: %+v", c.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	if h := c.Health(); h.State != ConnConnected {
		t.Fatalf("health = %+v, want connected", h)
	}
	if c.State().LastHeartbeatAt.IsZero() {
		t.Fatal("heartbeat not projected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestWatchReconnectsWithBackoff(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connects.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Millisecond,
	})

	err := c.Watch(context.Background())
	if err == nil {
		t.Fatal("expected error once the reconnect budget is exhausted")
	}
	// Initial connection plus three retries.
	if got := connects.Load(); got != 4 {
		t.Fatalf("connection attempts = %d, want 4", got)
	}
	if h := c.Health(); h.State != ConnDisconnected {
		t.Fatalf("health = %+v, want disconnected", h)
	}
	if h := c.Health(); h.ReconnectAttempts != 3 {
		t.Fatalf("reconnect attempts = %d, want 3", h.ReconnectAttempts)
	}
}

func TestWatchBudgetResetsAfterSuccessfulConnection(t *testing.T) {
	// Every connection is established and delivers one envelope before
	// the server drops it. A long-lived watcher must ride out more
	// transient drops than MaxAttempts allows within a single outage.
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, sseFrame(model.Envelope{
			Type:   model.TypeHeartbeat,
			RunID:  "run-1",
			Status: model.StatusAlive,
		}))
		w.(http.Flusher).Flush()
		if n < 6 {
			return // closes the connection
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, RetryPolicy{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		h := c.Health()
		if connects.Load() >= 6 && h.State == ConnConnected && h.ReconnectAttempts == 0 {
			break
		}
		select {
		case err := <-done:
			t.Fatalf("watch gave up after %d connections: %v", connects.Load(), err)
		case <-deadline:
			t.Fatalf("connections = %d, health = %+v; want 6 connections, connected, zero attempts", connects.Load(), h)
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("watch returned %v, want context.Canceled", err)
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, RetryPolicy{
		MaxAttempts:  1000,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     50 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := c.Watch(ctx); err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestStartAndStopRun(t *testing.T) {
	runID := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{
			"data": model.Run{ID: runID, Name: body.Name, Status: model.RunStatusRunning},
		})
	})
	mux.HandleFunc("POST /v1/runs/{id}/stop", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": model.Run{ID: runID, Status: model.RunStatusError, Error: "stopped by operator"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL, DefaultRetryPolicy())
	run, err := c.StartRun(context.Background(), "sweep", nil)
	if err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if run.ID != runID || run.Name != "sweep" {
		t.Fatalf("unexpected run: %+v", run)
	}

	stopped, err := c.StopRun(context.Background(), runID.String())
	if err != nil {
		t.Fatalf("StopRun failed: %v", err)
	}
	if stopped.Status != model.RunStatusError {
		t.Fatalf("stopped status = %q", stopped.Status)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, model.APIError{
			Error: model.ErrorDetail{Code: "not_found", Message: "run not found"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, DefaultRetryPolicy())
	_, err := c.StopRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound = false for %v", err)
	}
	if IsConflict(err) {
		t.Fatalf("IsConflict = true for %v", err)
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"status": "healthy"}})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, DefaultRetryPolicy())
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
}
