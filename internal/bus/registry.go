package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/redcell-io/pulse/internal/telemetry"
)

// ObserverMeta carries basic client metadata for one observer channel,
// recorded purely for operational visibility.
type ObserverMeta struct {
	Origin     string
	RemoteAddr string
}

// observerEntry is the registry's record for one open channel.
type observerEntry struct {
	meta        ObserverMeta
	connectedAt time.Time
	// sent counts deliveries to this channel. Atomic: broadcast paths
	// update it while holding only the read lock.
	sent atomic.Int64
}

// Stats is the point-in-time operational view of the registry.
type Stats struct {
	ActiveObservers int   `json:"activeObservers"`
	EnvelopesSent   int64 `json:"envelopesSent"`
	SendFailures    int64 `json:"sendFailures"`
}

// Registry tracks currently-open observer channels, their metadata, and
// cumulative delivery counters. It owns channel lifecycle: a channel is
// closed exactly once, by whichever path removes it first.
type Registry struct {
	mu        sync.RWMutex
	observers map[chan []byte]*observerEntry

	sent     atomic.Int64
	failures atomic.Int64

	activeGauge otelmetric.Int64UpDownCounter
	sentCtr     otelmetric.Int64Counter
	failCtr     otelmetric.Int64Counter
}

// NewRegistry creates an empty registry with OTEL instruments attached.
func NewRegistry() *Registry {
	r := &Registry{observers: make(map[chan []byte]*observerEntry)}

	meter := telemetry.Meter("pulse/bus")
	if g, err := meter.Int64UpDownCounter("observer_connections_active",
		otelmetric.WithDescription("Number of active observer channels")); err == nil {
		r.activeGauge = g
	}
	if c, err := meter.Int64Counter("envelopes_sent_total",
		otelmetric.WithDescription("Total envelopes delivered to observer channels")); err == nil {
		r.sentCtr = c
	}
	if c, err := meter.Int64Counter("send_failures_total",
		otelmetric.WithDescription("Observer deliveries that failed or were dropped")); err == nil {
		r.failCtr = c
	}
	return r
}

// add registers a channel. Called by Bus.Subscribe.
func (r *Registry) add(ch chan []byte, meta ObserverMeta) {
	r.mu.Lock()
	r.observers[ch] = &observerEntry{meta: meta, connectedAt: time.Now().UTC()}
	r.mu.Unlock()
	if r.activeGauge != nil {
		r.activeGauge.Add(context.Background(), 1)
	}
}

// remove deregisters and closes a channel. Idempotent: concurrent removal
// by the write path and a liveness check closes the channel exactly once.
// Returns false if the channel was already gone.
func (r *Registry) remove(ch chan []byte) bool {
	r.mu.Lock()
	_, ok := r.observers[ch]
	if ok {
		delete(r.observers, ch)
		// Close while holding the write lock: broadcast sends run under
		// the read lock, so a send can never race this close.
		close(ch)
	}
	r.mu.Unlock()

	if ok && r.activeGauge != nil {
		r.activeGauge.Add(context.Background(), -1)
	}
	return ok
}

// Count returns the number of active observer channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Stats returns a snapshot of the registry's aggregate counters.
func (r *Registry) Stats() Stats {
	return Stats{
		ActiveObservers: r.Count(),
		EnvelopesSent:   r.sent.Load(),
		SendFailures:    r.failures.Load(),
	}
}

func (r *Registry) recordSent(n int64) {
	r.sent.Add(n)
	if r.sentCtr != nil {
		r.sentCtr.Add(context.Background(), n)
	}
}

func (r *Registry) recordFailure() {
	r.failures.Add(1)
	if r.failCtr != nil {
		r.failCtr.Add(context.Background(), 1)
	}
}
