// Package bus implements the run event bus: the single producer-facing
// API through which the orchestration process emits lifecycle and
// progress envelopes, fanned out to all subscribed observer channels.
//
// Delivery is best-effort and at-most-once per observer. The producer
// never blocks on a slow observer: each observer has a buffered channel,
// and an observer whose buffer is full is dropped rather than allowed to
// backpressure the producer. Per-observer delivery preserves emission
// order; no ordering or completeness guarantee exists across observers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redcell-io/pulse/internal/ctxutil"
	"github.com/redcell-io/pulse/internal/model"
	"github.com/redcell-io/pulse/internal/redact"
)

// Options configures a Bus.
type Options struct {
	// HeartbeatInterval is the period of heartbeat envelopes per run.
	HeartbeatInterval time.Duration
	// SubscriberBuffer is the per-observer channel capacity. An observer
	// that falls this far behind is dropped.
	SubscriberBuffer int
}

// Bus fans out telemetry envelopes to observer channels. All methods are
// safe for concurrent use; the subscriber set is the only shared mutable
// state and lives behind the registry's lock.
type Bus struct {
	logger   *slog.Logger
	redactor *redact.Redactor
	registry *Registry
	interval time.Duration
	bufSize  int

	mu         sync.Mutex
	heartbeats map[string]context.CancelFunc
	runCorr    map[string]string
	closed     bool
}

// New creates a Bus. Call Close during shutdown.
func New(opts Options, redactor *redact.Redactor, logger *slog.Logger) *Bus {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	return &Bus{
		logger:     logger,
		redactor:   redactor,
		registry:   NewRegistry(),
		interval:   opts.HeartbeatInterval,
		bufSize:    opts.SubscriberBuffer,
		heartbeats: make(map[string]context.CancelFunc),
		runCorr:    make(map[string]string),
	}
}

// Registry exposes the observer connection registry for metrics export.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Subscribe opens a new observer channel. The caller must either drain it
// until it is closed or call Unsubscribe. The channel closes when the
// observer is unsubscribed, dropped as stuck, or the bus shuts down.
func (b *Bus) Subscribe(meta ObserverMeta) chan []byte {
	ch := make(chan []byte, b.bufSize)
	b.registry.add(ch, meta)
	b.logger.Info("bus: observer subscribed",
		"origin", meta.Origin,
		"remote_addr", meta.RemoteAddr,
		"active", b.registry.Count())
	return ch
}

// Unsubscribe removes an observer channel and closes it. Safe to call for
// a channel that was already dropped.
func (b *Bus) Unsubscribe(ch chan []byte) {
	if b.registry.remove(ch) {
		b.logger.Info("bus: observer unsubscribed", "active", b.registry.Count())
	}
}

// Emit redacts, stamps, encodes, and fans out one envelope. The envelope's
// correlation id comes from the run's registered id when one exists,
// falling back to the caller's context. Emit never blocks on observers.
func (b *Bus) Emit(ctx context.Context, env model.Envelope) error {
	if !env.Type.Valid() {
		return fmt.Errorf("bus: emit: unknown envelope type %q", env.Type)
	}

	env = b.redactEnvelope(env)
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = b.correlationFor(env.RunID, ctx)
	}

	data, err := model.Encode(env)
	if err != nil {
		return fmt.Errorf("bus: emit: encode: %w", err)
	}

	b.logger.Debug("bus: emit",
		"type", env.Type,
		"run_id", env.RunID,
		"correlation_id", env.CorrelationID)
	b.broadcast(formatSSE(string(env.Type), data))
	return nil
}

// StartHeartbeat registers the run's correlation id and begins emitting
// heartbeat envelopes for it on the configured interval, independent of
// producer activity, so observers can tell "quiet but alive" from
// "disconnected." Stop or Close ends it.
func (b *Bus) StartHeartbeat(runID, correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.heartbeats[runID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.heartbeats[runID] = cancel
	b.runCorr[runID] = correlationID

	go b.heartbeatLoop(ctx, runID)
}

// Stop cancels the run's heartbeat and releases its correlation mapping.
func (b *Bus) Stop(runID string) {
	b.mu.Lock()
	cancel, ok := b.heartbeats[runID]
	if ok {
		delete(b.heartbeats, runID)
		delete(b.runCorr, runID)
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close stops all heartbeats and closes every observer channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.heartbeats))
	for _, cancel := range b.heartbeats {
		cancels = append(cancels, cancel)
	}
	b.heartbeats = make(map[string]context.CancelFunc)
	b.runCorr = make(map[string]string)
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, ch := range b.channels() {
		b.registry.remove(ch)
	}
}

func (b *Bus) heartbeatLoop(ctx context.Context, runID string) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := b.Emit(ctx, model.Envelope{
				Type:   model.TypeHeartbeat,
				RunID:  runID,
				Status: model.StatusAlive,
			})
			if err != nil {
				b.logger.Warn("bus: heartbeat emit failed", "run_id", runID, "error", err)
			}
		}
	}
}

// broadcast delivers one frame to every observer. Sends happen under the
// registry's read lock with a snapshot-consistent view of the subscriber
// set; stuck observers are collected and dropped after the lock is
// released.
func (b *Bus) broadcast(frame []byte) {
	var stuck []chan []byte

	b.registry.mu.RLock()
	for ch, entry := range b.registry.observers {
		select {
		case ch <- frame:
			entry.sent.Add(1)
			b.registry.recordSent(1)
		default:
			// Buffer full: this observer is not draining. Drop the
			// observer, not the producer.
			stuck = append(stuck, ch)
		}
	}
	b.registry.mu.RUnlock()

	for _, ch := range stuck {
		if b.registry.remove(ch) {
			b.registry.recordFailure()
			b.logger.Warn("bus: dropped stuck observer", "active", b.registry.Count())
		}
	}
}

// channels returns a snapshot of the current observer channels.
func (b *Bus) channels() []chan []byte {
	b.registry.mu.RLock()
	defer b.registry.mu.RUnlock()
	out := make([]chan []byte, 0, len(b.registry.observers))
	for ch := range b.registry.observers {
		out = append(out, ch)
	}
	return out
}

func (b *Bus) correlationFor(runID string, ctx context.Context) string {
	b.mu.Lock()
	id, ok := b.runCorr[runID]
	b.mu.Unlock()
	if ok {
		return id
	}
	return ctxutil.CorrelationIDFromContext(ctx)
}

// redactEnvelope scrubs every payload field that can carry free text.
// The envelope header (ids, timestamps) passes through untouched.
func (b *Bus) redactEnvelope(env model.Envelope) model.Envelope {
	r := b.redactor
	env.Strategy = r.String(env.Strategy)
	env.Error = r.String(env.Error)

	if env.Experiment != nil {
		run := *env.Experiment
		run.Name = r.String(run.Name)
		run.Error = r.String(run.Error)
		if run.Config != nil {
			if cfg, ok := r.Value(run.Config).(map[string]any); ok {
				run.Config = cfg
			}
		}
		env.Experiment = &run
	}
	if env.Metrics != nil {
		m := *env.Metrics
		m.CurrentStrategy = r.String(m.CurrentStrategy)
		m.CurrentSeed = r.String(m.CurrentSeed)
		env.Metrics = &m
	}
	if env.Method != nil {
		method := *env.Method
		if method.Payload != nil {
			if p, ok := r.Value(method.Payload).(map[string]any); ok {
				method.Payload = p
			}
		}
		env.Method = &method
	}
	if len(env.Event) > 0 {
		env.Event = b.redactRaw(env.Event)
	}
	return env
}

// redactRaw scrubs an opaque sub-event descriptor. Undecodable bytes are
// replaced with the generic sentinel rather than passed through (fail-safe
// full redaction).
func (b *Bus) redactRaw(raw json.RawMessage) json.RawMessage {
	if !b.redactor.Enabled() {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return json.RawMessage(`"` + redact.SentinelGeneric + `"`)
	}
	out, err := json.Marshal(b.redactor.Value(v))
	if err != nil {
		return json.RawMessage(`"` + redact.SentinelGeneric + `"`)
	}
	return out
}

// formatSSE frames an envelope as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	frame := make([]byte, 0, len(eventType)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, eventType...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame
}
