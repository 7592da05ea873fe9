package pulse

import (
	"sync"
	"time"
)

// DefaultStaleThreshold is twice the server's heartbeat interval: one
// missed heartbeat is tolerated, two marks the link stale.
const DefaultStaleThreshold = 60 * time.Second

// LivenessMonitor tracks heartbeat arrival independently of the
// transport's own connect/disconnect signals. A transport that reports
// "connected" while heartbeats have gone quiet is surfaced as stale, a
// third state distinct from connected and disconnected.
type LivenessMonitor struct {
	mu            sync.Mutex
	threshold     time.Duration
	connected     bool
	lastHeartbeat time.Time
	attempts      int

	now func() time.Time
}

// NewLivenessMonitor creates a monitor with the given stale threshold.
// A zero threshold selects DefaultStaleThreshold.
func NewLivenessMonitor(threshold time.Duration) *LivenessMonitor {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	return &LivenessMonitor{threshold: threshold, now: time.Now}
}

// Observe records receipt of an envelope. Any envelope counts as proof
// of life, not only heartbeats.
func (m *LivenessMonitor) Observe() {
	m.mu.Lock()
	m.lastHeartbeat = m.now()
	m.mu.Unlock()
}

// MarkConnected records a successful transport connection and resets the
// reconnect attempt counter.
func (m *LivenessMonitor) MarkConnected() {
	m.mu.Lock()
	m.connected = true
	m.attempts = 0
	m.lastHeartbeat = m.now()
	m.mu.Unlock()
}

// MarkDisconnected records a transport-level disconnect.
func (m *LivenessMonitor) MarkDisconnected() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

// MarkReconnectAttempt increments the attempt counter exposed in Health.
func (m *LivenessMonitor) MarkReconnectAttempt() {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()
}

// Health returns the current liveness assessment.
func (m *LivenessMonitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{
		ReconnectAttempts: m.attempts,
		LastHeartbeatAt:   m.lastHeartbeat,
	}
	switch {
	case !m.connected:
		h.State = ConnDisconnected
	case !m.lastHeartbeat.IsZero() && m.now().Sub(m.lastHeartbeat) > m.threshold:
		h.State = ConnStale
	default:
		h.State = ConnConnected
	}
	return h
}
