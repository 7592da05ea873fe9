package pulse

import (
	"testing"
	"time"
)

// fakeClock drives a monitor without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(threshold time.Duration) (*LivenessMonitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewLivenessMonitor(threshold)
	m.now = clock.now
	return m, clock
}

func TestLivenessInitiallyDisconnected(t *testing.T) {
	m, _ := newTestMonitor(0)
	if got := m.Health().State; got != ConnDisconnected {
		t.Fatalf("initial state = %q, want disconnected", got)
	}
}

func TestLivenessStaleAfterQuietHeartbeats(t *testing.T) {
	m, clock := newTestMonitor(60 * time.Second)
	m.MarkConnected()

	clock.advance(59 * time.Second)
	if got := m.Health().State; got != ConnConnected {
		t.Fatalf("state at 59s = %q, want connected (one missed beat tolerated)", got)
	}

	clock.advance(2 * time.Second)
	if got := m.Health().State; got != ConnStale {
		t.Fatalf("state at 61s = %q, want stale", got)
	}

	// Any envelope, not only a heartbeat, flips it back.
	m.Observe()
	if got := m.Health().State; got != ConnConnected {
		t.Fatalf("state after observe = %q, want connected", got)
	}
}

func TestLivenessStaleIsNotDisconnected(t *testing.T) {
	m, clock := newTestMonitor(60 * time.Second)
	m.MarkConnected()
	clock.advance(2 * time.Minute)

	h := m.Health()
	if h.State != ConnStale {
		t.Fatalf("state = %q, want stale while transport is still open", h.State)
	}

	m.MarkDisconnected()
	if got := m.Health().State; got != ConnDisconnected {
		t.Fatalf("state = %q, want disconnected after transport loss", got)
	}
}

func TestLivenessReconnectCounter(t *testing.T) {
	m, _ := newTestMonitor(0)
	m.MarkConnected()
	m.MarkDisconnected()

	m.MarkReconnectAttempt()
	m.MarkReconnectAttempt()
	if got := m.Health().ReconnectAttempts; got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}

	// A successful connection resets the counter.
	m.MarkConnected()
	if got := m.Health().ReconnectAttempts; got != 0 {
		t.Fatalf("attempts after reconnect = %d, want 0", got)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	delays := []time.Duration{
		p.NextDelay(1), p.NextDelay(2), p.NextDelay(3), p.NextDelay(6), p.NextDelay(20),
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i := range delays {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}
