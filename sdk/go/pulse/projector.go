package pulse

import (
	"sync/atomic"
	"time"

	"github.com/redcell-io/pulse/internal/model"
)

// Reduce applies one envelope to a state snapshot and returns the next
// snapshot. The input state is never mutated, so a reader holding an old
// snapshot never observes a partial transition.
//
// No delivery ordering is assumed: metrics replace wholesale, discoveries
// upsert by id, and running-set membership is an idempotent add/remove,
// so re-delivered or re-ordered envelopes converge to the same state.
func Reduce(state State, env Envelope, receivedAt time.Time) State {
	next := cloneState(state)

	if env.Type == TypeHeartbeat {
		next.LastHeartbeatAt = receivedAt
		return next
	}

	switch env.Type {
	case TypeExperimentStarted:
		// A new run restarts the machine from scratch.
		next = NewState()
		next.Status = RunStatusRunning
		if env.Experiment != nil {
			run := *env.Experiment
			next.Run = &run
		}
		if env.Metrics != nil {
			m := *env.Metrics
			next.Metrics = &m
		}
		next.LastHeartbeatAt = state.LastHeartbeatAt

	case TypeExperimentProgress:
		if next.Status.Terminal() {
			break
		}
		if env.Metrics != nil {
			m := *env.Metrics
			next.Metrics = &m
		}

	case TypeStrategyStarted:
		if next.Status.Terminal() {
			break
		}
		if env.Strategy != "" {
			next.RunningTasks[env.Strategy] = struct{}{}
		}

	case TypeStrategyCompleted:
		delete(next.RunningTasks, env.Strategy)

	case TypeNovelMethodDiscovered:
		if env.Method != nil && env.Method.ID != "" {
			next.Discoveries[env.Method.ID] = *env.Method
		}

	case TypeExperimentCompleted:
		next.Status = RunStatusCompleted
		next.RunningTasks = map[string]struct{}{}
		t := receivedAt
		next.CompletedAt = &t
		if next.Run != nil {
			run := *next.Run
			run.Status = RunStatusCompleted
			run.CompletedAt = &t
			next.Run = &run
		}

	case TypeExperimentError:
		next.Status = RunStatusError
		next.RunningTasks = map[string]struct{}{}
		t := receivedAt
		next.CompletedAt = &t
		if next.Run != nil {
			run := *next.Run
			run.Status = RunStatusError
			run.Error = env.Error
			run.CompletedAt = &t
			next.Run = &run
		}
	}

	next.Log = appendLog(next.Log, LogEntry{
		Type:       env.Type,
		RunID:      env.RunID,
		Strategy:   env.Strategy,
		Error:      env.Error,
		Raw:        env.Raw,
		ReceivedAt: receivedAt,
	})
	return next
}

// appendLog prepends entry, keeping the newest LogCapacity entries.
func appendLog(log []LogEntry, entry LogEntry) []LogEntry {
	out := make([]LogEntry, 0, min(len(log)+1, LogCapacity))
	out = append(out, entry)
	if len(log) > LogCapacity-1 {
		log = log[:LogCapacity-1]
	}
	return append(out, log...)
}

func cloneState(s State) State {
	next := s
	next.RunningTasks = make(map[string]struct{}, len(s.RunningTasks))
	for k := range s.RunningTasks {
		next.RunningTasks[k] = struct{}{}
	}
	next.Discoveries = make(map[string]Discovery, len(s.Discoveries))
	for k, v := range s.Discoveries {
		next.Discoveries[k] = v
	}
	next.Log = append([]LogEntry(nil), s.Log...)
	return next
}

// Projector consumes a raw envelope stream and maintains the current
// state snapshot. A single receive loop calls Apply and ApplyRaw; any
// number of readers may call State concurrently.
type Projector struct {
	state   atomic.Pointer[State]
	dropped atomic.Int64

	// now is swapped out by tests.
	now func() time.Time
}

// NewProjector creates a projector in the idle state.
func NewProjector() *Projector {
	p := &Projector{now: time.Now}
	initial := NewState()
	p.state.Store(&initial)
	return p
}

// Apply reduces one decoded envelope into the current state.
func (p *Projector) Apply(env Envelope) {
	next := Reduce(*p.state.Load(), env, p.now())
	p.state.Store(&next)
}

// ApplyRaw decodes and applies one wire frame. Malformed frames are
// dropped and counted; state is untouched.
func (p *Projector) ApplyRaw(data []byte) {
	env, err := model.Decode(data)
	if err != nil {
		p.dropped.Add(1)
		return
	}
	p.Apply(env)
}

// State returns the current snapshot. The returned value is immutable;
// concurrent Apply calls produce new snapshots.
func (p *Projector) State() State {
	return *p.state.Load()
}

// Dropped returns the count of malformed frames discarded so far.
func (p *Projector) Dropped() int64 {
	return p.dropped.Load()
}
