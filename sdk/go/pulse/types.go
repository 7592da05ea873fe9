package pulse

import (
	"time"

	"github.com/redcell-io/pulse/internal/model"
)

// Wire and domain types are aliased here so consumers can name,
// construct, and pattern-match them without reaching into internal
// packages. The aliases are identical types, not copies.
type (
	Run          = model.Run
	RunStatus    = model.RunStatus
	Metrics      = model.Metrics
	Discovery    = model.Discovery
	Envelope     = model.Envelope
	EnvelopeType = model.EnvelopeType
)

const (
	RunStatusIdle      = model.RunStatusIdle
	RunStatusRunning   = model.RunStatusRunning
	RunStatusCompleted = model.RunStatusCompleted
	RunStatusError     = model.RunStatusError

	TypeExperimentStarted     = model.TypeExperimentStarted
	TypeExperimentProgress    = model.TypeExperimentProgress
	TypeStrategyStarted       = model.TypeStrategyStarted
	TypeStrategyCompleted     = model.TypeStrategyCompleted
	TypeNovelMethodDiscovered = model.TypeNovelMethodDiscovered
	TypeExperimentCompleted   = model.TypeExperimentCompleted
	TypeExperimentError       = model.TypeExperimentError
	TypeHeartbeat             = model.TypeHeartbeat
)

// LogCapacity is the number of entries kept in the display log. Older
// entries are dropped oldest-first; nothing is persisted.
const LogCapacity = 1000

// LogEntry is one record in the bounded display log. ReceivedAt is the
// client's receipt time; display ordering is by receipt, newest first,
// never by producer timestamp.
type LogEntry struct {
	Type       EnvelopeType `json:"type"`
	RunID      string       `json:"runId,omitempty"`
	Strategy   string       `json:"strategy,omitempty"`
	Error      string       `json:"error,omitempty"`
	Raw        []byte       `json:"-"`
	ReceivedAt time.Time    `json:"receivedAt"`
}

// State is the observer's reconstructed view of the run. Values returned
// from the projector are immutable snapshots; mutating one has no effect
// on subsequent snapshots.
type State struct {
	Status  RunStatus
	Run     *Run
	Metrics *Metrics

	// RunningTasks holds the identifiers of currently-running strategies.
	// Guaranteed empty once Status is terminal.
	RunningTasks map[string]struct{}

	// Discoveries is keyed by discovery id. Re-delivery of an id replaces
	// the record rather than duplicating it.
	Discoveries map[string]Discovery

	// Log holds the most recent entries, newest first, capped at
	// LogCapacity.
	Log []LogEntry

	LastHeartbeatAt time.Time
	CompletedAt     *time.Time
}

// NewState returns the initial idle state.
func NewState() State {
	return State{
		Status:       RunStatusIdle,
		RunningTasks: map[string]struct{}{},
		Discoveries:  map[string]Discovery{},
	}
}

// ConnState describes the observer's view of the stream connection.
// Stale is distinct from Disconnected: the transport still reports an
// open connection but heartbeats have gone quiet.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnStale        ConnState = "stale"
	ConnDisconnected ConnState = "disconnected"
)

// Health reports connection liveness for display and alerting.
type Health struct {
	State             ConnState `json:"state"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	LastHeartbeatAt   time.Time `json:"lastHeartbeatAt,omitzero"`
}
