package model

import (
	"encoding/json"
	"strings"
	"time"
)

// EnvelopeType tags the kind of message carried on the telemetry stream.
type EnvelopeType string

const (
	TypeExperimentStarted     EnvelopeType = "experiment_started"
	TypeExperimentProgress    EnvelopeType = "experiment_progress"
	TypeStrategyStarted       EnvelopeType = "strategy_started"
	TypeStrategyCompleted     EnvelopeType = "strategy_completed"
	TypeNovelMethodDiscovered EnvelopeType = "novel_method_discovered"
	TypeExperimentCompleted   EnvelopeType = "experiment_completed"
	TypeExperimentError       EnvelopeType = "experiment_error"
	TypeHeartbeat             EnvelopeType = "heartbeat"
)

// Valid reports whether t is one of the canonical envelope types.
func (t EnvelopeType) Valid() bool {
	switch t {
	case TypeExperimentStarted, TypeExperimentProgress,
		TypeStrategyStarted, TypeStrategyCompleted,
		TypeNovelMethodDiscovered, TypeExperimentCompleted,
		TypeExperimentError, TypeHeartbeat:
		return true
	}
	return false
}

// SchemaVersion is the current wire schema version. Decoders accept any
// version whose major component matches.
const SchemaVersion = "1.0"

// StatusAlive is the liveness marker carried by heartbeat envelopes.
const StatusAlive = "alive"

// Envelope is the unit of transmission on the telemetry stream.
// Immutable once constructed; never mutated in transit.
//
// The header fields are strongly typed; the sub-event descriptor (Event)
// stays an opaque raw value passed through to consumers, so new sub-event
// kinds never require a wire-format change.
type Envelope struct {
	Type          EnvelopeType `json:"type"`
	SchemaVersion string       `json:"schemaVersion,omitempty"`
	Timestamp     time.Time    `json:"timestamp,omitzero"`
	RunID         string       `json:"runId,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`

	// Type-specific payload fields. Exactly the ones matching Type are
	// populated; the rest stay zero.
	Experiment *Run            `json:"experiment,omitempty"`
	Metrics    *Metrics        `json:"metrics,omitempty"`
	Event      json.RawMessage `json:"event,omitempty"`
	Strategy   string          `json:"strategy,omitempty"`
	Method     *Discovery      `json:"method,omitempty"`
	Error      string          `json:"error,omitempty"`
	Status     string          `json:"status,omitempty"`

	// Raw holds the exact bytes the envelope was decoded from, so fields
	// added by a newer minor version survive re-serialization and display.
	// Empty for locally constructed envelopes.
	Raw json.RawMessage `json:"-"`
}

// DecodeError describes a structurally invalid envelope. Malformed
// envelopes are dropped and counted by callers, never propagated into
// application state.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "model: decode envelope: " + e.Reason
}

// Encode serializes the envelope to its canonical wire form, stamping the
// current schema version if none is set.
func Encode(env Envelope) ([]byte, error) {
	if env.SchemaVersion == "" {
		env.SchemaVersion = SchemaVersion
	}
	return json.Marshal(env)
}

// Decode parses an envelope from its wire form. It returns *DecodeError
// for structurally invalid input: unparseable JSON, a missing type tag,
// or an incompatible schema major version. Unknown fields are preserved
// in Raw and otherwise ignored; an unrecognized minor version is not an
// error.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: err.Error()}
	}
	if env.Type == "" {
		return Envelope{}, &DecodeError{Reason: "missing type"}
	}
	if !versionCompatible(env.SchemaVersion) {
		return Envelope{}, &DecodeError{Reason: "unsupported schema version " + env.SchemaVersion}
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

// versionCompatible accepts any version sharing SchemaVersion's major
// component. An absent version is treated as current (heartbeats may omit
// header fields entirely).
func versionCompatible(v string) bool {
	if v == "" {
		return true
	}
	major, _, _ := strings.Cut(v, ".")
	currentMajor, _, _ := strings.Cut(SchemaVersion, ".")
	return major == currentMajor
}
