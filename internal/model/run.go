// Package model defines the core domain types for the pulse telemetry
// pipeline: runs, metrics snapshots, discoveries, and the wire envelope.
//
// JSON tags use the camelCase keys fixed by the wire protocol. Types use
// strong typing (UUIDs, time.Time, enums) for the envelope header; the
// inner sub-event payload stays opaque so new sub-event kinds never
// require a wire-format change.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

// Terminal reports whether the status is a terminal state. A run in a
// terminal state is immutable thereafter.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusError
}

// Run is one execution of the monitored orchestration process. The
// gateway owns the authoritative copy for the run's duration; observers
// hold read-only copies reconstructed from events.
type Run struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	Status        RunStatus      `json:"status"`
	CorrelationID string         `json:"correlationId"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
	Error         string         `json:"error,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
}

// Discovery is a keyed, de-duplicated artifact reported as newly distinct
// during a run. A later envelope for the same ID replaces the earlier
// record; discoveries are keyed, never appended.
type Discovery struct {
	ID           string         `json:"id"`
	Payload      map[string]any `json:"payload,omitempty"`
	DiscoveredAt time.Time      `json:"discoveredAt"`
}
