// Package ctxutil provides shared context key accessors.
//
// This package exists so that any code executing within a request or a run
// can retrieve the current correlation identifier without threading it
// through every call: the HTTP middleware, the event bus, and the log
// statements all read the same key instead of importing each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const keyCorrelationID contextKey = "correlation_id"

// NewCorrelationID mints a fresh opaque correlation identifier.
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID returns a new context carrying the given correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, id)
}

// CorrelationIDFromContext extracts the correlation id from the context.
// Returns "" when no identifier has been attached.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyCorrelationID).(string); ok {
		return v
	}
	return ""
}
