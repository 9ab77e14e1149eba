// Package trace provides request correlation IDs and their context
// propagation, so log lines emitted by the message handler, the session
// manager, and the completion client can be tied back to one inbound event.
package trace

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey is the unexported context key holding the correlation ID.
type ctxKey struct{}

// NewID returns a fresh correlation ID.
func NewID() string {
	return "req_" + uuid.NewString()
}

// WithID returns a child context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the correlation ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
