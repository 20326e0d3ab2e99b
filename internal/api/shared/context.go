// Package shared holds the request and response helpers used by every
// handler of the status API.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// TraceIDHeader carries a caller-supplied trace ID. It is echoed on responses.
const TraceIDHeader = "X-Trace-ID"

type traceIDKey struct{}

// WithTraceID returns a context carrying id. An id that is not a UUID is
// replaced by a fresh one so log correlation never depends on client input.
func WithTraceID(ctx context.Context, id string) context.Context {
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	return context.WithValue(ctx, traceIDKey{}, id)
}

// GetTraceID returns the request's trace ID, or "" outside a request.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey{}).(string)
	return id
}
