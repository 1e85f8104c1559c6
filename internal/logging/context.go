package logging

import (
	"context"

	"github.com/google/uuid"
)

// contextKey namespaces context values stored by this package.
type contextKey string

const correlationIDKey contextKey = "correlation_id"

// NewCorrelationID returns a short, log-friendly correlation identifier.
func NewCorrelationID() string {
	return uuid.New().String()[:8]
}

// ContextWithCorrelationID attaches a correlation ID to ctx, for example at
// the start of a socket's dispatch loop or a bus-delivered callback.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext returns the correlation ID stored in ctx, or ""
// if none was attached.
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}
