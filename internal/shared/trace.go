package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type actionIDKey struct{}
type actionKindKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithActionID attaches an action_id to the context.
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey{}, actionID)
}

// ActionID extracts action_id from context. Returns "" if absent.
func ActionID(ctx context.Context) string {
	if v, ok := ctx.Value(actionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithActionKind attaches the action kind to the context.
func WithActionKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, actionKindKey{}, kind)
}

// ActionKind extracts the action kind from context. Returns "" if absent.
func ActionKind(ctx context.Context) string {
	if v, ok := ctx.Value(actionKindKey{}).(string); ok {
		return v
	}
	return ""
}
