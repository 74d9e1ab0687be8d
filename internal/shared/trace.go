package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type stepIndexKey struct{}
type surfaceKindKey struct{}

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

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStepIndex attaches the active step index to the context.
func WithStepIndex(ctx context.Context, index int) context.Context {
	return context.WithValue(ctx, stepIndexKey{}, index)
}

// StepIndex extracts the active step index. Returns -1 if absent.
func StepIndex(ctx context.Context) int {
	if v, ok := ctx.Value(stepIndexKey{}).(int); ok {
		return v
	}
	return -1
}

// WithSurfaceKind attaches the surface kind driving the current run.
func WithSurfaceKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, surfaceKindKey{}, kind)
}

// SurfaceKind extracts the surface kind from context. Returns "" if absent.
func SurfaceKind(ctx context.Context) string {
	if v, ok := ctx.Value(surfaceKindKey{}).(string); ok {
		return v
	}
	return ""
}

// DefaultSurfaceKind is used when a task does not name a surface.
const DefaultSurfaceKind = "chat"
