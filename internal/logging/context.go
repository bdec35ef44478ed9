package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if attempt := AttemptFromContext(ctx); attempt > 0 {
		fields = append(fields, zap.Int("attempt", attempt))
	}

	return fields
}

// Context key types
type taskCtxKey struct{}
type runCtxKey struct{}
type attemptCtxKey struct{}
type loggerCtxKey struct{}

// WithTaskID adds the task id (VTID) to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext extracts the task id from context.
func TaskIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRunID adds the per-attempt run id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run id from context.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAttempt adds the verification attempt number to the context.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptCtxKey{}, attempt)
}

// AttemptFromContext extracts the attempt number from context.
func AttemptFromContext(ctx context.Context) int {
	if v, ok := ctx.Value(attemptCtxKey{}).(int); ok {
		return v
	}
	return 0
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
