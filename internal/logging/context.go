// internal/logging/context.go
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

	// Pipeline run correlation
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if stage, ok := StageFromContext(ctx); ok {
		fields = append(fields, zap.String("run.stage", stage))
	}
	if round, ok := RoundFromContext(ctx); ok {
		fields = append(fields, zap.Int("run.round", round))
	}

	return fields
}

// Context key types
type runCtxKey struct{}
type stageCtxKey struct{}
type roundCtxKey struct{}
type loggerCtxKey struct{}

// WithRunID adds a pipeline run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// RunIDFromContext extracts the run ID, or "" if absent.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithStage records the currently executing pipeline stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageCtxKey{}, stage)
}

// StageFromContext extracts the current stage name.
func StageFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(stageCtxKey{}).(string)
	return s, ok
}

// WithRound records the current review round number.
func WithRound(ctx context.Context, round int) context.Context {
	return context.WithValue(ctx, roundCtxKey{}, round)
}

// RoundFromContext extracts the current review round number.
func RoundFromContext(ctx context.Context) (int, bool) {
	r, ok := ctx.Value(roundCtxKey{}).(int)
	return r, ok
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
