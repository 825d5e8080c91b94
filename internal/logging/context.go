package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	buildIDKey
	taskIDKey
)

// WithRunID returns a context with the triage run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithBuildID returns a context with the Testray build ID set.
func WithBuildID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, buildIDKey, id)
}

// WithTaskID returns a context with the Testray task ID set.
func WithTaskID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// BuildID extracts the build ID from the context, or 0 if absent.
func BuildID(ctx context.Context) int64 {
	v, _ := ctx.Value(buildIDKey).(int64)
	return v
}

// TaskID extracts the task ID from the context, or 0 if absent.
func TaskID(ctx context.Context) int64 {
	v, _ := ctx.Value(taskIDKey).(int64)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := RunID(ctx); v != "" {
		r.AddAttrs(slog.String("run_id", v))
	}
	if v := BuildID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("build_id", v))
	}
	if v := TaskID(ctx); v != 0 {
		r.AddAttrs(slog.Int64("task_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
