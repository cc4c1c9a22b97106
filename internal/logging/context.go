package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	recordIDKey
	stepIDKey
)

// Attribute keys used for correlation.
const (
	KeyRunID    = "run_id"
	KeyRecordID = "record_id"
	KeyStepID   = "step_id"
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithRecordID returns a context with the call record ID set.
func WithRecordID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, recordIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// RecordID extracts the record ID from the context, or "" if absent.
func RecordID(ctx context.Context) string {
	v, _ := ctx.Value(recordIDKey).(string)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// WithIDs sets the run and record IDs on the context at once.
func WithIDs(ctx context.Context, runID, recordID string) context.Context {
	return WithRecordID(WithRunID(ctx, runID), recordID)
}

func correlation(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := RunID(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyRunID, v))
	}
	if v := RecordID(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyRecordID, v))
	}
	if v := StepID(ctx); v != "" {
		attrs = append(attrs, slog.String(KeyStepID, v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlation(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Keys already bound through WithAttrs (e.g. by LogWith) are not repeated.
type CorrelationHandler struct {
	inner slog.Handler
	bound map[string]bool
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range correlation(ctx) {
		if !h.bound[a.Key] {
			r.AddAttrs(a)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}
	for _, a := range attrs {
		switch a.Key {
		case KeyRunID, KeyRecordID, KeyStepID:
			bound[a.Key] = true
		}
	}
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs), bound: bound}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name), bound: h.bound}
}
