package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", RecordID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithRunID(ctx, "run-123")
	ctx = WithRecordID(ctx, "rec-9")
	ctx = WithStepID(ctx, "DetermineCause")

	assert.Equal(t, "run-123", RunID(ctx))
	assert.Equal(t, "rec-9", RecordID(ctx))
	assert.Equal(t, "DetermineCause", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStepID(WithIDs(context.Background(), "run-abc", "rec-1"), "Exit")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-abc")
	assert.Contains(t, output, "record_id=rec-1")
	assert.Contains(t, output, "step_id=Exit")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogWith(WithRunID(context.Background(), "run-only"), logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "run_id=run-only")
	assert.NotContains(t, output, "record_id")
	assert.NotContains(t, output, "step_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithStepID(WithIDs(context.Background(), "run-auto", "rec-auto"), "step-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-auto"`)
	assert.Contains(t, output, `"record_id":"rec-auto"`)
	assert.Contains(t, output, `"step_id":"step-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "run_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerSkipsBoundKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithRunID(context.Background(), "run-1")
	LogWith(ctx, logger).InfoContext(ctx, "once")

	assert.Equal(t, 1, strings.Count(buf.String(), "run_id=run-1"))
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))).WithGroup("capability")

	logger.InfoContext(WithRunID(context.Background(), "run-g"), "grouped", slog.String("name", "x"))

	assert.Contains(t, buf.String(), `"capability":{`)
	assert.Contains(t, buf.String(), "run-g")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", "json", &buf)
	require.NoError(t, err)

	logger.DebugContext(WithRunID(context.Background(), "run-n"), "hello", slog.String("error", "boom"))

	output := buf.String()
	assert.Contains(t, output, `"run_id":"run-n"`)
	assert.Contains(t, output, `"err":"boom"`)
	assert.NotContains(t, output, `"error":`)
}

func TestNew_Rejects(t *testing.T) {
	_, err := New("verbose", "text", &bytes.Buffer{})
	assert.Error(t, err)

	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "text", &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
