package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/internal/capability"
	"github.com/rendis/callflow/internal/config"
	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/reasoning"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestDecodeRecord(t *testing.T) {
	rec, err := decodeRecord([]byte(`{"id":"rec-1","customer_id":42,"sdc":"no tv","timestamp":"2025-03-14T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "42", rec.CustomerID)
	assert.Equal(t, "no tv", rec.Reason)

	wrapped, err := decodeRecord([]byte(`{"record":"{\"id\":\"rec-2\",\"customer_id\":\"7\",\"timestamp\":\"2025-03-14T10:00:00Z\"}"}`))
	require.NoError(t, err)
	assert.Equal(t, "rec-2", wrapped.ID)

	_, err = decodeRecord([]byte(`[1,2]`))
	assert.Equal(t, schema.ErrCodeDecode, schema.CodeOf(err))

	_, err = decodeRecord([]byte(`{"id":"rec-3"}`))
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Equal(t, "dev\n", out.String())
}

func TestNewReasoner(t *testing.T) {
	r, err := newReasoner(config.ReasoningConfig{Provider: config.ProviderOpenAI, Model: "m", BaseURL: "http://localhost:1"})
	require.NoError(t, err)
	assert.IsType(t, &reasoning.OpenAIBackend{}, r)

	r, err = newReasoner(config.ReasoningConfig{Provider: config.ProviderGemini, Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &reasoning.GeminiBackend{}, r)

	_, err = newReasoner(config.ReasoningConfig{Provider: "local"})
	assert.Error(t, err)
}

func newDispatcher(t *testing.T, step engine.StepFunc) *engine.Dispatcher {
	t.Helper()
	g, err := engine.NewGraph().Step(schema.StepDetermineRepeatedCall, step).Build()
	require.NoError(t, err)
	exec, err := engine.NewExecutor(g, capability.NewRegistry(capability.WithLogger(quiet)), engine.WithLogger(quiet))
	require.NoError(t, err)
	d := engine.NewDispatcher(exec, 1)
	t.Cleanup(d.Shutdown)
	return d
}

func TestDispatchHandler(t *testing.T) {
	rec := state.Record{ID: "rec-1", CustomerID: "42", Timestamp: time.Now().UTC()}

	ok := dispatchHandler(newDispatcher(t, func(context.Context, *engine.StepContext) error { return nil }))
	assert.NoError(t, ok(context.Background(), "1-0", rec))

	boom := errors.New("boom")
	failing := dispatchHandler(newDispatcher(t, func(context.Context, *engine.StepContext) error { return boom }))
	err := failing(context.Background(), "1-1", rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.CodeOf(err))

	assert.Error(t, ok(context.Background(), "1-2", state.Record{ID: "rec-2"}))
}

func TestBuildWorkflow(t *testing.T) {
	g, err := buildWorkflow(config.Default(), quiet)
	require.NoError(t, err)
	assert.True(t, g.Built())
	assert.Len(t, g.Steps(), 4)

	next, ok := g.Next(schema.StepDetermineRepeatedCall, schema.EventIsRepeatedCall)
	require.True(t, ok)
	assert.Equal(t, schema.StepDetermineCause, next.To)

	next, ok = g.Next(schema.StepDetermineRepeatedCall, schema.EventIsNotRepeatedCall)
	require.True(t, ok)
	assert.Equal(t, schema.StepExit, next.To)
}
