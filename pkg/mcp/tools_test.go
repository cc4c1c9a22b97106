package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/internal/capability"
	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/store"
	"github.com/rendis/callflow/pkg/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Fakes ---

type fakeRunner struct {
	got []engine.RunRequest
	err error
}

func (f *fakeRunner) Execute(_ context.Context, req engine.RunRequest) *engine.RunResult {
	f.got = append(f.got, req)
	res := &engine.RunResult{RunID: "run-sync", State: req.State, Status: schema.RunStatusCompleted,
		Terminal: schema.StepExit}
	if f.err != nil {
		res.Status = schema.RunStatusFailed
		res.Err = f.err
	}
	return res
}

type mockStore struct {
	store.Store // embed for unimplemented methods

	runs   []*store.Run
	traces map[string][]*store.StepTrace
	filter store.RunFilter
}

func (m *mockStore) GetRun(_ context.Context, id string) (*store.Run, error) {
	for _, r := range m.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, schema.NewError(schema.ErrCodeNotFound, "run not found")
}

func (m *mockStore) ListStepTraces(_ context.Context, runID string) ([]*store.StepTrace, error) {
	return m.traces[runID], nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	m.filter = filter
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	results []*engine.RunResult
}

func (n *recordingNotifier) NotifyRunFinished(_ context.Context, res *engine.RunResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, res)
	return nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func runArgs() map[string]any {
	return map[string]any{
		"id":          "rec-1",
		"customer_id": "42",
		"timestamp":   "2025-03-14T10:00:00Z",
		"sdc":         "no signal",
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

// newDispatcher runs a one-step workflow whose step blocks until release is closed.
func newDispatcher(t *testing.T, release <-chan struct{}) *engine.Dispatcher {
	t.Helper()
	g, err := engine.NewGraph().
		Step(schema.StepDetermineRepeatedCall, engine.StepFunc(func(context.Context, *engine.StepContext) error {
			<-release
			return nil
		})).
		Build()
	require.NoError(t, err)
	exec, err := engine.NewExecutor(g, capability.NewRegistry(capability.WithLogger(quiet)), engine.WithLogger(quiet))
	require.NoError(t, err)
	return engine.NewDispatcher(exec, 2)
}

// --- Tests ---

func TestRunTool(t *testing.T) {
	runner := &fakeRunner{}
	s := NewServer(ServerDeps{Runner: runner, Logger: quiet})

	result, err := s.handleRun(context.Background(), buildRequest("callflow.run", runArgs()))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var sum runSummary
	unmarshalResult(t, result, &sum)
	assert.Equal(t, schema.RunStatusCompleted, sum.Status)
	assert.Equal(t, string(schema.StepExit), sum.TerminalStep)
	require.NotNil(t, sum.State)
	assert.Equal(t, "no signal", sum.State.Record.Reason)

	require.Len(t, runner.got, 1)
	assert.Equal(t, schema.StepDetermineRepeatedCall, runner.got[0].Entry)
	assert.Equal(t, schema.EventStart, runner.got[0].Event)
}

func TestRunToolFailedRun(t *testing.T) {
	runner := &fakeRunner{err: schema.NewError(schema.ErrCodeStepFailed, "step failed").
		WithCause(schema.NewError(schema.ErrCodeDecode, "bad verdict"))}
	s := NewServer(ServerDeps{Runner: runner, Logger: quiet})

	result, err := s.handleRun(context.Background(), buildRequest("callflow.run", runArgs()))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var sum runSummary
	unmarshalResult(t, result, &sum)
	assert.Equal(t, schema.RunStatusFailed, sum.Status)
	assert.Equal(t, schema.ErrCodeDecode, sum.ErrorCode)
}

func TestRunToolMissingParams(t *testing.T) {
	s := NewServer(ServerDeps{Runner: &fakeRunner{}, Logger: quiet})

	for _, missing := range []string{"id", "customer_id", "timestamp"} {
		args := runArgs()
		delete(args, missing)
		result, err := s.handleRun(context.Background(), buildRequest("callflow.run", args))
		require.NoError(t, err)
		assert.True(t, result.IsError, missing)
	}

	args := runArgs()
	args["timestamp"] = "yesterday"
	result, err := s.handleRun(context.Background(), buildRequest("callflow.run", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunToolAsync(t *testing.T) {
	release := make(chan struct{})
	d := newDispatcher(t, release)
	s := NewServer(ServerDeps{Dispatcher: d, Logger: quiet})
	notifier := &recordingNotifier{}
	s.notifier = notifier

	args := runArgs()
	args["async"] = true
	result, err := s.handleRun(context.Background(), buildRequest("callflow.run", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var accepted struct {
		RunID  string           `json:"run_id"`
		Status schema.RunStatus `json:"status"`
	}
	unmarshalResult(t, result, &accepted)
	require.NotEmpty(t, accepted.RunID)
	assert.Equal(t, schema.RunStatusRunning, accepted.Status)

	status, err := s.handleStatus(context.Background(), buildRequest("callflow.status", map[string]any{"run_id": accepted.RunID}))
	require.NoError(t, err)
	assert.False(t, status.IsError)
	assert.Contains(t, extractText(t, status), `"running"`)

	close(release)
	d.Wait()

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.results, 1)
	assert.Equal(t, accepted.RunID, notifier.results[0].RunID)
	assert.Equal(t, schema.RunStatusCompleted, notifier.results[0].Status)
}

func TestRunToolAsyncUnavailable(t *testing.T) {
	s := NewServer(ServerDeps{Runner: &fakeRunner{}, Logger: quiet})
	args := runArgs()
	args["async"] = true
	result, err := s.handleRun(context.Background(), buildRequest("callflow.run", args))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	ms := &mockStore{
		runs:   []*store.Run{{ID: "run-123", Status: schema.RunStatusCompleted, TerminalStep: "Exit"}},
		traces: map[string][]*store.StepTrace{"run-123": {{RunID: "run-123", Sequence: 1, StepID: "Exit"}}},
	}
	s := NewServer(ServerDeps{Store: ms, Logger: quiet})

	result, err := s.handleStatus(context.Background(), buildRequest("callflow.status", map[string]any{"run_id": "run-123"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "run-123")
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, `"sequence":1`)
}

func TestStatusToolMissingID(t *testing.T) {
	s := NewServer(ServerDeps{Store: &mockStore{}})
	result, err := s.handleStatus(context.Background(), buildRequest("callflow.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	s := NewServer(ServerDeps{Store: &mockStore{}})
	result, err := s.handleStatus(context.Background(), buildRequest("callflow.status", map[string]any{"run_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	ms := &mockStore{runs: []*store.Run{
		{ID: "r1", Status: schema.RunStatusCompleted},
		{ID: "r2", Status: schema.RunStatusFailed},
		{ID: "r3", Status: schema.RunStatusFailed},
	}}
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("callflow.query", map[string]any{
		"status": "failed",
		"limit":  float64(1),
		"since":  "2025-01-01T00:00:00Z",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var body struct {
		Runs  []store.Run `json:"runs"`
		Count int         `json:"count"`
	}
	unmarshalResult(t, result, &body)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "r2", body.Runs[0].ID)
	assert.Equal(t, 1, ms.filter.Limit)
	require.NotNil(t, ms.filter.Since)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *ms.filter.Since)
}

func TestQueryToolDefaultsAndErrors(t *testing.T) {
	ms := &mockStore{}
	s := NewServer(ServerDeps{Store: ms})

	result, err := s.handleQuery(context.Background(), buildRequest("callflow.query", map[string]any{}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, defaultQueryLimit, ms.filter.Limit)

	result, err = s.handleQuery(context.Background(), buildRequest("callflow.query", map[string]any{"since": "last week"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	noStore := NewServer(ServerDeps{})
	result, err = noStore.handleQuery(context.Background(), buildRequest("callflow.query", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
