package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

var base = time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)

func seedRun(t *testing.T, s *LibSQLStore, status schema.RunStatus, started time.Time) *Run {
	t.Helper()
	finished := started.Add(2 * time.Second)
	run := &Run{
		ID:         uuid.NewString(),
		RecordID:   "rec-" + uuid.NewString()[:8],
		CustomerID: "42",
		Status:     status,
		Snapshot:   json.RawMessage(`{"record":{"id":"x"}}`),
		StartedAt:  started,
		FinishedAt: &finished,
	}
	require.NoError(t, s.SaveRun(context.Background(), run))
	return run
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusCompleted, base)
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.RecordID, got.RecordID)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.True(t, base.Equal(got.StartedAt))
	require.NotNil(t, got.FinishedAt)
	assert.True(t, base.Add(2*time.Second).Equal(*got.FinishedAt))
	assert.JSONEq(t, `{"record":{"id":"x"}}`, string(got.Snapshot))
}

func TestSaveRun_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, schema.RunStatusRunning, base)
	run.Status = schema.RunStatusFailed
	run.ErrorCode = schema.ErrCodeDecode
	run.Error = "bad reply"
	require.NoError(t, s.SaveRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, schema.ErrCodeDecode, got.ErrorCode)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestSaveRun_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveRun(context.Background(), &Run{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestListRuns_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := seedRun(t, s, schema.RunStatusCompleted, base.Add(-time.Hour))
	failed := seedRun(t, s, schema.RunStatusFailed, base)
	recent := seedRun(t, s, schema.RunStatusCompleted, base.Add(time.Hour))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, recent.ID, all[0].ID)
	assert.Equal(t, old.ID, all[2].ID)

	status := schema.RunStatusFailed
	got, err := s.ListRuns(ctx, RunFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, failed.ID, got[0].ID)

	since := base
	got, err = s.ListRuns(ctx, RunFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListRuns(ctx, RunFilter{RecordID: old.RecordID})
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, failed.ID, got[0].ID)
}

func TestStepTraces_Sequenced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, schema.RunStatusCompleted, base)

	for i, step := range []string{"DetermineRepeatedCall", "DetermineCause"} {
		tr := &StepTrace{RunID: run.ID, StepID: step, Incoming: "Start", StartedAt: base.Add(time.Duration(i) * time.Second), FinishedAt: base.Add(time.Duration(i)*time.Second + 500*time.Millisecond)}
		require.NoError(t, s.AppendStepTrace(ctx, tr))
		assert.Equal(t, int64(i+1), tr.Sequence)
	}

	traces, err := s.ListStepTraces(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "DetermineRepeatedCall", traces[0].StepID)
	assert.Equal(t, int64(2), traces[1].Sequence)
	assert.Equal(t, 500*time.Millisecond, traces[0].FinishedAt.Sub(traces[0].StartedAt))
}

func TestAppendStepTrace_UnknownRun(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendStepTrace(context.Background(), &StepTrace{RunID: "nope", StepID: "Exit"})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestPurgeRunsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := seedRun(t, s, schema.RunStatusCompleted, base.Add(-48*time.Hour))
	require.NoError(t, s.AppendStepTrace(ctx, &StepTrace{RunID: old.ID, StepID: "Exit"}))
	kept := seedRun(t, s, schema.RunStatusCompleted, base)

	n, err := s.PurgeRunsBefore(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRun(ctx, old.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	traces, err := s.ListStepTraces(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, traces)

	_, err = s.GetRun(ctx, kept.ID)
	assert.NoError(t, err)
}

func TestSink_DeliversRunAndTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := state.New(state.Record{ID: "call-9", CustomerID: "42", Timestamp: base})
	require.NoError(t, err)
	require.NoError(t, st.SetCustomer(state.Customer{ID: "42", CLV: state.CLVHigh}))

	res := &engine.RunResult{
		RunID:     "run-1",
		Status:    schema.RunStatusFailed,
		Terminal:  schema.StepDetermineCause,
		LastEvent: schema.EventIsRepeatedCall,
		State:     st,
		Err:       schema.NewError(schema.ErrCodeStepFailed, "boom").WithCause(schema.NewError(schema.ErrCodeTransport, "down")),
		Trace: []engine.TraceEntry{
			{Step: schema.StepDetermineRepeatedCall, Incoming: schema.EventStart, Param: "state", Emitted: schema.EventIsRepeatedCall, Started: base, Finished: base.Add(time.Second)},
			{Step: schema.StepDetermineCause, Incoming: schema.EventIsRepeatedCall, Param: "state", Error: "down", Started: base.Add(time.Second), Finished: base.Add(2 * time.Second)},
		},
		StartedAt:  base,
		FinishedAt: base.Add(2 * time.Second),
	}
	require.NoError(t, NewSink(s).Deliver(ctx, res))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "call-9", run.RecordID)
	assert.Equal(t, schema.ErrCodeTransport, run.ErrorCode)
	assert.Equal(t, string(schema.StepDetermineCause), run.TerminalStep)

	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(run.Snapshot, &snap))
	require.NotNil(t, snap.Customer)
	assert.Equal(t, "High", snap.Customer.CLV)

	traces, err := s.ListStepTraces(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, "down", traces[1].Error)
}

func TestSink_RejectsStatelessResult(t *testing.T) {
	s := newTestStore(t)
	err := NewSink(s).Deliver(context.Background(), &engine.RunResult{RunID: "x"})
	require.Error(t, err)
	var fe *schema.FlowError
	assert.True(t, errors.As(err, &fe))
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	assert.NotEmpty(t, splitStatements(ms[0].SQL))
}
