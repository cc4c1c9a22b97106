package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/pkg/schema"
)

// Sink persists every finished run and its trace. It implements engine.Sink.
type Sink struct {
	store Store
}

// NewSink wraps s as an engine sink.
func NewSink(s Store) *Sink { return &Sink{store: s} }

// Deliver saves the run and appends one trace row per step.
func (k *Sink) Deliver(ctx context.Context, res *engine.RunResult) error {
	run, err := RunFromResult(res)
	if err != nil {
		return err
	}
	if err := k.store.SaveRun(ctx, run); err != nil {
		return err
	}
	for _, e := range res.Trace {
		trace := &StepTrace{
			RunID:      res.RunID,
			StepID:     string(e.Step),
			Incoming:   string(e.Incoming),
			Emitted:    string(e.Emitted),
			Param:      e.Param,
			Error:      e.Error,
			StartedAt:  e.Started,
			FinishedAt: e.Finished,
		}
		if err := k.store.AppendStepTrace(ctx, trace); err != nil {
			return fmt.Errorf("append trace for %s: %w", e.Step, err)
		}
	}
	return nil
}

// RunFromResult converts an executor result into a storable Run.
func RunFromResult(res *engine.RunResult) (*Run, error) {
	if res.State == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run result has no state")
	}
	rec := res.Record()
	snap, err := json.Marshal(res.State.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	run := &Run{
		ID:           res.RunID,
		RecordID:     rec.ID,
		CustomerID:   rec.CustomerID,
		Status:       res.Status,
		TerminalStep: string(res.Terminal),
		LastEvent:    string(res.LastEvent),
		Snapshot:     snap,
		StartedAt:    res.StartedAt,
	}
	if !res.FinishedAt.IsZero() {
		finished := res.FinishedAt
		run.FinishedAt = &finished
	}
	if res.Err != nil {
		run.Error = res.Err.Error()
		run.ErrorCode = schema.RootCode(res.Err)
	}
	return run, nil
}

var _ engine.Sink = (*Sink)(nil)
