package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/callflow/internal/capability"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

// StepContext is what a step receives for one invocation.
type StepContext struct {
	RunID    string
	Step     schema.StepID
	Incoming schema.EventName
	// Param is the name under which State was delivered by the routing edge.
	Param        string
	State        *state.State
	Capabilities capability.Invoker
	Logger       *slog.Logger

	emitted schema.EventName
	emits   int
}

// Emit records the step's outgoing event. A step emits at most once; a
// second call returns DOUBLE_EMIT and the run is aborted.
func (sc *StepContext) Emit(event schema.EventName) error {
	sc.emits++
	if sc.emits > 1 {
		return schema.NewErrorf(schema.ErrCodeDoubleEmit,
			"step emitted %s after already emitting %s", event, sc.emitted).WithStep(sc.Step)
	}
	sc.emitted = event
	return nil
}

// Emitted returns the event recorded by Emit.
func (sc *StepContext) Emitted() (schema.EventName, bool) {
	return sc.emitted, sc.emits > 0
}

// Invoke calls a capability with the run's credential already on ctx.
func (sc *StepContext) Invoke(ctx context.Context, name string, args map[string]any) capability.Result {
	return sc.Capabilities.Invoke(ctx, name, args)
}
