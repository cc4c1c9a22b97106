package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/callflow/internal/capability"
	"github.com/rendis/callflow/internal/logging"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/internal/streaming"
	"github.com/rendis/callflow/pkg/schema"
)

// Sink receives every finished run, successful or not.
type Sink interface {
	Deliver(ctx context.Context, res *RunResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, res *RunResult) error

func (f SinkFunc) Deliver(ctx context.Context, res *RunResult) error { return f(ctx, res) }

// TraceEntry records one step invocation.
type TraceEntry struct {
	Step     schema.StepID    `json:"step"`
	Incoming schema.EventName `json:"incoming"`
	Param    string           `json:"param"`
	Emitted  schema.EventName `json:"emitted,omitempty"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
	Error    string           `json:"error,omitempty"`
}

// RunRequest starts a run. An empty RunID is generated.
type RunRequest struct {
	RunID string
	Entry schema.StepID
	Event schema.EventName
	State *state.State
}

// RunResult is the outcome of a run.
type RunResult struct {
	RunID      string
	Status     schema.RunStatus
	Terminal   schema.StepID
	LastEvent  schema.EventName
	State      *state.State
	Trace      []TraceEntry
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Record returns the inbound record of the run.
func (r *RunResult) Record() state.Record {
	if r.State == nil {
		return state.Record{}
	}
	return r.State.Record()
}

// Executor follows a built Graph for one run at a time per call; a single
// Executor may serve many concurrent runs.
type Executor struct {
	graph   *Graph
	caps    capability.Invoker
	hub     streaming.EventHub
	sinks   []Sink
	hooks   *Hooks
	creds   capability.CredentialSource
	maxHops int
	logger  *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithHub publishes lifecycle events to hub.
func WithHub(hub streaming.EventHub) ExecutorOption {
	return func(e *Executor) { e.hub = hub }
}

// WithSinks hands finished runs to sinks in order.
func WithSinks(sinks ...Sink) ExecutorOption {
	return func(e *Executor) { e.sinks = append(e.sinks, sinks...) }
}

// WithHooks attaches a hook set.
func WithHooks(h *Hooks) ExecutorOption {
	return func(e *Executor) { e.hooks = h }
}

// WithCredentials sets the source of the per-run credential.
func WithCredentials(src capability.CredentialSource) ExecutorOption {
	return func(e *Executor) { e.creds = src }
}

// WithMaxHops aborts runs that visit more than n steps. 0 means unlimited.
func WithMaxHops(n int) ExecutorOption {
	return func(e *Executor) { e.maxHops = n }
}

// WithLogger sets the executor logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor over a built graph.
func NewExecutor(g *Graph, caps capability.Invoker, opts ...ExecutorOption) (*Executor, error) {
	if g == nil || !g.Built() {
		return nil, schema.NewError(schema.ErrCodeValidation, "executor needs a built graph")
	}
	e := &Executor{graph: g, caps: caps, hooks: NewHooks(), logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Hooks returns the executor's hook set.
func (e *Executor) Hooks() *Hooks { return e.hooks }

// Graph returns the executor's graph.
func (e *Executor) Graph() *Graph { return e.graph }

// Run executes from entry with the initial event and returns the final state.
// The state is returned even when the run fails, populated up to the last
// successful step.
func (e *Executor) Run(ctx context.Context, entry schema.StepID, event schema.EventName, st *state.State) (*state.State, error) {
	res := e.Execute(ctx, RunRequest{Entry: entry, Event: event, State: st})
	return res.State, res.Err
}

// Execute runs req to termination and delivers the result to sinks.
func (e *Executor) Execute(ctx context.Context, req RunRequest) *RunResult {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	res := &RunResult{
		RunID:     req.RunID,
		Status:    schema.RunStatusRunning,
		State:     req.State,
		StartedAt: time.Now().UTC(),
	}
	if req.State == nil {
		res.Err = schema.NewError(schema.ErrCodeValidation, "run has no state")
		res.Status = schema.RunStatusFailed
		res.FinishedAt = time.Now().UTC()
		return res
	}

	rec := req.State.Record()
	ctx = logging.WithIDs(ctx, req.RunID, rec.ID)
	e.logger.InfoContext(ctx, "run started", slog.String("entry", string(req.Entry)))
	e.publish(ctx, streaming.RunEvent{Type: schema.RunEventStarted, RunID: req.RunID, RecordID: rec.ID, StepID: string(req.Entry), Event: string(req.Event)})

	if err := e.loop(ctx, req, res); err != nil {
		res.Err = err
		res.Status = schema.RunStatusFailed
	} else {
		res.Status = schema.RunStatusCompleted
	}
	res.FinishedAt = time.Now().UTC()

	e.finish(ctx, res)
	return res
}

func (e *Executor) loop(ctx context.Context, req RunRequest, res *RunResult) error {
	if e.creds != nil {
		token, err := e.creds.Credential(ctx)
		if err != nil {
			return schema.NewError(schema.ErrCodeAuth, "obtain run credential").WithCause(err)
		}
		ctx = capability.WithCredential(ctx, token)
	}

	rec := req.State.Record()
	current, incoming, param := req.Entry, req.Event, DefaultParam
	for hops := 1; ; hops++ {
		if e.maxHops > 0 && hops > e.maxHops {
			return schema.NewErrorf(schema.ErrCodeHopLimit, "run exceeded %d steps", e.maxHops).WithStep(current)
		}

		step, ok := e.graph.Lookup(current)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeUnknownStep, "step %q is not registered", current).WithStep(current)
		}

		stepCtx := logging.WithStepID(ctx, string(current))
		sc := &StepContext{
			RunID:        req.RunID,
			Step:         current,
			Incoming:     incoming,
			Param:        param,
			State:        req.State,
			Capabilities: e.caps,
			Logger:       logging.LogWith(stepCtx, e.logger),
		}
		entry := TraceEntry{Step: current, Incoming: incoming, Param: param, Started: time.Now().UTC()}
		info := StepInfo{RunID: req.RunID, RecordID: rec.ID, Step: current, Incoming: incoming, Started: entry.Started}

		res.Terminal = current
		if err := e.hooks.runBefore(stepCtx, info); err != nil {
			return schema.NewError(schema.ErrCodeStepFailed, "before-step hook rejected the step").WithStep(current).WithCause(err)
		}
		e.logger.DebugContext(stepCtx, "step started", slog.String("incoming", string(incoming)))
		e.publish(stepCtx, streaming.RunEvent{Type: schema.StepEventStarted, RunID: req.RunID, RecordID: rec.ID, StepID: string(current), Event: string(incoming)})

		err := invoke(stepCtx, step, sc)
		switch {
		case sc.emits > 1:
			err = schema.NewErrorf(schema.ErrCodeDoubleEmit, "step emitted %d events", sc.emits).WithStep(current)
		case err != nil:
			err = stepFailure(current, err)
		}
		emitted, didEmit := sc.Emitted()

		entry.Finished = time.Now().UTC()
		info.Elapsed = entry.Finished.Sub(entry.Started)
		if err != nil {
			entry.Error = err.Error()
			info.Err = err
		} else if didEmit {
			entry.Emitted = emitted
			info.Emitted = emitted
		}
		res.Trace = append(res.Trace, entry)
		if hookErr := e.hooks.runAfter(stepCtx, info); hookErr != nil {
			e.logger.WarnContext(stepCtx, "after-step hook failed", slog.String("error", hookErr.Error()))
		}

		if err != nil {
			e.publish(stepCtx, streaming.RunEvent{Type: schema.StepEventFailed, RunID: req.RunID, RecordID: rec.ID, StepID: string(current), Payload: err.Error()})
			return err
		}

		e.logger.InfoContext(stepCtx, "step completed",
			slog.String("emitted", string(emitted)),
			slog.Duration("elapsed", info.Elapsed))
		e.publish(stepCtx, streaming.RunEvent{Type: schema.StepEventCompleted, RunID: req.RunID, RecordID: rec.ID, StepID: string(current)})

		if !didEmit {
			return nil
		}
		res.LastEvent = emitted
		e.publish(stepCtx, streaming.RunEvent{Type: schema.StepEventEmitted, RunID: req.RunID, RecordID: rec.ID, StepID: string(current), Event: string(emitted)})

		edge, ok := e.graph.Next(current, emitted)
		if !ok {
			return nil
		}
		current, incoming, param = edge.To, emitted, edge.Param
	}
}

// invoke runs a step handler, converting a panic into an error.
func invoke(ctx context.Context, step Step, sc *StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeStepFailed, "step panicked: %v", r).WithStep(sc.Step)
		}
	}()
	return step.Handle(ctx, sc)
}

// stepFailure wraps a step error as STEP_FAILED, keeping the original code
// reachable through the cause chain.
func stepFailure(step schema.StepID, err error) error {
	if schema.CodeOf(err) == schema.ErrCodeStepFailed {
		return err
	}
	fe := schema.NewError(schema.ErrCodeStepFailed, err.Error()).WithStep(step).WithCause(err)
	if code := schema.CodeOf(err); code != "" {
		fe = fe.WithDetails(map[string]any{"cause_code": code})
	}
	return fe
}

func (e *Executor) finish(ctx context.Context, res *RunResult) {
	rec := res.Record()
	if res.Err != nil {
		e.logger.ErrorContext(ctx, "run failed",
			slog.String("terminal", string(res.Terminal)),
			slog.String("code", schema.RootCode(res.Err)),
			slog.String("error", res.Err.Error()))
		e.publish(ctx, streaming.RunEvent{Type: schema.RunEventFailed, RunID: res.RunID, RecordID: rec.ID, StepID: string(res.Terminal), Payload: res.Err.Error()})
	} else {
		e.logger.InfoContext(ctx, "run completed",
			slog.String("terminal", string(res.Terminal)),
			slog.Int("steps", len(res.Trace)))
		e.publish(ctx, streaming.RunEvent{Type: schema.RunEventCompleted, RunID: res.RunID, RecordID: rec.ID, StepID: string(res.Terminal), Payload: res.State.Snapshot()})
	}

	e.hooks.runFinished(ctx, res)

	// Sinks persist the outcome even when the caller's context is gone.
	sinkCtx := context.WithoutCancel(ctx)
	for i, s := range e.sinks {
		if err := s.Deliver(sinkCtx, res); err != nil {
			e.logger.ErrorContext(ctx, "sink delivery failed",
				slog.String("sink", fmt.Sprintf("%d:%T", i, s)),
				slog.String("error", err.Error()))
		}
	}
}

func (e *Executor) publish(ctx context.Context, ev streaming.RunEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.logger.WarnContext(ctx, "publish run event", slog.String("type", ev.Type), slog.String("error", err.Error()))
	}
}
