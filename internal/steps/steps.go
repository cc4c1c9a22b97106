// Package steps implements the repeated-call workflow: detect a repeated
// call, decide whether an operational change caused it, and draft a
// reviewed recommendation for the service agent.
package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/expressions"
	"github.com/rendis/callflow/internal/prompts"
	"github.com/rendis/callflow/internal/reasoning"
	"github.com/rendis/callflow/pkg/schema"
)

// Capability names the workflow invokes.
const (
	CapCustomerByID    = "customer.get_customer_by_id"
	CapCallHistory     = "customer.get_historic_call_events"
	CapSubscriptions   = "customer.subscriptions"
	CapDiscounts       = "customer.discounts"
	CapSoftwareUpdates = "operations.get_software_update"
)

// Defaults for Config.
const (
	DefaultRepeatWindow = 7 * 24 * time.Hour

	// DefaultHistoryFilter is an expr predicate over one historic call.
	DefaultHistoryFilter = `hours_since >= 0 && hours_since <= window_hours && call.id != record_id`

	// DefaultUpdateFilter is a CEL predicate over one software update.
	DefaultUpdateFilter = `days_before_call >= 0.0 && days_before_call <= window_days`
)

// UpdateFilterVars are the variables visible to the update filter.
var UpdateFilterVars = []string{"update", "days_before_call", "window_days", "record"}

// Config tunes the workflow.
type Config struct {
	RepeatWindow   time.Duration
	HistoryFilter  string
	UpdateFilter   string
	MaxReviewTurns int
}

func (c Config) withDefaults() Config {
	if c.RepeatWindow <= 0 {
		c.RepeatWindow = DefaultRepeatWindow
	}
	if c.HistoryFilter == "" {
		c.HistoryFilter = DefaultHistoryFilter
	}
	if c.UpdateFilter == "" {
		c.UpdateFilter = DefaultUpdateFilter
	}
	if c.MaxReviewTurns <= 0 {
		c.MaxReviewTurns = reasoning.DefaultMaxTurns
	}
	return c
}

// Deps are shared by every step. Capabilities reach steps through the
// StepContext so the executor can inject the run credential.
type Deps struct {
	Reasoner *reasoning.Client
	Prompts  *prompts.Set
	Exprs    *expressions.ExprEngine
	CEL      *expressions.CELEngine
	Config   Config
	Logger   *slog.Logger
}

// NewUpdateFilterEngine returns a CEL engine declaring UpdateFilterVars.
func NewUpdateFilterEngine() (*expressions.CELEngine, error) {
	return expressions.NewCELEngine(UpdateFilterVars...)
}

func (d *Deps) complete() error {
	if d.Reasoner == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow needs a reasoning client")
	}
	d.Config = d.Config.withDefaults()
	if d.Prompts == nil {
		p, err := prompts.New()
		if err != nil {
			return err
		}
		d.Prompts = p
	}
	if d.Exprs == nil {
		d.Exprs = expressions.NewExprEngine()
	}
	if d.CEL == nil {
		c, err := NewUpdateFilterEngine()
		if err != nil {
			return err
		}
		d.CEL = c
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if err := d.CEL.Compile(d.Config.UpdateFilter); err != nil {
		return err
	}
	return nil
}

// NewWorkflow wires the repeated-call state machine:
//
//	Start -> DetermineRepeatedCall
//	DetermineRepeatedCall --IsRepeatedCall--> DetermineCause
//	DetermineRepeatedCall --IsNotRepeatedCall--> Exit
//	DetermineCause --IsRelevant--> DetermineRecommendation
//	DetermineCause --IsNotRelevant--> Exit
//	DetermineRecommendation --Exit--> Exit
func NewWorkflow(deps Deps) (*engine.Graph, error) {
	if err := deps.complete(); err != nil {
		return nil, err
	}
	d := &deps
	return engine.NewGraph().
		Step(schema.StepDetermineRepeatedCall, &RepeatedCallStep{deps: d}).
		Step(schema.StepDetermineCause, &CauseStep{deps: d}).
		Step(schema.StepDetermineRecommendation, &RecommendationStep{deps: d}).
		Step(schema.StepExit, &ExitStep{}).
		Edge(schema.StepDetermineRepeatedCall, schema.EventIsRepeatedCall, schema.StepDetermineCause, engine.DefaultParam).
		Edge(schema.StepDetermineRepeatedCall, schema.EventIsNotRepeatedCall, schema.StepExit, engine.DefaultParam).
		Edge(schema.StepDetermineCause, schema.EventIsRelevant, schema.StepDetermineRecommendation, engine.DefaultParam).
		Edge(schema.StepDetermineCause, schema.EventIsNotRelevant, schema.StepExit, engine.DefaultParam).
		Edge(schema.StepDetermineRecommendation, schema.EventExit, schema.StepExit, engine.DefaultParam).
		Build()
}

// emit records the outgoing event after logging it.
func emit(sc *engine.StepContext, event schema.EventName) error {
	sc.Logger.Debug("emitting", slog.String("event", string(event)))
	return sc.Emit(event)
}

// invokeObject invokes name and unwraps field when the payload carries it,
// so both bound (".customer") and raw service payloads decode the same way.
func invokeObject(ctx context.Context, sc *engine.StepContext, name, field string, args map[string]any, out any) error {
	res := sc.Invoke(ctx, name, args)
	if !res.OK() {
		return res.Err
	}
	if m, ok := res.Value.(map[string]any); ok && field != "" {
		if inner, present := m[field]; present {
			if inner == nil {
				return schema.NewErrorf(schema.ErrCodeNotFound, "capability %s returned no %s", name, field)
			}
			res.Value = inner
		}
	}
	return res.DecodeObject(out)
}

func invokeList(ctx context.Context, sc *engine.StepContext, name string, args map[string]any, out any) error {
	res := sc.Invoke(ctx, name, args)
	if !res.OK() {
		return res.Err
	}
	return res.DecodeList(out)
}
