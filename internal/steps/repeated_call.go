package steps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/expressions"
	"github.com/rendis/callflow/internal/prompts"
	"github.com/rendis/callflow/internal/reasoning"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

// RepeatedCallStep resolves the customer and their call history and decides
// whether the current call repeats an unresolved earlier one.
type RepeatedCallStep struct {
	deps *Deps
}

func (s *RepeatedCallStep) Handle(ctx context.Context, sc *engine.StepContext) error {
	rec := sc.State.Record()
	args := map[string]any{"customer_id": rec.CustomerID}

	var customer state.Customer
	if err := invokeObject(ctx, sc, CapCustomerByID, "customer", args, &customer); err != nil {
		return err
	}
	if err := sc.State.SetCustomer(customer); err != nil {
		return err
	}

	var history []state.HistoricCall
	if err := invokeList(ctx, sc, CapCallHistory, args, &history); err != nil {
		return err
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].StartTime.After(history[j].StartTime)
	})
	if err := sc.State.SetHistory(history); err != nil {
		return err
	}

	recent, err := s.recentCalls(ctx, rec, history)
	if err != nil {
		return err
	}
	sc.Logger.Info("call history loaded",
		slog.Int("calls", len(history)),
		slog.Int("in_window", len(recent)))

	if len(recent) == 0 {
		verdict := state.RepeatedCallVerdict{
			Analysis: fmt.Sprintf("Customer %s made no other calls in the %s before this call.",
				rec.CustomerID, s.deps.Config.RepeatWindow),
			Conclusion: "Not a repeated call.",
		}
		if err := sc.State.SetRepeatedCall(verdict); err != nil {
			return err
		}
		return emit(sc, schema.EventIsNotRepeatedCall)
	}

	system, err := s.deps.Prompts.Render(prompts.RepeatedCallSystem, nil)
	if err != nil {
		return err
	}
	user, err := s.deps.Prompts.Render(prompts.RepeatedCallUser, prompts.RepeatedCallData{
		Record:      rec,
		Customer:    customer,
		History:     prompts.NewHistoryLines(recent, rec.Timestamp),
		WindowHours: s.deps.Config.RepeatWindow.Hours(),
	})
	if err != nil {
		return err
	}

	var verdict state.RepeatedCallVerdict
	if err := s.deps.Reasoner.AskJSON(ctx, reasoning.SchemaRepeatedCall, system, user, &verdict); err != nil {
		return err
	}
	if err := sc.State.SetRepeatedCall(verdict); err != nil {
		return err
	}

	if verdict.IsRepeated {
		return emit(sc, schema.EventIsRepeatedCall)
	}
	return emit(sc, schema.EventIsNotRepeatedCall)
}

// recentCalls keeps the calls accepted by the history filter, preserving order.
func (s *RepeatedCallStep) recentCalls(ctx context.Context, rec state.Record, history []state.HistoricCall) ([]state.HistoricCall, error) {
	window := s.deps.Config.RepeatWindow.Hours()
	var out []state.HistoricCall
	for _, c := range history {
		env := map[string]any{
			"call": map[string]any{
				"id":           c.ID,
				"sdc":          c.Reason,
				"call_summary": c.CallSummary,
				"minutes":      c.Duration().Minutes(),
			},
			"hours_since":  c.Since(rec.Timestamp).Hours(),
			"window_hours": window,
			"record_id":    rec.ID,
			"reason":       rec.Reason,
		}
		keep, err := expressions.EvaluateBool(ctx, s.deps.Exprs, s.deps.Config.HistoryFilter, env)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, c)
		}
	}
	return out, nil
}
