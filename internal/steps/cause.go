package steps

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/expressions"
	"github.com/rendis/callflow/internal/prompts"
	"github.com/rendis/callflow/internal/reasoning"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

// CauseStep decides whether a repeated issue traces back to a software
// update the company rolled out to one of the customer's products.
type CauseStep struct {
	deps *Deps
}

func (s *CauseStep) Handle(ctx context.Context, sc *engine.StepContext) error {
	rec := sc.State.Record()

	var subs []state.Subscription
	if err := invokeList(ctx, sc, CapSubscriptions, map[string]any{"customer_id": rec.CustomerID}, &subs); err != nil {
		return err
	}

	updates, err := s.qualifyingUpdates(ctx, sc, rec, subs)
	if err != nil {
		return err
	}
	sc.Logger.Info("software updates checked",
		slog.Int("subscriptions", len(subs)),
		slog.Int("qualifying", len(updates)))

	if len(updates) == 0 {
		verdict := state.CauseVerdict{
			Analysis: fmt.Sprintf("No software update reached the products of customer %s in the %s before the call.",
				rec.CustomerID, s.deps.Config.RepeatWindow),
			Conclusion: "No operational cause found.",
		}
		if err := sc.State.SetCause(verdict); err != nil {
			return err
		}
		return emit(sc, schema.EventIsNotRelevant)
	}

	data := prompts.CauseData{Record: rec, Subscriptions: subs, Updates: updates}
	if rc, ok := sc.State.RepeatedCall(); ok {
		data.RepeatedCall = &rc
	}
	system, err := s.deps.Prompts.Render(prompts.CauseSystem, nil)
	if err != nil {
		return err
	}
	user, err := s.deps.Prompts.Render(prompts.CauseUser, data)
	if err != nil {
		return err
	}

	var verdict state.CauseVerdict
	if err := s.deps.Reasoner.AskJSON(ctx, reasoning.SchemaCause, system, user, &verdict); err != nil {
		return err
	}
	verdict.ProductID = strings.TrimSpace(verdict.ProductID)
	if verdict.IsRelevant && verdict.ProductID == "" {
		return schema.NewError(schema.ErrCodeDecode, "cause verdict is relevant but names no product")
	}
	if err := sc.State.SetCause(verdict); err != nil {
		return err
	}

	if verdict.IsRelevant {
		return emit(sc, schema.EventIsRelevant)
	}
	return emit(sc, schema.EventIsNotRelevant)
}

// qualifyingUpdates fetches the updates of every subscribed product and keeps
// those accepted by the update filter, most recent first.
func (s *CauseStep) qualifyingUpdates(ctx context.Context, sc *engine.StepContext, rec state.Record, subs []state.Subscription) ([]prompts.UpdateLine, error) {
	windowDays := s.deps.Config.RepeatWindow.Hours() / 24
	recMap := map[string]any{"id": rec.ID, "customer_id": rec.CustomerID, "sdc": rec.Reason}

	seen := make(map[string]bool, len(subs))
	var out []prompts.UpdateLine
	for _, sub := range subs {
		if sub.ProductID == "" || seen[sub.ProductID] {
			continue
		}
		seen[sub.ProductID] = true

		var updates []state.SoftwareUpdate
		if err := invokeList(ctx, sc, CapSoftwareUpdates, map[string]any{"product_id": sub.ProductID}, &updates); err != nil {
			return nil, err
		}
		for _, u := range updates {
			days := rec.Timestamp.Sub(u.RolloutDate).Hours() / 24
			env := map[string]any{
				"update": map[string]any{
					"id":         u.ID,
					"product_id": u.ProductID,
					"type":       u.Type,
				},
				"days_before_call": days,
				"window_days":      windowDays,
				"record":           recMap,
			}
			keep, err := expressions.EvaluateBool(ctx, s.deps.CEL, s.deps.Config.UpdateFilter, env)
			if err != nil {
				return nil, err
			}
			if keep {
				out = append(out, prompts.UpdateLine{Update: u, DaysBeforeCall: days})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DaysBeforeCall < out[j].DaysBeforeCall })
	return out, nil
}
