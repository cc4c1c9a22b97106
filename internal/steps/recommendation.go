package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/internal/prompts"
	"github.com/rendis/callflow/internal/reasoning"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

// RecommendationStep drafts advice for the service agent and has it reviewed.
type RecommendationStep struct {
	deps *Deps
}

func (s *RecommendationStep) Handle(ctx context.Context, sc *engine.StepContext) error {
	rec := sc.State.Record()
	cause, ok := sc.State.Cause()
	if !ok {
		return schema.NewError(schema.ErrCodeStateViolation, "recommendation needs a cause verdict")
	}
	customer, ok := sc.State.Customer()
	if !ok {
		return schema.NewError(schema.ErrCodeStateViolation, "recommendation needs a customer")
	}

	var discounts []state.Discount
	if err := invokeList(ctx, sc, CapDiscounts, map[string]any{"product_id": cause.ProductID}, &discounts); err != nil {
		return err
	}
	discount := MatchDiscount(discounts, cause.ProductID, customer.CLV)

	drafter, err := s.deps.Prompts.Render(prompts.DrafterSystem, nil)
	if err != nil {
		return err
	}
	reviewer, err := s.deps.Prompts.Render(prompts.ReviewerSystem, nil)
	if err != nil {
		return err
	}
	task, err := s.deps.Prompts.Render(prompts.RecommendationUser, prompts.RecommendationData{
		Record:   rec,
		Customer: customer,
		Cause:    cause,
		Discount: discount,
	})
	if err != nil {
		return err
	}

	conv := reasoning.Conversation{
		Client:         s.deps.Reasoner,
		DrafterSystem:  drafter,
		ReviewerSystem: reviewer,
		MaxTurns:       s.deps.Config.MaxReviewTurns,
	}
	transcript, approved, err := conv.Run(ctx, task)
	if err != nil {
		return err
	}
	sc.Logger.Info("recommendation drafted",
		slog.Int("turns", len(transcript)),
		slog.Bool("approved", approved),
		slog.Bool("discount", discount != nil))

	err = sc.State.SetRecommendation(state.Recommendation{
		ProductID:  cause.ProductID,
		Discount:   discount,
		Transcript: transcript,
		Approved:   approved,
	})
	if err != nil {
		return err
	}
	return emit(sc, schema.EventExit)
}

// MatchDiscount returns the largest discount for productID whose minimum CLV
// the customer meets. Low CLV customers never receive a discount.
func MatchDiscount(discounts []state.Discount, productID, clv string) *state.Discount {
	rank := state.CLVRank(clv)
	if rank <= state.CLVRank(state.CLVLow) {
		return nil
	}
	var best *state.Discount
	for i := range discounts {
		d := discounts[i]
		if d.ProductID != productID || rank < state.CLVRank(d.MinimumCLV) {
			continue
		}
		if best == nil || d.Percentage > best.Percentage {
			best = &d
		}
	}
	return best
}
