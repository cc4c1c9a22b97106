package steps

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/callflow/internal/engine"
)

// ExitStep is the terminal step. It logs what the run produced and emits nothing.
type ExitStep struct{}

func (ExitStep) Handle(_ context.Context, sc *engine.StepContext) error {
	attrs := []any{slog.String("populated", strings.Join(sc.State.Populated(), ","))}
	if r, ok := sc.State.Recommendation(); ok {
		attrs = append(attrs, slog.Bool("approved", r.Approved), slog.String("product_id", r.ProductID))
	}
	sc.Logger.Info("workflow finished", attrs...)
	return nil
}
