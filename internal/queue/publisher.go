package queue

import (
	"context"
	"encoding/json"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/pkg/schema"
)

// Publisher appends the final state of every run to an outbound stream.
// It implements engine.Sink.
type Publisher struct {
	client backend.UniversalClient
	stream string
	maxLen int64
}

// NewPublisher creates a Publisher. maxLen > 0 caps the stream approximately.
func NewPublisher(client backend.UniversalClient, stream string, maxLen int64) *Publisher {
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Deliver publishes res as one stream entry.
func (p *Publisher) Deliver(ctx context.Context, res *engine.RunResult) error {
	if res.State == nil {
		return schema.NewError(schema.ErrCodeValidation, "run result has no state")
	}
	snap, err := json.Marshal(res.State.Snapshot())
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	values := map[string]any{
		"run_id":        res.RunID,
		"record_id":     res.Record().ID,
		"status":        string(res.Status),
		"terminal_step": string(res.Terminal),
		"last_event":    string(res.LastEvent),
		"state":         string(snap),
	}
	if res.Err != nil {
		values["error_code"] = schema.RootCode(res.Err)
		values["error"] = res.Err.Error()
	}
	args := &backend.XAddArgs{Stream: p.stream, Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish run %s: %w", res.RunID, err)
	}
	return nil
}

var _ engine.Sink = (*Publisher)(nil)
