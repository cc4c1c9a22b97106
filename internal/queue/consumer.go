package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	backend "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/callflow/internal/state"
)

// Handler processes one inbound record. A returned error leaves the message
// pending in the consumer group; Poll reclaims it once it has been idle for
// ReclaimIdle and retries it until MaxDeliveries is exceeded.
type Handler func(ctx context.Context, msgID string, rec state.Record) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string
	// DeadLetter receives records that cannot be parsed. Defaults to Stream + ":dead".
	DeadLetter string
	// Count is the batch size per read; batch messages are handled concurrently.
	Count int64
	Block time.Duration
	// ReclaimIdle is the minimum idle time before a pending message is claimed again.
	ReclaimIdle time.Duration
	// MaxDeliveries dead-letters a message delivered more often than this.
	// Zero retries forever.
	MaxDeliveries int64
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.DeadLetter == "" {
		c.DeadLetter = c.Stream + ":dead"
	}
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.Block <= 0 {
		c.Block = 2 * time.Second
	}
	if c.Consumer == "" {
		c.Consumer = "callflow"
	}
	if c.ReclaimIdle <= 0 {
		c.ReclaimIdle = time.Minute
	}
	return c
}

// Consumer reads call records from a Redis stream consumer group.
type Consumer struct {
	client  backend.UniversalClient
	cfg     ConsumerConfig
	handler Handler
	logger  *slog.Logger
}

// NewConsumer creates a Consumer. A nil logger falls back to slog.Default().
func NewConsumer(client backend.UniversalClient, cfg ConsumerConfig, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, errors.New("queue consumer needs a stream and a group")
	}
	if handler == nil {
		return nil, errors.New("queue consumer needs a handler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{client: client, cfg: cfg.withDefaults(), handler: handler, logger: logger}, nil
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s/%s: %w", c.cfg.Stream, c.cfg.Group, err)
	}
	return nil
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "queue consumer started",
		slog.String("stream", c.cfg.Stream),
		slog.String("group", c.cfg.Group),
		slog.String("consumer", c.cfg.Consumer))
	for {
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, "queue read failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Poll handles one batch: pending messages idle for at least ReclaimIdle
// first, then new messages. It returns the number of messages handled.
// The read of new messages does not block when anything was reclaimed.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	reclaimed, err := c.reclaim(ctx)
	if err != nil {
		return 0, err
	}

	block := c.cfg.Block
	if len(reclaimed) > 0 {
		block = -1
	}
	fresh, err := c.read(ctx, block)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, msg := range reclaimed {
		g.Go(func() error {
			c.handle(gctx, msg, true)
			return nil
		})
	}
	for _, msg := range fresh {
		g.Go(func() error {
			c.handle(gctx, msg, false)
			return nil
		})
	}
	return len(reclaimed) + len(fresh), g.Wait()
}

func (c *Consumer) read(ctx context.Context, block time.Duration) ([]backend.XMessage, error) {
	streams, err := c.client.XReadGroup(ctx, &backend.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    block,
	}).Result()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []backend.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// reclaim claims pending messages of any consumer in the group that have
// been idle for ReclaimIdle. Claiming bumps their delivery count.
func (c *Consumer) reclaim(ctx context.Context) ([]backend.XMessage, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &backend.XAutoClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.ReclaimIdle,
		Start:    "0-0",
		Count:    c.cfg.Count,
	}).Result()
	if errors.Is(err, backend.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reclaim pending from %s/%s: %w", c.cfg.Stream, c.cfg.Group, err)
	}
	return msgs, nil
}

// deliveries reports how often id has been delivered to the group.
func (c *Consumer) deliveries(ctx context.Context, id string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &backend.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}

func (c *Consumer) handle(ctx context.Context, msg backend.XMessage, redelivered bool) {
	log := c.logger.With(slog.String("msg_id", msg.ID))

	if redelivered && c.cfg.MaxDeliveries > 0 {
		n, err := c.deliveries(ctx, msg.ID)
		if err != nil {
			log.ErrorContext(ctx, "delivery count lookup failed", slog.String("error", err.Error()))
			return
		}
		if n > c.cfg.MaxDeliveries {
			log.WarnContext(ctx, "dead-lettering record after repeated failures", slog.Int64("deliveries", n))
			c.deadLetterAndAck(ctx, log, msg, fmt.Errorf("gave up after %d deliveries", n))
			return
		}
		log = log.With(slog.Int64("delivery", n))
	}

	rec, err := ParseRecord(msg.Values)
	if err != nil {
		log.WarnContext(ctx, "dead-lettering invalid record", slog.String("error", err.Error()))
		c.deadLetterAndAck(ctx, log, msg, err)
		return
	}

	if err := c.handler(ctx, msg.ID, rec); err != nil {
		// Stays pending until reclaimed by a later Poll.
		log.ErrorContext(ctx, "record processing failed; abandoning",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()))
		return
	}
	c.ack(ctx, log, msg.ID)
}

func (c *Consumer) deadLetterAndAck(ctx context.Context, log *slog.Logger, msg backend.XMessage, cause error) {
	if err := c.deadLetter(ctx, msg, cause); err != nil {
		log.ErrorContext(ctx, "dead-letter failed", slog.String("error", err.Error()))
		return
	}
	c.ack(ctx, log, msg.ID)
}

func (c *Consumer) deadLetter(ctx context.Context, msg backend.XMessage, cause error) error {
	values := make(map[string]any, len(msg.Values)+2)
	for k, v := range msg.Values {
		values[k] = v
	}
	values["source_id"] = msg.ID
	values["error"] = cause.Error()
	return c.client.XAdd(ctx, &backend.XAddArgs{Stream: c.cfg.DeadLetter, Values: values}).Err()
}

func (c *Consumer) ack(ctx context.Context, log *slog.Logger, id string) {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, id).Err(); err != nil {
		log.ErrorContext(ctx, "ack failed", slog.String("error", err.Error()))
	}
}
