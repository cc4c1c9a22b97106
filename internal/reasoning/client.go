package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/pkg/schema"
)

// Client wraps a Reasoner with structured-reply handling.
type Client struct {
	reasoner Reasoner
	schemas  *Schemas
	logger   *slog.Logger
}

// NewClient creates a Client. A nil logger falls back to slog.Default().
func NewClient(r Reasoner, schemas *Schemas, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{reasoner: r, schemas: schemas, logger: logger}
}

// Reasoner returns the wrapped backend.
func (c *Client) Reasoner() Reasoner { return c.reasoner }

// Ask forwards a free-text request. Backend failures become TRANSPORT_ERROR.
func (c *Client) Ask(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	reply, err := c.reasoner.Ask(ctx, req)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			return "", err
		}
		return "", schema.NewError(schema.ErrCodeTransport, "reasoning backend failed").WithCause(err)
	}
	c.logger.DebugContext(ctx, "reasoner replied",
		slog.Int("messages", len(req.Messages)),
		slog.Int("reply_len", len(reply)),
		slog.Duration("elapsed", time.Since(start)))
	return reply, nil
}

// AskJSON sends a single-message request and decodes the reply into out after
// validating it against the named schema. Malformed or non-conforming replies
// are DECODE_ERROR; they are never repaired or retried.
func (c *Client) AskJSON(ctx context.Context, schemaName, system, user string, out any) error {
	return c.AskJSONMessages(ctx, schemaName, system, []Message{UserMessage(user)}, out)
}

// AskJSONMessages is AskJSON over a full message list.
func (c *Client) AskJSONMessages(ctx context.Context, schemaName, system string, msgs []Message, out any) error {
	reply, err := c.Ask(ctx, Request{System: system, Messages: msgs, JSON: true})
	if err != nil {
		return err
	}
	return c.Decode(schemaName, reply, out)
}

// Decode extracts, validates and decodes a structured reply.
func (c *Client) Decode(schemaName, reply string, out any) error {
	raw, err := ExtractJSON(reply)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeDecode, "%s reply: %s", schemaName, err.Error()).
			WithDetails(map[string]any{"reply": preview(reply)})
	}
	if err := c.schemas.Validate(schemaName, raw); err != nil {
		return err
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return schema.NewErrorf(schema.ErrCodeDecode, "%s reply is not an object", schemaName).WithCause(err)
	}
	return normalize.Decode(generic, out)
}
