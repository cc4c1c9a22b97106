package reasoning

import (
	"context"
	"strings"

	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

// DefaultMaxTurns bounds a draft/review exchange when none is configured.
const DefaultMaxTurns = 4

// Review is the reviewer's structured verdict.
type Review struct {
	Approved bool   `json:"approved" mapstructure:"approved"`
	Feedback string `json:"feedback" mapstructure:"feedback"`
}

// Conversation alternates a free-text drafter with a structured reviewer over
// a shared transcript. Each agent sees its own turns as assistant messages and
// everything else as user messages.
type Conversation struct {
	Client         *Client
	DrafterSystem  string
	ReviewerSystem string
	// MaxTurns counts agent messages; the opening task is not a turn.
	MaxTurns int
}

// Run drives the exchange from task until the reviewer approves or MaxTurns
// messages have been produced. It returns the transcript and the approval flag.
func (c *Conversation) Run(ctx context.Context, task string) ([]state.Turn, bool, error) {
	maxTurns := c.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	var transcript []state.Turn
	for len(transcript) < maxTurns {
		if err := ctx.Err(); err != nil {
			return transcript, false, schema.NewError(schema.ErrCodeTransport, "conversation cancelled").WithCause(err)
		}

		if len(transcript)%2 == 0 {
			draft, err := c.Client.Ask(ctx, Request{
				System:   c.DrafterSystem,
				Messages: viewFor(state.RoleDrafter, task, transcript),
			})
			if err != nil {
				return transcript, false, err
			}
			transcript = append(transcript, state.Turn{Role: state.RoleDrafter, Content: strings.TrimSpace(draft)})
			continue
		}

		var review Review
		err := c.Client.AskJSONMessages(ctx, SchemaReview, c.ReviewerSystem,
			viewFor(state.RoleReviewer, task, transcript), &review)
		if err != nil {
			return transcript, false, err
		}
		content := strings.TrimSpace(review.Feedback)
		if content == "" && review.Approved {
			content = "APPROVED"
		}
		transcript = append(transcript, state.Turn{Role: state.RoleReviewer, Content: content, Approved: review.Approved})
		if review.Approved {
			return transcript, true, nil
		}
	}
	return transcript, false, nil
}

func viewFor(role, task string, transcript []state.Turn) []Message {
	msgs := make([]Message, 0, len(transcript)+1)
	msgs = append(msgs, UserMessage(task))
	for _, t := range transcript {
		r := RoleUser
		if t.Role == role {
			r = RoleAssistant
		}
		msgs = append(msgs, Message{Role: r, Content: t.Content})
	}
	return msgs
}
