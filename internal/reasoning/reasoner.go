// Package reasoning talks to language-model backends and turns their replies
// into validated, typed verdicts.
package reasoning

import "context"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversational turn sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	System   string
	Messages []Message
	// JSON asks the backend for a JSON object reply when it supports that mode.
	JSON bool
}

// Reasoner produces a text reply for a request. Implementations must be safe
// for concurrent use by independent runs.
type Reasoner interface {
	Ask(ctx context.Context, req Request) (string, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, req Request) (string, error)

func (f ReasonerFunc) Ask(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// UserMessage is shorthand for a single user message.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}
