// Package streaming fans run lifecycle events out to live subscribers.
package streaming

import (
	"context"
	"time"
)

// RunEvent is a lifecycle notification for one run.
type RunEvent struct {
	ID       string    `json:"id"`
	RunID    string    `json:"run_id"`
	RecordID string    `json:"record_id,omitempty"`
	StepID   string    `json:"step_id,omitempty"`
	Type     string    `json:"type"`
	Event    string    `json:"event,omitempty"`
	Payload  any       `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// EventFilter selects events for a subscriber. Zero values match everything.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Types []string `json:"types,omitempty"`
}

// EventHub publishes run events to subscribers.
type EventHub interface {
	// Publish never blocks on slow subscribers; their events are dropped.
	Publish(ctx context.Context, event RunEvent) error
	// Subscribe returns a channel of matching events and a cancel func that closes it.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
