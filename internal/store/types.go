package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/callflow/pkg/schema"
)

// Run is the persisted outcome of one workflow run.
type Run struct {
	ID           string           `json:"id"`
	RecordID     string           `json:"record_id"`
	CustomerID   string           `json:"customer_id"`
	Status       schema.RunStatus `json:"status"`
	TerminalStep string           `json:"terminal_step,omitempty"`
	LastEvent    string           `json:"last_event,omitempty"`
	ErrorCode    string           `json:"error_code,omitempty"`
	Error        string           `json:"error,omitempty"`
	Snapshot     json.RawMessage  `json:"snapshot,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status     *schema.RunStatus
	RecordID   string
	CustomerID string
	Since      *time.Time
	Limit      int
	Offset     int
}

// StepTrace is one step invocation of a run.
type StepTrace struct {
	RunID      string    `json:"run_id"`
	Sequence   int64     `json:"sequence"`
	StepID     string    `json:"step_id"`
	Incoming   string    `json:"incoming,omitempty"`
	Emitted    string    `json:"emitted,omitempty"`
	Param      string    `json:"param,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
