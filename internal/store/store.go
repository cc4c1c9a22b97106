// Package store persists finished runs and their step traces.
package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Step traces (append-only)
	AppendStepTrace(ctx context.Context, trace *StepTrace) error
	ListStepTraces(ctx context.Context, runID string) ([]*StepTrace, error)

	// Retention
	PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
