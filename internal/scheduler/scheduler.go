// Package scheduler runs periodic maintenance on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule purges once a day at 03:00.
const DefaultSchedule = "0 3 * * *"

// Purger deletes runs that finished before cutoff.
// Satisfied by the run store (avoids import cycle).
type Purger interface {
	PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Vacuumer reclaims space after a purge. The run store implements it; a
// Purger without it is never compacted.
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// Retention deletes finished runs older than a maximum age on a cron schedule.
type Retention struct {
	purger   Purger
	schedule cron.Schedule
	spec     string
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   bool
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule reports whether spec is a five-field cron expression or descriptor.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	return nil
}

// NewRetention validates spec and returns a stopped Retention job.
func NewRetention(p Purger, spec string, maxAge time.Duration, logger *slog.Logger) (*Retention, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", maxAge)
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		purger:   p,
		schedule: schedule,
		spec:     spec,
		maxAge:   maxAge,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start schedules the purge. ctx bounds every purge run.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("retention already started")
	}

	c := cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("retention purge failed", slog.String("error", err.Error()))
		}
	}))
	c.Start()
	r.cron = c

	r.logger.Info("retention started",
		slog.String("schedule", r.spec),
		slog.Duration("max_age", r.maxAge),
		slog.Time("next_run", r.NextRun(r.now())))
	return nil
}

// RunOnce purges immediately. Overlapping calls are skipped and report 0.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	if !r.tryAcquire() {
		r.logger.Debug("retention purge already running")
		return 0, nil
	}
	defer r.release()

	cutoff := r.now().Add(-r.maxAge)
	n, err := r.purger.PurgeRunsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge runs before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	r.logger.Info("retention purge finished", slog.Int64("purged", n), slog.Time("cutoff", cutoff))

	if v, ok := r.purger.(Vacuumer); ok && n > 0 {
		if err := v.Vacuum(ctx); err != nil {
			r.logger.Warn("vacuum after purge failed", slog.String("error", err.Error()))
		}
	}
	return n, nil
}

// NextRun computes the next scheduled purge after from.
func (r *Retention) NextRun(from time.Time) time.Time {
	return r.schedule.Next(from)
}

// Stop halts scheduling and waits for a running purge to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
	r.logger.Info("retention stopped")
}

func (r *Retention) tryAcquire() bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if r.inflight {
		return false
	}
	r.inflight = true
	return true
}

func (r *Retention) release() {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	r.inflight = false
}
