package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/callflow/pkg/schema"
)

// StepInfo describes a step invocation to hooks. Emitted, Elapsed and Err
// are only set for after-step hooks.
type StepInfo struct {
	RunID    string
	RecordID string
	Step     schema.StepID
	Incoming schema.EventName
	Emitted  schema.EventName
	Started  time.Time
	Elapsed  time.Duration
	Err      error
}

// StepHook observes a step. A before-step hook returning an error aborts the run.
type StepHook func(ctx context.Context, info StepInfo) error

// RunHook observes a finished run.
type RunHook func(ctx context.Context, res *RunResult)

// Hooks holds hook lists shared by all runs of an executor.
type Hooks struct {
	mu       sync.RWMutex
	before   []StepHook
	after    []StepHook
	finished []RunHook
}

// NewHooks returns an empty hook set.
func NewHooks() *Hooks { return &Hooks{} }

// OnBeforeStep registers a hook called before every step.
func (h *Hooks) OnBeforeStep(hook StepHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, hook)
}

// OnAfterStep registers a hook called after every step, including failed ones.
func (h *Hooks) OnAfterStep(hook StepHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, hook)
}

// OnRunFinished registers a hook called once per run after it terminates.
func (h *Hooks) OnRunFinished(hook RunHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, hook)
}

func (h *Hooks) runBefore(ctx context.Context, info StepInfo) error {
	h.mu.RLock()
	hooks := h.before
	h.mu.RUnlock()
	for _, hook := range hooks {
		if err := hook(ctx, info); err != nil {
			return err
		}
	}
	return nil
}

// runAfter returns the first hook error; later hooks still run.
func (h *Hooks) runAfter(ctx context.Context, info StepInfo) error {
	h.mu.RLock()
	hooks := h.after
	h.mu.RUnlock()
	var first error
	for _, hook := range hooks {
		if err := hook(ctx, info); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *Hooks) runFinished(ctx context.Context, res *RunResult) {
	h.mu.RLock()
	hooks := h.finished
	h.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, res)
	}
}
