package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DispatcherMetrics tracks run dispatch counters.
type DispatcherMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrDispatcherShutdown is returned when a run is submitted after Shutdown.
var ErrDispatcherShutdown = errors.New("dispatcher is shut down")

// Dispatcher runs independent records concurrently, at most size at a time.
// Each run stays strictly sequential inside the executor.
type Dispatcher struct {
	exec    *Executor
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics DispatcherMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewDispatcher creates a dispatcher with the given max concurrency.
func NewDispatcher(exec *Executor, size int) *Dispatcher {
	if size <= 0 {
		size = 1
	}
	return &Dispatcher{
		exec: exec,
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit starts req in the background and returns its run id. It blocks
// while the dispatcher is at capacity and honours ctx cancellation while
// waiting. The run itself is detached from ctx. onDone, if set, is called
// with the result.
func (d *Dispatcher) Submit(ctx context.Context, req RunRequest, onDone func(*RunResult)) (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrDispatcherShutdown
	}
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-d.done:
		return "", ErrDispatcherShutdown
	}

	// wg.Add must happen under the lock so Shutdown cannot miss it.
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.sem
		return "", ErrDispatcherShutdown
	}
	d.wg.Add(1)
	atomic.AddInt64(&d.metrics.Active, 1)
	d.mu.Unlock()

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	runCtx := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&d.metrics.Panics, 1)
				atomic.AddInt64(&d.metrics.Failed, 1)
			}
			atomic.AddInt64(&d.metrics.Active, -1)
			<-d.sem
			d.wg.Done()
		}()

		res := d.exec.Execute(runCtx, req)
		if res.Err != nil {
			atomic.AddInt64(&d.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&d.metrics.Completed, 1)
		}
		if onDone != nil {
			onDone(res)
		}
	}()

	return req.RunID, nil
}

// Wait blocks until every submitted run finishes.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Shutdown rejects new submissions and waits for active runs.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.done)
	d.mu.Unlock()

	d.wg.Wait()
}

// Metrics returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Metrics() DispatcherMetrics {
	return DispatcherMetrics{
		Active:    atomic.LoadInt64(&d.metrics.Active),
		Completed: atomic.LoadInt64(&d.metrics.Completed),
		Failed:    atomic.LoadInt64(&d.metrics.Failed),
		Panics:    atomic.LoadInt64(&d.metrics.Panics),
	}
}
