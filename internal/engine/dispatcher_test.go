package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

func dispatcherFor(t *testing.T, size int, step Step) *Dispatcher {
	t.Helper()
	g := mustBuild(t, NewGraph().Step(stepA, step))
	return NewDispatcher(newExecutor(t, g), size)
}

func startReq(st *state.State) RunRequest {
	return RunRequest{Entry: stepA, Event: schema.EventStart, State: st}
}

func TestDispatcher_RunsAndReports(t *testing.T) {
	d := dispatcherFor(t, 2, silent())
	defer d.Shutdown()

	var got *RunResult
	var mu sync.Mutex
	id, err := d.Submit(context.Background(), startReq(newState(t)), func(res *RunResult) {
		mu.Lock()
		got = res
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, id, got.RunID)
	assert.Equal(t, int64(1), d.Metrics().Completed)
}

func TestDispatcher_ConcurrencyLimit(t *testing.T) {
	var current, peak int64
	d := dispatcherFor(t, 3, StepFunc(func(context.Context, *StepContext) error {
		c := atomic.AddInt64(&current, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if c <= p || atomic.CompareAndSwapInt64(&peak, p, c) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return nil
	}))
	defer d.Shutdown()

	states := make([]*state.State, 10)
	for i := range states {
		states[i] = newState(t)
	}
	for _, st := range states {
		_, err := d.Submit(context.Background(), startReq(st), nil)
		require.NoError(t, err)
	}
	d.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Positive(t, atomic.LoadInt64(&peak))
	assert.Equal(t, int64(10), d.Metrics().Completed)
}

func TestDispatcher_BackpressureHonoursContext(t *testing.T) {
	block := make(chan struct{})
	d := dispatcherFor(t, 1, StepFunc(func(context.Context, *StepContext) error {
		<-block
		return nil
	}))

	_, err := d.Submit(context.Background(), startReq(newState(t)), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = d.Submit(ctx, startReq(newState(t)), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	d.Shutdown()
}

func TestDispatcher_FailedRunsCounted(t *testing.T) {
	d := dispatcherFor(t, 1, StepFunc(func(context.Context, *StepContext) error {
		return schema.NewError(schema.ErrCodeTransport, "down")
	}))
	_, err := d.Submit(context.Background(), startReq(newState(t)), nil)
	require.NoError(t, err)
	d.Shutdown()

	m := d.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestDispatcher_RejectsAfterShutdown(t *testing.T) {
	d := dispatcherFor(t, 1, silent())
	d.Shutdown()
	d.Shutdown()

	_, err := d.Submit(context.Background(), startReq(newState(t)), nil)
	assert.ErrorIs(t, err, ErrDispatcherShutdown)
}

func TestDispatcher_RunOutlivesSubmitContext(t *testing.T) {
	d := dispatcherFor(t, 1, StepFunc(func(ctx context.Context, _ *StepContext) error {
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	}))
	ctx, cancel := context.WithCancel(context.Background())
	_, err := d.Submit(ctx, startReq(newState(t)), nil)
	require.NoError(t, err)
	cancel()
	d.Shutdown()

	assert.Equal(t, int64(1), d.Metrics().Completed)
}
