package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/callflow/pkg/schema"
)

func receive(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return RunEvent{}
}

func assertQuiet(t *testing.T, ch <-chan RunEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{
		RunID:  "run-1",
		StepID: string(schema.StepDetermineCause),
		Type:   schema.StepEventEmitted,
		Event:  string(schema.EventIsRelevant),
	}))

	got := receive(t, ch)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, string(schema.EventIsRelevant), got.Event)
	assert.NotEmpty(t, got.ID, "id assigned on publish")
	assert.False(t, got.At.IsZero())
}

func TestFilterByRunID(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-1", Type: schema.StepEventStarted}))
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "run-2", Type: schema.StepEventStarted}))

	assert.Equal(t, "run-1", receive(t, ch).RunID)
	assertQuiet(t, ch)
}

func TestFilterByType(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Types: []string{schema.RunEventCompleted, schema.RunEventFailed}})
	require.NoError(t, err)
	defer cancel()

	for _, typ := range []string{schema.RunEventCompleted, schema.StepEventStarted, schema.RunEventFailed} {
		require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "r", Type: typ}))
	}

	assert.Equal(t, schema.RunEventCompleted, receive(t, ch).Type)
	assert.Equal(t, schema.RunEventFailed, receive(t, ch).Type)
	assertQuiet(t, ch)
}

func TestCancelClosesAndUnsubscribes(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "r"}))
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := NewMemoryHub(2)
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, RunEvent{RunID: "r"}))
	}
	assert.Equal(t, uint64(3), hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, hub.Publish(ctx, RunEvent{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
}

func TestConcurrentPublish(t *testing.T) {
	hub := NewMemoryHub(1000)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Publish(ctx, RunEvent{RunID: "r"})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ch, 500)
}
