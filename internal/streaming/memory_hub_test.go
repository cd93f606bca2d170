package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maretto/aegis/pkg/schema"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, Event{
		RunID: "run-1", Type: schema.EventRunStarted, StepIndex: -1,
	}))

	e := recvEvent(t, ch)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, schema.EventRunStarted, e.Type)
}

func TestMemoryHub_RunIDFilter(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{RunID: "run-b"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, Event{RunID: "run-a", Type: schema.EventStepStarted}))
	require.NoError(t, h.Publish(ctx, Event{RunID: "run-b", Type: schema.EventStepStarted}))

	e := recvEvent(t, ch)
	assert.Equal(t, "run-b", e.RunID)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_TypeFilter(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{Types: []string{schema.EventFailover}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, h.Publish(ctx, Event{RunID: "run-1", Type: schema.EventStepCompleted}))
	require.NoError(t, h.Publish(ctx, Event{RunID: "run-1", Type: schema.EventFailover}))

	e := recvEvent(t, ch)
	assert.Equal(t, schema.EventFailover, e.Type)
}

func TestMemoryHub_SlowSubscriberDrops(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	// Overfill the buffer; the hub must not block the publisher.
	for i := 0; i < defaultChannelBuffer+16; i++ {
		require.NoError(t, h.Publish(ctx, Event{RunID: "run-1", Type: schema.EventStepStarted, StepIndex: i}))
	}

	// Drain: exactly the buffered events arrive, the overflow was dropped.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, defaultChannelBuffer, received)
			return
		}
	}
}

func TestMemoryHub_UnsubscribeStopsDelivery(t *testing.T) {
	h := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := h.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, h.Publish(ctx, Event{RunID: "run-1", Type: schema.EventRunStarted}))
	select {
	case e := <-ch:
		t.Fatalf("event delivered after unsubscribe: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
