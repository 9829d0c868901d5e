package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/strata/pkg/channels/gochannel"
	"github.com/dukex/strata/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(slog.New(slog.DiscardHandler)))
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_DeliversTypedEvents(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	received := make(chan events.Event, 1)

	require.NoError(t, bus.Handle(events.ExecutionCompletedEvent, func(_ context.Context, event events.Event) error {
		received <- event

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	sent := events.ExecutionCompleted{
		BaseEvent:      events.NewBase(events.ExecutionCompletedEvent, "exec-1", "flow-1", "engine"),
		CompletedSteps: []string{"a", "b"},
		DurationMs:     42,
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", sent))

	select {
	case event := <-received:
		completed, ok := event.(*events.ExecutionCompleted)
		require.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, completed.CompletedSteps)
		assert.Equal(t, "exec-1", completed.ExecutionID)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBus_IgnoresUnhandledTypes(t *testing.T) {
	t.Parallel()

	bus := newTestBus(t)
	received := make(chan events.Event, 2)

	require.NoError(t, bus.Handle(events.CustomEventType, func(_ context.Context, event events.Event) error {
		received <- event

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "exec-1", events.StepDispatched{
		BaseEvent: events.NewBase(events.StepDispatchedEvent, "exec-1", "flow-1", "engine"),
		StepID:    "a",
	}))
	require.NoError(t, bus.Publish(ctx, "exec-1", events.Custom{
		BaseEvent: events.NewBase(events.CustomEventType, "exec-1", "flow-1", "engine"),
		Name:      "order.created",
	}))

	select {
	case event := <-received:
		custom, ok := event.(*events.Custom)
		require.True(t, ok)
		assert.Equal(t, "order.created", custom.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("event was not delivered")
	}

	assert.NotEmpty(t, bus.GenerateID())
}
