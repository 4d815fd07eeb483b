package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/publora/publora/internal/observability"
)

func TestInMemoryTelemetryBusPublishSubscribe(t *testing.T) {
	bus := observability.NewInMemoryTelemetryBus(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	event := observability.TelemetryEvent{
		EventID:  "evt-1",
		Type:     observability.TelemetryEventJobParked,
		PostID:   "post-1",
		Metadata: map[string]any{"destination": "twitter"},
	}
	require.NoError(t, bus.Publish(ctx, event))

	select {
	case got := <-ch:
		require.Equal(t, event.EventID, got.EventID)
		event.Metadata["destination"] = "changed"
		require.Equal(t, "twitter", got.Metadata["destination"])
	case <-ctx.Done():
		t.Fatal("did not receive telemetry event")
	}

	bus.Close()
	require.NoError(t, bus.Publish(ctx, event))
}

func TestInMemoryTelemetryBusFullBufferDeadLetters(t *testing.T) {
	bus := observability.NewInMemoryTelemetryBus(1)
	t.Cleanup(bus.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, observability.TelemetryEvent{EventID: "evt-1"}))

	err = bus.Publish(ctx, observability.TelemetryEvent{EventID: "evt-2"})
	require.Error(t, err)

	require.Equal(t, 1, bus.DeadLetters().Len())
	parked := bus.DeadLetters().Drain()
	require.Len(t, parked, 1)
	require.Equal(t, "evt-2", parked[0].EventID)
}

func TestDeadLetterQueueOfferAndDrain(t *testing.T) {
	queue := observability.NewDeadLetterQueue(2)

	queue.Offer(observability.TelemetryEvent{EventID: "1"})
	queue.Offer(observability.TelemetryEvent{EventID: "2"})
	queue.Offer(observability.TelemetryEvent{EventID: "3"})

	require.Equal(t, 2, queue.Len())

	events := queue.Drain()
	require.Len(t, events, 2)
	require.Equal(t, "2", events[0].EventID)
	require.Equal(t, "3", events[1].EventID)
	require.Equal(t, 0, queue.Len())
}
