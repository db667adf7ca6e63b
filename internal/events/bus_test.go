package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()
	var hits atomic.Int32
	bus.Subscribe(EventSessionOpened, "a", func(ctx context.Context, e Event) error {
		hits.Add(1)
		return nil
	})
	bus.Subscribe(EventSessionOpened, "b", func(ctx context.Context, e Event) error {
		hits.Add(1)
		return nil
	})
	bus.Subscribe(EventSessionClosed, "c", func(ctx context.Context, e Event) error {
		hits.Add(100)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventSessionOpened, Payload: SessionOpenedPayload{SessionID: "s"}})
	bus.Stop()
	assert.Equal(t, int32(2), hits.Load())

	bus.Emit(context.Background(), Event{Type: EventSessionOpened})
	assert.Equal(t, int32(2), hits.Load())
}

func TestEmitSyncReturnsErrorAndSurvivesPanic(t *testing.T) {
	bus := NewEventBus()
	boom := errors.New("boom")
	bus.Subscribe(EventPacketRelayed, "err", func(ctx context.Context, e Event) error { return boom })
	bus.Subscribe(EventPacketRelayed, "panic", func(ctx context.Context, e Event) error { panic("x") })

	err := bus.EmitSync(context.Background(), Event{Type: EventPacketRelayed})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventSessionClosed}))
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	noop := func(ctx context.Context, e Event) error { return nil }
	bus.Subscribe(EventCaptureRemoved, "a", noop)
	bus.Subscribe(EventCaptureRemoved, "b", noop)
	bus.Unsubscribe(EventCaptureRemoved, "a")
	assert.Equal(t, 1, bus.HandlerCount(EventCaptureRemoved))
}
