package events

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_PublishToTypedAndWildcard(t *testing.T) {
	bus := NewEventBus()
	var typed, wildcard atomic.Int64

	bus.Subscribe(CallEscalated, func(e Event) error {
		typed.Add(1)
		assert.Equal(t, "C1", e.CallID)
		return nil
	})
	bus.Subscribe("*", func(Event) error {
		wildcard.Add(1)
		return errors.New("ignored")
	})

	bus.Publish(Event{Type: CallEscalated, CallID: "C1"})
	bus.Publish(Event{Type: CallEnded, CallID: "C1"})
	bus.Wait()

	assert.Equal(t, int64(1), typed.Load())
	assert.Equal(t, int64(2), wildcard.Load())
	assert.Equal(t, int64(1), bus.Counts()[CallEscalated])
	assert.Equal(t, int64(1), bus.Counts()[CallEnded])
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus()
	var n atomic.Int64
	bus.Subscribe(SessionClosed, func(Event) error { n.Add(1); return nil })
	bus.Unsubscribe(SessionClosed)
	bus.Publish(Event{Type: SessionClosed})
	bus.Wait()
	assert.Zero(t, n.Load())
}

func TestEventBus_NilSafe(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() { bus.Publish(Event{Type: CallStarted}) })
}
