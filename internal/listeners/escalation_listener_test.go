package listeners

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/alert"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu      sync.Mutex
	notices []alert.Notice
}

func (c *captured) Notify(_ context.Context, n alert.Notice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, n)
	return nil
}

func TestEscalationListeners(t *testing.T) {
	bus := events.NewEventBus()
	rec := &captured{}
	InitEscalationListeners(bus, rec)
	InitSessionListeners(bus)

	bus.Publish(events.Event{
		Type:   events.CallEscalated,
		CallID: "C1",
		Data: map[string]interface{}{
			"escalationId":  "esc_1",
			"emergencyType": "medical",
			"detail":        "not breathing",
			"sessionId":     "s1",
		},
	})
	bus.Publish(events.Event{
		Type:   events.EscalationUnattended,
		CallID: "C2",
		Data:   map[string]interface{}{"sessionId": "s2", "reason": "session_timeout"},
	})
	bus.Publish(events.Event{Type: events.SessionClosed, Data: map[string]interface{}{"sessionId": "s2"}})
	bus.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.notices, 2)
	byKind := map[string]alert.Notice{}
	for _, n := range rec.notices {
		byKind[n.Kind] = n
	}
	esc := byKind[alert.KindEscalated]
	assert.Equal(t, "esc_1", esc.EscalationID)
	assert.Equal(t, "medical", esc.EmergencyType)
	assert.Equal(t, "not breathing", esc.Detail)
	assert.False(t, esc.At.IsZero())

	un := byKind[alert.KindUnattended]
	assert.Equal(t, "C2", un.CallID)
	assert.Equal(t, "session_timeout", un.Detail)
	assert.WithinDuration(t, time.Now(), un.At, time.Minute)
}
