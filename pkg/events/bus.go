package events

import (
	"sync"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"go.uber.org/zap"
)

// Dispatch event types published on the bus.
const (
	CallStarted          = "call.started"
	CallEnded            = "call.ended"
	CallEvicted          = "call.evicted"
	TakeoverResolved     = "takeover.resolved"
	ControlReleased      = "control.released"
	CallEscalated        = "call.escalated"
	EscalationAcked      = "escalation.acknowledged"
	EscalationUnattended = "escalation.unattended"
	EscalationOverdue    = "escalation.ack_overdue"
	SessionOpened        = "session.opened"
	SessionClosed        = "session.closed"
)

// Event 系统事件
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	CallID    string                 `json:"callId,omitempty"`
	Data      map[string]interface{} `json:"data"`
	Source    string                 `json:"source"`
}

// EventHandler 事件处理器
type EventHandler func(event Event) error

// EventBus fans events out to handlers asynchronously. Handlers registered
// for "*" receive everything. Ordering between handlers is not guaranteed;
// the bus is for side effects (notifications, metrics), never for state.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
	counts   map[string]int64
	wg       sync.WaitGroup
}

var (
	globalEventBus *EventBus
	once           sync.Once
)

// NewEventBus creates a standalone bus (tests use this).
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string][]EventHandler),
		counts:   make(map[string]int64),
	}
}

// GetEventBus 获取全局事件总线实例
func GetEventBus() *EventBus {
	once.Do(func() {
		globalEventBus = NewEventBus()
	})
	return globalEventBus
}

// Subscribe 订阅事件
func (bus *EventBus) Subscribe(eventType string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.handlers[eventType] = append(bus.handlers[eventType], handler)
	logger.Debug("Event handler subscribed", zap.String("eventType", eventType))
}

// Unsubscribe 取消订阅（移除所有该类型的处理器）
func (bus *EventBus) Unsubscribe(eventType string) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	delete(bus.handlers, eventType)
}

// Publish 发布事件
func (bus *EventBus) Publish(event Event) {
	if bus == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	bus.mu.Lock()
	bus.counts[event.Type]++
	handlers := make([]EventHandler, 0, len(bus.handlers[event.Type])+len(bus.handlers["*"]))
	handlers = append(handlers, bus.handlers[event.Type]...)
	handlers = append(handlers, bus.handlers["*"]...)
	bus.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		bus.wg.Add(1)
		go func(h EventHandler) {
			defer bus.wg.Done()
			if err := h(event); err != nil {
				logger.Error("Event handler failed",
					zap.String("eventType", event.Type),
					zap.String("callId", event.CallID),
					zap.Error(err))
			}
		}(handler)
	}
}

// Wait blocks until every handler started so far has returned.
func (bus *EventBus) Wait() {
	bus.wg.Wait()
}

// Counts returns how many times each event type was published.
func (bus *EventBus) Counts() map[string]int64 {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	out := make(map[string]int64, len(bus.counts))
	for k, v := range bus.counts {
		out[k] = v
	}
	return out
}

// PublishEvent 便捷方法：发布到全局总线
func PublishEvent(eventType, callID string, data map[string]interface{}, source string) {
	GetEventBus().Publish(Event{
		Type:      eventType,
		Timestamp: time.Now(),
		CallID:    callID,
		Data:      data,
		Source:    source,
	})
}
