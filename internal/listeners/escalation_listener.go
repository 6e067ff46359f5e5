package listeners

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/alert"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const notifyTimeout = 15 * time.Second

// InitEscalationListeners forwards escalation events to on-call staff.
func InitEscalationListeners(bus *events.EventBus, notifier alert.Notifier) {
	forward := func(kind string) events.EventHandler {
		return func(ev events.Event) error {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			return notifier.Notify(ctx, noticeFromEvent(kind, ev))
		}
	}
	bus.Subscribe(events.CallEscalated, forward(alert.KindEscalated))
	bus.Subscribe(events.EscalationUnattended, forward(alert.KindUnattended))
	bus.Subscribe(events.EscalationOverdue, forward(alert.KindOverdue))
	logger.Info("escalation listeners registered")
}

func noticeFromEvent(kind string, ev events.Event) alert.Notice {
	n := alert.Notice{
		Kind:          kind,
		CallID:        ev.CallID,
		EscalationID:  cast.ToString(ev.Data["escalationId"]),
		EmergencyType: cast.ToString(ev.Data["emergencyType"]),
		Detail:        cast.ToString(ev.Data["detail"]),
		SessionID:     cast.ToString(ev.Data["sessionId"]),
		At:            ev.Timestamp,
	}
	if n.Detail == "" {
		n.Detail = cast.ToString(ev.Data["reason"])
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	return n
}

// InitSessionListeners 记录控制台上下线和控制权回收
func InitSessionListeners(bus *events.EventBus) {
	bus.Subscribe(events.SessionClosed, func(ev events.Event) error {
		logger.Info("console session closed",
			zap.String("sessionId", cast.ToString(ev.Data["sessionId"])),
			zap.String("dispatcherId", cast.ToString(ev.Data["dispatcherId"])),
			zap.String("reason", cast.ToString(ev.Data["reason"])))
		return nil
	})
	bus.Subscribe(events.ControlReleased, func(ev events.Event) error {
		logger.Info("control returned to ai",
			zap.String("callId", ev.CallID),
			zap.String("sessionId", cast.ToString(ev.Data["sessionId"])),
			zap.String("reason", cast.ToString(ev.Data["reason"])))
		return nil
	})
}
