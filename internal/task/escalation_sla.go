package task

import (
	"context"
	"time"

	"github.com/code-100-precent/LingDispatch/pkg/cache"
	"github.com/code-100-precent/LingDispatch/pkg/constants"
	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/events"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CheckOverdueEscalations publishes escalation.ack_overdue once per
// OverdueNoticeTTL for every escalation still unacknowledged after sla.
// It returns how many notices were published.
func CheckOverdueEscalations(ctx context.Context, coord *dispatch.Coordinator, bus *events.EventBus, c cache.Cache, sla time.Duration, now time.Time) int {
	published := 0
	for _, rec := range coord.OverdueEscalations(now, sla) {
		key := constants.CacheKeyOverdue + rec.EscalationID
		if c.Exists(ctx, key) {
			continue
		}
		if err := c.Set(ctx, key, now.Unix(), constants.OverdueNoticeTTL); err != nil {
			logger.Warn("overdue notice dedup write failed", zap.String("escalationId", rec.EscalationID), zap.Error(err))
		}
		bus.Publish(events.Event{
			Type:   events.EscalationOverdue,
			CallID: rec.CallID,
			Data: map[string]interface{}{
				"escalationId":  rec.EscalationID,
				"emergencyType": rec.EmergencyType,
				"sessionId":     rec.SessionID,
				"detail":        rec.Detail,
				"issuedAt":      rec.IssuedAt,
				"overdueBy":     now.Sub(rec.IssuedAt).String(),
			},
			Source: "task",
		})
		published++
	}
	return published
}

// StartEscalationSLAChecker 定时检查超时未确认的紧急升级
func StartEscalationSLAChecker(coord *dispatch.Coordinator, bus *events.EventBus, c cache.Cache) (*cron.Cron, error) {
	sla := coord.Config().EscalationAckSLA
	cr := cron.New()
	schedule := "@every 30s"

	_, err := cr.AddFunc(schedule, func() {
		n := CheckOverdueEscalations(context.Background(), coord, bus, c, sla, time.Now())
		if n > 0 {
			logger.Warn("unacknowledged escalations past SLA", zap.Int("count", n), zap.Duration("sla", sla))
		}
	})
	if err != nil {
		logger.Error("Failed to add escalation SLA cron job", zap.Error(err))
		return nil, err
	}
	cr.Start()
	logger.Info("Escalation SLA checker started", zap.String("schedule", schedule), zap.Duration("sla", sla))
	return cr, nil
}
