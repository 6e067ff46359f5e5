package task

import (
	"context"

	"github.com/code-100-precent/LingDispatch/pkg/dispatch"
	"github.com/code-100-precent/LingDispatch/pkg/logger"
	"github.com/code-100-precent/LingDispatch/pkg/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ReportCallStats pushes the per-state call counts into the gauges.
func ReportCallStats(coord *dispatch.Coordinator, m *metrics.Metrics) dispatch.Stats {
	st := coord.Stats()
	states := make([]string, 0, len(dispatch.AllStates))
	counts := make(map[string]int, len(st.CallsByState))
	for _, s := range dispatch.AllStates {
		states = append(states, string(s))
		counts[string(s)] = st.CallsByState[s]
	}
	m.SetCallsByState(states, counts)
	return st
}

// ReportSystemStats samples host usage into the gauges.
func ReportSystemStats(m *metrics.Metrics) metrics.SystemStats {
	st, err := metrics.CollectSystem(context.Background())
	if err != nil {
		logger.Debug("system stats partially unavailable", zap.Error(err))
	}
	m.SetSystem(st)
	return st
}

// StartStatsReporter 每 15 秒刷新一次指标，每小时打一条汇总日志
func StartStatsReporter(coord *dispatch.Coordinator, m *metrics.Metrics) (*cron.Cron, error) {
	cr := cron.New()
	if _, err := cr.AddFunc("@every 15s", func() {
		ReportCallStats(coord, m)
		ReportSystemStats(m)
	}); err != nil {
		return nil, err
	}
	if _, err := cr.AddFunc("@hourly", func() {
		st := ReportCallStats(coord, m)
		logger.Info("dispatch stats",
			zap.Int("liveCalls", st.LiveCalls),
			zap.Int("sessions", st.Sessions),
			zap.Int("pendingTakeovers", st.PendingTakeovers),
			zap.Int("unacknowledgedEscalations", st.UnacknowledgedEscalations),
			zap.Uint64("auditSequence", st.AuditSequence))
	}); err != nil {
		return nil, err
	}
	cr.Start()
	logger.Info("Stats reporter started")
	return cr, nil
}
