package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lingdispatch"

// Metrics 调度层 Prometheus 指标
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CallsStarted       prometheus.Counter
	CallsByState       *prometheus.GaugeVec
	TranscriptRejected prometheus.Counter

	SessionsActive prometheus.Gauge
	SessionsClosed *prometheus.CounterVec

	Takeovers   *prometheus.CounterVec
	Escalations *prometheus.CounterVec

	AuditAppends *prometheus.CounterVec
	AuditLatency prometheus.Histogram

	HostCPU    prometheus.Gauge
	HostMemory prometheus.Gauge
}

var (
	instance *Metrics
	once     sync.Once
)

// NewMetrics registers collectors on the default registry once and returns
// the shared instance.
func NewMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status.",
			}, []string{"method", "path", "status"}),
			HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "path"}),
			CallsStarted: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_started_total",
				Help:      "Calls registered by the engine.",
			}),
			CallsByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calls",
				Help:      "Live calls per state.",
			}, []string{"state"}),
			TranscriptRejected: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transcript_rejected_total",
				Help:      "Transcript fragments rejected as out of order.",
			}),
			SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_active",
				Help:      "Open dispatcher console sessions.",
			}),
			SessionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Closed sessions by reason code.",
			}, []string{"reason"}),
			Takeovers: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "takeovers_total",
				Help:      "Resolved takeover requests by outcome.",
			}, []string{"outcome"}),
			Escalations: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "escalations_total",
				Help:      "Emergency escalations by type.",
			}, []string{"type"}),
			AuditAppends: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_appends_total",
				Help:      "Audit appends by result.",
			}, []string{"result"}),
			AuditLatency: promauto.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "audit_append_duration_seconds",
				Help:      "Latency of durable audit writes.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			}),
			HostCPU: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_cpu_percent",
				Help:      "Host CPU usage sampled by the stats reporter.",
			}),
			HostMemory: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "host_memory_percent",
				Help:      "Host memory usage sampled by the stats reporter.",
			}),
		}
	})
	return instance
}

// 以下方法都允许 nil 接收者，组件可以不接指标运行

func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.CallsStarted.Inc()
}

// SetCallsByState replaces the per-state gauges. States missing from the map
// are reset to zero.
func (m *Metrics) SetCallsByState(states []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, s := range states {
		m.CallsByState.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (m *Metrics) SetSystem(st SystemStats) {
	if m == nil {
		return
	}
	m.HostCPU.Set(st.HostCPUPercent)
	m.HostMemory.Set(st.HostMemoryPercent)
}

func (m *Metrics) TranscriptRejectedInc() {
	if m == nil {
		return
	}
	m.TranscriptRejected.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) TakeoverResolved(outcome string) {
	if m == nil {
		return
	}
	m.Takeovers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) EscalationRaised(emergencyType string) {
	if m == nil {
		return
	}
	m.Escalations.WithLabelValues(emergencyType).Inc()
}

func (m *Metrics) AuditAppend(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AuditAppends.WithLabelValues(result).Inc()
	m.AuditLatency.Observe(d.Seconds())
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler wraps Handler for gin routes.
func GinHandler() gin.HandlerFunc {
	h := Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MonitorMiddleware 记录请求次数和耗时，路由未匹配时用 "unmatched"
func MonitorMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
