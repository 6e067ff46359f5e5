package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, c.Write(&out))
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	}
	return 0
}

func TestNewMetrics_Singleton(t *testing.T) {
	assert.Same(t, NewMetrics(), NewMetrics())
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CallStarted()
		m.SessionOpened()
		m.SessionClosed("logout")
		m.TakeoverResolved("granted")
		m.EscalationRaised("fire")
		m.AuditAppend(nil, time.Millisecond)
		m.TranscriptRejectedInc()
		m.SetCallsByState([]string{"ringing"}, nil)
		m.RecordHTTPRequest("GET", "/x", 200, time.Millisecond)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	before := value(t, m.Takeovers.WithLabelValues("expired"))
	m.TakeoverResolved("expired")
	assert.Equal(t, before+1, value(t, m.Takeovers.WithLabelValues("expired")))

	failedBefore := value(t, m.AuditAppends.WithLabelValues("error"))
	m.AuditAppend(errors.New("disk full"), 2*time.Millisecond)
	assert.Equal(t, failedBefore+1, value(t, m.AuditAppends.WithLabelValues("error")))

	m.SetCallsByState([]string{"ai_handling", "escalated"}, map[string]int{"ai_handling": 3})
	assert.Equal(t, 3.0, value(t, m.CallsByState.WithLabelValues("ai_handling")))
	assert.Equal(t, 0.0, value(t, m.CallsByState.WithLabelValues("escalated")))
}

func TestMonitorMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics()
	router := gin.New()
	router.Use(MonitorMiddleware(m))
	router.GET("/probe/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	router.GET("/metrics", GinHandler())

	before := value(t, m.HTTPRequestsTotal.WithLabelValues("GET", "/probe/:id", "200"))
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/probe/7", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, before+1, value(t, m.HTTPRequestsTotal.WithLabelValues("GET", "/probe/:id", "200")))

	w = httptest.NewRecorder()
	req, _ = http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "lingdispatch_http_requests_total"))
}
