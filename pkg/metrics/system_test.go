package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectSystem(t *testing.T) {
	st, _ := CollectSystem(context.Background())
	assert.Positive(t, st.Goroutines)
	assert.False(t, st.CollectedAt.IsZero())

	var nilMetrics *Metrics
	nilMetrics.SetSystem(st)

	m := NewMetrics()
	m.SetSystem(SystemStats{HostCPUPercent: 12.5, HostMemoryPercent: 40})
	assert.Equal(t, 12.5, value(t, m.HostCPU))
	assert.Equal(t, float64(40), value(t, m.HostMemory))
}
