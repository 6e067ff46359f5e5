package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats 主机与进程资源占用
type SystemStats struct {
	HostCPUPercent    float64   `json:"hostCpuPercent"`
	HostMemoryPercent float64   `json:"hostMemoryPercent"`
	ProcessRSSBytes   uint64    `json:"processRssBytes"`
	ProcessCPUPercent float64   `json:"processCpuPercent"`
	Goroutines        int       `json:"goroutines"`
	CollectedAt       time.Time `json:"collectedAt"`
}

// CollectSystem samples host and process usage. Fields whose probe fails are
// left zero; the first error is returned alongside the partial result.
func CollectSystem(ctx context.Context) (SystemStats, error) {
	st := SystemStats{Goroutines: runtime.NumGoroutine(), CollectedAt: time.Now()}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// interval 0 比较上次采样，不阻塞
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		st.HostCPUPercent = pct[0]
	} else {
		keep(err)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.HostMemoryPercent = vm.UsedPercent
	} else {
		keep(err)
	}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		keep(err)
		return st, firstErr
	}
	if mi, err := proc.MemoryInfoWithContext(ctx); err == nil {
		st.ProcessRSSBytes = mi.RSS
	} else {
		keep(err)
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		st.ProcessCPUPercent = pct
	} else {
		keep(err)
	}
	return st, firstErr
}
