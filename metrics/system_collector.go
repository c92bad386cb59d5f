package metrics

import (
	"runtime"
	"sync"
	"time"
)

// SystemMetricsCollector 周期性把 Go 运行时指标写入 Prometheus
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration

	stopOnce  sync.Once
	stop      chan struct{}
	lastNumGC uint32
}

// NewSystemMetricsCollector 创建运行时指标采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	return &SystemMetricsCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start 启动采集循环
func (smc *SystemMetricsCollector) Start() {
	go smc.run()
}

// Stop 停止采集，可安全重复调用
func (smc *SystemMetricsCollector) Stop() {
	smc.stopOnce.Do(func() { close(smc.stop) })
}

func (smc *SystemMetricsCollector) run() {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	smc.collect()
	for {
		select {
		case <-smc.stop:
			return
		case <-ticker.C:
			smc.collect()
		}
	}
}

// collect 采集 goroutine 数、堆内存和 GC 停顿
func (smc *SystemMetricsCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	smc.pm.SetGoroutineCount(runtime.NumGoroutine())
	smc.pm.SetMemoryAlloc(m.Alloc)

	// PauseNs 是256槽环形缓冲，最新一次停顿在 (NumGC+255)%256；
	// 这里回放自上次采集以来的每次停顿，而不是只取最近一次
	if m.NumGC > smc.lastNumGC {
		missed := m.NumGC - smc.lastNumGC
		if missed > 256 {
			missed = 256
		}
		for i := uint32(0); i < missed; i++ {
			idx := (m.NumGC - i + 255) % 256
			if ns := m.PauseNs[idx]; ns > 0 {
				smc.pm.RecordGCPause(time.Duration(ns))
			}
		}
		smc.lastNumGC = m.NumGC
	}
}
