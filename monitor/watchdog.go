package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockpilot/config"
	"stockpilot/event"
	"stockpilot/logger"
	"stockpilot/metrics"
	"stockpilot/storage"
	"stockpilot/utils"
)

// 每日汇总保留天数（细粒度采样走 system.log_retention_days）
const dailyMetricsRetentionDays = 365

// Watchdog 系统资源监控看门狗
type Watchdog struct {
	cfg            *config.Config
	storageService *storage.StorageService
	eventCenter    *event.Center
	pm             *metrics.PrometheusMetrics

	sampleInterval  time.Duration
	cleanupInterval time.Duration
	cooldown        time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex

	// 告警冷却：同一类告警在冷却期内只发一次
	lastAlertTime map[string]time.Time
}

// NewWatchdog 创建看门狗实例
func NewWatchdog(cfg *config.Config, storageService *storage.StorageService, eventCenter *event.Center) *Watchdog {
	sampleInterval := time.Duration(cfg.Watchdog.Sampling.Interval) * time.Second
	if sampleInterval <= 0 {
		sampleInterval = 120 * time.Second // 默认2分钟
	}

	cooldown := time.Duration(cfg.Watchdog.CooldownMinutes) * time.Minute
	if cooldown <= 0 {
		cooldown = 30 * time.Minute // 默认30分钟
	}

	return &Watchdog{
		cfg:             cfg,
		storageService:  storageService,
		eventCenter:     eventCenter,
		pm:              metrics.GetPrometheusMetrics(),
		sampleInterval:  sampleInterval,
		cleanupInterval: 1 * time.Hour,
		cooldown:        cooldown,
		stop:            make(chan struct{}),
		lastAlertTime:   make(map[string]time.Time),
	}
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) error {
	if !w.cfg.Watchdog.Enabled {
		logger.Info("ℹ️ 看门狗监控未启用")
		return nil
	}

	logger.Info("✅ 看门狗监控已启动 (采样间隔: %v)", w.sampleInterval)

	go w.samplingLoop(ctx)
	go w.cleanupLoop(ctx)
	go w.aggregationLoop(ctx)

	return nil
}

// Stop 停止看门狗，重复调用无害
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		logger.Info("✅ 看门狗监控已停止")
	})
}

// UpdateConfig 热更新配置（阈值与冷却时间即时生效，采样间隔重启后生效）
func (w *Watchdog) UpdateConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cfg = cfg
	if cooldown := time.Duration(cfg.Watchdog.CooldownMinutes) * time.Minute; cooldown > 0 {
		w.cooldown = cooldown
	}
}

// samplingLoop 采样循环
func (w *Watchdog) samplingLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			sample, err := CollectSystemSample()
			if err != nil {
				logger.Error("❌ 采集系统指标失败: %v", err)
				continue
			}

			// 更新 Prometheus 指标
			w.pm.SetProcessCPUPercent(sample.CPUPercent)
			w.pm.SetProcessMemoryRSS(sample.MemoryRSS)
			w.pm.SetGoroutineCount(sample.Goroutines)

			// 落盘
			if err := w.saveSample(sample); err != nil {
				logger.Error("❌ 保存系统指标失败: %v", err)
			}

			// 阈值检查
			w.checkThresholds(sample)
		}
	}
}

// saveSample 保存采样到数据库
func (w *Watchdog) saveSample(sample *SystemSample) error {
	st := w.store()
	if st == nil {
		return nil
	}

	return st.SaveSystemMetrics(&storage.SystemMetrics{
		Timestamp:     sample.Timestamp,
		CPUPercent:    sample.CPUPercent,
		MemoryMB:      sample.MemoryMB,
		MemoryPercent: sample.MemoryPercent,
		Goroutines:    sample.Goroutines,
		ProcessID:     sample.ProcessID,
	})
}

// checkThresholds 检查阈值并发出告警
func (w *Watchdog) checkThresholds(sample *SystemSample) {
	w.mu.RLock()
	cpuThreshold := w.cfg.Watchdog.Thresholds.CPUPercent
	memThreshold := w.cfg.Watchdog.Thresholds.MemoryMB
	w.mu.RUnlock()

	if cpuThreshold > 0 && sample.CPUPercent >= cpuThreshold {
		w.alert("cpu", sample, fmt.Sprintf(
			"CPU占用超过阈值: %.2f%% (阈值: %.2f%%)",
			sample.CPUPercent, cpuThreshold,
		))
	}

	if memThreshold > 0 && sample.MemoryMB >= memThreshold {
		w.alert("memory", sample, fmt.Sprintf(
			"内存占用超过阈值: %.2f MB (阈值: %.2f MB)",
			sample.MemoryMB, memThreshold,
		))
	}
}

// alert 发送告警（带冷却）
func (w *Watchdog) alert(key string, sample *SystemSample, message string) {
	if !w.shouldAlert(key) {
		return
	}

	logger.Warn("🚨 [系统监控告警] %s: %s", key, message)
	logger.Info("📊 当前系统状态: CPU=%.2f%%, 内存=%.2f MB, Goroutines=%d",
		sample.CPUPercent, sample.MemoryMB, sample.Goroutines)

	if w.eventCenter != nil {
		w.eventCenter.PublishEvent(event.EventTypeWatchdogAlert, map[string]interface{}{
			"alert":          key,
			"message":        message,
			"cpu_percent":    sample.CPUPercent,
			"memory_mb":      sample.MemoryMB,
			"memory_percent": sample.MemoryPercent,
			"goroutines":     sample.Goroutines,
		})
	}

	w.markAlerted(key)
}

// shouldAlert 检查是否应该发送告警（冷却机制）
func (w *Watchdog) shouldAlert(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	lastTime, exists := w.lastAlertTime[key]
	if !exists {
		return true
	}

	return time.Since(lastTime) >= w.cooldown
}

// markAlerted 更新告警时间
func (w *Watchdog) markAlerted(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastAlertTime[key] = time.Now()
}

// cleanupLoop 清理循环
func (w *Watchdog) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.cleanup(); err != nil {
				logger.Error("❌ 清理过期监控数据失败: %v", err)
			}
		}
	}
}

// cleanup 清理过期数据
func (w *Watchdog) cleanup() error {
	st := w.store()
	if st == nil {
		return nil
	}

	w.mu.RLock()
	retentionDays := w.cfg.System.LogRetentionDays
	w.mu.RUnlock()

	if retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		if err := st.CleanupSystemMetrics(cutoff); err != nil {
			logger.Warn("⚠️ 清理细粒度监控数据失败: %v", err)
		} else {
			logger.Debug("🧹 清理细粒度监控数据（早于 %s）", cutoff.Format("2006-01-02 15:04:05"))
		}
	}

	cutoffDate := time.Now().AddDate(0, 0, -dailyMetricsRetentionDays)
	cutoffDate = time.Date(cutoffDate.Year(), cutoffDate.Month(), cutoffDate.Day(), 0, 0, 0, 0, cutoffDate.Location())
	if err := st.CleanupDailySystemMetrics(cutoffDate); err != nil {
		logger.Warn("⚠️ 清理每日汇总数据失败: %v", err)
	}

	return nil
}

// aggregationLoop 每日汇总循环（配置时区凌晨00:05执行，汇总前一天）
// 每轮都重新按日历推算下次执行时间，夏令时切换日不是24小时
func (w *Watchdog) aggregationLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		nextRun := nextAggregationRun(utils.NowConfiguredTimezone())
		waitDuration := time.Until(nextRun)
		logger.Info("⏰ 下次监控数据汇总时间: %s (等待 %v)", nextRun.Format("2006-01-02 15:04:05"), waitDuration.Round(time.Second))
		timer.Reset(waitDuration)

		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-timer.C:
			yesterday := utils.NowConfiguredTimezone().AddDate(0, 0, -1)
			if err := w.aggregateDaily(yesterday); err != nil {
				logger.Error("❌ 每日监控汇总失败: %v", err)
			}
		}
	}
}

// nextAggregationRun 下一个凌晨00:05，已过则顺延到明天
func nextAggregationRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 5, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// aggregateDaily 汇总指定日期的采样数据
func (w *Watchdog) aggregateDaily(date time.Time) error {
	st := w.store()
	if st == nil {
		return nil
	}

	logger.Info("📊 开始每日监控汇总: %s", date.Format("2006-01-02"))

	startTime := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	endTime := startTime.AddDate(0, 0, 1)

	samples, err := st.QuerySystemMetrics(startTime, endTime)
	if err != nil {
		return fmt.Errorf("查询监控数据失败: %w", err)
	}

	if len(samples) == 0 {
		logger.Warn("⚠️ 当日无监控数据，跳过汇总")
		return nil
	}

	var sumCPU, sumMemory float64
	maxCPU, minCPU := samples[0].CPUPercent, samples[0].CPUPercent
	maxMemory, minMemory := samples[0].MemoryMB, samples[0].MemoryMB

	for _, s := range samples {
		sumCPU += s.CPUPercent
		sumMemory += s.MemoryMB

		if s.CPUPercent > maxCPU {
			maxCPU = s.CPUPercent
		}
		if s.CPUPercent < minCPU {
			minCPU = s.CPUPercent
		}
		if s.MemoryMB > maxMemory {
			maxMemory = s.MemoryMB
		}
		if s.MemoryMB < minMemory {
			minMemory = s.MemoryMB
		}
	}

	count := float64(len(samples))
	daily := &storage.DailySystemMetrics{
		Date:          startTime,
		AvgCPUPercent: sumCPU / count,
		MaxCPUPercent: maxCPU,
		MinCPUPercent: minCPU,
		AvgMemoryMB:   sumMemory / count,
		MaxMemoryMB:   maxMemory,
		MinMemoryMB:   minMemory,
		SampleCount:   len(samples),
	}

	if err := st.SaveDailySystemMetrics(daily); err != nil {
		return fmt.Errorf("保存每日汇总失败: %w", err)
	}

	logger.Info("✅ 每日监控汇总完成: CPU平均=%.2f%%, 内存平均=%.2f MB, 样本数=%d",
		daily.AvgCPUPercent, daily.AvgMemoryMB, daily.SampleCount)

	return nil
}

// store 获取底层存储（未启用时返回 nil）
func (w *Watchdog) store() storage.Storage {
	if w.storageService == nil {
		return nil
	}
	return w.storageService.GetStorage()
}
