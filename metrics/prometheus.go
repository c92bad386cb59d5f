package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once
	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_order_total",
			Help: "Total number of orders placed",
		},
		[]string{"symbol", "side", "mode", "status"},
	)

	orderFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_order_failure_total",
			Help: "Total number of failed orders",
		},
		[]string{"symbol", "side", "reason"},
	)

	orderFillDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpilot_order_fill_duration_seconds",
			Help:    "Time from order submission to terminal state in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 30.0, 60.0},
		},
		[]string{"symbol", "side"},
	)

	orderTimeoutTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_order_timeout_total",
			Help: "Total number of orders cancelled after fill timeout",
		},
		[]string{"symbol", "side"},
	)

	// 交易指标
	tradeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_trade_count_total",
			Help: "Total number of trades recorded",
		},
		[]string{"symbol", "reason"},
	)

	slippageBps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpilot_slippage_bps",
			Help:    "Fill slippage versus reference price in basis points",
			Buckets: []float64{-50, -20, -10, -5, -1, 0, 1, 5, 10, 20, 50},
		},
		[]string{"symbol", "side"},
	)

	// 盈亏指标（可能为负，用 Gauge 累加）
	pnlRealized = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpilot_pnl_realized_total",
			Help: "Cumulative realized profit and loss",
		},
		[]string{"symbol"},
	)

	// 持仓指标
	openPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpilot_open_positions",
			Help: "Number of open positions",
		},
	)

	positionShares = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpilot_position_shares",
			Help: "Current position size in shares",
		},
		[]string{"symbol"},
	)

	positionPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpilot_position_pnl",
			Help: "Unrealized profit and loss of the position",
		},
		[]string{"symbol"},
	)

	// 风控指标
	riskRejectionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_risk_rejection_total",
			Help: "Total number of orders rejected by risk checks",
		},
		[]string{"reason"},
	)

	losingStreakFactor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpilot_losing_streak_factor",
			Help: "Current position size multiplier from the losing streak rule",
		},
	)

	// 交易对锁指标
	pairLockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_pair_lock_total",
			Help: "Total number of pair locks created",
		},
		[]string{"scope", "reason"},
	)

	pairLocksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpilot_pair_locks_active",
			Help: "Number of currently active pair locks",
		},
	)

	protectionTriggerTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_protection_trigger_total",
			Help: "Total number of protection guard triggers",
		},
		[]string{"guard"},
	)

	// 分批止盈指标
	partialExitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_partial_exit_total",
			Help: "Total number of partial exits executed",
		},
		[]string{"symbol", "tier"},
	)

	breakevenMoveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_breakeven_move_total",
			Help: "Total number of stops moved to breakeven",
		},
		[]string{"symbol"},
	)

	// 行情指标
	websocketConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpilot_websocket_connected",
			Help: "WebSocket connection status (0=disconnected, 1=connected)",
		},
		[]string{"stream_type"},
	)

	websocketReconnectCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_websocket_reconnect_count_total",
			Help: "Total number of WebSocket reconnections",
		},
		[]string{"stream_type"},
	)

	priceUpdateCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_price_update_count_total",
			Help: "Total number of price updates received",
		},
		[]string{"symbol"},
	)

	// 券商 API 指标
	apiCallTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_api_call_total",
			Help: "Total number of broker API calls",
		},
		[]string{"endpoint", "status"},
	)

	apiCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpilot_api_call_duration_seconds",
			Help:    "Broker API call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"endpoint"},
	)

	apiRateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockpilot_api_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the order rate limiter",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_lock_acquire_total",
			Help: "Total number of lock acquisitions",
		},
		[]string{"key", "status"}, // status: success, failed, skipped
	)

	lockConflictTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpilot_lock_conflict_total",
			Help: "Total number of lock conflicts",
		},
		[]string{"key"},
	)

	lockHoldDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpilot_lock_hold_duration_seconds",
			Help:    "Lock hold duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
		[]string{"key"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpilot_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	memoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpilot_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	gcPauseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockpilot_gc_pause_duration_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpilot_process_cpu_percent",
			Help: "Process CPU usage percentage",
		},
	)

	processMemoryRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpilot_process_memory_rss_bytes",
			Help: "Process resident memory in bytes",
		},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// 订单相关指标记录

// RecordOrder 记录订单
func (pm *PrometheusMetrics) RecordOrder(symbol, side, mode, status string) {
	orderTotal.WithLabelValues(symbol, side, mode, status).Inc()
}

// RecordOrderFailure 记录订单失败
func (pm *PrometheusMetrics) RecordOrderFailure(symbol, side, reason string) {
	orderFailureTotal.WithLabelValues(symbol, side, reason).Inc()
}

// RecordFillDuration 记录订单从提交到终态的时长
func (pm *PrometheusMetrics) RecordFillDuration(symbol, side string, duration time.Duration) {
	orderFillDuration.WithLabelValues(symbol, side).Observe(duration.Seconds())
}

// RecordOrderTimeout 记录订单成交超时
func (pm *PrometheusMetrics) RecordOrderTimeout(symbol, side string) {
	orderTimeoutTotal.WithLabelValues(symbol, side).Inc()
}

// 交易相关指标记录

// RecordTrade 记录交易
func (pm *PrometheusMetrics) RecordTrade(symbol, reason string) {
	tradeCount.WithLabelValues(symbol, reason).Inc()
}

// ObserveSlippage 记录成交滑点（基点）
func (pm *PrometheusMetrics) ObserveSlippage(symbol, side string, bps float64) {
	slippageBps.WithLabelValues(symbol, side).Observe(bps)
}

// AddRealizedPnL 累加已实现盈亏
func (pm *PrometheusMetrics) AddRealizedPnL(symbol string, pnl float64) {
	pnlRealized.WithLabelValues(symbol).Add(pnl)
}

// 持仓相关指标记录

// SetOpenPositions 设置持仓数量
func (pm *PrometheusMetrics) SetOpenPositions(count int) {
	openPositions.Set(float64(count))
}

// SetPositionShares 设置持仓股数
func (pm *PrometheusMetrics) SetPositionShares(symbol string, shares int) {
	positionShares.WithLabelValues(symbol).Set(float64(shares))
}

// SetPositionPnL 设置持仓浮动盈亏
func (pm *PrometheusMetrics) SetPositionPnL(symbol string, pnl float64) {
	positionPnL.WithLabelValues(symbol).Set(pnl)
}

// 风控相关指标记录

// RecordRiskRejection 记录风控拒绝
func (pm *PrometheusMetrics) RecordRiskRejection(reason string) {
	riskRejectionTotal.WithLabelValues(reason).Inc()
}

// SetLosingStreakFactor 设置连亏降档系数
func (pm *PrometheusMetrics) SetLosingStreakFactor(factor float64) {
	losingStreakFactor.Set(factor)
}

// 交易对锁相关指标记录

// RecordPairLock 记录锁定
func (pm *PrometheusMetrics) RecordPairLock(scope, reason string) {
	pairLockTotal.WithLabelValues(scope, reason).Inc()
}

// SetActivePairLocks 设置活跃锁数量
func (pm *PrometheusMetrics) SetActivePairLocks(count int) {
	pairLocksActive.Set(float64(count))
}

// RecordProtectionTrigger 记录保护机制触发
func (pm *PrometheusMetrics) RecordProtectionTrigger(guard string) {
	protectionTriggerTotal.WithLabelValues(guard).Inc()
}

// 分批止盈相关指标记录

// RecordPartialExit 记录分批止盈
func (pm *PrometheusMetrics) RecordPartialExit(symbol, tier string) {
	partialExitTotal.WithLabelValues(symbol, tier).Inc()
}

// RecordBreakevenMove 记录止损移动到保本位
func (pm *PrometheusMetrics) RecordBreakevenMove(symbol string) {
	breakevenMoveTotal.WithLabelValues(symbol).Inc()
}

// 行情相关指标记录

// SetWebSocketStatus 设置 WebSocket 连接状态
func (pm *PrometheusMetrics) SetWebSocketStatus(streamType string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	websocketConnected.WithLabelValues(streamType).Set(value)
}

// RecordWebSocketReconnect 记录 WebSocket 重连
func (pm *PrometheusMetrics) RecordWebSocketReconnect(streamType string) {
	websocketReconnectCount.WithLabelValues(streamType).Inc()
}

// RecordPriceUpdate 记录价格更新
func (pm *PrometheusMetrics) RecordPriceUpdate(symbol string) {
	priceUpdateCount.WithLabelValues(symbol).Inc()
}

// 券商 API 相关指标记录

// RecordAPICall 记录 API 调用
func (pm *PrometheusMetrics) RecordAPICall(endpoint, status string, duration time.Duration) {
	apiCallTotal.WithLabelValues(endpoint, status).Inc()
	apiCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveRateLimitWait 记录限流等待时长
func (pm *PrometheusMetrics) ObserveRateLimitWait(duration time.Duration) {
	apiRateLimitWait.Observe(duration.Seconds())
}

// 分布式锁相关指标记录

// RecordLockAcquire 记录锁获取
func (pm *PrometheusMetrics) RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// RecordLockConflict 记录锁冲突
func (pm *PrometheusMetrics) RecordLockConflict(key string) {
	lockConflictTotal.WithLabelValues(key).Inc()
}

// RecordLockHoldDuration 记录锁持有时长
func (pm *PrometheusMetrics) RecordLockHoldDuration(key string, duration time.Duration) {
	lockHoldDuration.WithLabelValues(key).Observe(duration.Seconds())
}

// 系统相关指标记录

// SetGoroutineCount 设置 Goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetMemoryAlloc 设置内存分配
func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAllocBytes.Set(float64(bytes))
}

// RecordGCPause 记录 GC 停顿时间
func (pm *PrometheusMetrics) RecordGCPause(duration time.Duration) {
	gcPauseDuration.Observe(duration.Seconds())
}

// SetProcessCPUPercent 设置进程 CPU 占用率
func (pm *PrometheusMetrics) SetProcessCPUPercent(percent float64) {
	processCPUPercent.Set(percent)
}

// SetProcessMemoryRSS 设置进程常驻内存
func (pm *PrometheusMetrics) SetProcessMemoryRSS(bytes uint64) {
	processMemoryRSS.Set(float64(bytes))
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
