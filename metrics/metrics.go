package metrics

import (
	"sync"
	"time"
)

// TradingStats 交易运行统计（内存态，供状态接口读取）
type TradingStats struct {
	OrdersPlaced    int64     `json:"orders_placed"`
	OrdersFilled    int64     `json:"orders_filled"`
	OrdersFailed    int64     `json:"orders_failed"`
	OrdersTimedOut  int64     `json:"orders_timed_out"`
	RiskRejections  int64     `json:"risk_rejections"`
	PartialExits    int64     `json:"partial_exits"`
	RealizedPnL     float64   `json:"realized_pnl"`
	LastFillLatency float64   `json:"last_fill_latency_seconds"`
	LastUpdate      time.Time `json:"last_update"`
}

// StatsCollector 运行统计收集器
type StatsCollector struct {
	mu    sync.RWMutex
	stats TradingStats
}

// NewStatsCollector 创建运行统计收集器
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		stats: TradingStats{LastUpdate: time.Now()},
	}
}

// RecordOrderPlaced 记录下单
func (sc *StatsCollector) RecordOrderPlaced() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.OrdersPlaced++
	sc.stats.LastUpdate = time.Now()
}

// RecordOrderFilled 记录成交
func (sc *StatsCollector) RecordOrderFilled(latency time.Duration) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.OrdersFilled++
	sc.stats.LastFillLatency = latency.Seconds()
	sc.stats.LastUpdate = time.Now()
}

// RecordOrderFailed 记录失败
func (sc *StatsCollector) RecordOrderFailed(timedOut bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.OrdersFailed++
	if timedOut {
		sc.stats.OrdersTimedOut++
	}
	sc.stats.LastUpdate = time.Now()
}

// RecordRiskRejection 记录风控拒绝
func (sc *StatsCollector) RecordRiskRejection() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.RiskRejections++
	sc.stats.LastUpdate = time.Now()
}

// RecordPartialExit 记录分批止盈
func (sc *StatsCollector) RecordPartialExit() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.PartialExits++
	sc.stats.LastUpdate = time.Now()
}

// AddRealizedPnL 累加已实现盈亏
func (sc *StatsCollector) AddRealizedPnL(pnl float64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.RealizedPnL += pnl
	sc.stats.LastUpdate = time.Now()
}

// Snapshot 获取统计快照
func (sc *StatsCollector) Snapshot() TradingStats {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.stats
}
