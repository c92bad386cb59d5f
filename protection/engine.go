package protection

import (
	"context"
	"strings"
	"sync"
	"time"

	"stockpilot/config"
	"stockpilot/database"
	"stockpilot/event"
	"stockpilot/logger"
	"stockpilot/metrics"
	"stockpilot/pairlock"
)

// 锁定原因，同时作为锁记录的 reason 字段写入
const (
	ReasonCooldown      = "cooldown"
	ReasonStoplossGuard = "stoploss_guard"
	ReasonMaxDrawdown   = "max_drawdown"
	ReasonLowProfit     = "low_profit"
)

// 止损类平仓原因的识别片段（不区分大小写的包含匹配）
var stoplossMarkers = []string{"stop-loss", "stop_loss", "stoploss"}

// Locker 定义保护机制所需的锁定方法
type Locker interface {
	Lock(ctx context.Context, symbol string, duration time.Duration, reason, side string) error
	LockGlobal(ctx context.Context, duration time.Duration, reason, side string) error
}

// TradeWindow 定义保护机制所需的历史成交查询方法
type TradeWindow interface {
	ClosedSince(ctx context.Context, since time.Time) ([]*database.Trade, error)
	ClosedBySymbolSince(ctx context.Context, symbol string, since time.Time) ([]*database.Trade, error)
}

// EventPublisher 定义保护机制所需的事件发布方法（event.Center 满足）
type EventPublisher interface {
	PublishEvent(eventType event.EventType, data map[string]interface{})
}

// Engine 平仓后保护引擎
// 每次全量平仓后运行四类守卫：冷却锁定、止损熔断、最大回撤熔断、低收益熔断
// 守卫只锁定开仓方向（long），平仓卖出不受保护锁影响
type Engine struct {
	mu     sync.RWMutex
	cfg    *config.Config
	locks  Locker
	trades TradeWindow
	events EventPublisher
	pm     *metrics.PrometheusMetrics
	now    func() time.Time
}

// NewEngine 创建保护引擎
// events 可以为 nil，此时触发记录只落日志和指标
func NewEngine(cfg *config.Config, locks Locker, trades TradeWindow, events EventPublisher) *Engine {
	return &Engine{
		cfg:    cfg,
		locks:  locks,
		trades: trades,
		events: events,
		pm:     metrics.GetPrometheusMetrics(),
		now:    time.Now,
	}
}

// UpdateConfig 应用热更新后的配置
func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	logger.Info("🔄 [保护] 配置已热更新")
}

func (e *Engine) config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// EvaluateAfterClose 在每次全量平仓后调用（包括应急平仓）
// symbol/exitReason/pnlPct 描述刚平掉的这笔交易（此时已入库）
// 各守卫独立开关、独立运行，守卫内部错误只记录日志不向上传播
func (e *Engine) EvaluateAfterClose(ctx context.Context, symbol, exitReason string, pnlPct float64) {
	cfg := e.config()
	if !cfg.Protection.Enabled {
		return
	}

	logger.Debug("🛡️ [保护] 平仓后评估: %s reason=%s pnl=%.2f%%", symbol, exitReason, pnlPct)

	e.runCooldown(ctx, cfg, symbol)
	e.runStoplossGuard(ctx, cfg, symbol)
	e.runMaxDrawdown(ctx, cfg)
	e.runLowProfit(ctx, cfg, symbol)
}

// runCooldown 冷却守卫：每次平仓后锁定该标的一段时间，避免立即重新进场
func (e *Engine) runCooldown(ctx context.Context, cfg *config.Config, symbol string) {
	minutes := cfg.Protection.CooldownMinutes
	if minutes <= 0 {
		return
	}

	duration := time.Duration(minutes) * time.Minute
	if err := e.locks.Lock(ctx, symbol, duration, ReasonCooldown, pairlock.SideLong); err != nil {
		logger.Error("❌ [保护] %s 冷却锁定失败: %v", symbol, err)
		return
	}
	e.triggered(ReasonCooldown, symbol, minutes)
	logger.Info("🛡️ [保护] %s 平仓后冷却 %d 分钟", symbol, minutes)
}

// runStoplossGuard 止损熔断：回看窗口内止损平仓次数达到阈值时锁定
// only_per_pair=true 时只统计并锁定当前标的，否则统计全部标的并全局锁定
func (e *Engine) runStoplossGuard(ctx context.Context, cfg *config.Config, symbol string) {
	guard := cfg.Protection.StoplossGuard
	if !guard.Enabled {
		return
	}

	since := e.now().Add(-time.Duration(guard.LookbackMinutes) * time.Minute)
	var trades []*database.Trade
	var err error
	if guard.OnlyPerPair {
		trades, err = e.trades.ClosedBySymbolSince(ctx, symbol, since)
	} else {
		trades, err = e.trades.ClosedSince(ctx, since)
	}
	if err != nil {
		logger.Warn("⚠️ [保护] 止损熔断查询失败: %v", err)
		return
	}

	stoplossCount := 0
	for _, t := range trades {
		if t.ExitReason != nil && isStoplossExit(*t.ExitReason) {
			stoplossCount++
		}
	}
	if stoplossCount < guard.TradeLimit {
		return
	}

	duration := time.Duration(guard.LockMinutes) * time.Minute
	if guard.OnlyPerPair {
		if err := e.locks.Lock(ctx, symbol, duration, ReasonStoplossGuard, pairlock.SideLong); err != nil {
			logger.Error("❌ [保护] %s 止损熔断锁定失败: %v", symbol, err)
			return
		}
		e.triggered(ReasonStoplossGuard, symbol, guard.LockMinutes)
		logger.Warn("🛡️ [保护] %s 在 %d 分钟内止损 %d 次，锁定 %d 分钟",
			symbol, guard.LookbackMinutes, stoplossCount, guard.LockMinutes)
	} else {
		if err := e.locks.LockGlobal(ctx, duration, ReasonStoplossGuard, pairlock.SideLong); err != nil {
			logger.Error("❌ [保护] 止损熔断全局锁定失败: %v", err)
			return
		}
		e.triggered(ReasonStoplossGuard, pairlock.GlobalScope, guard.LockMinutes)
		logger.Warn("🛡️ [保护] %d 分钟内止损 %d 次，全局锁定 %d 分钟",
			guard.LookbackMinutes, stoplossCount, guard.LockMinutes)
	}
}

// runMaxDrawdown 最大回撤熔断：窗口内已实现盈亏曲线的峰谷回撤达到阈值时全局锁定
// 回撤按各笔平仓的收益率（百分点）累加计算，峰值从 0 起算
func (e *Engine) runMaxDrawdown(ctx context.Context, cfg *config.Config) {
	guard := cfg.Protection.MaxDrawdown
	if !guard.Enabled {
		return
	}

	since := e.now().Add(-time.Duration(guard.LookbackMinutes) * time.Minute)
	trades, err := e.trades.ClosedSince(ctx, since)
	if err != nil {
		logger.Warn("⚠️ [保护] 回撤熔断查询失败: %v", err)
		return
	}
	if len(trades) == 0 {
		return
	}

	// ClosedSince 按平仓时间升序
	var cumulative, peak, maxDrawdown float64
	for _, t := range trades {
		cumulative += tradeProfitPct(t)
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}
	if maxDrawdown < guard.MaxDrawdownPct {
		return
	}

	duration := time.Duration(guard.LockMinutes) * time.Minute
	if err := e.locks.LockGlobal(ctx, duration, ReasonMaxDrawdown, pairlock.SideLong); err != nil {
		logger.Error("❌ [保护] 回撤熔断全局锁定失败: %v", err)
		return
	}
	e.triggered(ReasonMaxDrawdown, pairlock.GlobalScope, guard.LockMinutes)
	logger.Warn("🛡️ [保护] %d 分钟内回撤 %.2f%% 达到阈值 %.2f%%，全局锁定 %d 分钟",
		guard.LookbackMinutes, maxDrawdown, guard.MaxDrawdownPct, guard.LockMinutes)
}

// runLowProfit 低收益熔断：窗口内该标的成交达到最少笔数且累计收益不高于下限时锁定该标的
func (e *Engine) runLowProfit(ctx context.Context, cfg *config.Config, symbol string) {
	guard := cfg.Protection.LowProfitPairs
	if !guard.Enabled {
		return
	}

	since := e.now().Add(-time.Duration(guard.LookbackMinutes) * time.Minute)
	trades, err := e.trades.ClosedBySymbolSince(ctx, symbol, since)
	if err != nil {
		logger.Warn("⚠️ [保护] 低收益熔断查询失败: %v", err)
		return
	}
	if len(trades) < guard.TradeLimit {
		return
	}

	var totalProfit float64
	for _, t := range trades {
		totalProfit += tradeProfitPct(t)
	}
	if totalProfit > guard.MinProfit {
		return
	}

	duration := time.Duration(guard.LockMinutes) * time.Minute
	if err := e.locks.Lock(ctx, symbol, duration, ReasonLowProfit, pairlock.SideLong); err != nil {
		logger.Error("❌ [保护] %s 低收益熔断锁定失败: %v", symbol, err)
		return
	}
	e.triggered(ReasonLowProfit, symbol, guard.LockMinutes)
	logger.Warn("🛡️ [保护] %s 在 %d 分钟内 %d 笔成交累计收益 %.2f%% 不高于 %.2f%%，锁定 %d 分钟",
		symbol, guard.LookbackMinutes, len(trades), totalProfit, guard.MinProfit, guard.LockMinutes)
}

// triggered 记录一次守卫触发（指标 + 事件）
func (e *Engine) triggered(guard, scope string, lockMinutes int) {
	e.pm.RecordProtectionTrigger(guard)
	if e.events != nil {
		e.events.PublishEvent(event.EventTypeProtectionTriggered, map[string]interface{}{
			"guard":        guard,
			"scope":        scope,
			"lock_minutes": lockMinutes,
		})
	}
}

// isStoplossExit 判断平仓原因是否属于止损类
// 兼容不同来源的写法：stop_loss、trailing_stop_loss、Stop-Loss 等
func isStoplossExit(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range stoplossMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// tradeProfitPct 取一笔平仓交易的收益率（百分点）
// 优先用已记录的收益率，缺失时从盈亏金额和开仓市值推算
func tradeProfitPct(t *database.Trade) float64 {
	if t.PnlPct != nil {
		return *t.PnlPct
	}
	if t.Pnl != nil && t.EntryPrice > 0 && t.Shares > 0 {
		return *t.Pnl / (t.EntryPrice * float64(t.Shares)) * 100
	}
	return 0
}
