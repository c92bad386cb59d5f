package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"stockpilot/broker"
	"stockpilot/config"
	"stockpilot/database"
	"stockpilot/event"
	"stockpilot/logger"
	"stockpilot/metrics"
	"stockpilot/utils"
)

// Evaluation 分批止盈评估结果
type Evaluation struct {
	ShouldExit       bool    `json:"should_exit"`
	SharesToSell     int     `json:"shares_to_sell"`
	TierIndex        int     `json:"tier_index"`         // 命中的档位下标（基于完整档位表）
	Reason           string  `json:"reason,omitempty"`   // 未触发时的原因说明
	NextThresholdPct float64 `json:"next_threshold_pct"` // 下一档所需涨幅（百分点）
}

// Planner 分批止盈计划器
//
// 周期性扫描持仓，涨幅每达到一个档位就卖出剩余持仓的固定比例；
// 首次减仓后可选择把止损上移到买入价（保本止损）。
type Planner struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	executor *Executor
	db       database.Database
	stats    *metrics.StatsCollector
	pm       *metrics.PrometheusMetrics
}

// NewPlanner 创建分批止盈计划器
func NewPlanner(cfg *config.Config, db database.Database, executor *Executor) *Planner {
	return &Planner{
		cfg:      cfg,
		executor: executor,
		db:       db,
		stats:    executor.stats,
		pm:       metrics.GetPrometheusMetrics(),
	}
}

// UpdateConfig 热更新配置
func (p *Planner) UpdateConfig(cfg *config.Config) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
	logger.Info("🔄 [分批止盈] 配置已热更新")
}

func (p *Planner) config() *config.Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// RemainingTiers 返回该持仓尚未执行的档位
func (p *Planner) RemainingTiers(position *database.Position) []config.ExitTier {
	tiers := p.config().PartialExits.Tiers
	if position.PartialExitCount >= len(tiers) {
		return nil
	}
	return tiers[position.PartialExitCount:]
}

// EvaluatePosition 评估持仓是否达到下一档减仓条件
//
// 档位按涨幅升序配置，每个持仓按 PartialExitCount 逐档推进；
// 卖出股数为剩余持仓乘以档位比例后向下取整，不足1股或会清空持仓的
// 档位不执行（清仓走全量平仓路径）。
func (p *Planner) EvaluatePosition(position *database.Position) *Evaluation {
	cfg := p.config()
	if !cfg.PartialExits.Enabled {
		return &Evaluation{Reason: "partial exits disabled"}
	}
	tiers := cfg.PartialExits.Tiers
	if len(tiers) == 0 {
		return &Evaluation{Reason: "no exit tiers configured"}
	}
	if position.PartialExitCount >= len(tiers) {
		return &Evaluation{Reason: "all tiers already executed"}
	}
	if position.CurrentPrice == nil || *position.CurrentPrice <= 0 {
		return &Evaluation{Reason: "current price unknown"}
	}
	price := *position.CurrentPrice
	if position.EntryPrice <= 0 || price <= position.EntryPrice {
		return &Evaluation{Reason: "position not in profit"}
	}

	gain := (price - position.EntryPrice) / position.EntryPrice
	remaining := tiers[position.PartialExitCount:]
	for i, tier := range remaining {
		if gain < tier.GainPct {
			continue
		}
		tierIndex := position.PartialExitCount + i
		sharesToSell := int(math.Floor(float64(position.Shares) * tier.SellFraction))
		if sharesToSell < 1 {
			return &Evaluation{TierIndex: tierIndex, Reason: "computed shares below 1"}
		}
		if sharesToSell >= position.Shares {
			return &Evaluation{TierIndex: tierIndex, Reason: "tier would close entire position"}
		}
		return &Evaluation{
			ShouldExit:       true,
			SharesToSell:     sharesToSell,
			TierIndex:        tierIndex,
			NextThresholdPct: tier.GainPct * 100,
		}
	}

	next := remaining[0].GainPct * 100
	return &Evaluation{
		Reason:           fmt.Sprintf("next tier requires %.1f%% gain (current %.1f%%)", next, gain*100),
		NextThresholdPct: next,
	}
}

// ExecutePartialExit 执行一次分批减仓
//
// 卖出成交后在同一事务中追加减仓交易、扣减持仓股数并推进档位计数。
// 首次减仓且开启保本止损时，撤销原止损单并按剩余股数在买入价重挂。
// 减仓不触发平仓后保护评估，持仓清空走全量平仓路径。
func (p *Planner) ExecutePartialExit(ctx context.Context, symbol, instrumentID string, sharesToSell int, reason, accountScope string) *Result {
	e := p.executor
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return failResult(symbol, "Invalid partial exit parameters")
	}
	if reason == "" {
		reason = database.ExitReasonPartialExit
	}

	unlock := e.lockSymbol(symbol)
	defer unlock()

	release, ok := e.acquireDistLock(ctx, symbol)
	if !ok {
		logger.Warn("🔒 [分批止盈] %s 正在被其他实例交易，跳过本次减仓", symbol)
		return failResult(symbol, "Symbol busy: locked by another instance")
	}
	defer release()

	position, err := e.db.Positions().Get(ctx, symbol)
	if err != nil {
		return failResult(symbol, fmt.Sprintf("Position lookup failed: %v", err))
	}
	if position == nil {
		return failResult(symbol, fmt.Sprintf("No position for %s", symbol))
	}
	if sharesToSell <= 0 || sharesToSell >= position.Shares {
		return failResult(symbol, fmt.Sprintf("Invalid partial exit size: %d of %d", sharesToSell, position.Shares))
	}

	if e.isLive() {
		return p.exitLive(ctx, position, sharesToSell, reason)
	}
	return p.exitDryRun(ctx, position, sharesToSell, reason)
}

// exitDryRun 模拟减仓：当前价可用按当前价成交，否则按买入价
func (p *Planner) exitDryRun(ctx context.Context, position *database.Position, sharesToSell int, reason string) *Result {
	price, ok := p.executor.GetCurrentPrice(ctx, position.Symbol)
	if !ok || price <= 0 {
		if position.CurrentPrice != nil && *position.CurrentPrice > 0 {
			price = *position.CurrentPrice
		} else {
			price = position.EntryPrice
		}
	}
	return p.finalizeExit(ctx, position, sharesToSell, price, reason, utils.GenerateClientOrderID(position.Symbol, string(broker.SideSell)))
}

// exitLive 实盘减仓：市价卖出部分持仓，成交后落地并处理保本止损
func (p *Planner) exitLive(ctx context.Context, position *database.Position, sharesToSell int, reason string) *Result {
	e := p.executor
	symbol := position.Symbol
	if e.client == nil {
		return failResult(symbol, "No broker client configured")
	}

	firstExit := position.PartialExitCount == 0

	clientOrderID := utils.GenerateClientOrderID(symbol, string(broker.SideSell))
	rec := &database.OrderRecord{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		AccountScope:  position.AccountScope,
		Side:          string(broker.SideSell),
		Type:          string(broker.OrderTypeMarket),
		Shares:        sharesToSell,
		Status:        orderStatusSubmitted,
	}
	if err := e.db.Orders().Insert(ctx, rec); err != nil {
		return failResult(symbol, fmt.Sprintf("Failed to record order: %v", err))
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		return failResult(symbol, err.Error())
	}
	submitted, err := e.client.PlaceMarketOrder(ctx, symbol, broker.SideSell, sharesToSell, clientOrderID)
	if err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		e.stats.RecordOrderFailed(false)
		e.pm.RecordOrderFailure(symbol, string(broker.SideSell), "submit")
		logger.Error("❌ [分批止盈] %s 减仓提交失败: %v", symbol, err)
		return failResult(symbol, err.Error())
	}
	rec.BrokerOrderID = &submitted.ID
	e.updateOrder(ctx, rec)
	e.stats.RecordOrderPlaced()

	submittedAt := e.now()
	filled, err := e.waitForFill(ctx, symbol, broker.SideSell, submitted.ID)
	if err != nil {
		// 未成交：订单标记失败，持仓保持原样，下一轮巡检会重试
		e.markOrderFailed(ctx, rec, err.Error())
		e.stats.RecordOrderFailed(errors.Is(err, errFillTimeout))
		e.pm.RecordOrderFailure(symbol, string(broker.SideSell), failureReason(err))
		logger.Error("❌ [分批止盈] %s 减仓未成交: %v", symbol, err)
		return failResult(symbol, err.Error())
	}

	e.markOrderFilled(ctx, rec, filled.FilledAvgPrice, filled.FilledQty)
	e.stats.RecordOrderFilled(e.now().Sub(submittedAt))
	e.pm.RecordOrder(symbol, string(broker.SideSell), e.mode(), orderStatusFilled)

	res := p.finalizeExit(ctx, position, sharesToSell, filled.FilledAvgPrice, reason, clientOrderID)
	if !res.Success {
		return res
	}

	if firstExit && p.config().PartialExits.MoveStopToBreakeven {
		p.moveStopToBreakeven(ctx, position)
	}
	return res
}

// finalizeExit 在单个事务中落地减仓：追加减仓交易、扣减股数、推进档位
func (p *Planner) finalizeExit(ctx context.Context, position *database.Position, sharesToSell int, fillPrice float64, reason, orderID string) *Result {
	e := p.executor
	symbol := position.Symbol
	now := e.now().UTC()
	pnl := (fillPrice - position.EntryPrice) * float64(sharesToSell)
	pnlPct := 0.0
	if position.EntryPrice > 0 {
		pnlPct = (fillPrice/position.EntryPrice - 1) * 100
	}

	exitReason := reason
	trade := &database.Trade{
		Symbol:       symbol,
		AccountScope: position.AccountScope,
		Side:         string(broker.SideSell),
		Shares:       sharesToSell,
		EntryPrice:   position.EntryPrice,
		ExitPrice:    &fillPrice,
		Pnl:          &pnl,
		PnlPct:       &pnlPct,
		EntryTime:    position.EntryTime,
		ExitTime:     &now,
		ExitReason:   &exitReason,
		OrderID:      orderID,
	}

	position.Shares -= sharesToSell
	position.PartialExitCount++

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return failResult(symbol, fmt.Sprintf("Failed to persist partial exit: %v", err))
	}
	if err := tx.Trades().Insert(ctx, trade); err != nil {
		_ = tx.Rollback()
		return failResult(symbol, fmt.Sprintf("Failed to persist partial exit: %v", err))
	}
	if err := tx.Positions().Save(ctx, position); err != nil {
		_ = tx.Rollback()
		return failResult(symbol, fmt.Sprintf("Failed to persist partial exit: %v", err))
	}
	if err := tx.Commit(); err != nil {
		return failResult(symbol, fmt.Sprintf("Failed to persist partial exit: %v", err))
	}

	p.stats.RecordPartialExit()
	p.stats.AddRealizedPnL(pnl)
	p.pm.RecordPartialExit(symbol, strconv.Itoa(position.PartialExitCount))
	p.pm.AddRealizedPnL(symbol, pnl)
	p.pm.RecordTrade(symbol, reason)
	p.pm.SetPositionShares(symbol, position.Shares)
	e.publish(event.EventTypePartialExit, map[string]interface{}{
		"symbol": symbol, "shares": sharesToSell, "price": fillPrice,
		"pnl": pnl, "tier": position.PartialExitCount, "remaining": position.Shares,
	})
	logger.Info("✅ [分批止盈] %s 第%d档卖出 %d股 @ %.2f，盈亏 %+.2f，剩余 %d股",
		symbol, position.PartialExitCount, sharesToSell, fillPrice, pnl, position.Shares)

	return &Result{Success: true, Symbol: symbol, OrderID: orderID, Shares: sharesToSell, Price: fillPrice, Pnl: pnl, PnlPct: pnlPct}
}

// moveStopToBreakeven 首次减仓后把止损上移到买入价
//
// 先撤旧止损单，等待一个固定间隔让撤单在券商端生效，再按剩余股数重挂。
// 重挂失败时原止损已撤销，发布无保护持仓事件等待人工处理。
func (p *Planner) moveStopToBreakeven(ctx context.Context, position *database.Position) {
	e := p.executor
	symbol := position.Symbol

	if position.StopOrderID != nil && *position.StopOrderID != "" {
		if err := e.client.CancelOrder(ctx, *position.StopOrderID); err != nil {
			logger.Warn("⚠️ [分批止盈] 撤销原止损单失败: %s: %v", *position.StopOrderID, err)
		}
	}

	delay := p.config().PartialExits.BreakevenDelayMs
	if delay <= 0 {
		delay = 500
	}
	time.Sleep(time.Duration(delay) * time.Millisecond)

	stopID, err := e.placeStop(ctx, symbol, position.Shares, position.EntryPrice)
	if err != nil {
		logger.Error("❌ [分批止盈] %s 保本止损重挂失败: %v", symbol, err)
		e.publish(event.EventTypeUnprotectedPosition, map[string]interface{}{
			"symbol": symbol, "shares": position.Shares, "stop_error": err.Error(),
		})
		return
	}

	position.StopOrderID = &stopID
	position.StopLoss = position.EntryPrice
	if err := e.db.Positions().Save(ctx, position); err != nil {
		logger.Warn("⚠️ [分批止盈] 保存新止损单ID失败: %s: %v", symbol, err)
	}
	p.pm.RecordBreakevenMove(symbol)
	logger.Info("🛡️ [分批止盈] %s 止损已上移至保本价 %.2f（剩余 %d股）", symbol, position.EntryPrice, position.Shares)
}

// Start 启动分批止盈巡检循环，阻塞直到 ctx 取消
func (p *Planner) Start(ctx context.Context) {
	interval := time.Duration(p.config().PartialExits.CheckIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger.Info("🚀 [分批止盈] 持仓巡检启动，间隔 %s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("🛑 [分批止盈] 持仓巡检退出")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

// runOnce 扫描全部持仓并执行达标的减仓，单个持仓的错误不中断巡检
func (p *Planner) runOnce(ctx context.Context) {
	if !p.config().PartialExits.Enabled {
		return
	}
	positions, err := p.db.Positions().List(ctx)
	if err != nil {
		logger.Warn("⚠️ [分批止盈] 查询持仓失败: %v", err)
		return
	}

	for _, position := range positions {
		if price, ok := p.executor.GetCurrentPrice(ctx, position.Symbol); ok {
			position.CurrentPrice = &price
			p.pm.SetPositionPnL(position.Symbol, (price-position.EntryPrice)*float64(position.Shares))
			if err := p.db.Positions().Save(ctx, position); err != nil {
				logger.Debug("⚠️ [分批止盈] 刷新持仓现价失败: %s: %v", position.Symbol, err)
			}
		}

		eval := p.EvaluatePosition(position)
		if !eval.ShouldExit {
			logger.Debug("ℹ️ [分批止盈] %s 暂不减仓: %s", position.Symbol, eval.Reason)
			continue
		}

		result := p.ExecutePartialExit(ctx, position.Symbol, position.InstrumentID, eval.SharesToSell, database.ExitReasonPartialExit, position.AccountScope)
		if !result.Success {
			logger.Warn("⚠️ [分批止盈] %s 减仓失败: %s", position.Symbol, result.Error)
			continue
		}
		logger.Info("📊 [分批止盈] %s 完成第%d档减仓，卖出 %d股", position.Symbol, eval.TierIndex+1, result.Shares)
	}
}
