package risk

import (
	"context"
	"time"

	"stockpilot/event"
	"stockpilot/logger"
)

// EventSink 定义巡检告警的发布出口（event.Center 满足）
type EventSink interface {
	PublishEvent(eventType event.EventType, data map[string]interface{})
}

// StartSentinel 启动组合风险巡检循环
//
// 周期性组装组合快照，当日亏损达到暂停阈值或组合回撤超过告警阈值时
// 发布 risk_alert 事件。巡检只负责暴露状态：是否暂停开仓由决策端
// 消费 CheckDailyLoss 的结果决定，这里不锁任何交易对。
func (v *Validator) StartSentinel(ctx context.Context, interval time.Duration, events EventSink) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go v.sentinelLoop(ctx, interval, events)
}

func (v *Validator) sentinelLoop(ctx context.Context, interval time.Duration, events EventSink) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("✅ 组合风险巡检已启动 (间隔: %v)", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.patrol(ctx, events)
		}
	}
}

// patrol 执行一轮巡检，超限状态沿触发告警事件
func (v *Validator) patrol(ctx context.Context, events EventSink) {
	portfolio := v.Snapshot(ctx)

	dailyLoss := v.CheckDailyLoss(portfolio)
	drawdown := v.CheckDrawdown(portfolio)

	v.mu.Lock()
	newDailyLoss := dailyLoss && !v.inDailyLossBreach
	newDrawdown := drawdown && !v.inDrawdownBreach
	if !dailyLoss && v.inDailyLossBreach {
		logger.Info("✅ [风控] 当日亏损已回到暂停阈值以内")
	}
	v.inDailyLossBreach = dailyLoss
	v.inDrawdownBreach = drawdown
	v.mu.Unlock()

	if events == nil {
		return
	}

	if newDailyLoss {
		events.PublishEvent(event.EventTypeRiskAlert, map[string]interface{}{
			"alert":         "daily_loss",
			"today_pnl":     portfolio.TodayPnl,
			"today_pnl_pct": portfolio.TodayPnlPct,
			"total_value":   portfolio.TotalValue,
		})
	}

	if newDrawdown {
		events.PublishEvent(event.EventTypeRiskAlert, map[string]interface{}{
			"alert":       "drawdown",
			"peak_value":  portfolio.PeakValue,
			"total_value": portfolio.TotalValue,
		})
	}
}
