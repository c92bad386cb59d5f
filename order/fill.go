package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"stockpilot/broker"
	"stockpilot/event"
	"stockpilot/logger"
)

// errFillTimeout 等待成交超时（含撤单成功、以及撤单失败后最终对账仍未成交的情况）
var errFillTimeout = errors.New("Order fill timeout")

// fillUsable 订单是否已成交且均价/数量可用
func fillUsable(o *broker.Order) bool {
	return o != nil && o.Status == broker.OrderStatusFilled && o.FilledAvgPrice > 0 && o.FilledQty > 0
}

// waitForFill 轮询券商订单直到成交、进入终态或超时
//
// 超时后先撤单：撤单成功按超时失败处理；撤单失败说明订单可能已在券商侧成交，
// 再做一次最终查询对账，查到可用成交则按成交返回，否则仍按超时失败处理。
func (e *Executor) waitForFill(ctx context.Context, symbol string, side broker.Side, brokerOrderID string) (*broker.Order, error) {
	poll := e.pollInterval()
	timeout := e.orderTimeout()
	start := e.now()
	deadline := start.Add(timeout)

	for {
		order, err := e.client.GetOrder(ctx, brokerOrderID)
		switch {
		case err != nil || order == nil:
			logger.Warn("⚠️ [执行] 查询订单状态失败: %s: %v", brokerOrderID, err)
		case fillUsable(order):
			e.pm.RecordFillDuration(symbol, string(side), e.now().Sub(start))
			return order, nil
		case order.Status == broker.OrderStatusFilled:
			// 状态已是成交但均价/数量尚未同步，继续轮询等数据就绪
			logger.Debug("🔄 [执行] 订单 %s 已成交，等待成交明细同步", brokerOrderID)
		case order.Status.IsTerminal():
			return nil, fmt.Errorf("Order %s: %s", brokerOrderID, order.Status)
		}

		if !e.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}

	logger.Warn("⏳ [执行] 订单 %s 等待成交超时（%s），尝试撤单", brokerOrderID, timeout)
	if err := e.client.CancelOrder(ctx, brokerOrderID); err != nil {
		// 撤单失败通常意味着订单已到终态，最后查一次防止成交被当作超时丢弃
		logger.Warn("⚠️ [执行] 撤单失败: %s: %v，做最终状态对账", brokerOrderID, err)
		if order, gerr := e.client.GetOrder(ctx, brokerOrderID); gerr == nil && fillUsable(order) {
			logger.Info("✅ [执行] 对账发现订单 %s 已成交 @ %.2f", brokerOrderID, order.FilledAvgPrice)
			e.pm.RecordFillDuration(symbol, string(side), e.now().Sub(start))
			return order, nil
		}
	} else {
		e.publish(event.EventTypeOrderCanceled, map[string]interface{}{
			"symbol":          symbol,
			"side":            string(side),
			"broker_order_id": brokerOrderID,
			"reason":          "fill_timeout",
		})
	}

	e.pm.RecordOrderTimeout(symbol, string(side))
	return nil, errFillTimeout
}
