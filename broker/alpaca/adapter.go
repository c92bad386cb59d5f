package alpaca

import (
	"context"
	"fmt"
	"time"

	"stockpilot/broker"
	"stockpilot/config"
	"stockpilot/logger"
	"stockpilot/metrics"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
)

// Adapter Alpaca 券商适配器
// 所有调用经过速率限制器，耗时与结果计入 Prometheus 指标
type Adapter struct {
	trading *alpaca.Client
	md      *marketdata.Client
	limiter *rate.Limiter
	pm      *metrics.PrometheusMetrics
	paper   bool
}

// New 创建 Alpaca 适配器
// 凭证与模拟盘开关来自配置（配置校验阶段已完成环境变量回退）
func New(cfg *config.Config) *Adapter {
	baseURL := cfg.Broker.BaseURL
	if baseURL == "" && cfg.Broker.Paper {
		baseURL = paperBaseURL
	}

	ordersPerSecond := cfg.Trading.OrdersPerSecond
	if ordersPerSecond <= 0 {
		ordersPerSecond = 2
	}
	burst := cfg.Trading.OrderRateBurst
	if burst <= 0 {
		burst = 4
	}

	adapter := &Adapter{
		trading: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
			BaseURL:   baseURL,
		}),
		md: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    cfg.Broker.APIKey,
			APISecret: cfg.Broker.APISecret,
			BaseURL:   cfg.Broker.DataURL,
		}),
		limiter: rate.NewLimiter(rate.Limit(ordersPerSecond), burst),
		pm:      metrics.GetPrometheusMetrics(),
		paper:   cfg.Broker.Paper,
	}

	mode := "实盘"
	if cfg.Broker.Paper {
		mode = "模拟盘"
	}
	logger.Info("✅ Alpaca 券商适配器已创建 (%s, 限速 %.1f单/秒)", mode, ordersPerSecond)
	return adapter
}

// Name 券商名称
func (a *Adapter) Name() string {
	if a.paper {
		return "alpaca-paper"
	}
	return "alpaca"
}

// call 带速率限制与指标记录的API调用包装
func (a *Adapter) call(ctx context.Context, endpoint string, fn func() error) error {
	waitStart := time.Now()
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("速率限制等待失败: %w", err)
	}
	a.pm.ObserveRateLimitWait(time.Since(waitStart))

	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	a.pm.RecordAPICall(endpoint, status, time.Since(start))
	return err
}

// GetAccount 查询账户
func (a *Adapter) GetAccount(ctx context.Context) (*broker.Account, error) {
	var acct *alpaca.Account
	err := a.call(ctx, "get_account", func() error {
		var callErr error
		acct, callErr = a.trading.GetAccount()
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("查询账户失败: %w", err)
	}

	return &broker.Account{
		ID:            acct.ID,
		Currency:      acct.Currency,
		Cash:          acct.Cash.InexactFloat64(),
		Equity:        acct.Equity.InexactFloat64(),
		BuyingPower:   acct.BuyingPower.InexactFloat64(),
		DaytradeCount: int(acct.DaytradeCount),
		Blocked:       acct.AccountBlocked || acct.TradingBlocked,
	}, nil
}

// PlaceMarketOrder 市价单（当日有效）
func (a *Adapter) PlaceMarketOrder(ctx context.Context, symbol string, side broker.Side, qty int, clientOrderID string) (*broker.Order, error) {
	return a.placeOrder(ctx, alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           qtyDecimal(qty),
		Side:          mapSide(side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID,
	})
}

// PlaceLimitOrder 限价单（GTC，用于止盈保护单）
func (a *Adapter) PlaceLimitOrder(ctx context.Context, symbol string, side broker.Side, qty int, limitPrice float64, clientOrderID string) (*broker.Order, error) {
	limit := decimal.NewFromFloat(limitPrice)
	return a.placeOrder(ctx, alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           qtyDecimal(qty),
		Side:          mapSide(side),
		Type:          alpaca.Limit,
		TimeInForce:   alpaca.GTC,
		LimitPrice:    &limit,
		ClientOrderID: clientOrderID,
	})
}

// PlaceStopOrder 止损单（GTC，隔夜持仓仍受保护）
func (a *Adapter) PlaceStopOrder(ctx context.Context, symbol string, side broker.Side, qty int, stopPrice float64, clientOrderID string) (*broker.Order, error) {
	stop := decimal.NewFromFloat(stopPrice)
	return a.placeOrder(ctx, alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           qtyDecimal(qty),
		Side:          mapSide(side),
		Type:          alpaca.Stop,
		TimeInForce:   alpaca.GTC,
		StopPrice:     &stop,
		ClientOrderID: clientOrderID,
	})
}

func (a *Adapter) placeOrder(ctx context.Context, req alpaca.PlaceOrderRequest) (*broker.Order, error) {
	var order *alpaca.Order
	err := a.call(ctx, "place_order", func() error {
		var callErr error
		order, callErr = a.trading.PlaceOrder(req)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("下单失败: %w", err)
	}
	return mapOrder(order), nil
}

// GetOrder 查询订单
func (a *Adapter) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	var order *alpaca.Order
	err := a.call(ctx, "get_order", func() error {
		var callErr error
		order, callErr = a.trading.GetOrder(orderID)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	return mapOrder(order), nil
}

// CancelOrder 取消订单
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	err := a.call(ctx, "cancel_order", func() error {
		return a.trading.CancelOrder(orderID)
	})
	if err != nil {
		return fmt.Errorf("取消订单失败: %w", err)
	}
	return nil
}

// GetLatestPrice 查询最新成交价
func (a *Adapter) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	var trade *marketdata.Trade
	err := a.call(ctx, "get_latest_trade", func() error {
		var callErr error
		trade, callErr = a.md.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		return callErr
	})
	if err != nil {
		return 0, fmt.Errorf("查询最新成交价失败: %w", err)
	}
	if trade == nil || trade.Price <= 0 {
		return 0, fmt.Errorf("无 %s 的最新成交价", symbol)
	}
	return trade.Price, nil
}

// 类型映射

func qtyDecimal(qty int) *decimal.Decimal {
	d := decimal.NewFromInt(int64(qty))
	return &d
}

func mapSide(side broker.Side) alpaca.Side {
	if side == broker.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

// mapStatus 将 Alpaca 订单状态归一化
// 非终态（new/accepted/pending_*等）统一按已提交处理
func mapStatus(status string) broker.OrderStatus {
	switch status {
	case "filled":
		return broker.OrderStatusFilled
	case "partially_filled":
		return broker.OrderStatusPartiallyFilled
	case "canceled", "done_for_day":
		return broker.OrderStatusCancelled
	case "rejected", "suspended":
		return broker.OrderStatusRejected
	case "expired":
		return broker.OrderStatusExpired
	default:
		return broker.OrderStatusSubmitted
	}
}

func mapType(orderType alpaca.OrderType) broker.OrderType {
	switch orderType {
	case alpaca.Limit:
		return broker.OrderTypeLimit
	case alpaca.Stop:
		return broker.OrderTypeStop
	default:
		return broker.OrderTypeMarket
	}
}

// mapOrder 转换订单，空指针字段按零值处理
func mapOrder(o *alpaca.Order) *broker.Order {
	if o == nil {
		return nil
	}

	result := &broker.Order{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Type:          mapType(o.Type),
		Status:        mapStatus(string(o.Status)),
		CreatedAt:     o.CreatedAt,
		FilledAt:      o.FilledAt,
	}
	if o.Side == alpaca.Sell {
		result.Side = broker.SideSell
	} else {
		result.Side = broker.SideBuy
	}
	if o.Qty != nil {
		result.Qty = int(o.Qty.IntPart())
	}
	result.FilledQty = int(o.FilledQty.IntPart())
	if o.FilledAvgPrice != nil {
		result.FilledAvgPrice = o.FilledAvgPrice.InexactFloat64()
	}
	if o.LimitPrice != nil {
		result.LimitPrice = o.LimitPrice.InexactFloat64()
	}
	if o.StopPrice != nil {
		result.StopPrice = o.StopPrice.InexactFloat64()
	}
	return result
}
