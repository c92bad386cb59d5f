package broker

import (
	"context"
	"time"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// OrderStatus 订单状态（券商状态归一化后的值）
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal 订单是否已到达终态
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order 券商订单
type Order struct {
	ID             string // 券商订单ID
	ClientOrderID  string
	Symbol         string
	Side           Side
	Type           OrderType
	Qty            int
	FilledQty      int
	FilledAvgPrice float64 // 0 表示未知
	LimitPrice     float64
	StopPrice      float64
	Status         OrderStatus
	CreatedAt      time.Time
	FilledAt       *time.Time
}

// Account 券商账户快照
type Account struct {
	ID            string
	Currency      string
	Cash          float64
	Equity        float64
	BuyingPower   float64
	DaytradeCount int
	Blocked       bool
}

// Client 券商接口
// 市价单当日有效；止损/止盈保护单挂 GTC，隔夜持仓仍受保护
type Client interface {
	Name() string
	GetAccount(ctx context.Context) (*Account, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty int, clientOrderID string) (*Order, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side Side, qty int, limitPrice float64, clientOrderID string) (*Order, error)
	PlaceStopOrder(ctx context.Context, symbol string, side Side, qty int, stopPrice float64, clientOrderID string) (*Order, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}
