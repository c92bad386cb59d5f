package web

import (
	"context"
	"time"

	"stockpilot/database"
	"stockpilot/event"
	"stockpilot/metrics"
	"stockpilot/order"
	"stockpilot/risk"
	"stockpilot/storage"
)

// StatusInfo 系统运行状态
type StatusInfo struct {
	Running              bool                  `json:"running"`
	Version              string                `json:"version"`
	Mode                 string                `json:"mode"` // paper / live
	Broker               string                `json:"broker"`
	Symbols              []string              `json:"symbols"`
	StartedAt            time.Time             `json:"started_at"`
	Uptime               int64                 `json:"uptime"` // 运行时间（秒）
	QuoteStreamConnected bool                  `json:"quote_stream_connected"`
	Stats                *metrics.TradingStats `json:"stats,omitempty"`
}

// PositionProvider 持仓数据提供者
type PositionProvider interface {
	List(ctx context.Context) ([]*database.Position, error)
}

// TradeProvider 交易记录提供者
type TradeProvider interface {
	Recent(ctx context.Context, limit, offset int) ([]*database.Trade, error)
}

// OrderProvider 订单记录提供者
type OrderProvider interface {
	Recent(ctx context.Context, limit, offset int) ([]*database.OrderRecord, error)
}

// LockProvider 交易锁提供者
type LockProvider interface {
	Lock(ctx context.Context, symbol string, duration time.Duration, reason, side string) error
	LockGlobal(ctx context.Context, duration time.Duration, reason, side string) error
	ListActive(ctx context.Context) ([]*database.PairLock, error)
	Unlock(ctx context.Context, symbol string) error
}

// PriceProvider 实时价格提供者
type PriceProvider interface {
	Price(ctx context.Context, symbol string) (float64, bool)
}

// EventProvider 近期事件提供者
type EventProvider interface {
	Recent(limit int) []*event.Event
}

// MetricsStorageProvider 已落盘的事件与系统指标提供者
type MetricsStorageProvider interface {
	QueryEvents(eventType string, limit, offset int) ([]*storage.Event, error)
	GetLatestSystemMetrics() (*storage.SystemMetrics, error)
	QueryDailySystemMetrics(days int) ([]*storage.DailySystemMetrics, error)
}

// RiskProvider 风控校验能力（risk.Validator 满足）
type RiskProvider interface {
	Snapshot(ctx context.Context) *risk.Portfolio
	Validate(ctx context.Context, proposal *risk.Proposal, portfolio *risk.Portfolio) *risk.Result
}

// ExecutorProvider 订单执行能力（order.Executor 满足）
type ExecutorProvider interface {
	ExecuteClose(ctx context.Context, params *order.CloseParams) *order.Result
}

// LogProvider 运行日志查询与实时订阅能力（storage.LogStorage 满足）
type LogProvider interface {
	GetLogs(params storage.LogQueryParams) ([]*storage.LogRecord, int, error)
	GetLogStats() (map[string]interface{}, error)
	Subscribe(buffer int) (int, <-chan *storage.LogRecord)
	Unsubscribe(id int)
}

// 全局提供者（由 main.go 注入）
var (
	statusProvider   func() *StatusInfo
	positionProvider PositionProvider
	tradeProvider    TradeProvider
	orderProvider    OrderProvider
	lockProvider     LockProvider
	priceProvider    PriceProvider
	eventProvider    EventProvider
	storageProvider  MetricsStorageProvider
	riskProvider     RiskProvider
	executorProvider ExecutorProvider
	logProvider      LogProvider
)

// SetStatusProvider 设置状态提供者
func SetStatusProvider(fn func() *StatusInfo) {
	statusProvider = fn
}

// SetPositionProvider 设置持仓提供者
func SetPositionProvider(provider PositionProvider) {
	positionProvider = provider
}

// SetTradeProvider 设置交易记录提供者
func SetTradeProvider(provider TradeProvider) {
	tradeProvider = provider
}

// SetOrderProvider 设置订单记录提供者
func SetOrderProvider(provider OrderProvider) {
	orderProvider = provider
}

// SetLockProvider 设置交易锁提供者
func SetLockProvider(provider LockProvider) {
	lockProvider = provider
}

// SetPriceProvider 设置价格提供者
func SetPriceProvider(provider PriceProvider) {
	priceProvider = provider
}

// SetEventProvider 设置事件提供者
func SetEventProvider(provider EventProvider) {
	eventProvider = provider
}

// SetStorageProvider 设置存储查询提供者
func SetStorageProvider(provider MetricsStorageProvider) {
	storageProvider = provider
}

// SetRiskProvider 设置风控校验提供者
func SetRiskProvider(provider RiskProvider) {
	riskProvider = provider
}

// SetExecutorProvider 设置订单执行提供者
func SetExecutorProvider(provider ExecutorProvider) {
	executorProvider = provider
}

// SetLogProvider 设置日志提供者
func SetLogProvider(provider LogProvider) {
	logProvider = provider
}
