package database

import (
	"context"
	"time"
)

// Database 数据库接口
type Database interface {
	Positions() PositionRepo
	Trades() TradeRepo
	Locks() LockRepo
	Orders() OrderRepo

	// 事务支持
	BeginTx(ctx context.Context) (Tx, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// Tx 事务接口
type Tx interface {
	Database // 继承所有数据库操作
	Commit() error
	Rollback() error
}

// PositionRepo 持仓仓储
type PositionRepo interface {
	Save(ctx context.Context, position *Position) error
	// Get 按标的查询持仓，未找到时返回 (nil, nil)
	Get(ctx context.Context, symbol string) (*Position, error)
	List(ctx context.Context) ([]*Position, error)
	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, symbol string) error
}

// TradeRepo 交易记录仓储
type TradeRepo interface {
	Insert(ctx context.Context, trade *Trade) error
	Update(ctx context.Context, trade *Trade) error
	// GetOpenBySymbol 查询某标的未平仓的交易记录，未找到时返回 (nil, nil)
	GetOpenBySymbol(ctx context.Context, symbol string) (*Trade, error)
	// RecentClosed 按平仓时间倒序返回最近的已平仓记录
	RecentClosed(ctx context.Context, limit int) ([]*Trade, error)
	// ClosedSince 返回指定时间之后平仓的记录，按平仓时间升序
	ClosedSince(ctx context.Context, since time.Time) ([]*Trade, error)
	// ClosedBySymbolSince 返回某标的在指定时间之后平仓的记录
	ClosedBySymbolSince(ctx context.Context, symbol string, since time.Time) ([]*Trade, error)
	Recent(ctx context.Context, limit, offset int) ([]*Trade, error)
}

// LockRepo 交易对锁仓储
type LockRepo interface {
	Insert(ctx context.Context, lock *PairLock) error
	// ActiveAt 返回指定时刻仍然生效的锁
	ActiveAt(ctx context.Context, now time.Time) ([]*PairLock, error)
	// ActiveFor 返回指定作用域（标的或 "*"）在指定时刻生效的锁
	ActiveFor(ctx context.Context, scope string, now time.Time) ([]*PairLock, error)
	// DeactivateFor 停用某作用域的所有生效锁，返回停用数量
	DeactivateFor(ctx context.Context, scope string, now time.Time) (int64, error)
	// DeactivateExpired 停用所有已过期的锁，返回停用数量
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// OrderRepo 订单记录仓储
type OrderRepo interface {
	Insert(ctx context.Context, order *OrderRecord) error
	Update(ctx context.Context, order *OrderRecord) error
	// GetByClientID 按客户端订单号查询，未找到时返回 (nil, nil)
	GetByClientID(ctx context.Context, clientOrderID string) (*OrderRecord, error)
	Recent(ctx context.Context, limit, offset int) ([]*OrderRecord, error)
}

// 平仓原因，写入 Trade.ExitReason
const (
	ExitReasonStopLoss     = "stop_loss"
	ExitReasonTrailingStop = "trailing_stop_loss"
	ExitReasonTakeProfit   = "take_profit"
	ExitReasonPartialExit  = "partial_exit"
	ExitReasonSignal       = "signal"
	ExitReasonManual       = "manual"
	ExitReasonEmergency    = "emergency_exit"
)

// 数据模型

// Position 持仓记录
// 同一账户范围内每个标的最多一条记录
type Position struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol            string     `gorm:"uniqueIndex:idx_symbol_scope;size:20" json:"symbol"`
	AccountScope      string     `gorm:"uniqueIndex:idx_symbol_scope;size:10" json:"account_scope"` // paper, live
	InstrumentID      string     `gorm:"size:50" json:"instrument_id"`
	Sector            string     `gorm:"size:30" json:"sector"` // 行业标签，来自配置映射
	Shares            int        `json:"shares"`
	EntryPrice        float64    `json:"entry_price"`
	CurrentPrice      *float64   `json:"current_price"`
	StopLoss          float64    `json:"stop_loss"`
	TrailingStop      *float64   `json:"trailing_stop"`
	TakeProfit        float64    `json:"take_profit"`
	StopOrderID       *string    `gorm:"size:100" json:"stop_order_id"`
	TakeProfitOrderID *string    `gorm:"size:100" json:"take_profit_order_id"`
	PartialExitCount  int        `json:"partial_exit_count"`
	EntryTime         time.Time  `json:"entry_time"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Trade 交易记录
// 买入时写入开仓字段，全量平仓时回填平仓字段；分批止盈追加独立的减仓记录
type Trade struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol       string     `gorm:"index:idx_trades_symbol_exit;size:20" json:"symbol"`
	AccountScope string     `gorm:"index;size:10" json:"account_scope"`
	Side         string     `gorm:"size:10" json:"side"` // BUY
	Shares       int        `json:"shares"`
	EntryPrice   float64    `json:"entry_price"`
	ExitPrice    *float64   `json:"exit_price"`
	Pnl          *float64   `json:"pnl"`
	PnlPct       *float64   `json:"pnl_pct"`
	EntryTime    time.Time  `gorm:"index" json:"entry_time"`
	ExitTime     *time.Time `gorm:"index:idx_trades_symbol_exit" json:"exit_time"`
	ExitReason   *string    `gorm:"size:50" json:"exit_reason"`
	OrderID      string     `gorm:"index;size:100" json:"order_id"`
	StopLoss     float64    `json:"stop_loss"`
	TakeProfit   float64    `json:"take_profit"`
	Slippage     *float64   `json:"slippage"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PairLock 交易对锁记录
// 锁只做软停用，保留完整历史
type PairLock struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Scope        string    `gorm:"index:idx_locks_scope_active;size:20" json:"scope"` // 标的或 "*"（全局）
	Side         string    `gorm:"size:10" json:"side"`                              // long, short, *
	Reason       string    `gorm:"size:100" json:"reason"`
	LockEnd      time.Time `gorm:"index" json:"lock_end"`
	Active       bool      `gorm:"index:idx_locks_scope_active" json:"active"`
	AccountScope string    `gorm:"size:10" json:"account_scope"`
	CreatedAt    time.Time `json:"created_at"`
}

// OrderRecord 订单记录
type OrderRecord struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientOrderID string    `gorm:"uniqueIndex;size:100" json:"client_order_id"`
	BrokerOrderID *string   `gorm:"index;size:100" json:"broker_order_id"`
	Symbol        string    `gorm:"index;size:20" json:"symbol"`
	AccountScope  string    `gorm:"size:10" json:"account_scope"`
	Side          string    `gorm:"size:10" json:"side"` // BUY, SELL
	Type          string    `gorm:"size:20" json:"type"` // MARKET, LIMIT, STOP
	Shares        int       `json:"shares"`
	LimitPrice    *float64  `json:"limit_price"`
	StopPrice     *float64  `json:"stop_price"`
	Status        string    `gorm:"index;size:20" json:"status"` // submitted, filled, cancelled, rejected, expired, failed
	FilledPrice   *float64  `json:"filled_price"`
	FilledShares  int       `json:"filled_shares"`
	FailureReason *string   `gorm:"size:200" json:"failure_reason"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
