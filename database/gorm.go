package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db    *gorm.DB
	scope string // 账户范围（paper / live），所有读写都限定在此范围内
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
	AccountScope    string        // paper / live
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&Position{},
		&Trade{},
		&PairLock{},
		&OrderRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	scope := config.AccountScope
	if scope == "" {
		scope = "paper"
	}

	return &GormDatabase{db: db, scope: scope}, nil
}

// Positions 持仓仓储
func (g *GormDatabase) Positions() PositionRepo {
	return &positionRepo{db: g.db, scope: g.scope}
}

// Trades 交易记录仓储
func (g *GormDatabase) Trades() TradeRepo {
	return &tradeRepo{db: g.db, scope: g.scope}
}

// Locks 交易对锁仓储
func (g *GormDatabase) Locks() LockRepo {
	return &lockRepo{db: g.db, scope: g.scope}
}

// Orders 订单记录仓储
func (g *GormDatabase) Orders() OrderRepo {
	return &orderRepo{db: g.db, scope: g.scope}
}

// BeginTx 开始事务
func (g *GormDatabase) BeginTx(ctx context.Context) (Tx, error) {
	tx := g.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &GormTx{GormDatabase: GormDatabase{db: tx, scope: g.scope}}, nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormTx GORM 事务实现
// 内嵌 GormDatabase，事务内可使用全部仓储操作
type GormTx struct {
	GormDatabase
}

func (t *GormTx) Commit() error {
	return t.db.Commit().Error
}

func (t *GormTx) Rollback() error {
	return t.db.Rollback().Error
}

// BeginTx 事务内不支持嵌套事务
func (t *GormTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// ==================== PositionRepo ====================

type positionRepo struct {
	db    *gorm.DB
	scope string
}

func (r *positionRepo) Save(ctx context.Context, position *Position) error {
	position.AccountScope = r.scope
	return r.db.WithContext(ctx).Save(position).Error
}

func (r *positionRepo) Get(ctx context.Context, symbol string) (*Position, error) {
	var position Position
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND account_scope = ?", symbol, r.scope).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &position, nil
}

func (r *positionRepo) List(ctx context.Context) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("account_scope = ?", r.scope).
		Order("symbol ASC").
		Find(&positions).Error
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (r *positionRepo) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Position{}).
		Where("account_scope = ?", r.scope).
		Count(&count).Error
	return count, err
}

func (r *positionRepo) Delete(ctx context.Context, symbol string) error {
	return r.db.WithContext(ctx).
		Where("symbol = ? AND account_scope = ?", symbol, r.scope).
		Delete(&Position{}).Error
}

// ==================== TradeRepo ====================

type tradeRepo struct {
	db    *gorm.DB
	scope string
}

func (r *tradeRepo) Insert(ctx context.Context, trade *Trade) error {
	trade.AccountScope = r.scope
	return r.db.WithContext(ctx).Create(trade).Error
}

func (r *tradeRepo) Update(ctx context.Context, trade *Trade) error {
	trade.AccountScope = r.scope
	return r.db.WithContext(ctx).Save(trade).Error
}

func (r *tradeRepo) GetOpenBySymbol(ctx context.Context, symbol string) (*Trade, error) {
	var trade Trade
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND account_scope = ? AND exit_time IS NULL", symbol, r.scope).
		Order("entry_time DESC").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

func (r *tradeRepo) RecentClosed(ctx context.Context, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []*Trade
	err := r.db.WithContext(ctx).
		Where("account_scope = ? AND exit_time IS NOT NULL", r.scope).
		Order("exit_time DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (r *tradeRepo) ClosedSince(ctx context.Context, since time.Time) ([]*Trade, error) {
	var trades []*Trade
	err := r.db.WithContext(ctx).
		Where("account_scope = ? AND exit_time IS NOT NULL AND exit_time >= ?", r.scope, since).
		Order("exit_time ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (r *tradeRepo) ClosedBySymbolSince(ctx context.Context, symbol string, since time.Time) ([]*Trade, error) {
	var trades []*Trade
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND account_scope = ? AND exit_time IS NOT NULL AND exit_time >= ?", symbol, r.scope, since).
		Order("exit_time ASC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

func (r *tradeRepo) Recent(ctx context.Context, limit, offset int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	var trades []*Trade
	err := r.db.WithContext(ctx).
		Where("account_scope = ?", r.scope).
		Order("entry_time DESC").
		Limit(limit).
		Offset(offset).
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// ==================== LockRepo ====================

type lockRepo struct {
	db    *gorm.DB
	scope string
}

func (r *lockRepo) Insert(ctx context.Context, lock *PairLock) error {
	lock.AccountScope = r.scope
	return r.db.WithContext(ctx).Create(lock).Error
}

func (r *lockRepo) ActiveAt(ctx context.Context, now time.Time) ([]*PairLock, error) {
	var locks []*PairLock
	err := r.db.WithContext(ctx).
		Where("account_scope = ? AND active = ? AND lock_end > ?", r.scope, true, now).
		Order("lock_end DESC").
		Find(&locks).Error
	if err != nil {
		return nil, err
	}
	return locks, nil
}

func (r *lockRepo) ActiveFor(ctx context.Context, scope string, now time.Time) ([]*PairLock, error) {
	var locks []*PairLock
	err := r.db.WithContext(ctx).
		Where("scope = ? AND account_scope = ? AND active = ? AND lock_end > ?", scope, r.scope, true, now).
		Order("lock_end DESC").
		Find(&locks).Error
	if err != nil {
		return nil, err
	}
	return locks, nil
}

func (r *lockRepo) DeactivateFor(ctx context.Context, scope string, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&PairLock{}).
		Where("scope = ? AND account_scope = ? AND active = ? AND lock_end > ?", scope, r.scope, true, now).
		Update("active", false)
	return result.RowsAffected, result.Error
}

func (r *lockRepo) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Model(&PairLock{}).
		Where("account_scope = ? AND active = ? AND lock_end <= ?", r.scope, true, now).
		Update("active", false)
	return result.RowsAffected, result.Error
}

// ==================== OrderRepo ====================

type orderRepo struct {
	db    *gorm.DB
	scope string
}

func (r *orderRepo) Insert(ctx context.Context, order *OrderRecord) error {
	order.AccountScope = r.scope
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *orderRepo) Update(ctx context.Context, order *OrderRecord) error {
	order.AccountScope = r.scope
	return r.db.WithContext(ctx).Save(order).Error
}

func (r *orderRepo) GetByClientID(ctx context.Context, clientOrderID string) (*OrderRecord, error) {
	var order OrderRecord
	err := r.db.WithContext(ctx).
		Where("client_order_id = ?", clientOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepo) Recent(ctx context.Context, limit, offset int) ([]*OrderRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var orders []*OrderRecord
	err := r.db.WithContext(ctx).
		Where("account_scope = ?", r.scope).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
