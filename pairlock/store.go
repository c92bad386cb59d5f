package pairlock

import (
	"context"
	"time"

	"stockpilot/database"
	"stockpilot/logger"
	"stockpilot/metrics"
)

const (
	// GlobalScope 全局锁作用域
	GlobalScope = "*"
	// SideAll 不区分方向
	SideAll = "*"
	// SideLong 仅锁定做多方向
	SideLong = "long"
	// SideShort 仅锁定做空（卖出）方向
	SideShort = "short"
	// DefaultReason 未提供原因时的默认锁定原因
	DefaultReason = "Trading locked"
)

// Store 交易对锁存储
// 锁定记录持久化在数据库中，解锁只做软停用，保留完整历史
type Store struct {
	locks database.LockRepo
	pm    *metrics.PrometheusMetrics
	now   func() time.Time
}

// NewStore 创建交易对锁存储
func NewStore(locks database.LockRepo) *Store {
	return &Store{
		locks: locks,
		pm:    metrics.GetPrometheusMetrics(),
		now:   time.Now,
	}
}

// Lock 锁定标的一段时间
// side 为 "long"、"short" 或 "*"（两个方向）
func (s *Store) Lock(ctx context.Context, symbol string, duration time.Duration, reason, side string) error {
	return s.insert(ctx, symbol, s.now().Add(duration), reason, side)
}

// LockGlobal 锁定所有标的一段时间
func (s *Store) LockGlobal(ctx context.Context, duration time.Duration, reason, side string) error {
	return s.insert(ctx, GlobalScope, s.now().Add(duration), reason, side)
}

func (s *Store) insert(ctx context.Context, scope string, until time.Time, reason, side string) error {
	if reason == "" {
		reason = DefaultReason
	}
	if side == "" {
		side = SideAll
	}

	lock := &database.PairLock{
		Scope:   scope,
		Side:    side,
		Reason:  reason,
		LockEnd: until.UTC(),
		Active:  true,
	}
	if err := s.locks.Insert(ctx, lock); err != nil {
		logger.Error("❌ 写入交易对锁失败: %s 原因=%s: %v", scope, reason, err)
		return err
	}

	s.pm.RecordPairLock(scope, reason)
	logger.Info("🔒 已锁定 %s [%s] 至 %s, 原因: %s", scope, side, until.Format("2006-01-02 15:04:05"), reason)
	return nil
}

// IsLocked 查询标的在指定方向上是否被锁定
// 依次检查标的锁和全局锁；查询失败按未锁定处理，不阻断交易流程
func (s *Store) IsLocked(ctx context.Context, symbol, side string) (bool, string) {
	if side == "" {
		side = SideAll
	}
	now := s.now().UTC()

	scopes := []string{symbol, GlobalScope}
	for _, scope := range scopes {
		locks, err := s.locks.ActiveFor(ctx, scope, now)
		if err != nil {
			logger.Warn("⚠️ 查询交易对锁失败: %s: %v", scope, err)
			continue
		}
		for _, lock := range locks {
			if sidesMatch(lock.Side, side) {
				return true, lock.Reason
			}
		}
	}

	return false, ""
}

// IsGloballyLocked 查询指定方向上是否存在全局锁
func (s *Store) IsGloballyLocked(ctx context.Context, side string) (bool, string) {
	if side == "" {
		side = SideAll
	}
	now := s.now().UTC()

	locks, err := s.locks.ActiveFor(ctx, GlobalScope, now)
	if err != nil {
		logger.Warn("⚠️ 查询全局锁失败: %v", err)
		return false, ""
	}
	for _, lock := range locks {
		if sidesMatch(lock.Side, side) {
			return true, lock.Reason
		}
	}

	return false, ""
}

// ListActive 列出所有生效中的锁
func (s *Store) ListActive(ctx context.Context) ([]*database.PairLock, error) {
	locks, err := s.locks.ActiveAt(ctx, s.now().UTC())
	if err != nil {
		logger.Warn("⚠️ 列出交易对锁失败: %v", err)
		return nil, err
	}
	s.pm.SetActivePairLocks(len(locks))
	return locks, nil
}

// Unlock 解除某标的的所有生效锁（软停用）
// symbol 传 "*" 时解除全局锁
func (s *Store) Unlock(ctx context.Context, symbol string) error {
	n, err := s.locks.DeactivateFor(ctx, symbol, s.now().UTC())
	if err != nil {
		logger.Error("❌ 解锁失败: %s: %v", symbol, err)
		return err
	}
	if n > 0 {
		logger.Info("🔓 已解锁 %s (%d 个锁)", symbol, n)
	}
	return nil
}

// SweepExpired 停用所有已到期的锁，返回停用数量
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.locks.DeactivateExpired(ctx, s.now().UTC())
	if err != nil {
		logger.Warn("⚠️ 清理过期锁失败: %v", err)
		return 0, err
	}
	if n > 0 {
		logger.Debug("🔄 已清理 %d 个过期锁", n)
	}
	return n, nil
}

// StartSweeper 启动后台过期锁清理循环
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.SweepExpired(ctx)
			}
		}
	}()
}

// sidesMatch 判断锁方向与查询方向是否匹配
// 任意一侧为 "*" 时视为匹配
func sidesMatch(lockSide, querySide string) bool {
	return lockSide == SideAll || querySide == SideAll || lockSide == querySide
}
