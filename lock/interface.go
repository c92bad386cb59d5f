package lock

import (
	"context"
	"time"
)

// DistributedLock 跨实例互斥原语
//
// 多实例部署时防止两个进程同时对同一标的下单。
// 单实例部署使用空实现，所有操作直接成功。
type DistributedLock interface {
	// Lock 阻塞获取锁，直到成功或 ctx 取消
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 非阻塞获取锁，返回是否成功
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放当前实例持有的锁
	Unlock(ctx context.Context, key string) error

	// Extend 为持有中的锁续期
	Extend(ctx context.Context, key string, ttl time.Duration) error

	// Close 释放底层连接
	Close() error
}

// localLock 单实例空实现
type localLock struct{}

// NewLocalLock 创建进程内空锁，所有操作立即成功
func NewLocalLock() DistributedLock { return localLock{} }

func (localLock) Lock(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (localLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (localLock) Unlock(ctx context.Context, key string) error { return nil }

func (localLock) Extend(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (localLock) Close() error { return nil }
