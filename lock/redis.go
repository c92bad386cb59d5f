package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// 释放和续期只允许持有对应 token 的实例执行，避免误删其他实例的锁
var (
	unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLock 基于 SetNX + token 的 Redis 分布式锁
type RedisLock struct {
	client *redis.Client
	prefix string

	mu   sync.Mutex
	held map[string]string // key → 持有 token
}

// NewRedisLock 创建 Redis 分布式锁
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{
		client: client,
		prefix: prefix,
		held:   make(map[string]string),
	}
}

// newToken 生成锁持有者标识
func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// TryLock 非阻塞获取锁
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := newToken()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if ok {
		r.remember(key, token)
	}
	return ok, nil
}

// Lock 阻塞获取锁：先立即尝试一次，之后每 100ms 重试，直到成功或 ctx 取消
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Unlock 释放锁
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	token, ok := r.heldToken(key)
	if !ok {
		return fmt.Errorf("lock not held: %s", key)
	}

	n, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, token).Int64()
	if err != nil {
		return fmt.Errorf("redis unlock failed: %w", err)
	}
	r.forget(key)
	if n == 0 {
		return fmt.Errorf("lock not held or expired: %s", key)
	}
	return nil
}

// Extend 为持有中的锁续期
func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	token, ok := r.heldToken(key)
	if !ok {
		return fmt.Errorf("lock not held: %s", key)
	}

	n, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, token, int(ttl.Seconds())).Int64()
	if err != nil {
		return fmt.Errorf("redis extend failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock not held or expired: %s", key)
	}
	return nil
}

// Ping 检查 Redis 连通性
func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (r *RedisLock) Close() error {
	return r.client.Close()
}

func (r *RedisLock) remember(key, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.held[key] = token
}

func (r *RedisLock) heldToken(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.held[key]
	return token, ok
}

func (r *RedisLock) forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, key)
}
