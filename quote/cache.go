package quote

import (
	"sync"
	"time"

	"stockpilot/metrics"
)

// pricePoint 一条缓存的价格
type pricePoint struct {
	price     float64
	updatedAt time.Time
}

// Cache 实时价格缓存
// 行情流写入，交易路径读取；超过保鲜期的价格视为不可用
type Cache struct {
	mu         sync.RWMutex
	prices     map[string]pricePoint
	staleAfter time.Duration
	pm         *metrics.PrometheusMetrics
	now        func() time.Time
}

// NewCache 创建价格缓存
func NewCache(staleAfter time.Duration) *Cache {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Second
	}
	return &Cache{
		prices:     make(map[string]pricePoint),
		staleAfter: staleAfter,
		pm:         metrics.GetPrometheusMetrics(),
		now:        time.Now,
	}
}

// Set 写入一条价格
func (c *Cache) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.prices[symbol] = pricePoint{price: price, updatedAt: c.now()}
	c.mu.Unlock()
	c.pm.RecordPriceUpdate(symbol)
}

// Get 读取价格，缺失或超过保鲜期时返回 false
func (c *Cache) Get(symbol string) (float64, bool) {
	c.mu.RLock()
	point, ok := c.prices[symbol]
	c.mu.RUnlock()

	if !ok {
		return 0, false
	}
	if c.now().Sub(point.updatedAt) > c.staleAfter {
		return 0, false
	}
	return point.price, true
}

// Age 返回某标的价格距上次更新的时长，无记录时返回 false
func (c *Cache) Age(symbol string) (time.Duration, bool) {
	c.mu.RLock()
	point, ok := c.prices[symbol]
	c.mu.RUnlock()

	if !ok {
		return 0, false
	}
	return c.now().Sub(point.updatedAt), true
}
