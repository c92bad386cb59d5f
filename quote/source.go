package quote

import (
	"context"

	"stockpilot/logger"
)

// LatestPricer 定义兜底行情查询方法（broker.Client 满足）
type LatestPricer interface {
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Source 价格来源：优先读行情流缓存，不可用时回退到券商 REST 查询
// rest 可以为 nil（dry_run 无券商时），此时只依赖缓存
type Source struct {
	cache *Cache
	rest  LatestPricer
}

// NewSource 创建价格来源
func NewSource(cache *Cache, rest LatestPricer) *Source {
	return &Source{cache: cache, rest: rest}
}

// Price 取某标的的当前价格
// 缓存命中直接返回；否则查券商并回填缓存；都取不到时返回 (0, false)，从不报错
func (s *Source) Price(ctx context.Context, symbol string) (float64, bool) {
	if price, ok := s.cache.Get(symbol); ok {
		return price, true
	}

	if s.rest == nil {
		return 0, false
	}

	price, err := s.rest.GetLatestPrice(ctx, symbol)
	if err != nil {
		logger.Warn("⚠️ [行情] %s REST 兜底查询失败: %v", symbol, err)
		return 0, false
	}
	if price <= 0 {
		return 0, false
	}

	s.cache.Set(symbol, price)
	return price, true
}
