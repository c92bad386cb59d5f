package web

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"stockpilot/database"
	"stockpilot/logger"
	"stockpilot/order"
	"stockpilot/pairlock"
	"stockpilot/risk"
)

// PositionView 持仓视图（补充实时价格与浮动盈亏）
type PositionView struct {
	*database.Position
	LivePrice     *float64 `json:"live_price,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
}

// getStatus 获取系统状态
func getStatus(c *gin.Context) {
	if statusProvider == nil {
		c.JSON(http.StatusOK, &StatusInfo{Running: false, Version: versionString})
		return
	}
	c.JSON(http.StatusOK, statusProvider())
}

// getPositions 获取当前持仓
func getPositions(c *gin.Context) {
	if positionProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	positions, err := positionProvider.List(ctx)
	if err != nil {
		logger.Error("❌ 查询持仓失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}

	views := make([]*PositionView, 0, len(positions))
	for _, p := range positions {
		view := &PositionView{Position: p}
		if priceProvider != nil {
			if price, ok := priceProvider.Price(ctx, p.Symbol); ok {
				pnl := (price - p.EntryPrice) * float64(p.Shares)
				view.LivePrice = &price
				view.UnrealizedPnL = &pnl
			}
		}
		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"positions": views,
		"count":     len(views),
	})
}

// getTrades 获取交易记录（按时间倒序分页）
func getTrades(c *gin.Context) {
	if tradeProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	limit, offset := parsePagination(c, 100)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	trades, err := tradeProvider.Recent(ctx, limit, offset)
	if err != nil {
		logger.Error("❌ 查询交易记录失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// getOrders 获取订单记录（按时间倒序分页）
func getOrders(c *gin.Context) {
	if orderProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	limit, offset := parsePagination(c, 100)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	orders, err := orderProvider.Recent(ctx, limit, offset)
	if err != nil {
		logger.Error("❌ 查询订单记录失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// getLocks 获取当前生效的交易锁
func getLocks(c *gin.Context) {
	if lockProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	locks, err := lockProvider.ListActive(ctx)
	if err != nil {
		logger.Error("❌ 查询交易锁失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"locks": locks,
		"count": len(locks),
	})
}

// lockRequest 手动锁定请求
type lockRequest struct {
	Symbol  string `json:"symbol" binding:"required"` // 标的或 "*"（全局）
	Side    string `json:"side"`                      // long / short / *（默认 *）
	Minutes int    `json:"minutes"`                   // 锁定时长（分钟，默认60）
	Reason  string `json:"reason"`
}

// createLock 手动锁定标的
func createLock(c *gin.Context) {
	if lockProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "web.error.invalid_request", err)
		return
	}

	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if req.Side == "" {
		req.Side = pairlock.SideAll
	}
	if req.Side != pairlock.SideLong && req.Side != pairlock.SideShort && req.Side != pairlock.SideAll {
		respondError(c, http.StatusBadRequest, "web.error.invalid_request")
		return
	}
	if req.Minutes <= 0 {
		req.Minutes = 60
	}
	if req.Reason == "" {
		req.Reason = "Manually locked via API"
	}

	duration := time.Duration(req.Minutes) * time.Minute

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	var err error
	if req.Symbol == pairlock.GlobalScope {
		err = lockProvider.LockGlobal(ctx, duration, req.Reason, req.Side)
	} else {
		err = lockProvider.Lock(ctx, req.Symbol, duration, req.Reason, req.Side)
	}
	if err != nil {
		logger.Error("❌ 手动锁定失败: %s %v", req.Symbol, err)
		respondError(c, http.StatusInternalServerError, "web.error.lock_failed", err)
		return
	}

	logger.Info("🔒 手动锁定: 范围=%s 方向=%s 时长=%d分钟", req.Symbol, req.Side, req.Minutes)
	c.JSON(http.StatusOK, gin.H{
		"scope":    req.Symbol,
		"side":     req.Side,
		"lock_end": time.Now().Add(duration).Format(time.RFC3339),
		"reason":   req.Reason,
	})
}

// deleteLock 解除某标的的交易锁（路径参数为标的或 "*"）
func deleteLock(c *gin.Context) {
	if lockProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "web.error.invalid_request")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := lockProvider.Unlock(ctx, symbol); err != nil {
		logger.Error("❌ 解锁失败: %s %v", symbol, err)
		respondError(c, http.StatusInternalServerError, "web.error.unlock_failed", err)
		return
	}

	logger.Info("🔓 手动解锁: 范围=%s", symbol)
	c.JSON(http.StatusOK, gin.H{"scope": symbol, "unlocked": true})
}

// validateRequest 风控预检请求
type validateRequest struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side"`          // BUY / SELL（默认 BUY）
	Shares      int     `json:"shares"`        // 计划股数
	Price       float64 `json:"price"`         // 计划成交价；0 使用实时行情
	StopLossPct float64 `json:"stop_loss_pct"` // 止损比例（如 0.05）
	Sector      string  `json:"sector"`
}

// validateProposal 风控预检：不下单，仅回答一笔交易意图会否通过风控
func validateProposal(c *gin.Context) {
	if riskProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "web.error.invalid_request", err)
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side == "" {
		side = "BUY"
	}
	if side != "BUY" && side != "SELL" {
		respondError(c, http.StatusBadRequest, "web.error.invalid_request")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	price := req.Price
	if price <= 0 && priceProvider != nil {
		if p, ok := priceProvider.Price(ctx, symbol); ok {
			price = p
		}
	}

	portfolio := riskProvider.Snapshot(ctx)
	result := riskProvider.Validate(ctx, &risk.Proposal{
		Symbol:      symbol,
		Side:        side,
		Shares:      req.Shares,
		Price:       price,
		StopLossPct: req.StopLossPct,
		Sector:      req.Sector,
	}, portfolio)

	c.JSON(http.StatusOK, gin.H{
		"symbol":  symbol,
		"side":    side,
		"price":   price,
		"allowed": result.Allowed,
		"reason":  result.Reason,
	})
}

// closePosition 手动平仓（运维操作，复用自动路径的执行器与成交状态机）
func closePosition(c *gin.Context) {
	if executorProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	if symbol == "" {
		respondError(c, http.StatusBadRequest, "web.error.invalid_request")
		return
	}

	// live 模式要等待订单成交，超时给足轮询窗口
	ctx, cancel := context.WithTimeout(c.Request.Context(), 90*time.Second)
	defer cancel()

	logger.Info("🔄 [运维] 手动平仓请求: %s", symbol)
	result := executorProvider.ExecuteClose(ctx, &order.CloseParams{
		Symbol: symbol,
		Reason: database.ExitReasonManual,
	})

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

// getRecentEvents 获取近期事件（内存环形缓存）
func getRecentEvents(c *gin.Context) {
	if eventProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	events := eventProvider.Recent(limit)
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// getEventHistory 查询已落盘的历史事件
func getEventHistory(c *gin.Context) {
	if storageProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	limit, offset := parsePagination(c, 100)
	eventType := c.Query("type")

	events, err := storageProvider.QueryEvents(eventType, limit, offset)
	if err != nil {
		logger.Error("❌ 查询历史事件失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// getSystemMetrics 获取系统监控数据（最新采样 + 每日汇总）
func getSystemMetrics(c *gin.Context) {
	if storageProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days <= 0 || days > 365 {
		days = 7
	}

	latest, err := storageProvider.GetLatestSystemMetrics()
	if err != nil {
		logger.Debug("查询最新系统指标失败: %v", err)
	}

	dailies, err := storageProvider.QueryDailySystemMetrics(days)
	if err != nil {
		logger.Error("❌ 查询每日系统指标失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"latest": latest,
		"daily":  dailies,
	})
}

// parsePagination 解析分页参数
func parsePagination(c *gin.Context, defaultLimit int) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultLimit)))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 1000 {
		limit = defaultLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
