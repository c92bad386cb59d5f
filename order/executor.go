package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockpilot/broker"
	"stockpilot/config"
	"stockpilot/database"
	"stockpilot/event"
	"stockpilot/lock"
	"stockpilot/logger"
	"stockpilot/metrics"
	"stockpilot/pairlock"
	"stockpilot/utils"
)

// 订单记录状态
const (
	orderStatusSubmitted = "submitted"
	orderStatusFilled    = "filled"
	orderStatusFailed    = "failed"
)

// LockChecker 交易对锁查询
type LockChecker interface {
	IsLocked(ctx context.Context, symbol, side string) (bool, string)
}

// PriceSource 当前价查询
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, bool)
}

// CloseGuard 平仓后保护评估
type CloseGuard interface {
	EvaluateAfterClose(ctx context.Context, symbol, exitReason string, pnlPct float64)
}

// EventPublisher 事件发布
type EventPublisher interface {
	PublishEvent(eventType event.EventType, data map[string]interface{})
}

// BuyParams 买入请求
type BuyParams struct {
	Symbol        string
	InstrumentID  string
	Shares        int
	Price         float64 // 参考价；0 表示由执行器查询当前价
	StopLossPct   float64 // 止损比例；0 使用配置默认值
	TakeProfitPct float64 // 止盈比例；0 使用配置默认值，负数表示不挂止盈
	Sector        string  // 行业标签；空则回退配置映射
}

// CloseParams 平仓请求
type CloseParams struct {
	Symbol string
	Reason string // 平仓原因；空按 manual 处理
}

// Result 执行结果
type Result struct {
	Success bool    `json:"success"`
	Error   string  `json:"error,omitempty"`
	Symbol  string  `json:"symbol"`
	OrderID string  `json:"order_id,omitempty"` // 客户端订单号
	Shares  int     `json:"shares,omitempty"`
	Price   float64 `json:"price,omitempty"` // 成交价
	Pnl     float64 `json:"pnl,omitempty"`
	PnlPct  float64 `json:"pnl_pct,omitempty"`
}

func failResult(symbol, msg string) *Result {
	return &Result{Symbol: symbol, Error: msg}
}

// Deps 执行器外部依赖
type Deps struct {
	DB       database.Database
	Broker   broker.Client        // dry_run 模式可为 nil
	Prices   PriceSource          // 可为 nil，此时买入必须携带参考价
	Locks    LockChecker
	Guard    CloseGuard           // 可为 nil
	DistLock lock.DistributedLock // 可为 nil（单实例部署）
	Events   EventPublisher       // 可为 nil
	Stats    *metrics.StatsCollector
}

// Executor 订单执行器
//
// 买入、平仓、分批减仓对同一标的在进程内互斥；多实例部署时再经分布式锁
// 串行化，锁服务异常按单实例降级运行。实盘下单前经过速率限制。
type Executor struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	db     database.Database
	client broker.Client
	prices PriceSource
	locks  LockChecker
	guard  CloseGuard
	dlock  lock.DistributedLock
	events EventPublisher
	stats  *metrics.StatsCollector

	limiter *rate.Limiter
	pm      *metrics.PrometheusMetrics
	now     func() time.Time

	symMu   sync.Mutex
	symbols map[string]*sync.Mutex
}

// NewExecutor 创建订单执行器
func NewExecutor(cfg *config.Config, deps Deps) *Executor {
	ops := cfg.Trading.OrdersPerSecond
	if ops <= 0 {
		ops = 2
	}
	burst := cfg.Trading.OrderRateBurst
	if burst <= 0 {
		burst = 4
	}

	return &Executor{
		cfg:     cfg,
		db:      deps.DB,
		client:  deps.Broker,
		prices:  deps.Prices,
		locks:   deps.Locks,
		guard:   deps.Guard,
		dlock:   deps.DistLock,
		events:  deps.Events,
		stats:   deps.Stats,
		limiter: rate.NewLimiter(rate.Limit(ops), burst),
		pm:      metrics.GetPrometheusMetrics(),
		now:     time.Now,
		symbols: make(map[string]*sync.Mutex),
	}
}

// UpdateConfig 热更新配置
func (e *Executor) UpdateConfig(cfg *config.Config) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	logger.Info("🔄 [执行] 配置已热更新")
}

func (e *Executor) config() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

func (e *Executor) mode() string {
	if m := e.config().Trading.Mode; m != "" {
		return m
	}
	return "dry_run"
}

func (e *Executor) isLive() bool {
	return e.mode() == "live"
}

func (e *Executor) scope() string {
	return e.config().AccountScope()
}

func (e *Executor) pollInterval() time.Duration {
	ms := e.config().Trading.FillPollIntervalMs
	if ms <= 0 {
		ms = 1000
	}
	return time.Duration(ms) * time.Millisecond
}

func (e *Executor) orderTimeout() time.Duration {
	s := e.config().Trading.OrderTimeoutSeconds
	if s <= 0 {
		s = 30
	}
	return time.Duration(s) * time.Second
}

// lockSymbol 获取标的级互斥锁，返回解锁函数
func (e *Executor) lockSymbol(symbol string) func() {
	e.symMu.Lock()
	m, ok := e.symbols[symbol]
	if !ok {
		m = &sync.Mutex{}
		e.symbols[symbol] = m
	}
	e.symMu.Unlock()

	m.Lock()
	return m.Unlock
}

// acquireDistLock 获取标的的分布式下单锁
//
// 返回释放函数和是否可以继续：锁被其他实例持有时返回 false；
// 锁服务异常时降级为仅进程内互斥，不阻断交易。
func (e *Executor) acquireDistLock(ctx context.Context, symbol string) (func(), bool) {
	if e.dlock == nil {
		return func() {}, true
	}

	key := "symbol:" + symbol
	ttl := time.Duration(e.config().Trading.SymbolLockTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 120 * time.Second
	}

	acquired, err := e.dlock.TryLock(ctx, key, ttl)
	if err != nil {
		logger.Warn("⚠️ [执行] 分布式锁服务异常，降级为进程内互斥: %s: %v", symbol, err)
		e.pm.RecordLockAcquire(key, "degraded")
		return func() {}, true
	}
	if !acquired {
		e.pm.RecordLockConflict(key)
		return func() {}, false
	}

	e.pm.RecordLockAcquire(key, "acquired")
	start := e.now()
	return func() {
		e.pm.RecordLockHoldDuration(key, e.now().Sub(start))
		if err := e.dlock.Unlock(context.Background(), key); err != nil {
			logger.Warn("⚠️ [执行] 释放分布式锁失败: %s: %v", key, err)
		}
	}, true
}

// GetCurrentPrice 查询标的当前价（行情缓存优先，回退券商查询）
// 返回 false 表示价格不可用，由调用方决定回退策略
func (e *Executor) GetCurrentPrice(ctx context.Context, symbol string) (float64, bool) {
	if e.prices == nil {
		return 0, false
	}
	return e.prices.Price(ctx, symbol)
}

func (e *Executor) publish(eventType event.EventType, data map[string]interface{}) {
	if e.events != nil {
		e.events.PublishEvent(eventType, data)
	}
}

// refreshOpenPositions 刷新持仓数量指标
func (e *Executor) refreshOpenPositions(ctx context.Context) {
	if n, err := e.db.Positions().Count(ctx); err == nil {
		e.pm.SetOpenPositions(int(n))
	}
}

// ExecuteBuy 开仓买入
//
// dry_run 模式按参考价合成成交；live 模式市价买入并等待成交。成交后
// 开仓交易与持仓在同一事务写入，然后挂保护性止损/止盈单。止损单挂单
// 失败触发紧急市价平仓；紧急平仓也失败时发布无保护持仓事件，买入本身
// 仍按成功返回。
func (e *Executor) ExecuteBuy(ctx context.Context, params *BuyParams) *Result {
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" || params.Shares <= 0 {
		return failResult(symbol, "Invalid buy parameters")
	}

	unlock := e.lockSymbol(symbol)
	defer unlock()

	release, ok := e.acquireDistLock(ctx, symbol)
	if !ok {
		logger.Warn("🔒 [执行] %s 正在被其他实例交易，跳过本次买入", symbol)
		return failResult(symbol, "Symbol busy: locked by another instance")
	}
	defer release()

	if locked, reason := e.locks.IsLocked(ctx, symbol, pairlock.SideLong); locked {
		logger.Warn("🔒 [执行] %s 已锁定，拒绝买入: %s", symbol, reason)
		return failResult(symbol, fmt.Sprintf("Pair locked: %s", reason))
	}

	existing, err := e.db.Positions().Get(ctx, symbol)
	if err != nil {
		return failResult(symbol, fmt.Sprintf("Position lookup failed: %v", err))
	}
	if existing != nil {
		return failResult(symbol, "Position already exists")
	}

	cfg := e.config()
	slPct := params.StopLossPct
	if slPct <= 0 {
		slPct = cfg.Trading.DefaultStopLossPct
	}
	if slPct <= 0 {
		slPct = 0.05
	}
	tpPct := params.TakeProfitPct
	if tpPct == 0 {
		tpPct = cfg.Trading.DefaultTakeProfit
	}
	if tpPct < 0 {
		tpPct = 0
	}

	price := params.Price
	if price <= 0 {
		if p, ok := e.GetCurrentPrice(ctx, symbol); ok {
			price = p
		}
	}
	if price <= 0 {
		return failResult(symbol, fmt.Sprintf("No price available for %s", symbol))
	}

	sector := params.Sector
	if sector == "" {
		sector = cfg.Risk.Sectors[symbol]
	}

	if e.isLive() {
		return e.buyLive(ctx, params, symbol, sector, price, slPct, tpPct)
	}
	return e.buyDryRun(ctx, params, symbol, sector, price, slPct, tpPct)
}

// buyDryRun 模拟买入：按参考价合成成交，不触达券商
func (e *Executor) buyDryRun(ctx context.Context, params *BuyParams, symbol, sector string, price, slPct, tpPct float64) *Result {
	now := e.now().UTC()
	clientOrderID := utils.GenerateClientOrderID(symbol, string(broker.SideBuy))
	stopLoss := price * (1 - slPct)
	takeProfit := 0.0
	if tpPct > 0 {
		takeProfit = price * (1 + tpPct)
	}

	trade := &database.Trade{
		Symbol:       symbol,
		AccountScope: e.scope(),
		Side:         string(broker.SideBuy),
		Shares:       params.Shares,
		EntryPrice:   price,
		EntryTime:    now,
		OrderID:      clientOrderID,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
	}
	position := &database.Position{
		Symbol:       symbol,
		AccountScope: e.scope(),
		InstrumentID: params.InstrumentID,
		Sector:       sector,
		Shares:       params.Shares,
		EntryPrice:   price,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		EntryTime:    now,
	}

	if err := e.persistEntry(ctx, trade, position); err != nil {
		e.pm.RecordOrderFailure(symbol, string(broker.SideBuy), "persist")
		return failResult(symbol, fmt.Sprintf("Failed to persist trade: %v", err))
	}

	e.stats.RecordOrderPlaced()
	e.stats.RecordOrderFilled(0)
	e.pm.RecordOrder(symbol, string(broker.SideBuy), e.mode(), orderStatusFilled)
	e.pm.SetPositionShares(symbol, params.Shares)
	e.refreshOpenPositions(ctx)
	e.publish(event.EventTypePositionOpened, map[string]interface{}{
		"symbol": symbol, "shares": params.Shares, "price": price, "mode": e.mode(),
	})
	logger.Info("✅ [执行] (dry_run) 买入 %s %d股 @ %.2f，止损 %.2f 止盈 %.2f",
		symbol, params.Shares, price, stopLoss, takeProfit)

	return &Result{Success: true, Symbol: symbol, OrderID: clientOrderID, Shares: params.Shares, Price: price}
}

// buyLive 实盘买入：市价单 → 等待成交 → 持久化 → 挂保护单
func (e *Executor) buyLive(ctx context.Context, params *BuyParams, symbol, sector string, refPrice, slPct, tpPct float64) *Result {
	if e.client == nil {
		return failResult(symbol, "No broker client configured")
	}

	clientOrderID := utils.GenerateClientOrderID(symbol, string(broker.SideBuy))
	rec := &database.OrderRecord{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		AccountScope:  e.scope(),
		Side:          string(broker.SideBuy),
		Type:          string(broker.OrderTypeMarket),
		Shares:        params.Shares,
		Status:        orderStatusSubmitted,
	}
	if err := e.db.Orders().Insert(ctx, rec); err != nil {
		return failResult(symbol, fmt.Sprintf("Failed to record order: %v", err))
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		return failResult(symbol, err.Error())
	}
	submitted, err := e.client.PlaceMarketOrder(ctx, symbol, broker.SideBuy, params.Shares, clientOrderID)
	if err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		e.stats.RecordOrderFailed(false)
		e.pm.RecordOrderFailure(symbol, string(broker.SideBuy), "submit")
		e.publish(event.EventTypeOrderFailed, map[string]interface{}{
			"symbol": symbol, "side": string(broker.SideBuy), "error": err.Error(),
		})
		logger.Error("❌ [执行] %s 市价买入提交失败: %v", symbol, err)
		return failResult(symbol, err.Error())
	}

	rec.BrokerOrderID = &submitted.ID
	e.updateOrder(ctx, rec)
	e.stats.RecordOrderPlaced()
	e.publish(event.EventTypeOrderPlaced, map[string]interface{}{
		"symbol": symbol, "side": string(broker.SideBuy), "shares": params.Shares, "order_id": clientOrderID,
	})
	logger.Info("🚀 [执行] %s 市价买入已提交 %d股，订单 %s", symbol, params.Shares, clientOrderID)

	submittedAt := e.now()
	filled, err := e.waitForFill(ctx, symbol, broker.SideBuy, submitted.ID)
	if err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		e.stats.RecordOrderFailed(errors.Is(err, errFillTimeout))
		e.pm.RecordOrderFailure(symbol, string(broker.SideBuy), failureReason(err))
		e.publish(event.EventTypeOrderFailed, map[string]interface{}{
			"symbol": symbol, "side": string(broker.SideBuy), "error": err.Error(),
		})
		logger.Error("❌ [执行] %s 买入未成交: %v", symbol, err)
		return failResult(symbol, err.Error())
	}

	fillPrice := filled.FilledAvgPrice
	fillShares := filled.FilledQty
	slippage := fillPrice - refPrice
	e.pm.ObserveSlippage(symbol, string(broker.SideBuy), slippage/refPrice*10000)

	now := e.now().UTC()
	stopLoss := fillPrice * (1 - slPct)
	takeProfit := 0.0
	if tpPct > 0 {
		takeProfit = fillPrice * (1 + tpPct)
	}

	trade := &database.Trade{
		Symbol:       symbol,
		AccountScope: e.scope(),
		Side:         string(broker.SideBuy),
		Shares:       fillShares,
		EntryPrice:   fillPrice,
		EntryTime:    now,
		OrderID:      clientOrderID,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Slippage:     &slippage,
	}
	position := &database.Position{
		Symbol:       symbol,
		AccountScope: e.scope(),
		InstrumentID: params.InstrumentID,
		Sector:       sector,
		Shares:       fillShares,
		EntryPrice:   fillPrice,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		EntryTime:    now,
	}
	if err := e.persistEntry(ctx, trade, position); err != nil {
		// 资金已变动但记录落库失败，只能人工对账，不再自动平仓
		logger.Error("🚨 [执行] %s 成交后持久化失败，需要人工对账: %v", symbol, err)
		e.markOrderFilled(ctx, rec, fillPrice, fillShares)
		return failResult(symbol, fmt.Sprintf("Failed to persist trade: %v", err))
	}

	e.markOrderFilled(ctx, rec, fillPrice, fillShares)
	e.stats.RecordOrderFilled(e.now().Sub(submittedAt))
	e.pm.RecordOrder(symbol, string(broker.SideBuy), e.mode(), orderStatusFilled)
	e.pm.SetPositionShares(symbol, fillShares)
	e.refreshOpenPositions(ctx)
	e.publish(event.EventTypeOrderFilled, map[string]interface{}{
		"symbol": symbol, "side": string(broker.SideBuy), "shares": fillShares, "price": fillPrice,
	})
	e.publish(event.EventTypePositionOpened, map[string]interface{}{
		"symbol": symbol, "shares": fillShares, "price": fillPrice, "mode": e.mode(),
	})
	logger.Info("✅ [执行] %s 买入成交 %d股 @ %.2f，滑点 %+.4f", symbol, fillShares, fillPrice, slippage)

	e.placeProtectiveOrders(ctx, position)

	return &Result{Success: true, Symbol: symbol, OrderID: clientOrderID, Shares: fillShares, Price: fillPrice}
}

// persistEntry 在单个事务中写入开仓交易与持仓
func (e *Executor) persistEntry(ctx context.Context, trade *database.Trade, position *database.Position) error {
	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := tx.Trades().Insert(ctx, trade); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Positions().Save(ctx, position); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// placeProtectiveOrders 为新持仓挂止损/止盈单
//
// 止损单失败立即紧急市价平仓；紧急平仓也失败时持仓保持原样并发布
// unprotected_position 事件等待人工处理。止盈单失败只告警。
func (e *Executor) placeProtectiveOrders(ctx context.Context, position *database.Position) {
	symbol := position.Symbol

	stopID, err := e.placeStop(ctx, symbol, position.Shares, position.StopLoss)
	if err != nil {
		logger.Error("❌ [执行] %s 止损单挂单失败，触发紧急平仓: %v", symbol, err)
		closeRes := e.closePosition(ctx, symbol, database.ExitReasonEmergency)
		if closeRes.Success {
			logger.Warn("🛑 [执行] %s 已紧急平仓 @ %.2f", symbol, closeRes.Price)
			return
		}
		logger.Error("🚨 [执行] %s 紧急平仓失败，持仓当前无任何保护: %s", symbol, closeRes.Error)
		e.publish(event.EventTypeUnprotectedPosition, map[string]interface{}{
			"symbol": symbol, "shares": position.Shares,
			"stop_error": err.Error(), "close_error": closeRes.Error,
		})
		return
	}
	position.StopOrderID = &stopID
	if err := e.db.Positions().Save(ctx, position); err != nil {
		logger.Warn("⚠️ [执行] 保存止损单ID失败: %s: %v", symbol, err)
	}
	logger.Info("🛡️ [执行] %s 止损单已挂 @ %.2f", symbol, position.StopLoss)

	if position.TakeProfit <= 0 {
		return
	}
	tpID, err := e.placeTakeProfit(ctx, symbol, position.Shares, position.TakeProfit)
	if err != nil {
		logger.Warn("⚠️ [执行] %s 止盈单挂单失败: %v", symbol, err)
		return
	}
	position.TakeProfitOrderID = &tpID
	if err := e.db.Positions().Save(ctx, position); err != nil {
		logger.Warn("⚠️ [执行] 保存止盈单ID失败: %s: %v", symbol, err)
	}
	logger.Info("🛡️ [执行] %s 止盈单已挂 @ %.2f", symbol, position.TakeProfit)
}

// placeStop 挂止损卖出单（GTC）
func (e *Executor) placeStop(ctx context.Context, symbol string, shares int, stopPrice float64) (string, error) {
	clientOrderID := utils.GenerateClientOrderID(symbol, string(broker.SideSell))
	rec := &database.OrderRecord{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		AccountScope:  e.scope(),
		Side:          string(broker.SideSell),
		Type:          string(broker.OrderTypeStop),
		Shares:        shares,
		StopPrice:     &stopPrice,
		Status:        orderStatusSubmitted,
	}
	if err := e.db.Orders().Insert(ctx, rec); err != nil {
		logger.Warn("⚠️ [执行] 记录止损单失败: %s: %v", symbol, err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		return "", err
	}
	order, err := e.client.PlaceStopOrder(ctx, symbol, broker.SideSell, shares, stopPrice, clientOrderID)
	if err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		return "", err
	}
	rec.BrokerOrderID = &order.ID
	e.updateOrder(ctx, rec)
	return order.ID, nil
}

// placeTakeProfit 挂止盈限价卖出单（GTC）
func (e *Executor) placeTakeProfit(ctx context.Context, symbol string, shares int, limitPrice float64) (string, error) {
	clientOrderID := utils.GenerateClientOrderID(symbol, string(broker.SideSell))
	rec := &database.OrderRecord{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		AccountScope:  e.scope(),
		Side:          string(broker.SideSell),
		Type:          string(broker.OrderTypeLimit),
		Shares:        shares,
		LimitPrice:    &limitPrice,
		Status:        orderStatusSubmitted,
	}
	if err := e.db.Orders().Insert(ctx, rec); err != nil {
		logger.Warn("⚠️ [执行] 记录止盈单失败: %s: %v", symbol, err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		return "", err
	}
	order, err := e.client.PlaceLimitOrder(ctx, symbol, broker.SideSell, shares, limitPrice, clientOrderID)
	if err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		return "", err
	}
	rec.BrokerOrderID = &order.ID
	e.updateOrder(ctx, rec)
	return order.ID, nil
}

// ExecuteClose 全量平仓
//
// 先尽力撤销保护单，再市价卖出全部持仓；平仓交易与持仓删除在同一事务
// 提交。成功的全量平仓（含紧急平仓）会触发平仓后保护评估。
func (e *Executor) ExecuteClose(ctx context.Context, params *CloseParams) *Result {
	symbol := strings.ToUpper(strings.TrimSpace(params.Symbol))
	if symbol == "" {
		return failResult(symbol, "Invalid close parameters")
	}
	reason := params.Reason
	if reason == "" {
		reason = database.ExitReasonManual
	}

	unlock := e.lockSymbol(symbol)
	defer unlock()

	return e.closePosition(ctx, symbol, reason)
}

// closePosition 平仓内部实现，调用方必须已持有标的互斥锁
func (e *Executor) closePosition(ctx context.Context, symbol, reason string) *Result {
	position, err := e.db.Positions().Get(ctx, symbol)
	if err != nil {
		return failResult(symbol, fmt.Sprintf("Position lookup failed: %v", err))
	}
	if position == nil {
		return failResult(symbol, fmt.Sprintf("No position for %s", symbol))
	}

	trade, err := e.db.Trades().GetOpenBySymbol(ctx, symbol)
	if err != nil {
		logger.Warn("⚠️ [执行] 查询开仓交易失败: %s: %v", symbol, err)
	}
	if trade == nil {
		// 持仓存在但开仓交易缺失（历史数据不一致），按持仓数据补录一条
		logger.Warn("⚠️ [执行] %s 缺少开仓交易记录，按持仓数据补录", symbol)
		trade = &database.Trade{
			Symbol:       symbol,
			AccountScope: position.AccountScope,
			Side:         string(broker.SideBuy),
			Shares:       position.Shares,
			EntryPrice:   position.EntryPrice,
			EntryTime:    position.EntryTime,
			OrderID:      utils.GenerateClientOrderID(symbol, string(broker.SideBuy)),
			StopLoss:     position.StopLoss,
			TakeProfit:   position.TakeProfit,
		}
		if err := e.db.Trades().Insert(ctx, trade); err != nil {
			return failResult(symbol, fmt.Sprintf("Failed to restore trade record: %v", err))
		}
	}

	if e.isLive() {
		return e.closeLive(ctx, position, trade, reason)
	}
	return e.closeDryRun(ctx, position, trade, reason)
}

// closeDryRun 模拟平仓：当前价可用按当前价成交，否则按买入价
func (e *Executor) closeDryRun(ctx context.Context, position *database.Position, trade *database.Trade, reason string) *Result {
	price, ok := e.GetCurrentPrice(ctx, position.Symbol)
	if !ok || price <= 0 {
		price = position.EntryPrice
	}

	res := e.finalizeClose(ctx, position, trade, price, reason, 0)
	if res.Success {
		res.OrderID = utils.GenerateClientOrderID(position.Symbol, string(broker.SideSell))
	}
	return res
}

// closeLive 实盘平仓：撤保护单 → 市价卖出 → 等待成交 → 持久化
func (e *Executor) closeLive(ctx context.Context, position *database.Position, trade *database.Trade, reason string) *Result {
	symbol := position.Symbol
	if e.client == nil {
		return failResult(symbol, "No broker client configured")
	}

	e.cancelProtectiveOrders(ctx, position)

	clientOrderID := utils.GenerateClientOrderID(symbol, string(broker.SideSell))
	rec := &database.OrderRecord{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		AccountScope:  e.scope(),
		Side:          string(broker.SideSell),
		Type:          string(broker.OrderTypeMarket),
		Shares:        position.Shares,
		Status:        orderStatusSubmitted,
	}
	if err := e.db.Orders().Insert(ctx, rec); err != nil {
		return failResult(symbol, fmt.Sprintf("Failed to record order: %v", err))
	}

	refPrice, hasRef := e.GetCurrentPrice(ctx, symbol)

	if err := e.limiter.Wait(ctx); err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		return failResult(symbol, err.Error())
	}
	submitted, err := e.client.PlaceMarketOrder(ctx, symbol, broker.SideSell, position.Shares, clientOrderID)
	if err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		e.stats.RecordOrderFailed(false)
		e.pm.RecordOrderFailure(symbol, string(broker.SideSell), "submit")
		logger.Error("❌ [执行] %s 市价平仓提交失败: %v", symbol, err)
		return failResult(symbol, err.Error())
	}
	rec.BrokerOrderID = &submitted.ID
	e.updateOrder(ctx, rec)
	e.stats.RecordOrderPlaced()
	logger.Info("🚀 [执行] %s 市价平仓已提交 %d股，原因: %s", symbol, position.Shares, reason)

	submittedAt := e.now()
	filled, err := e.waitForFill(ctx, symbol, broker.SideSell, submitted.ID)
	if err != nil {
		e.markOrderFailed(ctx, rec, err.Error())
		e.stats.RecordOrderFailed(errors.Is(err, errFillTimeout))
		e.pm.RecordOrderFailure(symbol, string(broker.SideSell), failureReason(err))
		e.publish(event.EventTypeOrderFailed, map[string]interface{}{
			"symbol": symbol, "side": string(broker.SideSell), "error": err.Error(),
		})
		logger.Error("❌ [执行] %s 平仓未成交: %v", symbol, err)
		return failResult(symbol, err.Error())
	}

	fillPrice := filled.FilledAvgPrice
	slippage := 0.0
	if hasRef && refPrice > 0 {
		slippage = fillPrice - refPrice
		e.pm.ObserveSlippage(symbol, string(broker.SideSell), slippage/refPrice*10000)
	}

	e.markOrderFilled(ctx, rec, fillPrice, filled.FilledQty)
	e.stats.RecordOrderFilled(e.now().Sub(submittedAt))
	e.pm.RecordOrder(symbol, string(broker.SideSell), e.mode(), orderStatusFilled)

	res := e.finalizeClose(ctx, position, trade, fillPrice, reason, slippage)
	if res.Success {
		res.OrderID = clientOrderID
	}
	return res
}

// finalizeClose 持久化平仓结果并触发平仓后保护评估
func (e *Executor) finalizeClose(ctx context.Context, position *database.Position, trade *database.Trade, exitPrice float64, reason string, slippage float64) *Result {
	symbol := position.Symbol
	now := e.now().UTC()
	pnl := (exitPrice - position.EntryPrice) * float64(position.Shares)
	pnlPct := 0.0
	if position.EntryPrice > 0 {
		pnlPct = (exitPrice/position.EntryPrice - 1) * 100
	}

	trade.ExitPrice = &exitPrice
	trade.Pnl = &pnl
	trade.PnlPct = &pnlPct
	trade.ExitTime = &now
	trade.ExitReason = &reason
	if slippage != 0 {
		trade.Slippage = &slippage
	}

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return failResult(symbol, fmt.Sprintf("Failed to persist close: %v", err))
	}
	if err := tx.Trades().Update(ctx, trade); err != nil {
		_ = tx.Rollback()
		return failResult(symbol, fmt.Sprintf("Failed to persist close: %v", err))
	}
	if err := tx.Positions().Delete(ctx, symbol); err != nil {
		_ = tx.Rollback()
		return failResult(symbol, fmt.Sprintf("Failed to persist close: %v", err))
	}
	if err := tx.Commit(); err != nil {
		return failResult(symbol, fmt.Sprintf("Failed to persist close: %v", err))
	}

	e.stats.AddRealizedPnL(pnl)
	e.pm.AddRealizedPnL(symbol, pnl)
	e.pm.RecordTrade(symbol, reason)
	e.pm.SetPositionShares(symbol, 0)
	e.refreshOpenPositions(ctx)
	e.publish(event.EventTypeTradeClosed, map[string]interface{}{
		"symbol": symbol, "reason": reason, "price": exitPrice, "pnl": pnl, "pnl_pct": pnlPct,
	})
	logger.Info("✅ [执行] %s 已平仓 %d股 @ %.2f，盈亏 %+.2f (%+.2f%%)，原因: %s",
		symbol, position.Shares, exitPrice, pnl, pnlPct, reason)

	if e.guard != nil {
		e.guard.EvaluateAfterClose(ctx, symbol, reason, pnlPct)
	}

	return &Result{Success: true, Symbol: symbol, Shares: position.Shares, Price: exitPrice, Pnl: pnl, PnlPct: pnlPct}
}

// cancelProtectiveOrders 撤销持仓关联的止损/止盈单，失败只记录不阻断平仓
func (e *Executor) cancelProtectiveOrders(ctx context.Context, position *database.Position) {
	refs := []struct {
		name string
		id   *string
	}{
		{"止损", position.StopOrderID},
		{"止盈", position.TakeProfitOrderID},
	}
	for _, ref := range refs {
		if ref.id == nil || *ref.id == "" {
			continue
		}
		if err := e.client.CancelOrder(ctx, *ref.id); err != nil {
			logger.Warn("⚠️ [执行] 撤销%s单失败: %s: %v", ref.name, *ref.id, err)
			continue
		}
		logger.Debug("🧹 [执行] 已撤销%s单 %s", ref.name, *ref.id)
	}
}

func (e *Executor) updateOrder(ctx context.Context, rec *database.OrderRecord) {
	if err := e.db.Orders().Update(ctx, rec); err != nil {
		logger.Warn("⚠️ [执行] 更新订单记录失败: %s: %v", rec.ClientOrderID, err)
	}
}

// markOrderFailed 标记订单失败并记录原因
func (e *Executor) markOrderFailed(ctx context.Context, rec *database.OrderRecord, reason string) {
	rec.Status = orderStatusFailed
	rec.FailureReason = &reason
	e.updateOrder(ctx, rec)
}

// markOrderFilled 标记订单成交
func (e *Executor) markOrderFilled(ctx context.Context, rec *database.OrderRecord, price float64, shares int) {
	rec.Status = orderStatusFilled
	rec.FilledPrice = &price
	rec.FilledShares = shares
	e.updateOrder(ctx, rec)
}

// failureReason 失败原因归一化为低基数指标标签
func failureReason(err error) string {
	if errors.Is(err, errFillTimeout) {
		return "timeout"
	}
	return "terminal"
}
