package risk

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"stockpilot/broker"
	"stockpilot/config"
	"stockpilot/database"
	"stockpilot/logger"
	"stockpilot/metrics"
	"stockpilot/pairlock"
	"stockpilot/utils"
)

// LockChecker 定义风控所需的交易对锁查询方法
type LockChecker interface {
	IsLocked(ctx context.Context, symbol, side string) (bool, string)
}

// TradeHistory 定义风控所需的历史成交查询方法
type TradeHistory interface {
	RecentClosed(ctx context.Context, limit int) ([]*database.Trade, error)
	ClosedSince(ctx context.Context, since time.Time) ([]*database.Trade, error)
}

// PositionBook 定义风控所需的持仓查询方法
type PositionBook interface {
	List(ctx context.Context) ([]*database.Position, error)
}

// AccountProvider 定义风控所需的账户查询方法（broker.Client 满足）
type AccountProvider interface {
	GetAccount(ctx context.Context) (*broker.Account, error)
}

// Proposal 待校验的订单意图
type Proposal struct {
	Symbol      string
	Side        string  // BUY 或 SELL
	Shares      int     // 计划股数
	Price       float64 // 计划成交价（市价单用当前价估算）
	StopLossPct float64 // 止损比例（如 0.05），0 表示未设置
	Sector      string  // 行业标签，空表示未标注
}

// Portfolio 组合快照，校验前由 Snapshot 组装
// TotalValue<=0 表示权益不可得，Cash<=0 表示现金不可得，相应检查跳过
type Portfolio struct {
	Cash          float64
	TotalValue    float64 // 账户权益
	PeakValue     float64 // 本进程内观测到的权益峰值
	TodayPnl      float64 // 当日已实现盈亏（美元）
	TodayPnlPct   float64 // 当日已实现盈亏占权益百分比（百分点）
	OpenPositions int
	SectorCounts  map[string]int
	SectorValues  map[string]float64
}

// Result 风控校验结果
// Allowed 为 false 时 Reason 描述拒绝原因
type Result struct {
	Allowed bool
	Reason  string
}

func allowed() *Result {
	return &Result{Allowed: true}
}

func rejected(reason string) *Result {
	return &Result{Allowed: false, Reason: reason}
}

// Validator 事前风控校验器
// 买入订单依次执行锁定检查、持仓数上限、单仓市值上限、单笔风险上限、
// 行业集中度和现金检查，首个不通过的检查即拒绝；卖出订单只执行锁定检查
type Validator struct {
	mu      sync.RWMutex
	cfg     *config.Config
	locks   LockChecker
	trades  TradeHistory
	book    PositionBook
	account AccountProvider
	pm      *metrics.PrometheusMetrics
	now     func() time.Time

	peakValue float64

	// 巡检告警沿状态（进入超限时发一次事件，恢复后才会再发）
	inDailyLossBreach bool
	inDrawdownBreach  bool
}

// NewValidator 创建风控校验器
// account 可以为 nil（dry_run 无券商时），此时跳过依赖账户数据的检查
func NewValidator(cfg *config.Config, locks LockChecker, trades TradeHistory, book PositionBook, account AccountProvider) *Validator {
	return &Validator{
		cfg:     cfg,
		locks:   locks,
		trades:  trades,
		book:    book,
		account: account,
		pm:      metrics.GetPrometheusMetrics(),
		now:     time.Now,
	}
}

// UpdateConfig 应用热更新后的配置
func (v *Validator) UpdateConfig(cfg *config.Config) {
	v.mu.Lock()
	v.cfg = cfg
	v.mu.Unlock()
	logger.Info("🔄 [风控] 配置已热更新")
}

func (v *Validator) config() *config.Config {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cfg
}

// Snapshot 组装组合快照
// 各项查询失败只影响对应字段（记录日志），不阻断校验流程
func (v *Validator) Snapshot(ctx context.Context) *Portfolio {
	p := &Portfolio{
		SectorCounts: make(map[string]int),
		SectorValues: make(map[string]float64),
	}

	positions, err := v.book.List(ctx)
	if err != nil {
		logger.Warn("⚠️ [风控] 查询持仓失败: %v", err)
	} else {
		p.OpenPositions = len(positions)
		for _, pos := range positions {
			if pos.Sector == "" {
				continue
			}
			price := pos.EntryPrice
			if pos.CurrentPrice != nil && *pos.CurrentPrice > 0 {
				price = *pos.CurrentPrice
			}
			p.SectorCounts[pos.Sector]++
			p.SectorValues[pos.Sector] += price * float64(pos.Shares)
		}
	}

	if v.account != nil {
		acct, err := v.account.GetAccount(ctx)
		if err != nil {
			logger.Warn("⚠️ [风控] 查询账户失败: %v", err)
		} else {
			p.Cash = acct.Cash
			p.TotalValue = acct.Equity
		}
	}

	dayStart := utils.StartOfTradingDay(v.now())
	todayTrades, err := v.trades.ClosedSince(ctx, dayStart)
	if err != nil {
		logger.Warn("⚠️ [风控] 查询当日成交失败: %v", err)
	} else {
		for _, trade := range todayTrades {
			if trade.Pnl != nil {
				p.TodayPnl += *trade.Pnl
			}
		}
		if p.TotalValue > 0 {
			p.TodayPnlPct = p.TodayPnl / p.TotalValue * 100
		}
	}

	v.mu.Lock()
	if p.TotalValue > v.peakValue {
		v.peakValue = p.TotalValue
	}
	p.PeakValue = v.peakValue
	v.mu.Unlock()

	return p
}

// Validate 校验订单意图
// portfolio 为 nil 时只执行锁定检查
func (v *Validator) Validate(ctx context.Context, proposal *Proposal, portfolio *Portfolio) *Result {
	cfg := v.config()
	side := strings.ToUpper(proposal.Side)

	// 锁定检查对买卖双向生效
	if locked, reason := v.locks.IsLocked(ctx, proposal.Symbol, lockSideFor(side)); locked {
		v.pm.RecordRiskRejection("pair_locked")
		logger.Warn("🛡️ [风控拒绝] %s %s: 交易对已锁定 (%s)", proposal.Symbol, side, reason)
		return rejected(fmt.Sprintf("Pair locked: %s", reason))
	}

	// 卖出是在降低风险敞口，不做其他限制
	if side != "BUY" || portfolio == nil {
		return allowed()
	}

	if result := v.checkMaxOpenPositions(cfg, proposal, portfolio); !result.Allowed {
		return result
	}
	if result := v.checkPositionSize(cfg, proposal, portfolio); !result.Allowed {
		return result
	}
	if result := v.checkRiskPerTrade(cfg, proposal, portfolio); !result.Allowed {
		return result
	}
	if result := v.checkSector(cfg, proposal, portfolio); !result.Allowed {
		return result
	}
	if result := v.checkCash(proposal, portfolio); !result.Allowed {
		return result
	}

	return allowed()
}

// CheckDailyLoss 当日已实现亏损是否达到暂停阈值
func (v *Validator) CheckDailyLoss(portfolio *Portfolio) bool {
	limitPct := v.config().Risk.DailyLossLimitPct
	if limitPct <= 0 || portfolio == nil || portfolio.TotalValue <= 0 {
		return false
	}
	if portfolio.TodayPnlPct < -limitPct {
		v.pm.RecordRiskRejection("daily_loss")
		logger.Warn("🛡️ [风控] 当日亏损 %.2f%% 已达阈值 %.2f%%，今日暂停开仓",
			-portfolio.TodayPnlPct, limitPct)
		return true
	}
	return false
}

// CheckDrawdown 权益相对峰值的回撤是否超过告警阈值
func (v *Validator) CheckDrawdown(portfolio *Portfolio) bool {
	alertPct := v.config().Risk.MaxDrawdownAlertPct
	if alertPct <= 0 || portfolio == nil || portfolio.PeakValue <= 0 {
		return false
	}
	drawdown := (portfolio.PeakValue - portfolio.TotalValue) / portfolio.PeakValue
	if drawdown > alertPct {
		logger.Warn("🛡️ [风控] 组合回撤 %.2f%% 超过告警阈值 %.2f%% (峰值 $%.2f → $%.2f)",
			drawdown*100, alertPct*100, portfolio.PeakValue, portfolio.TotalValue)
		return true
	}
	return false
}

// LosingStreakMultiplier 连败降档系数
// 每连续亏损 threshold 笔，仓位缩减为 factor 的一次幂：factor^floor(连亏数/threshold)
// 未配置、历史不足或查询失败时返回 1.0
func (v *Validator) LosingStreakMultiplier(ctx context.Context) float64 {
	cfg := v.config()
	threshold := cfg.Risk.LosingStreak.Threshold
	factor := cfg.Risk.LosingStreak.Factor
	if threshold <= 0 || factor <= 0 || factor >= 1 {
		return 1.0
	}

	lookback := cfg.Risk.StreakLookbackTrades
	if lookback <= 0 {
		lookback = 50
	}

	trades, err := v.trades.RecentClosed(ctx, lookback)
	if err != nil {
		logger.Warn("⚠️ [风控] 查询历史成交失败，连败系数按 1.0 处理: %v", err)
		return 1.0
	}

	// RecentClosed 按平仓时间倒序，从最近一笔向前数连续亏损
	streak := 0
	for _, trade := range trades {
		if !isLoss(trade) {
			break
		}
		streak++
	}

	multiplier := math.Pow(factor, float64(streak/threshold))
	v.pm.SetLosingStreakFactor(multiplier)
	if multiplier < 1.0 {
		logger.Warn("📉 [风控] 连续亏损 %d 笔，仓位降档系数 %.4f", streak, multiplier)
	}
	return multiplier
}

// lockSideFor 将订单方向映射到锁方向
// 买入开多查 long 方向的锁，卖出平仓查 short 方向的锁，"*" 锁对双向生效
func lockSideFor(orderSide string) string {
	if orderSide == "SELL" {
		return pairlock.SideShort
	}
	return pairlock.SideLong
}

func (v *Validator) checkMaxOpenPositions(cfg *config.Config, proposal *Proposal, portfolio *Portfolio) *Result {
	maxPositions := cfg.Risk.MaxOpenPositions
	if maxPositions <= 0 {
		return allowed()
	}
	if portfolio.OpenPositions >= maxPositions {
		v.pm.RecordRiskRejection("max_open_positions")
		logger.Warn("🛡️ [风控拒绝] %s: 持仓数已达上限 %d", proposal.Symbol, maxPositions)
		return rejected(fmt.Sprintf("Max open positions reached: %d", maxPositions))
	}
	return allowed()
}

func (v *Validator) checkPositionSize(cfg *config.Config, proposal *Proposal, portfolio *Portfolio) *Result {
	maxPct := cfg.Risk.MaxPositionSizePct
	if maxPct <= 0 || portfolio.TotalValue <= 0 {
		return allowed()
	}

	orderValue := proposal.Price * float64(proposal.Shares)
	limit := portfolio.TotalValue * maxPct
	if orderValue > limit {
		v.pm.RecordRiskRejection("position_size")
		logger.Warn("🛡️ [风控拒绝] %s: 订单市值 $%.2f 超过单仓上限 $%.2f (权益的%.1f%%)",
			proposal.Symbol, orderValue, limit, maxPct*100)
		return rejected(fmt.Sprintf("Position size $%.2f exceeds %.1f%% of equity ($%.2f)",
			orderValue, maxPct*100, limit))
	}
	return allowed()
}

// checkRiskPerTrade 单笔美元风险检查：股数*价格*止损比例不超过权益的一定比例
func (v *Validator) checkRiskPerTrade(cfg *config.Config, proposal *Proposal, portfolio *Portfolio) *Result {
	maxPct := cfg.Risk.MaxRiskPerTradePct
	if maxPct <= 0 || proposal.StopLossPct <= 0 || portfolio.TotalValue <= 0 {
		return allowed()
	}

	riskDollars := float64(proposal.Shares) * proposal.Price * proposal.StopLossPct
	limit := portfolio.TotalValue * maxPct
	if riskDollars > limit {
		v.pm.RecordRiskRejection("risk_per_trade")
		logger.Warn("🛡️ [风控拒绝] %s: 单笔风险 $%.2f 超过上限 $%.2f (权益的%.2f%%)",
			proposal.Symbol, riskDollars, limit, maxPct*100)
		return rejected(fmt.Sprintf("Trade risk $%.2f exceeds %.2f%% of equity ($%.2f)",
			riskDollars, maxPct*100, limit))
	}
	return allowed()
}

func (v *Validator) checkSector(cfg *config.Config, proposal *Proposal, portfolio *Portfolio) *Result {
	sector := proposal.Sector
	if sector == "" {
		sector = cfg.Risk.Sectors[proposal.Symbol]
	}
	if sector == "" {
		return allowed()
	}

	maxCount := cfg.Risk.MaxSectorConcentration
	if maxCount > 0 && portfolio.SectorCounts[sector] >= maxCount {
		v.pm.RecordRiskRejection("sector_concentration")
		logger.Warn("🛡️ [风控拒绝] %s: 行业 %s 持仓数已达上限 %d", proposal.Symbol, sector, maxCount)
		return rejected(fmt.Sprintf("Sector %s already has %d positions (limit %d)",
			sector, portfolio.SectorCounts[sector], maxCount))
	}

	maxValuePct := cfg.Risk.MaxSectorValuePct
	if maxValuePct > 0 && portfolio.TotalValue > 0 {
		orderValue := proposal.Price * float64(proposal.Shares)
		sectorPct := (portfolio.SectorValues[sector] + orderValue) / portfolio.TotalValue
		if sectorPct > maxValuePct {
			v.pm.RecordRiskRejection("sector_value")
			logger.Warn("🛡️ [风控拒绝] %s: 行业 %s 市值占比 %.1f%% 超过上限 %.1f%%",
				proposal.Symbol, sector, sectorPct*100, maxValuePct*100)
			return rejected(fmt.Sprintf("Sector %s exposure %.1f%% exceeds limit %.1f%%",
				sector, sectorPct*100, maxValuePct*100))
		}
	}

	return allowed()
}

func (v *Validator) checkCash(proposal *Proposal, portfolio *Portfolio) *Result {
	if portfolio.Cash <= 0 {
		return allowed()
	}
	orderValue := proposal.Price * float64(proposal.Shares)
	if orderValue > portfolio.Cash {
		v.pm.RecordRiskRejection("insufficient_cash")
		logger.Warn("🛡️ [风控拒绝] %s: 现金不足 (需要 $%.2f, 可用 $%.2f)",
			proposal.Symbol, orderValue, portfolio.Cash)
		return rejected(fmt.Sprintf("Insufficient cash: need $%.2f, have $%.2f",
			orderValue, portfolio.Cash))
	}
	return allowed()
}

// isLoss 判断一笔已平仓交易是否亏损
// 优先看已记录的盈亏，缺失时比较平仓价与开仓价
func isLoss(trade *database.Trade) bool {
	if trade.Pnl != nil {
		return *trade.Pnl < 0
	}
	if trade.ExitPrice != nil {
		return *trade.ExitPrice < trade.EntryPrice
	}
	return false
}
