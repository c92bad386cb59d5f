package protection

import (
	"context"
	"errors"
	"testing"
	"time"

	"stockpilot/config"
	"stockpilot/database"
	"stockpilot/event"
)

type LockCall struct {
	Symbol   string
	Reason   string
	Side     string
	Duration time.Duration
}

// MockLocker 记录锁定调用
type MockLocker struct {
	SymbolLocks []LockCall
	GlobalLocks []LockCall
	Err         error
}

func (m *MockLocker) Lock(ctx context.Context, symbol string, duration time.Duration, reason, side string) error {
	if m.Err != nil {
		return m.Err
	}
	m.SymbolLocks = append(m.SymbolLocks, LockCall{Symbol: symbol, Reason: reason, Side: side, Duration: duration})
	return nil
}

func (m *MockLocker) LockGlobal(ctx context.Context, duration time.Duration, reason, side string) error {
	if m.Err != nil {
		return m.Err
	}
	m.GlobalLocks = append(m.GlobalLocks, LockCall{Symbol: "*", Reason: reason, Side: side, Duration: duration})
	return nil
}

// MockTradeWindow 模拟历史成交窗口查询
type MockTradeWindow struct {
	All     []*database.Trade
	FailAll bool
}

func (m *MockTradeWindow) ClosedSince(ctx context.Context, since time.Time) ([]*database.Trade, error) {
	if m.FailAll {
		return nil, errors.New("数据库不可用")
	}
	result := make([]*database.Trade, 0)
	for _, t := range m.All {
		if t.ExitTime != nil && !t.ExitTime.Before(since) {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *MockTradeWindow) ClosedBySymbolSince(ctx context.Context, symbol string, since time.Time) ([]*database.Trade, error) {
	if m.FailAll {
		return nil, errors.New("数据库不可用")
	}
	result := make([]*database.Trade, 0)
	for _, t := range m.All {
		if t.Symbol == symbol && t.ExitTime != nil && !t.ExitTime.Before(since) {
			result = append(result, t)
		}
	}
	return result, nil
}

// MockPublisher 记录发布的事件
type MockPublisher struct {
	Types []event.EventType
	Data  []map[string]interface{}
}

func (m *MockPublisher) PublishEvent(eventType event.EventType, data map[string]interface{}) {
	m.Types = append(m.Types, eventType)
	m.Data = append(m.Data, data)
}

var testNow = time.Date(2025, 6, 16, 15, 30, 0, 0, time.UTC)

// closedTrade 构造一笔已平仓记录
func closedTrade(symbol, exitReason string, pnlPct float64, minutesAgo int) *database.Trade {
	exitTime := testNow.Add(-time.Duration(minutesAgo) * time.Minute)
	exitPrice := 100 * (1 + pnlPct/100)
	pnl := pnlPct * 10 // 10股、每股100美元
	return &database.Trade{
		Symbol: symbol, Side: "BUY", Shares: 10,
		EntryPrice: 100, ExitPrice: &exitPrice, Pnl: &pnl, PnlPct: &pnlPct,
		EntryTime: exitTime.Add(-time.Hour), ExitTime: &exitTime,
		ExitReason: &exitReason,
	}
}

func newProtectionConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Protection.Enabled = true
	return cfg
}

func newTestEngine(cfg *config.Config, locks *MockLocker, trades *MockTradeWindow) *Engine {
	e := NewEngine(cfg, locks, trades, nil)
	e.now = func() time.Time { return testNow }
	return e
}

func TestCooldownGuard(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.CooldownMinutes = 15
	locks := &MockLocker{}
	e := newTestEngine(cfg, locks, &MockTradeWindow{})

	e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonTakeProfit, 5.0)

	if len(locks.SymbolLocks) != 1 {
		t.Fatalf("平仓后应产生1条冷却锁定，实际 %d", len(locks.SymbolLocks))
	}
	call := locks.SymbolLocks[0]
	if call.Symbol != "AAPL" || call.Reason != ReasonCooldown {
		t.Errorf("冷却锁定参数错误: %+v", call)
	}
	if call.Side != "long" {
		t.Errorf("保护锁应只锁定 long 方向，实际 %q", call.Side)
	}
	if call.Duration != 15*time.Minute {
		t.Errorf("冷却时长应为15分钟，实际 %v", call.Duration)
	}
}

func TestStoplossGuardGlobal(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.StoplossGuard = config.StoplossGuardConfig{
		Enabled: true, LookbackMinutes: 60, TradeLimit: 3, LockMinutes: 60, OnlyPerPair: false,
	}

	t.Run("窗口内3次止损触发全局锁定", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonStopLoss, -5.0, 40),
			closedTrade("MSFT", database.ExitReasonTrailingStop, -3.0, 20),
			closedTrade("NVDA", database.ExitReasonStopLoss, -4.0, 5),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "NVDA", database.ExitReasonStopLoss, -4.0)

		if len(locks.GlobalLocks) != 1 {
			t.Fatalf("应产生1条全局锁定，实际 %d", len(locks.GlobalLocks))
		}
		if locks.GlobalLocks[0].Reason != ReasonStoplossGuard {
			t.Errorf("锁定原因应为 stoploss_guard，实际 %q", locks.GlobalLocks[0].Reason)
		}
		if locks.GlobalLocks[0].Duration != time.Hour {
			t.Errorf("锁定时长应为60分钟，实际 %v", locks.GlobalLocks[0].Duration)
		}
	})

	t.Run("止损次数不足不触发", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonStopLoss, -5.0, 40),
			closedTrade("MSFT", database.ExitReasonTakeProfit, 6.0, 20), // 止盈不计数
			closedTrade("NVDA", database.ExitReasonStopLoss, -4.0, 5),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "NVDA", database.ExitReasonStopLoss, -4.0)

		if len(locks.GlobalLocks) != 0 {
			t.Errorf("止损2次不应触发熔断，实际锁定 %d 条", len(locks.GlobalLocks))
		}
	})

	t.Run("窗口外的止损不计数", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonStopLoss, -5.0, 90), // 超出60分钟窗口
			closedTrade("MSFT", database.ExitReasonStopLoss, -3.0, 20),
			closedTrade("NVDA", database.ExitReasonStopLoss, -4.0, 5),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "NVDA", database.ExitReasonStopLoss, -4.0)

		if len(locks.GlobalLocks) != 0 {
			t.Errorf("窗口内止损仅2次不应触发熔断，实际锁定 %d 条", len(locks.GlobalLocks))
		}
	})

	t.Run("止损原因按包含匹配且不区分大小写", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", "Stop-Loss triggered at 94.50", -5.0, 40),
			closedTrade("MSFT", "trailing_stop_loss", -3.0, 20),
			closedTrade("NVDA", "STOPLOSS", -4.0, 5),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "NVDA", "STOPLOSS", -4.0)

		if len(locks.GlobalLocks) != 1 {
			t.Fatalf("三种写法的止损原因都应计数，实际锁定 %d 条", len(locks.GlobalLocks))
		}
	})
}

func TestStoplossGuardPerPair(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.StoplossGuard = config.StoplossGuardConfig{
		Enabled: true, LookbackMinutes: 60, TradeLimit: 2, LockMinutes: 30, OnlyPerPair: true,
	}
	locks := &MockLocker{}
	trades := &MockTradeWindow{All: []*database.Trade{
		closedTrade("AAPL", database.ExitReasonStopLoss, -5.0, 40),
		closedTrade("MSFT", database.ExitReasonStopLoss, -3.0, 30), // 其他标的不计入
		closedTrade("AAPL", database.ExitReasonStopLoss, -4.0, 5),
	}}
	e := newTestEngine(cfg, locks, trades)

	e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonStopLoss, -4.0)

	if len(locks.GlobalLocks) != 0 {
		t.Errorf("only_per_pair 模式不应产生全局锁定")
	}
	if len(locks.SymbolLocks) != 1 {
		t.Fatalf("应只锁定 AAPL，实际锁定 %d 条", len(locks.SymbolLocks))
	}
	if locks.SymbolLocks[0].Symbol != "AAPL" || locks.SymbolLocks[0].Reason != ReasonStoplossGuard {
		t.Errorf("锁定参数错误: %+v", locks.SymbolLocks[0])
	}
}

func TestMaxDrawdownGuard(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.MaxDrawdown = config.MaxDrawdownConfig{
		Enabled: true, LookbackMinutes: 1440, MaxDrawdownPct: 10, LockMinutes: 120,
	}

	t.Run("峰谷回撤达到阈值触发全局锁定", func(t *testing.T) {
		// 累计收益曲线: +5 → -3 → -12，峰值5，回撤17个百分点
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonTakeProfit, 5.0, 300),
			closedTrade("MSFT", database.ExitReasonStopLoss, -8.0, 200),
			closedTrade("NVDA", database.ExitReasonStopLoss, -9.0, 100),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "NVDA", database.ExitReasonStopLoss, -9.0)

		if len(locks.GlobalLocks) != 1 {
			t.Fatalf("回撤超阈值应产生全局锁定，实际 %d 条", len(locks.GlobalLocks))
		}
		if locks.GlobalLocks[0].Reason != ReasonMaxDrawdown {
			t.Errorf("锁定原因应为 max_drawdown，实际 %q", locks.GlobalLocks[0].Reason)
		}
	})

	t.Run("回撤未达阈值不触发", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonTakeProfit, 5.0, 300),
			closedTrade("MSFT", database.ExitReasonStopLoss, -4.0, 200),
			closedTrade("NVDA", database.ExitReasonStopLoss, -3.0, 100),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "NVDA", database.ExitReasonStopLoss, -3.0)

		if len(locks.GlobalLocks) != 0 {
			t.Errorf("回撤7个百分点不应触发熔断")
		}
	})
}

func TestLowProfitGuard(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.LowProfitPairs = config.LowProfitPairsConfig{
		Enabled: true, LookbackMinutes: 1440, TradeLimit: 3, MinProfit: 1.0, LockMinutes: 120,
	}

	t.Run("累计收益低于下限锁定该标的", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonStopLoss, -2.0, 300),
			closedTrade("AAPL", database.ExitReasonTakeProfit, 1.5, 200),
			closedTrade("AAPL", database.ExitReasonStopLoss, -1.0, 100),
			closedTrade("MSFT", database.ExitReasonTakeProfit, 8.0, 150), // 其他标的不影响
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonStopLoss, -1.0)

		if len(locks.SymbolLocks) != 1 {
			t.Fatalf("应锁定 AAPL，实际锁定 %d 条", len(locks.SymbolLocks))
		}
		call := locks.SymbolLocks[0]
		if call.Symbol != "AAPL" || call.Reason != ReasonLowProfit {
			t.Errorf("锁定参数错误: %+v", call)
		}
	})

	t.Run("累计收益恰好等于下限也触发", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonTakeProfit, 2.0, 300),
			closedTrade("AAPL", database.ExitReasonStopLoss, -2.0, 200),
			closedTrade("AAPL", database.ExitReasonTakeProfit, 1.0, 100),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonTakeProfit, 1.0)

		if len(locks.SymbolLocks) != 1 {
			t.Fatalf("累计收益1.0%%等于下限应触发，实际锁定 %d 条", len(locks.SymbolLocks))
		}
	})

	t.Run("成交笔数不足不触发", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonStopLoss, -5.0, 300),
			closedTrade("AAPL", database.ExitReasonStopLoss, -5.0, 100),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonStopLoss, -5.0)

		if len(locks.SymbolLocks) != 0 {
			t.Errorf("成交2笔不足最少笔数，不应触发熔断")
		}
	})

	t.Run("累计收益达标不触发", func(t *testing.T) {
		locks := &MockLocker{}
		trades := &MockTradeWindow{All: []*database.Trade{
			closedTrade("AAPL", database.ExitReasonTakeProfit, 2.0, 300),
			closedTrade("AAPL", database.ExitReasonTakeProfit, 1.5, 200),
			closedTrade("AAPL", database.ExitReasonStopLoss, -1.0, 100),
		}}
		e := newTestEngine(cfg, locks, trades)

		e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonStopLoss, -1.0)

		if len(locks.SymbolLocks) != 0 {
			t.Errorf("累计收益2.5%%高于下限，不应触发熔断")
		}
	})
}

func TestProtectionDisabled(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.Enabled = false
	cfg.Protection.CooldownMinutes = 15
	cfg.Protection.StoplossGuard.Enabled = true
	locks := &MockLocker{}
	e := newTestEngine(cfg, locks, &MockTradeWindow{})

	e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonStopLoss, -5.0)

	if len(locks.SymbolLocks)+len(locks.GlobalLocks) != 0 {
		t.Error("总开关关闭时任何守卫都不应运行")
	}
}

func TestGuardErrorsSwallowed(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.CooldownMinutes = 15
	cfg.Protection.StoplossGuard = config.StoplossGuardConfig{
		Enabled: true, LookbackMinutes: 60, TradeLimit: 1, LockMinutes: 60,
	}

	// 历史查询失败和锁定失败都不应向调用方传播
	locks := &MockLocker{Err: errors.New("数据库不可用")}
	trades := &MockTradeWindow{FailAll: true}
	e := newTestEngine(cfg, locks, trades)

	e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonStopLoss, -5.0)
	// 正常返回即为通过
}

func TestTriggerPublishesEvent(t *testing.T) {
	cfg := newProtectionConfig()
	cfg.Protection.CooldownMinutes = 15
	locks := &MockLocker{}
	events := &MockPublisher{}
	e := NewEngine(cfg, locks, &MockTradeWindow{}, events)
	e.now = func() time.Time { return testNow }

	e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonTakeProfit, 5.0)

	if len(events.Types) != 1 {
		t.Fatalf("守卫触发应发布1条事件，实际 %d", len(events.Types))
	}
	if events.Types[0] != event.EventTypeProtectionTriggered {
		t.Errorf("事件类型应为 protection_triggered，实际 %q", events.Types[0])
	}
	if events.Data[0]["guard"] != ReasonCooldown {
		t.Errorf("事件数据应带守卫名称: %+v", events.Data[0])
	}
}

func TestProtectionUpdateConfig(t *testing.T) {
	cfg := newProtectionConfig()
	locks := &MockLocker{}
	e := newTestEngine(cfg, locks, &MockTradeWindow{})

	e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonTakeProfit, 5.0)
	if len(locks.SymbolLocks) != 0 {
		t.Fatal("未配置冷却时间时不应锁定")
	}

	// 热更新开启冷却后立即生效
	updated := newProtectionConfig()
	updated.Protection.CooldownMinutes = 10
	e.UpdateConfig(updated)

	e.EvaluateAfterClose(context.Background(), "AAPL", database.ExitReasonTakeProfit, 5.0)
	if len(locks.SymbolLocks) != 1 {
		t.Fatalf("热更新后冷却守卫应生效，实际锁定 %d 条", len(locks.SymbolLocks))
	}
	if locks.SymbolLocks[0].Duration != 10*time.Minute {
		t.Errorf("冷却时长应为10分钟，实际 %v", locks.SymbolLocks[0].Duration)
	}
}
