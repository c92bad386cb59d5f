package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"stockpilot/broker"
	"stockpilot/config"
	"stockpilot/database"
	"stockpilot/event"
	"stockpilot/metrics"
)

// ---- 内存数据库桩 ----

type memDB struct {
	mu       sync.Mutex
	posSeq   int64
	tradeSeq int64
	orderSeq int64

	positions map[string]*database.Position
	trades    []*database.Trade
	orders    []*database.OrderRecord

	failPositions bool
	failTx        bool
}

func newMemDB() *memDB {
	return &memDB{positions: make(map[string]*database.Position)}
}

func (db *memDB) Positions() database.PositionRepo { return &memPositions{db} }
func (db *memDB) Trades() database.TradeRepo       { return &memTrades{db} }
func (db *memDB) Locks() database.LockRepo         { return nil } // 执行路径不触达
func (db *memDB) Orders() database.OrderRepo       { return &memOrders{db} }
func (db *memDB) Ping(ctx context.Context) error   { return nil }
func (db *memDB) Close() error                     { return nil }

func (db *memDB) BeginTx(ctx context.Context) (database.Tx, error) {
	if db.failTx {
		return nil, errors.New("tx unavailable")
	}
	return &memTx{db}, nil
}

type memTx struct{ *memDB }

func (t *memTx) Commit() error   { return nil }
func (t *memTx) Rollback() error { return nil }

type memPositions struct{ db *memDB }

func (r *memPositions) Save(ctx context.Context, p *database.Position) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failPositions {
		return errors.New("db unavailable")
	}
	if p.ID == 0 {
		r.db.posSeq++
		p.ID = r.db.posSeq
	}
	cp := *p
	r.db.positions[p.Symbol] = &cp
	return nil
}

func (r *memPositions) Get(ctx context.Context, symbol string) (*database.Position, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failPositions {
		return nil, errors.New("db unavailable")
	}
	p, ok := r.db.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (r *memPositions) List(ctx context.Context) ([]*database.Position, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.failPositions {
		return nil, errors.New("db unavailable")
	}
	out := make([]*database.Position, 0, len(r.db.positions))
	for _, p := range r.db.positions {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (r *memPositions) Count(ctx context.Context) (int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return int64(len(r.db.positions)), nil
}

func (r *memPositions) Delete(ctx context.Context, symbol string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	delete(r.db.positions, symbol)
	return nil
}

type memTrades struct{ db *memDB }

func (r *memTrades) Insert(ctx context.Context, t *database.Trade) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.tradeSeq++
	t.ID = r.db.tradeSeq
	cp := *t
	r.db.trades = append(r.db.trades, &cp)
	return nil
}

func (r *memTrades) Update(ctx context.Context, t *database.Trade) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i, cur := range r.db.trades {
		if cur.ID == t.ID {
			cp := *t
			r.db.trades[i] = &cp
			return nil
		}
	}
	return errors.New("trade not found")
}

func (r *memTrades) GetOpenBySymbol(ctx context.Context, symbol string) (*database.Trade, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, t := range r.db.trades {
		if t.Symbol == symbol && t.ExitTime == nil {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memTrades) RecentClosed(ctx context.Context, limit int) ([]*database.Trade, error) {
	return nil, nil
}

func (r *memTrades) ClosedSince(ctx context.Context, since time.Time) ([]*database.Trade, error) {
	return nil, nil
}

func (r *memTrades) ClosedBySymbolSince(ctx context.Context, symbol string, since time.Time) ([]*database.Trade, error) {
	return nil, nil
}

func (r *memTrades) Recent(ctx context.Context, limit, offset int) ([]*database.Trade, error) {
	return nil, nil
}

type memOrders struct{ db *memDB }

func (r *memOrders) Insert(ctx context.Context, o *database.OrderRecord) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.orderSeq++
	o.ID = r.db.orderSeq
	cp := *o
	r.db.orders = append(r.db.orders, &cp)
	return nil
}

func (r *memOrders) Update(ctx context.Context, o *database.OrderRecord) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i, cur := range r.db.orders {
		if cur.ClientOrderID == o.ClientOrderID {
			cp := *o
			r.db.orders[i] = &cp
			return nil
		}
	}
	return errors.New("order not found")
}

func (r *memOrders) GetByClientID(ctx context.Context, clientOrderID string) (*database.OrderRecord, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, o := range r.db.orders {
		if o.ClientOrderID == clientOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memOrders) Recent(ctx context.Context, limit, offset int) ([]*database.OrderRecord, error) {
	return nil, nil
}

func (db *memDB) position(symbol string) *database.Position {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.positions[symbol]
}

func (db *memDB) tradeCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.trades)
}

func (db *memDB) lastTrade() *database.Trade {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.trades) == 0 {
		return nil
	}
	return db.trades[len(db.trades)-1]
}

func (db *memDB) orderRecord(i int) *database.OrderRecord {
	db.mu.Lock()
	defer db.mu.Unlock()
	if i < 0 || i >= len(db.orders) {
		return nil
	}
	return db.orders[i]
}

// ---- 券商桩 ----

type placedOrder struct {
	Symbol        string
	Side          broker.Side
	Qty           int
	Price         float64 // stop/limit 价
	ClientOrderID string
}

// mockBroker 按配置脚本答复下单与查单
type mockBroker struct {
	mu  sync.Mutex
	seq int

	fillPrice    float64 // 市价单成交均价
	placeErr     error   // 所有市价单提交失败
	sellPlaceErr error   // 仅卖出市价单提交失败
	stopErr      error
	limitErr     error
	cancelErr    error
	neverFill    bool // 市价单永不成交
	rejectOrder  bool // 市价单被拒
	finalFilled  bool // 撤单失败后的最终查询返回已成交

	cancelAttempted bool
	qtyByOrderID    map[string]int

	marketOrders []placedOrder
	stopOrders   []placedOrder
	limitOrders  []placedOrder
	cancelled    []string
}

func newMockBroker(fillPrice float64) *mockBroker {
	return &mockBroker{fillPrice: fillPrice, qtyByOrderID: make(map[string]int)}
}

func (b *mockBroker) Name() string { return "mock" }

func (b *mockBroker) GetAccount(ctx context.Context) (*broker.Account, error) {
	return &broker.Account{Cash: 100000, Equity: 100000}, nil
}

func (b *mockBroker) PlaceMarketOrder(ctx context.Context, symbol string, side broker.Side, qty int, clientOrderID string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	if side == broker.SideSell && b.sellPlaceErr != nil {
		return nil, b.sellPlaceErr
	}
	b.seq++
	id := fmt.Sprintf("bro-%d", b.seq)
	b.qtyByOrderID[id] = qty
	b.marketOrders = append(b.marketOrders, placedOrder{symbol, side, qty, 0, clientOrderID})
	return &broker.Order{ID: id, ClientOrderID: clientOrderID, Symbol: symbol, Side: side,
		Type: broker.OrderTypeMarket, Qty: qty, Status: broker.OrderStatusSubmitted}, nil
}

func (b *mockBroker) PlaceLimitOrder(ctx context.Context, symbol string, side broker.Side, qty int, limitPrice float64, clientOrderID string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limitErr != nil {
		return nil, b.limitErr
	}
	b.seq++
	id := fmt.Sprintf("bro-%d", b.seq)
	b.limitOrders = append(b.limitOrders, placedOrder{symbol, side, qty, limitPrice, clientOrderID})
	return &broker.Order{ID: id, ClientOrderID: clientOrderID, Symbol: symbol, Side: side,
		Type: broker.OrderTypeLimit, Qty: qty, LimitPrice: limitPrice, Status: broker.OrderStatusSubmitted}, nil
}

func (b *mockBroker) PlaceStopOrder(ctx context.Context, symbol string, side broker.Side, qty int, stopPrice float64, clientOrderID string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopErr != nil {
		return nil, b.stopErr
	}
	b.seq++
	id := fmt.Sprintf("bro-%d", b.seq)
	b.stopOrders = append(b.stopOrders, placedOrder{symbol, side, qty, stopPrice, clientOrderID})
	return &broker.Order{ID: id, ClientOrderID: clientOrderID, Symbol: symbol, Side: side,
		Type: broker.OrderTypeStop, Qty: qty, StopPrice: stopPrice, Status: broker.OrderStatusSubmitted}, nil
}

func (b *mockBroker) GetOrder(ctx context.Context, orderID string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	qty := b.qtyByOrderID[orderID]
	if b.rejectOrder {
		return &broker.Order{ID: orderID, Status: broker.OrderStatusRejected}, nil
	}
	if b.neverFill && !(b.cancelAttempted && b.finalFilled) {
		return &broker.Order{ID: orderID, Status: broker.OrderStatusSubmitted}, nil
	}
	return &broker.Order{ID: orderID, Status: broker.OrderStatusFilled,
		FilledAvgPrice: b.fillPrice, FilledQty: qty}, nil
}

func (b *mockBroker) CancelOrder(ctx context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelAttempted = true
	b.cancelled = append(b.cancelled, orderID)
	return b.cancelErr
}

func (b *mockBroker) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	return b.fillPrice, nil
}

func (b *mockBroker) cancelledIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

// ---- 其余依赖桩 ----

type mockPriceSource struct {
	price float64
	ok    bool
}

func (s *mockPriceSource) Price(ctx context.Context, symbol string) (float64, bool) {
	return s.price, s.ok
}

type mockLocks struct {
	locked    bool
	reason    string
	querySide string
}

func (l *mockLocks) IsLocked(ctx context.Context, symbol, side string) (bool, string) {
	l.querySide = side
	if l.locked {
		return true, l.reason
	}
	return false, ""
}

type guardCall struct {
	Symbol string
	Reason string
	PnlPct float64
}

type mockGuard struct {
	mu    sync.Mutex
	calls []guardCall
}

func (g *mockGuard) EvaluateAfterClose(ctx context.Context, symbol, exitReason string, pnlPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, guardCall{symbol, exitReason, pnlPct})
}

func (g *mockGuard) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *mockGuard) lastCall() guardCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.calls) == 0 {
		return guardCall{}
	}
	return g.calls[len(g.calls)-1]
}

type mockEvents struct {
	mu    sync.Mutex
	types []event.EventType
}

func (m *mockEvents) PublishEvent(eventType event.EventType, data map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, eventType)
}

func (m *mockEvents) has(eventType event.EventType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.types {
		if t == eventType {
			return true
		}
	}
	return false
}

type mockDistLock struct {
	mu      sync.Mutex
	tryErr  error
	busy    bool
	locks   int
	unlocks int
}

func (l *mockDistLock) Lock(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (l *mockDistLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tryErr != nil {
		return false, l.tryErr
	}
	if l.busy {
		return false, nil
	}
	l.locks++
	return true, nil
}

func (l *mockDistLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocks++
	return nil
}

func (l *mockDistLock) Extend(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (l *mockDistLock) Close() error                                                    { return nil }

// ---- 测试装配 ----

func newExecConfig(mode string) *config.Config {
	cfg := &config.Config{}
	cfg.Trading.Mode = mode
	cfg.Trading.OrderTimeoutSeconds = 1
	cfg.Trading.FillPollIntervalMs = 50
	cfg.Trading.OrdersPerSecond = 1000
	cfg.Trading.OrderRateBurst = 1000
	cfg.Trading.DefaultStopLossPct = 0.05
	return cfg
}

type execFixture struct {
	cfg    *config.Config
	db     *memDB
	broker *mockBroker
	prices *mockPriceSource
	locks  *mockLocks
	guard  *mockGuard
	events *mockEvents
	exec   *Executor
}

func newExecFixture(mode string, client broker.Client) *execFixture {
	f := &execFixture{
		cfg:    newExecConfig(mode),
		db:     newMemDB(),
		prices: &mockPriceSource{},
		locks:  &mockLocks{},
		guard:  &mockGuard{},
		events: &mockEvents{},
	}
	f.exec = NewExecutor(f.cfg, Deps{
		DB:     f.db,
		Broker: client,
		Prices: f.prices,
		Locks:  f.locks,
		Guard:  f.guard,
		Events: f.events,
		Stats:  metrics.NewStatsCollector(),
	})
	return f
}

func (f *execFixture) seedPosition(p *database.Position) {
	if err := f.db.Positions().Save(context.Background(), p); err != nil {
		panic(err)
	}
}

func (f *execFixture) seedOpenTrade(t *database.Trade) {
	if err := f.db.Trades().Insert(context.Background(), t); err != nil {
		panic(err)
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ---- 买入 ----

func TestExecuteBuyDryRun(t *testing.T) {
	ctx := context.Background()

	t.Run("按参考价合成成交并落库", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		res := f.exec.ExecuteBuy(ctx, &BuyParams{
			Symbol: "AAPL", Shares: 10, Price: 200, StopLossPct: 0.05, TakeProfitPct: 0.10,
		})
		if !res.Success {
			t.Fatalf("买入应成功: %s", res.Error)
		}
		if res.Price != 200 || res.Shares != 10 {
			t.Fatalf("成交结果错误: %+v", res)
		}
		if res.OrderID == "" {
			t.Fatal("应生成客户端订单号")
		}

		pos := f.db.position("AAPL")
		if pos == nil {
			t.Fatal("应写入持仓")
		}
		if !almostEqual(pos.StopLoss, 190) {
			t.Fatalf("止损价应为190, got %.4f", pos.StopLoss)
		}
		if !almostEqual(pos.TakeProfit, 220) {
			t.Fatalf("止盈价应为220, got %.4f", pos.TakeProfit)
		}

		trade := f.db.lastTrade()
		if trade == nil || trade.Side != "BUY" || trade.ExitTime != nil {
			t.Fatalf("应写入未平仓的买入交易: %+v", trade)
		}
		if trade.EntryPrice != 200 || trade.Shares != 10 {
			t.Fatalf("交易记录字段错误: %+v", trade)
		}
	})

	t.Run("已有持仓拒绝重复开仓", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.seedPosition(&database.Position{Symbol: "AAPL", Shares: 5, EntryPrice: 180})

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success || res.Error != "Position already exists" {
			t.Fatalf("应拒绝重复开仓: %+v", res)
		}
	})

	t.Run("标的锁定时拒绝买入", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.locks.locked = true
		f.locks.reason = "cooldown"

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success || res.Error != "Pair locked: cooldown" {
			t.Fatalf("应被锁拒绝: %+v", res)
		}
		if f.locks.querySide != "long" {
			t.Fatalf("买入应查询做多方向的锁, got %q", f.locks.querySide)
		}
	})

	t.Run("无参考价且行情不可用时失败", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10})
		if res.Success || res.Error != "No price available for AAPL" {
			t.Fatalf("应因无价格失败: %+v", res)
		}
	})

	t.Run("参数非法直接拒绝", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 0, Price: 200})
		if res.Success || res.Error != "Invalid buy parameters" {
			t.Fatalf("应拒绝非法股数: %+v", res)
		}
	})

	t.Run("落库失败时买入失败", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.db.failTx = true
		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success || !strings.HasPrefix(res.Error, "Failed to persist trade") {
			t.Fatalf("应因落库失败: %+v", res)
		}
	})
}

func TestExecuteBuyLive(t *testing.T) {
	ctx := context.Background()

	t.Run("成交后落库并挂保护单", func(t *testing.T) {
		b := newMockBroker(201)
		f := newExecFixture("live", b)
		res := f.exec.ExecuteBuy(ctx, &BuyParams{
			Symbol: "AAPL", Shares: 10, Price: 200, StopLossPct: 0.05, TakeProfitPct: 0.10,
		})
		if !res.Success {
			t.Fatalf("买入应成功: %s", res.Error)
		}
		if res.Price != 201 {
			t.Fatalf("应按成交均价返回, got %.2f", res.Price)
		}

		pos := f.db.position("AAPL")
		if pos == nil {
			t.Fatal("应写入持仓")
		}
		if !almostEqual(pos.StopLoss, 201*0.95) {
			t.Fatalf("止损应按成交价计算, got %.4f", pos.StopLoss)
		}
		if pos.StopOrderID == nil || *pos.StopOrderID == "" {
			t.Fatal("应记录止损单ID")
		}
		if pos.TakeProfitOrderID == nil || *pos.TakeProfitOrderID == "" {
			t.Fatal("应记录止盈单ID")
		}

		if len(b.stopOrders) != 1 || !almostEqual(b.stopOrders[0].Price, 201*0.95) {
			t.Fatalf("止损单价格错误: %+v", b.stopOrders)
		}
		if len(b.limitOrders) != 1 || !almostEqual(b.limitOrders[0].Price, 201*1.10) {
			t.Fatalf("止盈单价格错误: %+v", b.limitOrders)
		}

		trade := f.db.trades[0]
		if trade.Slippage == nil || !almostEqual(*trade.Slippage, 1) {
			t.Fatalf("应记录滑点 1.0: %+v", trade.Slippage)
		}

		rec := f.db.orderRecord(0)
		if rec == nil || rec.Status != "filled" || rec.FilledPrice == nil || *rec.FilledPrice != 201 {
			t.Fatalf("市价单记录应为已成交: %+v", rec)
		}
	})

	t.Run("无券商客户端时快速失败", func(t *testing.T) {
		f := newExecFixture("live", nil)
		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success || res.Error != "No broker client configured" {
			t.Fatalf("应因缺少券商客户端失败: %+v", res)
		}
	})

	t.Run("提交失败时标记订单失败", func(t *testing.T) {
		b := newMockBroker(201)
		b.placeErr = errors.New("insufficient buying power")
		f := newExecFixture("live", b)

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success || res.Error != "insufficient buying power" {
			t.Fatalf("应透传券商错误: %+v", res)
		}
		rec := f.db.orderRecord(0)
		if rec == nil || rec.Status != "failed" || rec.FailureReason == nil {
			t.Fatalf("订单记录应标记失败: %+v", rec)
		}
		if f.db.position("AAPL") != nil {
			t.Fatal("不应写入持仓")
		}
	})
}

// ---- 成交等待 ----

func TestWaitForFill(t *testing.T) {
	ctx := context.Background()

	t.Run("超时撤单成功按超时失败", func(t *testing.T) {
		b := newMockBroker(200)
		b.neverFill = true
		f := newExecFixture("live", b)

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success {
			t.Fatal("应超时失败")
		}
		if res.Error != "Order fill timeout" {
			t.Fatalf("超时错误文案应精确匹配, got %q", res.Error)
		}
		if len(b.cancelledIDs()) == 0 {
			t.Fatal("超时后应尝试撤单")
		}
		if !f.events.has(event.EventTypeOrderCanceled) {
			t.Fatal("撤单成功应发布订单取消事件")
		}
		if f.db.position("AAPL") != nil {
			t.Fatal("未成交不应写入持仓")
		}
		rec := f.db.orderRecord(0)
		if rec == nil || rec.Status != "failed" || rec.FailureReason == nil || *rec.FailureReason != "Order fill timeout" {
			t.Fatalf("订单记录应标记超时失败: %+v", rec)
		}
	})

	t.Run("撤单失败后对账到成交", func(t *testing.T) {
		b := newMockBroker(200.5)
		b.neverFill = true
		b.cancelErr = errors.New("order is not cancelable")
		b.finalFilled = true
		f := newExecFixture("live", b)

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if !res.Success {
			t.Fatalf("对账到成交应按成功处理: %s", res.Error)
		}
		if res.Price != 200.5 {
			t.Fatalf("应采用对账到的成交价, got %.2f", res.Price)
		}
		if f.events.has(event.EventTypeOrderCanceled) {
			t.Fatal("撤单失败不应发布订单取消事件")
		}
		if f.db.position("AAPL") == nil {
			t.Fatal("对账成交后应写入持仓")
		}
	})

	t.Run("券商拒单按终态失败", func(t *testing.T) {
		b := newMockBroker(200)
		b.rejectOrder = true
		f := newExecFixture("live", b)

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success || !strings.Contains(res.Error, "REJECTED") {
			t.Fatalf("拒单应按终态失败: %+v", res)
		}
		if f.db.position("AAPL") != nil {
			t.Fatal("拒单不应写入持仓")
		}
	})
}

// ---- 保护单失败 ----

func TestProtectiveStopFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("止损挂单失败触发紧急平仓", func(t *testing.T) {
		b := newMockBroker(201)
		b.stopErr = errors.New("stop orders rejected")
		f := newExecFixture("live", b)

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if !res.Success {
			t.Fatalf("买入本身应按成功返回: %s", res.Error)
		}
		if f.db.position("AAPL") != nil {
			t.Fatal("紧急平仓后持仓应被删除")
		}

		var closed *database.Trade
		for _, tr := range f.db.trades {
			if tr.ExitReason != nil && *tr.ExitReason == database.ExitReasonEmergency {
				closed = tr
			}
		}
		if closed == nil {
			t.Fatal("应按 emergency_exit 记录平仓")
		}
		if f.guard.callCount() != 1 || f.guard.lastCall().Reason != database.ExitReasonEmergency {
			t.Fatalf("紧急平仓应触发保护评估: %+v", f.guard.lastCall())
		}
	})

	t.Run("紧急平仓也失败时保留持仓并发事件", func(t *testing.T) {
		b := newMockBroker(201)
		b.stopErr = errors.New("stop orders rejected")
		b.sellPlaceErr = errors.New("market closed")
		f := newExecFixture("live", b)

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if !res.Success {
			t.Fatalf("买入本身应按成功返回: %s", res.Error)
		}
		if f.db.position("AAPL") == nil {
			t.Fatal("平仓失败时持仓应保留")
		}
		if !f.events.has(event.EventTypeUnprotectedPosition) {
			t.Fatal("应发布无保护持仓事件")
		}
		if f.guard.callCount() != 0 {
			t.Fatal("未完成平仓不应触发保护评估")
		}
	})
}

// ---- 平仓 ----

func TestExecuteClose(t *testing.T) {
	ctx := context.Background()

	t.Run("按当前价平仓并触发保护评估", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.prices.price = 105
		f.prices.ok = true
		f.seedPosition(&database.Position{Symbol: "AAPL", Shares: 10, EntryPrice: 100, EntryTime: time.Now().UTC()})
		f.seedOpenTrade(&database.Trade{Symbol: "AAPL", Side: "BUY", Shares: 10, EntryPrice: 100, OrderID: "ord-1"})

		res := f.exec.ExecuteClose(ctx, &CloseParams{Symbol: "AAPL", Reason: database.ExitReasonSignal})
		if !res.Success {
			t.Fatalf("平仓应成功: %s", res.Error)
		}
		if !almostEqual(res.Pnl, 50) || !almostEqual(res.PnlPct, 5) {
			t.Fatalf("盈亏计算错误: pnl=%.2f pct=%.2f", res.Pnl, res.PnlPct)
		}
		if f.db.position("AAPL") != nil {
			t.Fatal("平仓后持仓应删除")
		}

		trade := f.db.trades[0]
		if trade.ExitPrice == nil || *trade.ExitPrice != 105 {
			t.Fatalf("应写入平仓价: %+v", trade)
		}
		if trade.ExitReason == nil || *trade.ExitReason != database.ExitReasonSignal {
			t.Fatalf("应写入平仓原因: %+v", trade)
		}

		call := f.guard.lastCall()
		if f.guard.callCount() != 1 || call.Reason != database.ExitReasonSignal || !almostEqual(call.PnlPct, 5) {
			t.Fatalf("应触发平仓后保护评估: %+v", call)
		}
	})

	t.Run("行情不可用按买入价平仓", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.seedPosition(&database.Position{Symbol: "AAPL", Shares: 10, EntryPrice: 100})
		f.seedOpenTrade(&database.Trade{Symbol: "AAPL", Side: "BUY", Shares: 10, EntryPrice: 100, OrderID: "ord-1"})

		res := f.exec.ExecuteClose(ctx, &CloseParams{Symbol: "AAPL"})
		if !res.Success || res.Price != 100 || !almostEqual(res.Pnl, 0) {
			t.Fatalf("应按买入价平仓: %+v", res)
		}
	})

	t.Run("无持仓时返回明确错误", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		res := f.exec.ExecuteClose(ctx, &CloseParams{Symbol: "MSFT"})
		if res.Success || res.Error != "No position for MSFT" {
			t.Fatalf("应明确提示无持仓: %+v", res)
		}
	})

	t.Run("持仓查询失败时不下单", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.db.failPositions = true
		res := f.exec.ExecuteClose(ctx, &CloseParams{Symbol: "AAPL"})
		if res.Success || !strings.HasPrefix(res.Error, "Position lookup failed") {
			t.Fatalf("应返回查询失败: %+v", res)
		}
	})

	t.Run("实盘平仓先撤保护单再卖出", func(t *testing.T) {
		b := newMockBroker(104)
		f := newExecFixture("live", b)
		stopID, tpID := "stop-1", "tp-1"
		f.seedPosition(&database.Position{
			Symbol: "AAPL", Shares: 10, EntryPrice: 100,
			StopOrderID: &stopID, TakeProfitOrderID: &tpID,
		})
		f.seedOpenTrade(&database.Trade{Symbol: "AAPL", Side: "BUY", Shares: 10, EntryPrice: 100, OrderID: "ord-1"})

		res := f.exec.ExecuteClose(ctx, &CloseParams{Symbol: "AAPL", Reason: database.ExitReasonStopLoss})
		if !res.Success {
			t.Fatalf("平仓应成功: %s", res.Error)
		}
		cancelled := b.cancelledIDs()
		if len(cancelled) != 2 || cancelled[0] != "stop-1" || cancelled[1] != "tp-1" {
			t.Fatalf("应先撤销止损和止盈单: %v", cancelled)
		}
		if len(b.marketOrders) != 1 || b.marketOrders[0].Side != broker.SideSell || b.marketOrders[0].Qty != 10 {
			t.Fatalf("应市价卖出全部持仓: %+v", b.marketOrders)
		}
		if f.db.position("AAPL") != nil {
			t.Fatal("平仓后持仓应删除")
		}
	})

	t.Run("开仓交易缺失时按持仓补录", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.prices.price = 110
		f.prices.ok = true
		f.seedPosition(&database.Position{Symbol: "AAPL", Shares: 10, EntryPrice: 100})

		res := f.exec.ExecuteClose(ctx, &CloseParams{Symbol: "AAPL"})
		if !res.Success {
			t.Fatalf("平仓应成功: %s", res.Error)
		}
		trade := f.db.lastTrade()
		if trade == nil || trade.EntryPrice != 100 || trade.ExitPrice == nil || *trade.ExitPrice != 110 {
			t.Fatalf("应补录开仓数据并写入平仓字段: %+v", trade)
		}
	})
}

// ---- 分布式锁 ----

func TestDistributedLock(t *testing.T) {
	ctx := context.Background()

	t.Run("锁服务异常时降级继续交易", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		dl := &mockDistLock{tryErr: errors.New("redis down")}
		f.exec.dlock = dl

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if !res.Success {
			t.Fatalf("锁服务异常应降级放行: %s", res.Error)
		}
	})

	t.Run("锁被其他实例持有时跳过", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		f.exec.dlock = &mockDistLock{busy: true}

		res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200})
		if res.Success || res.Error != "Symbol busy: locked by another instance" {
			t.Fatalf("应跳过被占用的标的: %+v", res)
		}
	})

	t.Run("完成后释放锁", func(t *testing.T) {
		f := newExecFixture("dry_run", nil)
		dl := &mockDistLock{}
		f.exec.dlock = dl

		if res := f.exec.ExecuteBuy(ctx, &BuyParams{Symbol: "AAPL", Shares: 10, Price: 200}); !res.Success {
			t.Fatalf("买入应成功: %s", res.Error)
		}
		if dl.locks != 1 || dl.unlocks != 1 {
			t.Fatalf("锁应获取并释放各一次: locks=%d unlocks=%d", dl.locks, dl.unlocks)
		}
	})
}
