package database

import (
	"context"
	"testing"
	"time"
)

func newTestDatabase(t *testing.T) Database {
	t.Helper()
	db, err := NewDatabase(&Config{
		Type:         "sqlite",
		DSN:          ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		LogLevel:     "silent",
		AccountScope: "paper",
	})
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPositionRepo(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	// 未找到时返回 nil, nil
	pos, err := db.Positions().Get(ctx, "AAPL")
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if pos != nil {
		t.Fatalf("不存在的持仓应返回 nil, 得到 %v", pos)
	}

	cur := 182.50
	position := &Position{
		Symbol:     "AAPL",
		Shares:     100,
		EntryPrice: 180.00,
		CurrentPrice: &cur,
		StopLoss:   171.00,
		TakeProfit: 198.00,
		EntryTime:  time.Now().UTC(),
	}
	if err := db.Positions().Save(ctx, position); err != nil {
		t.Fatalf("保存持仓失败: %v", err)
	}

	got, err := db.Positions().Get(ctx, "AAPL")
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if got == nil || got.Shares != 100 || got.EntryPrice != 180.00 {
		t.Errorf("持仓数据不正确: %+v", got)
	}
	if got.AccountScope != "paper" {
		t.Errorf("账户范围应为 paper, 得到 %s", got.AccountScope)
	}

	// 更新后仍是同一条记录
	got.Shares = 50
	got.PartialExitCount = 1
	if err := db.Positions().Save(ctx, got); err != nil {
		t.Fatalf("更新持仓失败: %v", err)
	}
	count, err := db.Positions().Count(ctx)
	if err != nil {
		t.Fatalf("统计持仓失败: %v", err)
	}
	if count != 1 {
		t.Errorf("持仓数量应为1, 得到 %d", count)
	}

	positions, err := db.Positions().List(ctx)
	if err != nil {
		t.Fatalf("列出持仓失败: %v", err)
	}
	if len(positions) != 1 || positions[0].Shares != 50 {
		t.Errorf("持仓列表不正确: %+v", positions)
	}

	if err := db.Positions().Delete(ctx, "AAPL"); err != nil {
		t.Fatalf("删除持仓失败: %v", err)
	}
	pos, _ = db.Positions().Get(ctx, "AAPL")
	if pos != nil {
		t.Error("删除后持仓仍然存在")
	}
}

func TestTradeRepo(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	trade := &Trade{
		Symbol:     "MSFT",
		Side:       "BUY",
		Shares:     20,
		EntryPrice: 410.00,
		EntryTime:  time.Now().UTC().Add(-time.Hour),
		OrderID:    "SP-MSFT-B-01HVX",
		StopLoss:   389.50,
		TakeProfit: 451.00,
	}
	if err := db.Trades().Insert(ctx, trade); err != nil {
		t.Fatalf("写入交易记录失败: %v", err)
	}

	open, err := db.Trades().GetOpenBySymbol(ctx, "MSFT")
	if err != nil {
		t.Fatalf("查询未平仓记录失败: %v", err)
	}
	if open == nil || open.ID != trade.ID {
		t.Fatalf("未平仓记录不正确: %+v", open)
	}

	// 回填平仓字段
	exitPrice := 420.00
	pnl := (exitPrice - open.EntryPrice) * float64(open.Shares)
	pnlPct := (exitPrice - open.EntryPrice) / open.EntryPrice
	exitTime := time.Now().UTC()
	reason := "take_profit"
	open.ExitPrice = &exitPrice
	open.Pnl = &pnl
	open.PnlPct = &pnlPct
	open.ExitTime = &exitTime
	open.ExitReason = &reason
	if err := db.Trades().Update(ctx, open); err != nil {
		t.Fatalf("更新交易记录失败: %v", err)
	}

	// 平仓后不再是未平仓记录
	open2, err := db.Trades().GetOpenBySymbol(ctx, "MSFT")
	if err != nil {
		t.Fatalf("查询未平仓记录失败: %v", err)
	}
	if open2 != nil {
		t.Errorf("平仓后仍查到未平仓记录: %+v", open2)
	}

	closed, err := db.Trades().RecentClosed(ctx, 10)
	if err != nil {
		t.Fatalf("查询已平仓记录失败: %v", err)
	}
	if len(closed) != 1 || closed[0].Pnl == nil || *closed[0].Pnl != pnl {
		t.Errorf("已平仓记录不正确: %+v", closed)
	}

	since, err := db.Trades().ClosedSince(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("按时间查询已平仓记录失败: %v", err)
	}
	if len(since) != 1 {
		t.Errorf("时间窗口查询结果不正确: %d 条", len(since))
	}

	bySymbol, err := db.Trades().ClosedBySymbolSince(ctx, "MSFT", time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("按标的查询已平仓记录失败: %v", err)
	}
	if len(bySymbol) != 1 {
		t.Errorf("按标的查询结果不正确: %d 条", len(bySymbol))
	}
}

func TestLockRepo(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// 一个未过期锁 + 一个已过期锁
	if err := db.Locks().Insert(ctx, &PairLock{
		Scope: "AAPL", Side: "*", Reason: "cooldown",
		LockEnd: now.Add(30 * time.Minute), Active: true,
	}); err != nil {
		t.Fatalf("写入锁失败: %v", err)
	}
	if err := db.Locks().Insert(ctx, &PairLock{
		Scope: "TSLA", Side: "long", Reason: "stoploss_guard",
		LockEnd: now.Add(-time.Minute), Active: true,
	}); err != nil {
		t.Fatalf("写入锁失败: %v", err)
	}

	active, err := db.Locks().ActiveAt(ctx, now)
	if err != nil {
		t.Fatalf("查询生效锁失败: %v", err)
	}
	if len(active) != 1 || active[0].Scope != "AAPL" {
		t.Errorf("生效锁不正确: %+v", active)
	}

	forAAPL, err := db.Locks().ActiveFor(ctx, "AAPL", now)
	if err != nil {
		t.Fatalf("按作用域查询锁失败: %v", err)
	}
	if len(forAAPL) != 1 || forAAPL[0].Reason != "cooldown" {
		t.Errorf("作用域锁不正确: %+v", forAAPL)
	}

	// 过期清理只停用已过期的锁
	swept, err := db.Locks().DeactivateExpired(ctx, now)
	if err != nil {
		t.Fatalf("清理过期锁失败: %v", err)
	}
	if swept != 1 {
		t.Errorf("应停用1个过期锁, 实际 %d", swept)
	}
	active, _ = db.Locks().ActiveAt(ctx, now)
	if len(active) != 1 {
		t.Errorf("清理后生效锁数量不正确: %d", len(active))
	}

	// 手动解锁
	n, err := db.Locks().DeactivateFor(ctx, "AAPL", now)
	if err != nil {
		t.Fatalf("解锁失败: %v", err)
	}
	if n != 1 {
		t.Errorf("应停用1个锁, 实际 %d", n)
	}
	active, _ = db.Locks().ActiveAt(ctx, now)
	if len(active) != 0 {
		t.Errorf("解锁后仍有生效锁: %+v", active)
	}
}

func TestOrderRepo(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	order := &OrderRecord{
		ClientOrderID: "SP-AAPL-B-01HVXYZ",
		Symbol:        "AAPL",
		Side:          "BUY",
		Type:          "market",
		Shares:        100,
		Status:        "new",
	}
	if err := db.Orders().Insert(ctx, order); err != nil {
		t.Fatalf("写入订单记录失败: %v", err)
	}

	got, err := db.Orders().GetByClientID(ctx, "SP-AAPL-B-01HVXYZ")
	if err != nil {
		t.Fatalf("查询订单记录失败: %v", err)
	}
	if got == nil || got.Shares != 100 {
		t.Fatalf("订单记录不正确: %+v", got)
	}

	filled := 182.43
	brokerID := "broker-abc-123"
	got.Status = "filled"
	got.FilledPrice = &filled
	got.FilledShares = 100
	got.BrokerOrderID = &brokerID
	if err := db.Orders().Update(ctx, got); err != nil {
		t.Fatalf("更新订单记录失败: %v", err)
	}

	recent, err := db.Orders().Recent(ctx, 10, 0)
	if err != nil {
		t.Fatalf("查询最近订单失败: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != "filled" {
		t.Errorf("最近订单不正确: %+v", recent)
	}
}

func TestTransaction(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	// 提交：交易记录和持仓在同一事务中写入
	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("开始事务失败: %v", err)
	}
	if err := tx.Trades().Insert(ctx, &Trade{
		Symbol: "NVDA", Side: "BUY", Shares: 10,
		EntryPrice: 950.00, EntryTime: time.Now().UTC(), OrderID: "SP-NVDA-B-01",
	}); err != nil {
		tx.Rollback()
		t.Fatalf("事务内写入交易失败: %v", err)
	}
	if err := tx.Positions().Save(ctx, &Position{
		Symbol: "NVDA", Shares: 10, EntryPrice: 950.00, EntryTime: time.Now().UTC(),
	}); err != nil {
		tx.Rollback()
		t.Fatalf("事务内写入持仓失败: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("提交事务失败: %v", err)
	}

	pos, _ := db.Positions().Get(ctx, "NVDA")
	if pos == nil {
		t.Fatal("提交后持仓不可见")
	}

	// 回滚：两条写入都不可见
	tx2, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("开始事务失败: %v", err)
	}
	if err := tx2.Positions().Save(ctx, &Position{
		Symbol: "AMD", Shares: 30, EntryPrice: 160.00, EntryTime: time.Now().UTC(),
	}); err != nil {
		tx2.Rollback()
		t.Fatalf("事务内写入持仓失败: %v", err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("回滚事务失败: %v", err)
	}
	pos, _ = db.Positions().Get(ctx, "AMD")
	if pos != nil {
		t.Error("回滚后持仓仍然可见")
	}
}
