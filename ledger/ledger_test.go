package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/fee"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger(t *testing.T, capital string) (*Ledger, *database.Model) {
	t.Helper()
	db, err := database.NewMemoryDatabase(t.Name())
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l := New(db, nil)
	m := &database.Model{Name: "m-" + t.Name(), InitialCapital: dec(capital)}
	if err := l.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("创建模型失败: %v", err)
	}
	return l, m
}

func buyFill(symbol string, qty int64, price string) Fill {
	c := fee.NewCalculator(fee.DefaultRates())
	p := dec(price)
	return Fill{
		Symbol:           symbol,
		Quantity:         qty,
		Price:            p,
		Fees:             c.Compute(p.Mul(decimal.NewFromInt(qty)), fee.Buy),
		NextSellableDate: "2024-03-05",
	}
}

func sellFill(symbol string, qty int64, price string) Fill {
	c := fee.NewCalculator(fee.DefaultRates())
	p := dec(price)
	return Fill{
		Symbol:   symbol,
		Quantity: qty,
		Price:    p,
		Fees:     c.Compute(p.Mul(decimal.NewFromInt(qty)), fee.Sell),
	}
}

func TestApplyBuyAndSell(t *testing.T) {
	l, m := newTestLedger(t, "100000")
	ctx := context.Background()

	w, err := l.Acquire(ctx, m.ID)
	if err != nil {
		t.Fatalf("获取写锁失败: %v", err)
	}
	defer w.Release()

	if err := w.ApplyBuy(ctx, buyFill("600519.SH", 100, "50.00"), &database.TradeRecord{Signal: database.SignalOpenLong}); err != nil {
		t.Fatalf("买入失败: %v", err)
	}
	snap, err := w.Snapshot(ctx)
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if !snap.Cash.Equal(dec("94994.95")) {
		t.Errorf("买入后现金 = %s, 期望 94994.95", snap.Cash)
	}
	pos := snap.Position("600519.SH")
	if pos == nil || pos.Quantity != 100 || !pos.AvgPrice.Equal(dec("50")) || pos.NextSellableDate != "2024-03-05" {
		t.Fatalf("持仓不符合预期: %+v", pos)
	}

	// 加仓：加权平均成本
	if err := w.ApplyBuy(ctx, buyFill("600519.SH", 200, "53.00"), &database.TradeRecord{Signal: database.SignalOpenLong}); err != nil {
		t.Fatalf("加仓失败: %v", err)
	}
	snap, _ = w.Snapshot(ctx)
	if pos := snap.Position("600519.SH"); pos.Quantity != 300 || !pos.AvgPrice.Equal(dec("52")) {
		t.Errorf("加仓后持仓 = %d @ %s, 期望 300 @ 52", pos.Quantity, pos.AvgPrice)
	}

	rec := &database.TradeRecord{Signal: database.SignalCloseLong}
	if err := w.ApplySell(ctx, sellFill("600519.SH", 300, "45.00"), rec); err != nil {
		t.Fatalf("卖出失败: %v", err)
	}
	// (45-52)*300 - (5 + 0.14 + 13.5)
	if !rec.RealizedPnL.Equal(dec("-2118.64")) {
		t.Errorf("已实现盈亏 = %s, 期望 -2118.64", rec.RealizedPnL)
	}
	snap, _ = w.Snapshot(ctx)
	if len(snap.Positions) != 0 {
		t.Errorf("清仓后持仓应删除, 实际 %d 条", len(snap.Positions))
	}

	trades, _ := l.Trades(ctx, &database.TradeFilter{ModelID: m.ID})
	if len(trades) != 3 {
		t.Errorf("交易记录数 = %d, 期望 3", len(trades))
	}
	pnl, _ := l.RealizedPnL(ctx, m.ID)
	if !pnl.Equal(dec("-2118.64")) {
		t.Errorf("累计已实现盈亏 = %s", pnl)
	}
	if !snap.RealizedPnL.Equal(dec("-2118.64")) {
		t.Errorf("快照内已实现盈亏 = %s, 期望 -2118.64", snap.RealizedPnL)
	}
}

func TestApplySellInvariantLeavesLedgerUnchanged(t *testing.T) {
	l, m := newTestLedger(t, "100000")
	ctx := context.Background()

	w, _ := l.Acquire(ctx, m.ID)
	defer w.Release()

	err := w.ApplySell(ctx, sellFill("600036.SH", 100, "30.00"), &database.TradeRecord{})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("期望不变量错误, 实际 %v", err)
	}

	err = w.ApplyBuy(ctx, buyFill("600036.SH", 100000, "30.00"), &database.TradeRecord{})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("现金为负应触发不变量错误, 实际 %v", err)
	}

	snap, _ := w.Snapshot(ctx)
	if !snap.Cash.Equal(dec("100000")) || len(snap.Positions) != 0 {
		t.Errorf("不变量错误后账本被修改: 现金 %s, 持仓 %d", snap.Cash, len(snap.Positions))
	}
	trades, _ := l.Trades(ctx, &database.TradeFilter{ModelID: m.ID})
	if len(trades) != 0 {
		t.Errorf("不变量错误不应写交易记录, 实际 %d 条", len(trades))
	}
}

func TestRecordRejection(t *testing.T) {
	l, m := newTestLedger(t, "1000")
	ctx := context.Background()

	w, _ := l.Acquire(ctx, m.ID)
	rec := &database.TradeRecord{Symbol: "600519.SH", Signal: database.SignalOpenShort, Reason: "short_selling_disabled"}
	if err := w.RecordRejection(ctx, rec); err != nil {
		t.Fatalf("写拒单失败: %v", err)
	}
	w.Release()

	if rec.Status != database.StatusRejected || rec.ModelID != m.ID {
		t.Errorf("拒单记录字段错误: %+v", rec)
	}
	if err := w.RecordRejection(ctx, &database.TradeRecord{}); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("释放后写入应报错, 实际 %v", err)
	}
}

func TestAcquireSerializesWriters(t *testing.T) {
	l, m := newTestLedger(t, "1000000")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := l.Acquire(ctx, m.ID)
			if err != nil {
				t.Errorf("获取写锁失败: %v", err)
				return
			}
			defer w.Release()
			if err := w.ApplyBuy(ctx, buyFill("000001.SZ", 100, "10.00"), &database.TradeRecord{}); err != nil {
				t.Errorf("买入失败: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, _ := l.Snapshot(ctx, m.ID)
	pos := snap.Position("000001.SZ")
	if pos == nil || pos.Quantity != 1000 {
		t.Fatalf("并发买入后持仓错误: %+v", pos)
	}
	// 每笔 1000 + 5.01
	if !snap.Cash.Equal(dec("989949.9")) {
		t.Errorf("并发买入后现金 = %s, 期望 989949.9", snap.Cash)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	l, m := newTestLedger(t, "1000")
	w, _ := l.Acquire(context.Background(), m.ID)
	defer w.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, m.ID); err == nil {
		t.Error("写锁被占用时应超时")
	}
}

func TestSnapshotUnknownModel(t *testing.T) {
	l, _ := newTestLedger(t, "1000")
	if _, err := l.Snapshot(context.Background(), 999); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("期望 ErrModelNotFound, 实际 %v", err)
	}
}
