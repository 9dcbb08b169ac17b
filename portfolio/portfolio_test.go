package portfolio

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/fee"
	"stockarena/ledger"
	"stockarena/market"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	db       *database.GormDatabase
	ledger   *ledger.Ledger
	provider *market.StaticProvider
	agg      *Aggregator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := database.NewMemoryDatabase(name)
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{db: db, ledger: ledger.New(db, nil), provider: market.NewStaticProvider()}
	f.agg = NewAggregator(f.ledger, f.provider, nil)
	return f
}

func (f *fixture) model(t *testing.T, name, capital string) *database.Model {
	t.Helper()
	m := &database.Model{Name: name, InitialCapital: dec(capital)}
	if err := f.ledger.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("创建模型失败: %v", err)
	}
	return m
}

func (f *fixture) buy(t *testing.T, modelID int64, symbol string, qty int64, price string) {
	t.Helper()
	ctx := context.Background()
	w, err := f.ledger.Acquire(ctx, modelID)
	if err != nil {
		t.Fatalf("获取写锁失败: %v", err)
	}
	defer w.Release()

	p := dec(price)
	fill := ledger.Fill{Symbol: symbol, Quantity: qty, Price: p, NextSellableDate: "2024-03-05"}
	fill.Fees = fee.NewCalculator(fee.DefaultRates()).Compute(fill.Notional(), fee.Buy)
	if err := w.ApplyBuy(ctx, fill, &database.TradeRecord{Signal: database.SignalOpenLong}); err != nil {
		t.Fatalf("买入失败: %v", err)
	}
}

func (f *fixture) price(symbol, price string) {
	f.provider.Set(&market.Snapshot{Symbol: symbol, Price: dec(price), PrevClose: dec(price), Volume: 1000})
}

func TestSingleModelViewLivePrice(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "alpha", "100000")
	f.buy(t, m.ID, "600036.SH", 100, "50")
	f.price("600036.SH", "55")

	p, err := f.agg.SingleModelView(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("估值失败: %v", err)
	}
	if !p.Cash.Equal(dec("94994.95")) {
		t.Errorf("现金应为 94994.95，实际 %s", p.Cash)
	}
	if len(p.Positions) != 1 {
		t.Fatalf("应有 1 个持仓，实际 %d", len(p.Positions))
	}
	pos := p.Positions[0]
	if pos.PriceSource != PriceLive || !pos.CurrentPrice.Equal(dec("55")) {
		t.Errorf("应使用实时价 55，实际 %s (%s)", pos.CurrentPrice, pos.PriceSource)
	}
	if !pos.UnrealizedPnL.Equal(dec("500")) {
		t.Errorf("浮动盈亏应为 500，实际 %s", pos.UnrealizedPnL)
	}
	if !p.TotalValue.Equal(dec("100494.95")) {
		t.Errorf("总资产应为 100494.95，实际 %s", p.TotalValue)
	}
	if !p.ReturnPct.Equal(dec("0.49")) {
		t.Errorf("收益率应为 0.49%%，实际 %s", p.ReturnPct)
	}

	snaps, err := f.ledger.Equity(context.Background(), m.ID, 0)
	if err != nil {
		t.Fatalf("读取权益快照失败: %v", err)
	}
	if len(snaps) != 1 || !snaps[0].TotalValue.Equal(p.TotalValue) {
		t.Errorf("应追加一条权益快照，实际 %d", len(snaps))
	}
}

func TestPriceFallback(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "beta", "100000")
	f.buy(t, m.ID, "600036.SH", 100, "50")

	// 没有记录价的持仓
	err := f.db.SavePosition(context.Background(), &database.Position{
		ModelID: m.ID, Symbol: "000001.SZ", Side: "long", Quantity: 200, AvgPrice: dec("10"),
	})
	if err != nil {
		t.Fatalf("写入持仓失败: %v", err)
	}

	f.provider.SetError(errors.New("network down"))
	p, err := f.agg.SingleModelView(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("行情失败时估值不应报错: %v", err)
	}

	want := map[string]struct {
		source string
		price  string
	}{
		"000001.SZ": {PriceCost, "10"},
		"600036.SH": {PriceStored, "50"},
	}
	for _, pos := range p.Positions {
		w := want[pos.Symbol]
		if pos.PriceSource != w.source || !pos.CurrentPrice.Equal(dec(w.price)) {
			t.Errorf("%s 期望 %s/%s，实际 %s/%s", pos.Symbol, w.source, w.price, pos.PriceSource, pos.CurrentPrice)
		}
	}
	if !p.UnrealizedPnL.IsZero() {
		t.Errorf("回退估值时浮动盈亏应为 0，实际 %s", p.UnrealizedPnL)
	}
}

func TestViewIdempotent(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "gamma", "100000")
	f.buy(t, m.ID, "600036.SH", 200, "20")
	f.price("600036.SH", "21")

	ctx := context.Background()
	first, err := f.agg.SingleModelView(ctx, m.ID)
	if err != nil {
		t.Fatalf("第一次估值失败: %v", err)
	}
	second, err := f.agg.SingleModelView(ctx, m.ID)
	if err != nil {
		t.Fatalf("第二次估值失败: %v", err)
	}
	if !first.Cash.Equal(second.Cash) || !first.RealizedPnL.Equal(second.RealizedPnL) {
		t.Errorf("重复估值不应改变现金与已实现盈亏")
	}
	if len(first.Positions) != len(second.Positions) || first.Positions[0].Quantity != second.Positions[0].Quantity {
		t.Errorf("重复估值不应改变持仓")
	}
	snaps, _ := f.ledger.Equity(ctx, m.ID, 0)
	if len(snaps) != 2 {
		t.Errorf("每次估值追加一条快照，期望 2 实际 %d", len(snaps))
	}
}

func TestLeaderboardAndAggregate(t *testing.T) {
	f := newFixture(t)
	a := f.model(t, "a", "100000")
	b := f.model(t, "b", "50000")
	f.buy(t, a.ID, "600036.SH", 100, "50")
	f.buy(t, b.ID, "600036.SH", 300, "40")
	f.price("600036.SH", "45")

	ctx := context.Background()
	board, err := f.agg.Leaderboard(ctx)
	if err != nil {
		t.Fatalf("排行榜失败: %v", err)
	}
	if len(board) != 2 || board[0].ModelID != b.ID || board[0].Rank != 1 {
		t.Fatalf("盈利的 b 应排第一: %+v", board)
	}

	agg, err := f.agg.AggregatedView(ctx)
	if err != nil {
		t.Fatalf("汇总失败: %v", err)
	}
	if agg.ModelCount != 2 || !agg.InitialCapital.Equal(dec("150000")) {
		t.Errorf("汇总模型数/初始资金错误: %d %s", agg.ModelCount, agg.InitialCapital)
	}
	if len(agg.Positions) != 1 {
		t.Fatalf("同一代码应合并为 1 个持仓，实际 %d", len(agg.Positions))
	}
	pos := agg.Positions[0]
	// (100*50 + 300*40) / 400 = 42.5
	if pos.Quantity != 400 || !pos.AvgPrice.Equal(dec("42.5")) || pos.ModelCount != 2 {
		t.Errorf("合并持仓错误: %+v", pos)
	}
	if !agg.TotalValue.Equal(agg.Cash.Add(agg.PositionsValue)) {
		t.Errorf("总资产应等于现金加持仓市值")
	}
	if len(agg.Series) != 0 {
		t.Errorf("汇总视图不应追加快照，曲线应为空，实际 %d", len(agg.Series))
	}
}

func TestMergeSeries(t *testing.T) {
	base := time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)
	snap := func(offset time.Duration, v string) *database.EquitySnapshot {
		return &database.EquitySnapshot{CreatedAt: base.Add(offset), TotalValue: dec(v)}
	}
	history := map[int64][]*database.EquitySnapshot{
		1: {snap(10*time.Second, "100"), snap(90*time.Second, "101"), snap(110*time.Second, "102")},
		2: {snap(65*time.Second, "200"), snap(130*time.Second, "199")},
		3: {},
	}

	series := MergeSeries(history)
	if len(series) != 3 {
		t.Fatalf("应有 3 个分钟点，实际 %d", len(series))
	}

	// 10:00 只有模型 1，模型 2 尚无历史，不给汇总
	if len(series[0].Values) != 1 || series[0].Total != nil {
		t.Errorf("第一个点应只有模型 1 且无汇总: %+v", series[0])
	}
	// 10:01 同一分钟取最后一条
	if v := series[1].Values[1]; !v.Equal(dec("102")) {
		t.Errorf("同一分钟应取最后一条 102，实际 %s", v)
	}
	if series[1].Total == nil || !series[1].Total.Equal(dec("302")) {
		t.Errorf("第二个点汇总应为 302，实际 %v", series[1].Total)
	}
	// 10:02 模型 1 缺失，向前填充
	if _, ok := series[2].Values[1]; ok {
		t.Error("缺失的观测不应补零")
	}
	if series[2].Total == nil || !series[2].Total.Equal(dec("301")) {
		t.Errorf("第三个点汇总应为 102+199=301，实际 %v", series[2].Total)
	}
	if !series[0].Timestamp.Before(series[1].Timestamp) {
		t.Error("曲线应按时间正序")
	}
}

func TestChartData(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "delta", "100000")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.agg.SingleModelView(ctx, m.ID); err != nil {
			t.Fatalf("估值失败: %v", err)
		}
	}
	data, err := f.agg.ChartData(ctx, 3)
	if err != nil {
		t.Fatalf("读取曲线失败: %v", err)
	}
	if len(data) != 1 || len(data[0].Points) != 3 {
		t.Fatalf("应返回 1 个模型 3 个点: %+v", data)
	}
	if !data[0].Points[0].TotalValue.Equal(dec("100000")) {
		t.Errorf("无持仓时总资产应为初始资金，实际 %s", data[0].Points[0].TotalValue)
	}
}

// laterRealized 模拟快照之后又有卖出提交，单独查询的已实现盈亏已经变化
type laterRealized struct {
	*ledger.Ledger
}

func (laterRealized) RealizedPnL(ctx context.Context, modelID int64) (decimal.Decimal, error) {
	return dec("999"), nil
}

func TestValuateRealizedPnLFromSameSnapshot(t *testing.T) {
	f := newFixture(t)
	m := f.model(t, "alpha", "100000")
	f.buy(t, m.ID, "600036.SH", 100, "50")
	f.price("600036.SH", "50")

	agg := NewAggregator(laterRealized{f.ledger}, f.provider, nil)
	p, err := agg.Valuate(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("估值失败: %v", err)
	}
	if !p.RealizedPnL.IsZero() {
		t.Errorf("已实现盈亏应来自同一快照，期望 0 实际 %s", p.RealizedPnL)
	}

	snap, err := f.ledger.Snapshot(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("读取快照失败: %v", err)
	}
	if !snap.RealizedPnL.IsZero() || !snap.Cash.Equal(p.Cash) {
		t.Errorf("快照与估值不一致: snap=%s/%s view=%s/%s", snap.Cash, snap.RealizedPnL, p.Cash, p.RealizedPnL)
	}
}
