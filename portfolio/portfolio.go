package portfolio

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/event"
	"stockarena/ledger"
	"stockarena/logger"
	"stockarena/market"
	"stockarena/metrics"
)

// 持仓价格来源
const (
	PriceLive   = "live"   // 实时行情
	PriceStored = "stored" // 最近一次成交时记录的价格
	PriceCost   = "cost"   // 行情与记录价均缺失时按成本价估值
)

const defaultChartLimit = 100

var hundred = decimal.NewFromInt(100)

// Store 估值所需的账本能力
type Store interface {
	ledger.Reader
	AppendEquity(ctx context.Context, snap *database.EquitySnapshot) error
}

// PositionView 带实时估值的持仓
type PositionView struct {
	Symbol           string          `json:"symbol"`
	Name             string          `json:"name,omitempty"`
	Board            string          `json:"board"`
	Quantity         int64           `json:"quantity"`
	AvgPrice         decimal.Decimal `json:"avg_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	PriceSource      string          `json:"price_source"`
	MarketValue      decimal.Decimal `json:"market_value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	PnLPct           decimal.Decimal `json:"pnl_pct"`
	LimitUp          decimal.Decimal `json:"limit_up"`
	LimitDown        decimal.Decimal `json:"limit_down"`
	Suspended        bool            `json:"suspended"`
	IsST             bool            `json:"is_st"`
	NextSellableDate string          `json:"next_sellable_date"`
	LotSize          int64           `json:"lot_size"`
}

// ModelPortfolio 单个模型的账户视图
type ModelPortfolio struct {
	ModelID        int64           `json:"model_id"`
	ModelName      string          `json:"model_name"`
	Currency       string          `json:"currency"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	ReturnPct      decimal.Decimal `json:"return_pct"`
	Positions      []PositionView  `json:"positions"`
	ValuedAt       time.Time       `json:"valued_at"`
}

// Aggregator 组合估值与汇总
type Aggregator struct {
	store     Store
	provider  market.Provider
	publisher event.Publisher
	pm        *metrics.PrometheusMetrics

	mu         sync.RWMutex
	now        func() time.Time
	chartLimit int
}

// NewAggregator 创建组合估值器
func NewAggregator(store Store, provider market.Provider, publisher event.Publisher) *Aggregator {
	if publisher == nil {
		publisher = event.NopPublisher{}
	}
	return &Aggregator{
		store:      store,
		provider:   provider,
		publisher:  publisher,
		pm:         metrics.GetPrometheusMetrics(),
		now:        time.Now,
		chartLimit: defaultChartLimit,
	}
}

// SetClock 替换时钟（测试使用）
func (a *Aggregator) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// SetChartLimit 设置汇总曲线每个模型读取的快照数量
func (a *Aggregator) SetChartLimit(limit int) {
	if limit <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.chartLimit = limit
}

func (a *Aggregator) clock() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.now()
}

func (a *Aggregator) limit() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chartLimit
}

// SingleModelView 估值单个模型并追加一条权益快照
func (a *Aggregator) SingleModelView(ctx context.Context, modelID int64) (*ModelPortfolio, error) {
	p, err := a.Valuate(ctx, modelID)
	if err != nil {
		return nil, err
	}

	snap := &database.EquitySnapshot{
		ModelID:        modelID,
		TotalValue:     p.TotalValue,
		Cash:           p.Cash,
		PositionsValue: p.PositionsValue,
	}
	if err := a.store.AppendEquity(ctx, snap); err != nil {
		return nil, err
	}

	a.pm.SetModelAccount(strconv.FormatInt(modelID, 10), p.TotalValue.InexactFloat64(), p.Cash.InexactFloat64())
	a.publisher.Publish(&event.Event{
		Type:    event.EventTypeEquityUpdated,
		ModelID: modelID,
		Data: map[string]interface{}{
			"total_value":     p.TotalValue.StringFixed(2),
			"cash":            p.Cash.StringFixed(2),
			"positions_value": p.PositionsValue.StringFixed(2),
			"return_pct":      p.ReturnPct.StringFixed(2),
		},
	})
	return p, nil
}

// Valuate 只读估值，不写入快照
func (a *Aggregator) Valuate(ctx context.Context, modelID int64) (*ModelPortfolio, error) {
	snap, err := a.store.Snapshot(ctx, modelID)
	if err != nil {
		return nil, err
	}

	now := a.clock()
	quotes := a.quotes(ctx, modelID, snap.Positions, now)

	p := &ModelPortfolio{
		ModelID:        modelID,
		ModelName:      snap.Model.Name,
		Currency:       snap.Model.Currency,
		InitialCapital: snap.Model.InitialCapital,
		Cash:           snap.Cash,
		RealizedPnL:    snap.RealizedPnL,
		Positions:      make([]PositionView, 0, len(snap.Positions)),
		ValuedAt:       now,
	}
	for _, pos := range snap.Positions {
		view := valuePosition(pos, quotes[pos.Symbol])
		p.PositionsValue = p.PositionsValue.Add(view.MarketValue)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(view.UnrealizedPnL)
		p.Positions = append(p.Positions, view)
	}
	sort.Slice(p.Positions, func(i, j int) bool { return p.Positions[i].Symbol < p.Positions[j].Symbol })

	p.TotalValue = p.Cash.Add(p.PositionsValue)
	p.ReturnPct = returnPct(p.TotalValue, p.InitialCapital)
	return p, nil
}

func (a *Aggregator) quotes(ctx context.Context, modelID int64, positions []*database.Position, now time.Time) map[string]*market.Snapshot {
	if len(positions) == 0 {
		return nil
	}
	symbols := make([]string, 0, len(positions))
	for _, pos := range positions {
		symbols = append(symbols, pos.Symbol)
	}
	quotes, err := a.provider.Snapshots(ctx, symbols, now)
	if err != nil {
		logger.Warn("⚠️ [模型 %d] 获取持仓行情失败，使用记录价格估值: %v", modelID, err)
		return nil
	}
	return quotes
}

// valuePosition 实时价 → 记录价 → 成本价
func valuePosition(pos *database.Position, quote *market.Snapshot) PositionView {
	view := PositionView{
		Symbol:           pos.Symbol,
		Board:            pos.Board,
		Quantity:         pos.Quantity,
		AvgPrice:         pos.AvgPrice,
		LimitUp:          pos.LimitUp,
		LimitDown:        pos.LimitDown,
		Suspended:        pos.Suspended,
		IsST:             pos.IsST,
		NextSellableDate: pos.NextSellableDate,
		LotSize:          100,
	}

	switch {
	case quote != nil && quote.Price.IsPositive():
		view.CurrentPrice = quote.Price
		view.PriceSource = PriceLive
		view.Name = quote.Name
		view.Board = quote.Board
		view.LimitUp = quote.LimitUp
		view.LimitDown = quote.LimitDown
		view.Suspended = quote.Suspended
		view.IsST = quote.IsST
	case pos.CurrentPrice.IsPositive():
		view.CurrentPrice = pos.CurrentPrice
		view.PriceSource = PriceStored
	default:
		view.CurrentPrice = pos.AvgPrice
		view.PriceSource = PriceCost
	}

	qty := decimal.NewFromInt(pos.Quantity)
	view.MarketValue = view.CurrentPrice.Mul(qty)
	view.UnrealizedPnL = view.CurrentPrice.Sub(pos.AvgPrice).Mul(qty)
	if pos.AvgPrice.IsPositive() {
		view.PnLPct = view.CurrentPrice.Sub(pos.AvgPrice).Div(pos.AvgPrice).Mul(hundred).Round(2)
	}
	return view
}

func returnPct(total, initial decimal.Decimal) decimal.Decimal {
	if !initial.IsPositive() {
		return decimal.Zero
	}
	return total.Sub(initial).Div(initial).Mul(hundred).Round(2)
}
