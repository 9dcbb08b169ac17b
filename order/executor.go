package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/calendar"
	"stockarena/database"
	"stockarena/event"
	"stockarena/fee"
	"stockarena/ledger"
	"stockarena/logger"
	"stockarena/market"
	"stockarena/metrics"
)

// Origin 下单来源
type Origin struct {
	CycleID string // 交易循环 ID，手动下单为空
	Source  string // scheduler / manual
}

// InvariantError 账本不变量被破坏（程序错误），不写交易记录
type InvariantError struct {
	ModelID int64
	Symbol  string
	Err     error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("模型 %d %s 账本不变量被破坏: %v", e.ModelID, e.Symbol, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// Executor 订单校验与执行器
type Executor struct {
	ledger    *ledger.Ledger
	oracle    *calendar.Oracle
	provider  market.Provider
	publisher event.Publisher
	pm        *metrics.PrometheusMetrics

	mu   sync.RWMutex
	calc *fee.Calculator
	now  func() time.Time

	// 模型未配置股票池时使用，与调度器提示词中的股票池一致
	defaultUniverse []string
}

// NewExecutor 创建执行器，publisher 为 nil 时不发布事件
func NewExecutor(l *ledger.Ledger, oracle *calendar.Oracle, provider market.Provider, rates fee.Rates, publisher event.Publisher) *Executor {
	if publisher == nil {
		publisher = event.NopPublisher{}
	}
	return &Executor{
		ledger:    l,
		oracle:    oracle,
		provider:  provider,
		publisher: publisher,
		pm:        metrics.GetPrometheusMetrics(),
		calc:      fee.NewCalculator(rates),
		now:       time.Now,
	}
}

// SetClock 替换时钟（模拟盘与测试）
func (e *Executor) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// SetDefaultUniverse 设置默认股票池
func (e *Executor) SetDefaultUniverse(symbols []string) {
	normalized := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		normalized = append(normalized, market.MustNormalize(sym))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defaultUniverse = normalized
}

// SetRates 热更新费率
func (e *Executor) SetRates(rates fee.Rates) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calc = fee.NewCalculator(rates)
	logger.Info("🔄 费率已更新: 佣金 %s (最低 %s), 过户费 %s, 印花税 %s",
		rates.CommissionRate, rates.MinCommission, rates.TransferRate, rates.StampDutyRate)
}

// Rates 当前费率
func (e *Executor) Rates() fee.Rates {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calc.Rates()
}

func (e *Executor) current() (*fee.Calculator, time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.calc, e.now()
}

// SubmitRaw 解析并提交原始指令；解析失败写入 invalid_proposal 拒单记录
func (e *Executor) SubmitRaw(ctx context.Context, modelID int64, raw RawProposal, origin Origin) (*database.TradeRecord, error) {
	p, err := ParseProposal(raw)
	if errors.Is(err, ErrHold) {
		return nil, ErrHold
	}
	var perr *ProposalError
	if errors.As(err, &perr) {
		return e.rejectInvalid(ctx, modelID, perr, origin)
	}
	if err != nil {
		return nil, err
	}
	return e.Submit(ctx, modelID, p, origin)
}

func (e *Executor) rejectInvalid(ctx context.Context, modelID int64, perr *ProposalError, origin Origin) (*database.TradeRecord, error) {
	start := time.Now()
	w, err := e.ledger.Acquire(ctx, modelID)
	if err != nil {
		return nil, err
	}
	defer w.Release()

	_, now := e.current()
	rec := &database.TradeRecord{
		CycleID:   origin.CycleID,
		Symbol:    market.MustNormalize(perr.Raw.Symbol),
		Signal:    NormalizeSignal(perr.Raw.Signal),
		Quantity:  rawQuantity(perr.Raw.Quantity),
		CreatedAt: now.UTC(),
	}
	rj := reject(ReasonInvalidProposal, map[string]interface{}{"Detail": perr.Detail})
	return e.recordRejection(ctx, w, rec, rj, start)
}

// plan 通过全部校验后的执行计划
type plan struct {
	sell     bool
	quantity int64
	quote    *market.Snapshot
}

// Submit 按固定顺序校验并执行一条指令，每次尝试恰好写入一条交易记录
func (e *Executor) Submit(ctx context.Context, modelID int64, p Proposal, origin Origin) (*database.TradeRecord, error) {
	start := time.Now()

	w, err := e.ledger.Acquire(ctx, modelID)
	if err != nil {
		return nil, err
	}
	defer w.Release()

	snap, err := w.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	calc, now := e.current()
	rec := &database.TradeRecord{
		CycleID:   origin.CycleID,
		Symbol:    p.Target(),
		Signal:    p.Signal(),
		Quantity:  requestedQuantity(p),
		CreatedAt: now.UTC(),
	}

	pl, rj := e.evaluate(ctx, snap, p, calc, now, rec)
	if rj != nil {
		return e.recordRejection(ctx, w, rec, rj, start)
	}

	fill := ledger.Fill{
		Symbol:    p.Target(),
		Quantity:  pl.quantity,
		Price:     pl.quote.Price,
		Board:     pl.quote.Board,
		IsST:      pl.quote.IsST,
		Suspended: pl.quote.Suspended,
		LimitUp:   pl.quote.LimitUp,
		LimitDown: pl.quote.LimitDown,
	}
	if pl.sell {
		fill.Fees = calc.Compute(fill.Notional(), fee.Sell)
		err = w.ApplySell(ctx, fill, rec)
	} else {
		fill.Fees = calc.Compute(fill.Notional(), fee.Buy)
		fill.NextSellableDate = e.oracle.NextSellableDate(now)
		err = w.ApplyBuy(ctx, fill, rec)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrInvariantViolation) {
			ie := &InvariantError{ModelID: modelID, Symbol: p.Target(), Err: err}
			logger.Error("❌ %v", ie)
			e.pm.RecordInvariantViolation(modelLabel(modelID))
			e.publisher.Publish(&event.Event{
				Type:    event.EventTypeInvariantViolation,
				ModelID: modelID,
				Data:    map[string]interface{}{"symbol": p.Target(), "error": err.Error()},
			})
			return nil, ie
		}
		return nil, fmt.Errorf("执行订单失败: %w", err)
	}

	e.pm.RecordOrder(modelLabel(modelID), rec.Signal, rec.Status, time.Since(start))
	e.pm.AddFee(modelLabel(modelID), rec.TotalFee.InexactFloat64())
	e.publish(event.EventTypeTradeFilled, rec)
	return rec, nil
}

// evaluate 依次执行：交易时段 → 股票池/停牌/行情 → 方向 → 整手 → 涨跌停 → T+1 → 资金/持仓
func (e *Executor) evaluate(ctx context.Context, snap *ledger.Snapshot, p Proposal, calc *fee.Calculator, now time.Time, rec *database.TradeRecord) (*plan, *rejection) {
	symbol := p.Target()

	// 1. 交易时段
	status := e.oracle.Status(now)
	if !status.Tradable {
		next := status.NextOpen
		rec.NextOpen = &next
		return nil, reject(ReasonMarketClosed, map[string]interface{}{
			"NextOpen": next.Format("2006-01-02 15:04"),
		})
	}

	// 2. 股票池、停牌与行情
	if _, ok := p.(OpenLong); ok && !e.inUniverse(snap.Model, symbol) {
		return nil, reject(ReasonOutsideUniverse, map[string]interface{}{"Symbol": symbol})
	}
	quote, err := e.provider.Snapshot(ctx, symbol, now)
	if err != nil {
		logger.Warn("⚠️ [模型 %d] 获取 %s 行情失败: %v", snap.Model.ID, symbol, err)
		return nil, reject(ReasonNoQuote, map[string]interface{}{"Symbol": symbol})
	}
	if quote.Suspended {
		rec.Price = quote.Price
		return nil, reject(ReasonSuspended, map[string]interface{}{"Symbol": symbol})
	}
	if !quote.Price.IsPositive() {
		return nil, reject(ReasonNoQuote, map[string]interface{}{"Symbol": symbol})
	}
	rec.Price = quote.Price

	// 3. 方向
	if _, ok := p.(OpenShort); ok {
		return nil, reject(ReasonShortSellingDisabled, nil)
	}

	held := snap.Position(symbol)
	qty := requestedQuantity(p)
	_, sell := p.(CloseLong)

	// 全部卖出：以当前持仓数量为准
	if sell && qty == 0 {
		if held == nil || held.Quantity <= 0 {
			return nil, reject(ReasonInsufficientPosition, map[string]interface{}{
				"Required": 0, "Available": 0,
			})
		}
		qty = held.Quantity
		rec.Quantity = qty
	}

	// 4. 整手
	if qty <= 0 || qty%LotSize != 0 {
		return nil, reject(ReasonInvalidLotSize, map[string]interface{}{"Quantity": qty})
	}

	// 5. 涨跌停（为零表示未知，跳过）
	if !sell && quote.LimitUp.IsPositive() && quote.Price.GreaterThanOrEqual(quote.LimitUp) {
		return nil, reject(ReasonLimitUp, map[string]interface{}{
			"Symbol": symbol, "Price": quote.Price.String(), "Limit": quote.LimitUp.String(),
		})
	}
	if sell && quote.LimitDown.IsPositive() && quote.Price.LessThanOrEqual(quote.LimitDown) {
		return nil, reject(ReasonLimitDown, map[string]interface{}{
			"Symbol": symbol, "Price": quote.Price.String(), "Limit": quote.LimitDown.String(),
		})
	}

	// 6. T+1
	if sell && held != nil && held.NextSellableDate != "" && status.TradingDay < held.NextSellableDate {
		return nil, reject(ReasonTPlus1Locked, map[string]interface{}{
			"Symbol": symbol, "Date": held.NextSellableDate,
		})
	}

	// 7. 资金与持仓
	notional := quote.Price.Mul(decimal.NewFromInt(qty))
	if sell {
		var available int64
		if held != nil {
			available = held.Quantity
		}
		if available < qty {
			return nil, reject(ReasonInsufficientPosition, map[string]interface{}{
				"Required": qty, "Available": available,
			})
		}
	} else {
		required := notional.Add(calc.EstimateBuy(notional))
		if snap.Cash.LessThan(required) {
			return nil, reject(ReasonInsufficientCash, map[string]interface{}{
				"Required": required.StringFixed(2), "Available": snap.Cash.StringFixed(2),
			})
		}
	}

	return &plan{sell: sell, quantity: qty, quote: quote}, nil
}

func (e *Executor) recordRejection(ctx context.Context, w *ledger.Writer, rec *database.TradeRecord, rj *rejection, start time.Time) (*database.TradeRecord, error) {
	rec.Reason = rj.reason
	rec.ReasonText = rj.text()
	if err := w.RecordRejection(ctx, rec); err != nil {
		return nil, err
	}

	label := modelLabel(w.ModelID())
	e.pm.RecordOrder(label, rec.Signal, rec.Status, time.Since(start))
	e.pm.RecordOrderRejected(rec.Reason)
	e.publish(event.EventTypeTradeRejected, rec)
	return rec, nil
}

func (e *Executor) publish(t event.EventType, rec *database.TradeRecord) {
	e.publisher.Publish(&event.Event{
		Type:    t,
		ModelID: rec.ModelID,
		Data: map[string]interface{}{
			"symbol":   rec.Symbol,
			"signal":   rec.Signal,
			"quantity": rec.Quantity,
			"price":    rec.Price.String(),
			"status":   rec.Status,
			"reason":   rec.Reason,
			"trade":    rec,
		},
	})
}

func requestedQuantity(p Proposal) int64 {
	switch v := p.(type) {
	case OpenLong:
		return v.Quantity
	case CloseLong:
		return v.Quantity
	case OpenShort:
		return v.Quantity
	default:
		return 0
	}
}

// inUniverse 模型未配置股票池时使用默认股票池，两者都为空才不限制
func (e *Executor) inUniverse(model *database.Model, symbol string) bool {
	universe := model.UniverseList()
	if len(universe) == 0 {
		e.mu.RLock()
		universe = e.defaultUniverse
		e.mu.RUnlock()
	}
	if len(universe) == 0 {
		return true
	}
	for _, s := range universe {
		if market.MustNormalize(s) == symbol {
			return true
		}
	}
	return false
}

func modelLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}
