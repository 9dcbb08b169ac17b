package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stockarena/ai"
	"stockarena/calendar"
	"stockarena/database"
	"stockarena/event"
	"stockarena/i18n"
	"stockarena/logger"
	"stockarena/market"
	"stockarena/metrics"
	"stockarena/order"
	"stockarena/portfolio"
)

// 交易频率范围（分钟）
const (
	MinIntervalMinutes = 1
	MaxIntervalMinutes = 1440
)

// ErrStopped 调度器已停止
var ErrStopped = errors.New("调度器已停止")

// ErrUnknownModel 模型未注册到调度器
var ErrUnknownModel = errors.New("模型未在调度中")

// State 模型交易循环状态
type State int32

const (
	StateIdle State = iota
	StateAwaitingDecision
	StateExecuting
)

func (s State) String() string {
	switch s {
	case StateAwaitingDecision:
		return "AWAITING_DECISION"
	case StateExecuting:
		return "EXECUTING"
	default:
		return "IDLE"
	}
}

// 循环结果
const (
	ResultCompleted      = "completed"
	ResultMarketClosed   = "skipped_market_closed"
	ResultInFlight       = "skipped_in_flight"
	ResultUnavailable    = "skipped_unavailable"
	ResultDecisionFailed = "decision_failed"
	ResultPanicked       = "panicked"
)

// Resolver 按模型解析决策服务
type Resolver interface {
	For(model *database.Model) (ai.DecisionService, error)
}

// Store 调度所需的账本能力
type Store interface {
	Model(ctx context.Context, modelID int64) (*database.Model, error)
	Models(ctx context.Context) ([]*database.Model, error)
	RecordConversation(ctx context.Context, conv *database.Conversation) error
}

// Submitter 订单提交
type Submitter interface {
	SubmitRaw(ctx context.Context, modelID int64, raw order.RawProposal, origin order.Origin) (*database.TradeRecord, error)
}

// Valuer 账户估值
type Valuer interface {
	Valuate(ctx context.Context, modelID int64) (*portfolio.ModelPortfolio, error)
	SingleModelView(ctx context.Context, modelID int64) (*portfolio.ModelPortfolio, error)
}

// Config 调度参数
type Config struct {
	IntervalMinutes int
	DecisionTimeout time.Duration
	DefaultUniverse []string
}

// Deps 调度依赖
type Deps struct {
	Store     Store
	Oracle    *calendar.Oracle
	Provider  market.Provider
	Executor  Submitter
	Valuer    Valuer
	Resolver  Resolver
	Publisher event.Publisher
}

// CycleReport 一轮交易循环的结果
type CycleReport struct {
	CycleID  string                  `json:"cycle_id"`
	ModelID  int64                   `json:"model_id"`
	Source   string                  `json:"source"`
	Result   string                  `json:"result"`
	Message  string                  `json:"message"`
	Filled   int                     `json:"filled"`
	Rejected int                     `json:"rejected"`
	Trades   []*database.TradeRecord `json:"trades"`
	Duration time.Duration           `json:"duration"`
}

// runner 单个模型的循环
type runner struct {
	modelID  int64
	state    atomic.Int32
	inFlight atomic.Bool
	skipped  atomic.Int64
	cancel   context.CancelFunc
	reset    chan time.Duration
}

// Scheduler 每个模型一个协程的交易循环调度器
type Scheduler struct {
	deps Deps
	pm   *metrics.PrometheusMetrics

	mu      sync.Mutex
	cfg     Config
	runners map[int64]*runner
	baseCtx context.Context
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// New 创建调度器
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if err := validateInterval(cfg.IntervalMinutes); err != nil {
		return nil, err
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = 2 * time.Minute
	}
	if deps.Publisher == nil {
		deps.Publisher = event.NopPublisher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		deps:    deps,
		pm:      metrics.GetPrometheusMetrics(),
		cfg:     cfg,
		runners: make(map[int64]*runner),
		baseCtx: ctx,
		cancel:  cancel,
		now:     time.Now,
	}, nil
}

func validateInterval(minutes int) error {
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return fmt.Errorf("交易频率必须在 %d-%d 分钟之间: %d", MinIntervalMinutes, MaxIntervalMinutes, minutes)
	}
	return nil
}

// SetClock 替换时钟（测试使用）
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Scheduler) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.cfg.IntervalMinutes) * time.Minute
}

// Interval 当前交易频率（分钟）
func (s *Scheduler) Interval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.IntervalMinutes
}

// Start 为所有已有模型启动交易循环
func (s *Scheduler) Start(ctx context.Context) error {
	models, err := s.deps.Store.Models(ctx)
	if err != nil {
		return fmt.Errorf("读取模型列表失败: %w", err)
	}
	for _, m := range models {
		if err := s.AddModel(m.ID); err != nil {
			return err
		}
	}
	logger.Info("🚀 交易调度已启动: %d 个模型, 间隔 %d 分钟", len(models), s.Interval())
	return nil
}

// AddModel 为模型启动交易循环，已存在时忽略
func (s *Scheduler) AddModel(modelID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.runners[modelID]; ok {
		return nil
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	r := &runner{modelID: modelID, cancel: cancel, reset: make(chan time.Duration, 1)}
	s.runners[modelID] = r
	interval := time.Duration(s.cfg.IntervalMinutes) * time.Minute

	s.wg.Add(1)
	go s.loop(ctx, r, interval)
	logger.Info("✅ [模型 %d] 交易循环已启动 (间隔: %v)", modelID, interval)
	return nil
}

// RemoveModel 停止模型的交易循环，不等待进行中的循环
func (s *Scheduler) RemoveModel(modelID int64) {
	s.mu.Lock()
	r, ok := s.runners[modelID]
	delete(s.runners, modelID)
	s.mu.Unlock()
	if ok {
		r.cancel()
		logger.Info("⏹️ [模型 %d] 交易循环已移除", modelID)
	}
}

// Models 正在调度的模型
func (s *Scheduler) Models() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.runners))
	for id := range s.runners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// State 模型当前状态
func (s *Scheduler) State(modelID int64) (State, bool) {
	s.mu.Lock()
	r, ok := s.runners[modelID]
	s.mu.Unlock()
	if !ok {
		return StateIdle, false
	}
	return State(r.state.Load()), true
}

// SetInterval 修改交易频率并重置所有计时器
func (s *Scheduler) SetInterval(minutes int) error {
	if err := validateInterval(minutes); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.IntervalMinutes == minutes {
		return nil
	}
	s.cfg.IntervalMinutes = minutes
	d := time.Duration(minutes) * time.Minute
	for _, r := range s.runners {
		// 只保留最新一次设置
		select {
		case <-r.reset:
		default:
		}
		r.reset <- d
	}
	logger.Info("🔄 交易频率已更新为 %d 分钟", minutes)
	return nil
}

// TriggerNow 立即执行一轮（与定时循环共用进行中保护与休市跳过）
func (s *Scheduler) TriggerNow(ctx context.Context, modelID int64) (*CycleReport, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	r, ok := s.runners[modelID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownModel, modelID)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	return s.runCycle(context.WithoutCancel(ctx), r, "manual"), nil
}

// Stop 停止所有循环并等待进行中的循环结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("⏹️ 交易调度已停止")
}

func (s *Scheduler) loop(ctx context.Context, r *runner, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-r.reset:
			ticker.Reset(d)
		case <-ticker.C:
			s.tick(ctx, r)
		}
	}
}

// tick 在独立协程中执行一轮，上一轮未结束时由进行中保护跳过而不是排队
func (s *Scheduler) tick(ctx context.Context, r *runner) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// 循环体不随停止信号中断
		s.runCycle(context.WithoutCancel(ctx), r, "scheduler")
	}()
}

func (s *Scheduler) runCycle(ctx context.Context, r *runner, source string) (report *CycleReport) {
	start := time.Now()
	label := strconv.FormatInt(r.modelID, 10)
	report = &CycleReport{CycleID: uuid.NewString(), ModelID: r.modelID, Source: source}

	if !r.inFlight.CompareAndSwap(false, true) {
		r.skipped.Add(1)
		report.Result = ResultInFlight
		report.Message = i18n.T("cycle.skipped_in_flight")
		logger.Debug("[模型 %d] 上一轮尚未结束，跳过 (累计 %d 次)", r.modelID, r.skipped.Load())
		s.finish(report, label, start)
		return report
	}
	defer func() {
		if p := recover(); p != nil {
			logger.Error("❌ [模型 %d] 交易循环异常: %v", r.modelID, p)
			report.Result = ResultPanicked
			report.Message = i18n.T("cycle.temporarily_unavailable")
			s.finish(report, label, start)
		}
		r.state.Store(int32(StateIdle))
		r.inFlight.Store(false)
	}()

	s.cycle(ctx, r, report)
	s.finish(report, label, start)
	return report
}

func (s *Scheduler) finish(report *CycleReport, label string, start time.Time) {
	report.Duration = time.Since(start)
	s.pm.RecordCycle(label, report.Result, report.Duration)

	t := event.EventTypeCycleSkipped
	if report.Result == ResultCompleted {
		t = event.EventTypeCycleCompleted
	}
	s.deps.Publisher.Publish(&event.Event{
		Type:    t,
		ModelID: report.ModelID,
		Data: map[string]interface{}{
			"cycle_id": report.CycleID,
			"source":   report.Source,
			"result":   report.Result,
			"message":  report.Message,
			"filled":   report.Filled,
			"rejected": report.Rejected,
		},
	})
}

func (s *Scheduler) cycle(ctx context.Context, r *runner, report *CycleReport) {
	now := s.clock()

	status := s.deps.Oracle.Status(now)
	if !status.Tradable {
		report.Result = ResultMarketClosed
		report.Message = i18n.T("cycle.skipped_market_closed")
		logger.Debug("[模型 %d] %s，跳过本轮", r.modelID, status.Session)
		return
	}

	req, model, err := s.buildRequest(ctx, r.modelID, now)
	if err != nil {
		logger.Warn("⚠️ [模型 %d] 准备决策数据失败: %v", r.modelID, err)
		report.Result = ResultUnavailable
		report.Message = i18n.T("cycle.temporarily_unavailable")
		return
	}

	svc, err := s.deps.Resolver.For(model)
	if err != nil {
		logger.Warn("⚠️ [模型 %d] %v", r.modelID, err)
		report.Result = ResultUnavailable
		report.Message = i18n.T("cycle.temporarily_unavailable")
		return
	}

	r.state.Store(int32(StateAwaitingDecision))
	resp, err := s.decide(ctx, svc, req)
	if err != nil {
		logger.Warn("⚠️ [模型 %d] 决策服务失败: %v", r.modelID, err)
		report.Result = ResultDecisionFailed
		report.Message = i18n.T("cycle.temporarily_unavailable")
		return
	}

	if err := s.deps.Store.RecordConversation(ctx, &database.Conversation{
		ModelID:  r.modelID,
		CycleID:  report.CycleID,
		Prompt:   resp.Prompt,
		Response: resp.Raw,
	}); err != nil {
		logger.Warn("⚠️ [模型 %d] 记录对话失败: %v", r.modelID, err)
	}

	r.state.Store(int32(StateExecuting))
	origin := order.Origin{CycleID: report.CycleID, Source: report.Source}
	for _, raw := range resp.Proposals {
		rec, err := s.deps.Executor.SubmitRaw(ctx, r.modelID, raw, origin)
		if errors.Is(err, order.ErrHold) {
			continue
		}
		if err != nil {
			var ie *order.InvariantError
			if !errors.As(err, &ie) {
				logger.Warn("⚠️ [模型 %d] 提交 %s 失败: %v", r.modelID, raw.Symbol, err)
			}
			continue
		}
		report.Trades = append(report.Trades, rec)
		if rec.Status == database.StatusFilled {
			report.Filled++
			logger.Info("✅ [模型 %d] %s %s %d 股 @ %s", r.modelID, rec.Signal, rec.Symbol, rec.Quantity, rec.Price)
		} else {
			report.Rejected++
			logger.Info("🚫 [模型 %d] %s %s 被拒: %s", r.modelID, rec.Signal, rec.Symbol, rec.ReasonText)
		}
	}

	if _, err := s.deps.Valuer.SingleModelView(ctx, r.modelID); err != nil {
		logger.Warn("⚠️ [模型 %d] 记录权益快照失败: %v", r.modelID, err)
	}

	report.Result = ResultCompleted
	report.Message = i18n.T("cycle.completed", map[string]interface{}{
		"Filled":   report.Filled,
		"Rejected": report.Rejected,
	})
}

func (s *Scheduler) decide(ctx context.Context, svc ai.DecisionService, req *ai.DecisionRequest) (*ai.DecisionResponse, error) {
	s.mu.Lock()
	timeout := s.cfg.DecisionTimeout
	s.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := svc.RequestDecision(dctx, req)
	status := "success"
	if err != nil {
		status = "error"
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			status = "timeout"
			var aiErr *ai.AIError
			if !errors.As(err, &aiErr) {
				err = &ai.AIError{Code: ai.CodeDecisionUnavailable, Message: "决策超时", Retryable: true, Err: err}
			}
		}
	}
	s.pm.RecordDecision(svc.Name(), status, time.Since(start))
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &ai.DecisionResponse{}, nil
	}
	return resp, nil
}

// buildRequest 汇总账户与股票池（含持仓代码）行情
func (s *Scheduler) buildRequest(ctx context.Context, modelID int64, now time.Time) (*ai.DecisionRequest, *database.Model, error) {
	model, err := s.deps.Store.Model(ctx, modelID)
	if err != nil {
		return nil, nil, err
	}
	view, err := s.deps.Valuer.Valuate(ctx, modelID)
	if err != nil {
		return nil, nil, err
	}

	universe := model.UniverseList()
	if len(universe) == 0 {
		s.mu.Lock()
		universe = append([]string(nil), s.cfg.DefaultUniverse...)
		s.mu.Unlock()
	}
	seen := make(map[string]bool)
	var symbols []string
	for _, sym := range universe {
		sym = market.MustNormalize(sym)
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	for _, p := range view.Positions {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	quotes, err := s.deps.Provider.Snapshots(ctx, symbols, now)
	if err != nil {
		return nil, nil, fmt.Errorf("获取行情失败: %w", err)
	}

	req := &ai.DecisionRequest{
		ModelID:   modelID,
		ModelName: model.Name,
		Now:       now,
		Account: ai.AccountStatus{
			InitialCapital: view.InitialCapital,
			TotalValue:     view.TotalValue,
			Cash:           view.Cash,
			ReturnPct:      view.ReturnPct,
			Currency:       view.Currency,
		},
	}
	for _, sym := range symbols {
		if q, ok := quotes[sym]; ok {
			req.Market = append(req.Market, q)
		}
	}
	for _, p := range view.Positions {
		req.Positions = append(req.Positions, ai.PositionInfo{
			Symbol:           p.Symbol,
			Quantity:         p.Quantity,
			AvgPrice:         p.AvgPrice,
			CurrentPrice:     p.CurrentPrice,
			Board:            p.Board,
			Suspended:        p.Suspended,
			NextSellableDate: p.NextSellableDate,
		})
	}
	return req, model, nil
}
