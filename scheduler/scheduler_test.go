package scheduler

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/ai"
	"stockarena/calendar"
	"stockarena/database"
	"stockarena/fee"
	"stockarena/i18n"
	"stockarena/ledger"
	"stockarena/market"
	"stockarena/order"
	"stockarena/portfolio"
	"stockarena/utils"
)

func TestMain(m *testing.M) {
	if err := i18n.Init("zh-CN"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeService 可编程的决策服务
type fakeService struct {
	calls     atomic.Int32
	proposals []order.RawProposal
	err       error
	block     chan struct{} // 非 nil 时等待关闭或 ctx 结束
	entered   chan struct{}
	panicMsg  string
}

func (f *fakeService) Name() string { return "fake" }

func (f *fakeService) RequestDecision(ctx context.Context, req *ai.DecisionRequest) (*ai.DecisionResponse, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ai.DecisionResponse{Proposals: f.proposals, Prompt: "prompt", Raw: "raw", Service: "fake"}, nil
}

type fakeResolver struct {
	svc ai.DecisionService
}

func (r fakeResolver) For(*database.Model) (ai.DecisionService, error) {
	return r.svc, nil
}

type env struct {
	ledger   *ledger.Ledger
	provider *market.StaticProvider
	sched    *Scheduler
	svc      *fakeService
	model    *database.Model
}

func newEnv(t *testing.T, svc *fakeService, now time.Time) *env {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := database.NewMemoryDatabase(name)
	if err != nil {
		t.Fatalf("创建测试数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	oracle, err := calendar.NewDefaultOracle()
	if err != nil {
		t.Fatalf("加载交易日历失败: %v", err)
	}
	clock := func() time.Time { return now }

	l := ledger.New(db, nil)
	l.SetClock(clock)
	provider := market.NewStaticProvider()
	provider.Set(&market.Snapshot{Symbol: "600036.SH", Price: decimal.NewFromInt(10), PrevClose: decimal.NewFromInt(10), Volume: 1000})

	exec := order.NewExecutor(l, oracle, provider, fee.DefaultRates(), nil)
	exec.SetClock(clock)
	agg := portfolio.NewAggregator(l, provider, nil)
	agg.SetClock(clock)

	m := &database.Model{Name: "m-" + name, InitialCapital: decimal.NewFromInt(100000)}
	m.SetUniverse([]string{"600036.SH"})
	if err := l.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("创建模型失败: %v", err)
	}

	sched, err := New(Config{IntervalMinutes: 60, DecisionTimeout: time.Second}, Deps{
		Store:    l,
		Oracle:   oracle,
		Provider: provider,
		Executor: exec,
		Valuer:   agg,
		Resolver: fakeResolver{svc: svc},
	})
	if err != nil {
		t.Fatalf("创建调度器失败: %v", err)
	}
	sched.SetClock(clock)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("启动调度器失败: %v", err)
	}
	t.Cleanup(sched.Stop)

	return &env{ledger: l, provider: provider, sched: sched, svc: svc, model: m}
}

func tradingTime(t *testing.T) time.Time {
	d, _ := utils.ParseDate("2024-03-04")
	return utils.At(d, 10, 0)
}

func (e *env) cash(t *testing.T) decimal.Decimal {
	t.Helper()
	m, err := e.ledger.Model(context.Background(), e.model.ID)
	if err != nil {
		t.Fatalf("读取模型失败: %v", err)
	}
	return m.Cash
}

func TestWeekendCycleSkipsDecision(t *testing.T) {
	svc := &fakeService{}
	saturday, _ := utils.ParseDate("2024-03-09")
	e := newEnv(t, svc, utils.At(saturday, 10, 0))

	report, err := e.sched.TriggerNow(context.Background(), e.model.ID)
	if err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if report.Result != ResultMarketClosed {
		t.Errorf("周末应跳过，实际 %s", report.Result)
	}
	if svc.calls.Load() != 0 {
		t.Errorf("周末不应调用决策服务，实际调用 %d 次", svc.calls.Load())
	}
	if report.Message == "" || report.Message == "cycle.skipped_market_closed" {
		t.Errorf("跳过说明未本地化: %q", report.Message)
	}
}

func TestCycleExecutesProposals(t *testing.T) {
	svc := &fakeService{proposals: []order.RawProposal{
		{Symbol: "600036.SH", Signal: "buy_to_enter", Quantity: float64(100)},
		{Symbol: "600036.SH", Signal: "hold"},
		{Symbol: "600036.SH", Signal: "buy_to_enter", Quantity: float64(50)},
		{Symbol: "600036.SH", Signal: "short"},
	}}
	e := newEnv(t, svc, tradingTime(t))
	ctx := context.Background()

	report, err := e.sched.TriggerNow(ctx, e.model.ID)
	if err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if report.Result != ResultCompleted || report.Filled != 1 || report.Rejected != 2 {
		t.Fatalf("期望 completed 1 成交 2 拒单，实际 %+v", report)
	}
	if len(report.Trades) != 3 {
		t.Errorf("hold 不应产生记录，期望 3 条实际 %d", len(report.Trades))
	}
	for _, rec := range report.Trades {
		if rec.CycleID != report.CycleID {
			t.Errorf("交易记录应带循环 ID %s，实际 %s", report.CycleID, rec.CycleID)
		}
	}
	if !e.cash(t).Equal(decimal.RequireFromString("98994.99")) {
		t.Errorf("买入 100 股 @10 后现金应为 98994.99，实际 %s", e.cash(t))
	}

	convs, err := e.ledger.Conversations(ctx, e.model.ID, 10)
	if err != nil || len(convs) != 1 || convs[0].CycleID != report.CycleID {
		t.Errorf("应记录一条对话: %v %v", convs, err)
	}
	snaps, err := e.ledger.Equity(ctx, e.model.ID, 0)
	if err != nil || len(snaps) != 1 {
		t.Errorf("应追加一条权益快照: %d %v", len(snaps), err)
	}
	if st, _ := e.sched.State(e.model.ID); st != StateIdle {
		t.Errorf("循环结束后应回到 IDLE，实际 %s", st)
	}
}

func TestDecisionFailureLeavesLedgerUntouched(t *testing.T) {
	svc := &fakeService{err: &ai.AIError{Code: ai.CodeDecisionUnavailable, Message: "down", Retryable: true}}
	e := newEnv(t, svc, tradingTime(t))

	report, err := e.sched.TriggerNow(context.Background(), e.model.ID)
	if err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if report.Result != ResultDecisionFailed {
		t.Errorf("期望 decision_failed，实际 %s", report.Result)
	}
	if !e.cash(t).Equal(decimal.NewFromInt(100000)) {
		t.Errorf("决策失败不应改变账户，实际 %s", e.cash(t))
	}
	trades, _ := e.ledger.Trades(context.Background(), &database.TradeFilter{ModelID: e.model.ID})
	if len(trades) != 0 {
		t.Errorf("决策失败不应写入交易记录，实际 %d", len(trades))
	}
}

func TestDecisionTimeout(t *testing.T) {
	svc := &fakeService{block: make(chan struct{})}
	e := newEnv(t, svc, tradingTime(t))
	e.sched.mu.Lock()
	e.sched.cfg.DecisionTimeout = 50 * time.Millisecond
	e.sched.mu.Unlock()

	start := time.Now()
	report, err := e.sched.TriggerNow(context.Background(), e.model.ID)
	if err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if report.Result != ResultDecisionFailed {
		t.Errorf("超时应记为 decision_failed，实际 %s", report.Result)
	}
	if time.Since(start) > time.Second {
		t.Errorf("决策超时未生效，耗时 %v", time.Since(start))
	}
}

func TestInFlightGuard(t *testing.T) {
	svc := &fakeService{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	e := newEnv(t, svc, tradingTime(t))

	var wg sync.WaitGroup
	var first *CycleReport
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = e.sched.TriggerNow(context.Background(), e.model.ID)
	}()

	<-svc.entered
	if st, _ := e.sched.State(e.model.ID); st != StateAwaitingDecision {
		t.Errorf("等待决策时状态应为 AWAITING_DECISION，实际 %s", st)
	}

	second, err := e.sched.TriggerNow(context.Background(), e.model.ID)
	if err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if second.Result != ResultInFlight {
		t.Errorf("进行中应跳过，实际 %s", second.Result)
	}

	close(svc.block)
	wg.Wait()
	if first.Result != ResultCompleted {
		t.Errorf("第一轮应完成，实际 %s", first.Result)
	}
	if svc.calls.Load() != 1 {
		t.Errorf("决策服务只应被调用一次，实际 %d", svc.calls.Load())
	}
}

func TestOverlappingTickIsSkippedNotQueued(t *testing.T) {
	svc := &fakeService{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	e := newEnv(t, svc, tradingTime(t))

	e.sched.mu.Lock()
	r := e.sched.runners[e.model.ID]
	e.sched.mu.Unlock()

	ctx := context.Background()
	e.sched.tick(ctx, r)
	<-svc.entered

	// 第二次触发时上一轮仍在等待决策
	e.sched.tick(ctx, r)
	deadline := time.Now().Add(2 * time.Second)
	for r.skipped.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := r.skipped.Load(); got != 1 {
		t.Fatalf("重叠的触发应被跳过一次，实际 %d", got)
	}

	close(svc.block)
	e.sched.Stop()
	if got := svc.calls.Load(); got != 1 {
		t.Errorf("重叠的触发不应排队执行，决策服务调用 %d 次，期望 1", got)
	}
	if got := r.skipped.Load(); got != 1 {
		t.Errorf("跳过计数 = %d, 期望 1", got)
	}
}

func TestStopWaitsForInFlightCycle(t *testing.T) {
	svc := &fakeService{
		block:     make(chan struct{}),
		entered:   make(chan struct{}, 1),
		proposals: []order.RawProposal{{Symbol: "600036.SH", Signal: "buy", Quantity: float64(100)}},
	}
	e := newEnv(t, svc, tradingTime(t))

	done := make(chan *CycleReport, 1)
	go func() {
		r, _ := e.sched.TriggerNow(context.Background(), e.model.ID)
		done <- r
	}()
	<-svc.entered

	stopped := make(chan struct{})
	go func() {
		e.sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop 不应在循环进行中返回")
	case <-time.After(50 * time.Millisecond):
	}

	close(svc.block)
	<-stopped
	report := <-done
	if report.Result != ResultCompleted || report.Filled != 1 {
		t.Errorf("停止期间进行中的循环应完整执行，实际 %+v", report)
	}
	if _, err := e.sched.TriggerNow(context.Background(), e.model.ID); !errors.Is(err, ErrStopped) {
		t.Errorf("停止后触发应返回 ErrStopped，实际 %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	svc := &fakeService{panicMsg: "boom"}
	e := newEnv(t, svc, tradingTime(t))

	report, err := e.sched.TriggerNow(context.Background(), e.model.ID)
	if err != nil {
		t.Fatalf("触发失败: %v", err)
	}
	if report.Result != ResultPanicked {
		t.Errorf("期望 panicked，实际 %s", report.Result)
	}
	svc.panicMsg = ""
	report, _ = e.sched.TriggerNow(context.Background(), e.model.ID)
	if report.Result != ResultCompleted {
		t.Errorf("异常后应能继续执行，实际 %s", report.Result)
	}
}

func TestSetIntervalAndModels(t *testing.T) {
	e := newEnv(t, &fakeService{}, tradingTime(t))

	for _, bad := range []int{0, -5, 1441} {
		if err := e.sched.SetInterval(bad); err == nil {
			t.Errorf("频率 %d 应被拒绝", bad)
		}
	}
	if err := e.sched.SetInterval(5); err != nil || e.sched.Interval() != 5 {
		t.Errorf("设置频率失败: %v", err)
	}

	if got := e.sched.Models(); len(got) != 1 || got[0] != e.model.ID {
		t.Errorf("应调度 1 个模型，实际 %v", got)
	}
	e.sched.RemoveModel(e.model.ID)
	if _, err := e.sched.TriggerNow(context.Background(), e.model.ID); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("移除后触发应返回 ErrUnknownModel，实际 %v", err)
	}
	if err := e.sched.AddModel(e.model.ID); err != nil {
		t.Errorf("重新添加失败: %v", err)
	}
	if _, ok := e.sched.State(e.model.ID); !ok {
		t.Error("重新添加后应可查询状态")
	}

	if _, err := New(Config{IntervalMinutes: 0}, Deps{}); err == nil {
		t.Error("非法频率应无法创建调度器")
	}
}
