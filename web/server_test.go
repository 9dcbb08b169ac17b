package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stockarena/ai"
	"stockarena/calendar"
	"stockarena/config"
	"stockarena/database"
	"stockarena/event"
	"stockarena/fee"
	"stockarena/i18n"
	"stockarena/ledger"
	"stockarena/market"
	"stockarena/metrics"
	"stockarena/order"
	"stockarena/portfolio"
	"stockarena/scheduler"
	"stockarena/utils"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := i18n.Init("zh-CN"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type holdResolver struct{}

func (holdResolver) For(*database.Model) (ai.DecisionService, error) {
	return ai.HoldService{}, nil
}

type testServer struct {
	db       *database.GormDatabase
	ledger   *ledger.Ledger
	exec     *order.Executor
	sched    *scheduler.Scheduler
	provider *market.StaticProvider
	srv      *Server
	engine   *gin.Engine
	hub      *Hub
}

func newTestServer(t *testing.T, apiKey string, now time.Time) *testServer {
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
	provider := market.NewStaticProvider(
		&market.Snapshot{Symbol: "600036.SH", Name: "招商银行", Price: decimal.NewFromInt(10), PrevClose: decimal.NewFromInt(10), Volume: 1000},
	)
	exec := order.NewExecutor(l, oracle, provider, fee.DefaultRates(), nil)
	exec.SetClock(clock)
	agg := portfolio.NewAggregator(l, provider, nil)
	agg.SetClock(clock)

	sched, err := scheduler.New(scheduler.Config{IntervalMinutes: 60, DecisionTimeout: time.Second}, scheduler.Deps{
		Store:    l,
		Oracle:   oracle,
		Provider: provider,
		Executor: exec,
		Valuer:   agg,
		Resolver: holdResolver{},
	})
	if err != nil {
		t.Fatalf("创建调度器失败: %v", err)
	}
	sched.SetClock(clock)
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("启动调度器失败: %v", err)
	}
	t.Cleanup(sched.Stop)

	cfg, err := config.LoadConfigFromBytes([]byte("trading:\n  frequency_minutes: 60\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	hub := NewHub()
	srv := NewServer(apiKey, Deps{
		Ledger:         l,
		Portfolio:      agg,
		Trader:         exec,
		Scheduler:      sched,
		Settings:       db,
		Oracle:         oracle,
		Provider:       provider,
		Hub:            hub,
		Runtime:        cfg.Runtime(),
		InitialCapital: decimal.NewFromInt(100000),
		Version:        "test",
	})
	srv.SetClock(clock)

	return &testServer{
		db:       db,
		ledger:   l,
		exec:     exec,
		sched:    sched,
		provider: provider,
		srv:      srv,
		engine:   srv.Engine(false),
		hub:      hub,
	}
}

func tradingNow() time.Time {
	d, _ := utils.ParseDate("2024-03-04")
	return utils.At(d, 10, 0)
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("解析响应失败: %v, body=%s", err, w.Body.String())
	}
}

func (ts *testServer) createModel(t *testing.T, name string) *database.Model {
	t.Helper()
	m := &database.Model{Name: name, InitialCapital: decimal.NewFromInt(100000)}
	m.SetUniverse([]string{"600036.SH"})
	if err := ts.ledger.CreateModel(context.Background(), m); err != nil {
		t.Fatalf("创建模型失败: %v", err)
	}
	return m
}

func TestModelsCreateListDelete(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())

	w := ts.do(t, http.MethodPost, "/api/models", map[string]interface{}{
		"name":     "deepseek",
		"provider": "hold",
		"universe": []string{"600036", "sz000001"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("创建模型应返回 201，实际 %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID             int64           `json:"id"`
		InitialCapital decimal.Decimal `json:"initial_capital"`
		Universe       []string        `json:"universe"`
	}
	decode(t, w, &created)
	if !created.InitialCapital.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("默认初始资金应为 100000，实际 %s", created.InitialCapital)
	}
	if len(created.Universe) != 2 || created.Universe[0] != "600036.SH" || created.Universe[1] != "000001.SZ" {
		t.Errorf("股票池应标准化，实际 %v", created.Universe)
	}
	if got := ts.sched.Models(); len(got) != 1 || got[0] != created.ID {
		t.Errorf("新模型应加入调度，实际 %v", got)
	}

	w = ts.do(t, http.MethodGet, "/api/models", nil)
	var list []map[string]interface{}
	decode(t, w, &list)
	if len(list) != 1 || list[0]["name"] != "deepseek" {
		t.Errorf("模型列表错误: %v", list)
	}

	if w := ts.do(t, http.MethodPost, "/api/models", map[string]interface{}{"name": " "}); w.Code != http.StatusBadRequest {
		t.Errorf("空名称应返回 400，实际 %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/models", map[string]interface{}{"name": "x", "universe": []string{"BTC"}}); w.Code != http.StatusBadRequest {
		t.Errorf("非法代码应返回 400，实际 %d", w.Code)
	}

	path := "/api/models/" + jsonNumber(created.ID)
	if w := ts.do(t, http.MethodDelete, path, nil); w.Code != http.StatusOK {
		t.Fatalf("删除模型应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	if len(ts.sched.Models()) != 0 {
		t.Error("删除后应移出调度")
	}
	if w := ts.do(t, http.MethodDelete, path, nil); w.Code != http.StatusNotFound {
		t.Errorf("重复删除应返回 404，实际 %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/models/abc/portfolio", nil); w.Code != http.StatusBadRequest {
		t.Errorf("非法 ID 应返回 400，实际 %d", w.Code)
	}
}

func jsonNumber(id int64) string {
	data, _ := json.Marshal(id)
	return string(data)
}

func TestManualTradeAndPortfolio(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())
	m := ts.createModel(t, "manual")
	base := "/api/models/" + jsonNumber(m.ID)

	w := ts.do(t, http.MethodPost, base+"/trades", map[string]interface{}{
		"symbol": "600036.SH", "signal": "buy", "quantity": 100,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("下单应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	var rec database.TradeRecord
	decode(t, w, &rec)
	if rec.Status != database.StatusFilled || !rec.TotalFee.Equal(decimal.RequireFromString("5.01")) {
		t.Errorf("期望成交且费用 5.01，实际 %s %s", rec.Status, rec.TotalFee)
	}

	w = ts.do(t, http.MethodPost, base+"/trades", map[string]interface{}{
		"symbol": "600036.SH", "signal": "buy", "quantity": 50,
	})
	decode(t, w, &rec)
	if rec.Status != database.StatusRejected || rec.Reason != "invalid_lot_size" || rec.ReasonText == "" {
		t.Errorf("50 股应被拒绝，实际 %+v", rec)
	}

	w = ts.do(t, http.MethodPost, base+"/trades", map[string]interface{}{"symbol": "600036.SH", "signal": "hold"})
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "hold") {
		t.Errorf("hold 应直接返回，实际 %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, base+"/portfolio", nil)
	var resp struct {
		Portfolio portfolio.ModelPortfolio   `json:"portfolio"`
		History   []database.EquitySnapshot `json:"account_value_history"`
	}
	decode(t, w, &resp)
	if !resp.Portfolio.TotalValue.Equal(decimal.RequireFromString("99994.99")) {
		t.Errorf("账户总值应为 99994.99，实际 %s", resp.Portfolio.TotalValue)
	}
	if len(resp.History) != 1 {
		t.Errorf("查看组合应追加一条权益快照，实际 %d", len(resp.History))
	}

	w = ts.do(t, http.MethodGet, base+"/trades?status=rejected", nil)
	var trades []database.TradeRecord
	decode(t, w, &trades)
	if len(trades) != 1 || trades[0].Reason != "invalid_lot_size" {
		t.Errorf("按状态过滤应只返回拒单，实际 %d", len(trades))
	}

	if w := ts.do(t, http.MethodGet, "/api/models/999/trades", nil); w.Code != http.StatusNotFound {
		t.Errorf("不存在的模型应返回 404，实际 %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, base+"/conversations", nil); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("无对话时应返回空数组，实际 %d %s", w.Code, w.Body.String())
	}
}

func TestExecuteCycle(t *testing.T) {
	saturday, _ := utils.ParseDate("2024-03-09")
	ts := newTestServer(t, "", utils.At(saturday, 10, 0))
	m := ts.createModel(t, "weekend")
	if err := ts.sched.AddModel(m.ID); err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodPost, "/api/models/"+jsonNumber(m.ID)+"/execute", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("执行应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	var report scheduler.CycleReport
	decode(t, w, &report)
	if report.Result != scheduler.ResultMarketClosed {
		t.Errorf("周末应跳过，实际 %s", report.Result)
	}

	if w := ts.do(t, http.MethodPost, "/api/models/12345/execute", nil); w.Code != http.StatusNotFound {
		t.Errorf("未调度的模型应返回 404，实际 %d", w.Code)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	ts := newTestServer(t, "s3cret", tradingNow())

	w := ts.do(t, http.MethodGet, "/api/models", nil, "Accept-Language", "en-US,en;q=0.9")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("缺少密钥应返回 401，实际 %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Missing or invalid API key") {
		t.Errorf("错误信息应按请求语言本地化: %s", w.Body.String())
	}

	if w := ts.do(t, http.MethodGet, "/api/models", nil, APIKeyHeader, "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("错误密钥应返回 401，实际 %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/models", nil, APIKeyHeader, "s3cret"); w.Code != http.StatusOK {
		t.Errorf("正确密钥应返回 200，实际 %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/version", nil); w.Code != http.StatusOK {
		t.Errorf("版本接口无需密钥，实际 %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("metrics 接口无需密钥，实际 %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())

	w := ts.do(t, http.MethodGet, "/api/version", nil)
	if len(w.Header().Get(RequestIDHeader)) != 36 {
		t.Errorf("应生成 UUID 请求号，实际 %q", w.Header().Get(RequestIDHeader))
	}
	w = ts.do(t, http.MethodGet, "/api/version", nil, RequestIDHeader, "abc")
	if got := w.Header().Get(RequestIDHeader); got != "abc" {
		t.Errorf("应沿用客户端请求号，实际 %q", got)
	}
}

func TestSystemSnapshot(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())

	if w := ts.do(t, http.MethodGet, "/api/system", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("未采样时应返回 503，实际 %d", w.Code)
	}

	ts.srv.deps.System = func() *metrics.SystemMetrics {
		return &metrics.SystemMetrics{ProcessID: 42, Goroutines: 7}
	}
	w := ts.do(t, http.MethodGet, "/api/system", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("期望 200，实际 %d", w.Code)
	}
	var got metrics.SystemMetrics
	decode(t, w, &got)
	if got.ProcessID != 42 || got.Goroutines != 7 {
		t.Errorf("快照内容不符: %+v", got)
	}
}

func TestSettingsPersistAndApply(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())

	w := ts.do(t, http.MethodGet, "/api/settings", nil)
	var current config.RuntimeSettings
	decode(t, w, &current)
	if current.FrequencyMinutes != 60 || current.Fees.MinCommission != 5 {
		t.Errorf("默认设置错误: %+v", current)
	}

	w = ts.do(t, http.MethodPut, "/api/settings", map[string]interface{}{
		"trading_frequency_minutes": 5,
		"min_commission":            1,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("更新设置应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	if ts.sched.Interval() != 5 {
		t.Errorf("调度频率应更新为 5，实际 %d", ts.sched.Interval())
	}
	if !ts.exec.Rates().MinCommission.Equal(decimal.NewFromInt(1)) {
		t.Errorf("最低佣金应更新为 1，实际 %s", ts.exec.Rates().MinCommission)
	}
	stored, err := ts.db.GetSettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stored[config.SettingFrequency] != "5" || stored[config.SettingMinCommission] != "1" {
		t.Errorf("设置应持久化，实际 %v", stored)
	}

	w = ts.do(t, http.MethodPut, "/api/settings", map[string]interface{}{"trading_frequency_minutes": 0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法频率应返回 400，实际 %d", w.Code)
	}
	if ts.sched.Interval() != 5 {
		t.Errorf("非法设置不应生效，实际 %d", ts.sched.Interval())
	}
}

func TestMarketEndpoints(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())

	w := ts.do(t, http.MethodGet, "/api/market/status?at=2024-03-09T10:00:00%2B08:00", nil)
	var st struct {
		Session     string `json:"session"`
		Tradable    bool   `json:"tradable"`
		SessionText string `json:"session_text"`
	}
	decode(t, w, &st)
	if st.Tradable || st.Session != string(calendar.SessionWeekend) || st.SessionText != "周末休市" {
		t.Errorf("周六应为周末休市，实际 %+v", st)
	}

	w = ts.do(t, http.MethodGet, "/api/market/status", nil)
	decode(t, w, &st)
	if !st.Tradable || st.Session != string(calendar.SessionMorning) {
		t.Errorf("周一 10:00 应为上午盘，实际 %+v", st)
	}

	if w := ts.do(t, http.MethodGet, "/api/market/status?at=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Errorf("非法时间应返回 400，实际 %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/market/prices?symbols=600036", nil)
	var quotes map[string]market.Snapshot
	decode(t, w, &quotes)
	if q, ok := quotes["600036.SH"]; !ok || !q.Price.Equal(decimal.NewFromInt(10)) {
		t.Errorf("行情查询错误: %v", quotes)
	}
	if w := ts.do(t, http.MethodGet, "/api/market/prices", nil); w.Code != http.StatusBadRequest {
		t.Errorf("缺少代码应返回 400，实际 %d", w.Code)
	}

	ts.provider.SetError(errors.New("down"))
	if w := ts.do(t, http.MethodGet, "/api/market/prices?symbols=600036.SH", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("行情不可用应返回 503，实际 %d", w.Code)
	}
}

func TestAggregatedAndLeaderboard(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())
	ts.createModel(t, "a")
	ts.createModel(t, "b")

	w := ts.do(t, http.MethodGet, "/api/leaderboard", nil)
	var board []portfolio.LeaderboardEntry
	decode(t, w, &board)
	if len(board) != 2 || board[0].Rank != 1 {
		t.Errorf("排行榜错误: %+v", board)
	}

	w = ts.do(t, http.MethodGet, "/api/aggregated/portfolio", nil)
	var agg portfolio.AggregatedPortfolio
	decode(t, w, &agg)
	if agg.ModelCount != 2 || !agg.TotalValue.Equal(decimal.NewFromInt(200000)) {
		t.Errorf("汇总错误: count=%d total=%s", agg.ModelCount, agg.TotalValue)
	}

	if w := ts.do(t, http.MethodGet, "/api/models/chart-data?limit=10", nil); w.Code != http.StatusOK {
		t.Errorf("曲线数据应返回 200，实际 %d", w.Code)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ts := newTestServer(t, "", tradingNow())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.hub.Run(ctx)

	httpSrv := httptest.NewServer(ts.engine)
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接 WebSocket 失败: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("连接未注册到 Hub")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ts.hub.ProcessEvent(&event.Event{
		Type:    event.EventTypeTradeFilled,
		ModelID: 7,
		Data:    map[string]interface{}{"symbol": "600036.SH"},
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取推送失败: %v", err)
	}
	var ev event.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != event.EventTypeTradeFilled || ev.ModelID != 7 {
		t.Errorf("推送内容错误: %s", msg)
	}
}
