package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/ledger"
	"stockarena/logger"
	"stockarena/market"
	"stockarena/order"
	"stockarena/scheduler"
)

const (
	defaultTradeLimit        = 50
	defaultConversationLimit = 20
	defaultHistoryLimit      = 100
)

// createModelRequest 新建模型请求
type createModelRequest struct {
	Name           string   `json:"name"`
	Provider       string   `json:"provider"`
	ModelName      string   `json:"model_name"`
	InitialCapital *float64 `json:"initial_capital"`
	Universe       []string `json:"universe"`
}

// modelResponse 模型信息（附带股票池）
type modelResponse struct {
	*database.Model
	Universe []string `json:"universe"`
}

func toModelResponse(m *database.Model) modelResponse {
	return modelResponse{Model: m, Universe: m.UniverseList()}
}

// parseModelID 解析路径中的模型 ID，失败时已写入响应
func parseModelID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "error.invalid_model_id")
		return 0, false
	}
	return id, true
}

// queryLimit 读取 limit 参数，非法时使用默认值
func queryLimit(c *gin.Context, def int) int {
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// requireModel 确认模型存在，失败时已写入响应
func (s *Server) requireModel(c *gin.Context) (*database.Model, bool) {
	id, ok := parseModelID(c)
	if !ok {
		return nil, false
	}
	m, err := s.deps.Ledger.Model(c.Request.Context(), id)
	if err != nil {
		s.modelError(c, err)
		return nil, false
	}
	return m, true
}

func (s *Server) modelError(c *gin.Context, err error) {
	if errors.Is(err, ledger.ErrModelNotFound) {
		respondError(c, http.StatusNotFound, "error.model_not_found")
		return
	}
	logger.Error("❌ 接口处理失败 %s: %v", c.FullPath(), err)
	respondError(c, http.StatusInternalServerError, "error.internal")
}

func (s *Server) listModels(c *gin.Context) {
	models, err := s.deps.Ledger.Models(c.Request.Context())
	if err != nil {
		s.modelError(c, err)
		return
	}
	out := make([]modelResponse, 0, len(models))
	for _, m := range models {
		out = append(out, toModelResponse(m))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createModel(c *gin.Context) {
	var req createModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": "name"})
		return
	}

	capital := s.deps.InitialCapital
	if req.InitialCapital != nil {
		capital = decimal.NewFromFloat(*req.InitialCapital)
	}
	if !capital.IsPositive() {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": "initial_capital"})
		return
	}

	universe := make([]string, 0, len(req.Universe))
	for _, raw := range req.Universe {
		sym, err := market.NormalizeSymbol(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
			return
		}
		universe = append(universe, sym)
	}

	m := &database.Model{
		Name:           req.Name,
		ProviderRef:    strings.ToLower(strings.TrimSpace(req.Provider)),
		ModelName:      req.ModelName,
		InitialCapital: capital,
	}
	m.SetUniverse(universe)

	ctx := c.Request.Context()
	if err := s.deps.Ledger.CreateModel(ctx, m); err != nil {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
		return
	}
	if err := s.deps.Scheduler.AddModel(m.ID); err != nil {
		logger.Warn("⚠️ [模型 %d] 启动交易循环失败: %v", m.ID, err)
	}
	c.JSON(http.StatusCreated, toModelResponse(m))
}

func (s *Server) deleteModel(c *gin.Context) {
	id, ok := parseModelID(c)
	if !ok {
		return
	}
	s.deps.Scheduler.RemoveModel(id)
	if err := s.deps.Ledger.DeleteModel(c.Request.Context(), id); err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) getPortfolio(c *gin.Context) {
	m, ok := s.requireModel(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	view, err := s.deps.Portfolio.SingleModelView(ctx, m.ID)
	if err != nil {
		s.modelError(c, err)
		return
	}
	history, err := s.deps.Ledger.Equity(ctx, m.ID, queryLimit(c, defaultHistoryLimit))
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"portfolio":             view,
		"account_value_history": history,
	})
}

func (s *Server) getTrades(c *gin.Context) {
	m, ok := s.requireModel(c)
	if !ok {
		return
	}
	filter := &database.TradeFilter{
		ModelID: m.ID,
		Status:  c.Query("status"),
		Limit:   queryLimit(c, defaultTradeLimit),
	}
	if sym := c.Query("symbol"); sym != "" {
		filter.Symbol = market.MustNormalize(sym)
	}
	trades, err := s.deps.Ledger.Trades(c.Request.Context(), filter)
	if err != nil {
		s.modelError(c, err)
		return
	}
	if trades == nil {
		trades = []*database.TradeRecord{}
	}
	c.JSON(http.StatusOK, trades)
}

// submitTrade 手动下单，与决策服务走同一执行器
func (s *Server) submitTrade(c *gin.Context) {
	m, ok := s.requireModel(c)
	if !ok {
		return
	}
	var raw order.RawProposal
	if err := c.ShouldBindJSON(&raw); err != nil {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
		return
	}

	rec, err := s.deps.Trader.SubmitRaw(c.Request.Context(), m.ID, raw, order.Origin{Source: "manual"})
	if errors.Is(err, order.ErrHold) {
		c.JSON(http.StatusOK, gin.H{"status": "hold"})
		return
	}
	var ie *order.InvariantError
	if errors.As(err, &ie) {
		respondError(c, http.StatusConflict, "error.internal")
		return
	}
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getConversations(c *gin.Context) {
	m, ok := s.requireModel(c)
	if !ok {
		return
	}
	convs, err := s.deps.Ledger.Conversations(c.Request.Context(), m.ID, queryLimit(c, defaultConversationLimit))
	if err != nil {
		s.modelError(c, err)
		return
	}
	if convs == nil {
		convs = []*database.Conversation{}
	}
	c.JSON(http.StatusOK, convs)
}

// executeCycle 立即执行一轮（休市时跳过）
func (s *Server) executeCycle(c *gin.Context) {
	id, ok := parseModelID(c)
	if !ok {
		return
	}
	report, err := s.deps.Scheduler.TriggerNow(c.Request.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownModel):
		respondError(c, http.StatusNotFound, "error.model_not_found")
		return
	case errors.Is(err, scheduler.ErrStopped):
		respondError(c, http.StatusServiceUnavailable, "error.scheduler_stopped")
		return
	case err != nil:
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getAggregatedPortfolio(c *gin.Context) {
	view, err := s.deps.Portfolio.AggregatedView(c.Request.Context())
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getChartData(c *gin.Context) {
	series, err := s.deps.Portfolio.ChartData(c.Request.Context(), queryLimit(c, defaultHistoryLimit))
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, series)
}

func (s *Server) getLeaderboard(c *gin.Context) {
	board, err := s.deps.Portfolio.Leaderboard(c.Request.Context())
	if err != nil {
		s.modelError(c, err)
		return
	}
	c.JSON(http.StatusOK, board)
}
