package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"stockarena/calendar"
	"stockarena/config"
	"stockarena/database"
	"stockarena/event"
	"stockarena/fee"
	"stockarena/market"
	"stockarena/metrics"
	"stockarena/order"
	"stockarena/portfolio"
	"stockarena/scheduler"
)

// Ledger 接口所需的账本能力
type Ledger interface {
	Models(ctx context.Context) ([]*database.Model, error)
	Model(ctx context.Context, modelID int64) (*database.Model, error)
	Trades(ctx context.Context, filter *database.TradeFilter) ([]*database.TradeRecord, error)
	Conversations(ctx context.Context, modelID int64, limit int) ([]*database.Conversation, error)
	Equity(ctx context.Context, modelID int64, limit int) ([]*database.EquitySnapshot, error)
	CreateModel(ctx context.Context, model *database.Model) error
	DeleteModel(ctx context.Context, modelID int64) error
}

// Portfolio 估值视图
type Portfolio interface {
	SingleModelView(ctx context.Context, modelID int64) (*portfolio.ModelPortfolio, error)
	AggregatedView(ctx context.Context) (*portfolio.AggregatedPortfolio, error)
	Leaderboard(ctx context.Context) ([]portfolio.LeaderboardEntry, error)
	ChartData(ctx context.Context, limit int) ([]portfolio.ModelSeries, error)
}

// Trader 下单与费率设置
type Trader interface {
	SubmitRaw(ctx context.Context, modelID int64, raw order.RawProposal, origin order.Origin) (*database.TradeRecord, error)
	SetRates(rates fee.Rates)
}

// Scheduler 交易循环控制
type Scheduler interface {
	TriggerNow(ctx context.Context, modelID int64) (*scheduler.CycleReport, error)
	SetInterval(minutes int) error
	AddModel(modelID int64) error
	RemoveModel(modelID int64)
}

// SettingsStore 运行时设置持久化
type SettingsStore interface {
	SaveSetting(ctx context.Context, key, value string) error
}

// Deps Web 服务依赖
type Deps struct {
	Ledger    Ledger
	Portfolio Portfolio
	Trader    Trader
	Scheduler Scheduler
	Settings  SettingsStore
	Oracle    *calendar.Oracle
	Provider  market.Provider
	Publisher event.Publisher
	Hub       *Hub
	System    func() *metrics.SystemMetrics // 进程资源快照，可为空

	// 当前生效的运行时设置（启动时已合并数据库中的值）
	Runtime        config.RuntimeSettings
	InitialCapital decimal.Decimal
	Version        string
}

// Server 路由与处理函数
type Server struct {
	deps   Deps
	apiKey string

	mu      sync.Mutex
	runtime config.RuntimeSettings
	now     func() time.Time
}

// NewServer 创建路由服务
func NewServer(apiKey string, deps Deps) *Server {
	if deps.Publisher == nil {
		deps.Publisher = event.NopPublisher{}
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Server{
		deps:    deps,
		apiKey:  apiKey,
		runtime: deps.Runtime,
		now:     time.Now,
	}
}

// SetClock 替换时钟（测试使用）
func (s *Server) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Server) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Engine 构建 gin 引擎
func (s *Server) Engine(logAll bool) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(GinLoggerMiddleware(logAll))
	r.Use(I18nMiddleware())
	s.SetupRoutes(r)
	return r
}

// SetupRoutes 设置路由
func (s *Server) SetupRoutes(r *gin.Engine) {
	// Prometheus metrics 端点（不需要认证，供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", apiKeyMiddleware(s.apiKey), s.deps.Hub.handleWebSocket)

	api := r.Group("/api")
	api.GET("/version", s.getVersion)
	api.GET("/system", apiKeyMiddleware(s.apiKey), s.getSystem)

	protected := api.Group("")
	protected.Use(apiKeyMiddleware(s.apiKey))
	{
		protected.GET("/models", s.listModels)
		protected.POST("/models", s.createModel)
		// 静态路径需在 :id 之前注册
		protected.GET("/models/chart-data", s.getChartData)
		protected.DELETE("/models/:id", s.deleteModel)
		protected.GET("/models/:id/portfolio", s.getPortfolio)
		protected.GET("/models/:id/trades", s.getTrades)
		protected.POST("/models/:id/trades", s.submitTrade)
		protected.GET("/models/:id/conversations", s.getConversations)
		protected.POST("/models/:id/execute", s.executeCycle)

		protected.GET("/aggregated/portfolio", s.getAggregatedPortfolio)
		protected.GET("/leaderboard", s.getLeaderboard)

		protected.GET("/market/status", s.getMarketStatus)
		protected.GET("/market/prices", s.getMarketPrices)

		protected.GET("/settings", s.getSettings)
		protected.PUT("/settings", s.updateSettings)
	}
}

// respondError 以当前请求语言返回错误
func respondError(c *gin.Context, status int, key string, data ...interface{}) {
	c.JSON(status, gin.H{"error": T(c, key, data...)})
}

func (s *Server) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.deps.Version})
}

func (s *Server) getSystem(c *gin.Context) {
	var snapshot *metrics.SystemMetrics
	if s.deps.System != nil {
		snapshot = s.deps.System()
	}
	if snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "system metrics not collected yet"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
