package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"stockarena/calendar"
	"stockarena/config"
	"stockarena/event"
	"stockarena/logger"
	"stockarena/market"
)

// marketStatusResponse 交易时段（附本地化说明）
type marketStatusResponse struct {
	calendar.Status
	SessionText string `json:"session_text"`
}

func (s *Server) getMarketStatus(c *gin.Context) {
	at := s.clock()
	if v := c.Query("at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
			return
		}
		at = t
	}
	st := s.deps.Oracle.Status(at)
	c.JSON(http.StatusOK, marketStatusResponse{
		Status:      st,
		SessionText: T(c, "session."+string(st.Session)),
	})
}

// getMarketPrices 查询行情，symbols 以逗号分隔
func (s *Server) getMarketPrices(c *gin.Context) {
	var symbols []string
	for _, part := range strings.Split(c.Query("symbols"), ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		sym, err := market.NormalizeSymbol(part)
		if err != nil {
			respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
			return
		}
		symbols = append(symbols, sym)
	}
	if len(symbols) == 0 {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": "symbols"})
		return
	}

	quotes, err := s.deps.Provider.Snapshots(c.Request.Context(), symbols, s.clock())
	if err != nil {
		logger.Warn("⚠️ 获取行情失败: %v", err)
		respondError(c, http.StatusServiceUnavailable, "error.market_unavailable")
		return
	}
	c.JSON(http.StatusOK, quotes)
}

func (s *Server) getSettings(c *gin.Context) {
	s.mu.Lock()
	current := s.runtime
	s.mu.Unlock()
	c.JSON(http.StatusOK, current)
}

// updateSettings 修改交易频率与费率：先持久化，再应用到调度器与执行器
func (s *Server) updateSettings(c *gin.Context) {
	var update config.SettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		respondError(c, http.StatusBadRequest, "error.invalid_request", map[string]interface{}{"Detail": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := s.runtime.Apply(update)
	if err != nil {
		respondError(c, http.StatusBadRequest, "error.invalid_settings", map[string]interface{}{"Detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	for key, value := range next.ToMap() {
		if err := s.deps.Settings.SaveSetting(ctx, key, value); err != nil {
			logger.Error("❌ 保存设置 %s 失败: %v", key, err)
			respondError(c, http.StatusInternalServerError, "error.internal")
			return
		}
	}

	if err := s.deps.Scheduler.SetInterval(next.FrequencyMinutes); err != nil {
		respondError(c, http.StatusBadRequest, "error.invalid_settings", map[string]interface{}{"Detail": err.Error()})
		return
	}
	s.deps.Trader.SetRates(next.Fees.Rates())
	s.runtime = next

	s.deps.Publisher.Publish(&event.Event{
		Type: event.EventTypeSettingsChanged,
		Data: map[string]interface{}{"settings": next},
	})
	logger.Info("🔄 运行时设置已更新: 频率 %d 分钟", next.FrequencyMinutes)
	c.JSON(http.StatusOK, next)
}

// ApplyRuntime 同步外部（配置热更新）修改的设置
func (s *Server) ApplyRuntime(rt config.RuntimeSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime = rt
}
