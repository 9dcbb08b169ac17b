package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"stockarena/config"
	"stockarena/logger"
)

const shutdownTimeout = 5 * time.Second

// WebServer HTTP 监听与 WebSocket Hub 的生命周期
type WebServer struct {
	addr   string
	server *http.Server
	hub    *Hub

	stopOnce sync.Once
}

// NewWebServer web.enabled 为 false 时返回 nil
func NewWebServer(cfg *config.Config, srv *Server) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	debug := strings.EqualFold(cfg.System.LogLevel, "debug")
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := logger.InitWebLogger(); err != nil {
		logger.Warn("⚠️ 初始化 Web 日志失败: %v", err)
	}

	addr := net.JoinHostPort(cfg.Web.Host, fmt.Sprint(cfg.Web.Port))
	return &WebServer{
		addr: addr,
		hub:  srv.deps.Hub,
		server: &http.Server{
			Addr:              addr,
			Handler:           srv.Engine(debug),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			// 手动触发交易循环需要等待模型决策
			WriteTimeout: cfg.DecisionTimeout() + 30*time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start 同步绑定端口，端口被占用时直接返回错误
func (ws *WebServer) Start(ctx context.Context) error {
	if ws == nil {
		return nil
	}
	ln, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", ws.addr, err)
	}

	go ws.hub.Run(ctx)
	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s", ln.Addr())
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("❌ Web服务器异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		ws.Stop()
	}()
	return nil
}

// Stop 可重复调用
func (ws *WebServer) Stop() {
	if ws == nil {
		return
	}
	ws.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := ws.server.Shutdown(ctx); err != nil {
			logger.Error("❌ Web服务器关闭失败: %v", err)
			return
		}
		logger.Info("✅ Web服务器已关闭")
	})
}
