package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"

	"stockarena/config"
	"stockarena/logger"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("获取空闲端口失败: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestWebServerDisabled(t *testing.T) {
	cfg, err := config.LoadConfigFromBytes([]byte("web:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	ws := NewWebServer(cfg, NewServer("", Deps{}))
	if ws != nil {
		t.Fatal("未启用时应返回 nil")
	}
	if err := ws.Start(context.Background()); err != nil {
		t.Errorf("nil 服务器 Start 应为空操作: %v", err)
	}
	ws.Stop()
}

func TestWebServerStartServesAndReportsPortConflict(t *testing.T) {
	logger.SetLogDir(t.TempDir())
	ts := newTestServer(t, "", tradingNow())
	port := freePort(t)
	cfg, err := config.LoadConfigFromBytes([]byte(fmt.Sprintf("web:\n  enabled: true\n  host: 127.0.0.1\n  port: %d\n", port)))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ws := NewWebServer(cfg, ts.srv)
	if err := ws.Start(ctx); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer ws.Stop()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/version", port))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("期望 200，实际 %d", resp.StatusCode)
	}

	again := NewWebServer(cfg, ts.srv)
	if err := again.Start(ctx); err == nil {
		t.Error("端口被占用时 Start 应返回错误")
	}

	ws.Stop()
	ws.Stop()
}
