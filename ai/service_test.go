package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/market"
)

func sampleRequest() *DecisionRequest {
	return &DecisionRequest{
		ModelID:   1,
		ModelName: "alpha",
		Now:       time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC),
		Market: []*market.Snapshot{{
			Symbol: "600519.SH", Name: "贵州茅台", Board: market.BoardShanghaiMain,
			Price: decimal.RequireFromString("1700"), LimitUp: decimal.RequireFromString("1870"),
			LimitDown: decimal.RequireFromString("1530"), Volume: 12345,
		}},
		Account: AccountStatus{
			InitialCapital: decimal.NewFromInt(100000),
			TotalValue:     decimal.NewFromInt(100000),
			Cash:           decimal.NewFromInt(100000),
		},
	}
}

func TestNormalizeOpenAIBaseURL(t *testing.T) {
	tests := map[string]string{
		"":                                  "https://api.openai.com/v1",
		"https://api.deepseek.com":          "https://api.deepseek.com/v1",
		"https://api.deepseek.com/":         "https://api.deepseek.com/v1",
		"https://proxy.local/v1":            "https://proxy.local/v1",
		"https://proxy.local/v1/chat/extra": "https://proxy.local/v1",
	}
	for in, want := range tests {
		if got := NormalizeOpenAIBaseURL(in); got != want {
			t.Errorf("NormalizeOpenAIBaseURL(%q) = %s，期望 %s", in, got, want)
		}
	}
}

func TestOpenAIRequestDecision(t *testing.T) {
	var got OpenAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("请求路径错误: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("缺少鉴权头: %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("解析请求失败: %v", err)
		}
		json.NewEncoder(w).Encode(OpenAIResponse{Choices: []OpenAIChoice{{
			Message: OpenAIMessage{Role: "assistant", Content: "```json\n{\"600519.SH\": {\"signal\": \"buy_to_enter\", \"quantity\": 100}}\n```"},
		}}})
	}))
	defer srv.Close()

	svc, err := NewOpenAIService(Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "deepseek-chat"}, nil)
	if err != nil {
		t.Fatalf("创建服务失败: %v", err)
	}
	resp, err := svc.RequestDecision(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("请求决策失败: %v", err)
	}
	if len(resp.Proposals) != 1 || resp.Proposals[0].Symbol != "600519.SH" {
		t.Fatalf("决策解析错误: %+v", resp.Proposals)
	}
	if got.Model != "deepseek-chat" || got.Temperature != 0.7 || got.MaxTokens != 2000 {
		t.Errorf("请求参数错误: %+v", got)
	}
	if len(got.Messages) != 2 || !strings.Contains(got.Messages[1].Content, "600519.SH (贵州茅台)") {
		t.Errorf("提示词应包含行情: %+v", got.Messages)
	}
	if resp.Prompt == "" || resp.Raw == "" || resp.Service != "openai:deepseek-chat" {
		t.Errorf("响应元数据缺失: %+v", resp)
	}
}

func TestOpenAIErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		code      string
		retryable bool
	}{
		{"限流", http.StatusTooManyRequests, CodeDecisionUnavailable, true},
		{"服务端错误", http.StatusBadGateway, CodeDecisionUnavailable, true},
		{"鉴权失败", http.StatusUnauthorized, CodeDecisionRejected, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error": {"message": "boom", "type": "x"}}`))
			}))
			defer srv.Close()

			svc, _ := NewOpenAIService(Config{APIKey: "k", BaseURL: srv.URL}, nil)
			_, err := svc.RequestDecision(context.Background(), sampleRequest())
			var aiErr *AIError
			if !errors.As(err, &aiErr) {
				t.Fatalf("期望 AIError，实际 %v", err)
			}
			if aiErr.Code != tt.code || aiErr.Retryable != tt.retryable {
				t.Errorf("期望 %s/%v，实际 %s/%v", tt.code, tt.retryable, aiErr.Code, aiErr.Retryable)
			}
			if !strings.Contains(aiErr.Message, "boom") {
				t.Errorf("错误信息应包含服务端说明: %s", aiErr.Message)
			}
		})
	}
}

func TestOpenAITimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	svc, _ := NewOpenAIService(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.RequestDecision(ctx, sampleRequest())
	var aiErr *AIError
	if !errors.As(err, &aiErr) || aiErr.Code != CodeDecisionUnavailable || !aiErr.Retryable {
		t.Fatalf("超时应返回可重试的 decision_unavailable，实际 %v", err)
	}
}

func TestGeminiRequestDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models/gemini-pro:generateContent" || r.URL.Query().Get("key") != "g-key" {
			t.Errorf("请求地址错误: %s", r.URL.String())
		}
		var req GeminiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.SystemInstruction == nil || len(req.Contents) != 1 {
			t.Errorf("请求结构错误: %+v", req)
		}
		json.NewEncoder(w).Encode(GeminiResponse{Candidates: []GeminiCandidate{{
			Content: GeminiContent{Parts: []GeminiPart{{Text: `[{"symbol": "600519.SH", "signal": "hold"}]`}}},
		}}})
	}))
	defer srv.Close()

	svc, err := NewGeminiService(Config{APIKey: "g-key", BaseURL: srv.URL, Model: "gemini-pro"}, nil)
	if err != nil {
		t.Fatalf("创建服务失败: %v", err)
	}
	resp, err := svc.RequestDecision(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("请求决策失败: %v", err)
	}
	if len(resp.Proposals) != 1 || resp.Proposals[0].Signal != "hold" {
		t.Errorf("决策解析错误: %+v", resp.Proposals)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewAIServiceFactory(nil), Config{Provider: "openai", APIKey: "k"})

	a, err := r.For(&database.Model{Name: "a", ModelName: "gpt-4o"})
	if err != nil {
		t.Fatalf("解析服务失败: %v", err)
	}
	b, _ := r.For(&database.Model{Name: "b", ModelName: "gpt-4o"})
	if a != b {
		t.Error("相同配置应复用服务实例")
	}
	hold, err := r.For(&database.Model{Name: "c", ProviderRef: "hold"})
	if err != nil || hold.Name() != "hold" {
		t.Errorf("应解析为 hold 服务: %v %v", hold, err)
	}
	if _, err := r.For(&database.Model{Name: "d", ProviderRef: "unknown"}); err == nil {
		t.Error("未知服务类型应报错")
	}
}

func TestRateLimiterHonorsContext(t *testing.T) {
	cfg := Config{RatePerMinute: 1}
	caller := newHTTPCaller(time.Second, cfg.limiter())
	caller.limiter.Allow() // 用掉唯一的令牌

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := caller.post(ctx, "http://127.0.0.1:0", nil, struct{}{}, nil)
	var aiErr *AIError
	if !errors.As(err, &aiErr) || aiErr.Code != CodeDecisionUnavailable {
		t.Fatalf("限流等待超时应返回 decision_unavailable，实际 %v", err)
	}
}
