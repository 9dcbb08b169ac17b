package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"stockarena/logger"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiService Gemini generateContent 接口
type GeminiService struct {
	apiKey  string
	baseURL string
	model   string
	caller  *httpCaller
	prompts *PromptBuilder
}

// GeminiRequest Gemini API请求结构
type GeminiRequest struct {
	SystemInstruction *GeminiContent         `json:"systemInstruction,omitempty"`
	Contents          []GeminiContent        `json:"contents"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
}

// GeminiGenerationConfig 生成参数
type GeminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

// GeminiContent 内容
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart 部分
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiResponse Gemini API响应
type GeminiResponse struct {
	Candidates []GeminiCandidate `json:"candidates"`
	Error      *GeminiError      `json:"error,omitempty"`
}

// GeminiCandidate 候选响应
type GeminiCandidate struct {
	Content GeminiContent `json:"content"`
}

// GeminiError Gemini错误
type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewGeminiService 创建Gemini服务
func NewGeminiService(cfg Config, prompts *PromptBuilder) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key不能为空")
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	if prompts == nil {
		prompts = NewPromptBuilder()
	}
	return &GeminiService{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   cfg.Model,
		caller:  newHTTPCaller(cfg.timeout(), cfg.limiter()),
		prompts: prompts,
	}, nil
}

// Name 服务标识
func (s *GeminiService) Name() string {
	return "gemini:" + s.model
}

// callAPI 调用Gemini API
func (s *GeminiService) callAPI(ctx context.Context, system, prompt string) (string, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", s.baseURL, url.PathEscape(s.model), url.QueryEscape(s.apiKey))
	reqBody := GeminiRequest{
		SystemInstruction: &GeminiContent{Parts: []GeminiPart{{Text: system}}},
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: prompt}}},
		},
		GenerationConfig: &GeminiGenerationConfig{Temperature: 0.7, MaxOutputTokens: 2000},
	}

	body, err := s.caller.post(ctx, endpoint, nil, reqBody, func(body []byte) string {
		var wrapped GeminiResponse
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
			return wrapped.Error.Message
		}
		return ""
	})
	if err != nil {
		return "", err
	}

	var resp GeminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &AIError{Code: CodeInvalidResponse, Message: "解析响应失败", Err: err}
	}
	if resp.Error != nil {
		return "", &AIError{Code: CodeDecisionRejected, Message: "Gemini API错误: " + resp.Error.Message}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &AIError{Code: CodeInvalidResponse, Message: "Gemini API返回空内容"}
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// RequestDecision 请求交易决策
func (s *GeminiService) RequestDecision(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	start := time.Now()
	prompt := s.prompts.Build(req)

	content, err := s.callAPI(ctx, s.prompts.SystemPrompt(), prompt)
	if err != nil {
		return nil, err
	}
	proposals, err := ParseDecisions(content)
	if err != nil {
		logger.Debug("[模型 %d] 无法解析的决策内容: %s", req.ModelID, content)
		return nil, err
	}
	return &DecisionResponse{
		Proposals: proposals,
		Prompt:    prompt,
		Raw:       content,
		Service:   s.Name(),
		Duration:  time.Since(start),
	}, nil
}

var _ DecisionService = (*GeminiService)(nil)
