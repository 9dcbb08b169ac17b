package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"stockarena/logger"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIService OpenAI 兼容接口（chat/completions）
type OpenAIService struct {
	apiKey  string
	baseURL string
	model   string
	caller  *httpCaller
	prompts *PromptBuilder
}

// OpenAIRequest OpenAI API请求结构
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// OpenAIMessage 消息
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIResponse OpenAI API响应
type OpenAIResponse struct {
	Choices []OpenAIChoice `json:"choices"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

// OpenAIChoice 选择
type OpenAIChoice struct {
	Message OpenAIMessage `json:"message"`
}

// OpenAIError OpenAI错误
type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NormalizeOpenAIBaseURL 保证地址以 /v1 结尾
func NormalizeOpenAIBaseURL(baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return defaultOpenAIBaseURL
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	if i := strings.Index(baseURL, "/v1"); i >= 0 {
		return baseURL[:i] + "/v1"
	}
	return baseURL + "/v1"
}

// NewOpenAIService 创建OpenAI服务
func NewOpenAIService(cfg Config, prompts *PromptBuilder) (*OpenAIService, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API Key不能为空")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if prompts == nil {
		prompts = NewPromptBuilder()
	}
	return &OpenAIService{
		apiKey:  cfg.APIKey,
		baseURL: NormalizeOpenAIBaseURL(cfg.BaseURL),
		model:   cfg.Model,
		caller:  newHTTPCaller(cfg.timeout(), cfg.limiter()),
		prompts: prompts,
	}, nil
}

// Name 服务标识
func (s *OpenAIService) Name() string {
	return "openai:" + s.model
}

// callAPI 调用OpenAI API
func (s *OpenAIService) callAPI(ctx context.Context, messages []OpenAIMessage) (string, error) {
	reqBody := OpenAIRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   2000,
	}
	headers := map[string]string{"Authorization": "Bearer " + s.apiKey}

	body, err := s.caller.post(ctx, s.baseURL+"/chat/completions", headers, reqBody, func(body []byte) string {
		var wrapped OpenAIResponse
		if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil {
			return wrapped.Error.Message
		}
		return ""
	})
	if err != nil {
		return "", err
	}

	var resp OpenAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &AIError{Code: CodeInvalidResponse, Message: "解析响应失败", Err: err}
	}
	if resp.Error != nil {
		return "", &AIError{Code: CodeDecisionRejected, Message: "OpenAI API错误: " + resp.Error.Message}
	}
	if len(resp.Choices) == 0 {
		return "", &AIError{Code: CodeInvalidResponse, Message: "OpenAI API返回空响应"}
	}
	return resp.Choices[0].Message.Content, nil
}

// RequestDecision 请求交易决策
func (s *OpenAIService) RequestDecision(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	start := time.Now()
	prompt := s.prompts.Build(req)
	messages := []OpenAIMessage{
		{Role: "system", Content: s.prompts.SystemPrompt()},
		{Role: "user", Content: prompt},
	}

	content, err := s.callAPI(ctx, messages)
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

var _ DecisionService = (*OpenAIService)(nil)
