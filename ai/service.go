package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stockarena/database"
	"stockarena/logger"
)

// Config 决策服务配置
type Config struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
	RatePerMinute  int
}

func (c Config) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// limiter 每分钟请求数，<=0 不限流
func (c Config) limiter() *rate.Limiter {
	if c.RatePerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.RatePerMinute)), 1)
}

// AIServiceFactory AI服务工厂
type AIServiceFactory struct {
	prompts *PromptBuilder
}

// NewAIServiceFactory 创建AI服务工厂
func NewAIServiceFactory(prompts *PromptBuilder) *AIServiceFactory {
	if prompts == nil {
		prompts = NewPromptBuilder()
	}
	return &AIServiceFactory{prompts: prompts}
}

// CreateService 创建AI服务实例
func (f *AIServiceFactory) CreateService(cfg Config) (DecisionService, error) {
	switch AIServiceType(strings.ToLower(cfg.Provider)) {
	case AIServiceOpenAI, "":
		return NewOpenAIService(cfg, f.prompts)
	case AIServiceGemini:
		return NewGeminiService(cfg, f.prompts)
	case AIServiceHold:
		return HoldService{}, nil
	default:
		return nil, fmt.Errorf("不支持的AI服务类型: %s", cfg.Provider)
	}
}

// Registry 按模型解析并缓存决策服务
type Registry struct {
	factory *AIServiceFactory
	base    Config

	mu       sync.Mutex
	services map[string]DecisionService
}

// NewRegistry 创建决策服务注册表，base 为默认配置
func NewRegistry(factory *AIServiceFactory, base Config) *Registry {
	return &Registry{
		factory:  factory,
		base:     base,
		services: make(map[string]DecisionService),
	}
}

// For 返回模型使用的决策服务，模型的 provider/model_name 覆盖默认配置
func (r *Registry) For(model *database.Model) (DecisionService, error) {
	cfg := r.base
	if model.ProviderRef != "" {
		cfg.Provider = model.ProviderRef
	}
	if model.ModelName != "" {
		cfg.Model = model.ModelName
	}
	key := strings.ToLower(cfg.Provider) + "|" + cfg.Model

	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[key]; ok {
		return svc, nil
	}
	svc, err := r.factory.CreateService(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建决策服务失败: %w", err)
	}
	r.services[key] = svc
	logger.Info("🤖 已创建决策服务 %s（模型 %s）", svc.Name(), model.Name)
	return svc, nil
}

// HoldService 始终返回空决策
type HoldService struct{}

// Name 服务标识
func (HoldService) Name() string { return "hold" }

// RequestDecision 返回空决策列表
func (HoldService) RequestDecision(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error) {
	return &DecisionResponse{Service: "hold"}, nil
}
