package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/market"
	"stockarena/order"
)

// AIServiceType AI服务类型
type AIServiceType string

const (
	AIServiceOpenAI AIServiceType = "openai"
	AIServiceGemini AIServiceType = "gemini"
	AIServiceHold   AIServiceType = "hold" // 不调用大模型，始终观望（模拟盘）
)

// 错误码
const (
	CodeDecisionUnavailable = "decision_unavailable" // 网络错误、超时、限流，可重试
	CodeDecisionRejected    = "decision_rejected"    // 鉴权失败等请求错误
	CodeInvalidResponse     = "invalid_response"     // 返回内容无法解析
)

// DecisionService 交易决策服务
type DecisionService interface {
	// RequestDecision 请求一轮交易决策，空列表是合法结果
	RequestDecision(ctx context.Context, req *DecisionRequest) (*DecisionResponse, error)
	// Name 服务标识，用于日志与指标
	Name() string
}

// AccountStatus 账户概况
type AccountStatus struct {
	InitialCapital decimal.Decimal
	TotalValue     decimal.Decimal
	Cash           decimal.Decimal
	ReturnPct      decimal.Decimal
	Currency       string
}

// PositionInfo 持仓概况
type PositionInfo struct {
	Symbol           string
	Quantity         int64
	AvgPrice         decimal.Decimal
	CurrentPrice     decimal.Decimal
	Board            string
	Suspended        bool
	NextSellableDate string
}

// DecisionRequest 一轮决策的输入
type DecisionRequest struct {
	ModelID   int64
	ModelName string
	Now       time.Time
	Market    []*market.Snapshot // 按股票池顺序
	Account   AccountStatus
	Positions []PositionInfo
}

// DecisionResponse 决策结果
type DecisionResponse struct {
	Proposals []order.RawProposal
	Prompt    string
	Raw       string
	Service   string
	Duration  time.Duration
}

// AIError AI错误
type AIError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *AIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AIError) Unwrap() error {
	return e.Err
}

func unavailable(message string, err error) *AIError {
	return &AIError{Code: CodeDecisionUnavailable, Message: message, Retryable: true, Err: err}
}
