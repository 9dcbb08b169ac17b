package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("记录不存在")

// Database 数据库接口
type Database interface {
	// 模型（参赛账户）
	CreateModel(ctx context.Context, model *Model) error
	GetModel(ctx context.Context, id int64) (*Model, error)
	ListModels(ctx context.Context) ([]*Model, error)
	UpdateModelCash(ctx context.Context, id int64, cash decimal.Decimal) error
	DeleteModel(ctx context.Context, id int64) error

	// 持仓
	GetPositions(ctx context.Context, modelID int64) ([]*Position, error)
	GetPosition(ctx context.Context, modelID int64, symbol string) (*Position, error)
	SavePosition(ctx context.Context, position *Position) error
	DeletePosition(ctx context.Context, modelID int64, symbol string) error

	// 交易记录（只追加）
	SaveTrade(ctx context.Context, trade *TradeRecord) error
	GetTrades(ctx context.Context, filter *TradeFilter) ([]*TradeRecord, error)
	SumRealizedPnL(ctx context.Context, modelID int64) (decimal.Decimal, error)

	// 权益快照（只追加）
	SaveEquitySnapshot(ctx context.Context, snapshot *EquitySnapshot) error
	GetEquitySnapshots(ctx context.Context, filter *EquityFilter) ([]*EquitySnapshot, error)

	// AI 对话记录
	SaveConversation(ctx context.Context, conv *Conversation) error
	GetConversations(ctx context.Context, modelID int64, limit int) ([]*Conversation, error)

	// 运行时设置
	GetSettings(ctx context.Context) (map[string]string, error)
	SaveSetting(ctx context.Context, key, value string) error

	// Transaction 在同一事务内执行 fn，fn 返回错误时回滚
	Transaction(ctx context.Context, fn func(tx Database) error) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// Model 参赛模型账户
type Model struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string          `gorm:"size:100;uniqueIndex" json:"name"`
	ProviderRef    string          `gorm:"size:50" json:"provider"`
	ModelName      string          `gorm:"size:100" json:"model_name"`
	InitialCapital decimal.Decimal `gorm:"type:numeric(20,4)" json:"initial_capital"`
	Cash           decimal.Decimal `gorm:"type:numeric(20,4)" json:"cash"`
	Currency       string          `gorm:"size:10;default:CNY" json:"currency"`
	Universe       string          `gorm:"type:text" json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UniverseList 返回可交易证券列表
func (m *Model) UniverseList() []string {
	if m.Universe == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(m.Universe), &list); err != nil {
		return nil
	}
	return list
}

// SetUniverse 设置可交易证券列表
func (m *Model) SetUniverse(symbols []string) {
	if len(symbols) == 0 {
		m.Universe = ""
		return
	}
	data, _ := json.Marshal(symbols)
	m.Universe = string(data)
}

// Position 持仓（仅多头）
type Position struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelID          int64           `gorm:"uniqueIndex:idx_model_symbol" json:"model_id"`
	Symbol           string          `gorm:"uniqueIndex:idx_model_symbol;size:20" json:"symbol"`
	Side             string          `gorm:"size:10;default:long" json:"side"`
	Quantity         int64           `json:"quantity"`
	AvgPrice         decimal.Decimal `gorm:"type:numeric(20,4)" json:"avg_price"`
	CurrentPrice     decimal.Decimal `gorm:"type:numeric(20,4)" json:"current_price"`
	Board            string          `gorm:"size:50" json:"board"`
	Suspended        bool            `json:"suspended"`
	IsST             bool            `json:"is_st"`
	LimitUp          decimal.Decimal `gorm:"type:numeric(20,4)" json:"limit_up"`
	LimitDown        decimal.Decimal `gorm:"type:numeric(20,4)" json:"limit_down"`
	NextSellableDate string          `gorm:"size:10" json:"next_sellable_date"`
	EntryTime        time.Time       `json:"entry_time"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// 交易信号
const (
	SignalOpenLong  = "open_long"
	SignalOpenShort = "open_short"
	SignalCloseLong = "close_long"
	SignalUnknown   = "unknown"
)

// 交易状态
const (
	StatusFilled   = "filled"
	StatusRejected = "rejected"
	StatusPending  = "pending"
)

// TradeRecord 交易记录（每次下单尝试一条，包括被拒绝的）
type TradeRecord struct {
	ID          int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelID     int64           `gorm:"index:idx_trade_model_time" json:"model_id"`
	CycleID     string          `gorm:"size:36;index" json:"cycle_id,omitempty"`
	Symbol      string          `gorm:"size:20" json:"symbol"`
	Signal      string          `gorm:"size:20" json:"signal"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `gorm:"type:numeric(20,4)" json:"price"`
	Commission  decimal.Decimal `gorm:"type:numeric(20,4)" json:"commission"`
	TransferFee decimal.Decimal `gorm:"type:numeric(20,4)" json:"transfer_fee"`
	StampDuty   decimal.Decimal `gorm:"type:numeric(20,4)" json:"stamp_duty"`
	TotalFee    decimal.Decimal `gorm:"type:numeric(20,4)" json:"total_fee"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(20,4)" json:"realized_pnl"`
	Status      string          `gorm:"size:20;index" json:"status"`
	Reason      string          `gorm:"size:50" json:"reason,omitempty"`
	ReasonText  string          `gorm:"type:text" json:"reason_text,omitempty"`
	NextOpen    *time.Time      `json:"next_open,omitempty"`
	CreatedAt   time.Time       `gorm:"index:idx_trade_model_time" json:"created_at"`
}

// EquitySnapshot 账户权益快照
type EquitySnapshot struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelID        int64           `gorm:"index:idx_equity_model_time" json:"model_id"`
	TotalValue     decimal.Decimal `gorm:"type:numeric(20,4)" json:"total_value"`
	Cash           decimal.Decimal `gorm:"type:numeric(20,4)" json:"cash"`
	PositionsValue decimal.Decimal `gorm:"type:numeric(20,4)" json:"positions_value"`
	CreatedAt      time.Time       `gorm:"index:idx_equity_model_time" json:"created_at"`
}

// Conversation 每个交易循环的 AI 对话
type Conversation struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ModelID   int64     `gorm:"index" json:"model_id"`
	CycleID   string    `gorm:"size:36" json:"cycle_id"`
	Prompt    string    `gorm:"type:text" json:"prompt"`
	Response  string    `gorm:"type:text" json:"response"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Setting 运行时设置（键值对）
type Setting struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// 过滤器

// TradeFilter 交易记录过滤器
type TradeFilter struct {
	ModelID   int64
	Symbol    string
	Status    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// EquityFilter 权益快照过滤器
type EquityFilter struct {
	ModelID   int64 // 0 表示全部模型
	StartTime *time.Time
	Limit     int // 仅对单模型生效，返回最近 Limit 条
}
