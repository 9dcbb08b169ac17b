package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrQuoteUnavailable 行情不可用（网络错误、代码不存在、无有效价格）
var ErrQuoteUnavailable = errors.New("行情不可用")

// Snapshot 单只证券在某一时刻的行情快照
type Snapshot struct {
	Symbol    string          `json:"symbol"`
	Name      string          `json:"name"`
	Board     string          `json:"board"`
	Exchange  string          `json:"exchange"`
	Price     decimal.Decimal `json:"price"`
	PrevClose decimal.Decimal `json:"prev_close"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Volume    int64           `json:"volume"`
	Amount    decimal.Decimal `json:"amount"`
	ChangePct decimal.Decimal `json:"change_pct"`
	LimitUp   decimal.Decimal `json:"limit_up"`   // 为零表示未知
	LimitDown decimal.Decimal `json:"limit_down"` // 为零表示未知
	Suspended bool            `json:"suspended"`
	IsST      bool            `json:"is_st"`
	Stale     bool            `json:"stale"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Provider 行情快照提供者
type Provider interface {
	// Snapshot 获取单只证券行情，失败时返回包装了 ErrQuoteUnavailable 的错误
	Snapshot(ctx context.Context, symbol string, at time.Time) (*Snapshot, error)
	// Snapshots 批量获取行情，缺失的代码不出现在结果中
	Snapshots(ctx context.Context, symbols []string, at time.Time) (map[string]*Snapshot, error)
}

// Clone 返回快照副本
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Enrich 根据昨收与板块补全涨跌停价、ST 标记与涨跌幅
func (s *Snapshot) Enrich() {
	if s.Board == "" {
		s.Board = InferBoard(s.Symbol)
	}
	if s.Exchange == "" {
		s.Exchange = ExchangeOf(s.Symbol)
	}
	if !s.IsST {
		s.IsST = IsSTName(s.Name)
	}
	if s.PrevClose.IsPositive() {
		if s.LimitUp.IsZero() && s.LimitDown.IsZero() {
			s.LimitUp, s.LimitDown = PriceLimits(s.PrevClose, s.Board, s.IsST)
		}
		if s.Price.IsPositive() && s.ChangePct.IsZero() {
			s.ChangePct = s.Price.Sub(s.PrevClose).Div(s.PrevClose).Mul(decimal.NewFromInt(100)).Round(2)
		}
	}
}
