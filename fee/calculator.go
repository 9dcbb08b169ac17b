package fee

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide 解析买卖方向
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case Buy, Sell:
		return Side(s), nil
	default:
		return "", fmt.Errorf("未知的买卖方向: %s", s)
	}
}

// Rates A股费率
type Rates struct {
	CommissionRate decimal.Decimal `json:"commission_rate"` // 佣金费率（双向）
	MinCommission  decimal.Decimal `json:"min_commission"`  // 单笔最低佣金
	TransferRate   decimal.Decimal `json:"transfer_rate"`   // 过户费率（双向）
	StampDutyRate  decimal.Decimal `json:"stamp_duty_rate"` // 印花税率（仅卖出）
}

// DefaultRates 万三佣金、最低 5 元、过户费十万分之一、印花税千分之一
func DefaultRates() Rates {
	return Rates{
		CommissionRate: decimal.RequireFromString("0.0003"),
		MinCommission:  decimal.NewFromInt(5),
		TransferRate:   decimal.RequireFromString("0.00001"),
		StampDutyRate:  decimal.RequireFromString("0.001"),
	}
}

// Breakdown 单笔交易费用明细，各项均已四舍五入到分
type Breakdown struct {
	Commission  decimal.Decimal `json:"commission"`
	TransferFee decimal.Decimal `json:"transfer_fee"`
	StampDuty   decimal.Decimal `json:"stamp_duty"`
	Total       decimal.Decimal `json:"total"`
}

// Calculator 费用计算器（纯函数，无状态）
type Calculator struct {
	rates Rates
}

// NewCalculator 创建费用计算器
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Rates 返回当前费率
func (c *Calculator) Rates() Rates {
	return c.rates
}

// Compute 计算成交金额 notional 在指定方向上的费用
func (c *Calculator) Compute(notional decimal.Decimal, side Side) Breakdown {
	commission := notional.Mul(c.rates.CommissionRate)
	if commission.LessThan(c.rates.MinCommission) {
		commission = c.rates.MinCommission
	}

	b := Breakdown{
		Commission:  round2(commission),
		TransferFee: round2(notional.Mul(c.rates.TransferRate)),
		StampDuty:   decimal.Zero,
	}
	if side == Sell {
		b.StampDuty = round2(notional.Mul(c.rates.StampDutyRate))
	}
	b.Total = b.Commission.Add(b.TransferFee).Add(b.StampDuty)
	return b
}

// EstimateBuy 买入费用预估（资金校验使用）
func (c *Calculator) EstimateBuy(notional decimal.Decimal) decimal.Decimal {
	return c.Compute(notional, Buy).Total
}

// round2 保留两位小数，四舍五入
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
