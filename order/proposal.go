package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"stockarena/database"
	"stockarena/market"
)

// ErrHold 观望信号，不构成下单尝试
var ErrHold = errors.New("hold")

// RawProposal 决策服务或手动下单给出的原始指令
type RawProposal struct {
	Symbol        string      `json:"symbol"`
	Signal        string      `json:"signal"`
	Quantity      interface{} `json:"quantity"`
	Justification string      `json:"justification,omitempty"`
}

// Proposal 已校验的交易指令：OpenLong / CloseLong / OpenShort
type Proposal interface {
	Target() string
	Signal() string
	sealed()
}

// OpenLong 买入开仓
type OpenLong struct {
	Symbol   string
	Quantity int64
}

// CloseLong 卖出平仓，Quantity 为 0 表示全部卖出
type CloseLong struct {
	Symbol   string
	Quantity int64
}

// OpenShort 卖空开仓（A股不支持，解析后由执行器拒绝）
type OpenShort struct {
	Symbol   string
	Quantity int64
}

func (p OpenLong) Target() string  { return p.Symbol }
func (p CloseLong) Target() string { return p.Symbol }
func (p OpenShort) Target() string { return p.Symbol }

func (OpenLong) Signal() string  { return database.SignalOpenLong }
func (CloseLong) Signal() string { return database.SignalCloseLong }
func (OpenShort) Signal() string { return database.SignalOpenShort }

func (OpenLong) sealed()  {}
func (CloseLong) sealed() {}
func (OpenShort) sealed() {}

// ProposalError 指令无法解析
type ProposalError struct {
	Raw    RawProposal
	Detail string
}

func (e *ProposalError) Error() string {
	return fmt.Sprintf("无效的交易指令: %s", e.Detail)
}

// NormalizeSignal 把各种写法映射为标准信号，无法识别时返回 unknown
func NormalizeSignal(signal string) string {
	switch strings.ToLower(strings.TrimSpace(signal)) {
	case "buy_to_enter", "open_long", "buy":
		return database.SignalOpenLong
	case "sell_to_enter", "open_short", "short":
		return database.SignalOpenShort
	case "close_position", "close_long", "sell", "close":
		return database.SignalCloseLong
	case "hold":
		return "hold"
	default:
		return database.SignalUnknown
	}
}

// ParseProposal 严格解析原始指令，不做任何猜测式修正
func ParseProposal(raw RawProposal) (Proposal, error) {
	signal := NormalizeSignal(raw.Signal)
	if signal == "hold" {
		return nil, ErrHold
	}
	if signal == database.SignalUnknown {
		return nil, &ProposalError{Raw: raw, Detail: fmt.Sprintf("未知信号 %q", raw.Signal)}
	}

	if strings.TrimSpace(raw.Symbol) == "" {
		return nil, &ProposalError{Raw: raw, Detail: "缺少证券代码"}
	}
	symbol, err := market.NormalizeSymbol(raw.Symbol)
	if err != nil {
		return nil, &ProposalError{Raw: raw, Detail: err.Error()}
	}

	qty, present, err := parseQuantity(raw.Quantity)
	if err != nil {
		return nil, &ProposalError{Raw: raw, Detail: err.Error()}
	}

	switch signal {
	case database.SignalOpenLong:
		if !present {
			return nil, &ProposalError{Raw: raw, Detail: "缺少数量"}
		}
		return OpenLong{Symbol: symbol, Quantity: qty}, nil
	case database.SignalOpenShort:
		return OpenShort{Symbol: symbol, Quantity: qty}, nil
	default:
		return CloseLong{Symbol: symbol, Quantity: qty}, nil
	}
}

// parseQuantity 只接受整数（JSON 数字不得带小数部分）
func parseQuantity(v interface{}) (int64, bool, error) {
	switch q := v.(type) {
	case nil:
		return 0, false, nil
	case int:
		return int64(q), true, nil
	case int32:
		return int64(q), true, nil
	case int64:
		return q, true, nil
	case float64:
		if math.IsNaN(q) || math.IsInf(q, 0) || q != math.Trunc(q) || math.Abs(q) > 1e15 {
			return 0, true, fmt.Errorf("数量必须为整数: %v", q)
		}
		return int64(q), true, nil
	case json.Number:
		n, err := q.Int64()
		if err != nil {
			return 0, true, fmt.Errorf("数量必须为整数: %s", q)
		}
		return n, true, nil
	default:
		return 0, true, fmt.Errorf("数量类型无效: %T", v)
	}
}

// rawQuantity 尽量取出原始数量用于记录
func rawQuantity(v interface{}) int64 {
	n, _, err := parseQuantity(v)
	if err != nil {
		return 0
	}
	return n
}
