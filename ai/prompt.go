package ai

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"stockarena/market"
	"stockarena/utils"
)

const defaultSystemPrompt = "你是一名专业的A股交易员，只输出 JSON。"

// PromptBuilder A股决策提示词构建器
type PromptBuilder struct {
	mu           sync.RWMutex
	systemPrompt string
}

// NewPromptBuilder 创建提示词构建器
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{systemPrompt: defaultSystemPrompt}
}

// SystemPrompt 当前系统提示词
func (b *PromptBuilder) SystemPrompt() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.systemPrompt
}

// SetSystemPrompt 替换系统提示词，空字符串恢复默认
func (b *PromptBuilder) SetSystemPrompt(prompt string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.TrimSpace(prompt) == "" {
		prompt = defaultSystemPrompt
	}
	b.systemPrompt = prompt
}

func money(d decimal.Decimal, places int32, currency string) string {
	if d.IsZero() {
		return "n/a"
	}
	return d.StringFixed(places) + " " + currency
}

func signedPct(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.StringFixed(2) + "%"
	}
	return "+" + d.StringFixed(2) + "%"
}

// Build 生成用户提示词
func (b *PromptBuilder) Build(req *DecisionRequest) string {
	currency := req.Account.Currency
	if currency == "" {
		currency = "CNY"
	}
	sellable := make(map[string]string, len(req.Positions))
	for _, p := range req.Positions {
		sellable[p.Symbol] = p.NextSellableDate
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "请分析以下A股行情并给出交易决策。当前时间: %s\n\n", utils.InChina(req.Now).Format("2006-01-02 15:04"))

	sb.WriteString("行情数据:\n")
	if len(req.Market) == 0 {
		sb.WriteString("无\n")
	}
	for _, s := range req.Market {
		b.writeQuote(&sb, s, currency, sellable[s.Symbol])
	}

	sb.WriteString("\n账户状态:\n")
	fmt.Fprintf(&sb, "- 初始资金: %s\n", req.Account.InitialCapital.StringFixed(2))
	fmt.Fprintf(&sb, "- 总资产: %s\n", req.Account.TotalValue.StringFixed(2))
	fmt.Fprintf(&sb, "- 可用现金: %s %s\n", req.Account.Cash.StringFixed(2), currency)
	fmt.Fprintf(&sb, "- 累计收益率: %s%%\n", req.Account.ReturnPct.StringFixed(2))

	sb.WriteString("\n当前持仓:\n")
	if len(req.Positions) == 0 {
		sb.WriteString("无\n")
	}
	for _, p := range req.Positions {
		var notes []string
		if p.Board != "" {
			notes = append(notes, "板块: "+p.Board)
		}
		if p.Suspended {
			notes = append(notes, "停牌")
		}
		if p.NextSellableDate != "" {
			notes = append(notes, "可卖日期: "+p.NextSellableDate)
		}
		line := fmt.Sprintf("- %s 多头: %d 股 @ %s", p.Symbol, p.Quantity, p.AvgPrice.StringFixed(2))
		if len(notes) > 0 {
			line += "（" + strings.Join(notes, "，") + "）"
		}
		sb.WriteString(line + "\n")
	}

	sb.WriteString(`
交易规则:
1. 信号只能是 buy_to_enter（买入）、close_position（卖出）或 hold（观望）
2. A股不支持做空、融资与杠杆
3. 遵守涨跌停限制（主板 ±10%，创业板/科创板 ±20%，ST ±5%），不要交易停牌股票
4. 委托数量必须是 100 股的整数倍
5. T+1：当日买入的股票下一个交易日才能卖出
6. 买入金额加手续费不能超过可用现金

输出格式（只返回 JSON）:
` + "```json" + `
{
  "600519.SH": {
    "signal": "buy_to_enter|close_position|hold",
    "quantity": 100,
    "confidence": 0.75,
    "justification": "简要理由"
  }
}
` + "```" + `
close_position 省略 quantity 表示全部卖出。
`)
	return sb.String()
}

func (b *PromptBuilder) writeQuote(sb *strings.Builder, s *market.Snapshot, currency, nextSellable string) {
	display := s.Symbol
	if s.Name != "" {
		display += " (" + s.Name + ")"
	}
	fmt.Fprintf(sb, "%s: %s (%s)\n", display, money(s.Price, 2, currency), signedPct(s.ChangePct))
	fmt.Fprintf(sb, "  成交量: %d, 成交额: %s, 涨停价: %s, 跌停价: %s\n",
		s.Volume, money(s.Amount, 0, currency), money(s.LimitUp, 2, currency), money(s.LimitDown, 2, currency))

	status := "正常交易"
	if s.Suspended {
		status = "停牌"
	}
	st := "否"
	if s.IsST {
		st = "是"
	}
	line := fmt.Sprintf("  状态: %s; 板块: %s; ST: %s", status, s.Board, st)
	if nextSellable != "" {
		line += "; 可卖日期: " + nextSellable
	}
	if s.Stale {
		line += "; 行情延迟"
	}
	sb.WriteString(line + "\n")
}
