package market

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 板块名称
const (
	BoardSTAR          = "STAR Market"
	BoardChiNext       = "ChiNext"
	BoardETF           = "ETF"
	BoardShanghaiMain  = "Shanghai Main Board"
	BoardShanghaiB     = "Shanghai B Board"
	BoardShanghaiOther = "Shanghai"
	BoardShenzhenMain  = "Shenzhen Main Board"
	BoardShenzhenSME   = "Shenzhen SME Board"
	BoardShenzhenB     = "Shenzhen B Board"
	BoardShenzhenOther = "Shenzhen"
)

// NormalizeSymbol 统一为 "600519.SH" 形式
// 支持 600519.SH / sh600519 / 600519 三种写法
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", "")

	var code, mkt string
	switch {
	case strings.Contains(s, "."):
		parts := strings.SplitN(s, ".", 2)
		code, mkt = parts[0], parts[1]
		if len(mkt) > 2 {
			mkt = mkt[:2]
		}
	case strings.HasPrefix(s, "SH") || strings.HasPrefix(s, "SZ"):
		code, mkt = s[2:], s[:2]
	default:
		code = s
		if strings.HasPrefix(code, "6") || strings.HasPrefix(code, "9") || strings.HasPrefix(code, "5") {
			mkt = "SH"
		} else {
			mkt = "SZ"
		}
	}

	if len(code) != 6 || !isDigits(code) {
		return "", fmt.Errorf("无效的证券代码: %q", raw)
	}
	if mkt != "SH" && mkt != "SZ" {
		return "", fmt.Errorf("无效的交易所后缀: %q", raw)
	}
	return code + "." + mkt, nil
}

// MustNormalize 规范化失败时返回大写原值
func MustNormalize(raw string) string {
	if s, err := NormalizeSymbol(raw); err == nil {
		return s
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}

func splitSymbol(symbol string) (code, mkt string) {
	if i := strings.IndexByte(symbol, '.'); i >= 0 {
		return symbol[:i], symbol[i+1:]
	}
	return symbol, ""
}

// ExchangeOf 返回交易所简称
func ExchangeOf(symbol string) string {
	_, mkt := splitSymbol(MustNormalize(symbol))
	if mkt == "SH" {
		return "SSE"
	}
	return "SZSE"
}

// InferBoard 根据代码前缀推断板块
func InferBoard(symbol string) string {
	code, mkt := splitSymbol(MustNormalize(symbol))
	if mkt == "SH" {
		switch {
		case strings.HasPrefix(code, "688"):
			return BoardSTAR
		case hasAnyPrefix(code, "50", "51", "52"):
			return BoardETF
		case hasAnyPrefix(code, "600", "601", "603", "605"):
			return BoardShanghaiMain
		case strings.HasPrefix(code, "900"):
			return BoardShanghaiB
		default:
			return BoardShanghaiOther
		}
	}
	switch {
	case hasAnyPrefix(code, "300", "301"):
		return BoardChiNext
	case hasAnyPrefix(code, "159", "150", "16"):
		return BoardETF
	case hasAnyPrefix(code, "002", "003"):
		return BoardShenzhenSME
	case strings.HasPrefix(code, "200"):
		return BoardShenzhenB
	case hasAnyPrefix(code, "000", "001"):
		return BoardShenzhenMain
	default:
		return BoardShenzhenOther
	}
}

// IsSTName 名称中含 ST 视为风险警示股
func IsSTName(name string) bool {
	return strings.Contains(strings.ToUpper(name), "ST")
}

// LimitRatio 涨跌幅限制比例：创业板/科创板 20%，ST 5%，其余 10%
func LimitRatio(board string, isST bool) decimal.Decimal {
	switch {
	case board == BoardChiNext || board == BoardSTAR:
		return decimal.RequireFromString("0.20")
	case isST:
		return decimal.RequireFromString("0.05")
	default:
		return decimal.RequireFromString("0.10")
	}
}

// PriceLimits 以昨收计算涨跌停价，四舍五入到分
func PriceLimits(prevClose decimal.Decimal, board string, isST bool) (up, down decimal.Decimal) {
	ratio := LimitRatio(board, isST)
	one := decimal.NewFromInt(1)
	up = prevClose.Mul(one.Add(ratio)).Round(2)
	down = prevClose.Mul(one.Sub(ratio)).Round(2)
	return up, down
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
