package market

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"

	"stockarena/logger"
	"stockarena/metrics"
	"stockarena/utils"
)

const (
	// DefaultSinaBaseURL 新浪实时行情接口
	DefaultSinaBaseURL = "https://hq.sinajs.cn"
	sinaReferer        = "https://finance.sina.com.cn"
	sinaMinFields      = 32
	sinaBatchSize      = 50
)

// SinaProvider 新浪财经实时行情（GBK 编码）
type SinaProvider struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewSinaProvider 创建新浪行情提供者，ratePerSecond <= 0 时不限流
func NewSinaProvider(baseURL string, ratePerSecond float64) *SinaProvider {
	if baseURL == "" {
		baseURL = DefaultSinaBaseURL
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &SinaProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Snapshot 获取单只证券行情
func (p *SinaProvider) Snapshot(ctx context.Context, symbol string, at time.Time) (*Snapshot, error) {
	norm, err := NormalizeSymbol(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}
	snaps, err := p.Snapshots(ctx, []string{norm}, at)
	if err != nil {
		return nil, err
	}
	snap, ok := snaps[norm]
	if !ok {
		return nil, fmt.Errorf("%w: %s 无行情数据", ErrQuoteUnavailable, norm)
	}
	return snap, nil
}

// Snapshots 批量获取行情
func (p *SinaProvider) Snapshots(ctx context.Context, symbols []string, at time.Time) (map[string]*Snapshot, error) {
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm, err := NormalizeSymbol(s)
		if err != nil {
			logger.Warn("⚠️ [Sina] 忽略无效代码 %s: %v", s, err)
			continue
		}
		codes = append(codes, toSinaCode(norm))
	}

	result := make(map[string]*Snapshot, len(codes))
	for start := 0; start < len(codes); start += sinaBatchSize {
		end := start + sinaBatchSize
		if end > len(codes) {
			end = len(codes)
		}
		if err := p.fetchBatch(ctx, codes[start:end], result); err != nil {
			metrics.GetPrometheusMetrics().RecordQuoteFailure("sina")
			return nil, err
		}
	}
	return result, nil
}

func (p *SinaProvider) fetchBatch(ctx context.Context, codes []string, out map[string]*Snapshot) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: 速率限制等待失败: %v", ErrQuoteUnavailable, err)
	}

	url := fmt.Sprintf("%s/list=%s", p.baseURL, strings.Join(codes, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: 创建请求失败: %v", ErrQuoteUnavailable, err)
	}
	req.Header.Set("Referer", sinaReferer)
	req.Header.Set("User-Agent", "StockArena/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: 请求失败: %v", ErrQuoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP错误: %d", ErrQuoteUnavailable, resp.StatusCode)
	}

	reader := transform.NewReader(resp.Body, simplifiedchinese.GBK.NewDecoder())
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	fetchedAt := time.Now()
	for scanner.Scan() {
		snap, err := ParseSinaLine(scanner.Text(), fetchedAt)
		if err != nil {
			logger.Debug("[Sina] 跳过行情行: %v", err)
			continue
		}
		out[snap.Symbol] = snap
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: 读取响应失败: %v", ErrQuoteUnavailable, err)
	}
	return nil
}

// ParseSinaLine 解析一行 var hq_str_sh600519="...";
func ParseSinaLine(line string, fetchedAt time.Time) (*Snapshot, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("空行")
	}
	const prefix = "var hq_str_"
	if !strings.HasPrefix(line, prefix) {
		return nil, fmt.Errorf("格式错误: %q", line)
	}
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return nil, fmt.Errorf("格式错误: %q", line)
	}
	symbol, err := fromSinaCode(line[len(prefix):eq])
	if err != nil {
		return nil, err
	}

	payload := strings.TrimSuffix(strings.TrimSpace(line[eq+1:]), ";")
	payload = strings.Trim(payload, "\"")
	fields := strings.Split(payload, ",")
	if len(fields) < sinaMinFields {
		return nil, fmt.Errorf("%s 字段数不足: %d", symbol, len(fields))
	}

	snap := &Snapshot{
		Symbol:    symbol,
		Name:      strings.TrimSpace(fields[0]),
		Open:      parseDecimal(fields[1]),
		PrevClose: parseDecimal(fields[2]),
		Price:     parseDecimal(fields[3]),
		High:      parseDecimal(fields[4]),
		Low:       parseDecimal(fields[5]),
		Volume:    parseInt(fields[8]),
		Amount:    parseDecimal(fields[9]),
		FetchedAt: fetchedAt,
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", fields[30]+" "+fields[31], utils.GlobalLocation); err == nil {
		snap.FetchedAt = t
	}

	// 停牌：无成交价或无成交量，或状态位非正常交易
	snap.Suspended = !snap.Price.IsPositive() || snap.Volume == 0
	if len(fields) > 32 {
		if status := strings.TrimSpace(fields[32]); status != "" && status != "00" {
			snap.Suspended = true
		}
	}
	snap.Enrich()
	return snap, nil
}

func toSinaCode(symbol string) string {
	code, mkt := splitSymbol(symbol)
	return strings.ToLower(mkt) + code
}

func fromSinaCode(code string) (string, error) {
	if len(code) < 8 {
		return "", fmt.Errorf("无效的新浪代码: %q", code)
	}
	return NormalizeSymbol(code)
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
