package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// httpCaller 带限流的 JSON POST 调用
type httpCaller struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPCaller(timeout time.Duration, limiter *rate.Limiter) *httpCaller {
	return &httpCaller{
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
	}
}

// post 发送请求并按状态码归类错误；apiMessage 从错误响应体提取服务端说明
func (c *httpCaller) post(ctx context.Context, url string, headers map[string]string, payload interface{}, apiMessage func([]byte) string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, unavailable("等待限流失败", err)
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, unavailable("请求超时", err)
		}
		return nil, unavailable("请求失败", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable("读取响应失败", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := ""
		if apiMessage != nil {
			msg = apiMessage(body)
		}
		if msg == "" {
			msg = string(body)
			if len(msg) > 200 {
				msg = msg[:200]
			}
		}
		text := fmt.Sprintf("HTTP错误: %d, 响应: %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &AIError{Code: CodeDecisionUnavailable, Message: text, Retryable: true}
		}
		return nil, &AIError{Code: CodeDecisionRejected, Message: text}
	}
	return body, nil
}
