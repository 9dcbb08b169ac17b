package web

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"stockarena/logger"
)

// RequestIDHeader 请求追踪号
const RequestIDHeader = "X-Request-ID"

// 手动触发交易循环可能等待模型决策，超过该时长的请求总会记录
const slowRequestThreshold = 3 * time.Second

// GinLoggerMiddleware 请求日志写入 web 日志文件
// logAll=false 时只记录失败请求与慢请求
func GinLoggerMiddleware(logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		slow := latency >= slowRequestThreshold
		if !logAll && status < 400 && !slow {
			return
		}

		shortID := requestID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[GIN] %s | %d | %v | %s | %-7s %s",
			shortID, status, latency.Round(time.Millisecond), c.ClientIP(), c.Request.Method, c.Request.URL.Path)
		if slow {
			b.WriteString(" | slow")
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			b.WriteString(" | Error: " + errs)
		}
		logger.WriteWebLog(b.String())
	}
}
