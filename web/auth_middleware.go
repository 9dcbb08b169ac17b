package web

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader 接口密钥请求头
const APIKeyHeader = "X-API-Key"

// apiKeyMiddleware 校验 X-API-Key（WebSocket 可用 api_key 查询参数），未配置密钥时放行
func apiKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader(APIKeyHeader)
		if got == "" {
			got = c.Query("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			respondError(c, http.StatusUnauthorized, "error.unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}
