package web

import (
	"github.com/gin-gonic/gin"

	sai18n "stockarena/i18n"
)

const languageKey = "language"

// I18nMiddleware 按 Accept-Language 选择错误信息与拒单原因的语言
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(languageKey, sai18n.Match(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// GetLanguage 请求协商出的语言
func GetLanguage(c *gin.Context) string {
	if lang := c.GetString(languageKey); lang != "" {
		return lang
	}
	return sai18n.GetSystemLanguage()
}

// T 按请求语言翻译
func T(c *gin.Context, key string, data ...interface{}) string {
	return sai18n.TWithLang(GetLanguage(c), key, data...)
}
