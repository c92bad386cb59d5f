package web

import (
	"github.com/gin-gonic/gin"

	spi18n "stockpilot/i18n"
)

const langContextKey = "language"

// I18nMiddleware 按请求的 Accept-Language 头确定响应语言
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(langContextKey, spi18n.MatchAcceptLanguage(c.GetHeader("Accept-Language")))
		c.Next()
	}
}

// GetLanguage 取当前请求的语言
func GetLanguage(c *gin.Context) string {
	if lang, ok := c.Get(langContextKey); ok {
		if l, ok := lang.(string); ok {
			return l
		}
	}
	return spi18n.GetSystemLanguage()
}

// T 按请求语言翻译
func T(c *gin.Context, key string, data ...interface{}) string {
	return spi18n.TWithLang(GetLanguage(c), key, data...)
}
