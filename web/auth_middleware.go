package web

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// authMiddleware API密钥认证中间件
// 密钥为空时不启用认证（本机使用场景），否则要求
// Authorization: Bearer <key> 或 X-API-Key 头
func authMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		provided := extractAPIKey(c)
		if provided == "" {
			respondError(c, http.StatusUnauthorized, "web.error.unauthorized")
			c.Abort()
			return
		}

		// 常数时间比较，避免时序侧信道
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			respondError(c, http.StatusUnauthorized, "web.error.unauthorized")
			c.Abort()
			return
		}

		c.Next()
	}
}

// extractAPIKey 从请求头提取API密钥
func extractAPIKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return strings.TrimSpace(c.GetHeader("X-API-Key"))
}
