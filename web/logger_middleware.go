package web

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"stockpilot/logger"
)

// 健康检查和指标拉取由探针周期性触发，成功响应不记录
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// GinLoggerMiddleware 请求日志中间件
//
// logAll=true 时全量输出；否则只记录 4xx/5xx。
func GinLoggerMiddleware(logAll bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		if status < 400 && (!logAll || quietPaths[path]) {
			return
		}

		if query != "" {
			path = path + "?" + query
		}
		msg := fmt.Sprintf("[GIN] %d | %v | %s | %-7s %s",
			status, time.Since(start), c.ClientIP(), c.Request.Method, path)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			msg += " | Error: " + errs
		}

		logger.WriteWebLog(msg)
	}
}
