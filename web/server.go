package web

import (
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var versionString = "dev"

// SetVersion 设置对外暴露的版本号
func SetVersion(v string) {
	if v != "" {
		versionString = v
	}
}

// SetupRoutes 设置路由
func SetupRoutes(r *gin.Engine, apiKey string) {
	// 健康检查（无需认证，供负载均衡/监控探测）
	r.GET("/health", handleHealth)

	// Prometheus metrics 端点（不需要认证，供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// pprof 性能分析端点（调试用，生产环境建议通过防火墙限制访问）
	pprofGroup := r.Group("/debug/pprof")
	{
		pprofGroup.GET("/", gin.WrapF(pprof.Index))
		pprofGroup.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		pprofGroup.GET("/profile", gin.WrapF(pprof.Profile))
		pprofGroup.POST("/symbol", gin.WrapF(pprof.Symbol))
		pprofGroup.GET("/symbol", gin.WrapF(pprof.Symbol))
		pprofGroup.GET("/trace", gin.WrapF(pprof.Trace))
		pprofGroup.GET("/allocs", gin.WrapH(pprof.Handler("allocs")))
		pprofGroup.GET("/goroutine", gin.WrapH(pprof.Handler("goroutine")))
		pprofGroup.GET("/heap", gin.WrapH(pprof.Handler("heap")))
		pprofGroup.GET("/mutex", gin.WrapH(pprof.Handler("mutex")))
	}

	// API 路由
	api := r.Group("/api")
	{
		// 版本号API（不需要认证）
		api.GET("/version", getVersion)

		// 需要认证的运维API
		protected := api.Group("")
		protected.Use(authMiddleware(apiKey))
		{
			protected.GET("/status", getStatus)
			protected.GET("/positions", getPositions)
			protected.POST("/positions/:symbol/close", closePosition)
			protected.GET("/trades", getTrades)
			protected.GET("/orders", getOrders)

			// 风控预检（只校验不下单）
			protected.POST("/validate", validateProposal)

			// 交易锁管理
			protected.GET("/locks", getLocks)
			protected.POST("/locks", createLock)
			protected.DELETE("/locks/:symbol", deleteLock)

			// 事件中心
			protected.GET("/events", getRecentEvents)
			protected.GET("/events/history", getEventHistory)

			// 运行日志（查询 / 统计 / 实时流）
			protected.GET("/logs", getLogs)
			protected.GET("/logs/stats", getLogStats)
			protected.GET("/logs/stream", streamLogs)

			// 系统监控
			protected.GET("/system/metrics", getSystemMetrics)
		}
	}
}

// handleHealth 健康检查
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// getVersion 获取版本号
func getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": versionString})
}

// respondError 返回错误响应（消息按请求语言本地化）
func respondError(c *gin.Context, status int, key string, errs ...error) {
	payload := gin.H{"error": T(c, key)}
	if len(errs) > 0 && errs[0] != nil {
		payload["detail"] = errs[0].Error()
	}
	c.JSON(status, payload)
}
