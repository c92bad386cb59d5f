package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"stockpilot/logger"
	"stockpilot/storage"
)

var logStreamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 接口已有 API Key 认证，不再做同源限制
	CheckOrigin: func(r *http.Request) bool { return true },
}

var logLevelRank = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
	"FATAL": 4,
}

// getLogs 查询已落盘的运行日志
// 支持 level / keyword / start / end（RFC3339）+ 分页
func getLogs(c *gin.Context) {
	if logProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	limit, offset := parsePagination(c, 100)
	params := storage.LogQueryParams{
		Level:   c.Query("level"),
		Keyword: c.Query("keyword"),
		Limit:   limit,
		Offset:  offset,
	}
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = t
		}
	}

	logs, total, err := logProvider.GetLogs(params)
	if err != nil {
		logger.Error("❌ 查询日志失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"count":  len(logs),
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// getLogStats 日志统计（总数、级别分布、今日错误数）
func getLogStats(c *gin.Context) {
	if logProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	stats, err := logProvider.GetLogStats()
	if err != nil {
		logger.Error("❌ 获取日志统计失败: %v", err)
		respondError(c, http.StatusInternalServerError, "web.error.query_failed", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// streamLogs 通过 WebSocket 实时推送新落盘的日志
// 可选 level 参数过滤最低级别，如 ?level=ERROR 只推 ERROR 和 FATAL
func streamLogs(c *gin.Context) {
	if logProvider == nil {
		respondError(c, http.StatusServiceUnavailable, "web.error.service_unavailable")
		return
	}

	minRank := -1
	if level := strings.ToUpper(c.Query("level")); level != "" {
		if rank, ok := logLevelRank[level]; ok {
			minRank = rank
		}
	}

	conn, err := logStreamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("日志流握手失败: %v", err)
		return
	}
	defer conn.Close()

	id, ch := logProvider.Subscribe(256)
	defer logProvider.Unsubscribe(id)

	// 读协程只为感知客户端断开
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if minRank >= 0 && logLevelRank[rec.Level] < minRank {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}

		case <-ticker.C:
			// 心跳，防止中间代理掐断空闲连接
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-clientGone:
			return
		}
	}
}
