package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"stockpilot/config"
	"stockpilot/logger"
)

// WebServer 运维API服务器
type WebServer struct {
	server   *http.Server
	cfg      *config.Config
	stopOnce sync.Once
}

// NewWebServer 创建运维API服务器，web.enabled=false 时返回 nil
func NewWebServer(cfg *config.Config) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	if cfg.System.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(GinLoggerMiddleware(cfg.System.LogLevel == "debug"))
	r.Use(I18nMiddleware())

	if cfg.Web.APIKey == "" {
		logger.Warn("⚠️ 未配置 web.api_key，运维API未启用认证")
	}

	SetupRoutes(r, cfg.Web.APIKey)

	return &WebServer{
		server: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		cfg: cfg,
	}
}

// Start 启动服务器
//
// 先同步建立监听，端口被占用等错误直接返回；之后异步对外服务。
// ctx 取消或调用 Stop 都会触发优雅关闭。
func (ws *WebServer) Start(ctx context.Context) error {
	if ws == nil {
		return nil
	}

	ln, err := net.Listen("tcp", ws.server.Addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", ws.server.Addr, err)
	}

	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s", ws.server.Addr)
		if err := ws.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器异常退出: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Stop()
	}()

	return nil
}

// Stop 优雅关闭，可安全重复调用
func (ws *WebServer) Stop() {
	if ws == nil || ws.server == nil {
		return
	}

	ws.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ws.server.Shutdown(ctx); err != nil {
			logger.Error("❌ Web服务器关闭失败: %v", err)
		} else {
			logger.Info("✅ Web服务器已关闭")
		}
	})
}
