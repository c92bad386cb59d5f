package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stockpilot/config"
	"stockpilot/logger"
	"stockpilot/metrics"

	"github.com/gorilla/websocket"
)

// DefaultStreamURL Alpaca IEX 实时行情流地址
const DefaultStreamURL = "wss://stream.data.alpaca.markets/v2/iex"

const streamType = "quote"

// streamMessage Alpaca 行情流消息（服务端以 JSON 数组推送）
type streamMessage struct {
	Type   string  `json:"T"`
	Msg    string  `json:"msg"`
	Code   int     `json:"code"`
	Symbol string  `json:"S"`
	Price  float64 `json:"p"`
}

// StreamManager 行情流管理器
// 连接 → 认证 → 订阅成交推送 → 写入价格缓存，断线后指数退避重连
type StreamManager struct {
	url     string
	key     string
	secret  string
	symbols []string
	cache   *Cache

	conn      *websocket.Conn
	mu        sync.RWMutex
	stopCh    chan struct{}
	isRunning bool
	pm        *metrics.PrometheusMetrics

	writeWait    time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
}

// NewStreamManager 创建行情流管理器
func NewStreamManager(cfg *config.Config, cache *Cache) *StreamManager {
	url := cfg.QuoteStream.URL
	if url == "" {
		url = DefaultStreamURL
	}
	writeWait := time.Duration(cfg.QuoteStream.WriteWaitSec) * time.Second
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	pongWait := time.Duration(cfg.QuoteStream.PongWaitSec) * time.Second
	if pongWait <= 0 {
		pongWait = 60 * time.Second
	}
	pingInterval := time.Duration(cfg.QuoteStream.PingIntervalSec) * time.Second
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = 20 * time.Second
	}

	return &StreamManager{
		url:          url,
		key:          cfg.Broker.APIKey,
		secret:       cfg.Broker.APISecret,
		symbols:      cfg.Trading.Symbols,
		cache:        cache,
		stopCh:       make(chan struct{}),
		pm:           metrics.GetPrometheusMetrics(),
		writeWait:    writeWait,
		pongWait:     pongWait,
		pingInterval: pingInterval,
	}
}

// Start 启动行情流
func (s *StreamManager) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("quote stream already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connect(ctx)
	return nil
}

// Stop 停止行情流
func (s *StreamManager) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.isRunning = false
	close(s.stopCh)

	if s.conn != nil {
		s.conn.Close()
	}
	s.pm.SetWebSocketStatus(streamType, false)
}

// IsRunning 返回行情流是否处于运行状态
func (s *StreamManager) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// connect 连接并维持行情流，断开后指数退避重连
func (s *StreamManager) connect(ctx context.Context) {
	retryCount := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			logger.Error("❌ [行情] WebSocket 连接失败: %v", err)
			s.pm.SetWebSocketStatus(streamType, false)
			s.waitBackoff(retryCount)
			retryCount++
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		logger.Info("✅ [行情] WebSocket 已连接: %s", s.url)
		s.pm.SetWebSocketStatus(streamType, true)
		retryCount = 0

		// 认证后服务端确认，订阅在收到确认时发出
		if err := s.authenticate(); err != nil {
			logger.Error("❌ [行情] 认证发送失败: %v", err)
			conn.Close()
			s.waitBackoff(retryCount)
			retryCount++
			continue
		}

		go s.heartbeat()

		s.readMessages()

		logger.Warn("⚠️ [行情] WebSocket 连接断开，准备重连...")
		s.pm.SetWebSocketStatus(streamType, false)
		s.pm.RecordWebSocketReconnect(streamType)
		s.waitBackoff(retryCount)
		retryCount++
	}
}

// waitBackoff 按重试次数指数退避，上限60秒
func (s *StreamManager) waitBackoff(retryCount int) {
	if retryCount > 6 {
		retryCount = 6
	}
	backoff := time.Duration(1<<uint(retryCount)) * time.Second
	if backoff > 60*time.Second {
		backoff = 60 * time.Second
	}

	select {
	case <-s.stopCh:
	case <-time.After(backoff):
	}
}

// authenticate 发送认证请求
func (s *StreamManager) authenticate() error {
	return s.sendMessage(map[string]interface{}{
		"action": "auth",
		"key":    s.key,
		"secret": s.secret,
	})
}

// subscribe 订阅配置标的的成交推送
func (s *StreamManager) subscribe() error {
	return s.sendMessage(map[string]interface{}{
		"action": "subscribe",
		"trades": s.symbols,
	})
}

// sendMessage 发送消息
func (s *StreamManager) sendMessage(msg interface{}) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeat 定期发送 PING 保活
func (s *StreamManager) heartbeat() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readMessages 读取消息直到连接断开
// 读超时由 PONG 和消息到达共同续期，长时间无数据时触发重连
func (s *StreamManager) readMessages() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongWait))
		return nil
	})

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Error("❌ [行情] WebSocket 读取失败: %v", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.pongWait))

		s.handleMessage(message)
	}
}

// handleMessage 处理一帧消息（Alpaca 以数组推送）
func (s *StreamManager) handleMessage(message []byte) {
	var msgs []streamMessage
	if err := json.Unmarshal(message, &msgs); err != nil {
		logger.Warn("⚠️ [行情] 消息解析失败: %v", err)
		return
	}

	for i := range msgs {
		s.handleOne(&msgs[i])
	}
}

// handleOne 处理单条消息
func (s *StreamManager) handleOne(msg *streamMessage) {
	switch msg.Type {
	case "success":
		if msg.Msg == "authenticated" {
			logger.Info("✅ [行情] 认证成功，订阅 %d 个标的", len(s.symbols))
			if err := s.subscribe(); err != nil {
				logger.Error("❌ [行情] 订阅发送失败: %v", err)
			}
		}
	case "subscription":
		logger.Info("📊 [行情] 订阅已确认")
	case "error":
		logger.Error("❌ [行情] 服务端错误 [%d]: %s", msg.Code, msg.Msg)
	case "t":
		// 成交推送
		if msg.Symbol != "" && msg.Price > 0 {
			s.cache.Set(msg.Symbol, msg.Price)
		}
	}
}
