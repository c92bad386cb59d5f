package event

import (
	"context"
	"sync"
	"time"

	"stockpilot/logger"
)

// Center 事件中心
// 消费事件总线，维护近期事件环形缓存（供运维接口查询）并向订阅者扇出
type Center struct {
	bus    *EventBus
	mu     sync.RWMutex
	recent []*Event
	max    int
	subs   map[int]chan *Event
	nextID int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCenter 创建事件中心
func NewCenter(bus *EventBus, recentSize int) *Center {
	if recentSize <= 0 {
		recentSize = 200
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Center{
		bus:    bus,
		recent: make([]*Event, 0, recentSize),
		max:    recentSize,
		subs:   make(map[int]chan *Event),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动事件中心
func (c *Center) Start() {
	logger.Info("🚀 启动事件中心...")
	c.wg.Add(1)
	go c.processEvents()
	logger.Info("✅ 事件中心已启动")
}

// Stop 停止事件中心
func (c *Center) Stop() {
	logger.Info("🛑 停止事件中心...")
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	logger.Info("✅ 事件中心已停止")
}

// processEvents 处理事件
func (c *Center) processEvents() {
	defer c.wg.Done()

	eventCh := c.bus.Subscribe()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			c.handleEvent(event)
		}
	}
}

// handleEvent 处理单个事件：写入环形缓存并向订阅者扇出
func (c *Center) handleEvent(event *Event) {
	if event == nil {
		return
	}

	c.mu.Lock()
	c.recent = append(c.recent, event)
	if len(c.recent) > c.max {
		c.recent = c.recent[len(c.recent)-c.max:]
	}
	for _, ch := range c.subs {
		// 订阅者消费不过来时丢弃，不阻塞事件处理
		select {
		case ch <- event:
		default:
		}
	}
	c.mu.Unlock()

	switch event.Severity {
	case SeverityCritical:
		logger.Error("🚨 [事件] %s: %v", event.Type, event.Data)
	case SeverityWarning:
		logger.Warn("⚠️ [事件] %s: %v", event.Type, event.Data)
	default:
		logger.Debug("ℹ️ [事件] %s: %v", event.Type, event.Data)
	}
}

// PublishEvent 发布事件（便捷方法）
func (c *Center) PublishEvent(eventType EventType, data map[string]interface{}) {
	c.bus.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// Recent 返回最近的事件，新的在前
func (c *Center) Recent(limit int) []*Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]*Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, c.recent[i])
	}
	return result
}

// Subscribe 注册一个订阅者，返回订阅号和事件 channel
// 订阅者必须及时消费，channel 满时事件被丢弃
func (c *Center) Subscribe(buffer int) (int, <-chan *Event) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *Event, buffer)

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = ch
	c.mu.Unlock()
	return id, ch
}

// Unsubscribe 注销订阅者并关闭其 channel
func (c *Center) Unsubscribe(id int) {
	c.mu.Lock()
	if ch, ok := c.subs[id]; ok {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
}
