package event

import (
	"time"

	"stockpilot/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeOrderPlaced         EventType = "order_placed"
	EventTypeOrderFilled         EventType = "order_filled"
	EventTypeOrderFailed         EventType = "order_failed"
	EventTypeOrderCanceled       EventType = "order_canceled"
	EventTypePositionOpened      EventType = "position_opened"
	EventTypeTradeClosed         EventType = "trade_closed"
	EventTypePartialExit         EventType = "partial_exit"
	EventTypeProtectionTriggered EventType = "protection_triggered"
	EventTypeRiskAlert           EventType = "risk_alert"
	EventTypeUnprotectedPosition EventType = "unprotected_position"
	EventTypeWatchdogAlert       EventType = "watchdog_alert"
	EventTypeSystemStart         EventType = "system_start"
	EventTypeSystemStop          EventType = "system_stop"
)

// EventSeverity 事件级别
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityCritical EventSeverity = "critical"
)

// GetEventSeverity 事件类型到级别的映射
func GetEventSeverity(eventType EventType) EventSeverity {
	switch eventType {
	case EventTypeUnprotectedPosition:
		return SeverityCritical
	case EventTypeOrderFailed, EventTypeProtectionTriggered,
		EventTypeRiskAlert, EventTypeWatchdogAlert:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Event 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	Severity  EventSeverity          `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
// 交易路径不能被事件消费方拖慢，队列满时丢弃并告警
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = GetEventSeverity(event.Type)
	}

	select {
	case eb.eventCh <- event:
		// 成功发布
	default:
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}
