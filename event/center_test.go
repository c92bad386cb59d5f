package event

import (
	"fmt"
	"testing"
	"time"
)

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSeverity
	}{
		{EventTypeUnprotectedPosition, SeverityCritical},
		{EventTypeProtectionTriggered, SeverityWarning},
		{EventTypeRiskAlert, SeverityWarning},
		{EventTypeOrderFailed, SeverityWarning},
		{EventTypeWatchdogAlert, SeverityWarning},
		{EventTypeOrderFilled, SeverityInfo},
		{EventTypeTradeClosed, SeverityInfo},
		{EventTypeSystemStart, SeverityInfo},
	}

	for _, tt := range tests {
		severity := GetEventSeverity(tt.eventType)
		if severity != tt.expected {
			t.Errorf("GetEventSeverity(%s) = %s, want %s", tt.eventType, severity, tt.expected)
		}
	}
}

func TestPublishAndRecent(t *testing.T) {
	bus := NewEventBus(16)
	center := NewCenter(bus, 10)
	center.Start()
	defer center.Stop()

	// 订阅者收到事件即代表环形缓存已更新（同一把锁下完成）
	id, ch := center.Subscribe(4)
	defer center.Unsubscribe(id)

	center.PublishEvent(EventTypeOrderFilled, map[string]interface{}{"symbol": "AAPL"})

	select {
	case got := <-ch:
		if got.Type != EventTypeOrderFilled {
			t.Errorf("订阅者收到的事件类型错误: %s", got.Type)
		}
		if got.Severity != SeverityInfo {
			t.Errorf("发布时应自动补齐级别，实际 %q", got.Severity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("订阅者超时未收到事件")
	}

	recent := center.Recent(10)
	if len(recent) != 1 {
		t.Fatalf("近期事件应有1条，实际 %d", len(recent))
	}
	if recent[0].Data["symbol"] != "AAPL" {
		t.Errorf("事件数据错误: %+v", recent[0].Data)
	}
}

func TestRecentRingBounded(t *testing.T) {
	const total = 25
	bus := NewEventBus(total)
	center := NewCenter(bus, 10)
	center.Start()
	defer center.Stop()

	id, ch := center.Subscribe(total)
	defer center.Unsubscribe(id)

	for i := 0; i < total; i++ {
		center.PublishEvent(EventTypeOrderPlaced, map[string]interface{}{"seq": fmt.Sprintf("%d", i)})
	}
	// 等所有事件处理完
	for i := 0; i < total; i++ {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("第 %d 条事件处理超时", i)
		}
	}

	recent := center.Recent(0)
	if len(recent) != 10 {
		t.Fatalf("环形缓存应只保留10条，实际 %d", len(recent))
	}
	// 新的在前
	if recent[0].Data["seq"] != "24" {
		t.Errorf("最新事件应排在最前: %+v", recent[0].Data)
	}
	if recent[9].Data["seq"] != "15" {
		t.Errorf("最旧保留事件应为第15条: %+v", recent[9].Data)
	}
}

func TestPublishNonBlockingWhenFull(t *testing.T) {
	// 不启动消费者，把队列灌满后再发布不应阻塞
	bus := NewEventBus(2)
	bus.Publish(&Event{Type: EventTypeOrderPlaced})
	bus.Publish(&Event{Type: EventTypeOrderPlaced})

	done := make(chan struct{})
	go func() {
		bus.Publish(&Event{Type: EventTypeOrderPlaced}) // 应被丢弃
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("队列满时发布不应阻塞")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(4)
	center := NewCenter(bus, 10)
	center.Start()
	defer center.Stop()

	id, ch := center.Subscribe(1)
	center.Unsubscribe(id)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("注销后 channel 应已关闭且无数据")
		}
	case <-time.After(time.Second):
		t.Fatal("注销后 channel 应立即关闭")
	}
}
