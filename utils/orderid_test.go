package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateClientOrderID(t *testing.T) {
	id1 := GenerateClientOrderID("AAPL", "BUY")
	if id1 == "" {
		t.Fatal("生成的订单ID不能为空")
	}

	// 验证前缀格式
	if !strings.HasPrefix(id1, "SP-AAPL-B-") {
		t.Errorf("订单ID格式错误: %s", id1)
	}

	// Alpaca client_order_id 上限48字符
	if len(id1) > 48 {
		t.Errorf("订单ID超长: %d", len(id1))
	}

	// 验证唯一性（连续调用）
	id2 := GenerateClientOrderID("AAPL", "BUY")
	if id1 == id2 {
		t.Errorf("生成的订单ID不唯一: %s == %s", id1, id2)
	}
}

func TestParseClientOrderID(t *testing.T) {
	before := time.Now().UnixMilli()
	clientOID := GenerateClientOrderID("msft", "SELL")

	symbol, side, timestamp, valid := ParseClientOrderID(clientOID)
	if !valid {
		t.Fatal("解析订单ID失败")
	}

	if symbol != "MSFT" {
		t.Errorf("股票代码解析错误: 期望 MSFT, 得到 %s", symbol)
	}

	if side != "SELL" {
		t.Errorf("方向解析错误: 期望 SELL, 得到 %s", side)
	}

	if timestamp < before || timestamp > time.Now().UnixMilli() {
		t.Errorf("时间戳超出合理范围: %d", timestamp)
	}
}

func TestParseClientOrderIDInvalid(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"空字符串", ""},
		{"缺少段", "SP-AAPL-B"},
		{"错误前缀", "XX-AAPL-B-01HV3EXAMPLE0000000000000000"},
		{"非法方向", "SP-AAPL-X-01HV3EXAMPLE0000000000000000"},
		{"非法ULID", "SP-AAPL-B-notaulid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, _, valid := ParseClientOrderID(tt.id); valid {
				t.Errorf("期望解析失败: %s", tt.id)
			}
		})
	}
}

func TestNewULIDOrdering(t *testing.T) {
	// 同一毫秒内生成的ID也应保持字典序递增
	prev := NewULID()
	for i := 0; i < 100; i++ {
		cur := NewULID()
		if cur <= prev {
			t.Fatalf("ULID未递增: %s <= %s", cur, prev)
		}
		prev = cur
	}
}
