package utils

import (
	"testing"
	"time"
)

func TestStartOfTradingDay(t *testing.T) {
	if err := SetLocation("America/New_York"); err != nil {
		t.Fatalf("加载美东时区失败: %v", err)
	}

	// 冬令时（EST=UTC-5）：UTC 1月15日 03:00 仍属于美东 1月14日
	ts := time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC)
	got := StartOfTradingDay(ts)
	want := time.Date(2026, 1, 14, 5, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("冬令时交易日起点 = %v, 期望 %v", got, want)
	}

	// 夏令时（EDT=UTC-4）
	ts = time.Date(2026, 7, 15, 3, 0, 0, 0, time.UTC)
	got = StartOfTradingDay(ts)
	want = time.Date(2026, 7, 14, 4, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("夏令时交易日起点 = %v, 期望 %v", got, want)
	}
}

func TestSetLocationInvalid(t *testing.T) {
	if err := SetLocation("America/New_York"); err != nil {
		t.Fatalf("加载美东时区失败: %v", err)
	}
	if err := SetLocation("Not/AZone"); err == nil {
		t.Error("无效时区应报错")
	}
	if GlobalLocation == nil || GlobalLocation.String() != "America/New_York" {
		t.Errorf("加载失败应保留原时区，实际 %v", GlobalLocation)
	}
}

func TestToUTCZeroValue(t *testing.T) {
	var zero time.Time
	if !ToUTC(zero).IsZero() {
		t.Error("零值时间应原样返回")
	}
}
