package utils

import (
	"time"
)

// GlobalLocation 全局展示时区，默认美东（美股交易时段所在时区）
//
// 启动时由配置设置一次，之后只读。持仓和交易时间戳一律存UTC，
// 该时区只用于日志展示和按交易日切分统计。
var GlobalLocation *time.Location

func init() {
	SetLocation("America/New_York")
}

// SetLocation 设置全局时区，加载失败时保留现有时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		if GlobalLocation == nil {
			GlobalLocation = time.Local
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// NowUTC 当前UTC时间
func NowUTC() time.Time {
	return time.Now().UTC()
}

// NowConfiguredTimezone 当前配置时区的时间
func NowConfiguredTimezone() time.Time {
	return time.Now().In(GlobalLocation)
}

// ToUTC 归一到UTC，零值原样返回
func ToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// StartOfTradingDay 返回指定时刻在配置时区内的当日零点（UTC表示）
//
// 交易日按美东日历日切分，用于当日盈亏和当日交易次数统计。
func StartOfTradingDay(t time.Time) time.Time {
	local := t.In(GlobalLocation)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, GlobalLocation).UTC()
}
