package lock

import (
	"context"
	"testing"
	"time"
)

func TestDisabledReturnsLocalLock(t *testing.T) {
	l, err := NewDistributedLock(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("未启用时不应报错: %v", err)
	}

	ctx := context.Background()
	ok, err := l.TryLock(ctx, "symbol:AAPL", time.Minute)
	if err != nil || !ok {
		t.Fatalf("空锁 TryLock 应始终成功: ok=%v err=%v", ok, err)
	}
	if err := l.Lock(ctx, "symbol:AAPL", time.Minute); err != nil {
		t.Fatalf("空锁 Lock 应始终成功: %v", err)
	}
	if err := l.Unlock(ctx, "symbol:AAPL"); err != nil {
		t.Fatalf("空锁 Unlock 应始终成功: %v", err)
	}
	if err := l.Extend(ctx, "symbol:AAPL", time.Minute); err != nil {
		t.Fatalf("空锁 Extend 应始终成功: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("空锁 Close 应始终成功: %v", err)
	}
}

func TestUnsupportedLockType(t *testing.T) {
	if _, err := NewDistributedLock(&Config{Enabled: true, Type: "zookeeper"}); err == nil {
		t.Fatal("不支持的锁类型应报错")
	}
}
