package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type countingProvider struct {
	*StaticProvider
	calls int
}

func (c *countingProvider) Snapshots(ctx context.Context, symbols []string, at time.Time) (map[string]*Snapshot, error) {
	c.calls++
	return c.StaticProvider.Snapshots(ctx, symbols, at)
}

func TestCachedProviderTTLAndStaleFallback(t *testing.T) {
	upstream := &countingProvider{StaticProvider: NewStaticProvider(&Snapshot{
		Symbol: "600519.SH",
		Price:  decimal.NewFromInt(1700),
		Volume: 100,
	})}
	cache := NewCachedProvider(upstream, 8*time.Second)
	now := time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := cache.Snapshot(ctx, "600519.SH", now); err != nil {
		t.Fatalf("首次获取失败: %v", err)
	}
	if _, err := cache.Snapshot(ctx, "sh600519", now); err != nil {
		t.Fatalf("缓存命中失败: %v", err)
	}
	if upstream.calls != 1 {
		t.Errorf("TTL 内不应重复请求上游, 调用次数 %d", upstream.calls)
	}

	now = now.Add(9 * time.Second)
	upstream.SetError(errors.New("网络断开"))
	snap, err := cache.Snapshot(ctx, "600519.SH", now)
	if err != nil {
		t.Fatalf("期望返回过期缓存, 实际报错 %v", err)
	}
	if !snap.Stale {
		t.Error("过期缓存应标记 Stale")
	}

	if _, err := cache.Snapshot(ctx, "000001.SZ", now); !errors.Is(err, ErrQuoteUnavailable) {
		t.Errorf("无缓存时应返回 ErrQuoteUnavailable, 实际 %v", err)
	}
}
