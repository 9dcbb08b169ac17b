package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockarena/logger"
)

type cacheEntry struct {
	snap     *Snapshot
	storedAt time.Time
}

// CachedProvider 带 TTL 的行情缓存，上游失败时返回最近一次快照并标记 Stale
type CachedProvider struct {
	upstream Provider
	ttl      time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCachedProvider 创建行情缓存
func NewCachedProvider(upstream Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[string]cacheEntry),
	}
}

// Snapshot 获取单只证券行情
func (c *CachedProvider) Snapshot(ctx context.Context, symbol string, at time.Time) (*Snapshot, error) {
	snaps, err := c.Snapshots(ctx, []string{symbol}, at)
	if err != nil {
		return nil, err
	}
	snap, ok := snaps[MustNormalize(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s 无行情数据", ErrQuoteUnavailable, symbol)
	}
	return snap, nil
}

// Snapshots 批量获取行情，仅对缓存过期的代码访问上游
func (c *CachedProvider) Snapshots(ctx context.Context, symbols []string, at time.Time) (map[string]*Snapshot, error) {
	now := c.now()
	result := make(map[string]*Snapshot, len(symbols))
	var missing []string

	c.mu.RLock()
	for _, s := range symbols {
		key := MustNormalize(s)
		if e, ok := c.entries[key]; ok && now.Sub(e.storedAt) < c.ttl {
			result[key] = e.snap.Clone()
			continue
		}
		missing = append(missing, key)
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return result, nil
	}

	fresh, err := c.upstream.Snapshots(ctx, missing, at)
	if err != nil {
		logger.Warn("⚠️ 行情获取失败，尝试使用缓存: %v", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range missing {
		if snap, ok := fresh[key]; ok && err == nil {
			c.entries[key] = cacheEntry{snap: snap.Clone(), storedAt: now}
			result[key] = snap
			continue
		}
		if e, ok := c.entries[key]; ok {
			stale := e.snap.Clone()
			stale.Stale = true
			result[key] = stale
		}
	}

	if err != nil && len(result) == 0 {
		return nil, err
	}
	return result, nil
}
