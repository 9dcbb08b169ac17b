package market

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StaticProvider 内存行情，用于模拟盘与测试
type StaticProvider struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
	err   error
}

// NewStaticProvider 创建内存行情
func NewStaticProvider(snaps ...*Snapshot) *StaticProvider {
	p := &StaticProvider{snaps: make(map[string]*Snapshot)}
	for _, s := range snaps {
		p.Set(s)
	}
	return p
}

// Set 设置（覆盖）一只证券的行情
func (p *StaticProvider) Set(s *Snapshot) {
	c := s.Clone()
	c.Symbol = MustNormalize(c.Symbol)
	c.Enrich()
	p.mu.Lock()
	p.snaps[c.Symbol] = c
	p.mu.Unlock()
}

// Remove 删除行情
func (p *StaticProvider) Remove(symbol string) {
	p.mu.Lock()
	delete(p.snaps, MustNormalize(symbol))
	p.mu.Unlock()
}

// SetError 设置后所有请求返回该错误（nil 恢复）
func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Snapshot 获取单只证券行情
func (p *StaticProvider) Snapshot(ctx context.Context, symbol string, at time.Time) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, p.err)
	}
	s, ok := p.snaps[MustNormalize(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s 无行情数据", ErrQuoteUnavailable, symbol)
	}
	c := s.Clone()
	if c.FetchedAt.IsZero() {
		c.FetchedAt = at
	}
	return c, nil
}

// Snapshots 批量获取行情
func (p *StaticProvider) Snapshots(ctx context.Context, symbols []string, at time.Time) (map[string]*Snapshot, error) {
	result := make(map[string]*Snapshot, len(symbols))
	for _, s := range symbols {
		snap, err := p.Snapshot(ctx, s, at)
		if err != nil {
			p.mu.RLock()
			failing := p.err != nil
			p.mu.RUnlock()
			if failing {
				return nil, err
			}
			continue
		}
		result[snap.Symbol] = snap
	}
	return result, nil
}
