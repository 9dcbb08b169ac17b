package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DistributedLock 按 key 互斥的锁
type DistributedLock interface {
	// Lock 获取锁，阻塞直到成功或 ctx 结束
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	Unlock(ctx context.Context, key string) error

	// Extend 延长锁的过期时间
	Extend(ctx context.Context, key string, ttl time.Duration) error

	Close() error
}

// ModelKey 模型账本单写者锁的 key
func ModelKey(modelID int64) string {
	return fmt.Sprintf("ledger:model:%d", modelID)
}

// NopLock 空实现（单实例模式）
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) Lock(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error { return nil }

func (n *NopLock) Extend(ctx context.Context, key string, ttl time.Duration) error { return nil }

func (n *NopLock) Close() error { return nil }

// Layered 先取进程内锁再取外部锁，同一进程内的竞争不会打到 Redis
type Layered struct {
	local *LocalLock
	outer DistributedLock
}

// NewLayered 创建双层锁，outer 为 nil 时只使用进程内锁
func NewLayered(outer DistributedLock) *Layered {
	if outer == nil {
		outer = NewNopLock()
	}
	return &Layered{local: NewLocalLock(), outer: outer}
}

// Lock 依次获取两层锁，外层失败时回滚进程内锁
func (l *Layered) Lock(ctx context.Context, key string, ttl time.Duration) error {
	if err := l.local.Lock(ctx, key, ttl); err != nil {
		return fmt.Errorf("获取本地锁失败: %w", err)
	}
	if err := l.outer.Lock(ctx, key, ttl); err != nil {
		_ = l.local.Unlock(context.Background(), key)
		return fmt.Errorf("获取分布式锁失败: %w", err)
	}
	return nil
}

// TryLock 任一层被占用即返回 false
func (l *Layered) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.local.TryLock(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	ok, err = l.outer.TryLock(ctx, key, ttl)
	if err != nil || !ok {
		_ = l.local.Unlock(context.Background(), key)
		return false, err
	}
	return true, nil
}

// Unlock 按获取的相反顺序释放，两层都会尝试
func (l *Layered) Unlock(ctx context.Context, key string) error {
	return errors.Join(l.outer.Unlock(ctx, key), l.local.Unlock(ctx, key))
}

// Extend 只有外层锁有过期时间
func (l *Layered) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return l.outer.Extend(ctx, key, ttl)
}

func (l *Layered) Close() error {
	return l.outer.Close()
}
