package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalLock 进程内按 key 互斥的锁，支持 ctx 取消
// ttl 参数被忽略：进程内的持有者崩溃时锁随进程释放
type LocalLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{slots: make(map[string]chan struct{})}
}

func (l *LocalLock) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Lock 获取锁，阻塞直到成功或 ctx 结束
func (l *LocalLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	select {
	case l.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock 尝试获取锁
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	select {
	case l.slot(key) <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

// Unlock 释放锁
func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	select {
	case <-l.slot(key):
		return nil
	default:
		return fmt.Errorf("锁未被持有: %s", key)
	}
}

// Extend 进程内锁无过期时间
func (l *LocalLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

// Close 无需释放资源
func (l *LocalLock) Close() error {
	return nil
}
