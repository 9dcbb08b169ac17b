package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stockarena/metrics"
)

// 只有持有锁的实例才能释放
var unlockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// 只有持有锁的实例才能延期
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLock Redis 分布式锁实现
type RedisLock struct {
	client *redis.Client
	prefix string

	mu       sync.Mutex
	lockKeys map[string]heldLock // 记录持有的锁
}

type heldLock struct {
	token    string
	acquired time.Time
}

// NewRedisLock 创建 Redis 分布式锁
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{
		client:   client,
		prefix:   prefix,
		lockKeys: make(map[string]heldLock),
	}
}

// generateToken 为每个锁生成唯一的 token
func generateToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Lock 获取锁，阻塞直到成功或 ctx 结束
func (r *RedisLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	conflicted := false
	for {
		ok, err := r.TryLock(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !conflicted {
			metrics.GetPrometheusMetrics().RecordLockConflict(key)
			conflicted = true
		}
		select {
		case <-ctx.Done():
			metrics.GetPrometheusMetrics().RecordLockAcquire(key, "timeout")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryLock 尝试获取锁，立即返回
func (r *RedisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := generateToken()

	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		metrics.GetPrometheusMetrics().RecordLockAcquire(key, "error")
		return false, fmt.Errorf("redis setnx 失败: %w", err)
	}
	if !ok {
		return false, nil
	}

	r.mu.Lock()
	r.lockKeys[key] = heldLock{token: token, acquired: time.Now()}
	r.mu.Unlock()
	metrics.GetPrometheusMetrics().RecordLockAcquire(key, "success")
	return true, nil
}

// Unlock 释放锁
func (r *RedisLock) Unlock(ctx context.Context, key string) error {
	r.mu.Lock()
	held, exists := r.lockKeys[key]
	delete(r.lockKeys, key)
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("锁未被持有: %s", key)
	}
	metrics.GetPrometheusMetrics().RecordLockHoldDuration(key, time.Since(held.acquired))

	result, err := unlockScript.Run(ctx, r.client, []string{r.prefix + key}, held.token).Int64()
	if err != nil {
		return fmt.Errorf("redis eval 失败: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("锁未持有或已过期: %s", key)
	}
	return nil
}

// Extend 延长锁的过期时间
func (r *RedisLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	r.mu.Lock()
	held, exists := r.lockKeys[key]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("锁未被持有: %s", key)
	}

	result, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, held.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("redis eval 失败: %w", err)
	}
	if result == 0 {
		return fmt.Errorf("锁未持有或已过期: %s", key)
	}
	return nil
}

// Close 关闭连接
func (r *RedisLock) Close() error {
	return r.client.Close()
}

// Ping 检查连接
func (r *RedisLock) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
