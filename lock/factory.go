package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stockarena/logger"
)

const (
	defaultPrefix  = "stockarena:lock:"
	pingAttempts   = 3
	pingRetryDelay = 500 * time.Millisecond
)

// Config 模型写入锁配置
type Config struct {
	Enabled    bool
	Type       string // redis / local
	Prefix     string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig Redis 连接参数
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewDistributedLock 未启用时返回 NopLock，账本仍有进程内锁保证单写者
func NewDistributedLock(cfg *Config) (DistributedLock, error) {
	if cfg == nil || !cfg.Enabled {
		return NewNopLock(), nil
	}

	switch cfg.Type {
	case "local":
		return NewLocalLock(), nil
	case "redis", "":
		return newRedisFromConfig(cfg)
	default:
		return nil, fmt.Errorf("不支持的锁类型: %s", cfg.Type)
	}
}

func newRedisFromConfig(cfg *Config) (DistributedLock, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	var lastErr error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		lastErr = client.Ping(ctx).Err()
		cancel()
		if lastErr == nil {
			return NewRedisLock(client, prefix), nil
		}
		logger.Warn("⚠️ 连接 Redis %s 失败 (第 %d/%d 次): %v", cfg.Redis.Addr, attempt, pingAttempts, lastErr)
		if attempt < pingAttempts {
			time.Sleep(pingRetryDelay)
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("连接 Redis 失败: %w", lastErr)
}
