package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 数据库配置
type Config struct {
	Type            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// NewDatabase 根据配置创建数据库实例，文件型 SQLite 会先创建所在目录
func NewDatabase(config *Config) (Database, error) {
	switch config.Type {
	case "sqlite":
		if err := ensureSQLiteDir(config.DSN); err != nil {
			return nil, err
		}
	case "postgres", "postgresql", "mysql":
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	return NewGormDatabase(&DBConfig{
		Type:            config.Type,
		DSN:             config.DSN,
		MaxOpenConns:    config.MaxOpenConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxLifetime: config.ConnMaxLifetime,
		LogLevel:        config.LogLevel,
	})
}

// ensureSQLiteDir URI 形式（file:...）与内存库不处理
func ensureSQLiteDir(dsn string) error {
	if strings.HasPrefix(dsn, "file:") || strings.Contains(dsn, ":memory:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}
	return nil
}

// NewMemoryDatabase 创建独立命名的内存 SQLite（模拟盘与测试使用）
func NewMemoryDatabase(name string) (*GormDatabase, error) {
	return NewGormDatabase(&DBConfig{
		Type: "sqlite",
		DSN:  fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
	})
}
