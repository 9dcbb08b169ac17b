package config

import (
	"fmt"
	"sync"

	"stockarena/logger"
)

// RuntimeCallback 运行时设置变化时调用，返回错误则放弃本次更新
type RuntimeCallback func(prev, next RuntimeSettings) error

// HotReloader 保存配置文件的最新内容，并把交易频率与费率的变化分发给回调
type HotReloader struct {
	mu        sync.RWMutex
	current   *Config
	callbacks []RuntimeCallback
}

// NewHotReloader 以启动时的配置文件内容为基准
func NewHotReloader(initial *Config) *HotReloader {
	return &HotReloader{current: initial}
}

// RegisterCallback 注册回调，按注册顺序执行
func (hr *HotReloader) RegisterCallback(cb RuntimeCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.callbacks = append(hr.callbacks, cb)
}

// UpdateConfig 应用可热更新的字段，其余变更只记录在返回的差异中
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.current, newConfig)
	hot := 0
	for _, change := range diff.Changes {
		if change.RequiresRestart {
			logger.Warn("⚠️ 配置项 %s 已修改，需要重启后生效", change.Path)
			continue
		}
		hot++
	}
	if hot == 0 {
		return diff, nil
	}

	prev := hr.current.Runtime()
	next := RuntimeSettings{FrequencyMinutes: newConfig.Trading.FrequencyMinutes, Fees: newConfig.Fees}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("运行时设置无效: %w", err)
	}
	for _, cb := range hr.callbacks {
		if err := cb(prev, next); err != nil {
			return nil, fmt.Errorf("应用运行时设置失败: %w", err)
		}
	}

	applied := *hr.current
	applied.Trading.FrequencyMinutes = next.FrequencyMinutes
	applied.Fees = next.Fees
	hr.current = &applied

	logger.Info("🔄 运行时设置已热更新: 频率 %d -> %d 分钟, 佣金率 %v -> %v",
		prev.FrequencyMinutes, next.FrequencyMinutes, prev.Fees.CommissionRate, next.Fees.CommissionRate)
	return diff, nil
}

// GetCurrentConfig 配置文件的最新已生效内容
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.current
}
