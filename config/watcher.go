package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"stockarena/logger"
)

// 编辑器保存时常连续触发多个事件，合并后再加载
const reloadDebounce = 200 * time.Millisecond

// ConfigWatcher 配置文件监控器
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	hotReloader *HotReloader

	mu         sync.Mutex
	isWatching bool
	lastSum    [sha256.Size]byte
	timer      *time.Timer

	restartChan chan *ConfigDiff
	errorChan   chan error
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string, hotReloader *HotReloader) (*ConfigWatcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("解析配置文件路径失败: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	cw := &ConfigWatcher{
		configPath:  abs,
		watcher:     watcher,
		hotReloader: hotReloader,
		restartChan: make(chan *ConfigDiff, 1),
		errorChan:   make(chan error, 10),
	}
	if data, err := os.ReadFile(abs); err == nil {
		cw.lastSum = sha256.Sum256(data)
	}
	return cw, nil
}

// Start 开始监控配置文件所在目录（兼容先写临时文件再重命名的编辑器）
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}
	if err := cw.watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}
	cw.isWatching = true
	logger.Info("👀 配置文件监控已启动: %s", cw.configPath)

	go cw.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.isWatching = false
	return cw.watcher.Close()
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != cw.configPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.schedule(ctx)
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.reportError(fmt.Errorf("文件监控错误: %w", err))
		}
	}
}

// schedule 重置防抖定时器
func (cw *ConfigWatcher) schedule(ctx context.Context) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(reloadDebounce, func() { cw.reload(ctx) })
}

// reload 内容未变化时跳过；加载失败时保留当前配置
func (cw *ConfigWatcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	data, err := os.ReadFile(cw.configPath)
	if err != nil {
		cw.reportError(fmt.Errorf("读取配置文件失败: %w", err))
		return
	}
	sum := sha256.Sum256(data)

	cw.mu.Lock()
	if sum == cw.lastSum {
		cw.mu.Unlock()
		return
	}
	cw.lastSum = sum
	cw.mu.Unlock()

	newConfig, err := LoadConfigFromBytes(data)
	if err != nil {
		cw.reportError(fmt.Errorf("重新加载配置失败: %w", err))
		return
	}
	diff, err := cw.hotReloader.UpdateConfig(newConfig)
	if err != nil {
		cw.reportError(fmt.Errorf("配置热更新失败: %w", err))
		return
	}
	if diff.RequiresRestart {
		select {
		case cw.restartChan <- diff:
		default:
		}
	}
}

func (cw *ConfigWatcher) reportError(err error) {
	logger.Warn("⚠️ %v", err)
	select {
	case cw.errorChan <- err:
	default:
	}
}

// RestartChan 包含需要重启才能生效的修改时投递差异
func (cw *ConfigWatcher) RestartChan() <-chan *ConfigDiff {
	return cw.restartChan
}

// GetErrorChan 获取错误通道
func (cw *ConfigWatcher) GetErrorChan() <-chan error {
	return cw.errorChan
}
