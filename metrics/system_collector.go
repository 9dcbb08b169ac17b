package metrics

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"stockarena/logger"
)

// SystemMetrics 进程资源快照
type SystemMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryMB      float64   `json:"memory_mb"`
	MemoryPercent float64   `json:"memory_percent"` // 占系统内存百分比
	Goroutines    int       `json:"goroutines"`
	ProcessID     int       `json:"process_id"`
	Uptime        string    `json:"uptime"`
}

// SystemMetricsCollector 定时采样当前进程并写入 Prometheus
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	started  time.Time

	// 复用同一个句柄，CPUPercent 才是两次采样之间的占用
	proc *process.Process

	mu     sync.RWMutex
	latest *SystemMetrics

	stopOnce sync.Once
	done     chan struct{}
}

// NewSystemMetricsCollector 创建采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	c := &SystemMetricsCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		c.proc = p
	} else {
		logger.Warn("⚠️ 获取进程句柄失败，仅采集 Go 运行时指标: %v", err)
	}
	return c
}

// Start 立即采样一次后按周期采样
func (c *SystemMetricsCollector) Start() {
	c.Sample()
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ticker.C:
				c.Sample()
			}
		}
	}()
}

// Stop 可重复调用
func (c *SystemMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// Latest 最近一次采样，Start 之前为 nil
func (c *SystemMetricsCollector) Latest() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return nil
	}
	snapshot := *c.latest
	return &snapshot
}

// Sample 采样一次并更新指标
func (c *SystemMetricsCollector) Sample() *SystemMetrics {
	now := time.Now()
	snapshot := &SystemMetrics{
		Timestamp:  now,
		Goroutines: runtime.NumGoroutine(),
		ProcessID:  os.Getpid(),
		Uptime:     now.Sub(c.started).Truncate(time.Second).String(),
	}
	c.pm.SetGoroutineCount(snapshot.Goroutines)

	if err := c.sampleProcess(snapshot); err != nil {
		logger.Debug("采集进程指标失败: %v", err)
	} else {
		c.pm.SetProcessStats(snapshot.CPUPercent, uint64(snapshot.MemoryMB*1024*1024))
	}
	c.sampleGC()

	c.mu.Lock()
	c.latest = snapshot
	c.mu.Unlock()
	return snapshot
}

func (c *SystemMetricsCollector) sampleProcess(snapshot *SystemMetrics) error {
	if c.proc == nil {
		return fmt.Errorf("进程句柄不可用")
	}
	cpuPercent, err := c.proc.CPUPercent()
	if err != nil {
		return fmt.Errorf("获取CPU占用率失败: %w", err)
	}
	memInfo, err := c.proc.MemoryInfo()
	if err != nil {
		return fmt.Errorf("获取内存信息失败: %w", err)
	}
	snapshot.CPUPercent = cpuPercent
	snapshot.MemoryMB = float64(memInfo.RSS) / 1024 / 1024
	if vm, err := mem.VirtualMemory(); err == nil && vm.Total > 0 {
		snapshot.MemoryPercent = float64(memInfo.RSS) / float64(vm.Total) * 100
	}
	return nil
}

func (c *SystemMetricsCollector) sampleGC() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.NumGC == 0 {
		return
	}
	// PauseNs 为环形缓冲区，最近一次位于 (NumGC+255)%256
	if pause := m.PauseNs[(m.NumGC+255)%256]; pause > 0 {
		c.pm.RecordGCPause(time.Duration(pause))
	}
}
