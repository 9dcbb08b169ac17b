package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 订单指标
	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_order_total",
			Help: "Total number of order attempts by outcome",
		},
		[]string{"model", "signal", "status"},
	)

	orderRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_order_rejected_total",
			Help: "Total number of rejected orders by reason",
		},
		[]string{"reason"},
	)

	orderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockarena_order_duration_seconds",
			Help:    "Order validation and execution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"status"},
	)

	feeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_fee_total",
			Help: "Total fees charged in CNY",
		},
		[]string{"model"},
	)

	invariantViolationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_invariant_violation_total",
			Help: "Total number of ledger invariant violations",
		},
		[]string{"model"},
	)

	// 交易循环指标
	cycleTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_cycle_total",
			Help: "Total number of trading cycles by result",
		},
		[]string{"model", "result"},
	)

	cycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockarena_cycle_duration_seconds",
			Help:    "Trading cycle duration in seconds",
			Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
		[]string{"model"},
	)

	decisionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockarena_decision_duration_seconds",
			Help:    "Decision service latency in seconds",
			Buckets: []float64{0.5, 1.0, 2.0, 5.0, 10.0, 20.0, 30.0, 60.0},
		},
		[]string{"provider", "status"},
	)

	// 行情指标
	quoteFailureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_quote_failure_total",
			Help: "Total number of snapshot provider failures",
		},
		[]string{"source"},
	)

	// 账户指标
	modelEquity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockarena_model_equity",
			Help: "Latest total account value per model in CNY",
		},
		[]string{"model"},
	)

	modelCash = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockarena_model_cash",
			Help: "Latest cash balance per model in CNY",
		},
		[]string{"model"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockarena_goroutine_count",
			Help: "Number of goroutines",
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockarena_process_cpu_percent",
			Help: "Process CPU usage percentage",
		},
	)

	processRSSBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockarena_process_rss_bytes",
			Help: "Process resident set size in bytes",
		},
	)

	gcPauseDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stockarena_gc_pause_duration_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_lock_acquire_total",
			Help: "Total number of lock acquire attempts",
		},
		[]string{"key", "status"},
	)

	lockConflictTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockarena_lock_conflict_total",
			Help: "Total number of lock conflicts",
		},
		[]string{"key"},
	)

	lockHoldDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockarena_lock_hold_duration_seconds",
			Help:    "Lock hold duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"key"},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// 订单相关指标记录

// RecordOrder 记录一次下单尝试
func (pm *PrometheusMetrics) RecordOrder(model, signal, status string, duration time.Duration) {
	orderTotal.WithLabelValues(model, signal, status).Inc()
	orderDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordOrderRejected 记录拒单原因
func (pm *PrometheusMetrics) RecordOrderRejected(reason string) {
	orderRejectedTotal.WithLabelValues(reason).Inc()
}

// AddFee 累计手续费
func (pm *PrometheusMetrics) AddFee(model string, amount float64) {
	if amount > 0 {
		feeTotal.WithLabelValues(model).Add(amount)
	}
}

// RecordInvariantViolation 记录账本不变量被破坏
func (pm *PrometheusMetrics) RecordInvariantViolation(model string) {
	invariantViolationTotal.WithLabelValues(model).Inc()
}

// 交易循环相关指标记录

// RecordCycle 记录交易循环结果
func (pm *PrometheusMetrics) RecordCycle(model, result string, duration time.Duration) {
	cycleTotal.WithLabelValues(model, result).Inc()
	if duration > 0 {
		cycleDuration.WithLabelValues(model).Observe(duration.Seconds())
	}
}

// RecordDecision 记录决策服务耗时
func (pm *PrometheusMetrics) RecordDecision(provider, status string, duration time.Duration) {
	decisionDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordQuoteFailure 记录行情获取失败
func (pm *PrometheusMetrics) RecordQuoteFailure(source string) {
	quoteFailureTotal.WithLabelValues(source).Inc()
}

// SetModelAccount 更新账户权益与现金
func (pm *PrometheusMetrics) SetModelAccount(model string, equity, cash float64) {
	modelEquity.WithLabelValues(model).Set(equity)
	modelCash.WithLabelValues(model).Set(cash)
}

// DeleteModel 删除模型相关的账户指标
func (pm *PrometheusMetrics) DeleteModel(model string) {
	modelEquity.DeleteLabelValues(model)
	modelCash.DeleteLabelValues(model)
}

// 系统相关指标记录

// SetGoroutineCount 设置 goroutine 数量
func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// SetProcessStats 设置进程 CPU 与常驻内存
func (pm *PrometheusMetrics) SetProcessStats(cpuPercent float64, rssBytes uint64) {
	processCPUPercent.Set(cpuPercent)
	processRSSBytes.Set(float64(rssBytes))
}

// RecordGCPause 记录 GC 停顿
func (pm *PrometheusMetrics) RecordGCPause(duration time.Duration) {
	gcPauseDuration.Observe(duration.Seconds())
}

// 分布式锁相关指标记录

// RecordLockAcquire 记录锁获取
func (pm *PrometheusMetrics) RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// RecordLockConflict 记录锁冲突
func (pm *PrometheusMetrics) RecordLockConflict(key string) {
	lockConflictTotal.WithLabelValues(key).Inc()
}

// RecordLockHoldDuration 记录锁持有时长
func (pm *PrometheusMetrics) RecordLockHoldDuration(key string, duration time.Duration) {
	lockHoldDuration.WithLabelValues(key).Observe(duration.Seconds())
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
