package event

import (
	"context"
	"sync"

	"stockarena/logger"
)

// Dispatcher 从事件总线读取事件并分发给所有订阅者
type Dispatcher struct {
	bus *EventBus

	mu         sync.RWMutex
	processors []EventProcessor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher 创建事件分发器
func NewDispatcher(bus *EventBus) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		bus:    bus,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register 注册订阅者
func (d *Dispatcher) Register(p EventProcessor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processors = append(d.processors, p)
}

// Start 启动分发协程
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
	logger.Info("✅ 事件分发器已启动")
}

// Stop 停止分发
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
	logger.Info("✅ 事件分发器已停止")
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	eventCh := d.bus.Subscribe()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			d.dispatch(ev)
		}
	}
}

func (d *Dispatcher) dispatch(ev *Event) {
	if ev == nil {
		return
	}
	d.mu.RLock()
	processors := make([]EventProcessor, len(d.processors))
	copy(processors, d.processors)
	d.mu.RUnlock()

	for _, p := range processors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("❌ 事件处理器异常 (%s): %v", ev.Type, r)
				}
			}()
			p.ProcessEvent(ev)
		}()
	}
}

// LogProcessor 把事件写入日志
type LogProcessor struct{}

// ProcessEvent 按事件类型输出日志
func (LogProcessor) ProcessEvent(ev *Event) {
	switch ev.Type {
	case EventTypeTradeFilled:
		logger.Info("💰 [模型 %d] 成交: %v %v x%v @ %v", ev.ModelID, ev.Data["signal"], ev.Data["symbol"], ev.Data["quantity"], ev.Data["price"])
	case EventTypeTradeRejected:
		logger.Info("🚫 [模型 %d] 拒单: %v %v 原因=%v", ev.ModelID, ev.Data["signal"], ev.Data["symbol"], ev.Data["reason"])
	case EventTypeInvariantViolation:
		logger.Error("❌ [模型 %d] 账本不变量被破坏: %v", ev.ModelID, ev.Data["error"])
	case EventTypeConfigRestartRequired:
		logger.Warn("⚠️ 配置文件有需要重启才能生效的修改，请重启服务")
	default:
		logger.Debug("📨 事件 %s (模型 %d)", ev.Type, ev.ModelID)
	}
}
