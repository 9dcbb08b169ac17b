package event

import (
	"time"

	"stockarena/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeTradeFilled        EventType = "trade_filled"
	EventTypeTradeRejected      EventType = "trade_rejected"
	EventTypeInvariantViolation EventType = "invariant_violation"
	EventTypeCycleCompleted     EventType = "cycle_completed"
	EventTypeCycleSkipped       EventType = "cycle_skipped"
	EventTypeEquityUpdated      EventType = "equity_updated"
	EventTypeSettingsChanged    EventType = "settings_changed"
	EventTypeSystemStart        EventType = "system_start"
	EventTypeSystemStop         EventType = "system_stop"

	// 配置文件中有需要重启才能生效的修改
	EventTypeConfigRestartRequired EventType = "config_restart_required"
)

// Event 事件结构
type Event struct {
	Type      EventType              `json:"type"`
	ModelID   int64                  `json:"model_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Publisher 事件发布接口
type Publisher interface {
	Publish(event *Event)
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞）
func (eb *EventBus) Publish(event *Event) {
	if event == nil {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case eb.eventCh <- event:
	default:
		// Channel 满了，记录警告但不阻塞
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	close(eb.eventCh)
}

// NopPublisher 丢弃所有事件
type NopPublisher struct{}

// Publish 丢弃事件
func (NopPublisher) Publish(*Event) {}
