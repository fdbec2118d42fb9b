package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// EventSender 执行器把任务事件发到任务所属master的事件主题
type EventSender struct {
	bus *Bus
}

// NewEventSender 创建事件发送器
func NewEventSender(bus *Bus) *EventSender {
	return &EventSender{bus: bus}
}

// Send 实现executor.EventSender
func (s *EventSender) Send(ctx context.Context, ev executor.Event) error {
	if ev.MasterHost == "" {
		return fmt.Errorf("任务事件缺少master地址: TaskInstanceID=%d", ev.TaskInstanceID)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化任务事件失败: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataKind, string(ev.Type))
	msg.SetContext(ctx)
	return s.bus.Publisher().Publish(s.bus.EventTopic(ev.MasterHost), msg)
}

var _ executor.EventSender = (*EventSender)(nil)

// EventHandler master侧处理执行器事件；实现只应入队，不应阻塞
type EventHandler func(ctx context.Context, ev executor.Event)

// EventListener master订阅自己的事件主题
type EventListener struct {
	bus        *Bus
	masterHost string
	handler    EventHandler
	log        *zap.Logger

	mu     sync.Mutex
	runner *routerRunner
}

// NewEventListener 创建事件监听器
func NewEventListener(bus *Bus, masterHost string, handler EventHandler) *EventListener {
	return &EventListener{
		bus:        bus,
		masterHost: masterHost,
		handler:    handler,
		log:        logger.Named("event-listener").With(zap.String("master", masterHost)),
	}
}

// Start 开始接收事件
func (l *EventListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runner != nil {
		return fmt.Errorf("事件监听器已启动")
	}
	router, err := l.bus.newRouter("master_event_handler", l.bus.EventTopic(l.masterHost), l.onEvent)
	if err != nil {
		return err
	}
	runner, err := startRouter(ctx, router, l.log)
	if err != nil {
		return err
	}
	l.runner = runner
	return nil
}

// Stop 停止接收事件
func (l *EventListener) Stop() error {
	l.mu.Lock()
	runner := l.runner
	l.runner = nil
	l.mu.Unlock()
	if runner == nil {
		return nil
	}
	return runner.stop()
}

func (l *EventListener) onEvent(msg *message.Message) error {
	var ev executor.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		l.log.Warn("无法解析的任务事件", zap.String("uuid", msg.UUID), zap.Error(err))
		return nil
	}
	l.handler(msg.Context(), ev)
	return nil
}
