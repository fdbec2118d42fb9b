// Package transport master与执行器之间的消息通道（基于watermill）
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/config"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// 消息元数据key
const (
	MetadataCorrelationID = "correlation_id"
	MetadataReplyTo       = "reply_to"
	MetadataKind          = "kind"
)

// Bus 消息总线：同一进程内的master和执行器共用一个
// 发布方阻塞到订阅方ack后才返回，保证同一主题上的消息按发布顺序处理。
type Bus struct {
	pubsub       *gochannel.GoChannel
	wlog         watermill.LoggerAdapter
	commandTopic string
	eventTopic   string
}

// NewBus 创建消息总线
func NewBus(cfg config.TransportConfig) *Bus {
	if cfg.OutputBuffer <= 0 {
		cfg.OutputBuffer = 1024
	}
	if cfg.CommandTopic == "" {
		cfg.CommandTopic = "executor.commands"
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = "master.task-events"
	}
	wlog := NewZapLoggerAdapter(logger.Named("watermill"))
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            cfg.OutputBuffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		}, wlog),
		wlog:         wlog,
		commandTopic: cfg.CommandTopic,
		eventTopic:   cfg.EventTopic,
	}
}

// CommandTopic 执行器的命令主题
func (b *Bus) CommandTopic(executorHost string) string {
	return b.commandTopic + "." + executorHost
}

// ReplyTopic master接收命令应答的主题
func (b *Bus) ReplyTopic(masterHost string) string {
	return b.commandTopic + ".reply." + masterHost
}

// EventTopic master接收任务事件的主题
func (b *Bus) EventTopic(masterHost string) string {
	return b.eventTopic + "." + masterHost
}

// Publisher 发布端
func (b *Bus) Publisher() message.Publisher {
	return b.pubsub
}

// Subscriber 订阅端
func (b *Bus) Subscriber() message.Subscriber {
	return b.pubsub
}

// Close 关闭总线
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// newRouter 创建只有一个消费处理器的路由器
func (b *Bus) newRouter(name, topic string, handler message.NoPublishHandlerFunc) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, b.wlog)
	if err != nil {
		return nil, fmt.Errorf("创建消息路由器失败: %w", err)
	}
	router.AddConsumerHandler(name, topic, b.pubsub, handler)
	return router, nil
}

// routerRunner 路由器的启停封装
type routerRunner struct {
	router *message.Router
	done   chan struct{}
	log    *zap.Logger
}

func startRouter(ctx context.Context, router *message.Router, log *zap.Logger) (*routerRunner, error) {
	r := &routerRunner{router: router, done: make(chan struct{}), log: log}
	go func() {
		defer close(r.done)
		if err := router.Run(ctx); err != nil {
			log.Error("消息路由器异常退出", zap.Error(err))
		}
	}()
	select {
	case <-router.Running():
		return r, nil
	case <-r.done:
		return nil, fmt.Errorf("消息路由器启动失败")
	case <-ctx.Done():
		_ = router.Close()
		return nil, ctx.Err()
	}
}

func (r *routerRunner) stop() error {
	err := r.router.Close()
	<-r.done
	return err
}
