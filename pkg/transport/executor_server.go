package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/zap"
)

// CommandHandler 执行器侧处理命令的接口，*executor.TaskExecutor实现了它
type CommandHandler interface {
	Host() string
	Dispatch(ctx context.Context, tctx *task.TaskExecutionContext) error
	Pause(ctx context.Context, taskInstanceID int64) error
	Kill(ctx context.Context, taskInstanceID int64) error
	TakeOver(ctx context.Context, tctx *task.TaskExecutionContext) (bool, error)
}

// ExecutorServer 订阅执行器自己的命令主题并应答
type ExecutorServer struct {
	bus     *Bus
	handler CommandHandler
	log     *zap.Logger

	mu     sync.Mutex
	runner *routerRunner
}

// NewExecutorServer 创建执行器侧服务
func NewExecutorServer(bus *Bus, handler CommandHandler) *ExecutorServer {
	return &ExecutorServer{
		bus:     bus,
		handler: handler,
		log:     logger.Named("executor-server").With(zap.String("host", handler.Host())),
	}
}

// Start 开始接收命令
func (s *ExecutorServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return fmt.Errorf("执行器服务已启动")
	}
	topic := s.bus.CommandTopic(s.handler.Host())
	router, err := s.bus.newRouter("executor_command_handler", topic, s.handle)
	if err != nil {
		return err
	}
	runner, err := startRouter(ctx, router, s.log)
	if err != nil {
		return err
	}
	s.runner = runner
	s.log.Info("执行器开始接收命令", zap.String("topic", topic))
	return nil
}

// Stop 停止接收命令
func (s *ExecutorServer) Stop() error {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.mu.Unlock()
	if runner == nil {
		return nil
	}
	return runner.stop()
}

// handle 处理一条命令；总是ack，错误通过应答返回
func (s *ExecutorServer) handle(msg *message.Message) error {
	var req CommandRequest
	var reply CommandReply
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		reply = replyFromError(fmt.Errorf("%w: %v", ErrBadRequest, err))
	} else {
		reply = s.execute(msg.Context(), req)
	}

	replyTo := msg.Metadata.Get(MetadataReplyTo)
	if replyTo == "" {
		return nil
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		s.log.Error("序列化命令应答失败", zap.Error(err))
		return nil
	}
	out := message.NewMessage(watermill.NewUUID(), payload)
	out.Metadata.Set(MetadataCorrelationID, msg.Metadata.Get(MetadataCorrelationID))
	if err := s.bus.Publisher().Publish(replyTo, out); err != nil {
		s.log.Error("发送命令应答失败", zap.String("replyTo", replyTo), zap.Error(err))
	}
	return nil
}

func (s *ExecutorServer) execute(ctx context.Context, req CommandRequest) CommandReply {
	switch req.Kind {
	case CommandDispatch:
		if req.Context == nil {
			return replyFromError(fmt.Errorf("%w: 派发命令缺少执行上下文", ErrBadRequest))
		}
		return replyFromError(s.handler.Dispatch(ctx, req.Context))
	case CommandPause:
		return replyFromError(s.handler.Pause(ctx, req.TaskInstanceID))
	case CommandKill:
		return replyFromError(s.handler.Kill(ctx, req.TaskInstanceID))
	case CommandTakeOver:
		if req.Context == nil {
			return replyFromError(fmt.Errorf("%w: 接管命令缺少执行上下文", ErrBadRequest))
		}
		ok, err := s.handler.TakeOver(ctx, req.Context)
		if err != nil {
			return replyFromError(err)
		}
		return CommandReply{Accepted: ok}
	}
	return replyFromError(fmt.Errorf("%w: 未知命令类型 %s", ErrBadRequest, req.Kind))
}
