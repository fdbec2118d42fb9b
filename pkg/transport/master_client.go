package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRequestTimeout 等待执行器应答的默认超时
const DefaultRequestTimeout = 10 * time.Second

// MasterClient master侧的执行器客户端：命令发到执行器主题，在应答主题上按correlation id等待结果
type MasterClient struct {
	bus        *Bus
	masterHost string
	timeout    time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	pending map[string]chan CommandReply
	runner  *routerRunner
}

// NewMasterClient 创建master侧客户端
func NewMasterClient(bus *Bus, masterHost string, timeout time.Duration) *MasterClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &MasterClient{
		bus:        bus,
		masterHost: masterHost,
		timeout:    timeout,
		log:        logger.Named("master-client").With(zap.String("master", masterHost)),
		pending:    make(map[string]chan CommandReply),
	}
}

// Start 订阅应答主题
func (c *MasterClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runner != nil {
		return fmt.Errorf("master客户端已启动")
	}
	router, err := c.bus.newRouter("master_reply_handler", c.bus.ReplyTopic(c.masterHost), c.onReply)
	if err != nil {
		return err
	}
	runner, err := startRouter(ctx, router, c.log)
	if err != nil {
		return err
	}
	c.runner = runner
	return nil
}

// Stop 停止接收应答
func (c *MasterClient) Stop() error {
	c.mu.Lock()
	runner := c.runner
	c.runner = nil
	c.mu.Unlock()
	if runner == nil {
		return nil
	}
	return runner.stop()
}

// Dispatch 派发任务
func (c *MasterClient) Dispatch(ctx context.Context, host string, tctx *task.TaskExecutionContext) error {
	reply, err := c.request(ctx, host, CommandRequest{Kind: CommandDispatch, TaskInstanceID: tctx.TaskInstanceID, Context: tctx})
	if err != nil {
		return err
	}
	return reply.Err()
}

// Pause 暂停执行器上的任务
func (c *MasterClient) Pause(ctx context.Context, host string, taskInstanceID int64) error {
	reply, err := c.request(ctx, host, CommandRequest{Kind: CommandPause, TaskInstanceID: taskInstanceID})
	if err != nil {
		return err
	}
	return reply.Err()
}

// Kill 终止执行器上的任务
func (c *MasterClient) Kill(ctx context.Context, host string, taskInstanceID int64) error {
	reply, err := c.request(ctx, host, CommandRequest{Kind: CommandKill, TaskInstanceID: taskInstanceID})
	if err != nil {
		return err
	}
	return reply.Err()
}

// TakeOver 请求执行器把运行中任务的事件改发到本master
func (c *MasterClient) TakeOver(ctx context.Context, host string, tctx *task.TaskExecutionContext) (bool, error) {
	reply, err := c.request(ctx, host, CommandRequest{Kind: CommandTakeOver, TaskInstanceID: tctx.TaskInstanceID, Context: tctx})
	if err != nil {
		return false, err
	}
	if err := reply.Err(); err != nil {
		return false, err
	}
	return reply.Accepted, nil
}

func (c *MasterClient) request(ctx context.Context, host string, req CommandRequest) (CommandReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return CommandReply{}, fmt.Errorf("序列化命令失败: %w", err)
	}
	correlationID := uuid.NewString()
	ch := make(chan CommandReply, 1)
	c.mu.Lock()
	if c.runner == nil {
		c.mu.Unlock()
		return CommandReply{}, fmt.Errorf("master客户端未启动")
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	msg := message.NewMessage(correlationID, payload)
	msg.Metadata.Set(MetadataCorrelationID, correlationID)
	msg.Metadata.Set(MetadataReplyTo, c.bus.ReplyTopic(c.masterHost))
	msg.Metadata.Set(MetadataKind, string(req.Kind))
	topic := c.bus.CommandTopic(host)
	if err := c.bus.Publisher().Publish(topic, msg); err != nil {
		return CommandReply{}, fmt.Errorf("发送命令失败: Topic=%s, Error=%w", topic, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return CommandReply{}, fmt.Errorf("等待执行器应答超时: Host=%s, Kind=%s", host, req.Kind)
	case <-ctx.Done():
		return CommandReply{}, ctx.Err()
	}
}

func (c *MasterClient) onReply(msg *message.Message) error {
	var reply CommandReply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		c.log.Warn("无法解析的命令应答", zap.Error(err))
		return nil
	}
	id := msg.Metadata.Get(MetadataCorrelationID)
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("应答已过期", zap.String("correlationId", id))
		return nil
	}
	select {
	case ch <- reply:
	default:
	}
	return nil
}
