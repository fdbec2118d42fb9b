package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LENAX/dag-master/pkg/core/queue"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventPublisher 发布生命周期事件
type EventPublisher interface {
	// Publish 追加到事件所属工作流的总线
	Publish(ev LifecycleEvent)
	// PublishDelayed 延迟到期后再追加
	PublishDelayed(ev LifecycleEvent, delay time.Duration)
}

// EventFireFunc 消费一个事件
type EventFireFunc func(ctx context.Context, ev LifecycleEvent)

// WorkflowEventBus 单个工作流实例的FIFO事件队列
type WorkflowEventBus struct {
	mu     sync.Mutex
	events []LifecycleEvent
	closed bool
}

func newWorkflowEventBus() *WorkflowEventBus {
	return &WorkflowEventBus{}
}

func (b *WorkflowEventBus) push(ev LifecycleEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.events = append(b.events, ev)
	return true
}

func (b *WorkflowEventBus) poll() (LifecycleEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return nil, false
	}
	ev := b.events[0]
	b.events[0] = nil
	b.events = b.events[1:]
	return ev, true
}

// Len 待处理事件数
func (b *WorkflowEventBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// close 关闭总线，丢弃未处理的事件并返回丢弃数量
func (b *WorkflowEventBus) close() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	dropped := len(b.events)
	b.events = nil
	return dropped
}

// Closed 是否已关闭
func (b *WorkflowEventBus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// fireWorker 按工作流实例ID哈希分配，同一实例的事件只在一个worker上串行处理
type fireWorker struct {
	mu        sync.Mutex
	pending   []*WorkflowExecutionRunnable
	scheduled map[int64]struct{}
	signal    chan struct{}
}

func newFireWorker() *fireWorker {
	return &fireWorker{scheduled: make(map[int64]struct{}), signal: make(chan struct{}, 1)}
}

func (w *fireWorker) schedule(wf *WorkflowExecutionRunnable) {
	w.mu.Lock()
	if _, ok := w.scheduled[wf.ID()]; !ok {
		w.scheduled[wf.ID()] = struct{}{}
		w.pending = append(w.pending, wf)
	}
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *fireWorker) next() (*WorkflowExecutionRunnable, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil, false
	}
	wf := w.pending[0]
	w.pending[0] = nil
	w.pending = w.pending[1:]
	delete(w.scheduled, wf.ID())
	return wf, true
}

type delayedEvent struct {
	seq int64
	ev  LifecycleEvent
}

// EventBusCoordinator 事件总线调度：固定数量的fire worker加一个延迟事件协程
type EventBusCoordinator struct {
	workers []*fireWorker
	delayed *queue.DelayQueue[*delayedEvent]
	fire    EventFireFunc
	seq     atomic.Int64
	depth   atomic.Int64
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewEventBusCoordinator 创建事件总线调度器
func NewEventBusCoordinator(workers int, fire EventFireFunc, m *metrics.Metrics) *EventBusCoordinator {
	if workers <= 0 {
		workers = 1
	}
	c := &EventBusCoordinator{
		workers: make([]*fireWorker, workers),
		delayed: queue.NewDelayQueue(
			func(a, b *delayedEvent) bool { return a.seq < b.seq },
			func(v *delayedEvent) string { return strconv.FormatInt(v.seq, 10) },
		),
		fire:    fire,
		metrics: m,
		log:     logger.Named("event-bus"),
	}
	for i := range c.workers {
		c.workers[i] = newFireWorker()
	}
	return c
}

// Publish 实现EventPublisher
func (c *EventBusCoordinator) Publish(ev LifecycleEvent) {
	wf := ev.Workflow()
	if !wf.Bus().push(ev) {
		c.log.Debug("工作流已结束，丢弃事件",
			zap.Int64("workflowInstanceId", wf.ID()), zap.String("event", string(ev.Type())))
		return
	}
	c.setDepth(c.depth.Add(1))
	c.workers[int(wf.ID()%int64(len(c.workers)))].schedule(wf)
}

// PublishDelayed 实现EventPublisher
func (c *EventBusCoordinator) PublishDelayed(ev LifecycleEvent, delay time.Duration) {
	if delay <= 0 {
		c.Publish(ev)
		return
	}
	c.delayed.Offer(&delayedEvent{seq: c.seq.Add(1), ev: ev}, delay)
}

// DelayedLen 等待中的延迟事件数
func (c *EventBusCoordinator) DelayedLen() int {
	return c.delayed.Len()
}

// Run 启动fire worker和延迟事件协程，阻塞到ctx取消
func (c *EventBusCoordinator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range c.workers {
		g.Go(func() error { return c.workerLoop(gctx, i, w) })
	}
	g.Go(func() error { return c.delayLoop(gctx) })
	c.log.Info("事件总线已启动", zap.Int("fireWorkers", len(c.workers)))
	return g.Wait()
}

func (c *EventBusCoordinator) workerLoop(ctx context.Context, index int, w *fireWorker) error {
	for {
		wf, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-w.signal:
				continue
			}
		}
		if ev, ok := wf.Bus().poll(); ok {
			c.setDepth(c.depth.Add(-1))
			c.safeFire(ctx, index, ev)
		}
		if wf.Bus().Len() > 0 {
			w.schedule(wf)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *EventBusCoordinator) delayLoop(ctx context.Context) error {
	for {
		item, err := c.delayed.Take(ctx)
		if err != nil {
			return nil
		}
		c.Publish(item.ev)
	}
}

// safeFire 事件处理中的panic只影响当前事件
func (c *EventBusCoordinator) safeFire(ctx context.Context, index int, ev LifecycleEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			c.log.Error("处理事件时发生panic",
				zap.Int("worker", index),
				zap.Int64("workflowInstanceId", ev.Workflow().ID()),
				zap.String("event", string(ev.Type())),
				zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	c.fire(ctx, ev)
}

// discard 工作流结束时丢弃的事件从深度中扣除
func (c *EventBusCoordinator) discard(n int) {
	if n > 0 {
		c.setDepth(c.depth.Add(int64(-n)))
	}
}

func (c *EventBusCoordinator) setDepth(v int64) {
	if c.metrics != nil {
		c.metrics.EventBusDepth.Set(float64(v))
	}
}
