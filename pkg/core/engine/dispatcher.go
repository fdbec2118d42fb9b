package engine

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/core/queue"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/metrics"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatcherConfig 派发器配置
type DispatcherConfig struct {
	Workers     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MasterHost  string
}

// TaskDispatcher 从延迟队列取出到期任务，选择执行器并发送
// 派发失败的任务按指数退避重新入队，同时降低其在队列中的优先级
type TaskDispatcher struct {
	cfg       DispatcherConfig
	queue     *queue.DelayQueue[*TaskExecutionRunnable]
	client    TaskExecutorClient
	selector  ExecutorSelector
	publisher EventPublisher
	metrics   *metrics.Metrics
	now       func() time.Time
	log       *zap.Logger

	mu       sync.Mutex
	backoffs map[int64]retry.Backoff
}

// NewTaskDispatcher 创建派发器
func NewTaskDispatcher(cfg DispatcherConfig, client TaskExecutorClient, selector ExecutorSelector, publisher EventPublisher, m *metrics.Metrics) *TaskDispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = 60 * time.Second
	}
	return &TaskDispatcher{
		cfg: cfg,
		queue: queue.NewDelayQueue(
			func(a, b *TaskExecutionRunnable) bool { return a.Priority().Less(b.Priority()) },
			func(r *TaskExecutionRunnable) string { return strconv.FormatInt(r.ID(), 10) },
		),
		client:    client,
		selector:  selector,
		publisher: publisher,
		metrics:   m,
		now:       time.Now,
		log:       logger.Named("dispatcher"),
		backoffs:  make(map[int64]retry.Backoff),
	}
}

// Offer 实现DispatchQueue
func (d *TaskDispatcher) Offer(r *TaskExecutionRunnable, delay time.Duration) bool {
	ok := d.queue.Offer(r, delay)
	d.updateSize()
	return ok
}

// Remove 实现DispatchQueue
func (d *TaskDispatcher) Remove(r *TaskExecutionRunnable) bool {
	ok := d.queue.Remove(strconv.FormatInt(r.ID(), 10))
	if ok {
		d.forget(r.ID())
		d.updateSize()
	}
	return ok
}

// Len 队列中的任务数（含未到期）
func (d *TaskDispatcher) Len() int {
	return d.queue.Len()
}

// Run 启动派发协程，阻塞到ctx取消
func (d *TaskDispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				r, err := d.queue.Take(gctx)
				if err != nil {
					return nil
				}
				d.updateSize()
				d.dispatchOne(gctx, r)
			}
		})
	}
	d.log.Info("任务派发器已启动", zap.Int("workers", d.cfg.Workers))
	err := g.Wait()
	d.queue.Clear()
	d.updateSize()
	return err
}

func (d *TaskDispatcher) dispatchOne(ctx context.Context, r *TaskExecutionRunnable) {
	w := r.Workflow()
	if w.Bus().Closed() {
		d.forget(r.ID())
		return
	}
	log := d.log.With(zap.Int64("workflowInstanceId", w.ID()), zap.Int64("taskInstanceId", r.ID()), zap.String("taskName", r.Name()))

	// 入队后收到的暂停/停止请求
	if d.stopRequested(r) {
		return
	}
	switch r.Status() {
	case task.StatusSubmittedSuccess, task.StatusDelayExecution:
	default:
		log.Debug("任务状态已变化，跳过派发", zap.String("status", string(r.Status())))
		d.forget(r.ID())
		return
	}

	host, err := d.selector.Select(r)
	if err == nil {
		tctx := w.ExecutionContext(r, d.cfg.MasterHost)
		tctx.ExecutorHost = host
		err = d.client.Dispatch(ctx, host, tctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		times := r.incDispatchFailed()
		if d.metrics != nil {
			d.metrics.DispatchFailures.Inc()
		}
		delay := d.nextBackoff(r.ID())
		log.Warn("任务派发失败，稍后重试",
			zap.String("host", host), zap.Int("failedTimes", times), zap.Duration("delay", delay), zap.Error(err))
		if d.stopRequested(r) {
			return
		}
		d.Offer(r, delay)
		return
	}
	d.forget(r.ID())
	log.Info("任务已派发", zap.String("host", host))
	d.publisher.Publish(NewTaskDispatchedEvent(r, host))
}

// stopRequested 有停止请求时发布对应回报，由状态动作收尾
func (d *TaskDispatcher) stopRequested(r *TaskExecutionRunnable) bool {
	switch r.StopRequest() {
	case EventTaskPause:
		d.forget(r.ID())
		d.publisher.Publish(NewTaskPausedEvent(r, d.now()))
		return true
	case EventTaskKill:
		d.forget(r.ID())
		d.publisher.Publish(NewTaskKilledEvent(r, d.now()))
		return true
	}
	return false
}

func (d *TaskDispatcher) nextBackoff(id int64) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.backoffs[id]
	if !ok {
		b = retry.NewExponential(d.cfg.BackoffBase)
		b = retry.WithJitterPercent(10, b)
		b = retry.WithCappedDuration(d.cfg.BackoffMax, b)
		d.backoffs[id] = b
	}
	delay, stop := b.Next()
	if stop {
		return d.cfg.BackoffMax
	}
	return delay
}

func (d *TaskDispatcher) forget(id int64) {
	d.mu.Lock()
	delete(d.backoffs, id)
	d.mu.Unlock()
}

func (d *TaskDispatcher) updateSize() {
	if d.metrics != nil {
		d.metrics.DispatchQueueSize.Set(float64(d.queue.Len()))
	}
}
