package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config 执行器配置
type Config struct {
	Host              string
	ExecThreads       int
	QueueSize         int
	AsyncPollInterval time.Duration
}

// TaskExecutor 任务执行器：固定数量的工作协程执行同步任务，异步任务交给轮询器
type TaskExecutor struct {
	cfg     Config
	plugins PluginManager
	sender  EventSender
	repo    *TaskExecutorRepository
	looper  *asyncLooper
	pending chan *runnable
	log     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewTaskExecutor 创建执行器
func NewTaskExecutor(cfg Config, plugins PluginManager, sender EventSender) *TaskExecutor {
	if cfg.ExecThreads <= 0 {
		cfg.ExecThreads = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.ExecThreads * 16
	}
	log := logger.Named("executor").With(zap.String("host", cfg.Host))
	return &TaskExecutor{
		cfg:     cfg,
		plugins: plugins,
		sender:  sender,
		repo:    NewTaskExecutorRepository(),
		looper:  newAsyncLooper(cfg.AsyncPollInterval, log),
		pending: make(chan *runnable, cfg.QueueSize),
		log:     log,
	}
}

// Host 执行器地址
func (e *TaskExecutor) Host() string {
	return e.cfg.Host
}

// Repository 运行中任务登记表
func (e *TaskExecutor) Repository() *TaskExecutorRepository {
	return e.repo
}

// Start 启动工作协程和异步轮询器
func (e *TaskExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("执行器已启动")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < e.cfg.ExecThreads; i++ {
		g.Go(func() error { return e.workerLoop(gctx) })
	}
	g.Go(func() error { return e.looper.Run(gctx) })
	e.cancel = cancel
	e.group = g
	e.running = true
	e.log.Info("执行器已启动", zap.Int("execThreads", e.cfg.ExecThreads))
	return nil
}

// Stop 停止执行器并等待工作协程退出；未结束的任务由master容错接管
func (e *TaskExecutor) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel, g := e.cancel, e.group
	e.mu.Unlock()

	cancel()
	for _, run := range e.repo.Clear() {
		if r, ok := run.(*runnable); ok {
			r.cancel()
		}
	}
	e.looper.clear()
	err := g.Wait()
	e.log.Info("执行器已停止")
	return err
}

func (e *TaskExecutor) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Dispatch 接收master派发的任务
func (e *TaskExecutor) Dispatch(ctx context.Context, tctx *task.TaskExecutionContext) error {
	if !e.isRunning() {
		return ErrExecutorStopped
	}
	plugin, err := e.plugins.Get(tctx.TaskType)
	if err != nil {
		// 无法执行的任务直接回报失败，避免master反复派发
		ev := newEvent(EventFailed, tctx)
		ev.ExecutorHost = e.cfg.Host
		ev.StartTime = time.Now()
		ev.EndTime = ev.StartTime
		ev.Message = err.Error()
		go e.send(ev)
		return nil
	}

	run := newRunnable(e, plugin, tctx)
	if !e.repo.PutIfAbsent(run) {
		e.log.Warn("任务已在执行器上，忽略重复派发", zap.Int64("taskInstanceId", tctx.TaskInstanceID))
		return nil
	}
	select {
	case e.pending <- run:
		return nil
	default:
		e.repo.Remove(tctx.TaskInstanceID)
		return ErrExecutorBusy
	}
}

// Pause 暂停任务
func (e *TaskExecutor) Pause(ctx context.Context, taskInstanceID int64) error {
	return e.stop(taskInstanceID, EventPaused)
}

// Kill 终止任务
func (e *TaskExecutor) Kill(ctx context.Context, taskInstanceID int64) error {
	return e.stop(taskInstanceID, EventKilled)
}

func (e *TaskExecutor) stop(taskInstanceID int64, reason EventType) error {
	run, ok := e.repo.Get(taskInstanceID)
	if !ok {
		return ErrTaskNotFound
	}
	e.log.Info("停止任务", zap.Int64("taskInstanceId", taskInstanceID), zap.String("reason", string(reason)))
	run.Stop(reason)
	return nil
}

// TakeOver 新master接管仍在运行的任务，之后的事件发往新master
func (e *TaskExecutor) TakeOver(ctx context.Context, tctx *task.TaskExecutionContext) (bool, error) {
	run, ok := e.repo.Get(tctx.TaskInstanceID)
	if !ok || run.Finished() {
		return false, nil
	}
	if r, ok := run.(*runnable); ok {
		r.setMasterHost(tctx.MasterHost)
	}
	e.log.Info("任务已被接管", zap.Int64("taskInstanceId", tctx.TaskInstanceID), zap.String("master", tctx.MasterHost))
	return true, nil
}

func (e *TaskExecutor) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case run := <-e.pending:
			e.execute(ctx, run)
		}
	}
}

func (e *TaskExecutor) execute(ctx context.Context, run *runnable) {
	tctx, ok := run.begin(e.cfg.Host, time.Now())
	if !ok {
		return
	}
	if params, err := task.ReplacePlaceholders(tctx.TaskParams, tctx.PrepareParams); err == nil {
		tctx.TaskParams = params
	} else {
		e.log.Warn("任务参数替换失败", zap.Int64("taskInstanceId", tctx.TaskInstanceID), zap.Error(err))
	}
	e.send(newEvent(EventRunning, tctx))

	if run.async != nil {
		handle, err := run.async.Submit(run.ctx, tctx)
		if err != nil {
			run.finish(nil, err)
			return
		}
		run.mu.Lock()
		run.handle = handle
		run.tctx.TaskParams = tctx.TaskParams
		run.mu.Unlock()
		e.looper.add(run)
		return
	}

	runCtx, cancel := run.runContext(tctx)
	defer cancel()
	res, err := e.safeExecute(runCtx, run.sync, tctx)
	run.finish(res, err)
}

// safeExecute 插件panic转为任务失败
func (e *TaskExecutor) safeExecute(ctx context.Context, p SyncTaskPlugin, tctx *task.TaskExecutionContext) (res *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("任务执行panic: %v", rec)
		}
	}()
	return p.Execute(task.WithExecutionContext(ctx, tctx), tctx)
}

func (e *TaskExecutor) onFinished(run *runnable, ev Event) {
	e.repo.Remove(ev.TaskInstanceID)
	e.log.Info("任务结束",
		zap.Int64("taskInstanceId", ev.TaskInstanceID),
		zap.String("result", string(ev.Type)),
		zap.String("message", ev.Message))
	e.send(ev)
}

// send 回报事件，失败时指数退避重试
func (e *TaskExecutor) send(ev Event) {
	if e.sender == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b := retry.WithMaxRetries(5, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := e.sender.Send(ctx, ev); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		e.log.Error("回报任务事件失败",
			zap.Int64("taskInstanceId", ev.TaskInstanceID), zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
