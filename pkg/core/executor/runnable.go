package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
)

// ErrTaskTimeout 任务执行超时
var ErrTaskTimeout = errors.New("task execution timeout")

// TaskExecutorRunnable 执行器上的一个任务
type TaskExecutorRunnable interface {
	// Context 任务执行上下文快照
	Context() *task.TaskExecutionContext
	// IsAsync 是否为异步插件任务
	IsAsync() bool
	// Stop 请求停止任务，reason为PAUSED或KILLED
	Stop(reason EventType)
	// Finished 是否已结束
	Finished() bool
}

// runnable 同步和异步任务共用的实现，差异由插件类型决定
type runnable struct {
	exec   *TaskExecutor
	sync   SyncTaskPlugin
	async  AsyncTaskPlugin
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	tctx       *task.TaskExecutionContext
	started    bool
	finished   bool
	stopReason EventType
	handle     string
}

func newRunnable(exec *TaskExecutor, plugin TaskPlugin, tctx *task.TaskExecutionContext) *runnable {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runnable{exec: exec, tctx: tctx.Copy(), ctx: ctx, cancel: cancel}
	switch p := plugin.(type) {
	case SyncTaskPlugin:
		r.sync = p
	case AsyncTaskPlugin:
		r.async = p
	}
	return r
}

// Context 任务执行上下文快照
func (r *runnable) Context() *task.TaskExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tctx.Copy()
}

// IsAsync 是否为异步任务
func (r *runnable) IsAsync() bool {
	return r.async != nil
}

// Finished 是否已结束
func (r *runnable) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Stop 请求停止；尚未开始的任务立即结束
func (r *runnable) Stop(reason EventType) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	if r.stopReason == "" {
		r.stopReason = reason
	}
	started := r.started
	r.mu.Unlock()

	r.cancel()
	if !started {
		r.finish(nil, context.Canceled)
	}
}

func (r *runnable) setMasterHost(host string) {
	r.mu.Lock()
	r.tctx.MasterHost = host
	r.mu.Unlock()
}

// begin 标记开始执行，返回false表示已被取消
func (r *runnable) begin(host string, now time.Time) (*task.TaskExecutionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil, false
	}
	r.started = true
	r.tctx.ExecutorHost = host
	r.tctx.StartTime = now
	r.tctx.Status = task.StatusRunningExecution
	return r.tctx.Copy(), true
}

// runContext 执行用的context：超时策略包含FAILED时带截止时间
func (r *runnable) runContext(tctx *task.TaskExecutionContext) (context.Context, context.CancelFunc) {
	deadline := tctx.Deadline()
	if deadline.IsZero() || !tctx.TimeoutStrategy.ShouldFail() {
		return r.ctx, func() {}
	}
	return context.WithDeadline(r.ctx, deadline)
}

// finish 结束任务并回报结果，只生效一次
func (r *runnable) finish(res *Result, err error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return
	}
	r.finished = true
	r.tctx.EndTime = time.Now()

	var evType EventType
	var msg string
	switch {
	case r.stopReason != "":
		evType = r.stopReason
	case err != nil:
		evType = EventFailed
		msg = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("%s: %v", ErrTaskTimeout, err)
		}
	default:
		evType = EventSuccess
		if res != nil && len(res.VarPool) > 0 {
			r.tctx.VarPool = task.EncodeVarPool(res.VarPool)
		}
	}
	switch evType {
	case EventSuccess:
		r.tctx.Status = task.StatusSuccess
	case EventFailed:
		r.tctx.Status = task.StatusFailure
	case EventPaused:
		r.tctx.Status = task.StatusPause
	case EventKilled:
		r.tctx.Status = task.StatusKill
	}
	ev := newEvent(evType, r.tctx)
	ev.Message = msg
	r.mu.Unlock()

	r.cancel()
	r.exec.onFinished(r, ev)
}
