package engine

import (
	"context"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"go.uber.org/zap"
)

// failureTaskAction FAILURE：可能还在等待重试
type failureTaskAction struct {
	baseTaskAction
}

// Start 派发前就失败的任务（如参数非法）
func (a *failureTaskAction) Start(ctx context.Context, r *TaskExecutionRunnable, ev *TaskStartLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	return a.onFailed(ctx, r, a.now(), "任务启动前失败")
}

// Retry 重试间隔到期，创建新的尝试
func (a *failureTaskAction) Retry(ctx context.Context, r *TaskExecutionRunnable, ev *TaskRetryLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	log := a.taskLog(r)
	w := r.Workflow()
	graph := w.Graph()
	if current, ok := graph.Runnable(r.TaskCode()); !ok || current != r || !graph.IsActive(r.TaskCode()) {
		log.Warn("任务已被新的尝试替代或已结束，忽略重试")
		return nil
	}
	if w.Status().IsReadyPauseOrStop() {
		log.Warn("工作流等待暂停/停止，忽略重试", zap.String("workflowStatus", string(w.Status())))
		return nil
	}
	if !r.Instance().CanRetry() {
		log.Warn("重试次数已用尽，忽略重试")
		return nil
	}
	nr, err := a.newAttempt(ctx, r, true)
	if err != nil {
		return err
	}
	a.taskLog(nr).Info("任务开始重试", zap.Int("retryTimes", nr.Instance().RetryTimes))
	a.publisher.Publish(NewTaskStartEvent(nr))
	return nil
}

// waitingRetry 失败后仍在等待重试的尝试
func (a *failureTaskAction) waitingRetry(r *TaskExecutionRunnable) bool {
	return r.Instance().CanRetry() && r.Workflow().Graph().IsActive(r.TaskCode())
}

func (a *failureTaskAction) Pause(_ context.Context, r *TaskExecutionRunnable, ev *TaskPauseLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	if !a.waitingRetry(r) {
		return a.unsupported(r, ev)
	}
	r.requestStop(EventTaskPause)
	a.publisher.Publish(NewTaskPausedEvent(r, a.now()))
	return nil
}

func (a *failureTaskAction) Kill(_ context.Context, r *TaskExecutionRunnable, ev *TaskKillLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	if !a.waitingRetry(r) {
		return a.unsupported(r, ev)
	}
	r.requestStop(EventTaskKill)
	a.publisher.Publish(NewTaskKilledEvent(r, a.now()))
	return nil
}

func (a *failureTaskAction) Paused(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPausedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	if !a.waitingRetry(r) {
		return a.unsupported(r, ev)
	}
	return a.onPaused(ctx, r, ev.EndTime)
}

func (a *failureTaskAction) Killed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKilledLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	if !a.waitingRetry(r) {
		return a.unsupported(r, ev)
	}
	return a.onKilled(ctx, r, ev.EndTime)
}

// faultToleranceTaskAction NEED_FAULT_TOLERANCE：执行器或master失联后的任务
type faultToleranceTaskAction struct {
	baseTaskAction
}

// Failover 执行器仍在线则尝试接管，否则换一个执行器重新运行
func (a *faultToleranceTaskAction) Failover(ctx context.Context, r *TaskExecutionRunnable, ev *TaskFailoverLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	log := a.taskLog(r)
	host := r.Instance().Host
	if a.selector.Alive(host) {
		tctx := r.Workflow().ExecutionContext(r, a.masterHost)
		tctx.ExecutorHost = host
		ok, err := a.client.TakeOver(ctx, host, tctx)
		if err != nil {
			log.Warn("接管任务失败", zap.String("host", host), zap.Error(err))
		}
		if ok {
			log.Info("任务仍在执行器上运行，接管成功", zap.String("host", host))
			if err := a.setStatus(ctx, r, task.StatusRunningExecution); err != nil {
				return err
			}
			a.forwardStopRequest(r)
			return nil
		}
	}

	a.releaseSlot(ctx, r)
	switch r.Workflow().Status() {
	case workflow.StatusReadyPause:
		return a.onPaused(ctx, r, a.now())
	case workflow.StatusReadyStop:
		return a.onKilled(ctx, r, a.now())
	}
	nr, err := a.newAttempt(ctx, r, false)
	if err != nil {
		return err
	}
	a.taskLog(nr).Info("执行器不可用，任务重新提交", zap.String("lostHost", host))
	a.publisher.Publish(NewTaskStartEvent(nr))
	return nil
}

func (a *faultToleranceTaskAction) Pause(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPauseLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	r.requestStop(EventTaskPause)
	if err := a.client.Pause(ctx, r.Instance().Host, r.ID()); err != nil {
		a.taskLog(r).Debug("容错中的任务暂停命令未送达", zap.Error(err))
	}
	return a.onPaused(ctx, r, a.now())
}

func (a *faultToleranceTaskAction) Kill(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKillLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	r.requestStop(EventTaskKill)
	if err := a.client.Kill(ctx, r.Instance().Host, r.ID()); err != nil {
		a.taskLog(r).Debug("容错中的任务停止命令未送达", zap.Error(err))
	}
	return a.onKilled(ctx, r, a.now())
}

func (a *faultToleranceTaskAction) Paused(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPausedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onPaused(ctx, r, ev.EndTime)
}

func (a *faultToleranceTaskAction) Killed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKilledLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onKilled(ctx, r, ev.EndTime)
}

func (a *faultToleranceTaskAction) Failed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskFailedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onFailed(ctx, r, ev.EndTime, ev.Message)
}

func (a *faultToleranceTaskAction) Success(ctx context.Context, r *TaskExecutionRunnable, ev *TaskSuccessLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onSuccess(ctx, r, ev.EndTime, ev.VarPool)
}

// terminalTaskAction PAUSE/KILL/SUCCESS：终态，只记录告警
type terminalTaskAction struct {
	baseTaskAction
}

var (
	_ TaskStateAction = (*failureTaskAction)(nil)
	_ TaskStateAction = (*faultToleranceTaskAction)(nil)
	_ TaskStateAction = (*terminalTaskAction)(nil)
)
