package engine

import (
	"context"
	"errors"

	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
	"go.uber.org/zap"
)

// runningTaskAction RUNNING_EXECUTION：任务在执行器上运行，等待回报
type runningTaskAction struct {
	baseTaskAction
}

func (a *runningTaskAction) Pause(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPauseLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	r.requestStop(EventTaskPause)
	host := r.Instance().Host
	err := a.client.Pause(ctx, host, r.ID())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, executor.ErrTaskNotFound):
		// 执行器上已经没有该任务，直接本地收尾
		return a.onPaused(ctx, r, a.now())
	}
	a.taskLog(r).Warn("向执行器发送暂停命令失败", zap.String("host", host), zap.Error(err))
	return nil
}

func (a *runningTaskAction) Kill(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKillLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	r.requestStop(EventTaskKill)
	host := r.Instance().Host
	err := a.client.Kill(ctx, host, r.ID())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, executor.ErrTaskNotFound):
		return a.onKilled(ctx, r, a.now())
	}
	a.taskLog(r).Warn("向执行器发送停止命令失败", zap.String("host", host), zap.Error(err))
	return nil
}

func (a *runningTaskAction) Paused(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPausedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onPaused(ctx, r, ev.EndTime)
}

func (a *runningTaskAction) Killed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKilledLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onKilled(ctx, r, ev.EndTime)
}

func (a *runningTaskAction) Failed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskFailedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onFailed(ctx, r, ev.EndTime, ev.Message)
}

func (a *runningTaskAction) Success(ctx context.Context, r *TaskExecutionRunnable, ev *TaskSuccessLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onSuccess(ctx, r, ev.EndTime, ev.VarPool)
}

// Failover 执行器失联，转入容错状态后重新判断
func (a *runningTaskAction) Failover(ctx context.Context, r *TaskExecutionRunnable, ev *TaskFailoverLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	if err := a.setStatus(ctx, r, task.StatusNeedFaultTolerance); err != nil {
		return err
	}
	a.publisher.Publish(NewTaskFailoverEvent(r))
	return nil
}

// dispatchTaskAction DISPATCH：已交给执行器，尚未开始运行
type dispatchTaskAction struct {
	runningTaskAction
}

func (a *dispatchTaskAction) Running(ctx context.Context, r *TaskExecutionRunnable, ev *TaskRunningLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return markRunning(ctx, a.actionContext, r, ev)
}

var (
	_ TaskStateAction = (*runningTaskAction)(nil)
	_ TaskStateAction = (*dispatchTaskAction)(nil)
)
