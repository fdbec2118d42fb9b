package engine

import (
	"context"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"go.uber.org/zap"
)

// submittedTaskAction SUBMITTED_SUCCESS：等待槽位和派发
type submittedTaskAction struct {
	baseTaskAction
}

func (a *submittedTaskAction) Start(ctx context.Context, r *TaskExecutionRunnable, ev *TaskStartLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	switch r.Workflow().Status() {
	case workflow.StatusReadyPause:
		r.requestStop(EventTaskPause)
		return a.onPaused(ctx, r, a.now())
	case workflow.StatusReadyStop:
		r.requestStop(EventTaskKill)
		return a.onKilled(ctx, r, a.now())
	}

	if err := checkTaskParams(r.Definition()); err != nil {
		// 派发前就无法执行，走失败流程
		a.taskLog(r).Error("任务参数校验失败", zap.Error(err))
		if err := a.setStatus(ctx, r, task.StatusFailure); err != nil {
			return err
		}
		a.publisher.Publish(NewTaskStartEvent(r))
		return nil
	}

	acquired, err := a.slots.AcquireSlot(ctx, r.Instance())
	if err != nil {
		a.taskLog(r).Error("申请任务组槽位失败", zap.Error(err))
		return a.onFailed(ctx, r, a.now(), err.Error())
	}
	if !acquired {
		a.taskLog(r).Info("任务组槽位不足，等待唤醒")
		return nil
	}
	a.publisher.Publish(NewTaskDispatchEvent(r))
	return nil
}

// checkTaskParams 派发前的参数校验
func checkTaskParams(def *task.TaskDefinition) error {
	if task.IsConditionTask(def.TaskType) {
		if _, err := task.ParseConditionParams(def.TaskParams); err != nil {
			return err
		}
	}
	return nil
}

func (a *submittedTaskAction) Dispatch(ctx context.Context, r *TaskExecutionRunnable, ev *TaskDispatchLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	if r.StopRequest() != "" {
		return a.onStopRequested(ctx, r, a.now())
	}
	remaining := r.Instance().RemainingDelay(a.now())
	if remaining > 0 && r.Status() != task.StatusDelayExecution {
		if err := a.setStatus(ctx, r, task.StatusDelayExecution); err != nil {
			return err
		}
		a.taskLog(r).Info("任务延迟派发", zap.Duration("delay", remaining))
	}
	if !a.dispatcher.Offer(r, remaining) {
		a.taskLog(r).Debug("任务已在派发队列中")
	}
	return nil
}

func (a *submittedTaskAction) Dispatched(ctx context.Context, r *TaskExecutionRunnable, ev *TaskDispatchedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	if err := a.transition(ctx, r, func(ti *task.TaskInstance) {
		ti.Status = task.StatusDispatch
		ti.Host = ev.Host
	}); err != nil {
		return err
	}
	a.forwardStopRequest(r)
	return nil
}

func (a *submittedTaskAction) Running(ctx context.Context, r *TaskExecutionRunnable, ev *TaskRunningLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	if err := markRunning(ctx, a.actionContext, r, ev); err != nil {
		return err
	}
	a.forwardStopRequest(r)
	return nil
}

func markRunning(ctx context.Context, c *actionContext, r *TaskExecutionRunnable, ev *TaskRunningLifecycleEvent) error {
	return c.transition(ctx, r, func(ti *task.TaskInstance) {
		ti.Status = task.StatusRunningExecution
		if ev.Host != "" {
			ti.Host = ev.Host
		}
		if ev.LogPath != "" {
			ti.LogPath = ev.LogPath
		}
		start := ev.StartTime
		if start.IsZero() {
			start = c.now()
		}
		ti.StartTime = &start
	})
}

func (a *submittedTaskAction) Pause(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPauseLifecycleEvent) error {
	return a.stopQueued(ctx, r, ev, EventTaskPause)
}

func (a *submittedTaskAction) Kill(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKillLifecycleEvent) error {
	return a.stopQueued(ctx, r, ev, EventTaskKill)
}

// stopQueued 任务还没交给执行器：从任务组等待队列或派发队列移除成功就地结束，
// 否则由派发流程在下一步看到停止请求后处理
func (a *submittedTaskAction) stopQueued(ctx context.Context, r *TaskExecutionRunnable, ev LifecycleEvent, req EventType) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	r.requestStop(req)
	removed, err := a.slots.RemoveWaiting(ctx, r.ID())
	if err != nil {
		a.taskLog(r).Warn("移出任务组等待队列失败", zap.Error(err))
	}
	if !removed {
		removed = a.dispatcher.Remove(r)
	}
	if !removed {
		a.taskLog(r).Debug("任务正在派发，停止请求稍后处理", zap.String("request", string(req)))
		return nil
	}
	return a.onStopRequested(ctx, r, a.now())
}

func (a *submittedTaskAction) Paused(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPausedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onPaused(ctx, r, ev.EndTime)
}

func (a *submittedTaskAction) Killed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKilledLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onKilled(ctx, r, ev.EndTime)
}

func (a *submittedTaskAction) Failed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskFailedLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onFailed(ctx, r, ev.EndTime, ev.Message)
}

func (a *submittedTaskAction) Success(ctx context.Context, r *TaskExecutionRunnable, ev *TaskSuccessLifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	return a.onSuccess(ctx, r, ev.EndTime, ev.VarPool)
}

// delayExecutionTaskAction DELAY_EXECUTION：在派发队列中等待延迟到期
type delayExecutionTaskAction struct {
	submittedTaskAction
}

// Start 延迟中的任务不会再次开始
func (a *delayExecutionTaskAction) Start(_ context.Context, r *TaskExecutionRunnable, ev *TaskStartLifecycleEvent) error {
	if err := a.precheck(r, ev); err != nil {
		return err
	}
	return a.unsupported(r, ev)
}

var (
	_ TaskStateAction = (*submittedTaskAction)(nil)
	_ TaskStateAction = (*delayExecutionTaskAction)(nil)
)
