package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/LENAX/dag-master/pkg/core/task"
	"go.uber.org/zap"
)

// TaskStateAction 某个任务状态下对各生命周期事件的处理
type TaskStateAction interface {
	Status() task.ExecutionStatus

	Start(ctx context.Context, r *TaskExecutionRunnable, ev *TaskStartLifecycleEvent) error
	Running(ctx context.Context, r *TaskExecutionRunnable, ev *TaskRunningLifecycleEvent) error
	Retry(ctx context.Context, r *TaskExecutionRunnable, ev *TaskRetryLifecycleEvent) error
	Dispatch(ctx context.Context, r *TaskExecutionRunnable, ev *TaskDispatchLifecycleEvent) error
	Dispatched(ctx context.Context, r *TaskExecutionRunnable, ev *TaskDispatchedLifecycleEvent) error
	Pause(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPauseLifecycleEvent) error
	Paused(ctx context.Context, r *TaskExecutionRunnable, ev *TaskPausedLifecycleEvent) error
	Kill(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKillLifecycleEvent) error
	Killed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskKilledLifecycleEvent) error
	Failed(ctx context.Context, r *TaskExecutionRunnable, ev *TaskFailedLifecycleEvent) error
	Success(ctx context.Context, r *TaskExecutionRunnable, ev *TaskSuccessLifecycleEvent) error
	Failover(ctx context.Context, r *TaskExecutionRunnable, ev *TaskFailoverLifecycleEvent) error
}

// TaskStateActionTable 任务状态 -> 状态动作
type TaskStateActionTable struct {
	actions map[task.ExecutionStatus]TaskStateAction
}

// NewTaskStateActionTable 构建动作表，每个任务状态必须恰好有一个动作
func NewTaskStateActionTable(actions ...TaskStateAction) (*TaskStateActionTable, error) {
	t := &TaskStateActionTable{actions: make(map[task.ExecutionStatus]TaskStateAction, len(actions))}
	for _, a := range actions {
		if a == nil {
			return nil, fmt.Errorf("任务状态动作不能为nil")
		}
		if _, dup := t.actions[a.Status()]; dup {
			return nil, fmt.Errorf("任务状态 %s 注册了多个动作", a.Status())
		}
		t.actions[a.Status()] = a
	}
	for _, s := range task.AllExecutionStatuses() {
		if _, ok := t.actions[s]; !ok {
			return nil, fmt.Errorf("任务状态 %s 没有对应的动作", s)
		}
	}
	return t, nil
}

// Get 按状态取动作
func (t *TaskStateActionTable) Get(s task.ExecutionStatus) (TaskStateAction, bool) {
	a, ok := t.actions[s]
	return a, ok
}

// Fire 按任务当前状态分发事件
func (t *TaskStateActionTable) Fire(ctx context.Context, ev TaskLifecycleEvent) error {
	r := ev.Task()
	action, ok := t.actions[r.Status()]
	if !ok {
		return fmt.Errorf("任务状态 %s 没有对应的动作", r.Status())
	}
	switch e := ev.(type) {
	case *TaskStartLifecycleEvent:
		return action.Start(ctx, r, e)
	case *TaskRunningLifecycleEvent:
		return action.Running(ctx, r, e)
	case *TaskRetryLifecycleEvent:
		return action.Retry(ctx, r, e)
	case *TaskDispatchLifecycleEvent:
		return action.Dispatch(ctx, r, e)
	case *TaskDispatchedLifecycleEvent:
		return action.Dispatched(ctx, r, e)
	case *TaskPauseLifecycleEvent:
		return action.Pause(ctx, r, e)
	case *TaskPausedLifecycleEvent:
		return action.Paused(ctx, r, e)
	case *TaskKillLifecycleEvent:
		return action.Kill(ctx, r, e)
	case *TaskKilledLifecycleEvent:
		return action.Killed(ctx, r, e)
	case *TaskFailedLifecycleEvent:
		return action.Failed(ctx, r, e)
	case *TaskSuccessLifecycleEvent:
		return action.Success(ctx, r, e)
	case *TaskFailoverLifecycleEvent:
		return action.Failover(ctx, r, e)
	}
	return fmt.Errorf("未知的任务事件: %T", ev)
}

// errEventIgnored 迟到或重复的回报，丢弃即可
var errEventIgnored = errors.New("event ignored")

// baseTaskAction 公共部分：前置状态校验，未支持的事件只记录告警
type baseTaskAction struct {
	*actionContext
	status task.ExecutionStatus
}

// Status 实现TaskStateAction
func (a *baseTaskAction) Status() task.ExecutionStatus {
	return a.status
}

// precheck 任务状态必须与动作一致
// 回报类事件不一致时返回errEventIgnored，其余返回IllegalStateError
func (a *baseTaskAction) precheck(r *TaskExecutionRunnable, ev LifecycleEvent) error {
	actual := r.Status()
	if actual == a.status {
		return nil
	}
	if ev.Type().IsAck() {
		a.taskLog(r).Warn("任务状态已变化，忽略回报事件",
			zap.String("expected", string(a.status)), zap.String("event", string(ev.Type())))
		return errEventIgnored
	}
	return &IllegalStateError{
		TaskInstanceID:     r.ID(),
		WorkflowInstanceID: r.Workflow().ID(),
		Actual:             string(actual),
		Expected:           string(a.status),
		Event:              string(ev.Type()),
	}
}

// check 执行前置校验；被忽略的回报返回(false, nil)
func (a *baseTaskAction) check(r *TaskExecutionRunnable, ev LifecycleEvent) (bool, error) {
	if err := a.precheck(r, ev); err != nil {
		if errors.Is(err, errEventIgnored) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// unsupported 当前状态不处理该事件；状态不符时仍按precheck的规则报错
func (a *baseTaskAction) unsupported(r *TaskExecutionRunnable, ev LifecycleEvent) error {
	if ok, err := a.check(r, ev); !ok {
		return err
	}
	a.taskLog(r).Warn("当前状态不支持该事件，忽略", zap.String("event", string(ev.Type())))
	return nil
}

func (a *baseTaskAction) Start(_ context.Context, r *TaskExecutionRunnable, ev *TaskStartLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Running(_ context.Context, r *TaskExecutionRunnable, ev *TaskRunningLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Retry(_ context.Context, r *TaskExecutionRunnable, ev *TaskRetryLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Dispatch(_ context.Context, r *TaskExecutionRunnable, ev *TaskDispatchLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Dispatched(_ context.Context, r *TaskExecutionRunnable, ev *TaskDispatchedLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Pause(_ context.Context, r *TaskExecutionRunnable, ev *TaskPauseLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Paused(_ context.Context, r *TaskExecutionRunnable, ev *TaskPausedLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Kill(_ context.Context, r *TaskExecutionRunnable, ev *TaskKillLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Killed(_ context.Context, r *TaskExecutionRunnable, ev *TaskKilledLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Failed(_ context.Context, r *TaskExecutionRunnable, ev *TaskFailedLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Success(_ context.Context, r *TaskExecutionRunnable, ev *TaskSuccessLifecycleEvent) error {
	return a.unsupported(r, ev)
}

func (a *baseTaskAction) Failover(_ context.Context, r *TaskExecutionRunnable, ev *TaskFailoverLifecycleEvent) error {
	return a.unsupported(r, ev)
}

// newDefaultTaskStateActionTable 全部任务状态的默认动作
func newDefaultTaskStateActionTable(c *actionContext) (*TaskStateActionTable, error) {
	return NewTaskStateActionTable(
		&submittedTaskAction{baseTaskAction{c, task.StatusSubmittedSuccess}},
		&delayExecutionTaskAction{submittedTaskAction{baseTaskAction{c, task.StatusDelayExecution}}},
		&dispatchTaskAction{runningTaskAction{baseTaskAction{c, task.StatusDispatch}}},
		&runningTaskAction{baseTaskAction{c, task.StatusRunningExecution}},
		&terminalTaskAction{baseTaskAction{c, task.StatusPause}},
		&terminalTaskAction{baseTaskAction{c, task.StatusKill}},
		&terminalTaskAction{baseTaskAction{c, task.StatusSuccess}},
		&failureTaskAction{baseTaskAction{c, task.StatusFailure}},
		&faultToleranceTaskAction{baseTaskAction{c, task.StatusNeedFaultTolerance}},
	)
}
