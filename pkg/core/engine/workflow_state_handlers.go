package engine

import (
	"context"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"go.uber.org/zap"
)

// submittedWorkflowAction SUBMITTED_SUCCESS：等待开始
type submittedWorkflowAction struct {
	baseWorkflowAction
}

func (a *submittedWorkflowAction) Start(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStartLifecycleEvent) error {
	if err := a.precheck(w, ev); err != nil {
		return err
	}
	if err := a.persistWorkflow(ctx, w, func(wi *workflow.WorkflowInstance) {
		wi.Status = workflow.StatusRunningExecution
		if wi.StartTime.IsZero() {
			wi.StartTime = a.now()
		}
	}); err != nil {
		return err
	}
	a.workflowLog(w).Info("工作流开始运行")
	a.triggerStartNodes(ctx, w)
	a.advance(ctx, w)
	a.finish(w)
	return nil
}

// runningWorkflowAction RUNNING_EXECUTION
type runningWorkflowAction struct {
	baseWorkflowAction
}

func (a *runningWorkflowAction) TopologyTransition(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowTopologyTransitionLifecycleEvent) error {
	if ok, err := a.check(w, ev); !ok {
		return err
	}
	a.advance(ctx, w)
	a.finish(w)
	return nil
}

func (a *runningWorkflowAction) Pause(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPauseLifecycleEvent) error {
	if err := a.precheck(w, ev); err != nil {
		return err
	}
	return a.stopAll(ctx, w, workflow.StatusReadyPause, EventTaskPause)
}

func (a *runningWorkflowAction) Stop(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStopLifecycleEvent) error {
	if err := a.precheck(w, ev); err != nil {
		return err
	}
	return a.stopAll(ctx, w, workflow.StatusReadyStop, EventTaskKill)
}

// stopAll 进入等待暂停/停止状态并通知全部活跃任务
func (a *baseWorkflowAction) stopAll(ctx context.Context, w *WorkflowExecutionRunnable, to workflow.ExecutionStatus, req EventType) error {
	if err := a.persistWorkflow(ctx, w, func(wi *workflow.WorkflowInstance) { wi.Status = to }); err != nil {
		return err
	}
	n := a.requestStopAll(w, req)
	a.workflowLog(w).Info("工作流等待任务停止", zap.Int("activeTasks", n))
	if n == 0 {
		a.finish(w)
	}
	return nil
}

func (a *baseWorkflowAction) finalizeOn(ctx context.Context, w *WorkflowExecutionRunnable, ev LifecycleEvent, status workflow.ExecutionStatus) error {
	if ok, err := a.check(w, ev); !ok {
		return err
	}
	return a.finalize(ctx, w, status)
}

func (a *runningWorkflowAction) Paused(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPausedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusPause)
}

func (a *runningWorkflowAction) Stopped(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStoppedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusStop)
}

func (a *runningWorkflowAction) Succeed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowSucceedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusSuccess)
}

func (a *runningWorkflowAction) Failed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusFailure)
}

// readyPauseWorkflowAction READY_PAUSE：不再触发新任务，等待活跃任务结束
type readyPauseWorkflowAction struct {
	baseWorkflowAction
}

func (a *readyPauseWorkflowAction) TopologyTransition(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowTopologyTransitionLifecycleEvent) error {
	if ok, err := a.check(w, ev); !ok {
		return err
	}
	a.finish(w)
	return nil
}

// Stop 暂停过程中升级为停止
func (a *readyPauseWorkflowAction) Stop(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStopLifecycleEvent) error {
	if err := a.precheck(w, ev); err != nil {
		return err
	}
	return a.stopAll(ctx, w, workflow.StatusReadyStop, EventTaskKill)
}

func (a *readyPauseWorkflowAction) Paused(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPausedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusPause)
}

func (a *readyPauseWorkflowAction) Stopped(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStoppedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusStop)
}

func (a *readyPauseWorkflowAction) Succeed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowSucceedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusSuccess)
}

func (a *readyPauseWorkflowAction) Failed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusFailure)
}

// readyStopWorkflowAction READY_STOP
type readyStopWorkflowAction struct {
	baseWorkflowAction
}

func (a *readyStopWorkflowAction) TopologyTransition(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowTopologyTransitionLifecycleEvent) error {
	if ok, err := a.check(w, ev); !ok {
		return err
	}
	a.finish(w)
	return nil
}

func (a *readyStopWorkflowAction) Paused(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPausedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusPause)
}

func (a *readyStopWorkflowAction) Stopped(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStoppedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusStop)
}

func (a *readyStopWorkflowAction) Succeed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowSucceedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusSuccess)
}

func (a *readyStopWorkflowAction) Failed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailedLifecycleEvent) error {
	return a.finalizeOn(ctx, w, ev, workflow.StatusFailure)
}

// failoverWorkflowAction FAILOVER：从失联master接管后重放活跃任务
type failoverWorkflowAction struct {
	baseWorkflowAction
}

func (a *failoverWorkflowAction) Failover(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailoverLifecycleEvent) error {
	if err := a.precheck(w, ev); err != nil {
		return err
	}
	w.resetFinishing()
	target := w.takeFailoverFrom()
	if !target.IsReadyPauseOrStop() {
		target = workflow.StatusRunningExecution
	}
	if err := a.persistWorkflow(ctx, w, func(wi *workflow.WorkflowInstance) {
		wi.Status = target
		wi.Host = a.masterHost
	}); err != nil {
		return err
	}
	log := a.workflowLog(w)
	log.Info("接管工作流", zap.String("resumeAs", string(target)))

	active := w.Graph().ActiveRunnables()
	for _, r := range active {
		switch r.Status() {
		case task.StatusSubmittedSuccess:
			// 旧master可能在任务组中留下排队或占用记录
			if err := a.slots.ResetSlot(ctx, r.Instance()); err != nil {
				a.taskLog(r).Warn("重置任务组槽位失败", zap.Error(err))
			}
			a.publisher.Publish(NewTaskStartEvent(r))
		case task.StatusDelayExecution:
			a.publisher.Publish(NewTaskDispatchEvent(r))
		case task.StatusDispatch, task.StatusRunningExecution, task.StatusNeedFaultTolerance:
			a.publisher.Publish(NewTaskFailoverEvent(r))
		case task.StatusFailure:
			a.publisher.Publish(NewTaskRetryEvent(r))
		default:
			a.taskLog(r).Warn("活跃任务处于终态，不再重放")
		}
	}

	switch target {
	case workflow.StatusReadyPause:
		a.requestStopAll(w, EventTaskPause)
	case workflow.StatusReadyStop:
		a.requestStopAll(w, EventTaskKill)
	default:
		a.triggerStartNodes(ctx, w)
		a.advance(ctx, w)
	}
	a.finish(w)
	return nil
}

// terminalWorkflowAction PAUSE/STOP/FAILURE/SUCCESS：终态
type terminalWorkflowAction struct {
	baseWorkflowAction
}

var (
	_ WorkflowStateAction = (*submittedWorkflowAction)(nil)
	_ WorkflowStateAction = (*runningWorkflowAction)(nil)
	_ WorkflowStateAction = (*readyPauseWorkflowAction)(nil)
	_ WorkflowStateAction = (*readyStopWorkflowAction)(nil)
	_ WorkflowStateAction = (*failoverWorkflowAction)(nil)
	_ WorkflowStateAction = (*terminalWorkflowAction)(nil)
)
