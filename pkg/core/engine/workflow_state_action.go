package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/core/dag"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"go.uber.org/zap"
)

// WorkflowStateAction 某个工作流状态下对各生命周期事件的处理
type WorkflowStateAction interface {
	Status() workflow.ExecutionStatus

	Start(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStartLifecycleEvent) error
	Failover(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailoverLifecycleEvent) error
	TopologyTransition(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowTopologyTransitionLifecycleEvent) error
	Pause(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPauseLifecycleEvent) error
	Stop(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStopLifecycleEvent) error
	Paused(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPausedLifecycleEvent) error
	Stopped(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStoppedLifecycleEvent) error
	Succeed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowSucceedLifecycleEvent) error
	Failed(ctx context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailedLifecycleEvent) error
}

// WorkflowStateActionTable 工作流状态 -> 状态动作
type WorkflowStateActionTable struct {
	actions map[workflow.ExecutionStatus]WorkflowStateAction
}

// NewWorkflowStateActionTable 构建动作表，每个工作流状态必须恰好有一个动作
func NewWorkflowStateActionTable(actions ...WorkflowStateAction) (*WorkflowStateActionTable, error) {
	t := &WorkflowStateActionTable{actions: make(map[workflow.ExecutionStatus]WorkflowStateAction, len(actions))}
	for _, a := range actions {
		if a == nil {
			return nil, fmt.Errorf("工作流状态动作不能为nil")
		}
		if _, dup := t.actions[a.Status()]; dup {
			return nil, fmt.Errorf("工作流状态 %s 注册了多个动作", a.Status())
		}
		t.actions[a.Status()] = a
	}
	for _, s := range workflow.AllExecutionStatuses() {
		if _, ok := t.actions[s]; !ok {
			return nil, fmt.Errorf("工作流状态 %s 没有对应的动作", s)
		}
	}
	return t, nil
}

// Get 按状态取动作
func (t *WorkflowStateActionTable) Get(s workflow.ExecutionStatus) (WorkflowStateAction, bool) {
	a, ok := t.actions[s]
	return a, ok
}

// Fire 按工作流当前状态分发事件
func (t *WorkflowStateActionTable) Fire(ctx context.Context, ev LifecycleEvent) error {
	w := ev.Workflow()
	action, ok := t.actions[w.Status()]
	if !ok {
		return fmt.Errorf("工作流状态 %s 没有对应的动作", w.Status())
	}
	switch e := ev.(type) {
	case *WorkflowStartLifecycleEvent:
		return action.Start(ctx, w, e)
	case *WorkflowFailoverLifecycleEvent:
		return action.Failover(ctx, w, e)
	case *WorkflowTopologyTransitionLifecycleEvent:
		return action.TopologyTransition(ctx, w, e)
	case *WorkflowPauseLifecycleEvent:
		return action.Pause(ctx, w, e)
	case *WorkflowStopLifecycleEvent:
		return action.Stop(ctx, w, e)
	case *WorkflowPausedLifecycleEvent:
		return action.Paused(ctx, w, e)
	case *WorkflowStoppedLifecycleEvent:
		return action.Stopped(ctx, w, e)
	case *WorkflowSucceedLifecycleEvent:
		return action.Succeed(ctx, w, e)
	case *WorkflowFailedLifecycleEvent:
		return action.Failed(ctx, w, e)
	}
	return fmt.Errorf("未知的工作流事件: %T", ev)
}

// baseWorkflowAction 公共部分：前置校验、拓扑推进和收尾
type baseWorkflowAction struct {
	*actionContext
	status workflow.ExecutionStatus
}

// Status 实现WorkflowStateAction
func (a *baseWorkflowAction) Status() workflow.ExecutionStatus {
	return a.status
}

func (a *baseWorkflowAction) precheck(w *WorkflowExecutionRunnable, ev LifecycleEvent) error {
	actual := w.Status()
	if actual == a.status {
		return nil
	}
	if ev.Type().IsAck() {
		a.workflowLog(w).Warn("工作流状态已变化，忽略回报事件",
			zap.String("expected", string(a.status)), zap.String("event", string(ev.Type())))
		return errEventIgnored
	}
	return &IllegalStateError{
		WorkflowInstanceID: w.ID(),
		Actual:             string(actual),
		Expected:           string(a.status),
		Event:              string(ev.Type()),
	}
}

func (a *baseWorkflowAction) check(w *WorkflowExecutionRunnable, ev LifecycleEvent) (bool, error) {
	if err := a.precheck(w, ev); err != nil {
		if errors.Is(err, errEventIgnored) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (a *baseWorkflowAction) unsupported(w *WorkflowExecutionRunnable, ev LifecycleEvent) error {
	if ok, err := a.check(w, ev); !ok {
		return err
	}
	a.workflowLog(w).Warn("当前状态不支持该事件，忽略", zap.String("event", string(ev.Type())))
	return nil
}

func (a *baseWorkflowAction) Start(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStartLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) Failover(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailoverLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) TopologyTransition(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowTopologyTransitionLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) Pause(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPauseLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) Stop(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStopLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) Paused(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowPausedLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) Stopped(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowStoppedLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) Succeed(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowSucceedLifecycleEvent) error {
	return a.unsupported(w, ev)
}

func (a *baseWorkflowAction) Failed(_ context.Context, w *WorkflowExecutionRunnable, ev *WorkflowFailedLifecycleEvent) error {
	return a.unsupported(w, ev)
}

// triggerStartNodes 提交尚未开始的起始节点
func (a *baseWorkflowAction) triggerStartNodes(ctx context.Context, w *WorkflowExecutionRunnable) {
	graph := w.Graph()
	for _, def := range graph.StartNodes() {
		if _, ok := graph.Runnable(def.Code); ok {
			continue
		}
		if graph.Mark(def.Code) != dag.MarkNone {
			continue
		}
		a.submitTask(ctx, w, def)
	}
}

// advance 反复评估全部节点直到没有新的触发或跳过
func (a *baseWorkflowAction) advance(ctx context.Context, w *WorkflowExecutionRunnable) {
	graph := w.Graph()
	for changed := true; changed; {
		changed = false
		for _, def := range graph.TaskDefinitions() {
			switch graph.Evaluate(def.Code) {
			case dag.DecisionTrigger:
				a.submitTask(ctx, w, def)
				changed = true
			case dag.DecisionSkip:
				graph.MarkSkip(def.Code)
				a.workflowLog(w).Debug("任务被跳过", zap.Int64("taskCode", def.Code), zap.String("taskName", def.Name))
				changed = true
			}
		}
	}
}

// submitTask 为节点创建首个任务实例并发布开始事件
func (a *baseWorkflowAction) submitTask(ctx context.Context, w *WorkflowExecutionRunnable, def *task.TaskDefinition) {
	ti := task.NewTaskInstance(def, w.ID(), a.now())
	graph := w.Graph()
	if err := a.taskRepo.CreateTaskInstance(ctx, ti); err != nil {
		a.workflowLog(w).Error("创建任务实例失败", zap.Int64("taskCode", def.Code), zap.Error(err))
		graph.MarkTaskExecutionRunnableChainFailure(def.Code)
		return
	}
	r := newTaskExecutionRunnable(w, def, ti)
	w.registerTask(r)
	graph.BindRunnable(def.Code, r)
	a.metrics.TaskTransitions.WithLabelValues(string(ti.Status)).Inc()
	a.taskLog(r).Info("提交任务")
	a.publisher.Publish(NewTaskStartEvent(r))
}

// requestStopAll 向所有活跃任务发送暂停或停止请求，返回请求数
func (a *baseWorkflowAction) requestStopAll(w *WorkflowExecutionRunnable, req EventType) int {
	active := w.Graph().ActiveRunnables()
	for _, r := range active {
		r.requestStop(req)
		if req == EventTaskKill {
			a.publisher.Publish(NewTaskKillEvent(r))
		} else {
			a.publisher.Publish(NewTaskPauseEvent(r))
		}
	}
	return len(active)
}

// finish 没有活跃任务时按标记决定结束状态并发布终态事件
func (a *baseWorkflowAction) finish(w *WorkflowExecutionRunnable) {
	graph := w.Graph()
	if graph.HasActive() {
		return
	}
	if !w.markFinishing() {
		return
	}
	result := EventWorkflowSucceed
	marks := graph.CountMarks()
	switch {
	case w.Status() == workflow.StatusReadyPause:
		result = EventWorkflowPaused
	case w.Status() == workflow.StatusReadyStop:
		result = EventWorkflowStopped
	case marks[dag.MarkFailure] > 0:
		result = EventWorkflowFailed
	case marks[dag.MarkKill] > 0:
		result = EventWorkflowStopped
	case marks[dag.MarkPause] > 0:
		result = EventWorkflowPaused
	}
	a.workflowLog(w).Info("工作流没有活跃任务，准备结束", zap.String("result", string(result)))
	a.publisher.Publish(newWorkflowFinishEvent(w, result))
}

// finalize 持久化终态并释放工作流占用的资源
func (a *baseWorkflowAction) finalize(ctx context.Context, w *WorkflowExecutionRunnable, status workflow.ExecutionStatus) error {
	end := a.now()
	err := a.persistWorkflow(ctx, w, func(wi *workflow.WorkflowInstance) {
		wi.Status = status
		wi.EndTime = &end
	})
	a.workflows.Remove(w)
	if n := w.Bus().close(); n > 0 && a.discarded != nil {
		a.discarded(n)
	}
	start := w.Instance().StartTime
	if rt := w.Instance().RestartTime; rt != nil {
		start = *rt
	}
	a.metrics.WorkflowFinished.WithLabelValues(string(status)).Inc()
	a.metrics.WorkflowDuration.Observe(end.Sub(start).Seconds())
	a.metrics.ActiveWorkflows.Set(float64(a.workflows.Len()))
	a.workflowLog(w).Info("工作流结束", zap.Duration("elapsed", end.Sub(start).Truncate(time.Millisecond)))
	return err
}

// newDefaultWorkflowStateActionTable 全部工作流状态的默认动作
func newDefaultWorkflowStateActionTable(c *actionContext) (*WorkflowStateActionTable, error) {
	return NewWorkflowStateActionTable(
		&submittedWorkflowAction{baseWorkflowAction{c, workflow.StatusSubmittedSuccess}},
		&runningWorkflowAction{baseWorkflowAction{c, workflow.StatusRunningExecution}},
		&readyPauseWorkflowAction{baseWorkflowAction{c, workflow.StatusReadyPause}},
		&readyStopWorkflowAction{baseWorkflowAction{c, workflow.StatusReadyStop}},
		&failoverWorkflowAction{baseWorkflowAction{c, workflow.StatusFailover}},
		&terminalWorkflowAction{baseWorkflowAction{c, workflow.StatusPause}},
		&terminalWorkflowAction{baseWorkflowAction{c, workflow.StatusStop}},
		&terminalWorkflowAction{baseWorkflowAction{c, workflow.StatusFailure}},
		&terminalWorkflowAction{baseWorkflowAction{c, workflow.StatusSuccess}},
	)
}
