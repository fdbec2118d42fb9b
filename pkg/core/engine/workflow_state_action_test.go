package engine

import (
	"context"
	"testing"

	"github.com/LENAX/dag-master/pkg/core/dag"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowStateActionTable_MustCoverEveryStatus(t *testing.T) {
	h := newActionHarness(t)
	base := func(s workflow.ExecutionStatus) WorkflowStateAction {
		return &terminalWorkflowAction{baseWorkflowAction{h.c, s}}
	}
	var all []WorkflowStateAction
	for _, s := range workflow.AllExecutionStatuses() {
		all = append(all, base(s))
	}
	_, err := NewWorkflowStateActionTable(all...)
	require.NoError(t, err)

	_, err = NewWorkflowStateActionTable(all[:len(all)-1]...)
	assert.Error(t, err)

	_, err = NewWorkflowStateActionTable(append(all, base(workflow.StatusFailover))...)
	assert.Error(t, err)
}

type workflowCall struct {
	name string
	ack  bool
	fire func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error
}

func workflowCalls() []workflowCall {
	return []workflowCall{
		{"start", false, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Start(ctx, w, NewWorkflowStartEvent(w))
		}},
		{"failover", false, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Failover(ctx, w, NewWorkflowFailoverEvent(w))
		}},
		{"pause", false, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Pause(ctx, w, NewWorkflowPauseEvent(w))
		}},
		{"stop", false, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Stop(ctx, w, NewWorkflowStopEvent(w))
		}},
		{"topology", true, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.TopologyTransition(ctx, w, NewWorkflowTopologyTransitionEvent(w, nil))
		}},
		{"paused", true, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Paused(ctx, w, newWorkflowFinishEvent(w, EventWorkflowPaused).(*WorkflowPausedLifecycleEvent))
		}},
		{"stopped", true, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Stopped(ctx, w, newWorkflowFinishEvent(w, EventWorkflowStopped).(*WorkflowStoppedLifecycleEvent))
		}},
		{"succeed", true, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Succeed(ctx, w, newWorkflowFinishEvent(w, EventWorkflowSucceed).(*WorkflowSucceedLifecycleEvent))
		}},
		{"failed", true, func(ctx context.Context, a WorkflowStateAction, w *WorkflowExecutionRunnable) error {
			return a.Failed(ctx, w, newWorkflowFinishEvent(w, EventWorkflowFailed).(*WorkflowFailedLifecycleEvent))
		}},
	}
}

func TestWorkflowStateActions_RejectMismatchedStatus(t *testing.T) {
	statuses := workflow.AllExecutionStatuses()
	for i, s := range statuses {
		actual := statuses[(i+1)%len(statuses)]
		t.Run(string(s), func(t *testing.T) {
			h := newActionHarness(t)
			a, ok := h.workflows.Get(s)
			require.True(t, ok)
			for j, call := range workflowCalls() {
				w := h.newWorkflow(t, newSpec(int64(1000+i*20+j), []task.TaskDefinition{shellTask(1, "a")}), actual)
				err := call.fire(h.ctx, a, w)
				if call.ack {
					assert.NoError(t, err, call.name)
				} else {
					assert.ErrorIs(t, err, ErrIllegalState, call.name)
				}
				assert.Equal(t, actual, w.Status(), call.name)
			}
			assert.Empty(t, h.publisher.types())
		})
	}
}

func TestSubmittedWorkflow_StartSubmitsRootTasks(t *testing.T) {
	h := newActionHarness(t)
	spec := newSpec(400, []task.TaskDefinition{shellTask(1, "a"), shellTask(2, "b"), shellTask(3, "c")}, [2]int64{1, 3}, [2]int64{2, 3})
	w := h.newWorkflow(t, spec, workflow.StatusSubmittedSuccess)

	require.NoError(t, h.workflows.Fire(h.ctx, NewWorkflowStartEvent(w)))
	assert.Equal(t, workflow.StatusRunningExecution, w.Status())
	assert.False(t, w.Instance().StartTime.IsZero())
	assert.Equal(t, []EventType{EventTaskStart, EventTaskStart}, h.publisher.types())
	assert.True(t, w.Graph().IsActive(1))
	assert.True(t, w.Graph().IsActive(2))
	_, triggered := w.Graph().Runnable(3)
	assert.False(t, triggered)

	persisted, err := h.store.GetWorkflowInstance(h.ctx, w.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunningExecution, persisted.Status)
}

func TestRunningWorkflow_TopologyWaitsForAllPredecessors(t *testing.T) {
	h := newActionHarness(t)
	spec := newSpec(401, []task.TaskDefinition{shellTask(1, "a"), shellTask(2, "b"), shellTask(3, "c")}, [2]int64{1, 3}, [2]int64{2, 3})
	w := h.newWorkflow(t, spec, workflow.StatusRunningExecution)
	a := h.newTask(t, w, 1, task.StatusSuccess)
	h.newTask(t, w, 2, task.StatusRunningExecution)
	w.Graph().MarkTaskExecutionRunnableInActive(1)

	require.NoError(t, h.workflows.Fire(h.ctx, NewWorkflowTopologyTransitionEvent(w, a)))
	_, triggered := w.Graph().Runnable(3)
	assert.False(t, triggered, "c还有未完成的前驱")
	assert.Empty(t, h.publisher.types())
}

func TestRunningWorkflow_FinishResolution(t *testing.T) {
	cases := []struct {
		name string
		mark func(g *dag.WorkflowExecutionGraph[*TaskExecutionRunnable])
		want EventType
	}{
		{"all success", func(*dag.WorkflowExecutionGraph[*TaskExecutionRunnable]) {}, EventWorkflowSucceed},
		{"failure wins over kill", func(g *dag.WorkflowExecutionGraph[*TaskExecutionRunnable]) {
			g.MarkTaskExecutionRunnableChainKill(1)
			g.MarkTaskExecutionRunnableChainFailure(2)
		}, EventWorkflowFailed},
		{"kill", func(g *dag.WorkflowExecutionGraph[*TaskExecutionRunnable]) {
			g.MarkTaskExecutionRunnableChainKill(2)
		}, EventWorkflowStopped},
		{"pause", func(g *dag.WorkflowExecutionGraph[*TaskExecutionRunnable]) {
			g.MarkTaskExecutionRunnableChainPause(2)
		}, EventWorkflowPaused},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newActionHarness(t)
			w := h.newWorkflow(t, newSpec(int64(410+i), []task.TaskDefinition{shellTask(1, "a"), shellTask(2, "b")}), workflow.StatusRunningExecution)
			for _, code := range []int64{1, 2} {
				h.newTask(t, w, code, task.StatusSuccess)
				w.Graph().MarkTaskExecutionRunnableInActive(code)
			}
			tc.mark(w.Graph())

			require.NoError(t, h.workflows.Fire(h.ctx, NewWorkflowTopologyTransitionEvent(w, nil)))
			require.Equal(t, []EventType{tc.want}, h.publisher.types())

			// 结束事件只发布一次
			require.NoError(t, h.workflows.Fire(h.ctx, NewWorkflowTopologyTransitionEvent(w, nil)))
			assert.Len(t, h.publisher.types(), 1)
		})
	}
}

func TestRunningWorkflow_PauseRequestsActiveTasks(t *testing.T) {
	h := newActionHarness(t)
	w := h.newWorkflow(t, newSpec(420, []task.TaskDefinition{shellTask(1, "a"), shellTask(2, "b")}), workflow.StatusRunningExecution)
	r1 := h.newTask(t, w, 1, task.StatusRunningExecution)
	r2 := h.newTask(t, w, 2, task.StatusSubmittedSuccess)

	require.NoError(t, h.workflows.Fire(h.ctx, NewWorkflowPauseEvent(w)))
	assert.Equal(t, workflow.StatusReadyPause, w.Status())
	assert.ElementsMatch(t, []EventType{EventTaskPause, EventTaskPause}, h.publisher.types())
	assert.Equal(t, EventTaskPause, r1.StopRequest())
	assert.Equal(t, EventTaskPause, r2.StopRequest())

	// 暂停过程中升级为停止
	require.NoError(t, h.workflows.Fire(h.ctx, NewWorkflowStopEvent(w)))
	assert.Equal(t, workflow.StatusReadyStop, w.Status())
	assert.Equal(t, EventTaskKill, r1.StopRequest())
}

func TestRunningWorkflow_PauseWithoutActiveTasksFinishesImmediately(t *testing.T) {
	h := newActionHarness(t)
	w := h.newWorkflow(t, newSpec(421, []task.TaskDefinition{shellTask(1, "a")}), workflow.StatusRunningExecution)

	require.NoError(t, h.workflows.Fire(h.ctx, NewWorkflowPauseEvent(w)))
	require.Equal(t, []EventType{EventWorkflowPaused}, h.publisher.types())

	require.NoError(t, h.workflows.Fire(h.ctx, h.publisher.last()))
	assert.Equal(t, workflow.StatusPause, w.Status())
	_, inMemory := h.c.workflows.Get(w.ID())
	assert.False(t, inMemory)
	assert.True(t, w.Bus().Closed())

	persisted, err := h.store.GetWorkflowInstance(h.ctx, w.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPause, persisted.Status)
	require.NotNil(t, persisted.EndTime)
}
