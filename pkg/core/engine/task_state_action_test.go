package engine

import (
	"context"
	"testing"
	"time"

	"github.com/LENAX/dag-master/pkg/core/dag"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateActionTable_MustCoverEveryStatus(t *testing.T) {
	h := newActionHarness(t)
	base := func(s task.ExecutionStatus) TaskStateAction { return &terminalTaskAction{baseTaskAction{h.c, s}} }

	var all []TaskStateAction
	for _, s := range task.AllExecutionStatuses() {
		all = append(all, base(s))
	}
	_, err := NewTaskStateActionTable(all...)
	require.NoError(t, err)

	_, err = NewTaskStateActionTable(all[1:]...)
	assert.Error(t, err, "缺少状态动作")

	_, err = NewTaskStateActionTable(append(all, base(task.StatusSuccess))...)
	assert.Error(t, err, "重复的状态动作")

	for _, s := range task.AllExecutionStatuses() {
		a, ok := h.tasks.Get(s)
		require.True(t, ok, s)
		assert.Equal(t, s, a.Status())
	}
}

type taskCall struct {
	name string
	ack  bool
	fire func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error
}

func taskCalls() []taskCall {
	now := time.Now()
	return []taskCall{
		{"start", false, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Start(ctx, r, NewTaskStartEvent(r))
		}},
		{"retry", false, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Retry(ctx, r, NewTaskRetryEvent(r))
		}},
		{"dispatch", false, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Dispatch(ctx, r, NewTaskDispatchEvent(r))
		}},
		{"pause", false, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Pause(ctx, r, NewTaskPauseEvent(r))
		}},
		{"kill", false, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Kill(ctx, r, NewTaskKillEvent(r))
		}},
		{"failover", false, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Failover(ctx, r, NewTaskFailoverEvent(r))
		}},
		{"running", true, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Running(ctx, r, NewTaskRunningEvent(r, testWorker, "/tmp/x.log", now))
		}},
		{"dispatched", true, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Dispatched(ctx, r, NewTaskDispatchedEvent(r, testWorker))
		}},
		{"paused", true, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Paused(ctx, r, NewTaskPausedEvent(r, now))
		}},
		{"killed", true, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Killed(ctx, r, NewTaskKilledEvent(r, now))
		}},
		{"failed", true, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Failed(ctx, r, NewTaskFailedEvent(r, now, "boom"))
		}},
		{"success", true, func(ctx context.Context, a TaskStateAction, r *TaskExecutionRunnable) error {
			return a.Success(ctx, r, NewTaskSuccessEvent(r, now, ""))
		}},
	}
}

// 任务状态与动作不符时：控制类事件报IllegalState，回报类事件忽略且不改变状态
func TestTaskStateActions_RejectMismatchedStatus(t *testing.T) {
	statuses := task.AllExecutionStatuses()
	for i, s := range statuses {
		actual := statuses[(i+1)%len(statuses)]
		t.Run(string(s), func(t *testing.T) {
			h := newActionHarness(t)
			w := h.newWorkflow(t, newSpec(100+int64(i), []task.TaskDefinition{shellTask(1, "a")}), workflow.StatusRunningExecution)
			a, ok := h.tasks.Get(s)
			require.True(t, ok)

			for _, call := range taskCalls() {
				r := h.newTask(t, w, 1, actual)
				err := call.fire(h.ctx, a, r)
				if call.ack {
					assert.NoError(t, err, call.name)
				} else {
					assert.ErrorIs(t, err, ErrIllegalState, call.name)
					var ise *IllegalStateError
					if assert.ErrorAs(t, err, &ise, call.name) {
						assert.Equal(t, string(s), ise.Expected)
						assert.Equal(t, string(actual), ise.Actual)
					}
				}
				assert.Equal(t, actual, r.Status(), call.name)
			}
			acquired, released := h.slots.counts()
			assert.Zero(t, acquired)
			assert.Zero(t, released)
		})
	}
}

func TestFailureAction_RetryCreatesNewAttempt(t *testing.T) {
	h := newActionHarness(t)
	def := shellTask(1, "flaky")
	def.FailRetryTimes = 2
	def.FailRetryIntervalSeconds = 3
	w := h.newWorkflow(t, newSpec(200, []task.TaskDefinition{def}), workflow.StatusRunningExecution)
	r := h.newTask(t, w, 1, task.StatusRunningExecution)
	first := r.Instance()

	h.fireTask(t, NewTaskFailedEvent(r, h.now(), "exit 1"))
	assert.Equal(t, task.StatusFailure, r.Status())
	require.Len(t, h.publisher.delayed, 1)
	retry, ok := h.publisher.delayed[0].(*TaskRetryLifecycleEvent)
	require.True(t, ok)
	assert.True(t, w.Graph().IsActive(1), "等待重试期间节点保持活跃")

	h.fireTask(t, retry)
	nr, ok := w.Graph().Runnable(1)
	require.True(t, ok)
	require.NotSame(t, r, nr)
	next := nr.Instance()
	assert.Equal(t, task.StatusSubmittedSuccess, next.Status)
	assert.Equal(t, 1, next.RetryTimes)
	assert.Equal(t, task.FlagYes, next.Flag)
	assert.True(t, first.FirstSubmitTime.Equal(next.FirstSubmitTime))
	assert.True(t, next.SubmitTime.After(first.SubmitTime))
	assert.NotEqual(t, first.ID, next.ID)

	start, ok := h.publisher.last().(*TaskStartLifecycleEvent)
	require.True(t, ok)
	assert.Same(t, nr, start.Task())

	old, err := h.store.GetTaskInstance(h.ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, task.FlagNo, old.Flag)
	assert.Equal(t, task.StatusFailure, old.Status)

	// 旧尝试上迟到的重试事件被忽略
	h.fireTask(t, NewTaskRetryEvent(r))
	current, _ := w.Graph().Runnable(1)
	assert.Same(t, nr, current)
}

func TestFailureAction_RetriesExhaustedMarksChainFailure(t *testing.T) {
	h := newActionHarness(t)
	w := h.newWorkflow(t, newSpec(201, []task.TaskDefinition{shellTask(1, "a"), shellTask(2, "b")}, [2]int64{1, 2}), workflow.StatusRunningExecution)
	r := h.newTask(t, w, 1, task.StatusRunningExecution, func(ti *task.TaskInstance) {
		ti.MaxRetryTimes = 1
		ti.RetryTimes = 1
	})

	h.fireTask(t, NewTaskFailedEvent(r, h.now(), "exit 1"))
	assert.Equal(t, task.StatusFailure, r.Status())
	assert.Empty(t, h.publisher.delayed)
	assert.False(t, w.Graph().IsActive(1))
	assert.Equal(t, dag.MarkFailure, w.Graph().Mark(1))
	assert.Equal(t, dag.MarkFailure, w.Graph().Mark(2))
	_, isTopology := h.publisher.last().(*WorkflowTopologyTransitionLifecycleEvent)
	assert.True(t, isTopology)
}

func TestFailureAction_FailureEndKillsOtherActiveTasks(t *testing.T) {
	h := newActionHarness(t)
	spec := newSpec(202, []task.TaskDefinition{shellTask(1, "a"), shellTask(2, "b")})
	spec.Definition.FailureStrategy = workflow.FailureEnd
	w := h.newWorkflow(t, spec, workflow.StatusRunningExecution)
	failing := h.newTask(t, w, 1, task.StatusRunningExecution)
	other := h.newTask(t, w, 2, task.StatusRunningExecution)

	h.fireTask(t, NewTaskFailedEvent(failing, h.now(), "exit 1"))

	var killed bool
	for _, ev := range h.publisher.events {
		if k, ok := ev.(*TaskKillLifecycleEvent); ok && k.Task() == other {
			killed = true
		}
	}
	assert.True(t, killed)
	assert.Equal(t, EventTaskKill, other.StopRequest())
}

func TestFailureAction_PauseWhileWaitingRetry(t *testing.T) {
	h := newActionHarness(t)
	w := h.newWorkflow(t, newSpec(203, []task.TaskDefinition{shellTask(1, "a")}), workflow.StatusRunningExecution)
	r := h.newTask(t, w, 1, task.StatusFailure, func(ti *task.TaskInstance) { ti.MaxRetryTimes = 3 })

	h.fireTask(t, NewTaskPauseEvent(r))
	paused, ok := h.publisher.last().(*TaskPausedLifecycleEvent)
	require.True(t, ok)

	h.fireTask(t, paused)
	assert.Equal(t, task.StatusPause, r.Status())
	assert.False(t, w.Graph().IsActive(1))
	assert.Equal(t, dag.MarkPause, w.Graph().Mark(1))

	// 暂停后到期的重试不会再创建新尝试
	h.fireTask(t, NewTaskRetryEvent(r))
	current, _ := w.Graph().Runnable(1)
	assert.Same(t, r, current)
}

func TestSubmittedAction_StartInReadyPauseWorkflowPausesLocally(t *testing.T) {
	h := newActionHarness(t)
	w := h.newWorkflow(t, newSpec(204, []task.TaskDefinition{shellTask(1, "a")}), workflow.StatusReadyPause)
	r := h.newTask(t, w, 1, task.StatusSubmittedSuccess)

	h.fireTask(t, NewTaskStartEvent(r))
	assert.Equal(t, task.StatusPause, r.Status())
	assert.False(t, h.queue.contains(r))
}

func TestSubmittedAction_DelayedTaskEntersDelayExecution(t *testing.T) {
	h := newActionHarness(t)
	def := shellTask(1, "later")
	def.DelayMinutes = 5
	w := h.newWorkflow(t, newSpec(205, []task.TaskDefinition{def}), workflow.StatusRunningExecution)
	r := h.newTask(t, w, 1, task.StatusSubmittedSuccess)

	h.fireTask(t, NewTaskDispatchEvent(r))
	assert.Equal(t, task.StatusDelayExecution, r.Status())
	require.True(t, h.queue.contains(r))
	assert.Greater(t, h.queue.queued[r.ID()], 4*time.Minute)
}

// 每条结束路径上槽位的申请与归还次数必须相等
func TestTaskGroupSlotBalance(t *testing.T) {
	cases := []struct {
		name  string
		drive func(t *testing.T, h *actionHarness, r *TaskExecutionRunnable)
		want  task.ExecutionStatus
	}{
		{
			name: "success",
			drive: func(t *testing.T, h *actionHarness, r *TaskExecutionRunnable) {
				h.fireTask(t, NewTaskDispatchedEvent(r, testWorker))
				h.fireTask(t, NewTaskRunningEvent(r, testWorker, "", h.now()))
				h.fireTask(t, NewTaskSuccessEvent(r, h.now(), ""))
			},
			want: task.StatusSuccess,
		},
		{
			name: "kill while queued",
			drive: func(t *testing.T, h *actionHarness, r *TaskExecutionRunnable) {
				h.fireTask(t, NewTaskKillEvent(r))
			},
			want: task.StatusKill,
		},
		{
			name: "failure without retry",
			drive: func(t *testing.T, h *actionHarness, r *TaskExecutionRunnable) {
				h.fireTask(t, NewTaskDispatchedEvent(r, testWorker))
				h.fireTask(t, NewTaskFailedEvent(r, h.now(), "exit 2"))
			},
			want: task.StatusFailure,
		},
		{
			name: "pause while running on a lost executor",
			drive: func(t *testing.T, h *actionHarness, r *TaskExecutionRunnable) {
				h.fireTask(t, NewTaskDispatchedEvent(r, testWorker))
				h.fireTask(t, NewTaskRunningEvent(r, testWorker, "", h.now()))
				h.fireTask(t, NewTaskPauseEvent(r))
			},
			want: task.StatusPause,
		},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newActionHarness(t)
			def := shellTask(1, "grouped")
			def.TaskGroupID = 9
			w := h.newWorkflow(t, newSpec(300+int64(i), []task.TaskDefinition{def}), workflow.StatusRunningExecution)
			r := h.newTask(t, w, 1, task.StatusSubmittedSuccess)

			h.fireTask(t, NewTaskStartEvent(r))
			_, isDispatch := h.publisher.last().(*TaskDispatchLifecycleEvent)
			require.True(t, isDispatch)
			h.fireTask(t, NewTaskDispatchEvent(r))
			require.True(t, h.queue.contains(r))
			if tc.want != task.StatusKill {
				// 派发器取出任务后才会收到Dispatched
				h.queue.Remove(r)
			}

			tc.drive(t, h, r)
			assert.Equal(t, tc.want, r.Status())
			acquired, released := h.slots.counts()
			assert.Equal(t, 1, acquired)
			assert.Equal(t, acquired, released)
		})
	}
}

func TestRunningAction_AcksBeforeDispatchedAreAccepted(t *testing.T) {
	h := newActionHarness(t)
	w := h.newWorkflow(t, newSpec(206, []task.TaskDefinition{shellTask(1, "fast")}), workflow.StatusRunningExecution)
	r := h.newTask(t, w, 1, task.StatusSubmittedSuccess)

	h.fireTask(t, NewTaskRunningEvent(r, testWorker, "/var/log/1.log", h.now()))
	h.fireTask(t, NewTaskSuccessEvent(r, h.now(), ""))
	assert.Equal(t, task.StatusSuccess, r.Status())

	// 迟到的Dispatched被忽略
	h.fireTask(t, NewTaskDispatchedEvent(r, testWorker))
	assert.Equal(t, task.StatusSuccess, r.Status())
	assert.Equal(t, testWorker, r.Instance().Host)
	assert.Equal(t, "/var/log/1.log", r.Instance().LogPath)
}
