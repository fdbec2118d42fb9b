package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// recordingSender 记录回报给master的事件
type recordingSender struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSender) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) byTask(id int64) []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EventType
	for _, ev := range s.events {
		if ev.TaskInstanceID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (s *recordingSender) last(id int64) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].TaskInstanceID == id {
			return s.events[i]
		}
	}
	return Event{}
}

// funcPlugin 同步测试插件
type funcPlugin struct {
	taskType string
	fn       func(ctx context.Context, tctx *task.TaskExecutionContext) (*Result, error)
}

func (p *funcPlugin) Type() string { return p.taskType }
func (p *funcPlugin) Execute(ctx context.Context, tctx *task.TaskExecutionContext) (*Result, error) {
	return p.fn(ctx, tctx)
}

// countdownPlugin 异步测试插件：轮询若干次后完成
type countdownPlugin struct {
	mu       sync.Mutex
	polls    map[string]int
	target   int
	canceled []string
}

func (p *countdownPlugin) Type() string { return "COUNTDOWN" }
func (p *countdownPlugin) Submit(ctx context.Context, tctx *task.TaskExecutionContext) (string, error) {
	return tctx.TaskName, nil
}
func (p *countdownPlugin) Poll(ctx context.Context, tctx *task.TaskExecutionContext, handle string) (bool, *Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.polls[handle]++
	if p.polls[handle] >= p.target {
		return true, &Result{VarPool: []task.Property{{Prop: "done", Direct: task.DirectOut, Value: handle}}}, nil
	}
	return false, nil, nil
}
func (p *countdownPlugin) Cancel(ctx context.Context, tctx *task.TaskExecutionContext, handle string) error {
	p.mu.Lock()
	p.canceled = append(p.canceled, handle)
	p.mu.Unlock()
	return nil
}

func newTestExecutor(t *testing.T, plugins ...TaskPlugin) (*TaskExecutor, *recordingSender) {
	t.Helper()
	pm := NewPluginManager()
	for _, p := range plugins {
		require.NoError(t, pm.Register(p))
	}
	sender := &recordingSender{}
	exec := NewTaskExecutor(Config{Host: "worker-1:1234", ExecThreads: 2, AsyncPollInterval: 10 * time.Millisecond}, pm, sender)
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(func() { exec.Stop() })
	return exec, sender
}

func tctx(id int64, taskType string) *task.TaskExecutionContext {
	return &task.TaskExecutionContext{
		TaskInstanceID:     id,
		TaskName:           "t",
		TaskType:           taskType,
		WorkflowInstanceID: 1,
		MasterHost:         "master-1:5678",
		TaskParams:         `{"v":"${bizdate}"}`,
		PrepareParams:      map[string]string{"bizdate": "20240101"},
	}
}

func TestTaskExecutor_SyncSuccessSendsSuccess(t *testing.T) {
	var seenParams string
	exec, sender := newTestExecutor(t, &funcPlugin{taskType: "OK", fn: func(ctx context.Context, tc *task.TaskExecutionContext) (*Result, error) {
		seenParams = tc.TaskParams
		assert.Equal(t, tc.TaskInstanceID, task.GetTaskInstanceID(ctx))
		return &Result{VarPool: []task.Property{{Prop: "out", Direct: task.DirectOut, Value: "1"}}}, nil
	}})

	require.NoError(t, exec.Dispatch(context.Background(), tctx(1, "OK")))
	require.Eventually(t, func() bool { return len(sender.byTask(1)) == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []EventType{EventRunning, EventSuccess}, sender.byTask(1))
	last := sender.last(1)
	assert.Equal(t, "worker-1:1234", last.ExecutorHost)
	assert.Contains(t, last.VarPool, `"out"`)
	assert.Equal(t, `{"v":"20240101"}`, seenParams)
	assert.Equal(t, 0, exec.Repository().Len())
}

func TestTaskExecutor_SyncFailureAndPanic(t *testing.T) {
	exec, sender := newTestExecutor(t,
		&funcPlugin{taskType: "FAIL", fn: func(ctx context.Context, tc *task.TaskExecutionContext) (*Result, error) {
			return nil, errors.New("boom")
		}},
		&funcPlugin{taskType: "PANIC", fn: func(ctx context.Context, tc *task.TaskExecutionContext) (*Result, error) {
			panic("bad plugin")
		}},
	)
	require.NoError(t, exec.Dispatch(context.Background(), tctx(1, "FAIL")))
	require.NoError(t, exec.Dispatch(context.Background(), tctx(2, "PANIC")))

	require.Eventually(t, func() bool {
		return len(sender.byTask(1)) == 2 && len(sender.byTask(2)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, EventFailed, sender.last(1).Type)
	assert.Equal(t, "boom", sender.last(1).Message)
	assert.Equal(t, EventFailed, sender.last(2).Type)
}

func TestTaskExecutor_UnknownTypeFailsImmediately(t *testing.T) {
	exec, sender := newTestExecutor(t)
	require.NoError(t, exec.Dispatch(context.Background(), tctx(9, "NOPE")))
	require.Eventually(t, func() bool { return len(sender.byTask(9)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, EventFailed, sender.last(9).Type)
}

func TestTaskExecutor_KillRunningTask(t *testing.T) {
	started := make(chan struct{})
	exec, sender := newTestExecutor(t, &funcPlugin{taskType: "BLOCK", fn: func(ctx context.Context, tc *task.TaskExecutionContext) (*Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	require.NoError(t, exec.Dispatch(context.Background(), tctx(3, "BLOCK")))
	<-started
	require.NoError(t, exec.Kill(context.Background(), 3))
	require.Eventually(t, func() bool { return len(sender.byTask(3)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, EventKilled, sender.last(3).Type)

	assert.ErrorIs(t, exec.Kill(context.Background(), 3), ErrTaskNotFound)
	assert.ErrorIs(t, exec.Pause(context.Background(), 42), ErrTaskNotFound)
}

func TestTaskExecutor_TimeoutFailsTask(t *testing.T) {
	exec, sender := newTestExecutor(t, &funcPlugin{taskType: "SLOW", fn: func(ctx context.Context, tc *task.TaskExecutionContext) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	tc := tctx(4, "SLOW")
	tc.TimeoutSeconds = 1
	tc.TimeoutStrategy = task.TimeoutFailed

	require.NoError(t, exec.Dispatch(context.Background(), tc))
	require.Eventually(t, func() bool { return len(sender.byTask(4)) == 2 }, 3*time.Second, 10*time.Millisecond)
	last := sender.last(4)
	assert.Equal(t, EventFailed, last.Type)
	assert.Contains(t, last.Message, ErrTaskTimeout.Error())
}

func TestTaskExecutor_AsyncPollsUntilDone(t *testing.T) {
	plugin := &countdownPlugin{polls: map[string]int{}, target: 3}
	exec, sender := newTestExecutor(t, plugin)

	require.NoError(t, exec.Dispatch(context.Background(), tctx(5, "COUNTDOWN")))
	require.Eventually(t, func() bool { return len(sender.byTask(5)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []EventType{EventRunning, EventSuccess}, sender.byTask(5))
	assert.Contains(t, sender.last(5).VarPool, `"done"`)
}

func TestTaskExecutor_AsyncPauseCancelsExternalTask(t *testing.T) {
	plugin := &countdownPlugin{polls: map[string]int{}, target: 1 << 30}
	exec, sender := newTestExecutor(t, plugin)

	require.NoError(t, exec.Dispatch(context.Background(), tctx(6, "COUNTDOWN")))
	require.Eventually(t, func() bool { return len(sender.byTask(6)) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, exec.Pause(context.Background(), 6))
	require.Eventually(t, func() bool { return len(sender.byTask(6)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, EventPaused, sender.last(6).Type)
	plugin.mu.Lock()
	assert.Equal(t, []string{"t"}, plugin.canceled)
	plugin.mu.Unlock()
}

func TestTaskExecutor_TakeOverRedirectsEvents(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	exec, sender := newTestExecutor(t, &funcPlugin{taskType: "WAIT", fn: func(ctx context.Context, tc *task.TaskExecutionContext) (*Result, error) {
		close(started)
		<-release
		return &Result{}, nil
	}})

	require.NoError(t, exec.Dispatch(context.Background(), tctx(7, "WAIT")))
	<-started

	tc := tctx(7, "WAIT")
	tc.MasterHost = "master-2:5678"
	ok, err := exec.TakeOver(context.Background(), tc)
	require.NoError(t, err)
	assert.True(t, ok)

	close(release)
	require.Eventually(t, func() bool { return len(sender.byTask(7)) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "master-2:5678", sender.last(7).MasterHost)

	ok, err = exec.TakeOver(context.Background(), tctx(99, "WAIT"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskExecutor_DuplicateDispatchIgnored(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	exec, sender := newTestExecutor(t, &funcPlugin{taskType: "ONCE", fn: func(ctx context.Context, tc *task.TaskExecutionContext) (*Result, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return &Result{}, nil
	}})

	require.NoError(t, exec.Dispatch(context.Background(), tctx(8, "ONCE")))
	require.NoError(t, exec.Dispatch(context.Background(), tctx(8, "ONCE")))
	close(release)
	require.Eventually(t, func() bool { return len(sender.byTask(8)) == 2 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestPluginManager_Register(t *testing.T) {
	pm := NewPluginManager()
	require.NoError(t, pm.Register(&funcPlugin{taskType: "A"}))
	assert.Error(t, pm.Register(&funcPlugin{taskType: "A"}))
	assert.Error(t, pm.Register(nil))

	_, err := pm.Get("B")
	assert.ErrorIs(t, err, ErrPluginNotFound)
	assert.Equal(t, []string{"A"}, pm.ListPlugins())
}

// cancelFailsPlugin 永不完成且取消会失败的异步插件
type cancelFailsPlugin struct{ countdownPlugin }

func (p *cancelFailsPlugin) Type() string { return "STUCK" }
func (p *cancelFailsPlugin) Cancel(ctx context.Context, tctx *task.TaskExecutionContext, handle string) error {
	return errors.New("remote cancel rejected")
}

func TestTaskExecutor_AsyncTimeoutCapsPollInterval(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	prev := logger.L()
	logger.Replace(zap.New(core))
	t.Cleanup(func() { logger.Replace(prev) })

	pm := NewPluginManager()
	require.NoError(t, pm.Register(&cancelFailsPlugin{countdownPlugin{polls: map[string]int{}, target: 1 << 30}}))
	sender := &recordingSender{}
	exec := NewTaskExecutor(Config{Host: "worker-1:1234", ExecThreads: 1, AsyncPollInterval: 5 * time.Second}, pm, sender)
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(func() { exec.Stop() })

	tc := tctx(8, "STUCK")
	tc.TimeoutSeconds = 1
	tc.TimeoutStrategy = task.TimeoutFailed
	start := time.Now()
	require.NoError(t, exec.Dispatch(context.Background(), tc))

	require.Eventually(t, func() bool { return len(sender.byTask(8)) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second, "超时截止时间应早于轮询间隔生效")
	last := sender.last(8)
	assert.Equal(t, EventFailed, last.Type)
	assert.Contains(t, last.Message, ErrTaskTimeout.Error())

	cancelLogs := logs.FilterMessage("取消超时的异步任务失败").All()
	require.Len(t, cancelLogs, 1)
	assert.Equal(t, "remote cancel rejected", cancelLogs[0].ContextMap()["error"])
}

func TestAsyncLooper_NextDelay(t *testing.T) {
	l := newAsyncLooper(5*time.Second, zap.NewNop())
	now := time.Now()

	assert.Equal(t, 5*time.Second, l.nextDelay(time.Time{}, now), "未配置超时")
	assert.Equal(t, time.Second, l.nextDelay(now.Add(time.Second), now))
	assert.Equal(t, 5*time.Second, l.nextDelay(now.Add(time.Minute), now))
	assert.Equal(t, 5*time.Second, l.nextDelay(now.Add(-time.Second), now), "已超时后按正常间隔")
}
