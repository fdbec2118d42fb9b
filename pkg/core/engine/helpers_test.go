package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/metrics"
	"github.com/LENAX/dag-master/pkg/storage/sqlite"
	"github.com/LENAX/dag-master/pkg/storage/sqlstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testMaster = "10.0.0.1:5678"
	testWorker = "10.0.0.2:1234"
	testLogic  = "10.0.0.1:5679"
)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "engine.db") + "?_busy_timeout=30000"
	s, err := sqlstore.Open(sqlite.NewSQLiteDialect(), dsn, sqlstore.PoolConfig{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func shellTask(code int64, name string) task.TaskDefinition {
	return task.TaskDefinition{Code: code, Version: 1, Name: name, TaskType: task.TypeShell, TaskParams: `{"raw_script":"echo ` + name + `"}`}
}

// newSpec 没有入边的任务自动作为根节点
func newSpec(code int64, tasks []task.TaskDefinition, edges ...[2]int64) *workflow.WorkflowSpec {
	hasParent := make(map[int64]bool)
	var relations []workflow.TaskRelation
	for _, e := range edges {
		relations = append(relations, workflow.TaskRelation{PreTaskCode: e[0], PostTaskCode: e[1]})
		hasParent[e[1]] = true
	}
	for _, td := range tasks {
		if !hasParent[td.Code] {
			relations = append(relations, workflow.TaskRelation{PreTaskCode: 0, PostTaskCode: td.Code})
		}
	}
	return &workflow.WorkflowSpec{
		Definition: workflow.WorkflowDefinition{
			Code:            code,
			Version:         1,
			Name:            "wf-" + strconv.FormatInt(code, 10),
			FailureStrategy: workflow.FailureContinue,
			Online:          true,
		},
		Tasks:     tasks,
		Relations: relations,
	}
}

type staticWorkers []string

func (s staticWorkers) WorkersInGroup(string) []string { return s }

func (s staticWorkers) IsWorkerAlive(addr string) bool {
	for _, h := range s {
		if h == addr {
			return true
		}
	}
	return false
}

type staticSlot cluster.SlotSnapshot

func (s staticSlot) Snapshot() cluster.SlotSnapshot { return cluster.SlotSnapshot(s) }

// outcome 模拟执行器对一次尝试的处理结果
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFail
	outcomeHang
)

// fakeExecutor 进程内模拟执行器：按任务编码的脚本回报结果，hang的任务等待暂停/停止
type fakeExecutor struct {
	mu           sync.Mutex
	sink         func(executor.Event)
	script       map[int64][]outcome
	attempts     map[int64]int
	dispatched   []*task.TaskExecutionContext
	running      map[int64]*task.TaskExecutionContext
	failDispatch int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		script:   make(map[int64][]outcome),
		attempts: make(map[int64]int),
		running:  make(map[int64]*task.TaskExecutionContext),
	}
}

func (f *fakeExecutor) on(code int64, outcomes ...outcome) {
	f.mu.Lock()
	f.script[code] = outcomes
	f.mu.Unlock()
}

func (f *fakeExecutor) next(code int64) outcome {
	n := f.attempts[code]
	f.attempts[code] = n + 1
	s := f.script[code]
	if len(s) == 0 {
		return outcomeSuccess
	}
	if n >= len(s) {
		return s[len(s)-1]
	}
	return s[n]
}

func (f *fakeExecutor) send(ev executor.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(ev)
	}
}

func (f *fakeExecutor) event(t executor.EventType, tctx *task.TaskExecutionContext) executor.Event {
	now := time.Now()
	return executor.Event{
		Type:               t,
		TaskInstanceID:     tctx.TaskInstanceID,
		WorkflowInstanceID: tctx.WorkflowInstanceID,
		MasterHost:         tctx.MasterHost,
		ExecutorHost:       tctx.ExecutorHost,
		StartTime:          now,
		EndTime:            now,
	}
}

func (f *fakeExecutor) Dispatch(_ context.Context, _ string, tctx *task.TaskExecutionContext) error {
	f.mu.Lock()
	if f.failDispatch > 0 {
		f.failDispatch--
		f.mu.Unlock()
		return errors.New("executor unreachable")
	}
	f.dispatched = append(f.dispatched, tctx)
	o := f.next(tctx.TaskCode)
	if o == outcomeHang {
		f.running[tctx.TaskInstanceID] = tctx
	}
	f.mu.Unlock()

	go func() {
		f.send(f.event(executor.EventRunning, tctx))
		switch o {
		case outcomeSuccess:
			f.send(f.event(executor.EventSuccess, tctx))
		case outcomeFail:
			ev := f.event(executor.EventFailed, tctx)
			ev.Message = "exit status 1"
			f.send(ev)
		}
	}()
	return nil
}

func (f *fakeExecutor) stop(id int64, t executor.EventType) error {
	f.mu.Lock()
	tctx, ok := f.running[id]
	delete(f.running, id)
	f.mu.Unlock()
	if !ok {
		return executor.ErrTaskNotFound
	}
	go f.send(f.event(t, tctx))
	return nil
}

func (f *fakeExecutor) Pause(_ context.Context, _ string, id int64) error {
	return f.stop(id, executor.EventPaused)
}

func (f *fakeExecutor) Kill(_ context.Context, _ string, id int64) error {
	return f.stop(id, executor.EventKilled)
}

func (f *fakeExecutor) TakeOver(_ context.Context, _ string, tctx *task.TaskExecutionContext) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[tctx.TaskInstanceID]
	return ok, nil
}

func (f *fakeExecutor) runningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.running)
}

func (f *fakeExecutor) dispatchedCodes() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.dispatched))
	for _, d := range f.dispatched {
		out = append(out, d.TaskCode)
	}
	return out
}

// recordingPublisher 只记录事件，不消费
type recordingPublisher struct {
	mu      sync.Mutex
	events  []LifecycleEvent
	delayed []LifecycleEvent
}

func (p *recordingPublisher) Publish(ev LifecycleEvent) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishDelayed(ev LifecycleEvent, _ time.Duration) {
	p.mu.Lock()
	p.delayed = append(p.delayed, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type())
	}
	return out
}

func (p *recordingPublisher) last() LifecycleEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

// countingSlots 记录实际占用和归还的槽位数，ReleaseSlot只归还已占用的槽位
type countingSlots struct {
	mu       sync.Mutex
	held     map[int64]bool
	acquired int
	released int
}

func newCountingSlots() *countingSlots {
	return &countingSlots{held: make(map[int64]bool)}
}

func (s *countingSlots) AcquireSlot(_ context.Context, ti *task.TaskInstance) (bool, error) {
	if !ti.NeedTaskGroupSlot() {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held[ti.ID] {
		s.held[ti.ID] = true
		s.acquired++
	}
	return true, nil
}

func (s *countingSlots) ReleaseSlot(_ context.Context, ti *task.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held[ti.ID] {
		delete(s.held, ti.ID)
		s.released++
	}
	return nil
}

func (s *countingSlots) RemoveWaiting(context.Context, int64) (bool, error) { return false, nil }

func (s *countingSlots) ResetSlot(ctx context.Context, ti *task.TaskInstance) error {
	return s.ReleaseSlot(ctx, ti)
}

func (s *countingSlots) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired, s.released
}

// fakeQueue 记录入队的任务
type fakeQueue struct {
	mu     sync.Mutex
	queued map[int64]time.Duration
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queued: make(map[int64]time.Duration)}
}

func (q *fakeQueue) Offer(r *TaskExecutionRunnable, delay time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[r.ID()]; ok {
		return false
	}
	q.queued[r.ID()] = delay
	return true
}

func (q *fakeQueue) Remove(r *TaskExecutionRunnable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.queued[r.ID()]; !ok {
		return false
	}
	delete(q.queued, r.ID())
	return true
}

func (q *fakeQueue) contains(r *TaskExecutionRunnable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.queued[r.ID()]
	return ok
}

// actionHarness 直接驱动状态动作，不启动事件总线
type actionHarness struct {
	ctx       context.Context
	store     *sqlstore.Store
	c         *actionContext
	publisher *recordingPublisher
	slots     *countingSlots
	queue     *fakeQueue
	exec      *fakeExecutor
	tasks     *TaskStateActionTable
	workflows *WorkflowStateActionTable
	clock     time.Time
}

func newActionHarness(t *testing.T) *actionHarness {
	t.Helper()
	h := &actionHarness{
		ctx:       context.Background(),
		store:     newTestStore(t),
		publisher: &recordingPublisher{},
		slots:     newCountingSlots(),
		queue:     newFakeQueue(),
		exec:      newFakeExecutor(),
		clock:     time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
	h.c = &actionContext{
		taskRepo:     h.store,
		workflowRepo: h.store,
		workflows:    NewWorkflowRepository(),
		publisher:    h.publisher,
		slots:        h.slots,
		dispatcher:   h.queue,
		client:       h.exec,
		selector:     NewRoundRobinSelector(staticWorkers{testWorker}, testLogic),
		metrics:      metrics.New(),
		masterHost:   testMaster,
		now:          h.now,
		log:          zap.NewNop(),
	}
	require.NoError(t, h.c.validate())
	var err error
	h.tasks, err = newDefaultTaskStateActionTable(h.c)
	require.NoError(t, err)
	h.workflows, err = newDefaultWorkflowStateActionTable(h.c)
	require.NoError(t, err)
	return h
}

// now 每次调用前进一秒，便于比较先后
func (h *actionHarness) now() time.Time {
	h.clock = h.clock.Add(time.Second)
	return h.clock
}

// newWorkflow 持久化实例并构建运行时
func (h *actionHarness) newWorkflow(t *testing.T, spec *workflow.WorkflowSpec, status workflow.ExecutionStatus) *WorkflowExecutionRunnable {
	t.Helper()
	inst := workflow.NewWorkflowInstance(&spec.Definition, &workflow.Command{Type: workflow.CommandStartProcess}, testMaster, h.now())
	inst.Status = status
	require.NoError(t, h.store.CreateWorkflowInstance(h.ctx, inst))
	w, err := NewWorkflowExecutionRunnable(spec, inst)
	require.NoError(t, err)
	h.c.workflows.Upsert(w)
	return w
}

// newTask 在工作流中创建处于指定状态的活跃任务
func (h *actionHarness) newTask(t *testing.T, w *WorkflowExecutionRunnable, code int64, status task.ExecutionStatus, mutate ...func(ti *task.TaskInstance)) *TaskExecutionRunnable {
	t.Helper()
	def, ok := w.Graph().TaskDefinition(code)
	require.True(t, ok)
	ti := task.NewTaskInstance(def, w.ID(), h.now())
	ti.Status = status
	for _, fn := range mutate {
		fn(ti)
	}
	require.NoError(t, h.store.CreateTaskInstance(h.ctx, ti))
	r := newTaskExecutionRunnable(w, def, ti)
	w.registerTask(r)
	w.Graph().BindRunnable(code, r)
	return r
}

func (h *actionHarness) fireTask(t *testing.T, ev TaskLifecycleEvent) {
	t.Helper()
	require.NoError(t, h.tasks.Fire(h.ctx, ev))
}

// newTestEngine 基于SQLite和模拟执行器启动完整引擎
func newTestEngine(t *testing.T, exec *fakeExecutor) (*WorkflowEngine, *sqlstore.Store) {
	t.Helper()
	store := newTestStore(t)
	eng, err := NewWorkflowEngine(Config{
		MasterHost:           testMaster,
		LogicHost:            testLogic,
		EventFireWorkers:     2,
		DispatchWorkers:      2,
		DispatchBackoffBase:  10 * time.Millisecond,
		DispatchBackoffMax:   50 * time.Millisecond,
		CommandFetchInterval: 10 * time.Millisecond,
		CommandFetchSize:     10,
	}, Dependencies{
		Repos:   *store.Repositories(),
		Client:  exec,
		Workers: staticWorkers{testWorker},
		Slots:   staticSlot{Slot: 0, Total: 1},
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	exec.mu.Lock()
	exec.sink = func(ev executor.Event) { eng.HandleExecutorEvent(context.Background(), ev) }
	exec.mu.Unlock()
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop() })
	return eng, store
}

// waitFinished 等待定义下的第一个工作流实例结束
func waitFinished(t *testing.T, store *sqlstore.Store, definitionCode int64) *workflow.WorkflowInstance {
	t.Helper()
	var found *workflow.WorkflowInstance
	require.Eventually(t, func() bool {
		inst := findInstance(t, store, definitionCode)
		if inst != nil && inst.Status.IsFinished() {
			found = inst
			return true
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	return found
}

func findInstance(t *testing.T, store *sqlstore.Store, definitionCode int64) *workflow.WorkflowInstance {
	t.Helper()
	insts, err := store.ListWorkflowInstances(context.Background(), 100)
	require.NoError(t, err)
	for _, inst := range insts {
		if inst.DefinitionCode == definitionCode {
			return inst
		}
	}
	return nil
}

// tasksByCode 任务编码 -> 按ID排序的全部尝试
func tasksByCode(t *testing.T, store *sqlstore.Store, workflowInstanceID int64) map[int64][]*task.TaskInstance {
	t.Helper()
	all, err := store.ListByWorkflowInstance(context.Background(), workflowInstanceID)
	require.NoError(t, err)
	out := make(map[int64][]*task.TaskInstance)
	for _, ti := range all {
		out[ti.TaskCode] = append(out[ti.TaskCode], ti)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return out
}
