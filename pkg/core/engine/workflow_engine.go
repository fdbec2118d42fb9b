package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/taskgroup"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/metrics"
	"github.com/LENAX/dag-master/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config 引擎配置
type Config struct {
	MasterHost string
	// LogicHost 逻辑任务（条件、等待）所在的内嵌执行器
	LogicHost            string
	EventFireWorkers     int
	DispatchWorkers      int
	DispatchBackoffBase  time.Duration
	DispatchBackoffMax   time.Duration
	CommandFetchInterval time.Duration
	CommandFetchSize     int
	CronEnabled          bool
	CronReloadInterval   time.Duration
}

// SlotSource master槽位，cluster.MasterSlotManager实现
type SlotSource interface {
	Snapshot() cluster.SlotSnapshot
}

// Dependencies 引擎依赖的外部组件
type Dependencies struct {
	Repos      storage.Repositories
	Client     TaskExecutorClient
	Workers    WorkerDirectory
	Slots      SlotSource
	TaskGroups *taskgroup.Coordinator
	Metrics    *metrics.Metrics
}

// WorkflowEngine master调度引擎（对外导出）
// 命令 -> 工作流运行时 -> 事件总线 -> 状态动作 -> 派发器 -> 执行器
type WorkflowEngine struct {
	cfg       Config
	repos     storage.Repositories
	slots     SlotSource
	groups    *taskgroup.Coordinator
	metrics   *metrics.Metrics
	workflows *WorkflowRepository
	bus       *EventBusCoordinator
	dispatch  *TaskDispatcher
	fetcher   *CommandFetcher
	cron      *CronScheduler
	actions   *actionContext
	taskTable *TaskStateActionTable
	wfTable   *WorkflowStateActionTable
	log       *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// NewWorkflowEngine 组装引擎，动作表不完整时返回错误
func NewWorkflowEngine(cfg Config, deps Dependencies) (*WorkflowEngine, error) {
	if cfg.MasterHost == "" {
		return nil, fmt.Errorf("master地址不能为空")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.TaskGroups == nil {
		deps.TaskGroups = taskgroup.NewCoordinator(deps.Repos.TaskGroup, 0)
	}
	if deps.Workers == nil {
		return nil, fmt.Errorf("缺少执行器目录")
	}
	e := &WorkflowEngine{
		cfg:       cfg,
		repos:     deps.Repos,
		slots:     deps.Slots,
		groups:    deps.TaskGroups,
		metrics:   deps.Metrics,
		workflows: NewWorkflowRepository(),
		log:       logger.Named("engine"),
	}
	e.bus = NewEventBusCoordinator(cfg.EventFireWorkers, e.fire, deps.Metrics)
	selector := NewRoundRobinSelector(deps.Workers, cfg.LogicHost)
	e.dispatch = NewTaskDispatcher(DispatcherConfig{
		Workers:     cfg.DispatchWorkers,
		BackoffBase: cfg.DispatchBackoffBase,
		BackoffMax:  cfg.DispatchBackoffMax,
		MasterHost:  cfg.MasterHost,
	}, deps.Client, selector, e.bus, deps.Metrics)

	e.actions = &actionContext{
		taskRepo:     deps.Repos.TaskInstance,
		workflowRepo: deps.Repos.WorkflowInstance,
		workflows:    e.workflows,
		publisher:    e.bus,
		slots:        deps.TaskGroups,
		dispatcher:   e.dispatch,
		client:       deps.Client,
		selector:     selector,
		metrics:      deps.Metrics,
		masterHost:   cfg.MasterHost,
		discarded:    e.bus.discard,
		log:          logger.Named("state"),
	}
	if err := e.actions.validate(); err != nil {
		return nil, err
	}
	var err error
	if e.taskTable, err = newDefaultTaskStateActionTable(e.actions); err != nil {
		return nil, err
	}
	if e.wfTable, err = newDefaultWorkflowStateActionTable(e.actions); err != nil {
		return nil, err
	}
	if deps.Slots != nil {
		e.fetcher = NewCommandFetcher(deps.Repos.Command, deps.Slots, e, cfg.CommandFetchInterval, cfg.CommandFetchSize, deps.Metrics)
	}
	if cfg.CronEnabled {
		e.cron = NewCronScheduler(deps.Repos.WorkflowDefinition, deps.Repos.Command, e.isLeader)
	}
	deps.TaskGroups.OnWake(e.onSlotAcquired)
	return e, nil
}

// isLeader 槽位0的master负责定时触发
func (e *WorkflowEngine) isLeader() bool {
	if e.slots == nil {
		return true
	}
	s := e.slots.Snapshot()
	return s.Active() && s.Slot == 0
}

// fire 按事件类型交给任务或工作流动作表
func (e *WorkflowEngine) fire(ctx context.Context, ev LifecycleEvent) {
	var err error
	if te, ok := ev.(TaskLifecycleEvent); ok {
		err = e.taskTable.Fire(ctx, te)
	} else {
		err = e.wfTable.Fire(ctx, ev)
	}
	if err == nil {
		return
	}
	if errors.Is(err, ErrIllegalState) {
		e.metrics.IllegalEvents.WithLabelValues(string(ev.Type())).Inc()
	}
	e.log.Error("处理生命周期事件失败",
		zap.Int64("workflowInstanceId", ev.Workflow().ID()),
		zap.String("event", string(ev.Type())),
		zap.Error(err))
}

// Start 启动事件总线、派发器、任务组协调器、命令拉取和定时调度
func (e *WorkflowEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("引擎已启动")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.bus.Run(gctx) })
	g.Go(func() error { return e.dispatch.Run(gctx) })
	g.Go(func() error { return e.groups.Run(gctx) })
	if e.fetcher != nil {
		g.Go(func() error { return e.fetcher.Run(gctx) })
	}
	if e.cron != nil {
		g.Go(func() error { return e.cron.Run(gctx, e.cfg.CronReloadInterval) })
	}
	e.cancel = cancel
	e.done = make(chan error, 1)
	go func() { e.done <- g.Wait() }()
	e.log.Info("调度引擎已启动", zap.String("master", e.cfg.MasterHost))
	return nil
}

// Stop 停止全部协程并清空内存中的工作流，持久化状态保留给其他master接管
func (e *WorkflowEngine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := <-done
	for _, w := range e.workflows.Clear() {
		e.bus.discard(w.Bus().close())
	}
	e.metrics.ActiveWorkflows.Set(0)
	e.log.Info("调度引擎已停止")
	return err
}

// Running 引擎是否在运行
func (e *WorkflowEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Workflows 内存中的工作流
func (e *WorkflowEngine) Workflows() *WorkflowRepository {
	return e.workflows
}

// Publisher 事件发布器
func (e *WorkflowEngine) Publisher() EventPublisher {
	return e.bus
}

// Trigger 写入START_PROCESS命令，返回命令ID
func (e *WorkflowEngine) Trigger(ctx context.Context, definitionCode int64, startNodes []int64, params map[string]string, priority task.Priority) (int64, error) {
	spec, err := e.repos.WorkflowDefinition.GetWorkflowSpec(ctx, definitionCode)
	if err != nil {
		return 0, fmt.Errorf("读取工作流定义 %d 失败: %w", definitionCode, err)
	}
	for _, code := range startNodes {
		if _, ok := spec.TaskByCode(code); !ok {
			return 0, fmt.Errorf("%w: 起始节点 %d 不在工作流 %d 中", ErrInvalidStartNode, code, definitionCode)
		}
	}
	cmd := &workflow.Command{
		Type:              workflow.CommandStartProcess,
		DefinitionCode:    definitionCode,
		DefinitionVersion: spec.Definition.Version,
		StartNodes:        startNodes,
		Params:            params,
		Priority:          priority,
		CreateTime:        time.Now(),
	}
	if err := e.repos.Command.CreateCommand(ctx, cmd); err != nil {
		return 0, err
	}
	return cmd.ID, nil
}

// PauseWorkflow 请求暂停本master上的工作流
func (e *WorkflowEngine) PauseWorkflow(id int64) error {
	w, ok := e.workflows.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrWorkflowNotFound, id)
	}
	e.bus.Publish(NewWorkflowPauseEvent(w))
	return nil
}

// StopWorkflow 请求停止本master上的工作流
func (e *WorkflowEngine) StopWorkflow(id int64) error {
	w, ok := e.workflows.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrWorkflowNotFound, id)
	}
	e.bus.Publish(NewWorkflowStopEvent(w))
	return nil
}

// RecoverFailure 写入从失败恢复的命令
func (e *WorkflowEngine) RecoverFailure(ctx context.Context, id int64) (int64, error) {
	return e.recoverCommand(ctx, id, workflow.CommandRecoverFailure, workflow.StatusFailure)
}

// RecoverSuspended 写入从暂停/停止恢复的命令
func (e *WorkflowEngine) RecoverSuspended(ctx context.Context, id int64) (int64, error) {
	return e.recoverCommand(ctx, id, workflow.CommandRecoverSuspended, workflow.StatusPause, workflow.StatusStop)
}

func (e *WorkflowEngine) recoverCommand(ctx context.Context, id int64, t workflow.CommandType, allowed ...workflow.ExecutionStatus) (int64, error) {
	inst, err := e.repos.WorkflowInstance.GetWorkflowInstance(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("读取工作流实例 %d 失败: %w", id, err)
	}
	if !statusIn(inst.Status, allowed) {
		return 0, &IllegalStateError{WorkflowInstanceID: id, Actual: string(inst.Status), Expected: joinStatuses(allowed), Event: string(t)}
	}
	cmd := &workflow.Command{
		Type:               t,
		DefinitionCode:     inst.DefinitionCode,
		DefinitionVersion:  inst.DefinitionVersion,
		WorkflowInstanceID: id,
		Priority:           inst.Priority,
		CreateTime:         time.Now(),
	}
	if err := e.repos.Command.CreateCommand(ctx, cmd); err != nil {
		return 0, err
	}
	return cmd.ID, nil
}

func statusIn(s workflow.ExecutionStatus, set []workflow.ExecutionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func joinStatuses(set []workflow.ExecutionStatus) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += "|"
		}
		out += string(s)
	}
	return out
}

// HandleExecutorEvent 执行器回报转换为任务生命周期事件
func (e *WorkflowEngine) HandleExecutorEvent(_ context.Context, ev executor.Event) {
	w, ok := e.workflows.Get(ev.WorkflowInstanceID)
	if !ok {
		e.log.Warn("回报的工作流不在本master上，忽略",
			zap.Int64("workflowInstanceId", ev.WorkflowInstanceID), zap.Int64("taskInstanceId", ev.TaskInstanceID), zap.String("type", string(ev.Type)))
		return
	}
	r, ok := w.Task(ev.TaskInstanceID)
	if !ok {
		e.log.Warn("回报的任务实例不存在，忽略",
			zap.Int64("workflowInstanceId", ev.WorkflowInstanceID), zap.Int64("taskInstanceId", ev.TaskInstanceID), zap.String("type", string(ev.Type)))
		return
	}
	switch ev.Type {
	case executor.EventRunning:
		e.bus.Publish(NewTaskRunningEvent(r, ev.ExecutorHost, ev.LogPath, ev.StartTime))
	case executor.EventSuccess:
		e.bus.Publish(NewTaskSuccessEvent(r, ev.EndTime, ev.VarPool))
	case executor.EventFailed:
		e.bus.Publish(NewTaskFailedEvent(r, ev.EndTime, ev.Message))
	case executor.EventPaused:
		e.bus.Publish(NewTaskPausedEvent(r, ev.EndTime))
	case executor.EventKilled:
		e.bus.Publish(NewTaskKilledEvent(r, ev.EndTime))
	default:
		e.log.Warn("未知的执行器回报类型", zap.String("type", string(ev.Type)))
	}
}

// onSlotAcquired 等待中的任务获得任务组槽位后继续派发
func (e *WorkflowEngine) onSlotAcquired(taskInstanceID, workflowInstanceID int64) {
	w, ok := e.workflows.Get(workflowInstanceID)
	if !ok {
		return
	}
	r, ok := w.Task(taskInstanceID)
	if !ok {
		return
	}
	e.bus.Publish(NewTaskDispatchEvent(r))
}

// HandleCommand 按命令类型创建或重建工作流运行时
func (e *WorkflowEngine) HandleCommand(ctx context.Context, cmd *workflow.Command) error {
	switch cmd.Type {
	case workflow.CommandStartProcess:
		return e.startProcess(ctx, cmd)
	case workflow.CommandRecoverFailure, workflow.CommandRecoverSuspended:
		return e.recoverWorkflow(ctx, cmd)
	case workflow.CommandFailover:
		return e.failover(ctx, cmd)
	}
	return fmt.Errorf("未知的命令类型: %s", cmd.Type)
}

func (e *WorkflowEngine) startProcess(ctx context.Context, cmd *workflow.Command) error {
	spec, err := e.repos.WorkflowDefinition.GetWorkflowSpec(ctx, cmd.DefinitionCode)
	if err != nil {
		return fmt.Errorf("读取工作流定义 %d 失败: %w", cmd.DefinitionCode, err)
	}
	inst := workflow.NewWorkflowInstance(&spec.Definition, cmd, e.cfg.MasterHost, time.Now())
	w, err := NewWorkflowExecutionRunnable(spec, inst)
	if err != nil {
		return err
	}
	if err := e.repos.WorkflowInstance.CreateWorkflowInstance(ctx, inst); err != nil {
		return fmt.Errorf("创建工作流实例失败: %w", err)
	}
	e.register(w)
	e.bus.Publish(NewWorkflowStartEvent(w))
	return nil
}

func (e *WorkflowEngine) register(w *WorkflowExecutionRunnable) {
	e.workflows.Upsert(w)
	e.metrics.ActiveWorkflows.Set(float64(e.workflows.Len()))
	e.log.Info("工作流已加载", zap.Int64("workflowInstanceId", w.ID()), zap.String("name", w.Name()), zap.String("status", string(w.Status())))
}

// loadInstance 读取实例和定义，实例已在内存中时返回nil
func (e *WorkflowEngine) loadInstance(ctx context.Context, id int64) (*workflow.WorkflowInstance, *workflow.WorkflowSpec, error) {
	if _, ok := e.workflows.Get(id); ok {
		e.log.Warn("工作流已在本master上运行，忽略命令", zap.Int64("workflowInstanceId", id))
		return nil, nil, nil
	}
	inst, err := e.repos.WorkflowInstance.GetWorkflowInstance(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("读取工作流实例 %d 失败: %w", id, err)
	}
	spec, err := e.repos.WorkflowDefinition.GetWorkflowSpec(ctx, inst.DefinitionCode)
	if err != nil {
		return nil, nil, fmt.Errorf("读取工作流定义 %d 失败: %w", inst.DefinitionCode, err)
	}
	return inst, spec, nil
}

// recoverWorkflow 成功的任务保留，其余任务置为失效后由拓扑推进重新创建
func (e *WorkflowEngine) recoverWorkflow(ctx context.Context, cmd *workflow.Command) error {
	inst, spec, err := e.loadInstance(ctx, cmd.WorkflowInstanceID)
	if err != nil || inst == nil {
		return err
	}
	switch {
	case cmd.Type == workflow.CommandRecoverFailure && inst.Status != workflow.StatusFailure,
		cmd.Type == workflow.CommandRecoverSuspended && inst.Status != workflow.StatusPause && inst.Status != workflow.StatusStop:
		return &IllegalStateError{WorkflowInstanceID: inst.ID, Actual: string(inst.Status), Event: string(cmd.Type)}
	}

	now := time.Now()
	inst.Status = workflow.StatusSubmittedSuccess
	inst.RunTimes++
	inst.RestartTime = &now
	inst.EndTime = nil
	inst.Host = e.cfg.MasterHost
	inst.CommandType = cmd.Type
	w, err := NewWorkflowExecutionRunnable(spec, inst)
	if err != nil {
		return err
	}

	tasks, err := e.repos.TaskInstance.ListValidByWorkflowInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	graph := w.Graph()
	for _, ti := range tasks {
		def, ok := graph.TaskDefinition(ti.TaskCode)
		if !ok {
			continue
		}
		if ti.Status == task.StatusSuccess {
			r := newTaskExecutionRunnable(w, def, ti)
			w.registerTask(r)
			graph.RestoreRunnable(ti.TaskCode, r)
			if task.IsConditionTask(def.TaskType) {
				e.actions.applyConditionBranch(r, ti.VarPool)
			}
			continue
		}
		ti.Flag = task.FlagNo
		if err := e.repos.TaskInstance.UpdateTaskInstance(ctx, ti); err != nil {
			return err
		}
	}
	graph.ClearMarks()
	if err := e.repos.WorkflowInstance.UpdateWorkflowInstance(ctx, inst); err != nil {
		return err
	}
	e.register(w)
	e.bus.Publish(NewWorkflowStartEvent(w))
	return nil
}

// failover 接管失联master的工作流：还原全部有效任务，活跃任务在FAILOVER动作中重放
func (e *WorkflowEngine) failover(ctx context.Context, cmd *workflow.Command) error {
	inst, spec, err := e.loadInstance(ctx, cmd.WorkflowInstanceID)
	if err != nil || inst == nil {
		return err
	}
	if inst.Status.IsFinished() {
		e.log.Info("工作流已结束，无需接管", zap.Int64("workflowInstanceId", inst.ID))
		return nil
	}
	from := inst.Status
	if from == workflow.StatusFailover {
		from = workflow.StatusRunningExecution
	}
	inst.Host = e.cfg.MasterHost
	if from != workflow.StatusSubmittedSuccess {
		inst.Status = workflow.StatusFailover
	}
	w, err := NewWorkflowExecutionRunnable(spec, inst)
	if err != nil {
		return err
	}
	w.setFailoverFrom(from)

	tasks, err := e.repos.TaskInstance.ListValidByWorkflowInstance(ctx, inst.ID)
	if err != nil {
		return err
	}
	graph := w.Graph()
	for _, ti := range tasks {
		def, ok := graph.TaskDefinition(ti.TaskCode)
		if !ok {
			continue
		}
		r := newTaskExecutionRunnable(w, def, ti)
		w.registerTask(r)
		graph.RestoreRunnable(ti.TaskCode, r)
		switch ti.Status {
		case task.StatusSuccess:
			if task.IsConditionTask(def.TaskType) {
				e.actions.applyConditionBranch(r, ti.VarPool)
			}
		case task.StatusFailure:
			if ti.CanRetry() {
				graph.MarkTaskExecutionRunnableActive(ti.TaskCode)
			} else if !graph.IsAllSuccessorsConditionTask(ti.TaskCode) {
				graph.MarkTaskExecutionRunnableChainFailure(ti.TaskCode)
			}
		case task.StatusPause:
			graph.MarkTaskExecutionRunnableChainPause(ti.TaskCode)
		case task.StatusKill:
			graph.MarkTaskExecutionRunnableChainKill(ti.TaskCode)
		default:
			graph.MarkTaskExecutionRunnableActive(ti.TaskCode)
		}
	}
	if err := e.repos.WorkflowInstance.UpdateWorkflowInstance(ctx, inst); err != nil {
		return err
	}
	e.register(w)
	if inst.Status == workflow.StatusSubmittedSuccess {
		e.bus.Publish(NewWorkflowStartEvent(w))
	} else {
		e.bus.Publish(NewWorkflowFailoverEvent(w))
	}
	return nil
}

// FailoverTasksOnHost 执行器下线后，本master上派发到该执行器的任务进入容错
func (e *WorkflowEngine) FailoverTasksOnHost(host string) int {
	n := 0
	for _, w := range e.workflows.All() {
		for _, r := range w.Graph().ActiveRunnables() {
			if r.Instance().Host != host {
				continue
			}
			switch r.Status() {
			case task.StatusDispatch, task.StatusRunningExecution:
				e.bus.Publish(NewTaskFailoverEvent(r))
				n++
			}
		}
	}
	if n > 0 {
		e.log.Warn("执行器下线，任务进入容错", zap.String("host", host), zap.Int("tasks", n))
	}
	return n
}
