package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/metrics"
	"github.com/LENAX/dag-master/pkg/storage"
	"go.uber.org/zap"
)

// TaskGroupSlots 任务组槽位，taskgroup.Coordinator实现
type TaskGroupSlots interface {
	AcquireSlot(ctx context.Context, ti *task.TaskInstance) (bool, error)
	ReleaseSlot(ctx context.Context, ti *task.TaskInstance) error
	RemoveWaiting(ctx context.Context, taskInstanceID int64) (bool, error)
	ResetSlot(ctx context.Context, ti *task.TaskInstance) error
}

// DispatchQueue 待派发任务队列，TaskDispatcher实现
type DispatchQueue interface {
	Offer(r *TaskExecutionRunnable, delay time.Duration) bool
	Remove(r *TaskExecutionRunnable) bool
}

// actionContext 状态动作共享的协作者
type actionContext struct {
	taskRepo     storage.TaskInstanceRepository
	workflowRepo storage.WorkflowInstanceRepository
	workflows    *WorkflowRepository
	publisher    EventPublisher
	slots        TaskGroupSlots
	dispatcher   DispatchQueue
	client       TaskExecutorClient
	selector     ExecutorSelector
	metrics      *metrics.Metrics
	masterHost   string
	now          func() time.Time
	// discarded 工作流结束时丢弃的事件数回调
	discarded func(n int)
	log       *zap.Logger
}

func (c *actionContext) validate() error {
	switch {
	case c.taskRepo == nil || c.workflowRepo == nil:
		return fmt.Errorf("缺少实例存储")
	case c.workflows == nil:
		return fmt.Errorf("缺少工作流内存仓库")
	case c.publisher == nil:
		return fmt.Errorf("缺少事件发布器")
	case c.slots == nil:
		return fmt.Errorf("缺少任务组协调器")
	case c.dispatcher == nil:
		return fmt.Errorf("缺少派发队列")
	case c.client == nil || c.selector == nil:
		return fmt.Errorf("缺少执行器客户端")
	case c.metrics == nil:
		return fmt.Errorf("缺少指标")
	}
	if c.now == nil {
		c.now = time.Now
	}
	return nil
}

func (c *actionContext) taskLog(r *TaskExecutionRunnable) *zap.Logger {
	return c.log.With(
		zap.Int64("workflowInstanceId", r.Workflow().ID()),
		zap.Int64("taskInstanceId", r.ID()),
		zap.String("taskName", r.Name()),
		zap.String("status", string(r.Status())))
}

func (c *actionContext) workflowLog(w *WorkflowExecutionRunnable) *zap.Logger {
	return c.log.With(
		zap.Int64("workflowInstanceId", w.ID()),
		zap.String("workflowName", w.Name()),
		zap.String("status", string(w.Status())))
}

// transition 修改任务实例并持久化
func (c *actionContext) transition(ctx context.Context, r *TaskExecutionRunnable, fn func(ti *task.TaskInstance)) error {
	before := r.Status()
	ti := r.update(fn)
	if err := c.taskRepo.UpdateTaskInstance(ctx, ti); err != nil {
		return fmt.Errorf("持久化任务实例 %d 失败: %w", ti.ID, err)
	}
	if ti.Status != before {
		c.metrics.TaskTransitions.WithLabelValues(string(ti.Status)).Inc()
		c.taskLog(r).Info("任务状态变更", zap.String("from", string(before)))
	}
	return nil
}

func (c *actionContext) setStatus(ctx context.Context, r *TaskExecutionRunnable, s task.ExecutionStatus) error {
	return c.transition(ctx, r, func(ti *task.TaskInstance) { ti.Status = s })
}

// persistWorkflow 修改工作流实例并持久化
func (c *actionContext) persistWorkflow(ctx context.Context, w *WorkflowExecutionRunnable, fn func(wi *workflow.WorkflowInstance)) error {
	wi := w.update(fn)
	if err := c.workflowRepo.UpdateWorkflowInstance(ctx, wi); err != nil {
		return fmt.Errorf("持久化工作流实例 %d 失败: %w", wi.ID, err)
	}
	return nil
}

func (c *actionContext) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return c.now()
	}
	return t
}

func (c *actionContext) releaseSlot(ctx context.Context, r *TaskExecutionRunnable) {
	if err := c.slots.ReleaseSlot(ctx, r.Instance()); err != nil {
		c.taskLog(r).Error("释放任务组槽位失败", zap.Error(err))
	}
}

func (c *actionContext) publishTopology(r *TaskExecutionRunnable) {
	c.publisher.Publish(NewWorkflowTopologyTransitionEvent(r.Workflow(), r))
}

// onPaused 任务暂停：释放槽位、标记下游暂停并推进拓扑
func (c *actionContext) onPaused(ctx context.Context, r *TaskExecutionRunnable, endTime time.Time) error {
	return c.onStopped(ctx, r, task.StatusPause, endTime)
}

// onKilled 任务停止：释放槽位、标记下游停止并推进拓扑
func (c *actionContext) onKilled(ctx context.Context, r *TaskExecutionRunnable, endTime time.Time) error {
	return c.onStopped(ctx, r, task.StatusKill, endTime)
}

func (c *actionContext) onStopped(ctx context.Context, r *TaskExecutionRunnable, status task.ExecutionStatus, endTime time.Time) error {
	endTime = c.orNow(endTime)
	c.releaseSlot(ctx, r)
	err := c.transition(ctx, r, func(ti *task.TaskInstance) {
		ti.Status = status
		ti.EndTime = &endTime
	})
	graph := r.Workflow().Graph()
	if status == task.StatusPause {
		graph.MarkTaskExecutionRunnableChainPause(r.TaskCode())
	} else {
		graph.MarkTaskExecutionRunnableChainKill(r.TaskCode())
	}
	graph.MarkTaskExecutionRunnableInActive(r.TaskCode())
	c.publishTopology(r)
	return err
}

// onStopRequested 按停止请求收尾，默认暂停
func (c *actionContext) onStopRequested(ctx context.Context, r *TaskExecutionRunnable, endTime time.Time) error {
	if r.StopRequest() == EventTaskKill {
		return c.onKilled(ctx, r, endTime)
	}
	return c.onPaused(ctx, r, endTime)
}

// onFailed 任务失败：有剩余重试次数时延迟发布重试，否则按链路失败处理
func (c *actionContext) onFailed(ctx context.Context, r *TaskExecutionRunnable, endTime time.Time, message string) error {
	endTime = c.orNow(endTime)
	c.releaseSlot(ctx, r)
	if err := c.transition(ctx, r, func(ti *task.TaskInstance) {
		ti.Status = task.StatusFailure
		ti.EndTime = &endTime
	}); err != nil {
		return err
	}
	log := c.taskLog(r)
	log.Warn("任务执行失败", zap.String("message", message))

	w := r.Workflow()
	ti := r.Instance()
	if ti.CanRetry() {
		switch w.Status() {
		case workflow.StatusReadyPause:
			return c.stopFailedChain(r, task.StatusPause)
		case workflow.StatusReadyStop:
			return c.stopFailedChain(r, task.StatusKill)
		}
		log.Info("任务将在重试间隔后重试",
			zap.Int("retryTimes", ti.RetryTimes), zap.Int("maxRetryTimes", ti.MaxRetryTimes),
			zap.Duration("interval", ti.RetryInterval()))
		c.publisher.PublishDelayed(NewTaskRetryEvent(r), ti.RetryInterval())
		return nil
	}
	c.failChain(r)
	return nil
}

// stopFailedChain 工作流等待暂停/停止时，可重试的失败任务不再重试，下游按暂停/停止标记
func (c *actionContext) stopFailedChain(r *TaskExecutionRunnable, as task.ExecutionStatus) error {
	graph := r.Workflow().Graph()
	if as == task.StatusPause {
		graph.MarkTaskExecutionRunnableChainPause(r.TaskCode())
	} else {
		graph.MarkTaskExecutionRunnableChainKill(r.TaskCode())
	}
	graph.MarkTaskExecutionRunnableInActive(r.TaskCode())
	c.publishTopology(r)
	return nil
}

// failChain 失败不再重试：后继全是条件任务时交给条件分支判断，否则标记链路失败
func (c *actionContext) failChain(r *TaskExecutionRunnable) {
	w := r.Workflow()
	graph := w.Graph()
	code := r.TaskCode()
	if graph.IsAllSuccessorsConditionTask(code) {
		graph.MarkTaskExecutionRunnableInActive(code)
		c.publishTopology(r)
		return
	}
	graph.MarkTaskExecutionRunnableChainFailure(code)
	graph.MarkTaskExecutionRunnableInActive(code)
	if w.Instance().FailureStrategy == workflow.FailureEnd {
		for _, other := range graph.ActiveRunnables() {
			if other == r {
				continue
			}
			other.requestStop(EventTaskKill)
			c.publisher.Publish(NewTaskKillEvent(other))
		}
	}
	c.publishTopology(r)
}

// onSuccess 任务成功：合并变量池，条件任务记录选中分支
func (c *actionContext) onSuccess(ctx context.Context, r *TaskExecutionRunnable, endTime time.Time, varPool string) error {
	endTime = c.orNow(endTime)
	c.releaseSlot(ctx, r)
	if err := c.transition(ctx, r, func(ti *task.TaskInstance) {
		ti.Status = task.StatusSuccess
		ti.EndTime = &endTime
		ti.VarPool = varPool
	}); err != nil {
		return err
	}

	w := r.Workflow()
	if varPool != "" {
		merged, err := task.MergeVarPool(w.Instance().VarPool, varPool)
		if err != nil {
			c.taskLog(r).Warn("合并变量池失败", zap.Error(err))
		} else if merged != w.Instance().VarPool {
			if err := c.persistWorkflow(ctx, w, func(wi *workflow.WorkflowInstance) { wi.VarPool = merged }); err != nil {
				c.taskLog(r).Error("保存工作流变量池失败", zap.Error(err))
			}
		}
	}

	graph := w.Graph()
	if task.IsConditionTask(r.Definition().TaskType) {
		c.applyConditionBranch(r, varPool)
	}
	graph.MarkTaskExecutionRunnableInActive(r.TaskCode())
	c.publishTopology(r)
	return nil
}

func (c *actionContext) applyConditionBranch(r *TaskExecutionRunnable, varPool string) {
	params, err := task.ParseConditionParams(r.Definition().TaskParams)
	if err != nil {
		c.taskLog(r).Error("解析条件任务参数失败", zap.Error(err))
		return
	}
	result := task.ConditionBranchSuccess
	props, _ := task.ParseVarPool(varPool)
	if p, ok := task.LookupProperty(props, task.ConditionResultProp); ok {
		result = p.Value
	}
	chosen := params.Branch(result)
	r.Workflow().Graph().SetConditionBranch(r.TaskCode(), chosen)
	c.taskLog(r).Info("条件任务选择分支", zap.String("result", result), zap.Int64s("nodes", chosen))
}

// forwardStopRequest 派发期间收到的暂停/停止请求，在任务交给执行器后补发
func (c *actionContext) forwardStopRequest(r *TaskExecutionRunnable) {
	switch r.StopRequest() {
	case EventTaskPause:
		c.publisher.Publish(NewTaskPauseEvent(r))
	case EventTaskKill:
		c.publisher.Publish(NewTaskKillEvent(r))
	}
}

// newAttempt 旧尝试置为失效，创建新尝试并绑定到执行图
func (c *actionContext) newAttempt(ctx context.Context, r *TaskExecutionRunnable, consumeRetry bool) (*TaskExecutionRunnable, error) {
	if err := c.transition(ctx, r, func(ti *task.TaskInstance) { ti.Flag = task.FlagNo }); err != nil {
		return nil, err
	}
	next := r.Instance().NewAttempt(c.now(), consumeRetry)
	if err := c.taskRepo.CreateTaskInstance(ctx, next); err != nil {
		return nil, fmt.Errorf("创建任务实例失败: %w", err)
	}
	w := r.Workflow()
	nr := newTaskExecutionRunnable(w, r.Definition(), next)
	w.registerTask(nr)
	w.Graph().BindRunnable(nr.TaskCode(), nr)
	c.metrics.TaskTransitions.WithLabelValues(string(next.Status)).Inc()
	return nr, nil
}
