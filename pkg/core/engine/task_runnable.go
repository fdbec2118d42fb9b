package engine

import (
	"sync"

	"github.com/LENAX/dag-master/pkg/core/queue"
	"github.com/LENAX/dag-master/pkg/core/task"
)

// TaskExecutionRunnable 任务实例的运行时包装，一次尝试对应一个
// 状态只由所属工作流的事件消费协程修改，派发协程只读
type TaskExecutionRunnable struct {
	workflow   *WorkflowExecutionRunnable
	definition *task.TaskDefinition

	mu                  sync.RWMutex
	instance            *task.TaskInstance
	stopRequest         EventType
	dispatchFailedTimes int
}

func newTaskExecutionRunnable(wf *WorkflowExecutionRunnable, def *task.TaskDefinition, inst *task.TaskInstance) *TaskExecutionRunnable {
	return &TaskExecutionRunnable{workflow: wf, definition: def, instance: inst}
}

// Workflow 所属工作流
func (r *TaskExecutionRunnable) Workflow() *WorkflowExecutionRunnable {
	return r.workflow
}

// Definition 任务定义
func (r *TaskExecutionRunnable) Definition() *task.TaskDefinition {
	return r.definition
}

// Instance 任务实例快照
func (r *TaskExecutionRunnable) Instance() *task.TaskInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance.Clone()
}

// ID 任务实例ID
func (r *TaskExecutionRunnable) ID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance.ID
}

// TaskCode 任务编码
func (r *TaskExecutionRunnable) TaskCode() int64 {
	return r.definition.Code
}

// Name 任务名
func (r *TaskExecutionRunnable) Name() string {
	return r.definition.Name
}

// Status 当前状态
func (r *TaskExecutionRunnable) Status() task.ExecutionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance.Status
}

// update 修改实例并返回修改后的快照（用于持久化）
func (r *TaskExecutionRunnable) update(fn func(ti *task.TaskInstance)) *task.TaskInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.instance)
	return r.instance.Clone()
}

// Priority 派发队列排序键
func (r *TaskExecutionRunnable) Priority() queue.TaskPriority {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return queue.TaskPriority{
		DispatchFailedTimes: r.dispatchFailedTimes,
		WorkflowPriority:    int(r.workflow.Priority()),
		WorkflowInstanceID:  r.instance.WorkflowInstanceID,
		TaskPriority:        int(r.instance.Priority),
		TaskGroupPriority:   r.instance.TaskGroupPriority,
		TaskInstanceID:      r.instance.ID,
	}
}

// requestStop 记录暂停/停止请求，派发中的任务在下一步检查
func (r *TaskExecutionRunnable) requestStop(t EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// 停止优先于暂停
	if r.stopRequest == EventTaskKill {
		return
	}
	r.stopRequest = t
}

// StopRequest 待处理的暂停/停止请求，没有时为空
func (r *TaskExecutionRunnable) StopRequest() EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stopRequest
}

func (r *TaskExecutionRunnable) incDispatchFailed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchFailedTimes++
	return r.dispatchFailedTimes
}

// DispatchFailedTimes 派发失败次数
func (r *TaskExecutionRunnable) DispatchFailedTimes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dispatchFailedTimes
}
