package engine

import "time"

// EventType 生命周期事件类型
type EventType string

// 任务事件
const (
	EventTaskStart      EventType = "TASK_START"
	EventTaskRunning    EventType = "TASK_RUNNING"
	EventTaskRetry      EventType = "TASK_RETRY"
	EventTaskDispatch   EventType = "TASK_DISPATCH"
	EventTaskDispatched EventType = "TASK_DISPATCHED"
	EventTaskPause      EventType = "TASK_PAUSE"
	EventTaskPaused     EventType = "TASK_PAUSED"
	EventTaskKill       EventType = "TASK_KILL"
	EventTaskKilled     EventType = "TASK_KILLED"
	EventTaskFailed     EventType = "TASK_FAILED"
	EventTaskSuccess    EventType = "TASK_SUCCESS"
	EventTaskFailover   EventType = "TASK_FAILOVER"
)

// 工作流事件
const (
	EventWorkflowStart              EventType = "WORKFLOW_START"
	EventWorkflowFailover           EventType = "WORKFLOW_FAILOVER"
	EventWorkflowTopologyTransition EventType = "WORKFLOW_TOPOLOGY_TRANSITION"
	EventWorkflowPause              EventType = "WORKFLOW_PAUSE"
	EventWorkflowPaused             EventType = "WORKFLOW_PAUSED"
	EventWorkflowStop               EventType = "WORKFLOW_STOP"
	EventWorkflowStopped            EventType = "WORKFLOW_STOPPED"
	EventWorkflowSucceed            EventType = "WORKFLOW_SUCCEED"
	EventWorkflowFailed             EventType = "WORKFLOW_FAILED"
)

// IsAck 外部回执类事件：重复或迟到时只告警不报错
func (t EventType) IsAck() bool {
	switch t {
	case EventTaskRunning, EventTaskDispatched, EventTaskPaused, EventTaskKilled,
		EventTaskFailed, EventTaskSuccess,
		EventWorkflowTopologyTransition, EventWorkflowPaused, EventWorkflowStopped,
		EventWorkflowSucceed, EventWorkflowFailed:
		return true
	}
	return false
}

// LifecycleEvent 不可变的生命周期事件，由所属工作流的事件总线消费一次
type LifecycleEvent interface {
	Type() EventType
	Workflow() *WorkflowExecutionRunnable
	CreateTime() time.Time
}

// TaskLifecycleEvent 作用于单个任务执行体的事件
type TaskLifecycleEvent interface {
	LifecycleEvent
	Task() *TaskExecutionRunnable
}

type taskEvent struct {
	task       *TaskExecutionRunnable
	createTime time.Time
}

func newTaskEvent(r *TaskExecutionRunnable) taskEvent {
	return taskEvent{task: r, createTime: time.Now()}
}

func (e taskEvent) Task() *TaskExecutionRunnable         { return e.task }
func (e taskEvent) Workflow() *WorkflowExecutionRunnable { return e.task.Workflow() }
func (e taskEvent) CreateTime() time.Time                { return e.createTime }

// TaskStartLifecycleEvent 任务执行体创建后开始推进
type TaskStartLifecycleEvent struct{ taskEvent }

// TaskRunningLifecycleEvent 执行器回报开始运行
type TaskRunningLifecycleEvent struct {
	taskEvent
	Host      string
	LogPath   string
	StartTime time.Time
}

// TaskRetryLifecycleEvent 失败任务到达重试时间
type TaskRetryLifecycleEvent struct{ taskEvent }

// TaskDispatchLifecycleEvent 任务进入派发队列
type TaskDispatchLifecycleEvent struct{ taskEvent }

// TaskDispatchedLifecycleEvent 执行器已接收任务
type TaskDispatchedLifecycleEvent struct {
	taskEvent
	Host string
}

// TaskPauseLifecycleEvent 请求暂停任务
type TaskPauseLifecycleEvent struct{ taskEvent }

// TaskPausedLifecycleEvent 任务已暂停
type TaskPausedLifecycleEvent struct {
	taskEvent
	EndTime time.Time
}

// TaskKillLifecycleEvent 请求终止任务
type TaskKillLifecycleEvent struct{ taskEvent }

// TaskKilledLifecycleEvent 任务已终止
type TaskKilledLifecycleEvent struct {
	taskEvent
	EndTime time.Time
}

// TaskFailedLifecycleEvent 任务执行失败
type TaskFailedLifecycleEvent struct {
	taskEvent
	EndTime time.Time
	Message string
}

// TaskSuccessLifecycleEvent 任务执行成功
type TaskSuccessLifecycleEvent struct {
	taskEvent
	EndTime time.Time
	VarPool string
}

// TaskFailoverLifecycleEvent 执行器或master失联后接管任务
type TaskFailoverLifecycleEvent struct{ taskEvent }

func (*TaskStartLifecycleEvent) Type() EventType      { return EventTaskStart }
func (*TaskRunningLifecycleEvent) Type() EventType    { return EventTaskRunning }
func (*TaskRetryLifecycleEvent) Type() EventType      { return EventTaskRetry }
func (*TaskDispatchLifecycleEvent) Type() EventType   { return EventTaskDispatch }
func (*TaskDispatchedLifecycleEvent) Type() EventType { return EventTaskDispatched }
func (*TaskPauseLifecycleEvent) Type() EventType      { return EventTaskPause }
func (*TaskPausedLifecycleEvent) Type() EventType     { return EventTaskPaused }
func (*TaskKillLifecycleEvent) Type() EventType       { return EventTaskKill }
func (*TaskKilledLifecycleEvent) Type() EventType     { return EventTaskKilled }
func (*TaskFailedLifecycleEvent) Type() EventType     { return EventTaskFailed }
func (*TaskSuccessLifecycleEvent) Type() EventType    { return EventTaskSuccess }
func (*TaskFailoverLifecycleEvent) Type() EventType   { return EventTaskFailover }

// NewTaskStartEvent 创建任务开始事件
func NewTaskStartEvent(r *TaskExecutionRunnable) *TaskStartLifecycleEvent {
	return &TaskStartLifecycleEvent{newTaskEvent(r)}
}

// NewTaskRunningEvent 创建任务运行回执
func NewTaskRunningEvent(r *TaskExecutionRunnable, host, logPath string, startTime time.Time) *TaskRunningLifecycleEvent {
	return &TaskRunningLifecycleEvent{taskEvent: newTaskEvent(r), Host: host, LogPath: logPath, StartTime: startTime}
}

// NewTaskRetryEvent 创建任务重试事件
func NewTaskRetryEvent(r *TaskExecutionRunnable) *TaskRetryLifecycleEvent {
	return &TaskRetryLifecycleEvent{newTaskEvent(r)}
}

// NewTaskDispatchEvent 创建任务派发事件
func NewTaskDispatchEvent(r *TaskExecutionRunnable) *TaskDispatchLifecycleEvent {
	return &TaskDispatchLifecycleEvent{newTaskEvent(r)}
}

// NewTaskDispatchedEvent 创建派发成功回执
func NewTaskDispatchedEvent(r *TaskExecutionRunnable, host string) *TaskDispatchedLifecycleEvent {
	return &TaskDispatchedLifecycleEvent{taskEvent: newTaskEvent(r), Host: host}
}

// NewTaskPauseEvent 创建暂停请求
func NewTaskPauseEvent(r *TaskExecutionRunnable) *TaskPauseLifecycleEvent {
	return &TaskPauseLifecycleEvent{newTaskEvent(r)}
}

// NewTaskPausedEvent 创建暂停回执
func NewTaskPausedEvent(r *TaskExecutionRunnable, endTime time.Time) *TaskPausedLifecycleEvent {
	return &TaskPausedLifecycleEvent{taskEvent: newTaskEvent(r), EndTime: endTime}
}

// NewTaskKillEvent 创建终止请求
func NewTaskKillEvent(r *TaskExecutionRunnable) *TaskKillLifecycleEvent {
	return &TaskKillLifecycleEvent{newTaskEvent(r)}
}

// NewTaskKilledEvent 创建终止回执
func NewTaskKilledEvent(r *TaskExecutionRunnable, endTime time.Time) *TaskKilledLifecycleEvent {
	return &TaskKilledLifecycleEvent{taskEvent: newTaskEvent(r), EndTime: endTime}
}

// NewTaskFailedEvent 创建失败回执
func NewTaskFailedEvent(r *TaskExecutionRunnable, endTime time.Time, message string) *TaskFailedLifecycleEvent {
	return &TaskFailedLifecycleEvent{taskEvent: newTaskEvent(r), EndTime: endTime, Message: message}
}

// NewTaskSuccessEvent 创建成功回执
func NewTaskSuccessEvent(r *TaskExecutionRunnable, endTime time.Time, varPool string) *TaskSuccessLifecycleEvent {
	return &TaskSuccessLifecycleEvent{taskEvent: newTaskEvent(r), EndTime: endTime, VarPool: varPool}
}

// NewTaskFailoverEvent 创建容错事件
func NewTaskFailoverEvent(r *TaskExecutionRunnable) *TaskFailoverLifecycleEvent {
	return &TaskFailoverLifecycleEvent{newTaskEvent(r)}
}

type workflowEvent struct {
	workflow   *WorkflowExecutionRunnable
	createTime time.Time
}

func newWorkflowEvent(w *WorkflowExecutionRunnable) workflowEvent {
	return workflowEvent{workflow: w, createTime: time.Now()}
}

func (e workflowEvent) Workflow() *WorkflowExecutionRunnable { return e.workflow }
func (e workflowEvent) CreateTime() time.Time                { return e.createTime }

// WorkflowStartLifecycleEvent 工作流开始执行（新建或恢复）
type WorkflowStartLifecycleEvent struct{ workflowEvent }

// WorkflowFailoverLifecycleEvent 接管失联master的工作流
type WorkflowFailoverLifecycleEvent struct{ workflowEvent }

// WorkflowTopologyTransitionLifecycleEvent 有任务结束，由执行图决定下一批任务
type WorkflowTopologyTransitionLifecycleEvent struct {
	workflowEvent
	Finished *TaskExecutionRunnable
}

// WorkflowPauseLifecycleEvent 请求暂停工作流
type WorkflowPauseLifecycleEvent struct{ workflowEvent }

// WorkflowPausedLifecycleEvent 工作流已暂停
type WorkflowPausedLifecycleEvent struct{ workflowEvent }

// WorkflowStopLifecycleEvent 请求停止工作流
type WorkflowStopLifecycleEvent struct{ workflowEvent }

// WorkflowStoppedLifecycleEvent 工作流已停止
type WorkflowStoppedLifecycleEvent struct{ workflowEvent }

// WorkflowSucceedLifecycleEvent 工作流执行成功
type WorkflowSucceedLifecycleEvent struct{ workflowEvent }

// WorkflowFailedLifecycleEvent 工作流执行失败
type WorkflowFailedLifecycleEvent struct{ workflowEvent }

func (*WorkflowStartLifecycleEvent) Type() EventType              { return EventWorkflowStart }
func (*WorkflowFailoverLifecycleEvent) Type() EventType           { return EventWorkflowFailover }
func (*WorkflowTopologyTransitionLifecycleEvent) Type() EventType { return EventWorkflowTopologyTransition }
func (*WorkflowPauseLifecycleEvent) Type() EventType              { return EventWorkflowPause }
func (*WorkflowPausedLifecycleEvent) Type() EventType             { return EventWorkflowPaused }
func (*WorkflowStopLifecycleEvent) Type() EventType               { return EventWorkflowStop }
func (*WorkflowStoppedLifecycleEvent) Type() EventType            { return EventWorkflowStopped }
func (*WorkflowSucceedLifecycleEvent) Type() EventType            { return EventWorkflowSucceed }
func (*WorkflowFailedLifecycleEvent) Type() EventType             { return EventWorkflowFailed }

// NewWorkflowStartEvent 创建工作流开始事件
func NewWorkflowStartEvent(w *WorkflowExecutionRunnable) *WorkflowStartLifecycleEvent {
	return &WorkflowStartLifecycleEvent{newWorkflowEvent(w)}
}

// NewWorkflowFailoverEvent 创建工作流接管事件
func NewWorkflowFailoverEvent(w *WorkflowExecutionRunnable) *WorkflowFailoverLifecycleEvent {
	return &WorkflowFailoverLifecycleEvent{newWorkflowEvent(w)}
}

// NewWorkflowTopologyTransitionEvent 创建拓扑推进事件
func NewWorkflowTopologyTransitionEvent(w *WorkflowExecutionRunnable, finished *TaskExecutionRunnable) *WorkflowTopologyTransitionLifecycleEvent {
	return &WorkflowTopologyTransitionLifecycleEvent{workflowEvent: newWorkflowEvent(w), Finished: finished}
}

// NewWorkflowPauseEvent 创建工作流暂停请求
func NewWorkflowPauseEvent(w *WorkflowExecutionRunnable) *WorkflowPauseLifecycleEvent {
	return &WorkflowPauseLifecycleEvent{newWorkflowEvent(w)}
}

// NewWorkflowStopEvent 创建工作流停止请求
func NewWorkflowStopEvent(w *WorkflowExecutionRunnable) *WorkflowStopLifecycleEvent {
	return &WorkflowStopLifecycleEvent{newWorkflowEvent(w)}
}

// newWorkflowFinishEvent 按结束状态创建对应的终态事件
func newWorkflowFinishEvent(w *WorkflowExecutionRunnable, t EventType) LifecycleEvent {
	base := newWorkflowEvent(w)
	switch t {
	case EventWorkflowPaused:
		return &WorkflowPausedLifecycleEvent{base}
	case EventWorkflowStopped:
		return &WorkflowStoppedLifecycleEvent{base}
	case EventWorkflowFailed:
		return &WorkflowFailedLifecycleEvent{base}
	}
	return &WorkflowSucceedLifecycleEvent{base}
}
