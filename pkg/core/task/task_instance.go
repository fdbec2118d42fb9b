package task

import "time"

// TaskInstance 任务实例（一个任务节点在一次工作流运行中的一次尝试）
type TaskInstance struct {
	ID                    int64           `json:"id"`
	Name                  string          `json:"name"`
	TaskCode              int64           `json:"task_code"`
	TaskDefinitionVersion int             `json:"task_definition_version"`
	TaskType              string          `json:"task_type"`
	WorkflowInstanceID    int64           `json:"workflow_instance_id"`
	Status                ExecutionStatus `json:"status"`
	SubmitTime            time.Time       `json:"submit_time"`
	FirstSubmitTime       time.Time       `json:"first_submit_time"`
	StartTime             *time.Time      `json:"start_time,omitempty"`
	EndTime               *time.Time      `json:"end_time,omitempty"`
	Host                  string          `json:"host"`
	LogPath               string          `json:"log_path"`
	RetryTimes            int             `json:"retry_times"`
	MaxRetryTimes         int             `json:"max_retry_times"`
	RetryIntervalSeconds  int             `json:"retry_interval_seconds"`
	Flag                  Flag            `json:"flag"`
	Priority              Priority        `json:"priority"`
	WorkerGroup           string          `json:"worker_group"`
	TaskGroupID           int64           `json:"task_group_id"`
	TaskGroupPriority     int             `json:"task_group_priority"`
	DelayMinutes          int             `json:"delay_minutes"`
	TimeoutSeconds        int             `json:"timeout_seconds"`
	TimeoutStrategy       TimeoutStrategy `json:"timeout_strategy"`
	TaskParams            string          `json:"task_params"`
	VarPool               string          `json:"var_pool"`
}

// NewTaskInstance 根据任务定义创建首个尝试
func NewTaskInstance(def *TaskDefinition, workflowInstanceID int64, now time.Time) *TaskInstance {
	return &TaskInstance{
		Name:                  def.Name,
		TaskCode:              def.Code,
		TaskDefinitionVersion: def.Version,
		TaskType:              def.TaskType,
		WorkflowInstanceID:    workflowInstanceID,
		Status:                StatusSubmittedSuccess,
		SubmitTime:            now,
		FirstSubmitTime:       now,
		MaxRetryTimes:         def.FailRetryTimes,
		RetryIntervalSeconds:  def.FailRetryIntervalSeconds,
		Flag:                  FlagYes,
		Priority:              def.Priority,
		WorkerGroup:           def.WorkerGroup,
		TaskGroupID:           def.TaskGroupID,
		TaskGroupPriority:     def.TaskGroupPriority,
		DelayMinutes:          def.DelayMinutes,
		TimeoutSeconds:        def.TimeoutSeconds,
		TimeoutStrategy:       def.TimeoutStrategy,
		TaskParams:            def.TaskParams,
	}
}

// NewAttempt 基于当前实例生成新的尝试，firstSubmitTime保持不变
func (t *TaskInstance) NewAttempt(now time.Time, consumeRetry bool) *TaskInstance {
	next := *t
	next.ID = 0
	next.Status = StatusSubmittedSuccess
	next.SubmitTime = now
	next.StartTime = nil
	next.EndTime = nil
	next.Host = ""
	next.LogPath = ""
	next.Flag = FlagYes
	next.VarPool = ""
	if consumeRetry {
		next.RetryTimes = t.RetryTimes + 1
	}
	return &next
}

// CanRetry 是否还有剩余重试次数
func (t *TaskInstance) CanRetry() bool {
	return t.RetryTimes < t.MaxRetryTimes
}

// NeedTaskGroupSlot 是否需要任务组槽位
func (t *TaskInstance) NeedTaskGroupSlot() bool {
	return t.TaskGroupID > 0
}

// RetryInterval 重试间隔
func (t *TaskInstance) RetryInterval() time.Duration {
	return time.Duration(t.RetryIntervalSeconds) * time.Second
}

// RemainingDelay 距离可派发时间还剩多久
func (t *TaskInstance) RemainingDelay(now time.Time) time.Duration {
	if t.DelayMinutes <= 0 {
		return 0
	}
	due := t.FirstSubmitTime.Add(time.Duration(t.DelayMinutes) * time.Minute)
	if remaining := due.Sub(now); remaining > 0 {
		return remaining
	}
	return 0
}

// Clone 拷贝实例
func (t *TaskInstance) Clone() *TaskInstance {
	c := *t
	return &c
}
