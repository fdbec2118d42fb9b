package task

import "time"

// TaskExecutionContext 派发给执行器的任务执行上下文
type TaskExecutionContext struct {
	TaskInstanceID     int64                     `json:"task_instance_id"`
	TaskName           string                    `json:"task_name"`
	TaskCode           int64                     `json:"task_code"`
	TaskType           string                    `json:"task_type"`
	WorkflowInstanceID int64                     `json:"workflow_instance_id"`
	WorkflowCode       int64                     `json:"workflow_code"`
	TaskParams         string                    `json:"task_params"`
	PrepareParams      map[string]string         `json:"prepare_params,omitempty"`
	DependResults      map[int64]ExecutionStatus `json:"depend_results,omitempty"`
	WorkerGroup        string                    `json:"worker_group"`
	ExecutorHost       string                    `json:"executor_host"`
	MasterHost         string                    `json:"master_host"`
	LogPath            string                    `json:"log_path"`
	FirstSubmitTime    time.Time                 `json:"first_submit_time"`
	StartTime          time.Time                 `json:"start_time"`
	EndTime            time.Time                 `json:"end_time"`
	TimeoutSeconds     int                       `json:"timeout_seconds"`
	TimeoutStrategy    TimeoutStrategy           `json:"timeout_strategy"`
	Status             ExecutionStatus           `json:"status"`
	VarPool            string                    `json:"var_pool"`
}

// Deadline 超时截止时间，未配置超时返回零值
func (c *TaskExecutionContext) Deadline() time.Time {
	if c.TimeoutSeconds <= 0 || c.StartTime.IsZero() {
		return time.Time{}
	}
	return c.StartTime.Add(time.Duration(c.TimeoutSeconds) * time.Second)
}

// Copy 浅拷贝，map字段重新分配
func (c *TaskExecutionContext) Copy() *TaskExecutionContext {
	cp := *c
	if c.PrepareParams != nil {
		cp.PrepareParams = make(map[string]string, len(c.PrepareParams))
		for k, v := range c.PrepareParams {
			cp.PrepareParams[k] = v
		}
	}
	if c.DependResults != nil {
		cp.DependResults = make(map[int64]ExecutionStatus, len(c.DependResults))
		for k, v := range c.DependResults {
			cp.DependResults[k] = v
		}
	}
	return &cp
}
