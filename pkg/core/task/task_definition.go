package task

import "strconv"

// Priority 优先级，数值越小优先级越高
type Priority int

const (
	PriorityHighest Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityLowest
)

// TimeoutStrategy 超时处理策略
type TimeoutStrategy string

const (
	TimeoutWarn       TimeoutStrategy = "WARN"
	TimeoutFailed     TimeoutStrategy = "FAILED"
	TimeoutWarnFailed TimeoutStrategy = "WARNFAILED"
)

// ShouldFail 超时后是否将任务置为失败
func (s TimeoutStrategy) ShouldFail() bool {
	return s == TimeoutFailed || s == TimeoutWarnFailed
}

// Flag 任务实例是否为当前有效版本（重试后旧实例置为NO）
type Flag int

const (
	FlagNo  Flag = 0
	FlagYes Flag = 1
)

// TaskDefinition 任务定义
type TaskDefinition struct {
	Code                     int64           `json:"code" yaml:"code" db:"code"`
	Version                  int             `json:"version" yaml:"version" db:"version"`
	Name                     string          `json:"name" yaml:"name" db:"name"`
	TaskType                 string          `json:"task_type" yaml:"task_type" db:"task_type"`
	TaskParams               string          `json:"task_params" yaml:"task_params" db:"task_params"`
	Priority                 Priority        `json:"priority" yaml:"priority" db:"priority"`
	WorkerGroup              string          `json:"worker_group" yaml:"worker_group" db:"worker_group"`
	FailRetryTimes           int             `json:"fail_retry_times" yaml:"fail_retry_times" db:"fail_retry_times"`
	FailRetryIntervalSeconds int             `json:"fail_retry_interval_seconds" yaml:"fail_retry_interval_seconds" db:"fail_retry_interval_seconds"`
	DelayMinutes             int             `json:"delay_minutes" yaml:"delay_minutes" db:"delay_minutes"`
	TimeoutSeconds           int             `json:"timeout_seconds" yaml:"timeout_seconds" db:"timeout_seconds"`
	TimeoutStrategy          TimeoutStrategy `json:"timeout_strategy" yaml:"timeout_strategy" db:"timeout_strategy"`
	TaskGroupID              int64           `json:"task_group_id" yaml:"task_group_id" db:"task_group_id"`
	TaskGroupPriority        int             `json:"task_group_priority" yaml:"task_group_priority" db:"task_group_priority"`
}

// NodeID DAG节点ID
func (d *TaskDefinition) NodeID() string {
	return CodeToNodeID(d.Code)
}

// CodeToNodeID 任务编码转DAG节点ID
func CodeToNodeID(code int64) string {
	return strconv.FormatInt(code, 10)
}

// NodeIDToCode DAG节点ID转任务编码
func NodeIDToCode(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}
