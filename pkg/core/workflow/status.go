package workflow

// ExecutionStatus 工作流实例状态
type ExecutionStatus string

const (
	StatusSubmittedSuccess ExecutionStatus = "SUBMITTED_SUCCESS"
	StatusRunningExecution ExecutionStatus = "RUNNING_EXECUTION"
	StatusReadyPause       ExecutionStatus = "READY_PAUSE"
	StatusPause            ExecutionStatus = "PAUSE"
	StatusReadyStop        ExecutionStatus = "READY_STOP"
	StatusStop             ExecutionStatus = "STOP"
	StatusFailure          ExecutionStatus = "FAILURE"
	StatusSuccess          ExecutionStatus = "SUCCESS"
	StatusFailover         ExecutionStatus = "FAILOVER"
)

// AllExecutionStatuses 全部工作流状态
func AllExecutionStatuses() []ExecutionStatus {
	return []ExecutionStatus{
		StatusSubmittedSuccess,
		StatusRunningExecution,
		StatusReadyPause,
		StatusPause,
		StatusReadyStop,
		StatusStop,
		StatusFailure,
		StatusSuccess,
		StatusFailover,
	}
}

// String 实现Stringer
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsFinished 是否为终态
func (s ExecutionStatus) IsFinished() bool {
	switch s {
	case StatusPause, StatusStop, StatusFailure, StatusSuccess:
		return true
	}
	return false
}

// IsReadyPauseOrStop 正在等待暂停或停止
func (s ExecutionStatus) IsReadyPauseOrStop() bool {
	return s == StatusReadyPause || s == StatusReadyStop
}
