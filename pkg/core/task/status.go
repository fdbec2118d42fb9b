package task

// ExecutionStatus 任务实例执行状态
type ExecutionStatus string

const (
	StatusSubmittedSuccess   ExecutionStatus = "SUBMITTED_SUCCESS"
	StatusDispatch           ExecutionStatus = "DISPATCH"
	StatusDelayExecution     ExecutionStatus = "DELAY_EXECUTION"
	StatusRunningExecution   ExecutionStatus = "RUNNING_EXECUTION"
	StatusPause              ExecutionStatus = "PAUSE"
	StatusKill               ExecutionStatus = "KILL"
	StatusFailure            ExecutionStatus = "FAILURE"
	StatusSuccess            ExecutionStatus = "SUCCESS"
	StatusNeedFaultTolerance ExecutionStatus = "NEED_FAULT_TOLERANCE"
)

// AllExecutionStatuses 返回全部任务状态，状态动作表据此做完整性校验
func AllExecutionStatuses() []ExecutionStatus {
	return []ExecutionStatus{
		StatusSubmittedSuccess,
		StatusDispatch,
		StatusDelayExecution,
		StatusRunningExecution,
		StatusPause,
		StatusKill,
		StatusFailure,
		StatusSuccess,
		StatusNeedFaultTolerance,
	}
}

// String 实现Stringer
func (s ExecutionStatus) String() string {
	return string(s)
}

// IsFinished 是否为终态
func (s ExecutionStatus) IsFinished() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusKill, StatusPause:
		return true
	}
	return false
}

// IsSuccess 是否成功
func (s ExecutionStatus) IsSuccess() bool {
	return s == StatusSuccess
}

// IsFailure 是否失败
func (s ExecutionStatus) IsFailure() bool {
	return s == StatusFailure
}

// IsRunning 是否已经交给执行器（含派发中）
func (s ExecutionStatus) IsRunning() bool {
	return s == StatusDispatch || s == StatusRunningExecution
}

// IsValid 是否为已知状态
func (s ExecutionStatus) IsValid() bool {
	for _, st := range AllExecutionStatuses() {
		if st == s {
			return true
		}
	}
	return false
}
