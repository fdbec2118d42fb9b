package task

// 内置任务类型
const (
	TypeShell      = "SHELL"
	TypeHTTP       = "HTTP"
	TypeSleep      = "SLEEP"
	TypeConditions = "CONDITIONS"
)

// IsConditionTask 条件分支任务
func IsConditionTask(taskType string) bool {
	return taskType == TypeConditions
}

// IsLogicTask 逻辑任务在master内嵌执行器中运行，不派发到远程执行器
func IsLogicTask(taskType string) bool {
	return taskType == TypeConditions
}
