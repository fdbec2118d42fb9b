package task

import "context"

// context key类型，用于类型安全的context.Value访问
type contextKey string

const (
	// ExecutionContextKey 任务执行上下文在context中的key
	ExecutionContextKey contextKey = "task.execution.context"
	// TaskInstanceIDKey 任务实例ID在context中的key
	TaskInstanceIDKey contextKey = "task.instance.id"
	// WorkflowInstanceIDKey 工作流实例ID在context中的key
	WorkflowInstanceIDKey contextKey = "workflow.instance.id"
)

// WithExecutionContext 将执行上下文放进context（对外导出）
func WithExecutionContext(ctx context.Context, execCtx *TaskExecutionContext) context.Context {
	ctx = context.WithValue(ctx, ExecutionContextKey, execCtx)
	ctx = context.WithValue(ctx, TaskInstanceIDKey, execCtx.TaskInstanceID)
	return context.WithValue(ctx, WorkflowInstanceIDKey, execCtx.WorkflowInstanceID)
}

// GetExecutionContext 从context中获取执行上下文（对外导出）
func GetExecutionContext(ctx context.Context) *TaskExecutionContext {
	if execCtx, ok := ctx.Value(ExecutionContextKey).(*TaskExecutionContext); ok {
		return execCtx
	}
	return nil
}

// GetTaskInstanceID 从context中获取任务实例ID（对外导出）
func GetTaskInstanceID(ctx context.Context) int64 {
	if id, ok := ctx.Value(TaskInstanceIDKey).(int64); ok {
		return id
	}
	return 0
}

// GetWorkflowInstanceID 从context中获取工作流实例ID（对外导出）
func GetWorkflowInstanceID(ctx context.Context) int64 {
	if id, ok := ctx.Value(WorkflowInstanceIDKey).(int64); ok {
		return id
	}
	return 0
}
