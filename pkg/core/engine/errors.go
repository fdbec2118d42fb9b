// Package engine master调度引擎：任务状态机、工作流事件总线、派发与容错
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState 任务或工作流当前状态与状态动作不符
	ErrIllegalState = errors.New("illegal state")
	// ErrWorkflowNotFound 内存中没有该工作流实例
	ErrWorkflowNotFound = errors.New("workflow instance not found")
	// ErrTaskNotFound 工作流中没有该任务实例
	ErrTaskNotFound = errors.New("task instance not found")
	// ErrSlotNotReady master尚未获得有效槽位
	ErrSlotNotReady = errors.New("master slot not ready")
	// ErrNoAvailableExecutor 任务所在分组没有可用执行器
	ErrNoAvailableExecutor = errors.New("no available executor")
	// ErrInvalidStartNode 起始节点不属于工作流定义
	ErrInvalidStartNode = errors.New("invalid start node")
	// ErrEngineStopped 引擎未运行
	ErrEngineStopped = errors.New("engine not running")
)

// IllegalStateError 状态动作的前置条件不满足
type IllegalStateError struct {
	TaskInstanceID     int64
	WorkflowInstanceID int64
	Actual             string
	Expected           string
	Event              string
}

// Error 实现error
func (e *IllegalStateError) Error() string {
	if e.TaskInstanceID != 0 {
		return fmt.Sprintf("任务实例 %d 状态非法: 期望=%s, 实际=%s, 事件=%s", e.TaskInstanceID, e.Expected, e.Actual, e.Event)
	}
	return fmt.Sprintf("工作流实例 %d 状态非法: 期望=%s, 实际=%s, 事件=%s", e.WorkflowInstanceID, e.Expected, e.Actual, e.Event)
}

// Is 支持errors.Is(err, ErrIllegalState)
func (e *IllegalStateError) Is(target error) bool {
	return target == ErrIllegalState
}
