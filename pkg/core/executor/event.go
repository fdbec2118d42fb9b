// Package executor 任务执行器：按插件类型运行任务并把运行结果回报给master
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
)

var (
	// ErrTaskNotFound 执行器上没有该任务
	ErrTaskNotFound = errors.New("executor: task not found")
	// ErrExecutorBusy 执行器队列已满
	ErrExecutorBusy = errors.New("executor: no free worker")
	// ErrPluginNotFound 没有对应任务类型的插件
	ErrPluginNotFound = errors.New("executor: plugin not found")
	// ErrExecutorStopped 执行器已停止
	ErrExecutorStopped = errors.New("executor: stopped")
)

// EventType 执行器回报的事件类型
type EventType string

const (
	EventRunning EventType = "RUNNING"
	EventSuccess EventType = "SUCCESS"
	EventFailed  EventType = "FAILED"
	EventPaused  EventType = "PAUSED"
	EventKilled  EventType = "KILLED"
)

// Event 执行器发给master的任务事件
type Event struct {
	Type               EventType `json:"type"`
	TaskInstanceID     int64     `json:"task_instance_id"`
	WorkflowInstanceID int64     `json:"workflow_instance_id"`
	MasterHost         string    `json:"master_host"`
	ExecutorHost       string    `json:"executor_host"`
	LogPath            string    `json:"log_path,omitempty"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time,omitempty"`
	VarPool            string    `json:"var_pool,omitempty"`
	Message            string    `json:"message,omitempty"`
}

// EventSender 把事件送回任务所属的master
type EventSender interface {
	Send(ctx context.Context, ev Event) error
}

// EventSenderFunc 函数形式的EventSender
type EventSenderFunc func(ctx context.Context, ev Event) error

// Send 实现EventSender
func (f EventSenderFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

func newEvent(t EventType, tctx *task.TaskExecutionContext) Event {
	return Event{
		Type:               t,
		TaskInstanceID:     tctx.TaskInstanceID,
		WorkflowInstanceID: tctx.WorkflowInstanceID,
		MasterHost:         tctx.MasterHost,
		ExecutorHost:       tctx.ExecutorHost,
		LogPath:            tctx.LogPath,
		StartTime:          tctx.StartTime,
		EndTime:            tctx.EndTime,
		VarPool:            tctx.VarPool,
	}
}
