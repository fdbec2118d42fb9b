package storage

import (
	"context"
	"errors"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// WorkflowDefinitionRepository 工作流定义存储（对外导出）
type WorkflowDefinitionRepository interface {
	// SaveWorkflowSpec 保存工作流定义、任务定义和依赖关系（整体替换）
	SaveWorkflowSpec(ctx context.Context, spec *workflow.WorkflowSpec) error
	// GetWorkflowSpec 按编码读取工作流定义聚合
	GetWorkflowSpec(ctx context.Context, code int64) (*workflow.WorkflowSpec, error)
	// ListWorkflowDefinitions 列出全部工作流定义
	ListWorkflowDefinitions(ctx context.Context) ([]*workflow.WorkflowDefinition, error)
}

// WorkflowInstanceRepository 工作流实例存储（对外导出）
type WorkflowInstanceRepository interface {
	CreateWorkflowInstance(ctx context.Context, inst *workflow.WorkflowInstance) error
	UpdateWorkflowInstance(ctx context.Context, inst *workflow.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, id int64) (*workflow.WorkflowInstance, error)
	// ListUnfinishedByHost 查询某个master上尚未结束的实例（master容错使用）
	ListUnfinishedByHost(ctx context.Context, host string) ([]*workflow.WorkflowInstance, error)
	ListWorkflowInstances(ctx context.Context, limit int) ([]*workflow.WorkflowInstance, error)
}

// TaskInstanceRepository 任务实例存储（对外导出）
type TaskInstanceRepository interface {
	CreateTaskInstance(ctx context.Context, inst *task.TaskInstance) error
	UpdateTaskInstance(ctx context.Context, inst *task.TaskInstance) error
	GetTaskInstance(ctx context.Context, id int64) (*task.TaskInstance, error)
	// ListByWorkflowInstance 全部尝试（含已被重试替代的实例）
	ListByWorkflowInstance(ctx context.Context, workflowInstanceID int64) ([]*task.TaskInstance, error)
	// ListValidByWorkflowInstance 当前有效的尝试（flag=YES）
	ListValidByWorkflowInstance(ctx context.Context, workflowInstanceID int64) ([]*task.TaskInstance, error)
}

// CommandRepository 命令存储（对外导出）
type CommandRepository interface {
	CreateCommand(ctx context.Context, cmd *workflow.Command) error
	// FetchCommandsBySlot 领取 id % total == slot 的命令
	FetchCommandsBySlot(ctx context.Context, slot, total, limit int) ([]*workflow.Command, error)
	DeleteCommand(ctx context.Context, id int64) error
}

// TaskGroupRepository 任务组存储（对外导出）
type TaskGroupRepository interface {
	CreateTaskGroup(ctx context.Context, group *task.TaskGroup) error
	GetTaskGroup(ctx context.Context, id int64) (*task.TaskGroup, error)
	// TryIncreaseUseSize 在 use_size < group_size 时占用一个槽位
	TryIncreaseUseSize(ctx context.Context, groupID int64) (bool, error)
	// DecreaseUseSize 释放一个槽位（不会低于0）
	DecreaseUseSize(ctx context.Context, groupID int64) error

	InsertTaskGroupQueue(ctx context.Context, q *task.TaskGroupQueue) error
	UpdateTaskGroupQueueStatus(ctx context.Context, id int64, status task.TaskGroupQueueStatus) error
	GetTaskGroupQueueByTaskInstance(ctx context.Context, taskInstanceID int64) (*task.TaskGroupQueue, error)
	// ListWaitingTaskGroupQueues 按 priority DESC, id ASC 返回等待中的记录
	ListWaitingTaskGroupQueues(ctx context.Context, groupID int64, limit int) ([]*task.TaskGroupQueue, error)
	DeleteTaskGroupQueue(ctx context.Context, id int64) error
}

// Repositories 存储Repository集合（对外导出）
type Repositories struct {
	WorkflowDefinition WorkflowDefinitionRepository
	WorkflowInstance   WorkflowInstanceRepository
	TaskInstance       TaskInstanceRepository
	Command            CommandRepository
	TaskGroup          TaskGroupRepository
}
