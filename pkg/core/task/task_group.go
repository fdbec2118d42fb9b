package task

import "time"

// TaskGroup 任务组：容量受限的资源池
type TaskGroup struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	GroupSize  int       `json:"group_size"`
	UseSize    int       `json:"use_size"`
	UpdateTime time.Time `json:"update_time"`
}

// TaskGroupQueueStatus 任务组排队状态
type TaskGroupQueueStatus string

const (
	TaskGroupQueueWait     TaskGroupQueueStatus = "WAIT"
	TaskGroupQueueAcquired TaskGroupQueueStatus = "ACQUIRED"
	TaskGroupQueueReleased TaskGroupQueueStatus = "RELEASED"
)

// TaskGroupQueue 任务实例在任务组上的排队记录
type TaskGroupQueue struct {
	ID                 int64                `json:"id"`
	TaskInstanceID     int64                `json:"task_instance_id"`
	TaskGroupID        int64                `json:"task_group_id"`
	WorkflowInstanceID int64                `json:"workflow_instance_id"`
	Priority           int                  `json:"priority"`
	Status             TaskGroupQueueStatus `json:"status"`
	CreateTime         time.Time            `json:"create_time"`
	UpdateTime         time.Time            `json:"update_time"`
}
