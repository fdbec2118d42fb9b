package dao

import (
	"database/sql"
	"time"
)

// TaskDefinitionDAO task_definition表的数据访问对象
type TaskDefinitionDAO struct {
	Code                     int64  `db:"code"`
	WorkflowCode             int64  `db:"workflow_code"`
	Version                  int    `db:"version"`
	Name                     string `db:"name"`
	TaskType                 string `db:"task_type"`
	TaskParams               string `db:"task_params"`
	Priority                 int    `db:"priority"`
	WorkerGroup              string `db:"worker_group"`
	FailRetryTimes           int    `db:"fail_retry_times"`
	FailRetryIntervalSeconds int    `db:"fail_retry_interval_seconds"`
	DelayMinutes             int    `db:"delay_minutes"`
	TimeoutSeconds           int    `db:"timeout_seconds"`
	TimeoutStrategy          string `db:"timeout_strategy"`
	TaskGroupID              int64  `db:"task_group_id"`
	TaskGroupPriority        int    `db:"task_group_priority"`
}

// TaskRelationDAO task_relation表的数据访问对象
type TaskRelationDAO struct {
	ID           int64 `db:"id"`
	WorkflowCode int64 `db:"workflow_code"`
	PreTaskCode  int64 `db:"pre_task_code"`
	PostTaskCode int64 `db:"post_task_code"`
}

// TaskInstanceDAO task_instance表的数据访问对象
type TaskInstanceDAO struct {
	ID                    int64        `db:"id"`
	Name                  string       `db:"name"`
	TaskCode              int64        `db:"task_code"`
	TaskDefinitionVersion int          `db:"task_definition_version"`
	TaskType              string       `db:"task_type"`
	WorkflowInstanceID    int64        `db:"workflow_instance_id"`
	Status                string       `db:"status"`
	SubmitTime            time.Time    `db:"submit_time"`
	FirstSubmitTime       time.Time    `db:"first_submit_time"`
	StartTime             sql.NullTime `db:"start_time"`
	EndTime               sql.NullTime `db:"end_time"`
	Host                  string       `db:"host"`
	LogPath               string       `db:"log_path"`
	RetryTimes            int          `db:"retry_times"`
	MaxRetryTimes         int          `db:"max_retry_times"`
	RetryIntervalSeconds  int          `db:"retry_interval_seconds"`
	Flag                  int          `db:"flag"`
	Priority              int          `db:"priority"`
	WorkerGroup           string       `db:"worker_group"`
	TaskGroupID           int64        `db:"task_group_id"`
	TaskGroupPriority     int          `db:"task_group_priority"`
	DelayMinutes          int          `db:"delay_minutes"`
	TimeoutSeconds        int          `db:"timeout_seconds"`
	TimeoutStrategy       string       `db:"timeout_strategy"`
	TaskParams            string       `db:"task_params"`
	VarPool               string       `db:"var_pool"`
}

// TaskGroupDAO task_group表的数据访问对象
type TaskGroupDAO struct {
	ID         int64     `db:"id"`
	Name       string    `db:"name"`
	GroupSize  int       `db:"group_size"`
	UseSize    int       `db:"use_size"`
	UpdateTime time.Time `db:"update_time"`
}

// TaskGroupQueueDAO task_group_queue表的数据访问对象
type TaskGroupQueueDAO struct {
	ID                 int64     `db:"id"`
	TaskInstanceID     int64     `db:"task_instance_id"`
	TaskGroupID        int64     `db:"task_group_id"`
	WorkflowInstanceID int64     `db:"workflow_instance_id"`
	Priority           int       `db:"priority"`
	Status             string    `db:"status"`
	CreateTime         time.Time `db:"create_time"`
	UpdateTime         time.Time `db:"update_time"`
}
