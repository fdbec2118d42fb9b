package dao

import (
	"database/sql"
	"time"
)

// WorkflowDefinitionDAO workflow_definition表的数据访问对象
type WorkflowDefinitionDAO struct {
	Code            int64     `db:"code"`
	Version         int       `db:"version"`
	Name            string    `db:"name"`
	Description     string    `db:"description"`
	Priority        int       `db:"priority"`
	FailureStrategy string    `db:"failure_strategy"`
	GlobalParams    string    `db:"global_params"` // JSON格式存储
	TimeoutSeconds  int       `db:"timeout_seconds"`
	Crontab         string    `db:"crontab"`
	Online          int       `db:"online"`
	UpdateTime      time.Time `db:"update_time"`
}

// WorkflowInstanceDAO workflow_instance表的数据访问对象
type WorkflowInstanceDAO struct {
	ID                int64        `db:"id"`
	Name              string       `db:"name"`
	DefinitionCode    int64        `db:"definition_code"`
	DefinitionVersion int          `db:"definition_version"`
	Status            string       `db:"status"`
	Priority          int          `db:"priority"`
	RunTimes          int          `db:"run_times"`
	Host              string       `db:"host"`
	CommandType       string       `db:"command_type"`
	StartTime         time.Time    `db:"start_time"`
	EndTime           sql.NullTime `db:"end_time"`
	RestartTime       sql.NullTime `db:"restart_time"`
	GlobalParams      string       `db:"global_params"`
	VarPool           string       `db:"var_pool"`
	FailureStrategy   string       `db:"failure_strategy"`
	StartNodes        string       `db:"start_nodes"` // JSON格式存储
	UpdateTime        time.Time    `db:"update_time"`
}

// CommandDAO command表的数据访问对象
type CommandDAO struct {
	ID                 int64     `db:"id"`
	CommandType        string    `db:"command_type"`
	DefinitionCode     int64     `db:"definition_code"`
	DefinitionVersion  int       `db:"definition_version"`
	WorkflowInstanceID int64     `db:"workflow_instance_id"`
	StartNodes         string    `db:"start_nodes"`
	Params             string    `db:"params"`
	Priority           int       `db:"priority"`
	CreateTime         time.Time `db:"create_time"`
}
