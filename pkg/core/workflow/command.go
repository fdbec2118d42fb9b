package workflow

import (
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
)

// CommandType 命令类型
type CommandType string

const (
	CommandStartProcess     CommandType = "START_PROCESS"
	CommandRecoverFailure   CommandType = "RECOVER_FAILURE"
	CommandRecoverSuspended CommandType = "RECOVER_SUSPENDED"
	CommandFailover         CommandType = "FAILOVER"
)

// Command 待处理的触发命令，由槽位匹配的master领取
type Command struct {
	ID                 int64             `json:"id"`
	Type               CommandType       `json:"type"`
	DefinitionCode     int64             `json:"definition_code"`
	DefinitionVersion  int               `json:"definition_version"`
	WorkflowInstanceID int64             `json:"workflow_instance_id"`
	StartNodes         []int64           `json:"start_nodes,omitempty"`
	Params             map[string]string `json:"params,omitempty"`
	Priority           task.Priority     `json:"priority"`
	CreateTime         time.Time         `json:"create_time"`
}
