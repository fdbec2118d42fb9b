package workflow

import (
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
)

// WorkflowInstance 工作流实例
type WorkflowInstance struct {
	ID                int64           `json:"id"`
	Name              string          `json:"name"`
	DefinitionCode    int64           `json:"definition_code"`
	DefinitionVersion int             `json:"definition_version"`
	Status            ExecutionStatus `json:"status"`
	Priority          task.Priority   `json:"priority"`
	RunTimes          int             `json:"run_times"`
	Host              string          `json:"host"`
	CommandType       CommandType     `json:"command_type"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           *time.Time      `json:"end_time,omitempty"`
	RestartTime       *time.Time      `json:"restart_time,omitempty"`
	GlobalParams      string          `json:"global_params"`
	VarPool           string          `json:"var_pool"`
	FailureStrategy   FailureStrategy `json:"failure_strategy"`
	StartNodes        []int64         `json:"start_nodes,omitempty"`
}

// NewWorkflowInstance 根据定义和命令创建实例
func NewWorkflowInstance(def *WorkflowDefinition, cmd *Command, host string, now time.Time) *WorkflowInstance {
	strategy := def.FailureStrategy
	if strategy == "" {
		strategy = FailureContinue
	}
	globals := def.GlobalParams
	if len(cmd.Params) > 0 {
		overrides := make([]task.Property, 0, len(cmd.Params))
		for k, v := range cmd.Params {
			overrides = append(overrides, task.Property{Prop: k, Direct: task.DirectIn, Type: "VARCHAR", Value: v})
		}
		globals = mergeProperties(globals, overrides)
	}
	return &WorkflowInstance{
		Name:              def.Name + "-" + now.Format("20060102150405"),
		DefinitionCode:    def.Code,
		DefinitionVersion: def.Version,
		Status:            StatusSubmittedSuccess,
		Priority:          cmd.Priority,
		RunTimes:          1,
		Host:              host,
		CommandType:       cmd.Type,
		StartTime:         now,
		GlobalParams:      task.EncodeVarPool(globals),
		FailureStrategy:   strategy,
		StartNodes:        cmd.StartNodes,
	}
}

// Clone 拷贝实例
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	c := *w
	if w.StartNodes != nil {
		c.StartNodes = append([]int64(nil), w.StartNodes...)
	}
	return &c
}

func mergeProperties(base, overrides []task.Property) []task.Property {
	out := append([]task.Property(nil), base...)
	for _, o := range overrides {
		replaced := false
		for i := range out {
			if out[i].Prop == o.Prop {
				out[i].Value = o.Value
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}
