package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/storage/dao"
)

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func encodeJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeInt64s(s string) []int64 {
	if s == "" || s == "null" {
		return nil
	}
	var out []int64
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func workflowDefinitionToDAO(def *workflow.WorkflowDefinition, now time.Time) *dao.WorkflowDefinitionDAO {
	online := 0
	if def.Online {
		online = 1
	}
	return &dao.WorkflowDefinitionDAO{
		Code:            def.Code,
		Version:         def.Version,
		Name:            def.Name,
		Description:     def.Description,
		Priority:        int(def.Priority),
		FailureStrategy: string(def.FailureStrategy),
		GlobalParams:    task.EncodeVarPool(def.GlobalParams),
		TimeoutSeconds:  def.TimeoutSeconds,
		Crontab:         def.Crontab,
		Online:          online,
		UpdateTime:      now,
	}
}

func workflowDefinitionFromDAO(d *dao.WorkflowDefinitionDAO) *workflow.WorkflowDefinition {
	props, _ := task.ParseVarPool(d.GlobalParams)
	return &workflow.WorkflowDefinition{
		Code:            d.Code,
		Version:         d.Version,
		Name:            d.Name,
		Description:     d.Description,
		Priority:        task.Priority(d.Priority),
		FailureStrategy: workflow.FailureStrategy(d.FailureStrategy),
		GlobalParams:    props,
		TimeoutSeconds:  d.TimeoutSeconds,
		Crontab:         d.Crontab,
		Online:          d.Online == 1,
	}
}

func taskDefinitionToDAO(workflowCode int64, def *task.TaskDefinition) *dao.TaskDefinitionDAO {
	return &dao.TaskDefinitionDAO{
		Code:                     def.Code,
		WorkflowCode:             workflowCode,
		Version:                  def.Version,
		Name:                     def.Name,
		TaskType:                 def.TaskType,
		TaskParams:               def.TaskParams,
		Priority:                 int(def.Priority),
		WorkerGroup:              def.WorkerGroup,
		FailRetryTimes:           def.FailRetryTimes,
		FailRetryIntervalSeconds: def.FailRetryIntervalSeconds,
		DelayMinutes:             def.DelayMinutes,
		TimeoutSeconds:           def.TimeoutSeconds,
		TimeoutStrategy:          string(def.TimeoutStrategy),
		TaskGroupID:              def.TaskGroupID,
		TaskGroupPriority:        def.TaskGroupPriority,
	}
}

func taskDefinitionFromDAO(d *dao.TaskDefinitionDAO) task.TaskDefinition {
	return task.TaskDefinition{
		Code:                     d.Code,
		Version:                  d.Version,
		Name:                     d.Name,
		TaskType:                 d.TaskType,
		TaskParams:               d.TaskParams,
		Priority:                 task.Priority(d.Priority),
		WorkerGroup:              d.WorkerGroup,
		FailRetryTimes:           d.FailRetryTimes,
		FailRetryIntervalSeconds: d.FailRetryIntervalSeconds,
		DelayMinutes:             d.DelayMinutes,
		TimeoutSeconds:           d.TimeoutSeconds,
		TimeoutStrategy:          task.TimeoutStrategy(d.TimeoutStrategy),
		TaskGroupID:              d.TaskGroupID,
		TaskGroupPriority:        d.TaskGroupPriority,
	}
}

func workflowInstanceToDAO(inst *workflow.WorkflowInstance, now time.Time) *dao.WorkflowInstanceDAO {
	return &dao.WorkflowInstanceDAO{
		ID:                inst.ID,
		Name:              inst.Name,
		DefinitionCode:    inst.DefinitionCode,
		DefinitionVersion: inst.DefinitionVersion,
		Status:            string(inst.Status),
		Priority:          int(inst.Priority),
		RunTimes:          inst.RunTimes,
		Host:              inst.Host,
		CommandType:       string(inst.CommandType),
		StartTime:         inst.StartTime,
		EndTime:           toNullTime(inst.EndTime),
		RestartTime:       toNullTime(inst.RestartTime),
		GlobalParams:      inst.GlobalParams,
		VarPool:           inst.VarPool,
		FailureStrategy:   string(inst.FailureStrategy),
		StartNodes:        encodeJSON(inst.StartNodes),
		UpdateTime:        now,
	}
}

func workflowInstanceFromDAO(d *dao.WorkflowInstanceDAO) *workflow.WorkflowInstance {
	return &workflow.WorkflowInstance{
		ID:                d.ID,
		Name:              d.Name,
		DefinitionCode:    d.DefinitionCode,
		DefinitionVersion: d.DefinitionVersion,
		Status:            workflow.ExecutionStatus(d.Status),
		Priority:          task.Priority(d.Priority),
		RunTimes:          d.RunTimes,
		Host:              d.Host,
		CommandType:       workflow.CommandType(d.CommandType),
		StartTime:         d.StartTime,
		EndTime:           fromNullTime(d.EndTime),
		RestartTime:       fromNullTime(d.RestartTime),
		GlobalParams:      d.GlobalParams,
		VarPool:           d.VarPool,
		FailureStrategy:   workflow.FailureStrategy(d.FailureStrategy),
		StartNodes:        decodeInt64s(d.StartNodes),
	}
}

func taskInstanceToDAO(t *task.TaskInstance) *dao.TaskInstanceDAO {
	return &dao.TaskInstanceDAO{
		ID:                    t.ID,
		Name:                  t.Name,
		TaskCode:              t.TaskCode,
		TaskDefinitionVersion: t.TaskDefinitionVersion,
		TaskType:              t.TaskType,
		WorkflowInstanceID:    t.WorkflowInstanceID,
		Status:                string(t.Status),
		SubmitTime:            t.SubmitTime,
		FirstSubmitTime:       t.FirstSubmitTime,
		StartTime:             toNullTime(t.StartTime),
		EndTime:               toNullTime(t.EndTime),
		Host:                  t.Host,
		LogPath:               t.LogPath,
		RetryTimes:            t.RetryTimes,
		MaxRetryTimes:         t.MaxRetryTimes,
		RetryIntervalSeconds:  t.RetryIntervalSeconds,
		Flag:                  int(t.Flag),
		Priority:              int(t.Priority),
		WorkerGroup:           t.WorkerGroup,
		TaskGroupID:           t.TaskGroupID,
		TaskGroupPriority:     t.TaskGroupPriority,
		DelayMinutes:          t.DelayMinutes,
		TimeoutSeconds:        t.TimeoutSeconds,
		TimeoutStrategy:       string(t.TimeoutStrategy),
		TaskParams:            t.TaskParams,
		VarPool:               t.VarPool,
	}
}

func taskInstanceFromDAO(d *dao.TaskInstanceDAO) *task.TaskInstance {
	return &task.TaskInstance{
		ID:                    d.ID,
		Name:                  d.Name,
		TaskCode:              d.TaskCode,
		TaskDefinitionVersion: d.TaskDefinitionVersion,
		TaskType:              d.TaskType,
		WorkflowInstanceID:    d.WorkflowInstanceID,
		Status:                task.ExecutionStatus(d.Status),
		SubmitTime:            d.SubmitTime,
		FirstSubmitTime:       d.FirstSubmitTime,
		StartTime:             fromNullTime(d.StartTime),
		EndTime:               fromNullTime(d.EndTime),
		Host:                  d.Host,
		LogPath:               d.LogPath,
		RetryTimes:            d.RetryTimes,
		MaxRetryTimes:         d.MaxRetryTimes,
		RetryIntervalSeconds:  d.RetryIntervalSeconds,
		Flag:                  task.Flag(d.Flag),
		Priority:              task.Priority(d.Priority),
		WorkerGroup:           d.WorkerGroup,
		TaskGroupID:           d.TaskGroupID,
		TaskGroupPriority:     d.TaskGroupPriority,
		DelayMinutes:          d.DelayMinutes,
		TimeoutSeconds:        d.TimeoutSeconds,
		TimeoutStrategy:       task.TimeoutStrategy(d.TimeoutStrategy),
		TaskParams:            d.TaskParams,
		VarPool:               d.VarPool,
	}
}

func commandToDAO(cmd *workflow.Command) *dao.CommandDAO {
	params := ""
	if len(cmd.Params) > 0 {
		params = encodeJSON(cmd.Params)
	}
	return &dao.CommandDAO{
		ID:                 cmd.ID,
		CommandType:        string(cmd.Type),
		DefinitionCode:     cmd.DefinitionCode,
		DefinitionVersion:  cmd.DefinitionVersion,
		WorkflowInstanceID: cmd.WorkflowInstanceID,
		StartNodes:         encodeJSON(cmd.StartNodes),
		Params:             params,
		Priority:           int(cmd.Priority),
		CreateTime:         cmd.CreateTime,
	}
}

func commandFromDAO(d *dao.CommandDAO) (*workflow.Command, error) {
	var params map[string]string
	if d.Params != "" {
		if err := json.Unmarshal([]byte(d.Params), &params); err != nil {
			return nil, fmt.Errorf("命令%d参数格式错误: %w", d.ID, err)
		}
	}
	return &workflow.Command{
		ID:                 d.ID,
		Type:               workflow.CommandType(d.CommandType),
		DefinitionCode:     d.DefinitionCode,
		DefinitionVersion:  d.DefinitionVersion,
		WorkflowInstanceID: d.WorkflowInstanceID,
		StartNodes:         decodeInt64s(d.StartNodes),
		Params:             params,
		Priority:           task.Priority(d.Priority),
		CreateTime:         d.CreateTime,
	}, nil
}

func taskGroupQueueFromDAO(d *dao.TaskGroupQueueDAO) *task.TaskGroupQueue {
	return &task.TaskGroupQueue{
		ID:                 d.ID,
		TaskInstanceID:     d.TaskInstanceID,
		TaskGroupID:        d.TaskGroupID,
		WorkflowInstanceID: d.WorkflowInstanceID,
		Priority:           d.Priority,
		Status:             task.TaskGroupQueueStatus(d.Status),
		CreateTime:         d.CreateTime,
		UpdateTime:         d.UpdateTime,
	}
}
