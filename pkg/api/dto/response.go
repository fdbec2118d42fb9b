package dto

import (
	"time"

	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
)

// APIResponse 通用API响应结构
type APIResponse[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data,omitempty"`
}

// NewSuccessResponse 创建成功响应
func NewSuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(code int, message string) APIResponse[any] {
	return APIResponse[any]{
		Code:    code,
		Message: message,
	}
}

// ListResponse 列表响应
type ListResponse[T any] struct {
	Total int `json:"total"`
	Items []T `json:"items"`
}

// CommandAccepted 命令已写入，由持有槽位的master执行
type CommandAccepted struct {
	CommandID int64 `json:"command_id"`
}

// WorkflowSummary 工作流定义摘要
type WorkflowSummary struct {
	Code            int64  `json:"code"`
	Version         int    `json:"version"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Priority        int    `json:"priority"`
	FailureStrategy string `json:"failure_strategy"`
	Crontab         string `json:"crontab,omitempty"`
	Online          bool   `json:"online"`
}

// NewWorkflowSummary 从定义构建摘要
func NewWorkflowSummary(def *workflow.WorkflowDefinition) WorkflowSummary {
	return WorkflowSummary{
		Code:            def.Code,
		Version:         def.Version,
		Name:            def.Name,
		Description:     def.Description,
		Priority:        int(def.Priority),
		FailureStrategy: string(def.FailureStrategy),
		Crontab:         def.Crontab,
		Online:          def.Online,
	}
}

// InstanceSummary 工作流实例摘要
type InstanceSummary struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	DefinitionCode int64      `json:"definition_code"`
	Status         string     `json:"status"`
	Host           string     `json:"host"`
	RunTimes       int        `json:"run_times"`
	CommandType    string     `json:"command_type"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Duration       string     `json:"duration,omitempty"`
}

// NewInstanceSummary 从实例构建摘要
func NewInstanceSummary(inst *workflow.WorkflowInstance) InstanceSummary {
	s := InstanceSummary{
		ID:             inst.ID,
		Name:           inst.Name,
		DefinitionCode: inst.DefinitionCode,
		Status:         string(inst.Status),
		Host:           inst.Host,
		RunTimes:       inst.RunTimes,
		CommandType:    string(inst.CommandType),
		StartTime:      inst.StartTime,
		EndTime:        inst.EndTime,
	}
	if inst.EndTime != nil && !inst.StartTime.IsZero() {
		s.Duration = inst.EndTime.Sub(inst.StartTime).Round(time.Millisecond).String()
	}
	return s
}

// ProgressInfo 任务进度，只统计当前有效的尝试
type ProgressInfo struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
	Other   int `json:"other"`
}

// InstanceDetail 工作流实例详情
type InstanceDetail struct {
	InstanceSummary
	Progress ProgressInfo `json:"progress"`
}

// TaskInstanceDetail 任务实例详情
type TaskInstanceDetail struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	TaskCode   int64      `json:"task_code"`
	TaskType   string     `json:"task_type"`
	Status     string     `json:"status"`
	Host       string     `json:"host,omitempty"`
	RetryTimes int        `json:"retry_times"`
	Valid      bool       `json:"valid"`
	SubmitTime time.Time  `json:"submit_time"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
}

// NewTaskInstanceDetail 从任务实例构建详情
func NewTaskInstanceDetail(ti *task.TaskInstance) TaskInstanceDetail {
	return TaskInstanceDetail{
		ID:         ti.ID,
		Name:       ti.Name,
		TaskCode:   ti.TaskCode,
		TaskType:   ti.TaskType,
		Status:     string(ti.Status),
		Host:       ti.Host,
		RetryTimes: ti.RetryTimes,
		Valid:      ti.Flag == task.FlagYes,
		SubmitTime: ti.SubmitTime,
		StartTime:  ti.StartTime,
		EndTime:    ti.EndTime,
	}
}

// NewProgressInfo 统计有效任务实例的进度
func NewProgressInfo(tasks []*task.TaskInstance) ProgressInfo {
	var p ProgressInfo
	for _, ti := range tasks {
		if ti.Flag != task.FlagYes {
			continue
		}
		p.Total++
		switch {
		case ti.Status.IsSuccess():
			p.Success++
		case ti.Status.IsFailure():
			p.Failed++
		case ti.Status.IsRunning():
			p.Running++
		default:
			p.Other++
		}
	}
	return p
}

// SlotInfo master槽位
type SlotInfo struct {
	Slot  int  `json:"slot"`
	Total int  `json:"total"`
	Ready bool `json:"ready"`
}

// ClusterInfo 集群成员与本机槽位
type ClusterInfo struct {
	Self    string               `json:"self"`
	Slot    SlotInfo             `json:"slot"`
	Masters []*cluster.HeartBeat `json:"masters"`
	Workers []*cluster.HeartBeat `json:"workers"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Engine  bool     `json:"engine_running"`
	Slot    SlotInfo `json:"slot"`
}
