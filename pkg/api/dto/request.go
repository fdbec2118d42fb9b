package dto

import "github.com/LENAX/dag-master/pkg/core/task"

// TriggerWorkflowRequest 触发工作流请求
type TriggerWorkflowRequest struct {
	StartNodes []int64           `json:"start_nodes" binding:"omitempty"`
	Params     map[string]string `json:"params" binding:"omitempty"`
	Priority   *task.Priority    `json:"priority" binding:"omitempty,min=0,max=4"`
}

// ImportWorkflowRequest 导入工作流定义请求（YAML内容）
type ImportWorkflowRequest struct {
	Content string `json:"content" binding:"required"`
}

// ListQueryRequest 通用列表查询请求
type ListQueryRequest struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Status string `form:"status" binding:"omitempty"`
}

// GetPriority 获取优先级，未指定时为MEDIUM
func (r *TriggerWorkflowRequest) GetPriority() task.Priority {
	if r.Priority == nil {
		return task.PriorityMedium
	}
	return *r.Priority
}

// GetDefaultLimit 获取默认limit
func (r *ListQueryRequest) GetDefaultLimit() int {
	if r.Limit <= 0 {
		return 50
	}
	return r.Limit
}
