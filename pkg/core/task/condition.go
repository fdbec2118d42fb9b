package task

import (
	"encoding/json"
	"fmt"
)

// 条件任务的分支结果
const (
	ConditionBranchSuccess = "success"
	ConditionBranchFailed  = "failed"
)

// DependItem 条件任务依赖的前置任务及其期望状态
type DependItem struct {
	DepTaskCode int64           `json:"dep_task_code" yaml:"dep_task_code"`
	Status      ExecutionStatus `json:"status" yaml:"status"`
}

// ConditionParams CONDITIONS任务参数
type ConditionParams struct {
	Relation    string       `json:"relation" yaml:"relation"` // AND, OR
	Dependence  []DependItem `json:"dependence" yaml:"dependence"`
	SuccessNode []int64      `json:"success_node" yaml:"success_node"`
	FailedNode  []int64      `json:"failed_node" yaml:"failed_node"`
}

// ParseConditionParams 解析条件任务参数
func ParseConditionParams(raw string) (*ConditionParams, error) {
	var p ConditionParams
	if raw == "" {
		return &p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("解析条件任务参数失败: %w", err)
	}
	return &p, nil
}

// Evaluate 根据前置任务的实际状态计算分支
func (p *ConditionParams) Evaluate(results map[int64]ExecutionStatus) string {
	if len(p.Dependence) == 0 {
		return ConditionBranchSuccess
	}
	or := p.Relation == "OR"
	matched := !or
	for _, item := range p.Dependence {
		ok := results[item.DepTaskCode] == item.Status
		if or && ok {
			matched = true
			break
		}
		if !or && !ok {
			matched = false
			break
		}
	}
	if matched {
		return ConditionBranchSuccess
	}
	return ConditionBranchFailed
}

// Branch 返回选中分支的任务编码
func (p *ConditionParams) Branch(result string) []int64 {
	if result == ConditionBranchFailed {
		return p.FailedNode
	}
	return p.SuccessNode
}
