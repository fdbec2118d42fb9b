package workflow

import (
	"fmt"

	"github.com/LENAX/dag-master/pkg/core/task"
)

// FailureStrategy 任务失败后的处理策略
type FailureStrategy string

const (
	// FailureContinue 其他分支继续执行
	FailureContinue FailureStrategy = "CONTINUE"
	// FailureEnd 杀掉其他运行中的任务，工作流结束
	FailureEnd FailureStrategy = "END"
)

// WorkflowDefinition 工作流定义
type WorkflowDefinition struct {
	Code            int64           `json:"code" yaml:"code"`
	Version         int             `json:"version" yaml:"version"`
	Name            string          `json:"name" yaml:"name"`
	Description     string          `json:"description" yaml:"description"`
	Priority        task.Priority   `json:"priority" yaml:"priority"`
	FailureStrategy FailureStrategy `json:"failure_strategy" yaml:"failure_strategy"`
	GlobalParams    []task.Property `json:"global_params" yaml:"global_params"`
	TimeoutSeconds  int             `json:"timeout_seconds" yaml:"timeout_seconds"`
	Crontab         string          `json:"crontab" yaml:"crontab"`
	Online          bool            `json:"online" yaml:"online"`
}

// TaskRelation 任务依赖关系，PreTaskCode为0表示根节点
type TaskRelation struct {
	PreTaskCode  int64 `json:"pre_task_code" yaml:"pre_task_code"`
	PostTaskCode int64 `json:"post_task_code" yaml:"post_task_code"`
}

// WorkflowSpec 工作流定义聚合（定义 + 任务 + 关系），导入和构建DAG时使用
type WorkflowSpec struct {
	Definition WorkflowDefinition    `json:"definition" yaml:"definition"`
	Tasks      []task.TaskDefinition `json:"tasks" yaml:"tasks"`
	Relations  []TaskRelation        `json:"relations" yaml:"relations"`
}

// TaskByCode 按编码查找任务定义
func (s *WorkflowSpec) TaskByCode(code int64) (*task.TaskDefinition, bool) {
	for i := range s.Tasks {
		if s.Tasks[i].Code == code {
			return &s.Tasks[i], true
		}
	}
	return nil, false
}

// Validate 检查任务编码唯一、关系引用的任务存在
func (s *WorkflowSpec) Validate() error {
	if s.Definition.Code == 0 {
		return fmt.Errorf("工作流编码不能为空")
	}
	seen := make(map[int64]struct{}, len(s.Tasks))
	for _, t := range s.Tasks {
		if t.Code == 0 {
			return fmt.Errorf("任务 %s 缺少编码", t.Name)
		}
		if _, dup := seen[t.Code]; dup {
			return fmt.Errorf("任务编码重复: %d", t.Code)
		}
		seen[t.Code] = struct{}{}
	}
	for _, r := range s.Relations {
		if r.PreTaskCode != 0 {
			if _, ok := seen[r.PreTaskCode]; !ok {
				return fmt.Errorf("依赖关系引用了不存在的任务: %d", r.PreTaskCode)
			}
		}
		if _, ok := seen[r.PostTaskCode]; !ok {
			return fmt.Errorf("依赖关系引用了不存在的任务: %d", r.PostTaskCode)
		}
	}
	return nil
}
