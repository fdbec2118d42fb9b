package plugins

import (
	"context"

	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
)

// ConditionsPlugin 条件分支逻辑任务，在master内嵌执行器上运行
type ConditionsPlugin struct{}

// NewConditionsPlugin 创建CONDITIONS插件
func NewConditionsPlugin() *ConditionsPlugin {
	return &ConditionsPlugin{}
}

// Type 任务类型
func (p *ConditionsPlugin) Type() string {
	return task.TypeConditions
}

// Execute 根据前置任务状态选择分支，结果写入变量池
func (p *ConditionsPlugin) Execute(ctx context.Context, tctx *task.TaskExecutionContext) (*executor.Result, error) {
	params, err := task.ParseConditionParams(tctx.TaskParams)
	if err != nil {
		return nil, err
	}
	branch := params.Evaluate(tctx.DependResults)
	return &executor.Result{
		Output: branch,
		VarPool: []task.Property{{
			Prop:   task.ConditionResultProp,
			Direct: task.DirectOut,
			Type:   "VARCHAR",
			Value:  branch,
		}},
	}, nil
}

var _ executor.SyncTaskPlugin = (*ConditionsPlugin)(nil)

// RegisterBuiltin 注册全部内置插件
func RegisterBuiltin(pm executor.PluginManager) error {
	for _, p := range []executor.TaskPlugin{NewShellPlugin(), NewHTTPPlugin(), NewSleepPlugin(), NewConditionsPlugin()} {
		if err := pm.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// RegisterLogic 只注册逻辑任务插件（master内嵌执行器使用）
func RegisterLogic(pm executor.PluginManager) error {
	return pm.Register(NewConditionsPlugin())
}
