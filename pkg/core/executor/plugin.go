package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/LENAX/dag-master/pkg/core/task"
)

// Result 任务执行结果
type Result struct {
	// VarPool 任务输出变量（OUT方向会合并到工作流）
	VarPool []task.Property
	Output  string
}

// TaskPlugin 任务插件（对外导出）
type TaskPlugin interface {
	// Type 对应的任务类型，如 SHELL、HTTP
	Type() string
}

// SyncTaskPlugin 同步插件：Execute返回即任务结束
type SyncTaskPlugin interface {
	TaskPlugin
	Execute(ctx context.Context, tctx *task.TaskExecutionContext) (*Result, error)
}

// AsyncTaskPlugin 异步插件：提交后由轮询器检查完成情况
type AsyncTaskPlugin interface {
	TaskPlugin
	// Submit 提交任务，返回外部句柄
	Submit(ctx context.Context, tctx *task.TaskExecutionContext) (handle string, err error)
	// Poll 查询任务是否完成
	Poll(ctx context.Context, tctx *task.TaskExecutionContext, handle string) (done bool, result *Result, err error)
	// Cancel 取消外部任务
	Cancel(ctx context.Context, tctx *task.TaskExecutionContext, handle string) error
}

// PluginManager 任务插件管理器（对外导出）
type PluginManager interface {
	// Register 注册插件
	Register(plugin TaskPlugin) error
	// Get 获取插件
	Get(taskType string) (TaskPlugin, error)
	// ListPlugins 列出所有已注册的任务类型
	ListPlugins() []string
}

// pluginManagerImpl 插件管理器实现（内部实现）
type pluginManagerImpl struct {
	plugins map[string]TaskPlugin
	mu      sync.RWMutex
}

// NewPluginManager 创建插件管理器（对外导出）
func NewPluginManager() PluginManager {
	return &pluginManagerImpl{plugins: make(map[string]TaskPlugin)}
}

// Register 注册插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Register(plugin TaskPlugin) error {
	if plugin == nil {
		return fmt.Errorf("插件不能为空")
	}
	taskType := plugin.Type()
	if taskType == "" {
		return fmt.Errorf("插件任务类型不能为空")
	}
	_, isSync := plugin.(SyncTaskPlugin)
	_, isAsync := plugin.(AsyncTaskPlugin)
	if !isSync && !isAsync {
		return fmt.Errorf("插件 %s 既不是同步插件也不是异步插件", taskType)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, exists := pm.plugins[taskType]; exists {
		return fmt.Errorf("插件 %s 已注册", taskType)
	}
	pm.plugins[taskType] = plugin
	return nil
}

// Get 获取插件（实现PluginManager接口）
func (pm *pluginManagerImpl) Get(taskType string) (TaskPlugin, error) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	p, ok := pm.plugins[taskType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, taskType)
	}
	return p, nil
}

// ListPlugins 列出所有已注册的任务类型（实现PluginManager接口）
func (pm *pluginManagerImpl) ListPlugins() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]string, 0, len(pm.plugins))
	for t := range pm.plugins {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
