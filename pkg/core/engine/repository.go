package engine

import (
	"sort"
	"sync"
)

// WorkflowRepository master内存中正在执行的工作流实例
// 由引擎创建并注入各组件，停止时清空
type WorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[int64]*WorkflowExecutionRunnable
}

// NewWorkflowRepository 创建内存仓库
func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{workflows: make(map[int64]*WorkflowExecutionRunnable)}
}

// Upsert 放入或替换
func (r *WorkflowRepository) Upsert(w *WorkflowExecutionRunnable) {
	r.mu.Lock()
	r.workflows[w.ID()] = w
	r.mu.Unlock()
}

// PutIfAbsent 不存在时放入，返回是否放入
func (r *WorkflowRepository) PutIfAbsent(w *WorkflowExecutionRunnable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[w.ID()]; ok {
		return false
	}
	r.workflows[w.ID()] = w
	return true
}

// Get 按实例ID查询
func (r *WorkflowRepository) Get(id int64) (*WorkflowExecutionRunnable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[id]
	return w, ok
}

// Remove 移除，只移除同一个运行时对象
func (r *WorkflowRepository) Remove(w *WorkflowExecutionRunnable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workflows[w.ID()]; ok && cur == w {
		delete(r.workflows, w.ID())
		return true
	}
	return false
}

// All 全部实例，按ID排序
func (r *WorkflowRepository) All() []*WorkflowExecutionRunnable {
	r.mu.RLock()
	out := make([]*WorkflowExecutionRunnable, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len 实例数量
func (r *WorkflowRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}

// Clear 清空并返回被移除的实例
func (r *WorkflowRepository) Clear() []*WorkflowExecutionRunnable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*WorkflowExecutionRunnable, 0, len(r.workflows))
	for _, w := range r.workflows {
		out = append(out, w)
	}
	r.workflows = make(map[int64]*WorkflowExecutionRunnable)
	return out
}
