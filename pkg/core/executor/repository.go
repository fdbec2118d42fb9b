package executor

import "sync"

// TaskExecutorRepository 执行器上运行中任务的登记表，由执行器持有
type TaskExecutorRepository struct {
	mu        sync.RWMutex
	runnables map[int64]TaskExecutorRunnable
}

// NewTaskExecutorRepository 创建登记表
func NewTaskExecutorRepository() *TaskExecutorRepository {
	return &TaskExecutorRepository{runnables: make(map[int64]TaskExecutorRunnable)}
}

// PutIfAbsent 登记任务，已存在时返回false
func (r *TaskExecutorRepository) PutIfAbsent(run TaskExecutorRunnable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := run.Context().TaskInstanceID
	if _, ok := r.runnables[id]; ok {
		return false
	}
	r.runnables[id] = run
	return true
}

// Get 按任务实例ID查询
func (r *TaskExecutorRepository) Get(taskInstanceID int64) (TaskExecutorRunnable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runnables[taskInstanceID]
	return run, ok
}

// Remove 移除登记
func (r *TaskExecutorRepository) Remove(taskInstanceID int64) {
	r.mu.Lock()
	delete(r.runnables, taskInstanceID)
	r.mu.Unlock()
}

// All 当前全部任务
func (r *TaskExecutorRepository) All() []TaskExecutorRunnable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TaskExecutorRunnable, 0, len(r.runnables))
	for _, run := range r.runnables {
		out = append(out, run)
	}
	return out
}

// Len 任务数
func (r *TaskExecutorRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runnables)
}

// Clear 清空并返回原有任务
func (r *TaskExecutorRepository) Clear() []TaskExecutorRunnable {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskExecutorRunnable, 0, len(r.runnables))
	for _, run := range r.runnables {
		out = append(out, run)
	}
	r.runnables = make(map[int64]TaskExecutorRunnable)
	return out
}
