package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LENAX/dag-master/pkg/core/dag"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
)

// WorkflowExecutionRunnable 工作流实例的运行时包装：执行图、事件总线和全部任务尝试
type WorkflowExecutionRunnable struct {
	spec  *workflow.WorkflowSpec
	graph *dag.WorkflowExecutionGraph[*TaskExecutionRunnable]
	bus   *WorkflowEventBus

	mu           sync.RWMutex
	instance     *workflow.WorkflowInstance
	tasks        map[int64]*TaskExecutionRunnable // taskInstanceID -> runnable，含被重试替代的尝试
	failoverFrom workflow.ExecutionStatus
	finishing    bool
}

// NewWorkflowExecutionRunnable 根据定义聚合和实例构建运行时
func NewWorkflowExecutionRunnable(spec *workflow.WorkflowSpec, inst *workflow.WorkflowInstance) (*WorkflowExecutionRunnable, error) {
	graph, err := dag.NewWorkflowExecutionGraph(spec, func(r *TaskExecutionRunnable) task.ExecutionStatus {
		return r.Status()
	})
	if err != nil {
		return nil, fmt.Errorf("构建执行图失败: %w", err)
	}
	if len(inst.StartNodes) > 0 {
		if err := graph.SetStartNodes(inst.StartNodes); err != nil {
			return nil, err
		}
		markUnreachable(graph)
	}
	return &WorkflowExecutionRunnable{
		spec:     spec,
		graph:    graph,
		bus:      newWorkflowEventBus(),
		instance: inst,
		tasks:    make(map[int64]*TaskExecutionRunnable),
	}, nil
}

// markUnreachable 从起始节点不可达的节点视为跳过
func markUnreachable(graph *dag.WorkflowExecutionGraph[*TaskExecutionRunnable]) {
	reachable := make(map[int64]struct{})
	var queue []int64
	for _, def := range graph.StartNodes() {
		reachable[def.Code] = struct{}{}
		queue = append(queue, def.Code)
	}
	for len(queue) > 0 {
		code := queue[0]
		queue = queue[1:]
		for _, s := range graph.Successors(code) {
			if _, ok := reachable[s.Code]; ok {
				continue
			}
			reachable[s.Code] = struct{}{}
			queue = append(queue, s.Code)
		}
	}
	for _, def := range graph.TaskDefinitions() {
		if _, ok := reachable[def.Code]; !ok {
			graph.MarkSkip(def.Code)
		}
	}
}

// ID 工作流实例ID
func (w *WorkflowExecutionRunnable) ID() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instance.ID
}

// Name 工作流实例名
func (w *WorkflowExecutionRunnable) Name() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instance.Name
}

// Priority 工作流优先级
func (w *WorkflowExecutionRunnable) Priority() task.Priority {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instance.Priority
}

// Status 工作流状态
func (w *WorkflowExecutionRunnable) Status() workflow.ExecutionStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instance.Status
}

// Instance 工作流实例快照
func (w *WorkflowExecutionRunnable) Instance() *workflow.WorkflowInstance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instance.Clone()
}

func (w *WorkflowExecutionRunnable) update(fn func(wi *workflow.WorkflowInstance)) *workflow.WorkflowInstance {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn(w.instance)
	return w.instance.Clone()
}

// Spec 工作流定义聚合
func (w *WorkflowExecutionRunnable) Spec() *workflow.WorkflowSpec {
	return w.spec
}

// Graph 执行图
func (w *WorkflowExecutionRunnable) Graph() *dag.WorkflowExecutionGraph[*TaskExecutionRunnable] {
	return w.graph
}

// Bus 事件总线
func (w *WorkflowExecutionRunnable) Bus() *WorkflowEventBus {
	return w.bus
}

func (w *WorkflowExecutionRunnable) registerTask(r *TaskExecutionRunnable) {
	w.mu.Lock()
	w.tasks[r.ID()] = r
	w.mu.Unlock()
}

// Task 按任务实例ID查找（含历史尝试）
func (w *WorkflowExecutionRunnable) Task(taskInstanceID int64) (*TaskExecutionRunnable, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.tasks[taskInstanceID]
	return r, ok
}

// Tasks 全部任务尝试，按实例ID排序
func (w *WorkflowExecutionRunnable) Tasks() []*TaskExecutionRunnable {
	w.mu.RLock()
	out := make([]*TaskExecutionRunnable, 0, len(w.tasks))
	for _, r := range w.tasks {
		out = append(out, r)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (w *WorkflowExecutionRunnable) markFinishing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finishing {
		return false
	}
	w.finishing = true
	return true
}

func (w *WorkflowExecutionRunnable) resetFinishing() {
	w.mu.Lock()
	w.finishing = false
	w.mu.Unlock()
}

func (w *WorkflowExecutionRunnable) setFailoverFrom(s workflow.ExecutionStatus) {
	w.mu.Lock()
	w.failoverFrom = s
	w.mu.Unlock()
}

func (w *WorkflowExecutionRunnable) takeFailoverFrom() workflow.ExecutionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.failoverFrom
	w.failoverFrom = ""
	return s
}

// ExecutionContext 构建派发给执行器的上下文
func (w *WorkflowExecutionRunnable) ExecutionContext(r *TaskExecutionRunnable, masterHost string) *task.TaskExecutionContext {
	ti := r.Instance()
	wi := w.Instance()

	globals, _ := task.ParseVarPool(wi.GlobalParams)
	pool, _ := task.ParseVarPool(wi.VarPool)
	tctx := &task.TaskExecutionContext{
		TaskInstanceID:     ti.ID,
		TaskName:           ti.Name,
		TaskCode:           ti.TaskCode,
		TaskType:           ti.TaskType,
		WorkflowInstanceID: wi.ID,
		WorkflowCode:       wi.DefinitionCode,
		TaskParams:         ti.TaskParams,
		PrepareParams:      task.PropertyMap(globals, pool),
		WorkerGroup:        ti.WorkerGroup,
		MasterHost:         masterHost,
		FirstSubmitTime:    ti.FirstSubmitTime,
		TimeoutSeconds:     ti.TimeoutSeconds,
		TimeoutStrategy:    ti.TimeoutStrategy,
		Status:             ti.Status,
	}
	if task.IsConditionTask(ti.TaskType) {
		tctx.DependResults = make(map[int64]task.ExecutionStatus)
		for _, other := range w.graph.Runnables() {
			if other.TaskCode() != ti.TaskCode {
				tctx.DependResults[other.TaskCode()] = other.Status()
			}
		}
	}
	return tctx
}
