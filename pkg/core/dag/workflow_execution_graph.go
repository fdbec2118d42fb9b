// Package dag 提供工作流实例内的任务执行图
package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	godag "github.com/begmaroman/go-dag"
)

// TaskNode DAG顶点（实现go-dag的ID接口）
type TaskNode struct {
	Definition *task.TaskDefinition
}

// ID 顶点ID
func (n *TaskNode) ID() string {
	return n.Definition.NodeID()
}

// ChainMark 节点上的链路标记
type ChainMark int

const (
	MarkNone ChainMark = iota
	MarkPause
	MarkKill
	MarkFailure
	MarkSkip
)

// String 实现Stringer
func (m ChainMark) String() string {
	switch m {
	case MarkPause:
		return "PAUSE"
	case MarkKill:
		return "KILL"
	case MarkFailure:
		return "FAILURE"
	case MarkSkip:
		return "SKIP"
	}
	return "NONE"
}

// Decision 后继节点的触发判断结果
type Decision int

const (
	// DecisionWait 仍有前置节点未完成
	DecisionWait Decision = iota
	// DecisionTrigger 可以创建任务执行体
	DecisionTrigger
	// DecisionSkip 所有前置都被跳过，本节点也跳过
	DecisionSkip
	// DecisionBlocked 已触发、已标记或被前置阻断
	DecisionBlocked
)

// StatusFunc 读取执行体当前状态
type StatusFunc[R any] func(r R) task.ExecutionStatus

// WorkflowExecutionGraph 工作流实例的执行图
// 只由所属工作流的事件消费者修改；读锁仅供外部查询。
type WorkflowExecutionGraph[R any] struct {
	mu         sync.RWMutex
	graph      *godag.DAG[*TaskNode]
	statusOf   StatusFunc[R]
	runnables  map[string]R
	active     map[string]struct{}
	marks      map[string]ChainMark
	branches   map[string]map[int64]struct{}
	startNodes []string
}

// NewWorkflowExecutionGraph 根据工作流定义构建执行图
func NewWorkflowExecutionGraph[R any](spec *workflow.WorkflowSpec, statusOf StatusFunc[R]) (*WorkflowExecutionGraph[R], error) {
	if statusOf == nil {
		return nil, fmt.Errorf("statusOf不能为空")
	}
	g := godag.NewDAG[*TaskNode]()
	for i := range spec.Tasks {
		def := &spec.Tasks[i]
		if err := g.AddVertexByID(def.NodeID(), &TaskNode{Definition: def}); err != nil {
			return nil, fmt.Errorf("添加节点失败: Task=%s, Error=%w", def.Name, err)
		}
	}
	for _, r := range spec.Relations {
		if r.PreTaskCode == 0 {
			continue
		}
		src, dst := task.CodeToNodeID(r.PreTaskCode), task.CodeToNodeID(r.PostTaskCode)
		if exists, _ := g.IsEdge(src, dst); exists {
			continue
		}
		if err := g.AddEdge(src, dst); err != nil {
			return nil, fmt.Errorf("添加边失败: %s -> %s, Error=%w", src, dst, err)
		}
	}
	return &WorkflowExecutionGraph[R]{
		graph:     g,
		statusOf:  statusOf,
		runnables: make(map[string]R),
		active:    make(map[string]struct{}),
		marks:     make(map[string]ChainMark),
		branches:  make(map[string]map[int64]struct{}),
	}, nil
}

// SetStartNodes 指定起始节点（只运行其中部分节点时使用）
func (w *WorkflowExecutionGraph[R]) SetStartNodes(codes []int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(codes))
	for _, code := range codes {
		id := task.CodeToNodeID(code)
		if _, err := w.graph.GetVertex(id); err != nil {
			return fmt.Errorf("起始节点不存在: %d", code)
		}
		ids = append(ids, id)
	}
	w.startNodes = ids
	return nil
}

// StartNodes 返回起始任务；未指定时为DAG的根节点
func (w *WorkflowExecutionGraph[R]) StartNodes() []*task.TaskDefinition {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.startNodes) > 0 {
		out := make([]*task.TaskDefinition, 0, len(w.startNodes))
		for _, id := range w.startNodes {
			if node, err := w.graph.GetVertex(id); err == nil {
				out = append(out, node.Definition)
			}
		}
		return sortDefinitions(out)
	}
	return sortDefinitions(w.definitionsOf(w.graph.GetRoots()))
}

// TaskDefinition 按编码获取任务定义
func (w *WorkflowExecutionGraph[R]) TaskDefinition(code int64) (*task.TaskDefinition, bool) {
	node, err := w.graph.GetVertex(task.CodeToNodeID(code))
	if err != nil {
		return nil, false
	}
	return node.Definition, true
}

// TaskDefinitions 全部任务定义，按编码排序
func (w *WorkflowExecutionGraph[R]) TaskDefinitions() []*task.TaskDefinition {
	vertices := w.graph.GetVertices()
	out := make([]*task.TaskDefinition, 0, len(vertices))
	for _, n := range vertices {
		out = append(out, n.Definition)
	}
	return sortDefinitions(out)
}

// Successors 直接后继
func (w *WorkflowExecutionGraph[R]) Successors(code int64) []*task.TaskDefinition {
	children, err := w.graph.GetChildren(task.CodeToNodeID(code))
	if err != nil {
		return nil
	}
	return sortDefinitions(w.definitionsOf(children))
}

// Predecessors 直接前驱
func (w *WorkflowExecutionGraph[R]) Predecessors(code int64) []*task.TaskDefinition {
	parents, err := w.graph.GetParents(task.CodeToNodeID(code))
	if err != nil {
		return nil
	}
	return sortDefinitions(w.definitionsOf(parents))
}

// BindRunnable 绑定节点当前的执行体并标记为活跃
func (w *WorkflowExecutionGraph[R]) BindRunnable(code int64, r R) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := task.CodeToNodeID(code)
	w.runnables[id] = r
	w.active[id] = struct{}{}
}

// RestoreRunnable 恢复已结束的执行体（恢复/接管工作流时使用），不标记为活跃
func (w *WorkflowExecutionGraph[R]) RestoreRunnable(code int64, r R) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runnables[task.CodeToNodeID(code)] = r
}

// Runnable 节点当前执行体
func (w *WorkflowExecutionGraph[R]) Runnable(code int64) (R, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.runnables[task.CodeToNodeID(code)]
	return r, ok
}

// Runnables 全部已创建的执行体，按任务编码排序
func (w *WorkflowExecutionGraph[R]) Runnables() []R {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.collect(func(string) bool { return true })
}

// ActiveRunnables 活跃的执行体
func (w *WorkflowExecutionGraph[R]) ActiveRunnables() []R {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.collect(func(id string) bool {
		_, ok := w.active[id]
		return ok
	})
}

// HasActive 是否还有活跃任务
func (w *WorkflowExecutionGraph[R]) HasActive() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.active) > 0
}

// IsActive 节点是否活跃
func (w *WorkflowExecutionGraph[R]) IsActive(code int64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.active[task.CodeToNodeID(code)]
	return ok
}

// MarkTaskExecutionRunnableActive 标记节点活跃
func (w *WorkflowExecutionGraph[R]) MarkTaskExecutionRunnableActive(code int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active[task.CodeToNodeID(code)] = struct{}{}
}

// MarkTaskExecutionRunnableInActive 标记节点不再推动流程前进
func (w *WorkflowExecutionGraph[R]) MarkTaskExecutionRunnableInActive(code int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, task.CodeToNodeID(code))
}

// MarkTaskExecutionRunnableChainPause 标记节点及其未触发的下游为暂停
func (w *WorkflowExecutionGraph[R]) MarkTaskExecutionRunnableChainPause(code int64) {
	w.markChain(code, MarkPause)
}

// MarkTaskExecutionRunnableChainKill 标记节点及其未触发的下游为停止
func (w *WorkflowExecutionGraph[R]) MarkTaskExecutionRunnableChainKill(code int64) {
	w.markChain(code, MarkKill)
}

// MarkTaskExecutionRunnableChainFailure 标记节点及其未触发的下游为失败
func (w *WorkflowExecutionGraph[R]) MarkTaskExecutionRunnableChainFailure(code int64) {
	w.markChain(code, MarkFailure)
}

// MarkSkip 标记节点被条件分支跳过
func (w *WorkflowExecutionGraph[R]) MarkSkip(code int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.marks[task.CodeToNodeID(code)] = MarkSkip
}

// Mark 节点上的标记
func (w *WorkflowExecutionGraph[R]) Mark(code int64) ChainMark {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.marks[task.CodeToNodeID(code)]
}

// CountMarks 统计各类标记数量
func (w *WorkflowExecutionGraph[R]) CountMarks() map[ChainMark]int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[ChainMark]int)
	for _, m := range w.marks {
		out[m]++
	}
	return out
}

// ClearMarks 清除暂停/停止/失败标记，恢复执行时使用
func (w *WorkflowExecutionGraph[R]) ClearMarks() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, m := range w.marks {
		if m != MarkSkip {
			delete(w.marks, id)
		}
	}
}

// IsAllSuccessorsConditionTask 直接后继是否全是条件任务（无后继时为false）
func (w *WorkflowExecutionGraph[R]) IsAllSuccessorsConditionTask(code int64) bool {
	successors := w.Successors(code)
	if len(successors) == 0 {
		return false
	}
	for _, s := range successors {
		if !task.IsConditionTask(s.TaskType) {
			return false
		}
	}
	return true
}

// SetConditionBranch 记录条件任务选中的分支
func (w *WorkflowExecutionGraph[R]) SetConditionBranch(code int64, chosen []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := make(map[int64]struct{}, len(chosen))
	for _, c := range chosen {
		set[c] = struct{}{}
	}
	w.branches[task.CodeToNodeID(code)] = set
}

// Evaluate 判断节点能否被触发
func (w *WorkflowExecutionGraph[R]) Evaluate(code int64) Decision {
	w.mu.RLock()
	defer w.mu.RUnlock()

	id := task.CodeToNodeID(code)
	if _, triggered := w.runnables[id]; triggered {
		return DecisionBlocked
	}
	if w.marks[id] != MarkNone {
		return DecisionBlocked
	}
	node, err := w.graph.GetVertex(id)
	if err != nil {
		return DecisionBlocked
	}
	isCondition := task.IsConditionTask(node.Definition.TaskType)

	parents, err := w.graph.GetParents(id)
	if err != nil || len(parents) == 0 {
		return DecisionTrigger
	}

	skipped := 0
	waiting := false
	for pid := range parents {
		switch w.marks[pid] {
		case MarkSkip:
			skipped++
			continue
		case MarkPause, MarkKill, MarkFailure:
			if !isCondition {
				return DecisionBlocked
			}
			if _, ok := w.runnables[pid]; !ok {
				continue
			}
		}
		r, ok := w.runnables[pid]
		if !ok {
			waiting = true
			continue
		}
		if _, active := w.active[pid]; active {
			waiting = true
			continue
		}
		status := w.statusOf(r)
		switch {
		case status.IsSuccess():
			if branch, isBranch := w.branches[pid]; isBranch && w.isConditionNode(pid) {
				if _, chosen := branch[code]; !chosen {
					skipped++
				}
			}
		case isCondition && status.IsFinished():
			// 条件任务以前置的任何终态作为判断依据
		default:
			return DecisionBlocked
		}
	}
	if waiting {
		return DecisionWait
	}
	if skipped == len(parents) {
		return DecisionSkip
	}
	return DecisionTrigger
}

// markChain 标记节点并向下游传播，已触发的下游不受影响
func (w *WorkflowExecutionGraph[R]) markChain(code int64, mark ChainMark) {
	w.mu.Lock()
	defer w.mu.Unlock()

	root := task.CodeToNodeID(code)
	w.marks[root] = mark
	visited := map[string]struct{}{root: {}}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		children, err := w.graph.GetChildren(id)
		if err != nil {
			continue
		}
		for cid := range children {
			if _, seen := visited[cid]; seen {
				continue
			}
			visited[cid] = struct{}{}
			if _, triggered := w.runnables[cid]; triggered {
				continue
			}
			if w.marks[cid] != MarkNone {
				continue
			}
			// 条件任务会对前置失败做出判断，不随失败链路传播
			if mark == MarkFailure && w.isConditionNode(cid) {
				continue
			}
			w.marks[cid] = mark
			queue = append(queue, cid)
		}
	}
}

func (w *WorkflowExecutionGraph[R]) collect(keep func(id string) bool) []R {
	ids := make([]string, 0, len(w.runnables))
	for id := range w.runnables {
		if keep(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := task.NodeIDToCode(ids[i])
		b, _ := task.NodeIDToCode(ids[j])
		return a < b
	})
	out := make([]R, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.runnables[id])
	}
	return out
}

// definitionsOf go-dag的根/父/子查询只返回ID，按ID取回顶点
func (w *WorkflowExecutionGraph[R]) definitionsOf(ids map[string]godag.VHash) []*task.TaskDefinition {
	out := make([]*task.TaskDefinition, 0, len(ids))
	for id := range ids {
		if node, err := w.graph.GetVertex(id); err == nil {
			out = append(out, node.Definition)
		}
	}
	return out
}

func (w *WorkflowExecutionGraph[R]) isConditionNode(id string) bool {
	node, err := w.graph.GetVertex(id)
	return err == nil && task.IsConditionTask(node.Definition.TaskType)
}

func sortDefinitions(defs []*task.TaskDefinition) []*task.TaskDefinition {
	sort.Slice(defs, func(i, j int) bool { return defs[i].Code < defs[j].Code })
	return defs
}
