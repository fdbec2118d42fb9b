package dag

import (
	"testing"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunnable struct {
	code   int64
	status task.ExecutionStatus
}

func statusOf(r *fakeRunnable) task.ExecutionStatus { return r.status }

// buildSpec 1 -> 2 -> 4, 1 -> 3 -> 4, 5(独立)
func buildSpec() *workflow.WorkflowSpec {
	return &workflow.WorkflowSpec{
		Definition: workflow.WorkflowDefinition{Code: 100, Name: "diamond"},
		Tasks: []task.TaskDefinition{
			{Code: 1, Name: "t1", TaskType: task.TypeShell},
			{Code: 2, Name: "t2", TaskType: task.TypeShell},
			{Code: 3, Name: "t3", TaskType: task.TypeShell},
			{Code: 4, Name: "t4", TaskType: task.TypeShell},
			{Code: 5, Name: "t5", TaskType: task.TypeShell},
		},
		Relations: []workflow.TaskRelation{
			{PreTaskCode: 0, PostTaskCode: 1},
			{PreTaskCode: 1, PostTaskCode: 2},
			{PreTaskCode: 1, PostTaskCode: 3},
			{PreTaskCode: 2, PostTaskCode: 4},
			{PreTaskCode: 3, PostTaskCode: 4},
			{PreTaskCode: 0, PostTaskCode: 5},
		},
	}
}

func newGraph(t *testing.T, spec *workflow.WorkflowSpec) *WorkflowExecutionGraph[*fakeRunnable] {
	g, err := NewWorkflowExecutionGraph[*fakeRunnable](spec, statusOf)
	require.NoError(t, err)
	return g
}

func finish(g *WorkflowExecutionGraph[*fakeRunnable], code int64, status task.ExecutionStatus) *fakeRunnable {
	r := &fakeRunnable{code: code, status: status}
	g.BindRunnable(code, r)
	g.MarkTaskExecutionRunnableInActive(code)
	return r
}

func codes(defs []*task.TaskDefinition) []int64 {
	out := make([]int64, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Code)
	}
	return out
}

func TestGraph_StartNodesAndTopology(t *testing.T) {
	g := newGraph(t, buildSpec())

	assert.Equal(t, []int64{1, 5}, codes(g.StartNodes()))
	assert.Equal(t, []int64{2, 3}, codes(g.Successors(1)))
	assert.Equal(t, []int64{2, 3}, codes(g.Predecessors(4)))

	require.NoError(t, g.SetStartNodes([]int64{3}))
	assert.Equal(t, []int64{3}, codes(g.StartNodes()))
	assert.Error(t, g.SetStartNodes([]int64{42}))
}

func TestGraph_RejectsCycle(t *testing.T) {
	spec := buildSpec()
	spec.Relations = append(spec.Relations, workflow.TaskRelation{PreTaskCode: 4, PostTaskCode: 1})
	_, err := NewWorkflowExecutionGraph[*fakeRunnable](spec, statusOf)
	assert.Error(t, err)
}

func TestGraph_EvaluateWaitsForAllPredecessors(t *testing.T) {
	g := newGraph(t, buildSpec())
	finish(g, 1, task.StatusSuccess)
	finish(g, 2, task.StatusSuccess)

	assert.Equal(t, DecisionWait, g.Evaluate(4))

	g.BindRunnable(3, &fakeRunnable{code: 3, status: task.StatusRunningExecution})
	assert.Equal(t, DecisionWait, g.Evaluate(4))
	assert.True(t, g.HasActive())

	r3, _ := g.Runnable(3)
	r3.status = task.StatusSuccess
	g.MarkTaskExecutionRunnableInActive(3)
	assert.Equal(t, DecisionTrigger, g.Evaluate(4))
	assert.False(t, g.HasActive())
}

func TestGraph_EvaluateBlockedAfterTriggered(t *testing.T) {
	g := newGraph(t, buildSpec())
	g.BindRunnable(1, &fakeRunnable{code: 1})
	assert.Equal(t, DecisionBlocked, g.Evaluate(1))
	assert.Len(t, g.ActiveRunnables(), 1)
}

func TestGraph_ChainFailureMarksUntriggeredDescendants(t *testing.T) {
	g := newGraph(t, buildSpec())
	finish(g, 1, task.StatusSuccess)
	finish(g, 2, task.StatusFailure)
	g.BindRunnable(3, &fakeRunnable{code: 3, status: task.StatusRunningExecution})

	g.MarkTaskExecutionRunnableChainFailure(2)

	assert.Equal(t, MarkFailure, g.Mark(2))
	assert.Equal(t, MarkFailure, g.Mark(4))
	assert.Equal(t, MarkNone, g.Mark(3), "已触发的节点不受链路标记影响")
	assert.Equal(t, MarkNone, g.Mark(5))
	assert.Equal(t, DecisionBlocked, g.Evaluate(4))
	assert.Equal(t, map[ChainMark]int{MarkFailure: 2}, g.CountMarks())

	g.ClearMarks()
	assert.Equal(t, MarkNone, g.Mark(4))
}

func TestGraph_ChainPauseSkipsAlreadyMarkedBranch(t *testing.T) {
	g := newGraph(t, buildSpec())
	finish(g, 1, task.StatusSuccess)
	g.MarkTaskExecutionRunnableChainKill(3)
	g.MarkTaskExecutionRunnableChainPause(2)

	assert.Equal(t, MarkPause, g.Mark(2))
	assert.Equal(t, MarkKill, g.Mark(3))
	assert.Equal(t, MarkKill, g.Mark(4), "已被其他链路标记的下游保持原标记")
}

func conditionSpec() *workflow.WorkflowSpec {
	return &workflow.WorkflowSpec{
		Definition: workflow.WorkflowDefinition{Code: 200, Name: "branch"},
		Tasks: []task.TaskDefinition{
			{Code: 1, Name: "check", TaskType: task.TypeShell},
			{Code: 2, Name: "cond", TaskType: task.TypeConditions,
				TaskParams: `{"dependence":[{"dep_task_code":1,"status":"SUCCESS"}],"success_node":[3],"failed_node":[4]}`},
			{Code: 3, Name: "on-success", TaskType: task.TypeShell},
			{Code: 4, Name: "on-failure", TaskType: task.TypeShell},
			{Code: 5, Name: "after-failure", TaskType: task.TypeShell},
		},
		Relations: []workflow.TaskRelation{
			{PreTaskCode: 1, PostTaskCode: 2},
			{PreTaskCode: 2, PostTaskCode: 3},
			{PreTaskCode: 2, PostTaskCode: 4},
			{PreTaskCode: 4, PostTaskCode: 5},
		},
	}
}

func TestGraph_ConditionTaskRunsAfterFailedPredecessor(t *testing.T) {
	g := newGraph(t, conditionSpec())
	assert.True(t, g.IsAllSuccessorsConditionTask(1))
	assert.False(t, g.IsAllSuccessorsConditionTask(2))
	assert.False(t, g.IsAllSuccessorsConditionTask(5), "无后继时为false")

	finish(g, 1, task.StatusFailure)
	assert.Equal(t, DecisionTrigger, g.Evaluate(2))
}

func TestGraph_ConditionBranchSkipsOtherSide(t *testing.T) {
	g := newGraph(t, conditionSpec())
	finish(g, 1, task.StatusSuccess)
	finish(g, 2, task.StatusSuccess)
	g.SetConditionBranch(2, []int64{3})

	assert.Equal(t, DecisionTrigger, g.Evaluate(3))
	assert.Equal(t, DecisionSkip, g.Evaluate(4))

	g.MarkSkip(4)
	assert.Equal(t, DecisionSkip, g.Evaluate(5), "前置全部跳过时后继也跳过")
}

func TestGraph_LookupsResolveVertexDefinitions(t *testing.T) {
	spec := buildSpec()
	spec.Tasks[3].TaskType = task.TypeConditions
	g := newGraph(t, spec)

	roots := g.StartNodes()
	require.Len(t, roots, 2)
	assert.Equal(t, "t1", roots[0].Name)
	assert.Equal(t, "t5", roots[1].Name)

	succ := g.Successors(2)
	require.Len(t, succ, 1)
	assert.Equal(t, task.TypeConditions, succ[0].TaskType)
	assert.True(t, g.IsAllSuccessorsConditionTask(2))
	assert.False(t, g.IsAllSuccessorsConditionTask(1))
	assert.Empty(t, g.Successors(4))
	assert.Empty(t, g.Predecessors(1))
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, codes(g.TaskDefinitions()))
}
