package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskInstance_NewAttemptPreservesFirstSubmitTime(t *testing.T) {
	first := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	def := &TaskDefinition{Code: 11, Name: "extract", TaskType: TypeShell, FailRetryTimes: 2}
	inst := NewTaskInstance(def, 7, first)
	inst.ID = 100
	inst.Status = StatusFailure
	inst.Host = "10.0.0.1:1234"

	later := first.Add(5 * time.Minute)
	retry := inst.NewAttempt(later, true)

	assert.Zero(t, retry.ID)
	assert.Equal(t, StatusSubmittedSuccess, retry.Status)
	assert.Equal(t, 1, retry.RetryTimes)
	assert.Equal(t, first, retry.FirstSubmitTime)
	assert.Equal(t, later, retry.SubmitTime)
	assert.Empty(t, retry.Host)
	assert.Equal(t, FlagYes, retry.Flag)

	failover := inst.NewAttempt(later, false)
	assert.Equal(t, 0, failover.RetryTimes)
}

func TestTaskInstance_CanRetry(t *testing.T) {
	inst := &TaskInstance{RetryTimes: 0, MaxRetryTimes: 1}
	assert.True(t, inst.CanRetry())
	inst.RetryTimes = 1
	assert.False(t, inst.CanRetry())
}

func TestTaskInstance_RemainingDelay(t *testing.T) {
	now := time.Now()
	inst := &TaskInstance{FirstSubmitTime: now.Add(-30 * time.Second), DelayMinutes: 1}
	remaining := inst.RemainingDelay(now)
	assert.InDelta(t, float64(30*time.Second), float64(remaining), float64(time.Millisecond))

	inst.FirstSubmitTime = now.Add(-2 * time.Minute)
	assert.Zero(t, inst.RemainingDelay(now))
}

func TestMergeVarPool(t *testing.T) {
	wf := EncodeVarPool([]Property{{Prop: "a", Direct: DirectOut, Value: "1"}})
	out := EncodeVarPool([]Property{
		{Prop: "a", Direct: DirectOut, Value: "2"},
		{Prop: "b", Direct: DirectIn, Value: "ignored"},
		{Prop: "c", Direct: DirectOut, Value: "3"},
		{Prop: ConditionResultProp, Direct: DirectOut, Value: ConditionBranchSuccess},
	})

	merged, err := MergeVarPool(wf, out)
	require.NoError(t, err)
	props, err := ParseVarPool(merged)
	require.NoError(t, err)

	values := PropertyMap(props)
	assert.Equal(t, map[string]string{"a": "2", "c": "3"}, values)
}

func TestReplacePlaceholders(t *testing.T) {
	params := map[string]string{"date": "20240101", "env": "prod"}

	out, err := ReplacePlaceholders(`{"raw_script":"echo ${date} ${env}"}`, params)
	require.NoError(t, err)
	assert.Equal(t, `{"raw_script":"echo 20240101 prod"}`, out)

	out, err = ReplacePlaceholders("run ${missing}", params)
	assert.Error(t, err)
	assert.Equal(t, "run ${missing}", out)
}

func TestConditionParams_Evaluate(t *testing.T) {
	p := &ConditionParams{
		Dependence:  []DependItem{{DepTaskCode: 1, Status: StatusSuccess}, {DepTaskCode: 2, Status: StatusSuccess}},
		SuccessNode: []int64{10},
		FailedNode:  []int64{20},
	}
	results := map[int64]ExecutionStatus{1: StatusSuccess, 2: StatusFailure}
	assert.Equal(t, ConditionBranchFailed, p.Evaluate(results))
	assert.Equal(t, []int64{20}, p.Branch(ConditionBranchFailed))

	p.Relation = "OR"
	assert.Equal(t, ConditionBranchSuccess, p.Evaluate(results))
}

func TestExecutionContextInContext(t *testing.T) {
	execCtx := &TaskExecutionContext{TaskInstanceID: 5, WorkflowInstanceID: 9}
	ctx := WithExecutionContext(context.Background(), execCtx)

	assert.Same(t, execCtx, GetExecutionContext(ctx))
	assert.Equal(t, int64(5), GetTaskInstanceID(ctx))
	assert.Equal(t, int64(9), GetWorkflowInstanceID(ctx))
	assert.Nil(t, GetExecutionContext(context.Background()))
}

func TestExecutionContext_Deadline(t *testing.T) {
	start := time.Now()
	c := &TaskExecutionContext{StartTime: start, TimeoutSeconds: 10}
	assert.Equal(t, start.Add(10*time.Second), c.Deadline())
	c.TimeoutSeconds = 0
	assert.True(t, c.Deadline().IsZero())
}
