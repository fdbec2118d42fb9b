package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/LENAX/dag-master/pkg/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// newTestStore 在临时目录创建SQLite存储
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=30000"
	s, err := Open(sqlite.NewSQLiteDialect(), dsn, PoolConfig{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSpec() *workflow.WorkflowSpec {
	return &workflow.WorkflowSpec{
		Definition: workflow.WorkflowDefinition{
			Code:            100,
			Version:         1,
			Name:            "daily-etl",
			FailureStrategy: workflow.FailureContinue,
			GlobalParams:    []task.Property{{Prop: "bizdate", Direct: task.DirectIn, Type: "VARCHAR", Value: "20240101"}},
			Crontab:         "0 0 * * * *",
			Online:          true,
		},
		Tasks: []task.TaskDefinition{
			{Code: 1, Version: 1, Name: "extract", TaskType: task.TypeShell, TaskParams: `{"raw_script":"echo 1"}`, FailRetryTimes: 2},
			{Code: 2, Version: 1, Name: "load", TaskType: task.TypeShell, TaskGroupID: 7, TaskGroupPriority: 3},
		},
		Relations: []workflow.TaskRelation{{PreTaskCode: 0, PostTaskCode: 1}, {PreTaskCode: 1, PostTaskCode: 2}},
	}
}

func TestStore_SaveAndGetWorkflowSpec(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveWorkflowSpec(ctx, sampleSpec()))
	// 重复保存为整体替换
	require.NoError(t, s.SaveWorkflowSpec(ctx, sampleSpec()))

	got, err := s.GetWorkflowSpec(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "daily-etl", got.Definition.Name)
	assert.True(t, got.Definition.Online)
	require.Len(t, got.Definition.GlobalParams, 1)
	assert.Equal(t, "20240101", got.Definition.GlobalParams[0].Value)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, int64(7), got.Tasks[1].TaskGroupID)
	assert.Len(t, got.Relations, 2)

	defs, err := s.ListWorkflowDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	_, err = s.GetWorkflowSpec(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_WorkflowInstanceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	spec := sampleSpec()
	cmd := &workflow.Command{Type: workflow.CommandStartProcess, DefinitionCode: 100, StartNodes: []int64{1}}
	inst := workflow.NewWorkflowInstance(&spec.Definition, cmd, "10.0.0.1:5678", time.Now())
	require.NoError(t, s.CreateWorkflowInstance(ctx, inst))
	require.NotZero(t, inst.ID)

	got, err := s.GetWorkflowInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, got.StartNodes)
	assert.Nil(t, got.EndTime)

	unfinished, err := s.ListUnfinishedByHost(ctx, "10.0.0.1:5678")
	require.NoError(t, err)
	assert.Len(t, unfinished, 1)

	end := time.Now()
	got.Status = workflow.StatusSuccess
	got.EndTime = &end
	require.NoError(t, s.UpdateWorkflowInstance(ctx, got))

	unfinished, err = s.ListUnfinishedByHost(ctx, "10.0.0.1:5678")
	require.NoError(t, err)
	assert.Empty(t, unfinished)

	again, err := s.GetWorkflowInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusSuccess, again.Status)
	require.NotNil(t, again.EndTime)
}

func TestStore_TaskInstanceAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &sampleSpec().Tasks[0]
	first := task.NewTaskInstance(def, 1, time.Now())
	require.NoError(t, s.CreateTaskInstance(ctx, first))

	first.Status = task.StatusFailure
	first.Flag = task.FlagNo
	require.NoError(t, s.UpdateTaskInstance(ctx, first))

	second := first.NewAttempt(time.Now(), true)
	require.NoError(t, s.CreateTaskInstance(ctx, second))
	assert.NotEqual(t, first.ID, second.ID)

	all, err := s.ListByWorkflowInstance(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	valid, err := s.ListValidByWorkflowInstance(ctx, 1)
	require.NoError(t, err)
	require.Len(t, valid, 1)
	assert.Equal(t, second.ID, valid[0].ID)
	assert.Equal(t, 1, valid[0].RetryTimes)

	err = s.UpdateTaskInstance(ctx, &task.TaskInstance{ID: 12345})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_FetchCommandsBySlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.CreateCommand(ctx, &workflow.Command{
			Type:           workflow.CommandStartProcess,
			DefinitionCode: 100,
			Params:         map[string]string{"k": "v"},
		}))
	}

	// 两个master：每个槽位各领取一半
	slot0, err := s.FetchCommandsBySlot(ctx, 0, 2, 10)
	require.NoError(t, err)
	slot1, err := s.FetchCommandsBySlot(ctx, 1, 2, 10)
	require.NoError(t, err)
	assert.Len(t, slot0, 3)
	assert.Len(t, slot1, 3)
	for _, c := range slot0 {
		assert.Equal(t, int64(0), c.ID%2)
		assert.Equal(t, "v", c.Params["k"])
	}

	require.NoError(t, s.DeleteCommand(ctx, slot0[0].ID))
	slot0, err = s.FetchCommandsBySlot(ctx, 0, 2, 10)
	require.NoError(t, err)
	assert.Len(t, slot0, 2)

	none, err := s.FetchCommandsBySlot(ctx, 0, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_FetchCommandsDropsMalformedParams(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	prev := logger.L()
	logger.Replace(zap.New(core))
	t.Cleanup(func() { logger.Replace(prev) })

	s := newTestStore(t)
	ctx := context.Background()
	good := &workflow.Command{Type: workflow.CommandStartProcess, DefinitionCode: 100, Params: map[string]string{"k": "v"}}
	bad := &workflow.Command{Type: workflow.CommandStartProcess, DefinitionCode: 100}
	require.NoError(t, s.CreateCommand(ctx, good))
	require.NoError(t, s.CreateCommand(ctx, bad))
	_, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE command SET params = ? WHERE id = ?"), `{"k":`, bad.ID)
	require.NoError(t, err)

	cmds, err := s.FetchCommandsBySlot(ctx, 0, 1, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, good.ID, cmds[0].ID)

	entries := logs.FilterMessage("丢弃格式错误的命令").All()
	require.Len(t, entries, 1)
	assert.Equal(t, bad.ID, entries[0].ContextMap()["commandId"])

	// 格式错误的命令已删除，不会再次领取
	cmds, err = s.FetchCommandsBySlot(ctx, 0, 1, 10)
	require.NoError(t, err)
	assert.Len(t, cmds, 1)
	assert.Len(t, logs.FilterMessage("丢弃格式错误的命令").All(), 1)
}

func TestStore_TaskGroupCapacity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	group := &task.TaskGroup{Name: "db-writers", GroupSize: 2}
	require.NoError(t, s.CreateTaskGroup(ctx, group))

	ok, err := s.TryIncreaseUseSize(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryIncreaseUseSize(ctx, group.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.TryIncreaseUseSize(ctx, group.ID)
	require.NoError(t, err)
	assert.False(t, ok, "容量已满时不能再占用")

	require.NoError(t, s.DecreaseUseSize(ctx, group.ID))
	got, err := s.GetTaskGroup(ctx, group.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UseSize)
}

func TestStore_TaskGroupQueueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, prio := range []int{1, 5, 5, 3} {
		require.NoError(t, s.InsertTaskGroupQueue(ctx, &task.TaskGroupQueue{
			TaskInstanceID: int64(i + 1),
			TaskGroupID:    9,
			Priority:       prio,
			Status:         task.TaskGroupQueueWait,
		}))
	}

	waiting, err := s.ListWaitingTaskGroupQueues(ctx, 9, 10)
	require.NoError(t, err)
	require.Len(t, waiting, 4)
	var order []int64
	for _, q := range waiting {
		order = append(order, q.TaskInstanceID)
	}
	// 优先级数值越大越先获得槽位，同优先级按ID
	assert.Equal(t, []int64{2, 3, 4, 1}, order)

	require.NoError(t, s.UpdateTaskGroupQueueStatus(ctx, waiting[0].ID, task.TaskGroupQueueAcquired))
	got, err := s.GetTaskGroupQueueByTaskInstance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, task.TaskGroupQueueAcquired, got.Status)

	require.NoError(t, s.DeleteTaskGroupQueue(ctx, got.ID))
	_, err = s.GetTaskGroupQueueByTaskInstance(ctx, 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
