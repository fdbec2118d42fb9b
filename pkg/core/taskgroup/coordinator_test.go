package taskgroup

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/LENAX/dag-master/pkg/storage/sqlite"
	"github.com/LENAX/dag-master/pkg/storage/sqlstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestCoordinator(t *testing.T, size int) (*Coordinator, *sqlstore.Store, int64) {
	t.Helper()
	store, err := sqlstore.Open(sqlite.NewSQLiteDialect(),
		filepath.Join(t.TempDir(), "tg.db")+"?_busy_timeout=30000", sqlstore.PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	group := &task.TaskGroup{Name: "g", GroupSize: size}
	require.NoError(t, store.CreateTaskGroup(context.Background(), group))
	return NewCoordinator(store, 20*time.Millisecond), store, group.ID
}

func groupTask(id, groupID int64, prio int) *task.TaskInstance {
	return &task.TaskInstance{ID: id, WorkflowInstanceID: 1, TaskGroupID: groupID, TaskGroupPriority: prio}
}

func TestCoordinator_NoGroupAlwaysAcquires(t *testing.T) {
	c, _, _ := newTestCoordinator(t, 1)
	ok, err := c.AcquireSlot(context.Background(), &task.TaskInstance{ID: 1})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinator_ReleaseWakesHighestPriorityWaiter(t *testing.T) {
	c, store, gid := newTestCoordinator(t, 1)
	ctx := context.Background()

	var mu sync.Mutex
	var woken []int64
	c.OnWake(func(taskInstanceID, _ int64) {
		mu.Lock()
		woken = append(woken, taskInstanceID)
		mu.Unlock()
	})

	ok, err := c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.AcquireSlot(ctx, groupTask(2, gid, 1))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.AcquireSlot(ctx, groupTask(3, gid, 9))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, c.IsWaiting(2))

	require.NoError(t, c.ReleaseSlot(ctx, groupTask(1, gid, 0)))

	mu.Lock()
	assert.Equal(t, []int64{3}, woken, "优先级数值更大的等待者先被唤醒")
	mu.Unlock()
	assert.False(t, c.IsWaiting(3))
	assert.True(t, c.IsWaiting(2))

	g, err := store.GetTaskGroup(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, 1, g.UseSize)
}

func TestCoordinator_RemoveWaiting(t *testing.T) {
	c, _, gid := newTestCoordinator(t, 1)
	ctx := context.Background()

	_, err := c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	ok, err := c.AcquireSlot(ctx, groupTask(2, gid, 0))
	require.NoError(t, err)
	require.False(t, ok)

	removed, err := c.RemoveWaiting(ctx, 2)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = c.RemoveWaiting(ctx, 2)
	require.NoError(t, err)
	assert.False(t, removed)

	woken := false
	c.OnWake(func(int64, int64) { woken = true })
	require.NoError(t, c.ReleaseSlot(ctx, groupTask(1, gid, 0)))
	assert.False(t, woken)
}

func TestCoordinator_RunLoopRetriesWaiters(t *testing.T) {
	c, store, gid := newTestCoordinator(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	ok, err := c.AcquireSlot(ctx, groupTask(2, gid, 0))
	require.NoError(t, err)
	require.False(t, ok)

	wokeCh := make(chan int64, 1)
	c.OnWake(func(id, _ int64) { wokeCh <- id })
	go c.Run(ctx)

	// 槽位在协调器之外被释放（例如其他master），周期循环负责唤醒
	require.NoError(t, store.DecreaseUseSize(ctx, gid))

	select {
	case id := <-wokeCh:
		assert.Equal(t, int64(2), id)
	case <-time.After(2 * time.Second):
		t.Fatal("等待者没有被唤醒")
	}
}

func TestCoordinator_ResetSlot(t *testing.T) {
	c, store, gid := newTestCoordinator(t, 1)
	ctx := context.Background()

	ok, err := c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.AcquireSlot(ctx, groupTask(2, gid, 0))
	require.NoError(t, err)
	require.False(t, ok)

	// 等待中的记录被删除
	require.NoError(t, c.ResetSlot(ctx, groupTask(2, gid, 0)))
	assert.False(t, c.IsWaiting(2))
	_, err = store.GetTaskGroupQueueByTaskInstance(ctx, 2)
	assert.Error(t, err)

	// 已占用的槽位被归还，之后可以重新占用
	require.NoError(t, c.ResetSlot(ctx, groupTask(1, gid, 0)))
	group, err := store.GetTaskGroup(ctx, gid)
	require.NoError(t, err)
	assert.Equal(t, 0, group.UseSize)

	ok, err = c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	assert.True(t, ok)
}

// flakyGroupRepo 按开关让占用状态更新或槽位归还失败
type flakyGroupRepo struct {
	storage.TaskGroupRepository
	failAcquire  atomic.Bool
	failDecrease atomic.Bool
}

var errInjected = errors.New("injected storage failure")

func (r *flakyGroupRepo) UpdateTaskGroupQueueStatus(ctx context.Context, id int64, status task.TaskGroupQueueStatus) error {
	if status == task.TaskGroupQueueAcquired && r.failAcquire.Load() {
		return errInjected
	}
	return r.TaskGroupRepository.UpdateTaskGroupQueueStatus(ctx, id, status)
}

func (r *flakyGroupRepo) DecreaseUseSize(ctx context.Context, groupID int64) error {
	if r.failDecrease.Load() {
		return errInjected
	}
	return r.TaskGroupRepository.DecreaseUseSize(ctx, groupID)
}

func useSize(t *testing.T, store *sqlstore.Store, gid int64) int {
	t.Helper()
	g, err := store.GetTaskGroup(context.Background(), gid)
	require.NoError(t, err)
	return g.UseSize
}

func TestCoordinator_AcquireRollsBackWhenQueueUpdateFails(t *testing.T) {
	_, store, gid := newTestCoordinator(t, 1)
	repo := &flakyGroupRepo{TaskGroupRepository: store}
	c := NewCoordinator(repo, time.Hour)
	ctx := context.Background()

	repo.failAcquire.Store(true)
	ok, err := c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.ErrorIs(t, err, errInjected)
	assert.False(t, ok)
	assert.Equal(t, 0, useSize(t, store, gid), "占用失败后槽位应归还")
	_, err = store.GetTaskGroupQueueByTaskInstance(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound, "不应留下半占用的排队记录")

	repo.failAcquire.Store(false)
	ok, err = c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, useSize(t, store, gid))
}

func TestCoordinator_WakeRollsBackWhenQueueUpdateFails(t *testing.T) {
	_, store, gid := newTestCoordinator(t, 1)
	repo := &flakyGroupRepo{TaskGroupRepository: store}
	c := NewCoordinator(repo, time.Hour)
	ctx := context.Background()

	var mu sync.Mutex
	var woken []int64
	c.OnWake(func(taskInstanceID, _ int64) {
		mu.Lock()
		woken = append(woken, taskInstanceID)
		mu.Unlock()
	})

	ok, err := c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.AcquireSlot(ctx, groupTask(2, gid, 0))
	require.NoError(t, err)
	require.False(t, ok)

	repo.failAcquire.Store(true)
	require.NoError(t, c.ReleaseSlot(ctx, groupTask(1, gid, 0)))
	assert.Equal(t, 0, useSize(t, store, gid), "唤醒失败后槽位应归还")
	assert.True(t, c.IsWaiting(2))
	q, err := store.GetTaskGroupQueueByTaskInstance(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, task.TaskGroupQueueWait, q.Status)
	mu.Lock()
	assert.Empty(t, woken)
	mu.Unlock()

	repo.failAcquire.Store(false)
	c.wakeGroup(ctx, gid)
	mu.Lock()
	assert.Equal(t, []int64{2}, woken)
	mu.Unlock()
	assert.Equal(t, 1, useSize(t, store, gid))
}

func TestCoordinator_LogsFailedSlotGiveBack(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	prev := logger.L()
	logger.Replace(zap.New(core))
	t.Cleanup(func() { logger.Replace(prev) })

	_, store, gid := newTestCoordinator(t, 1)
	repo := &flakyGroupRepo{TaskGroupRepository: store}
	c := NewCoordinator(repo, time.Hour)
	ctx := context.Background()

	ok, err := c.AcquireSlot(ctx, groupTask(1, gid, 0))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = c.AcquireSlot(ctx, groupTask(2, gid, 0))
	require.NoError(t, err)
	require.False(t, ok)

	// 槽位在库中空出，唤醒时更新与归还都失败
	require.NoError(t, store.DecreaseUseSize(ctx, gid))
	repo.failAcquire.Store(true)
	repo.failDecrease.Store(true)
	c.wakeGroup(ctx, gid)

	entries := logs.FilterMessage("归还任务组槽位失败").All()
	require.Len(t, entries, 1)
	assert.Equal(t, errInjected.Error(), entries[0].ContextMap()["error"])
	assert.True(t, c.IsWaiting(2))
}
