// Package taskgroup 任务组槽位协调：容量受限时任务在此排队，槽位释放后按优先级唤醒
package taskgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"go.uber.org/zap"
)

// WakeFunc 槽位获取成功后的回调
type WakeFunc func(taskInstanceID, workflowInstanceID int64)

type waiter struct {
	queueID            int64
	groupID            int64
	workflowInstanceID int64
}

// Coordinator 任务组协调器（对外导出）
type Coordinator struct {
	repo     storage.TaskGroupRepository
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	waiting map[int64]*waiter // taskInstanceID -> waiter
	onWake  WakeFunc
}

// NewCoordinator 创建任务组协调器
func NewCoordinator(repo storage.TaskGroupRepository, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Coordinator{
		repo:     repo,
		interval: interval,
		log:      logger.Named("taskgroup"),
		waiting:  make(map[int64]*waiter),
	}
}

// OnWake 注册唤醒回调
func (c *Coordinator) OnWake(fn WakeFunc) {
	c.mu.Lock()
	c.onWake = fn
	c.mu.Unlock()
}

// AcquireSlot 尝试为任务实例占用槽位，失败时进入等待队列
func (c *Coordinator) AcquireSlot(ctx context.Context, ti *task.TaskInstance) (bool, error) {
	if !ti.NeedTaskGroupSlot() {
		return true, nil
	}
	q := &task.TaskGroupQueue{
		TaskInstanceID:     ti.ID,
		TaskGroupID:        ti.TaskGroupID,
		WorkflowInstanceID: ti.WorkflowInstanceID,
		Priority:           ti.TaskGroupPriority,
		Status:             task.TaskGroupQueueWait,
	}
	if err := c.repo.InsertTaskGroupQueue(ctx, q); err != nil {
		return false, err
	}

	// 已有更高优先级的等待者时不抢占
	waiting, err := c.repo.ListWaitingTaskGroupQueues(ctx, ti.TaskGroupID, 1)
	if err != nil {
		return false, err
	}
	if len(waiting) == 0 || waiting[0].ID == q.ID {
		ok, err := c.repo.TryIncreaseUseSize(ctx, ti.TaskGroupID)
		if err != nil {
			return false, err
		}
		if ok {
			if err := c.repo.UpdateTaskGroupQueueStatus(ctx, q.ID, task.TaskGroupQueueAcquired); err != nil {
				// 排队记录未能标记为已占用，归还槽位并删除记录
				return false, errors.Join(err,
					c.repo.DecreaseUseSize(ctx, ti.TaskGroupID),
					c.repo.DeleteTaskGroupQueue(ctx, q.ID))
			}
			return true, nil
		}
	}

	c.mu.Lock()
	c.waiting[ti.ID] = &waiter{queueID: q.ID, groupID: ti.TaskGroupID, workflowInstanceID: ti.WorkflowInstanceID}
	c.mu.Unlock()
	c.log.Info("任务组已满，任务进入等待",
		zap.Int64("taskInstanceId", ti.ID), zap.Int64("taskGroupId", ti.TaskGroupID))
	return false, nil
}

// ReleaseSlot 释放任务实例占用的槽位并唤醒同组等待者
func (c *Coordinator) ReleaseSlot(ctx context.Context, ti *task.TaskInstance) error {
	if !ti.NeedTaskGroupSlot() {
		return nil
	}
	q, err := c.repo.GetTaskGroupQueueByTaskInstance(ctx, ti.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if q.Status != task.TaskGroupQueueAcquired {
		return nil
	}
	if err := c.repo.DecreaseUseSize(ctx, q.TaskGroupID); err != nil {
		return err
	}
	if err := c.repo.UpdateTaskGroupQueueStatus(ctx, q.ID, task.TaskGroupQueueReleased); err != nil {
		return err
	}
	c.wakeGroup(ctx, q.TaskGroupID)
	return nil
}

// RemoveWaiting 从等待队列移除任务，返回是否确实在等待
func (c *Coordinator) RemoveWaiting(ctx context.Context, taskInstanceID int64) (bool, error) {
	c.mu.Lock()
	w, ok := c.waiting[taskInstanceID]
	if ok {
		delete(c.waiting, taskInstanceID)
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := c.repo.DeleteTaskGroupQueue(ctx, w.queueID); err != nil {
		return true, fmt.Errorf("删除任务组排队记录失败: %w", err)
	}
	return true, nil
}

// ResetSlot 清理任务实例遗留的排队记录（接管其他master的工作流时使用）
// WAIT记录直接删除，ACQUIRED记录归还槽位
func (c *Coordinator) ResetSlot(ctx context.Context, ti *task.TaskInstance) error {
	if !ti.NeedTaskGroupSlot() {
		return nil
	}
	c.mu.Lock()
	delete(c.waiting, ti.ID)
	c.mu.Unlock()

	q, err := c.repo.GetTaskGroupQueueByTaskInstance(ctx, ti.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	switch q.Status {
	case task.TaskGroupQueueWait:
		return c.repo.DeleteTaskGroupQueue(ctx, q.ID)
	case task.TaskGroupQueueAcquired:
		if err := c.repo.DecreaseUseSize(ctx, q.TaskGroupID); err != nil {
			return err
		}
		if err := c.repo.DeleteTaskGroupQueue(ctx, q.ID); err != nil {
			return err
		}
		c.wakeGroup(ctx, q.TaskGroupID)
	}
	return nil
}

// IsWaiting 任务是否在等待槽位
func (c *Coordinator) IsWaiting(taskInstanceID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.waiting[taskInstanceID]
	return ok
}

// Run 周期性检查等待者，直到ctx取消
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, groupID := range c.waitingGroups() {
				c.wakeGroup(ctx, groupID)
			}
		}
	}
}

func (c *Coordinator) waitingGroups() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[int64]struct{})
	var groups []int64
	for _, w := range c.waiting {
		if _, ok := seen[w.groupID]; ok {
			continue
		}
		seen[w.groupID] = struct{}{}
		groups = append(groups, w.groupID)
	}
	return groups
}

// wakeGroup 按 priority DESC, id ASC 为本地等待者依次占用槽位
func (c *Coordinator) wakeGroup(ctx context.Context, groupID int64) {
	queues, err := c.repo.ListWaitingTaskGroupQueues(ctx, groupID, 100)
	if err != nil {
		c.log.Error("查询任务组等待队列失败", zap.Int64("taskGroupId", groupID), zap.Error(err))
		return
	}
	for _, q := range queues {
		c.mu.Lock()
		w, local := c.waiting[q.TaskInstanceID]
		c.mu.Unlock()
		if !local {
			// 其他master上的等待者由其自身唤醒
			continue
		}
		ok, err := c.repo.TryIncreaseUseSize(ctx, groupID)
		if err != nil {
			c.log.Error("占用任务组槽位失败", zap.Int64("taskGroupId", groupID), zap.Error(err))
			return
		}
		if !ok {
			return
		}
		if err := c.repo.UpdateTaskGroupQueueStatus(ctx, q.ID, task.TaskGroupQueueAcquired); err != nil {
			// 等待者保持等待，下一轮重试
			c.log.Error("更新排队状态失败", zap.Int64("queueId", q.ID), zap.Error(err))
			c.giveBack(ctx, groupID)
			return
		}

		c.mu.Lock()
		_, still := c.waiting[q.TaskInstanceID]
		delete(c.waiting, q.TaskInstanceID)
		fn := c.onWake
		c.mu.Unlock()
		if !still {
			// 并发RemoveWaiting已经取消等待，归还槽位
			c.giveBack(ctx, groupID)
			continue
		}
		c.log.Info("任务获得任务组槽位", zap.Int64("taskInstanceId", q.TaskInstanceID), zap.Int64("taskGroupId", groupID))
		if fn != nil {
			fn(q.TaskInstanceID, w.workflowInstanceID)
		}
	}
}

// giveBack 归还已占用但未交付的槽位
func (c *Coordinator) giveBack(ctx context.Context, groupID int64) {
	if err := c.repo.DecreaseUseSize(ctx, groupID); err != nil {
		c.log.Error("归还任务组槽位失败", zap.Int64("taskGroupId", groupID), zap.Error(err))
	}
}
