package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/LENAX/dag-master/pkg/storage/dao"
)

const insertTaskInstanceSQL = `INSERT INTO task_instance
	(name, task_code, task_definition_version, task_type, workflow_instance_id, status, submit_time, first_submit_time,
	 start_time, end_time, host, log_path, retry_times, max_retry_times, retry_interval_seconds, flag, priority,
	 worker_group, task_group_id, task_group_priority, delay_minutes, timeout_seconds, timeout_strategy, task_params, var_pool)
	VALUES (:name, :task_code, :task_definition_version, :task_type, :workflow_instance_id, :status, :submit_time, :first_submit_time,
	 :start_time, :end_time, :host, :log_path, :retry_times, :max_retry_times, :retry_interval_seconds, :flag, :priority,
	 :worker_group, :task_group_id, :task_group_priority, :delay_minutes, :timeout_seconds, :timeout_strategy, :task_params, :var_pool)`

// CreateTaskInstance 创建任务实例并回填ID
func (s *Store) CreateTaskInstance(ctx context.Context, inst *task.TaskInstance) error {
	id, err := s.insertReturningID(ctx, s.db, insertTaskInstanceSQL, taskInstanceToDAO(inst))
	if err != nil {
		return fmt.Errorf("创建任务实例失败: %w", err)
	}
	inst.ID = id
	return nil
}

// UpdateTaskInstance 更新任务实例
func (s *Store) UpdateTaskInstance(ctx context.Context, inst *task.TaskInstance) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE task_instance SET
		status = :status, submit_time = :submit_time, start_time = :start_time, end_time = :end_time,
		host = :host, log_path = :log_path, retry_times = :retry_times, flag = :flag,
		var_pool = :var_pool, task_params = :task_params
		WHERE id = :id`, taskInstanceToDAO(inst))
	if err != nil {
		return fmt.Errorf("更新任务实例失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetTaskInstance 按ID查询任务实例
func (s *Store) GetTaskInstance(ctx context.Context, id int64) (*task.TaskInstance, error) {
	var d dao.TaskInstanceDAO
	err := s.db.GetContext(ctx, &d, s.db.Rebind("SELECT * FROM task_instance WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务实例失败: %w", err)
	}
	return taskInstanceFromDAO(&d), nil
}

// ListByWorkflowInstance 查询工作流实例下的全部任务尝试
func (s *Store) ListByWorkflowInstance(ctx context.Context, workflowInstanceID int64) ([]*task.TaskInstance, error) {
	return s.listTaskInstances(ctx, "SELECT * FROM task_instance WHERE workflow_instance_id = ? ORDER BY id", workflowInstanceID)
}

// ListValidByWorkflowInstance 查询工作流实例下当前有效的任务尝试
func (s *Store) ListValidByWorkflowInstance(ctx context.Context, workflowInstanceID int64) ([]*task.TaskInstance, error) {
	return s.listTaskInstances(ctx, "SELECT * FROM task_instance WHERE workflow_instance_id = ? AND flag = ? ORDER BY id",
		workflowInstanceID, int(task.FlagYes))
}

func (s *Store) listTaskInstances(ctx context.Context, query string, args ...interface{}) ([]*task.TaskInstance, error) {
	var daos []dao.TaskInstanceDAO
	if err := s.db.SelectContext(ctx, &daos, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询任务实例列表失败: %w", err)
	}
	out := make([]*task.TaskInstance, 0, len(daos))
	for i := range daos {
		out = append(out, taskInstanceFromDAO(&daos[i]))
	}
	return out, nil
}

// CreateTaskGroup 创建任务组
func (s *Store) CreateTaskGroup(ctx context.Context, group *task.TaskGroup) error {
	group.UpdateTime = time.Now()
	d := &dao.TaskGroupDAO{Name: group.Name, GroupSize: group.GroupSize, UseSize: group.UseSize, UpdateTime: group.UpdateTime}
	id, err := s.insertReturningID(ctx, s.db, `INSERT INTO task_group (name, group_size, use_size, update_time)
		VALUES (:name, :group_size, :use_size, :update_time)`, d)
	if err != nil {
		return fmt.Errorf("创建任务组失败: %w", err)
	}
	group.ID = id
	return nil
}

// GetTaskGroup 查询任务组
func (s *Store) GetTaskGroup(ctx context.Context, id int64) (*task.TaskGroup, error) {
	var d dao.TaskGroupDAO
	err := s.db.GetContext(ctx, &d, s.db.Rebind("SELECT * FROM task_group WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务组失败: %w", err)
	}
	return &task.TaskGroup{ID: d.ID, Name: d.Name, GroupSize: d.GroupSize, UseSize: d.UseSize, UpdateTime: d.UpdateTime}, nil
}

// TryIncreaseUseSize 条件更新占用槽位，返回是否占用成功
func (s *Store) TryIncreaseUseSize(ctx context.Context, groupID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE task_group SET use_size = use_size + 1, update_time = ? WHERE id = ? AND use_size < group_size"),
		time.Now(), groupID)
	if err != nil {
		return false, fmt.Errorf("占用任务组槽位失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DecreaseUseSize 释放任务组槽位
func (s *Store) DecreaseUseSize(ctx context.Context, groupID int64) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE task_group SET use_size = use_size - 1, update_time = ? WHERE id = ? AND use_size > 0"),
		time.Now(), groupID)
	if err != nil {
		return fmt.Errorf("释放任务组槽位失败: %w", err)
	}
	return nil
}

// InsertTaskGroupQueue 写入排队记录并回填ID
func (s *Store) InsertTaskGroupQueue(ctx context.Context, q *task.TaskGroupQueue) error {
	now := time.Now()
	if q.CreateTime.IsZero() {
		q.CreateTime = now
	}
	q.UpdateTime = now
	d := &dao.TaskGroupQueueDAO{
		TaskInstanceID:     q.TaskInstanceID,
		TaskGroupID:        q.TaskGroupID,
		WorkflowInstanceID: q.WorkflowInstanceID,
		Priority:           q.Priority,
		Status:             string(q.Status),
		CreateTime:         q.CreateTime,
		UpdateTime:         q.UpdateTime,
	}
	id, err := s.insertReturningID(ctx, s.db, `INSERT INTO task_group_queue
		(task_instance_id, task_group_id, workflow_instance_id, priority, status, create_time, update_time)
		VALUES (:task_instance_id, :task_group_id, :workflow_instance_id, :priority, :status, :create_time, :update_time)`, d)
	if err != nil {
		return fmt.Errorf("写入任务组排队记录失败: %w", err)
	}
	q.ID = id
	return nil
}

// UpdateTaskGroupQueueStatus 更新排队状态
func (s *Store) UpdateTaskGroupQueueStatus(ctx context.Context, id int64, status task.TaskGroupQueueStatus) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE task_group_queue SET status = ?, update_time = ? WHERE id = ?"), string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("更新任务组排队状态失败: %w", err)
	}
	return nil
}

// GetTaskGroupQueueByTaskInstance 查询任务实例最近的排队记录
func (s *Store) GetTaskGroupQueueByTaskInstance(ctx context.Context, taskInstanceID int64) (*task.TaskGroupQueue, error) {
	var d dao.TaskGroupQueueDAO
	err := s.db.GetContext(ctx, &d,
		s.db.Rebind("SELECT * FROM task_group_queue WHERE task_instance_id = ? ORDER BY id DESC LIMIT 1"), taskInstanceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询任务组排队记录失败: %w", err)
	}
	return taskGroupQueueFromDAO(&d), nil
}

// ListWaitingTaskGroupQueues 按 priority DESC, id ASC 返回等待中的记录
func (s *Store) ListWaitingTaskGroupQueues(ctx context.Context, groupID int64, limit int) ([]*task.TaskGroupQueue, error) {
	if limit <= 0 {
		limit = 100
	}
	var daos []dao.TaskGroupQueueDAO
	err := s.db.SelectContext(ctx, &daos, s.db.Rebind(
		"SELECT * FROM task_group_queue WHERE task_group_id = ? AND status = ? ORDER BY priority DESC, id ASC LIMIT ?"),
		groupID, string(task.TaskGroupQueueWait), limit)
	if err != nil {
		return nil, fmt.Errorf("查询任务组等待队列失败: %w", err)
	}
	out := make([]*task.TaskGroupQueue, 0, len(daos))
	for i := range daos {
		out = append(out, taskGroupQueueFromDAO(&daos[i]))
	}
	return out, nil
}

// DeleteTaskGroupQueue 删除排队记录
func (s *Store) DeleteTaskGroupQueue(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM task_group_queue WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("删除任务组排队记录失败: %w", err)
	}
	return nil
}

var (
	_ storage.WorkflowDefinitionRepository = (*Store)(nil)
	_ storage.WorkflowInstanceRepository   = (*Store)(nil)
	_ storage.TaskInstanceRepository       = (*Store)(nil)
	_ storage.CommandRepository            = (*Store)(nil)
	_ storage.TaskGroupRepository          = (*Store)(nil)
)
