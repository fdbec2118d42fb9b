package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/LENAX/dag-master/pkg/storage/dao"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// SaveWorkflowSpec 保存工作流定义聚合（事务内整体替换任务定义和依赖关系）
func (s *Store) SaveWorkflowSpec(ctx context.Context, spec *workflow.WorkflowSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	now := time.Now()
	code := spec.Definition.Code
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM workflow_definition WHERE code = ?"), code); err != nil {
			return fmt.Errorf("删除旧工作流定义失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM task_definition WHERE workflow_code = ?"), code); err != nil {
			return fmt.Errorf("删除旧任务定义失败: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM task_relation WHERE workflow_code = ?"), code); err != nil {
			return fmt.Errorf("删除旧依赖关系失败: %w", err)
		}

		_, err := tx.NamedExecContext(ctx, `INSERT INTO workflow_definition
			(code, version, name, description, priority, failure_strategy, global_params, timeout_seconds, crontab, online, update_time)
			VALUES (:code, :version, :name, :description, :priority, :failure_strategy, :global_params, :timeout_seconds, :crontab, :online, :update_time)`,
			workflowDefinitionToDAO(&spec.Definition, now))
		if err != nil {
			return fmt.Errorf("保存工作流定义失败: %w", err)
		}

		for i := range spec.Tasks {
			_, err := tx.NamedExecContext(ctx, `INSERT INTO task_definition
				(code, workflow_code, version, name, task_type, task_params, priority, worker_group, fail_retry_times,
				 fail_retry_interval_seconds, delay_minutes, timeout_seconds, timeout_strategy, task_group_id, task_group_priority)
				VALUES (:code, :workflow_code, :version, :name, :task_type, :task_params, :priority, :worker_group, :fail_retry_times,
				 :fail_retry_interval_seconds, :delay_minutes, :timeout_seconds, :timeout_strategy, :task_group_id, :task_group_priority)`,
				taskDefinitionToDAO(code, &spec.Tasks[i]))
			if err != nil {
				return fmt.Errorf("保存任务定义 %d 失败: %w", spec.Tasks[i].Code, err)
			}
		}

		for _, rel := range spec.Relations {
			relDAO := &dao.TaskRelationDAO{WorkflowCode: code, PreTaskCode: rel.PreTaskCode, PostTaskCode: rel.PostTaskCode}
			_, err := tx.NamedExecContext(ctx, `INSERT INTO task_relation (workflow_code, pre_task_code, post_task_code)
				VALUES (:workflow_code, :pre_task_code, :post_task_code)`, relDAO)
			if err != nil {
				return fmt.Errorf("保存依赖关系失败: %w", err)
			}
		}
		return nil
	})
}

// GetWorkflowSpec 读取工作流定义聚合
func (s *Store) GetWorkflowSpec(ctx context.Context, code int64) (*workflow.WorkflowSpec, error) {
	var defDAO dao.WorkflowDefinitionDAO
	err := s.db.GetContext(ctx, &defDAO, s.db.Rebind("SELECT * FROM workflow_definition WHERE code = ?"), code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询工作流定义失败: %w", err)
	}

	var taskDAOs []dao.TaskDefinitionDAO
	if err := s.db.SelectContext(ctx, &taskDAOs,
		s.db.Rebind("SELECT * FROM task_definition WHERE workflow_code = ? ORDER BY code"), code); err != nil {
		return nil, fmt.Errorf("查询任务定义失败: %w", err)
	}
	var relDAOs []dao.TaskRelationDAO
	if err := s.db.SelectContext(ctx, &relDAOs,
		s.db.Rebind("SELECT * FROM task_relation WHERE workflow_code = ? ORDER BY id"), code); err != nil {
		return nil, fmt.Errorf("查询依赖关系失败: %w", err)
	}

	spec := &workflow.WorkflowSpec{Definition: *workflowDefinitionFromDAO(&defDAO)}
	for i := range taskDAOs {
		spec.Tasks = append(spec.Tasks, taskDefinitionFromDAO(&taskDAOs[i]))
	}
	for _, r := range relDAOs {
		spec.Relations = append(spec.Relations, workflow.TaskRelation{PreTaskCode: r.PreTaskCode, PostTaskCode: r.PostTaskCode})
	}
	return spec, nil
}

// ListWorkflowDefinitions 列出全部工作流定义
func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]*workflow.WorkflowDefinition, error) {
	var daos []dao.WorkflowDefinitionDAO
	if err := s.db.SelectContext(ctx, &daos, "SELECT * FROM workflow_definition ORDER BY code"); err != nil {
		return nil, fmt.Errorf("查询工作流定义列表失败: %w", err)
	}
	out := make([]*workflow.WorkflowDefinition, 0, len(daos))
	for i := range daos {
		out = append(out, workflowDefinitionFromDAO(&daos[i]))
	}
	return out, nil
}

const insertWorkflowInstanceSQL = `INSERT INTO workflow_instance
	(name, definition_code, definition_version, status, priority, run_times, host, command_type, start_time,
	 end_time, restart_time, global_params, var_pool, failure_strategy, start_nodes, update_time)
	VALUES (:name, :definition_code, :definition_version, :status, :priority, :run_times, :host, :command_type, :start_time,
	 :end_time, :restart_time, :global_params, :var_pool, :failure_strategy, :start_nodes, :update_time)`

// CreateWorkflowInstance 创建工作流实例并回填ID
func (s *Store) CreateWorkflowInstance(ctx context.Context, inst *workflow.WorkflowInstance) error {
	id, err := s.insertReturningID(ctx, s.db, insertWorkflowInstanceSQL, workflowInstanceToDAO(inst, time.Now()))
	if err != nil {
		return fmt.Errorf("创建工作流实例失败: %w", err)
	}
	inst.ID = id
	return nil
}

// UpdateWorkflowInstance 更新工作流实例
func (s *Store) UpdateWorkflowInstance(ctx context.Context, inst *workflow.WorkflowInstance) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE workflow_instance SET
		name = :name, status = :status, priority = :priority, run_times = :run_times, host = :host,
		command_type = :command_type, start_time = :start_time, end_time = :end_time, restart_time = :restart_time,
		global_params = :global_params, var_pool = :var_pool, failure_strategy = :failure_strategy,
		start_nodes = :start_nodes, update_time = :update_time
		WHERE id = :id`, workflowInstanceToDAO(inst, time.Now()))
	if err != nil {
		return fmt.Errorf("更新工作流实例失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetWorkflowInstance 按ID查询工作流实例
func (s *Store) GetWorkflowInstance(ctx context.Context, id int64) (*workflow.WorkflowInstance, error) {
	var d dao.WorkflowInstanceDAO
	err := s.db.GetContext(ctx, &d, s.db.Rebind("SELECT * FROM workflow_instance WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询工作流实例失败: %w", err)
	}
	return workflowInstanceFromDAO(&d), nil
}

// ListUnfinishedByHost 查询某个master上尚未结束的实例
func (s *Store) ListUnfinishedByHost(ctx context.Context, host string) ([]*workflow.WorkflowInstance, error) {
	query, args, err := sqlx.In("SELECT * FROM workflow_instance WHERE host = ? AND status NOT IN (?) ORDER BY id",
		host, finishedWorkflowStatuses())
	if err != nil {
		return nil, err
	}
	var daos []dao.WorkflowInstanceDAO
	if err := s.db.SelectContext(ctx, &daos, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("查询未结束工作流实例失败: %w", err)
	}
	return workflowInstancesFromDAOs(daos), nil
}

// ListWorkflowInstances 按ID倒序列出最近的实例
func (s *Store) ListWorkflowInstances(ctx context.Context, limit int) ([]*workflow.WorkflowInstance, error) {
	if limit <= 0 {
		limit = 100
	}
	var daos []dao.WorkflowInstanceDAO
	if err := s.db.SelectContext(ctx, &daos,
		s.db.Rebind("SELECT * FROM workflow_instance ORDER BY id DESC LIMIT ?"), limit); err != nil {
		return nil, fmt.Errorf("查询工作流实例列表失败: %w", err)
	}
	return workflowInstancesFromDAOs(daos), nil
}

func workflowInstancesFromDAOs(daos []dao.WorkflowInstanceDAO) []*workflow.WorkflowInstance {
	out := make([]*workflow.WorkflowInstance, 0, len(daos))
	for i := range daos {
		out = append(out, workflowInstanceFromDAO(&daos[i]))
	}
	return out
}

func finishedWorkflowStatuses() []string {
	return []string{
		string(workflow.StatusSuccess),
		string(workflow.StatusFailure),
		string(workflow.StatusStop),
		string(workflow.StatusPause),
	}
}

const insertCommandSQL = `INSERT INTO command
	(command_type, definition_code, definition_version, workflow_instance_id, start_nodes, params, priority, create_time)
	VALUES (:command_type, :definition_code, :definition_version, :workflow_instance_id, :start_nodes, :params, :priority, :create_time)`

// CreateCommand 写入命令并回填ID
func (s *Store) CreateCommand(ctx context.Context, cmd *workflow.Command) error {
	if cmd.CreateTime.IsZero() {
		cmd.CreateTime = time.Now()
	}
	id, err := s.insertReturningID(ctx, s.db, insertCommandSQL, commandToDAO(cmd))
	if err != nil {
		return fmt.Errorf("创建命令失败: %w", err)
	}
	cmd.ID = id
	return nil
}

// FetchCommandsBySlot 领取 id % total == slot 的命令，按优先级和ID排序
func (s *Store) FetchCommandsBySlot(ctx context.Context, slot, total, limit int) ([]*workflow.Command, error) {
	if total <= 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	var daos []dao.CommandDAO
	err := s.db.SelectContext(ctx, &daos,
		s.db.Rebind("SELECT * FROM command WHERE id % ? = ? ORDER BY priority, id LIMIT ?"), total, slot, limit)
	if err != nil {
		return nil, fmt.Errorf("领取命令失败: %w", err)
	}
	out := make([]*workflow.Command, 0, len(daos))
	for i := range daos {
		cmd, err := commandFromDAO(&daos[i])
		if err != nil {
			// 无法解析的命令删除，否则每轮都会被重新领取
			log := logger.Named("sqlstore")
			log.Error("丢弃格式错误的命令", zap.Int64("commandId", daos[i].ID), zap.Error(err))
			if err := s.DeleteCommand(ctx, daos[i].ID); err != nil {
				log.Error("删除命令失败", zap.Int64("commandId", daos[i].ID), zap.Error(err))
			}
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// DeleteCommand 删除已处理的命令
func (s *Store) DeleteCommand(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM command WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("删除命令失败: %w", err)
	}
	return nil
}
