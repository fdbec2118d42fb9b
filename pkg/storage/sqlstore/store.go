// Package sqlstore 基于sqlx实现全部Repository，方言决定DDL差异
package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store 数据库存储（对外导出）
type Store struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// Open 打开数据库并初始化表结构
func Open(dialect storage.Dialect, dsn string, pool PoolConfig) (*Store, error) {
	db, err := sqlx.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	for _, stmt := range dialect.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("配置数据库失败: %w", err)
		}
	}
	return New(db, dialect)
}

// New 基于已有连接创建Store
func New(db *sqlx.DB, dialect storage.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return s, nil
}

// DB 获取底层数据库连接（对外导出）
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect 当前方言
func (s *Store) Dialect() storage.Dialect {
	return s.dialect
}

// Close 关闭数据库连接（对外导出）
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Repositories 以Repository集合形式暴露
func (s *Store) Repositories() *storage.Repositories {
	return &storage.Repositories{
		WorkflowDefinition: s,
		WorkflowInstance:   s,
		TaskInstance:       s,
		Command:            s,
		TaskGroup:          s,
	}
}

var tableSchemas = []string{
	`CREATE TABLE IF NOT EXISTS workflow_definition (
		code BIGINT PRIMARY KEY,
		version INTEGER NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT,
		priority INTEGER NOT NULL,
		failure_strategy VARCHAR(32) NOT NULL,
		global_params TEXT,
		timeout_seconds INTEGER NOT NULL,
		crontab VARCHAR(255) NOT NULL,
		online INTEGER NOT NULL,
		update_time DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_definition (
		code BIGINT PRIMARY KEY,
		workflow_code BIGINT NOT NULL,
		version INTEGER NOT NULL,
		name VARCHAR(255) NOT NULL,
		task_type VARCHAR(64) NOT NULL,
		task_params TEXT,
		priority INTEGER NOT NULL,
		worker_group VARCHAR(255) NOT NULL,
		fail_retry_times INTEGER NOT NULL,
		fail_retry_interval_seconds INTEGER NOT NULL,
		delay_minutes INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		timeout_strategy VARCHAR(32) NOT NULL,
		task_group_id BIGINT NOT NULL,
		task_group_priority INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_relation (
		id {{AUTO_ID}},
		workflow_code BIGINT NOT NULL,
		pre_task_code BIGINT NOT NULL,
		post_task_code BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_instance (
		id {{AUTO_ID}},
		name VARCHAR(255) NOT NULL,
		definition_code BIGINT NOT NULL,
		definition_version INTEGER NOT NULL,
		status VARCHAR(32) NOT NULL,
		priority INTEGER NOT NULL,
		run_times INTEGER NOT NULL,
		host VARCHAR(255) NOT NULL,
		command_type VARCHAR(32) NOT NULL,
		start_time DATETIME NOT NULL,
		end_time DATETIME NULL,
		restart_time DATETIME NULL,
		global_params TEXT,
		var_pool TEXT,
		failure_strategy VARCHAR(32) NOT NULL,
		start_nodes TEXT,
		update_time DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_instance (
		id {{AUTO_ID}},
		name VARCHAR(255) NOT NULL,
		task_code BIGINT NOT NULL,
		task_definition_version INTEGER NOT NULL,
		task_type VARCHAR(64) NOT NULL,
		workflow_instance_id BIGINT NOT NULL,
		status VARCHAR(32) NOT NULL,
		submit_time DATETIME NOT NULL,
		first_submit_time DATETIME NOT NULL,
		start_time DATETIME NULL,
		end_time DATETIME NULL,
		host VARCHAR(255) NOT NULL,
		log_path VARCHAR(1024) NOT NULL,
		retry_times INTEGER NOT NULL,
		max_retry_times INTEGER NOT NULL,
		retry_interval_seconds INTEGER NOT NULL,
		flag INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		worker_group VARCHAR(255) NOT NULL,
		task_group_id BIGINT NOT NULL,
		task_group_priority INTEGER NOT NULL,
		delay_minutes INTEGER NOT NULL,
		timeout_seconds INTEGER NOT NULL,
		timeout_strategy VARCHAR(32) NOT NULL,
		task_params TEXT,
		var_pool TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS command (
		id {{AUTO_ID}},
		command_type VARCHAR(32) NOT NULL,
		definition_code BIGINT NOT NULL,
		definition_version INTEGER NOT NULL,
		workflow_instance_id BIGINT NOT NULL,
		start_nodes TEXT,
		params TEXT,
		priority INTEGER NOT NULL,
		create_time DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_group (
		id {{AUTO_ID}},
		name VARCHAR(255) NOT NULL,
		group_size INTEGER NOT NULL,
		use_size INTEGER NOT NULL,
		update_time DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_group_queue (
		id {{AUTO_ID}},
		task_instance_id BIGINT NOT NULL,
		task_group_id BIGINT NOT NULL,
		workflow_instance_id BIGINT NOT NULL,
		priority INTEGER NOT NULL,
		status VARCHAR(32) NOT NULL,
		create_time DATETIME NOT NULL,
		update_time DATETIME NOT NULL
	)`,
}

var tableIndexes = [][3]string{
	{"idx_task_definition_workflow", "task_definition", "workflow_code"},
	{"idx_task_relation_workflow", "task_relation", "workflow_code"},
	{"idx_workflow_instance_host", "workflow_instance", "host, status"},
	{"idx_task_instance_workflow", "task_instance", "workflow_instance_id"},
	{"idx_task_group_queue_group", "task_group_queue", "task_group_id, status"},
	{"idx_task_group_queue_task", "task_group_queue", "task_instance_id"},
}

// initSchema 初始化数据库表结构
func (s *Store) initSchema() error {
	for _, schema := range tableSchemas {
		if _, err := s.db.Exec(s.dialect.CreateTableSQL(schema)); err != nil {
			return err
		}
	}
	for _, idx := range tableIndexes {
		stmt := s.dialect.CreateIndexSQL(idx[0], idx[1], idx[2])
		if _, err := s.db.Exec(stmt); err != nil {
			// 索引已存在时MySQL会报错，不影响使用
			logger.Named("sqlstore").Debug("创建索引跳过", zap.String("index", idx[0]), zap.Error(err))
		}
	}
	return nil
}

// insertReturningID 执行命名参数INSERT并返回自增主键
func (s *Store) insertReturningID(ctx context.Context, ext sqlx.ExtContext, query string, arg interface{}) (int64, error) {
	if s.dialect.SupportsReturning() {
		rows, err := sqlx.NamedQueryContext(ctx, ext, strings.TrimSpace(query)+" RETURNING id", arg)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		var id int64
		if rows.Next() {
			if err := rows.Scan(&id); err != nil {
				return 0, err
			}
		}
		return id, rows.Err()
	}
	res, err := sqlx.NamedExecContext(ctx, ext, query, arg)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// withTx 在事务中执行
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
