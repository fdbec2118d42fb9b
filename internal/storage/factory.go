package storage

import (
	"fmt"
	"strings"

	"github.com/LENAX/dag-master/pkg/config"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/LENAX/dag-master/pkg/storage/mysql"
	"github.com/LENAX/dag-master/pkg/storage/postgres"
	pkgsqlite "github.com/LENAX/dag-master/pkg/storage/sqlite"
	"github.com/LENAX/dag-master/pkg/storage/sqlstore"
)

// DatabaseFactory 数据库工厂接口（内部使用）
type DatabaseFactory interface {
	// Repositories 返回全部Repository
	Repositories() *storage.Repositories
	// Store 底层存储
	Store() *sqlstore.Store
	// Close 关闭数据库连接
	Close() error
}

// NewDatabaseFactory 创建数据库工厂（内部方法）
// dbType: 数据库类型（sqlite/mysql/postgres）
func NewDatabaseFactory(cfg config.DatabaseConfig) (DatabaseFactory, error) {
	dialect, dsn, err := resolveDialect(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store, err := sqlstore.Open(dialect, dsn, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s repository failed: %w", dialect.Name(), err)
	}
	return &sqlFactory{store: store}, nil
}

func resolveDialect(dbType, dsn string) (storage.Dialect, string, error) {
	switch dbType {
	case "sqlite", "":
		// 每个连接都需要busy_timeout，放在DSN里
		if !strings.Contains(dsn, "_busy_timeout") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_busy_timeout=30000"
		}
		return pkgsqlite.NewSQLiteDialect(), dsn, nil
	case "mysql":
		if !strings.Contains(dsn, "parseTime") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "parseTime=true"
		}
		return mysql.NewMySQLDialect(), dsn, nil
	case "postgres", "postgresql":
		return postgres.NewPostgresDialect(), dsn, nil
	default:
		return nil, "", fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// sqlFactory 基于sqlstore的工厂实现（内部实现）
type sqlFactory struct {
	store *sqlstore.Store
}

func (f *sqlFactory) Repositories() *storage.Repositories {
	return f.store.Repositories()
}

func (f *sqlFactory) Store() *sqlstore.Store {
	return f.store
}

func (f *sqlFactory) Close() error {
	return f.store.Close()
}
