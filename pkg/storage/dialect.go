package storage

// Dialect 数据库方言接口（对外导出）
// 屏蔽sqlite/mysql/postgres在DDL和主键生成上的差异
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回database/sql驱动名
	DriverName() string

	// Placeholder 返回指定位置的占位符
	// SQLite/MySQL: ? (忽略index)
	// PostgreSQL: $1, $2, ...
	Placeholder(index int) string

	// CreateTableSQL 把通用DDL转换为本方言的DDL
	// 通用DDL中 {{AUTO_ID}} 表示自增主键
	CreateTableSQL(schema string) string

	// CreateIndexSQL 返回建索引语句
	CreateIndexSQL(index, table, columns string) string

	// ConfigureDB 返回连接建立后需要执行的配置SQL（如SQLite的PRAGMA）
	ConfigureDB() []string

	// AutoIncrementKeyword 返回自增主键关键字
	// SQLite: INTEGER PRIMARY KEY AUTOINCREMENT
	// MySQL: BIGINT PRIMARY KEY AUTO_INCREMENT
	// PostgreSQL: BIGSERIAL PRIMARY KEY
	AutoIncrementKeyword() string

	// SupportsReturning INSERT是否支持RETURNING获取主键
	SupportsReturning() bool
}
