package mysql

import (
	"fmt"
	"strings"

	"github.com/LENAX/dag-master/pkg/storage"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLDialect MySQL方言实现（对外导出）
// DSN需要带 parseTime=true 才能把DATETIME读成time.Time
type MySQLDialect struct{}

// NewMySQLDialect 创建MySQL方言实例
func NewMySQLDialect() *MySQLDialect {
	return &MySQLDialect{}
}

// Name 返回方言名称
func (d *MySQLDialect) Name() string {
	return "mysql"
}

// DriverName 返回驱动名
func (d *MySQLDialect) DriverName() string {
	return "mysql"
}

// Placeholder 返回占位符（MySQL使用?）
func (d *MySQLDialect) Placeholder(index int) string {
	return "?"
}

// CreateTableSQL 转换DDL为MySQL兼容格式
func (d *MySQLDialect) CreateTableSQL(schema string) string {
	result := strings.ReplaceAll(schema, "{{AUTO_ID}}", d.AutoIncrementKeyword())
	return result + " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
}

// CreateIndexSQL MySQL不支持 IF NOT EXISTS，重复创建的错误由调用方忽略
func (d *MySQLDialect) CreateIndexSQL(index, table, columns string) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s(%s)", index, table, columns)
}

// ConfigureDB MySQL无需额外配置
func (d *MySQLDialect) ConfigureDB() []string {
	return nil
}

// AutoIncrementKeyword 返回MySQL自增关键字
func (d *MySQLDialect) AutoIncrementKeyword() string {
	return "BIGINT PRIMARY KEY AUTO_INCREMENT"
}

// SupportsReturning MySQL通过LastInsertId获取主键
func (d *MySQLDialect) SupportsReturning() bool {
	return false
}

// 确保实现接口
var _ storage.Dialect = (*MySQLDialect)(nil)
