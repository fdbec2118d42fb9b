package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/LENAX/dag-master/pkg/logger"
)

// EngineConfig 调度主节点配置（对外导出）
type EngineConfig struct {
	General   GeneralConfig   `yaml:"general" mapstructure:"general"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Master    MasterConfig    `yaml:"master" mapstructure:"master"`
	Executor  ExecutorConfig  `yaml:"executor" mapstructure:"executor"`
	Transport TransportConfig `yaml:"transport" mapstructure:"transport"`
	API       APIConfig       `yaml:"api" mapstructure:"api"`
}

// GeneralConfig 通用配置
type GeneralConfig struct {
	InstanceName string        `yaml:"instance_name" mapstructure:"instance_name"`
	Env          string        `yaml:"env" mapstructure:"env"`
	Log          logger.Config `yaml:"log" mapstructure:"log"`
}

// StorageConfig 存储配置
type StorageConfig struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig 数据库连接配置
type DatabaseConfig struct {
	Type            string        `yaml:"type" mapstructure:"type"`
	DSN             string        `yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// RegistryConfig 注册中心配置
type RegistryConfig struct {
	Type           string        `yaml:"type" mapstructure:"type"` // memory, redis
	Namespace      string        `yaml:"namespace" mapstructure:"namespace"`
	SessionTimeout time.Duration `yaml:"session_timeout" mapstructure:"session_timeout"`
	WatchInterval  time.Duration `yaml:"watch_interval" mapstructure:"watch_interval"`
	Redis          RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// MasterConfig 主节点配置
type MasterConfig struct {
	Host                 string              `yaml:"host" mapstructure:"host"` // 注册到注册中心的地址
	ListenHost           string              `yaml:"listen_host" mapstructure:"listen_host"`
	ListenPort           int                 `yaml:"listen_port" mapstructure:"listen_port"`
	EventFireWorkers     int                 `yaml:"event_fire_workers" mapstructure:"event_fire_workers"`
	DispatchWorkers      int                 `yaml:"dispatch_workers" mapstructure:"dispatch_workers"`
	CommandFetchInterval time.Duration       `yaml:"command_fetch_interval" mapstructure:"command_fetch_interval"`
	CommandFetchSize     int                 `yaml:"command_fetch_size" mapstructure:"command_fetch_size"`
	DispatchBackoffBase  time.Duration       `yaml:"dispatch_backoff_base" mapstructure:"dispatch_backoff_base"`
	DispatchBackoffMax   time.Duration       `yaml:"dispatch_backoff_max" mapstructure:"dispatch_backoff_max"`
	HeartbeatInterval    time.Duration       `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	TaskGroupInterval    time.Duration       `yaml:"task_group_interval" mapstructure:"task_group_interval"`
	FailoverEnabled      bool                `yaml:"failover_enabled" mapstructure:"failover_enabled"`
	CronEnabled          bool                `yaml:"cron_enabled" mapstructure:"cron_enabled"`
	ResourceGuard        ResourceGuardConfig `yaml:"resource_guard" mapstructure:"resource_guard"`
}

// ResourceGuardConfig 过载保护配置（高低水位）
type ResourceGuardConfig struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	CPUHigh       float64       `yaml:"cpu_high" mapstructure:"cpu_high"`
	CPULow        float64       `yaml:"cpu_low" mapstructure:"cpu_low"`
	MemoryHigh    float64       `yaml:"memory_high" mapstructure:"memory_high"`
	MemoryLow     float64       `yaml:"memory_low" mapstructure:"memory_low"`
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
}

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	Host              string        `yaml:"host" mapstructure:"host"`
	WorkerGroup       string        `yaml:"worker_group" mapstructure:"worker_group"`
	ExecThreads       int           `yaml:"exec_threads" mapstructure:"exec_threads"`
	AsyncPollInterval time.Duration `yaml:"async_poll_interval" mapstructure:"async_poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	Embedded          bool          `yaml:"embedded" mapstructure:"embedded"` // 与master同进程启动
}

// TransportConfig master与executor之间的消息通道配置
type TransportConfig struct {
	OutputBuffer int64  `yaml:"output_buffer" mapstructure:"output_buffer"`
	CommandTopic string `yaml:"command_topic" mapstructure:"command_topic"`
	EventTopic   string `yaml:"event_topic" mapstructure:"event_topic"`
}

// APIConfig 控制面HTTP服务配置
type APIConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	ListenHost   string        `yaml:"listen_host" mapstructure:"listen_host"`
	ListenPort   int           `yaml:"listen_port" mapstructure:"listen_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

// GetAPIAddress 获取控制面监听地址
func (c *EngineConfig) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenHost, strconv.Itoa(c.API.ListenPort))
}

// GetDatabaseType 获取数据库类型
func (c *EngineConfig) GetDatabaseType() string {
	return c.Storage.Database.Type
}

// GetDatabaseDSN 获取数据库DSN
func (c *EngineConfig) GetDatabaseDSN() string {
	return c.Storage.Database.DSN
}

// GetMasterAddress 获取主节点对外地址
func (c *EngineConfig) GetMasterAddress() string {
	if c.Master.Host != "" {
		return c.Master.Host
	}
	return net.JoinHostPort(c.Master.ListenHost, strconv.Itoa(c.Master.ListenPort))
}

// GetExecThreads 获取执行线程数
func (c *EngineConfig) GetExecThreads() int {
	if c.Executor.ExecThreads <= 0 {
		return 16 // 默认值
	}
	return c.Executor.ExecThreads
}

// ApplyDefaults 应用默认值
func (c *EngineConfig) ApplyDefaults() {
	// General默认值
	if c.General.InstanceName == "" {
		c.General.InstanceName = "dag-master"
	}
	if c.General.Env == "" {
		c.General.Env = "dev"
	}
	if c.General.Log.Level == "" {
		c.General.Log.Level = "info"
	}
	if c.General.Log.Format == "" {
		c.General.Log.Format = "console"
	}
	if c.General.Log.Output == "" {
		c.General.Log.Output = "stdout"
	}
	if c.General.Log.MaxSize <= 0 {
		c.General.Log.MaxSize = 100
	}

	// Database默认值
	if c.Storage.Database.Type == "" {
		c.Storage.Database.Type = "sqlite"
	}
	if c.Storage.Database.DSN == "" && c.Storage.Database.Type == "sqlite" {
		c.Storage.Database.DSN = "./data/dag-master.db"
	}
	if c.Storage.Database.MaxOpenConns <= 0 {
		c.Storage.Database.MaxOpenConns = 10
	}
	if c.Storage.Database.MaxIdleConns <= 0 {
		c.Storage.Database.MaxIdleConns = 5
	}
	if c.Storage.Database.ConnMaxLifetime <= 0 {
		c.Storage.Database.ConnMaxLifetime = 2 * time.Hour
	}
	if c.Storage.Database.ConnMaxIdleTime <= 0 {
		c.Storage.Database.ConnMaxIdleTime = 1 * time.Hour
	}

	// Registry默认值
	if c.Registry.Type == "" {
		c.Registry.Type = "memory"
	}
	if c.Registry.Namespace == "" {
		c.Registry.Namespace = "dag-master"
	}
	if c.Registry.SessionTimeout <= 0 {
		c.Registry.SessionTimeout = 30 * time.Second
	}
	if c.Registry.WatchInterval <= 0 {
		c.Registry.WatchInterval = 1 * time.Second
	}
	if c.Registry.Redis.Addr == "" {
		c.Registry.Redis.Addr = "127.0.0.1:6379"
	}

	// Master默认值
	if c.Master.ListenHost == "" {
		c.Master.ListenHost = "0.0.0.0"
	}
	if c.Master.ListenPort <= 0 {
		c.Master.ListenPort = 5678
	}
	if c.Master.EventFireWorkers <= 0 {
		c.Master.EventFireWorkers = 1
	}
	if c.Master.DispatchWorkers <= 0 {
		c.Master.DispatchWorkers = 4
	}
	if c.Master.CommandFetchInterval <= 0 {
		c.Master.CommandFetchInterval = 1 * time.Second
	}
	if c.Master.CommandFetchSize <= 0 {
		c.Master.CommandFetchSize = 10
	}
	if c.Master.DispatchBackoffBase <= 0 {
		c.Master.DispatchBackoffBase = 1 * time.Second
	}
	if c.Master.DispatchBackoffMax <= 0 {
		c.Master.DispatchBackoffMax = 1 * time.Minute
	}
	if c.Master.HeartbeatInterval <= 0 {
		c.Master.HeartbeatInterval = 10 * time.Second
	}
	if c.Master.TaskGroupInterval <= 0 {
		c.Master.TaskGroupInterval = 5 * time.Second
	}
	if c.Master.ResourceGuard.CPUHigh <= 0 {
		c.Master.ResourceGuard.CPUHigh = 90
	}
	if c.Master.ResourceGuard.CPULow <= 0 {
		c.Master.ResourceGuard.CPULow = 70
	}
	if c.Master.ResourceGuard.MemoryHigh <= 0 {
		c.Master.ResourceGuard.MemoryHigh = 90
	}
	if c.Master.ResourceGuard.MemoryLow <= 0 {
		c.Master.ResourceGuard.MemoryLow = 70
	}
	if c.Master.ResourceGuard.CheckInterval <= 0 {
		c.Master.ResourceGuard.CheckInterval = 5 * time.Second
	}

	// Executor默认值
	if c.Executor.Host == "" {
		c.Executor.Host = "127.0.0.1:1234"
	}
	if c.Executor.WorkerGroup == "" {
		c.Executor.WorkerGroup = "default"
	}
	if c.Executor.ExecThreads <= 0 {
		c.Executor.ExecThreads = 16
	}
	if c.Executor.AsyncPollInterval <= 0 {
		c.Executor.AsyncPollInterval = 1 * time.Second
	}
	if c.Executor.HeartbeatInterval <= 0 {
		c.Executor.HeartbeatInterval = 10 * time.Second
	}

	// API默认值
	if c.API.ListenHost == "" {
		c.API.ListenHost = "0.0.0.0"
	}
	if c.API.ListenPort <= 0 {
		c.API.ListenPort = 12345
	}
	if c.API.ReadTimeout <= 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout <= 0 {
		c.API.WriteTimeout = 30 * time.Second
	}

	// Transport默认值
	if c.Transport.OutputBuffer <= 0 {
		c.Transport.OutputBuffer = 1024
	}
	if c.Transport.CommandTopic == "" {
		c.Transport.CommandTopic = "executor.commands"
	}
	if c.Transport.EventTopic == "" {
		c.Transport.EventTopic = "master.task-events"
	}
}

// Validate 校验配置，启动阶段调用
func (c *EngineConfig) Validate() error {
	switch c.Storage.Database.Type {
	case "sqlite", "mysql", "postgres", "postgresql":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Storage.Database.Type)
	}
	if c.Storage.Database.DSN == "" {
		return fmt.Errorf("数据库DSN不能为空")
	}
	switch c.Registry.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的注册中心类型: %s", c.Registry.Type)
	}
	guard := c.Master.ResourceGuard
	if guard.Enabled && (guard.CPULow >= guard.CPUHigh || guard.MemoryLow >= guard.MemoryHigh) {
		return fmt.Errorf("过载保护低水位必须小于高水位: cpu=%.1f/%.1f memory=%.1f/%.1f",
			guard.CPULow, guard.CPUHigh, guard.MemoryLow, guard.MemoryHigh)
	}
	if c.Master.EventFireWorkers <= 0 {
		return fmt.Errorf("event_fire_workers必须大于0")
	}
	return nil
}
