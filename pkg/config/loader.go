package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Loader 从文件、环境变量加载配置
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: "DAGMASTER",
	}
}

// NewLoaderWithViper 使用已有viper实例，便于绑定命令行参数
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: "DAGMASTER",
	}
}

// WithConfigFile 指定配置文件路径
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithEnvPrefix 指定环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper 返回底层viper实例
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load 加载配置
// 优先级（从高到低）：命令行参数、环境变量（DAGMASTER_*）、配置文件、默认值
func (l *Loader) Load() (*EngineConfig, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("dag-master")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg EngineConfig
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults 设置默认值，同时让AutomaticEnv能识别这些key
func (l *Loader) setDefaults() {
	l.v.SetDefault("general.instance_name", "dag-master")
	l.v.SetDefault("general.env", "dev")
	l.v.SetDefault("general.log.level", "info")
	l.v.SetDefault("general.log.format", "console")
	l.v.SetDefault("general.log.output", "stdout")

	l.v.SetDefault("storage.database.type", "sqlite")
	l.v.SetDefault("storage.database.dsn", "./data/dag-master.db")

	l.v.SetDefault("registry.type", "memory")
	l.v.SetDefault("registry.namespace", "dag-master")
	l.v.SetDefault("registry.session_timeout", "30s")
	l.v.SetDefault("registry.redis.addr", "127.0.0.1:6379")
	l.v.SetDefault("registry.redis.password", "")
	l.v.SetDefault("registry.redis.db", 0)

	l.v.SetDefault("master.host", "")
	l.v.SetDefault("master.listen_host", "0.0.0.0")
	l.v.SetDefault("master.listen_port", 5678)
	l.v.SetDefault("master.event_fire_workers", 1)
	l.v.SetDefault("master.failover_enabled", true)
	l.v.SetDefault("master.cron_enabled", true)
	l.v.SetDefault("master.resource_guard.enabled", false)

	l.v.SetDefault("executor.host", "127.0.0.1:1234")
	l.v.SetDefault("executor.worker_group", "default")
	l.v.SetDefault("executor.exec_threads", 16)
	l.v.SetDefault("executor.embedded", true)

	l.v.SetDefault("api.enabled", true)
	l.v.SetDefault("api.listen_host", "0.0.0.0")
	l.v.SetDefault("api.listen_port", 12345)
}

// Dump 以YAML格式输出生效的配置
func Dump(cfg *EngineConfig) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	return out, nil
}
