package registry

import (
	"fmt"

	"github.com/LENAX/dag-master/pkg/config"
	"github.com/redis/go-redis/v9"
)

// New 按配置创建注册中心客户端
func New(cfg config.RegistryConfig) (Registry, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore().Connect(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		reg, err := NewRedisRegistry(client, RedisOptions{
			Namespace:      cfg.Namespace,
			SessionTimeout: cfg.SessionTimeout,
			WatchInterval:  cfg.WatchInterval,
		})
		if err != nil {
			client.Close()
			return nil, err
		}
		reg.ownsClient = true
		return reg, nil
	default:
		return nil, fmt.Errorf("unsupported registry type: %s", cfg.Type)
	}
}
