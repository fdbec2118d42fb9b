package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/LENAX/dag-master/pkg/cluster/registry"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"go.uber.org/zap"
)

// Locker 分布式锁，registry.Registry实现
type Locker interface {
	Lock(ctx context.Context, path string) (func() error, error)
}

// TaskFailover 执行器下线时由引擎处理本地任务
type TaskFailover interface {
	FailoverTasksOnHost(host string) int
}

// FailoverCoordinator 处理集群成员下线
// 执行器下线：本master上派发到该执行器的任务进入容错
// master下线：抢到锁的master为其未结束的工作流写入FAILOVER命令
type FailoverCoordinator struct {
	self      string
	locker    Locker
	instances storage.WorkflowInstanceRepository
	commands  storage.CommandRepository
	tasks     TaskFailover
	events    chan cluster.MembershipEvent
	log       *zap.Logger
}

// NewFailoverCoordinator 创建容错协调器
func NewFailoverCoordinator(self string, locker Locker, instances storage.WorkflowInstanceRepository, commands storage.CommandRepository, tasks TaskFailover) *FailoverCoordinator {
	return &FailoverCoordinator{
		self:      self,
		locker:    locker,
		instances: instances,
		commands:  commands,
		tasks:     tasks,
		events:    make(chan cluster.MembershipEvent, 256),
		log:       logger.Named("failover"),
	}
}

// OnMembership 注册为ClusterManager的监听器
func (f *FailoverCoordinator) OnMembership(ev cluster.MembershipEvent) {
	if ev.Type != registry.EventRemove || ev.Address == "" || ev.Address == f.self {
		return
	}
	select {
	case f.events <- ev:
	default:
		f.log.Error("容错事件队列已满，丢弃", zap.String("address", ev.Address), zap.String("role", string(ev.Role)))
	}
}

// Run 顺序处理下线事件，阻塞到ctx取消
func (f *FailoverCoordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-f.events:
			switch ev.Role {
			case cluster.RoleExecutor:
				f.tasks.FailoverTasksOnHost(ev.Address)
			case cluster.RoleMaster:
				n, err := f.FailoverMaster(ctx, ev.Address)
				if err != nil {
					f.log.Error("master容错失败", zap.String("master", ev.Address), zap.Error(err))
					continue
				}
				f.log.Info("master容错完成", zap.String("master", ev.Address), zap.Int("workflows", n))
			}
		}
	}
}

// FailoverMaster 为失联master上未结束的工作流写入FAILOVER命令，返回命令数
// 写命令前清空实例的host，后拿到锁的master不会重复接管
func (f *FailoverCoordinator) FailoverMaster(ctx context.Context, host string) (int, error) {
	unlock, err := f.locker.Lock(ctx, registry.JoinPath(registry.PathFailoverLock, "master", host))
	if err != nil {
		return 0, fmt.Errorf("获取容错锁失败: %w", err)
	}
	defer func() {
		if err := unlock(); err != nil {
			f.log.Warn("释放容错锁失败", zap.Error(err))
		}
	}()

	insts, err := f.instances.ListUnfinishedByHost(ctx, host)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, inst := range insts {
		inst.Host = ""
		if err := f.instances.UpdateWorkflowInstance(ctx, inst); err != nil {
			f.log.Error("清理实例host失败", zap.Int64("workflowInstanceId", inst.ID), zap.Error(err))
			continue
		}
		cmd := &workflow.Command{
			Type:               workflow.CommandFailover,
			DefinitionCode:     inst.DefinitionCode,
			DefinitionVersion:  inst.DefinitionVersion,
			WorkflowInstanceID: inst.ID,
			Priority:           inst.Priority,
			CreateTime:         time.Now(),
		}
		if err := f.commands.CreateCommand(ctx, cmd); err != nil {
			f.log.Error("写入FAILOVER命令失败", zap.Int64("workflowInstanceId", inst.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
