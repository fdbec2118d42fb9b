package cluster

import (
	"context"
	"sort"
	"sync"

	"github.com/LENAX/dag-master/pkg/cluster/registry"
	"github.com/LENAX/dag-master/pkg/logger"
	"go.uber.org/zap"
)

// MembershipEvent 成员变更事件
type MembershipEvent struct {
	Type      registry.EventType
	Role      Role
	Address   string
	HeartBeat *HeartBeat // REMOVE时为最后一次已知心跳，可能为nil
	// StatusChanged UPDATE时状态是否在NORMAL/BUSY之间切换
	StatusChanged bool
}

// MembershipListener 成员变更回调
type MembershipListener func(MembershipEvent)

// ClusterManager 维护master和executor的在线列表
type ClusterManager struct {
	reg registry.Registry
	log *zap.Logger

	mu        sync.RWMutex
	masters   map[string]*HeartBeat
	workers   map[string]*HeartBeat
	listeners []MembershipListener
	unsubs    []func()
}

// NewClusterManager 创建集群成员管理器
func NewClusterManager(reg registry.Registry) *ClusterManager {
	return &ClusterManager{
		reg:     reg,
		log:     logger.Named("cluster"),
		masters: make(map[string]*HeartBeat),
		workers: make(map[string]*HeartBeat),
	}
}

// AddListener 注册成员变更回调，需在Start之前调用
func (c *ClusterManager) AddListener(l MembershipListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Start 加载当前成员并订阅后续变更
func (c *ClusterManager) Start(ctx context.Context) error {
	for _, role := range []Role{RoleMaster, RoleExecutor} {
		prefix := rolePrefix(role)
		r := role
		unsub, err := c.reg.Subscribe(prefix, func(ev registry.Event) { c.onEvent(r, ev) })
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()

		children, err := c.reg.Children(ctx, prefix)
		if err != nil {
			return err
		}
		for addr, raw := range children {
			hb, err := ParseHeartBeat(raw)
			if err != nil {
				c.log.Warn("忽略无法解析的节点", zap.String("address", addr), zap.Error(err))
				continue
			}
			c.upsert(role, addr, hb)
		}
	}
	c.notify(MembershipEvent{Type: registry.EventAdd, Role: RoleMaster})
	return nil
}

// Stop 取消订阅
func (c *ClusterManager) Stop() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

func rolePrefix(role Role) string {
	if role == RoleMaster {
		return registry.PathMasters
	}
	return registry.PathWorkers
}

// upsert 写入心跳，返回此前的记录
func (c *ClusterManager) upsert(role Role, addr string, hb *HeartBeat) *HeartBeat {
	c.mu.Lock()
	defer c.mu.Unlock()
	members := c.workers
	if role == RoleMaster {
		members = c.masters
	}
	prev := members[addr]
	members[addr] = hb
	return prev
}

func (c *ClusterManager) onEvent(role Role, ev registry.Event) {
	addr, ok := registry.ChildName(rolePrefix(role), ev.Path)
	if !ok {
		return
	}
	out := MembershipEvent{Type: ev.Type, Role: role, Address: addr}
	switch ev.Type {
	case registry.EventAdd, registry.EventUpdate:
		hb, err := ParseHeartBeat(ev.Value)
		if err != nil {
			c.log.Warn("忽略无法解析的心跳", zap.String("address", addr), zap.Error(err))
			return
		}
		prev := c.upsert(role, addr, hb)
		out.HeartBeat = hb
		out.StatusChanged = prev != nil && prev.Status != hb.Status
	case registry.EventRemove:
		c.mu.Lock()
		if role == RoleMaster {
			out.HeartBeat = c.masters[addr]
			delete(c.masters, addr)
		} else {
			out.HeartBeat = c.workers[addr]
			delete(c.workers, addr)
		}
		c.mu.Unlock()
	}
	if ev.Type != registry.EventUpdate {
		c.log.Info("集群成员变更", zap.String("type", string(ev.Type)),
			zap.String("role", string(role)), zap.String("address", addr))
	} else if out.StatusChanged {
		c.log.Info("集群成员状态变更", zap.String("role", string(role)),
			zap.String("address", addr), zap.String("status", string(out.HeartBeat.Status)))
	}
	c.notify(out)
}

func (c *ClusterManager) notify(ev MembershipEvent) {
	c.mu.RLock()
	listeners := append([]MembershipListener(nil), c.listeners...)
	c.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// Masters 按 (StartupTime, Host) 排序的在线master
func (c *ClusterManager) Masters() []*HeartBeat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedHeartBeats(c.masters)
}

// Workers 在线executor
func (c *ClusterManager) Workers() []*HeartBeat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedHeartBeats(c.workers)
}

// WorkersInGroup 指定分组中可接收任务的executor地址
func (c *ClusterManager) WorkersInGroup(group string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, hb := range sortedHeartBeats(c.workers) {
		if hb.Status == StatusBusy {
			continue
		}
		if group == "" || hb.WorkerGroup == group || (group == "default" && hb.WorkerGroup == "") {
			out = append(out, hb.Host)
		}
	}
	return out
}

// IsWorkerAlive executor是否在线
func (c *ClusterManager) IsWorkerAlive(addr string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.workers[addr]
	return ok
}

func sortedHeartBeats(m map[string]*HeartBeat) []*HeartBeat {
	out := make([]*HeartBeat, 0, len(m))
	for addr, hb := range m {
		c := *hb
		if c.Host == "" {
			c.Host = addr
		}
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartupTime != out[j].StartupTime {
			return out[i].StartupTime < out[j].StartupTime
		}
		return out[i].Host < out[j].Host
	})
	return out
}
