package cluster

import (
	"sync"
	"sync/atomic"

	"github.com/LENAX/dag-master/pkg/cluster/registry"
	"github.com/LENAX/dag-master/pkg/logger"
	"go.uber.org/zap"
)

// SlotSnapshot 本master的槽位快照
type SlotSnapshot struct {
	Slot  int `json:"slot"`
	Total int `json:"total"`
}

// Active 是否持有有效槽位
func (s SlotSnapshot) Active() bool {
	return s.Total > 0
}

// Owns 按 id % total == slot 判断归属
func (s SlotSnapshot) Owns(id int64) bool {
	if s.Total <= 0 {
		return false
	}
	return int(id%int64(s.Total)) == s.Slot
}

// SlotListener 槽位变化回调
type SlotListener func(SlotSnapshot)

// MasterSlotManager master槽位管理：读无锁，写在单一互斥区内完成
type MasterSlotManager struct {
	self string
	log  *zap.Logger

	current  atomic.Pointer[SlotSnapshot]
	updateMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []SlotListener
}

// NewMasterSlotManager 创建槽位管理器，初始为(0,0)
func NewMasterSlotManager(self string) *MasterSlotManager {
	m := &MasterSlotManager{self: self, log: logger.Named("slot")}
	m.current.Store(&SlotSnapshot{})
	return m
}

// OnChange 注册槽位变化回调
func (m *MasterSlotManager) OnChange(l SlotListener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// Snapshot 当前槽位
func (m *MasterSlotManager) Snapshot() SlotSnapshot {
	return *m.current.Load()
}

// CurrentSlot 当前槽位下标
func (m *MasterSlotManager) CurrentSlot() int {
	return m.current.Load().Slot
}

// TotalSlot 槽位总数
func (m *MasterSlotManager) TotalSlot() int {
	return m.current.Load().Total
}

// IsOwner 本master是否负责该ID
func (m *MasterSlotManager) IsOwner(id int64) bool {
	return m.Snapshot().Owns(id)
}

// Update 根据已排序的master列表重算槽位
// 回调在更新锁内按变化顺序执行，回调中不能再调用Update
func (m *MasterSlotManager) Update(masters []*HeartBeat) SlotSnapshot {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()
	next := ComputeSlot(m.self, masters)
	prev := m.current.Swap(&next)
	if *prev == next {
		return next
	}
	if !next.Active() {
		m.log.Warn("本master不在可用master列表中，暂停处理工作流",
			zap.String("self", m.self), zap.Int("masters", len(masters)))
	}
	m.log.Info("master槽位变化",
		zap.Int("slot", next.Slot), zap.Int("total", next.Total),
		zap.Int("prevSlot", prev.Slot), zap.Int("prevTotal", prev.Total))
	m.listenersMu.Lock()
	listeners := append([]SlotListener(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, l := range listeners {
		l(next)
	}
	return next
}

// Bind 监听集群成员变化：master增删或BUSY状态切换时重算，普通心跳更新不触发重排
func (m *MasterSlotManager) Bind(cm *ClusterManager) {
	cm.AddListener(func(ev MembershipEvent) {
		if ev.Role != RoleMaster {
			return
		}
		if ev.Type == registry.EventUpdate && !ev.StatusChanged {
			return
		}
		m.Update(cm.Masters())
	})
}

// ComputeSlot 在有序master列表中定位self；BUSY的master不参与分配，
// self不在列表中或处于BUSY时返回(0,0)
func ComputeSlot(self string, masters []*HeartBeat) SlotSnapshot {
	slot, total := -1, 0
	for _, hb := range masters {
		if hb.Status == StatusBusy {
			continue
		}
		if hb.Host == self {
			slot = total
		}
		total++
	}
	if slot < 0 {
		return SlotSnapshot{}
	}
	return SlotSnapshot{Slot: slot, Total: total}
}
