package cluster

import "sync"

// ResourceGuardConfig 水位配置（百分比）
type ResourceGuardConfig struct {
	CPUHigh    float64
	CPULow     float64
	MemoryHigh float64
	MemoryLow  float64
}

// ResourceGuard 资源水位判定，带滞回：超过高水位后需降到低水位以下才恢复
type ResourceGuard struct {
	cfg ResourceGuardConfig

	mu         sync.Mutex
	overloaded bool
}

// NewResourceGuard 创建资源水位判定器
func NewResourceGuard(cfg ResourceGuardConfig) *ResourceGuard {
	if cfg.CPULow > cfg.CPUHigh {
		cfg.CPULow = cfg.CPUHigh
	}
	if cfg.MemoryLow > cfg.MemoryHigh {
		cfg.MemoryLow = cfg.MemoryHigh
	}
	return &ResourceGuard{cfg: cfg}
}

// Evaluate 根据最新采样返回是否可接收新工作，以及状态是否发生变化
func (g *ResourceGuard) Evaluate(m SystemMetrics) (eligible bool, changed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.overloaded
	if g.overloaded {
		if m.CPUPercent < g.cfg.CPULow && m.MemoryPercent < g.cfg.MemoryLow {
			g.overloaded = false
		}
	} else if m.CPUPercent > g.cfg.CPUHigh || m.MemoryPercent > g.cfg.MemoryHigh {
		g.overloaded = true
	}
	return !g.overloaded, prev != g.overloaded
}

// Overloaded 当前是否处于过载状态
func (g *ResourceGuard) Overloaded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.overloaded
}
