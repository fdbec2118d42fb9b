package cluster

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/cluster/registry"
	"github.com/LENAX/dag-master/pkg/logger"
	"go.uber.org/zap"
)

// HeartbeatReporter 周期性把健康记录写入注册中心的临时节点
type HeartbeatReporter struct {
	reg       registry.Registry
	path      string
	interval  time.Duration
	collector MetricsCollector
	guard     *ResourceGuard
	log       *zap.Logger

	mu         sync.Mutex
	base       HeartBeat
	registered bool
	status     ServerStatus
}

// NewHeartbeatReporter 创建心跳上报器；guard为nil时不做资源水位判定
func NewHeartbeatReporter(reg registry.Registry, path string, base HeartBeat, interval time.Duration,
	collector MetricsCollector, guard *ResourceGuard) *HeartbeatReporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if collector == nil {
		collector = HostMetricsCollector{}
	}
	if base.StartupTime == 0 {
		base.StartupTime = time.Now().UnixMilli()
	}
	base.ProcessID = os.Getpid()
	base.AvailableCPUs = availableCPUs()
	return &HeartbeatReporter{
		reg:       reg,
		path:      path,
		interval:  interval,
		collector: collector,
		guard:     guard,
		log:       logger.Named("heartbeat").With(zap.String("path", path)),
		base:      base,
	}
}

// Beat 上报一次心跳；过载时节点保留在注册中心，状态置为BUSY，不再接收新工作
func (h *HeartbeatReporter) Beat(ctx context.Context) error {
	metrics, err := h.collector.Collect(ctx)
	if err != nil {
		h.log.Warn("采集资源使用率失败", zap.Error(err))
	}

	h.mu.Lock()
	hb := h.base
	h.mu.Unlock()
	hb.ReportTime = time.Now().UnixMilli()
	hb.CPUUsage = metrics.CPUPercent
	hb.MemoryUsage = metrics.MemoryPercent
	hb.LoadAverage = metrics.Load1
	hb.Status = StatusNormal

	if h.guard != nil {
		eligible, changed := h.guard.Evaluate(metrics)
		if !eligible {
			hb.Status = StatusBusy
		}
		switch {
		case changed && !eligible:
			h.log.Warn("资源超过高水位，暂停接收新工作",
				zap.Float64("cpu", metrics.CPUPercent), zap.Float64("memory", metrics.MemoryPercent))
		case changed:
			h.log.Info("资源回落到低水位以下，恢复接收新工作",
				zap.Float64("cpu", metrics.CPUPercent), zap.Float64("memory", metrics.MemoryPercent))
		}
	}

	value, err := hb.Encode()
	if err != nil {
		return err
	}
	if err := h.reg.PersistEphemeral(ctx, h.path, value); err != nil {
		return err
	}
	h.mu.Lock()
	h.registered = true
	h.status = hb.Status
	h.mu.Unlock()
	return nil
}

// Run 立即上报一次然后按间隔上报，直到ctx结束；失败只记录日志，下个周期重试
func (h *HeartbeatReporter) Run(ctx context.Context) error {
	if err := h.Beat(ctx); err != nil {
		h.log.Error("心跳上报失败", zap.Error(err))
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil {
				h.log.Error("心跳上报失败", zap.Error(err))
			}
		}
	}
}

// Deregister 主动从注册中心摘除
func (h *HeartbeatReporter) Deregister(ctx context.Context) error {
	h.setRegistered(false)
	return h.reg.Remove(ctx, h.path)
}

// Registered 当前是否已注册
func (h *HeartbeatReporter) Registered() bool {
	return h.isRegistered()
}

// Status 最近一次上报的状态
func (h *HeartbeatReporter) Status() ServerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// StartupTime 启动时间
func (h *HeartbeatReporter) StartupTime() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.base.StartupTime
}

func (h *HeartbeatReporter) isRegistered() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registered
}

func (h *HeartbeatReporter) setRegistered(v bool) {
	h.mu.Lock()
	h.registered = v
	h.mu.Unlock()
}
