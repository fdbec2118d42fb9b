// Package cluster 集群成员管理：心跳上报、成员变更、master槽位分配
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Role 节点角色
type Role string

const (
	RoleMaster   Role = "master"
	RoleExecutor Role = "executor"
)

// ServerStatus 节点是否可接收新任务
type ServerStatus string

const (
	StatusNormal ServerStatus = "NORMAL"
	StatusBusy   ServerStatus = "BUSY"
)

// HeartBeat 注册中心中的节点健康记录（JSON）
type HeartBeat struct {
	Host          string       `json:"host"`
	Role          Role         `json:"role"`
	StartupTime   int64        `json:"startup_time"` // 毫秒时间戳，master排序依据
	ReportTime    int64        `json:"report_time"`
	CPUUsage      float64      `json:"cpu_usage"`
	MemoryUsage   float64      `json:"memory_usage"`
	LoadAverage   float64      `json:"load_average"`
	Status        ServerStatus `json:"status"`
	ProcessID     int          `json:"process_id"`
	WorkerGroup   string       `json:"worker_group,omitempty"`
	ExecThreads   int          `json:"exec_threads,omitempty"`
	AvailableCPUs int          `json:"available_cpus"`
}

// Encode 序列化心跳
func (h *HeartBeat) Encode() (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseHeartBeat 解析心跳
func ParseHeartBeat(raw string) (*HeartBeat, error) {
	var hb HeartBeat
	if err := json.Unmarshal([]byte(raw), &hb); err != nil {
		return nil, fmt.Errorf("解析心跳失败: %w", err)
	}
	return &hb, nil
}

// SystemMetrics 本机资源使用率（百分比）
type SystemMetrics struct {
	CPUPercent    float64
	MemoryPercent float64
	Load1         float64
}

// MetricsCollector 资源采集接口
type MetricsCollector interface {
	Collect(ctx context.Context) (SystemMetrics, error)
}

// HostMetricsCollector 基于gopsutil的本机资源采集
type HostMetricsCollector struct{}

// Collect 采集CPU、内存和负载
func (HostMetricsCollector) Collect(ctx context.Context) (SystemMetrics, error) {
	var m SystemMetrics
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("采集CPU失败: %w", err)
	}
	if len(percents) > 0 {
		m.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("采集内存失败: %w", err)
	}
	m.MemoryPercent = vm.UsedPercent
	// 部分平台不支持load，忽略错误
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.Load1 = avg.Load1
	}
	return m, nil
}

func availableCPUs() int {
	return runtime.NumCPU()
}
