// Package metrics master的prometheus指标
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics master指标集合
type Metrics struct {
	registry *prometheus.Registry

	TaskTransitions   *prometheus.CounterVec
	WorkflowFinished  *prometheus.CounterVec
	WorkflowDuration  prometheus.Histogram
	DispatchFailures  prometheus.Counter
	DispatchQueueSize prometheus.Gauge
	EventBusDepth     prometheus.Gauge
	IllegalEvents     *prometheus.CounterVec
	ActiveWorkflows   prometheus.Gauge
	CurrentSlot       prometheus.Gauge
	TotalSlot         prometheus.Gauge
	CommandsHandled   *prometheus.CounterVec
}

// New 创建指标并注册到独立的registry，测试中可重复创建
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TaskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dagmaster_task_transitions_total", Help: "Task status transitions applied by the state machine."},
			[]string{"status"},
		),
		WorkflowFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dagmaster_workflow_finished_total", Help: "Workflow instances reaching a terminal status."},
			[]string{"status"},
		),
		WorkflowDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{Name: "dagmaster_workflow_duration_seconds", Help: "Wall time of finished workflow instances.", Buckets: prometheus.DefBuckets},
		),
		DispatchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "dagmaster_dispatch_failures_total", Help: "Failed attempts to hand a task to an executor."},
		),
		DispatchQueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dagmaster_dispatch_queue_size", Help: "Tasks waiting in the dispatch delay queue."},
		),
		EventBusDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dagmaster_event_bus_depth", Help: "Lifecycle events waiting on workflow event buses."},
		),
		IllegalEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dagmaster_illegal_events_total", Help: "Lifecycle events rejected by a state action."},
			[]string{"event"},
		),
		ActiveWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dagmaster_active_workflows", Help: "Workflow instances held in memory by this master."},
		),
		CurrentSlot: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dagmaster_slot_current", Help: "Slot index of this master."},
		),
		TotalSlot: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dagmaster_slot_total", Help: "Number of masters sharing the command queue."},
		),
		CommandsHandled: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dagmaster_commands_handled_total", Help: "Commands taken from the command queue."},
			[]string{"type", "result"},
		),
	}
	m.registry.MustRegister(
		m.TaskTransitions,
		m.WorkflowFinished,
		m.WorkflowDuration,
		m.DispatchFailures,
		m.DispatchQueueSize,
		m.EventBusDepth,
		m.IllegalEvents,
		m.ActiveWorkflows,
		m.CurrentSlot,
		m.TotalSlot,
		m.CommandsHandled,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry 指标registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetSlot 更新槽位指标
func (m *Metrics) SetSlot(slot, total int) {
	m.CurrentSlot.Set(float64(slot))
	m.TotalSlot.Set(float64(total))
}
