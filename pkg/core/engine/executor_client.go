package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/LENAX/dag-master/pkg/core/task"
)

// TaskExecutorClient master向执行器发送命令
type TaskExecutorClient interface {
	Dispatch(ctx context.Context, host string, tctx *task.TaskExecutionContext) error
	Pause(ctx context.Context, host string, taskInstanceID int64) error
	Kill(ctx context.Context, host string, taskInstanceID int64) error
	// TakeOver 询问执行器任务是否仍在运行，是则改由当前master接收事件
	TakeOver(ctx context.Context, host string, tctx *task.TaskExecutionContext) (bool, error)
}

// WorkerDirectory 在线执行器查询，cluster.ClusterManager实现
type WorkerDirectory interface {
	WorkersInGroup(group string) []string
	IsWorkerAlive(addr string) bool
}

// ExecutorSelector 为任务挑选执行器
type ExecutorSelector interface {
	Select(r *TaskExecutionRunnable) (string, error)
	Alive(host string) bool
}

// RoundRobinSelector 逻辑任务交给master内嵌执行器，其余任务在分组内轮询
type RoundRobinSelector struct {
	workers   WorkerDirectory
	logicHost string

	mu   sync.Mutex
	next map[string]int
}

// NewRoundRobinSelector 创建执行器选择器
func NewRoundRobinSelector(workers WorkerDirectory, logicHost string) *RoundRobinSelector {
	return &RoundRobinSelector{workers: workers, logicHost: logicHost, next: make(map[string]int)}
}

// Select 实现ExecutorSelector
func (s *RoundRobinSelector) Select(r *TaskExecutionRunnable) (string, error) {
	def := r.Definition()
	if task.IsLogicTask(def.TaskType) && s.logicHost != "" {
		return s.logicHost, nil
	}
	group := def.WorkerGroup
	if group == "" {
		group = "default"
	}
	hosts := s.workers.WorkersInGroup(group)
	if len(hosts) == 0 {
		return "", fmt.Errorf("%w: group=%s", ErrNoAvailableExecutor, group)
	}
	s.mu.Lock()
	i := s.next[group] % len(hosts)
	s.next[group] = i + 1
	s.mu.Unlock()
	return hosts[i], nil
}

// Alive 实现ExecutorSelector
func (s *RoundRobinSelector) Alive(host string) bool {
	if host == "" {
		return false
	}
	if host == s.logicHost {
		return true
	}
	return s.workers.IsWorkerAlive(host)
}
