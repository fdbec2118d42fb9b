package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LENAX/dag-master/pkg/cluster"
	"github.com/LENAX/dag-master/pkg/cluster/registry"
	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loadCollector struct {
	mu  sync.Mutex
	cpu float64
}

func (c *loadCollector) set(cpu float64) {
	c.mu.Lock()
	c.cpu = cpu
	c.mu.Unlock()
}

func (c *loadCollector) Collect(context.Context) (cluster.SystemMetrics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cluster.SystemMetrics{CPUPercent: c.cpu, MemoryPercent: 10}, nil
}

func TestFailoverCoordinator_OverloadedMasterIsNotFailedOver(t *testing.T) {
	const peer = "10.0.0.8:5678"
	store := newTestStore(t)
	ctx := context.Background()
	spec := newSpec(12, []task.TaskDefinition{shellTask(121, "a")})
	require.NoError(t, store.SaveWorkflowSpec(ctx, spec))
	inst := workflow.NewWorkflowInstance(&spec.Definition, &workflow.Command{Type: workflow.CommandStartProcess}, peer, time.Now())
	inst.Status = workflow.StatusRunningExecution
	require.NoError(t, store.CreateWorkflowInstance(ctx, inst))

	mem := registry.NewMemoryStore()
	peerSession := mem.Connect()
	selfSession := mem.Connect()
	defer selfSession.Close()

	collector := &loadCollector{}
	collector.set(10)
	guard := cluster.NewResourceGuard(cluster.ResourceGuardConfig{CPUHigh: 80, CPULow: 60, MemoryHigh: 90, MemoryLow: 70})
	peerBeat := cluster.NewHeartbeatReporter(peerSession, registry.MasterPath(peer),
		cluster.HeartBeat{Host: peer, Role: cluster.RoleMaster}, time.Second, collector, guard)
	require.NoError(t, peerBeat.Beat(ctx))

	members := cluster.NewClusterManager(selfSession)
	f := NewFailoverCoordinator(testMaster, selfSession, store, store, &recordingTaskFailover{})
	members.AddListener(f.OnMembership)
	require.NoError(t, members.Start(ctx))
	defer members.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = f.Run(runCtx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	pendingCommands := func() int {
		cmds, err := store.FetchCommandsBySlot(ctx, 0, 1, 10)
		if err != nil {
			return -1
		}
		return len(cmds)
	}

	// 过载：仍在线但为BUSY，不触发容错
	collector.set(95)
	require.NoError(t, peerBeat.Beat(ctx))
	require.Eventually(t, func() bool {
		masters := members.Masters()
		return len(masters) == 1 && masters[0].Status == cluster.StatusBusy
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return pendingCommands() > 0 }, 200*time.Millisecond, 20*time.Millisecond)
	got, err := store.GetWorkflowInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, peer, got.Host)

	// 会话真正丢失才接管
	require.NoError(t, peerSession.Close())
	require.Eventually(t, func() bool { return pendingCommands() == 1 }, 3*time.Second, 10*time.Millisecond)
}
