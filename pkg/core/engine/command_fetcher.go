package engine

import (
	"context"
	"errors"
	"time"

	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/metrics"
	"github.com/LENAX/dag-master/pkg/storage"
	"go.uber.org/zap"
)

// CommandHandler 处理领取到的命令
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd *workflow.Command) error
}

// CommandFetcher 按本master的槽位周期性领取命令
type CommandFetcher struct {
	repo     storage.CommandRepository
	slots    SlotSource
	handler  CommandHandler
	interval time.Duration
	size     int
	metrics  *metrics.Metrics
	log      *zap.Logger

	slotWaiting bool // 仅Run所在协程访问
}

// NewCommandFetcher 创建命令拉取器
func NewCommandFetcher(repo storage.CommandRepository, slots SlotSource, handler CommandHandler, interval time.Duration, size int, m *metrics.Metrics) *CommandFetcher {
	if interval <= 0 {
		interval = time.Second
	}
	if size <= 0 {
		size = 10
	}
	return &CommandFetcher{
		repo:     repo,
		slots:    slots,
		handler:  handler,
		interval: interval,
		size:     size,
		metrics:  m,
		log:      logger.Named("command"),
	}
}

// Run 阻塞到ctx取消
func (f *CommandFetcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

// tick 槽位未就绪只在进入该状态时告警一次
func (f *CommandFetcher) tick(ctx context.Context) {
	_, err := f.FetchOnce(ctx)
	if errors.Is(err, ErrSlotNotReady) {
		if !f.slotWaiting {
			f.slotWaiting = true
			f.log.Warn("槽位未就绪，暂停领取命令")
		}
		return
	}
	if f.slotWaiting {
		f.slotWaiting = false
		f.log.Info("槽位已就绪，恢复领取命令")
	}
	if err != nil && ctx.Err() == nil {
		f.log.Error("拉取命令失败", zap.Error(err))
	}
}

// FetchOnce 领取并处理一批命令，返回处理数量
// 处理失败的命令同样删除，避免反复重放
func (f *CommandFetcher) FetchOnce(ctx context.Context) (int, error) {
	snap := f.slots.Snapshot()
	if !snap.Active() {
		return 0, ErrSlotNotReady
	}
	cmds, err := f.repo.FetchCommandsBySlot(ctx, snap.Slot, snap.Total, f.size)
	if err != nil {
		return 0, err
	}
	for _, cmd := range cmds {
		result := "ok"
		if err := f.handler.HandleCommand(ctx, cmd); err != nil {
			result = "error"
			f.log.Error("处理命令失败",
				zap.Int64("commandId", cmd.ID), zap.String("type", string(cmd.Type)),
				zap.Int64("workflowInstanceId", cmd.WorkflowInstanceID), zap.Error(err))
		}
		if err := f.repo.DeleteCommand(ctx, cmd.ID); err != nil {
			f.log.Error("删除命令失败", zap.Int64("commandId", cmd.ID), zap.Error(err))
		}
		if f.metrics != nil {
			f.metrics.CommandsHandled.WithLabelValues(string(cmd.Type), result).Inc()
		}
	}
	return len(cmds), nil
}
