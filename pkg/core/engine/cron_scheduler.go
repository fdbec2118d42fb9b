package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/core/task"
	"github.com/LENAX/dag-master/pkg/core/workflow"
	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/LENAX/dag-master/pkg/storage"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronParser 支持秒级精度和@every等描述符
var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronScheduler 定时调度器（对外导出）
// 到点时只写入START_PROCESS命令，由槽位匹配的master领取执行
type CronScheduler struct {
	cron     *cron.Cron
	defs     storage.WorkflowDefinitionRepository
	commands storage.CommandRepository
	// leader 为false时跳过触发，避免多个master重复写命令
	leader func() bool
	log    *zap.Logger

	mu      sync.RWMutex
	entries map[int64]cron.EntryID // definitionCode -> cron.EntryID
	exprs   map[int64]string
}

// NewCronScheduler 创建定时调度器（对外导出）
func NewCronScheduler(defs storage.WorkflowDefinitionRepository, commands storage.CommandRepository, leader func() bool) *CronScheduler {
	if leader == nil {
		leader = func() bool { return true }
	}
	return &CronScheduler{
		cron:     cron.New(cron.WithSeconds()), // 支持秒级精度
		defs:     defs,
		commands: commands,
		leader:   leader,
		log:      logger.Named("cron"),
		entries:  make(map[int64]cron.EntryID),
		exprs:    make(map[int64]string),
	}
}

// Register 注册上线且配置了crontab的工作流定义
func (cs *CronScheduler) Register(def *workflow.WorkflowDefinition) error {
	if !def.Online {
		return fmt.Errorf("工作流 %d 未上线", def.Code)
	}
	if def.Crontab == "" {
		return fmt.Errorf("工作流 %d 未设置Cron表达式", def.Code)
	}
	schedule, err := cronParser.Parse(def.Crontab)
	if err != nil {
		return fmt.Errorf("工作流 %d 的Cron表达式无效: %w", def.Code, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if expr, ok := cs.exprs[def.Code]; ok {
		if expr == def.Crontab {
			return nil
		}
		cs.cron.Remove(cs.entries[def.Code])
	}
	code, priority := def.Code, def.Priority
	cs.entries[def.Code] = cs.cron.Schedule(schedule, cron.FuncJob(func() {
		cs.fire(code, priority)
	}))
	cs.exprs[def.Code] = def.Crontab
	cs.log.Info("已注册定时工作流", zap.Int64("definitionCode", def.Code), zap.String("name", def.Name), zap.String("crontab", def.Crontab))
	return nil
}

// Unregister 取消定时
func (cs *CronScheduler) Unregister(code int64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	entryID, ok := cs.entries[code]
	if !ok {
		return false
	}
	cs.cron.Remove(entryID)
	delete(cs.entries, code)
	delete(cs.exprs, code)
	cs.log.Info("已取消定时工作流", zap.Int64("definitionCode", code))
	return true
}

// Reload 按存储中的定义同步定时任务，下线或删掉crontab的定义被移除
func (cs *CronScheduler) Reload(ctx context.Context) error {
	defs, err := cs.defs.ListWorkflowDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("读取工作流定义失败: %w", err)
	}
	keep := make(map[int64]struct{}, len(defs))
	for _, def := range defs {
		if !def.Online || def.Crontab == "" {
			continue
		}
		if err := cs.Register(def); err != nil {
			cs.log.Warn("注册定时工作流失败", zap.Int64("definitionCode", def.Code), zap.Error(err))
			continue
		}
		keep[def.Code] = struct{}{}
	}
	for _, code := range cs.Registered() {
		if _, ok := keep[code]; !ok {
			cs.Unregister(code)
		}
	}
	return nil
}

func (cs *CronScheduler) fire(code int64, priority task.Priority) {
	if !cs.leader() {
		return
	}
	cmd := &workflow.Command{
		Type:           workflow.CommandStartProcess,
		DefinitionCode: code,
		Priority:       priority,
		CreateTime:     time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cs.commands.CreateCommand(ctx, cmd); err != nil {
		cs.log.Error("写入定时触发命令失败", zap.Int64("definitionCode", code), zap.Error(err))
		return
	}
	cs.log.Info("定时触发工作流", zap.Int64("definitionCode", code), zap.Int64("commandId", cmd.ID))
}

// Run 启动定时调度并周期性同步定义，阻塞到ctx取消
func (cs *CronScheduler) Run(ctx context.Context, reloadInterval time.Duration) error {
	if err := cs.Reload(ctx); err != nil {
		cs.log.Warn("首次加载定时工作流失败", zap.Error(err))
	}
	cs.cron.Start()
	cs.log.Info("定时调度器已启动")
	defer func() {
		<-cs.cron.Stop().Done()
		cs.log.Info("定时调度器已停止")
	}()
	if reloadInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := cs.Reload(ctx); err != nil {
				cs.log.Warn("同步定时工作流失败", zap.Error(err))
			}
		}
	}
}

// Registered 已注册的定义编码
func (cs *CronScheduler) Registered() []int64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	codes := make([]int64, 0, len(cs.entries))
	for code := range cs.entries {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
