package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/LENAX/dag-master/pkg/core/executor"
	"github.com/LENAX/dag-master/pkg/core/task"
)

// SleepParams SLEEP任务参数
type SleepParams struct {
	Seconds int `json:"seconds"`
	Millis  int `json:"millis"`
}

// Duration 等待时长
func (p SleepParams) Duration() time.Duration {
	return time.Duration(p.Seconds)*time.Second + time.Duration(p.Millis)*time.Millisecond
}

// SleepPlugin 异步等待插件：提交后由轮询器检查是否到期
type SleepPlugin struct {
	now func() time.Time
}

// NewSleepPlugin 创建SLEEP插件
func NewSleepPlugin() *SleepPlugin {
	return &SleepPlugin{now: time.Now}
}

// Type 任务类型
func (p *SleepPlugin) Type() string {
	return task.TypeSleep
}

// Submit 返回到期时间作为句柄
func (p *SleepPlugin) Submit(ctx context.Context, tctx *task.TaskExecutionContext) (string, error) {
	var params SleepParams
	if tctx.TaskParams != "" {
		if err := json.Unmarshal([]byte(tctx.TaskParams), &params); err != nil {
			return "", fmt.Errorf("解析SLEEP参数失败: %w", err)
		}
	}
	due := p.now().Add(params.Duration())
	return strconv.FormatInt(due.UnixNano(), 10), nil
}

// Poll 到期即完成
func (p *SleepPlugin) Poll(ctx context.Context, tctx *task.TaskExecutionContext, handle string) (bool, *executor.Result, error) {
	due, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return false, nil, fmt.Errorf("无效的SLEEP句柄: %s", handle)
	}
	if p.now().UnixNano() < due {
		return false, nil, nil
	}
	return true, &executor.Result{}, nil
}

// Cancel 无外部资源需要释放
func (p *SleepPlugin) Cancel(ctx context.Context, tctx *task.TaskExecutionContext, handle string) error {
	return nil
}

var _ executor.AsyncTaskPlugin = (*SleepPlugin)(nil)
