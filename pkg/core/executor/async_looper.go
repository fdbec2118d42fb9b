package executor

import (
	"context"
	"strconv"
	"time"

	"github.com/LENAX/dag-master/pkg/core/queue"
	"go.uber.org/zap"
)

// asyncLooper 轮询异步任务的完成状态
type asyncLooper struct {
	q        *queue.DelayQueue[*runnable]
	interval time.Duration
	log      *zap.Logger
}

func newAsyncLooper(interval time.Duration, log *zap.Logger) *asyncLooper {
	if interval <= 0 {
		interval = time.Second
	}
	return &asyncLooper{
		q: queue.NewDelayQueue(
			func(a, b *runnable) bool { return a.tctx.TaskInstanceID < b.tctx.TaskInstanceID },
			func(r *runnable) string { return strconv.FormatInt(r.tctx.TaskInstanceID, 10) },
		),
		interval: interval,
		log:      log,
	}
}

func (l *asyncLooper) add(r *runnable) {
	r.mu.Lock()
	deadline := r.tctx.Deadline()
	r.mu.Unlock()
	l.q.Offer(r, l.nextDelay(deadline, time.Now()))
}

// nextDelay 轮询间隔，以超时截止时间为上限；已过截止时间后按正常间隔轮询
func (l *asyncLooper) nextDelay(deadline, now time.Time) time.Duration {
	if deadline.IsZero() || !now.Before(deadline) {
		return l.interval
	}
	if until := deadline.Sub(now); until < l.interval {
		return until
	}
	return l.interval
}

// Run 循环取出到期的任务并检查，直到ctx结束
func (l *asyncLooper) Run(ctx context.Context) error {
	for {
		r, err := l.q.Take(ctx)
		if err != nil {
			return nil
		}
		l.check(ctx, r)
	}
}

func (l *asyncLooper) check(ctx context.Context, r *runnable) {
	r.mu.Lock()
	tctx := r.tctx.Copy()
	handle := r.handle
	r.mu.Unlock()

	if r.ctx.Err() != nil {
		if err := r.async.Cancel(ctx, tctx, handle); err != nil {
			l.log.Warn("取消异步任务失败", zap.Int64("taskInstanceId", tctx.TaskInstanceID), zap.Error(err))
		}
		r.finish(nil, r.ctx.Err())
		return
	}

	deadline := tctx.Deadline()
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		if tctx.TimeoutStrategy.ShouldFail() {
			l.log.Warn("异步任务超时，取消执行", zap.Int64("taskInstanceId", tctx.TaskInstanceID))
			if err := r.async.Cancel(ctx, tctx, handle); err != nil {
				l.log.Warn("取消超时的异步任务失败", zap.Int64("taskInstanceId", tctx.TaskInstanceID), zap.Error(err))
			}
			r.finish(nil, context.DeadlineExceeded)
			return
		}
		l.log.Warn("异步任务已超时", zap.Int64("taskInstanceId", tctx.TaskInstanceID))
	}

	done, res, err := r.async.Poll(r.ctx, tctx, handle)
	if err != nil || done {
		r.finish(res, err)
		return
	}
	l.q.Offer(r, l.nextDelay(deadline, time.Now()))
}

func (l *asyncLooper) clear() {
	l.q.Clear()
}
