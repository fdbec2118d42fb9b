// Package queue 提供按到期时间和优先级出队的延迟队列
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// LessFunc 优先级比较，a排在b前面时返回true
type LessFunc[T any] func(a, b T) bool

// KeyFunc 元素唯一键，用于去重和按键删除
type KeyFunc[T any] func(v T) string

// Key 排序键：先比较到期时间，再比较优先级
type Key[T any] struct {
	Deadline time.Time
	Priority T
}

type entry[T any] struct {
	key   Key[T]
	id    string
	index int
	ready bool
}

// DelayQueue 延迟优先队列
// 未到期元素放在按(deadline, priority)排序的堆里，到期后转入只按priority排序的就绪堆。
type DelayQueue[T any] struct {
	mu      sync.Mutex
	delayed *entryHeap[T]
	ready   *entryHeap[T]
	entries map[string]*entry[T]
	keyOf   KeyFunc[T]
	wake    chan struct{}
	now     func() time.Time
}

// NewDelayQueue 创建延迟队列
func NewDelayQueue[T any](less LessFunc[T], keyOf KeyFunc[T]) *DelayQueue[T] {
	byDeadline := func(a, b *entry[T]) bool {
		if !a.key.Deadline.Equal(b.key.Deadline) {
			return a.key.Deadline.Before(b.key.Deadline)
		}
		return less(a.key.Priority, b.key.Priority)
	}
	byPriority := func(a, b *entry[T]) bool {
		return less(a.key.Priority, b.key.Priority)
	}
	return &DelayQueue[T]{
		delayed: &entryHeap[T]{less: byDeadline},
		ready:   &entryHeap[T]{less: byPriority},
		entries: make(map[string]*entry[T]),
		keyOf:   keyOf,
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Offer 入队，delay<=0时立即就绪；同键元素已存在时返回false
func (q *DelayQueue[T]) Offer(v T, delay time.Duration) bool {
	q.mu.Lock()
	id := q.keyOf(v)
	if _, exists := q.entries[id]; exists {
		q.mu.Unlock()
		return false
	}
	e := &entry[T]{key: Key[T]{Deadline: q.now().Add(delay), Priority: v}, id: id}
	q.entries[id] = e
	if delay <= 0 {
		e.ready = true
		heap.Push(q.ready, e)
	} else {
		heap.Push(q.delayed, e)
	}
	q.mu.Unlock()
	q.signal()
	return true
}

// Take 阻塞直到有到期元素或ctx取消
func (q *DelayQueue[T]) Take(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		q.promoteLocked()
		if q.ready.Len() > 0 {
			e := heap.Pop(q.ready).(*entry[T])
			delete(q.entries, e.id)
			q.mu.Unlock()
			return e.key.Priority, nil
		}
		var timer *time.Timer
		var timerC <-chan time.Time
		if q.delayed.Len() > 0 {
			wait := q.delayed.items[0].key.Deadline.Sub(q.now())
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return zero, ctx.Err()
		case <-q.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Poll 非阻塞出队
func (q *DelayQueue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteLocked()
	if q.ready.Len() == 0 {
		var zero T
		return zero, false
	}
	e := heap.Pop(q.ready).(*entry[T])
	delete(q.entries, e.id)
	return e.key.Priority, true
}

// Remove 按键删除，元素已被取走时返回false
func (q *DelayQueue[T]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return false
	}
	if e.ready {
		heap.Remove(q.ready, e.index)
	} else {
		heap.Remove(q.delayed, e.index)
	}
	delete(q.entries, id)
	return true
}

// Contains 是否包含指定键
func (q *DelayQueue[T]) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[id]
	return ok
}

// Len 队列长度（含未到期元素）
func (q *DelayQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear 清空队列并返回被丢弃的元素
func (q *DelayQueue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.key.Priority)
	}
	q.delayed.items = nil
	q.ready.items = nil
	q.entries = make(map[string]*entry[T])
	return out
}

func (q *DelayQueue[T]) promoteLocked() {
	now := q.now()
	for q.delayed.Len() > 0 && !q.delayed.items[0].key.Deadline.After(now) {
		e := heap.Pop(q.delayed).(*entry[T])
		e.ready = true
		heap.Push(q.ready, e)
	}
}

func (q *DelayQueue[T]) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// entryHeap container/heap实现
type entryHeap[T any] struct {
	items []*entry[T]
	less  func(a, b *entry[T]) bool
}

func (h *entryHeap[T]) Len() int           { return len(h.items) }
func (h *entryHeap[T]) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *entryHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *entryHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(h.items)
	h.items = append(h.items, e)
}

func (h *entryHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	h.items = old[:n-1]
	return e
}
