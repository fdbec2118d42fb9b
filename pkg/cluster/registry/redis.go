package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/LENAX/dag-master/pkg/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var errLockBusy = errors.New("registry: lock busy")

// 仅当持有者令牌匹配时删除锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// 仅当持有者令牌匹配时续期锁
var refreshLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisOptions Redis注册中心配置
type RedisOptions struct {
	Namespace      string
	SessionTimeout time.Duration // 临时节点TTL
	WatchInterval  time.Duration // 订阅轮询间隔
}

// RedisRegistry 基于Redis的注册中心（对外导出）
// 临时节点以TTL键实现并由后台续期；变更通过轮询快照比对产生，pub/sub消息用于立即触发比对
type RedisRegistry struct {
	client     *redis.Client
	ownsClient bool
	opts       RedisOptions
	log        *zap.Logger

	mu        sync.Mutex
	ephemeral map[string]string // path -> value
	locks     map[string]string // path -> token
	watchers  map[*redisWatcher]struct{}
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisRegistry 创建Redis注册中心客户端
func NewRedisRegistry(client *redis.Client, opts RedisOptions) (*RedisRegistry, error) {
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Second
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = time.Second
	}
	if opts.Namespace == "" {
		opts.Namespace = "dag-master"
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &RedisRegistry{
		client:    client,
		opts:      opts,
		log:       logger.Named("registry.redis"),
		ephemeral: make(map[string]string),
		locks:     make(map[string]string),
		watchers:  make(map[*redisWatcher]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	if err := client.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	pubsub := client.Subscribe(ctx, r.eventChannel())
	// 等待订阅确认，保证之后的发布不会丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("订阅注册中心变更失败: %w", err)
	}

	r.wg.Add(2)
	go r.keepAliveLoop()
	go r.hintLoop(pubsub)
	return r, nil
}

func (r *RedisRegistry) key(path string) string {
	return r.opts.Namespace + path
}

func (r *RedisRegistry) eventChannel() string {
	return r.opts.Namespace + ":registry-events"
}

// do 带指数退避的重试执行，redis.Nil不重试
func (r *RedisRegistry) do(ctx context.Context, op func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func (r *RedisRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *RedisRegistry) publishHint(ctx context.Context, path string) {
	if err := r.client.Publish(ctx, r.eventChannel(), path).Err(); err != nil {
		r.log.Warn("发布变更通知失败", zap.String("path", path), zap.Error(err))
	}
}

// PersistEphemeral 写入临时节点
func (r *RedisRegistry) PersistEphemeral(ctx context.Context, path, value string) error {
	if r.isClosed() {
		return ErrClosed
	}
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, r.key(path), value, r.opts.SessionTimeout).Err()
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.ephemeral[path] = value
	r.mu.Unlock()
	r.publishHint(ctx, path)
	return nil
}

// Put 写入持久节点
func (r *RedisRegistry) Put(ctx context.Context, path, value string) error {
	if r.isClosed() {
		return ErrClosed
	}
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, r.key(path), value, 0).Err()
	})
	if err != nil {
		return err
	}
	r.publishHint(ctx, path)
	return nil
}

// Get 读取节点
func (r *RedisRegistry) Get(ctx context.Context, path string) (string, error) {
	var value string
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.client.Get(ctx, r.key(path)).Result()
		value = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return value, err
}

// Remove 删除节点
func (r *RedisRegistry) Remove(ctx context.Context, path string) error {
	if r.isClosed() {
		return ErrClosed
	}
	r.mu.Lock()
	delete(r.ephemeral, path)
	r.mu.Unlock()
	err := r.do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, r.key(path)).Err()
	})
	if err != nil {
		return err
	}
	r.publishHint(ctx, path)
	return nil
}

// Exists 节点是否存在
func (r *RedisRegistry) Exists(ctx context.Context, path string) (bool, error) {
	var n int64
	err := r.do(ctx, func(ctx context.Context) error {
		v, err := r.client.Exists(ctx, r.key(path)).Result()
		n = v
		return err
	})
	return n > 0, err
}

// Children 列出直接子节点
func (r *RedisRegistry) Children(ctx context.Context, prefix string) (map[string]string, error) {
	all, err := r.scanPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for p, v := range all {
		if name, ok := ChildName(prefix, p); ok {
			out[name] = v
		}
	}
	return out, nil
}

// scanPrefix 返回prefix下全部节点：path -> value
func (r *RedisRegistry) scanPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	match := r.key(strings.TrimSuffix(prefix, "/")) + "/*"
	var keys []string
	err := r.do(ctx, func(ctx context.Context) error {
		keys = keys[:0]
		var cursor uint64
		for {
			batch, next, err := r.client.Scan(ctx, cursor, match, 200).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	var values []interface{}
	err = r.do(ctx, func(ctx context.Context) error {
		v, err := r.client.MGet(ctx, keys...).Result()
		values = v
		return err
	})
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		s, ok := values[i].(string)
		if !ok {
			// 扫描和读取之间已过期
			continue
		}
		out[strings.TrimPrefix(k, r.opts.Namespace)] = s
	}
	return out, nil
}

// Subscribe 订阅prefix下的变更
func (r *RedisRegistry) Subscribe(prefix string, listener Listener) (func(), error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	snapshot, err := r.scanPrefix(r.ctx, prefix)
	if err != nil {
		return nil, err
	}
	w := &redisWatcher{
		sub:      newSubscription(prefix, listener),
		prefix:   prefix,
		snapshot: snapshot,
		hint:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	r.mu.Lock()
	r.watchers[w] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watchLoop(w)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.watchers, w)
			r.mu.Unlock()
			close(w.stopCh)
			w.sub.stop()
		})
	}, nil
}

// Lock 获取分布式锁，持有期间由后台续期
func (r *RedisRegistry) Lock(ctx context.Context, path string) (func() error, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	token := uuid.NewString()
	key := r.key(path)
	err := retry.Do(ctx, retry.NewConstant(100*time.Millisecond), func(ctx context.Context) error {
		ok, err := r.client.SetNX(ctx, key, token, r.opts.SessionTimeout).Result()
		if err != nil {
			return retry.RetryableError(err)
		}
		if !ok {
			return retry.RetryableError(errLockBusy)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.locks[path] = token
	r.mu.Unlock()

	var once sync.Once
	return func() error {
		var unlockErr error
		once.Do(func() {
			r.mu.Lock()
			delete(r.locks, path)
			r.mu.Unlock()
			unlockErr = unlockScript.Run(context.Background(), r.client, []string{key}, token).Err()
		})
		return unlockErr
	}, nil
}

// Close 结束会话：删除临时节点、释放锁、停止后台协程
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	paths := make([]string, 0, len(r.ephemeral))
	for p := range r.ephemeral {
		paths = append(paths, p)
	}
	locks := r.locks
	r.ephemeral = map[string]string{}
	r.locks = map[string]string{}
	watchers := r.watchers
	r.watchers = map[*redisWatcher]struct{}{}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, p := range paths {
		if err := r.client.Del(ctx, r.key(p)).Err(); err != nil {
			r.log.Warn("删除临时节点失败", zap.String("path", p), zap.Error(err))
		}
		r.publishHint(ctx, p)
	}
	for p, token := range locks {
		_ = unlockScript.Run(ctx, r.client, []string{r.key(p)}, token).Err()
	}
	for w := range watchers {
		close(w.stopCh)
		w.sub.stop()
	}
	r.cancel()
	r.wg.Wait()
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

// keepAliveLoop 续期临时节点和锁
func (r *RedisRegistry) keepAliveLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.SessionTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *RedisRegistry) refresh() {
	r.mu.Lock()
	ephemeral := make(map[string]string, len(r.ephemeral))
	for k, v := range r.ephemeral {
		ephemeral[k] = v
	}
	locks := make(map[string]string, len(r.locks))
	for k, v := range r.locks {
		locks[k] = v
	}
	r.mu.Unlock()

	for p, v := range ephemeral {
		// 键已过期时重新写入并通知
		set, err := r.client.SetArgs(r.ctx, r.key(p), v, redis.SetArgs{Mode: "XX", TTL: r.opts.SessionTimeout}).Result()
		if errors.Is(err, redis.Nil) || (err == nil && set != "OK") {
			if err := r.client.Set(r.ctx, r.key(p), v, r.opts.SessionTimeout).Err(); err == nil {
				r.publishHint(r.ctx, p)
			}
			continue
		}
		if err != nil {
			r.log.Warn("续期临时节点失败", zap.String("path", p), zap.Error(err))
		}
	}
	for p, token := range locks {
		ms := r.opts.SessionTimeout.Milliseconds()
		if err := refreshLockScript.Run(r.ctx, r.client, []string{r.key(p)}, token, ms).Err(); err != nil && !errors.Is(err, redis.Nil) {
			r.log.Warn("续期锁失败", zap.String("path", p), zap.Error(err))
		}
	}
}

// hintLoop 收到pub/sub通知后唤醒所有订阅做一次比对
func (r *RedisRegistry) hintLoop(pubsub *redis.PubSub) {
	defer r.wg.Done()
	defer pubsub.Close()
	ch := pubsub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.mu.Lock()
			for w := range r.watchers {
				if hasPathPrefix(w.prefix, msg.Payload) {
					w.wake()
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *RedisRegistry) watchLoop(w *redisWatcher) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
		case <-w.hint:
		}
		current, err := r.scanPrefix(r.ctx, w.prefix)
		if err != nil {
			if r.ctx.Err() == nil {
				r.log.Warn("扫描注册中心失败", zap.String("prefix", w.prefix), zap.Error(err))
			}
			continue
		}
		for _, ev := range diffSnapshots(w.snapshot, current) {
			w.sub.deliver(ev)
		}
		w.snapshot = current
	}
}

type redisWatcher struct {
	sub      *subscription
	prefix   string
	snapshot map[string]string
	hint     chan struct{}
	stopCh   chan struct{}
}

func (w *redisWatcher) wake() {
	select {
	case w.hint <- struct{}{}:
	default:
	}
}

// diffSnapshots 比较两次快照，按 删除、新增、更新 的顺序产生事件
func diffSnapshots(prev, cur map[string]string) []Event {
	var events []Event
	for p, v := range prev {
		if _, ok := cur[p]; !ok {
			events = append(events, Event{Type: EventRemove, Path: p, Value: v})
		}
	}
	for p, v := range cur {
		old, ok := prev[p]
		if !ok {
			events = append(events, Event{Type: EventAdd, Path: p, Value: v})
		} else if old != v {
			events = append(events, Event{Type: EventUpdate, Path: p, Value: v})
		}
	}
	sortEvents(events)
	return events
}

func hasPathPrefix(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

var _ Registry = (*RedisRegistry)(nil)

var eventOrder = map[EventType]int{EventRemove: 0, EventAdd: 1, EventUpdate: 2}

func sortEvents(events []Event) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Type != events[j].Type {
			return eventOrder[events[i].Type] < eventOrder[events[j].Type]
		}
		return events[i].Path < events[j].Path
	})
}
