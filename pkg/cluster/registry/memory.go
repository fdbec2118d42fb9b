package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memoryEntry struct {
	value   string
	session string // 为空表示持久节点
}

// MemoryStore 进程内注册中心，多个会话共享同一份数据（单机部署和测试使用）
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	subs   map[*subscription]struct{}
	locks  map[string]*memoryLock
	closed bool
}

type memoryLock struct {
	owner string
	ch    chan struct{} // 容量为1的信号量
}

// NewMemoryStore 创建进程内注册中心
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]memoryEntry),
		subs:  make(map[*subscription]struct{}),
		locks: make(map[string]*memoryLock),
	}
}

// Connect 打开一个新会话
func (s *MemoryStore) Connect() *MemoryRegistry {
	return &MemoryRegistry{store: s, session: uuid.NewString()}
}

func (s *MemoryStore) notifyLocked(ev Event) {
	for sub := range s.subs {
		if sub.matches(ev.Path) {
			sub.deliver(ev)
		}
	}
}

func (s *MemoryStore) put(path, value, session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, exists := s.data[path]
	s.data[path] = memoryEntry{value: value, session: session}
	switch {
	case !exists:
		s.notifyLocked(Event{Type: EventAdd, Path: path, Value: value})
	case old.value != value:
		s.notifyLocked(Event{Type: EventUpdate, Path: path, Value: value})
	}
}

func (s *MemoryStore) remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.data[path]
	if !ok {
		return
	}
	delete(s.data, path)
	s.notifyLocked(Event{Type: EventRemove, Path: path, Value: old.value})
}

// expireSession 删除会话的全部临时节点并释放其持有的锁
func (s *MemoryStore) expireSession(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var paths []string
	for p, e := range s.data {
		if e.session == session {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		old := s.data[p]
		delete(s.data, p)
		s.notifyLocked(Event{Type: EventRemove, Path: p, Value: old.value})
	}
	for _, l := range s.locks {
		if l.owner == session {
			l.owner = ""
			<-l.ch
		}
	}
}

// MemoryRegistry 进程内注册中心的一个会话（对外导出）
type MemoryRegistry struct {
	store   *MemoryStore
	session string

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

func (r *MemoryRegistry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// PersistEphemeral 写入临时节点
func (r *MemoryRegistry) PersistEphemeral(ctx context.Context, path, value string) error {
	if r.isClosed() {
		return ErrClosed
	}
	r.store.put(path, value, r.session)
	return nil
}

// Put 写入持久节点
func (r *MemoryRegistry) Put(ctx context.Context, path, value string) error {
	if r.isClosed() {
		return ErrClosed
	}
	r.store.put(path, value, "")
	return nil
}

// Get 读取节点
func (r *MemoryRegistry) Get(ctx context.Context, path string) (string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.data[path]
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Remove 删除节点
func (r *MemoryRegistry) Remove(ctx context.Context, path string) error {
	if r.isClosed() {
		return ErrClosed
	}
	r.store.remove(path)
	return nil
}

// Exists 节点是否存在
func (r *MemoryRegistry) Exists(ctx context.Context, path string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, ok := r.store.data[path]
	return ok, nil
}

// Children 列出直接子节点
func (r *MemoryRegistry) Children(ctx context.Context, prefix string) (map[string]string, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	out := make(map[string]string)
	for p, e := range r.store.data {
		if name, ok := ChildName(prefix, p); ok {
			out[name] = e.value
		}
	}
	return out, nil
}

// Subscribe 订阅prefix下的变更
func (r *MemoryRegistry) Subscribe(prefix string, listener Listener) (func(), error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	sub := newSubscription(prefix, listener)
	r.store.mu.Lock()
	r.store.subs[sub] = struct{}{}
	r.store.mu.Unlock()

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.store.mu.Lock()
			delete(r.store.subs, sub)
			r.store.mu.Unlock()
			sub.stop()
		})
	}, nil
}

// Lock 获取分布式锁
func (r *MemoryRegistry) Lock(ctx context.Context, path string) (func() error, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	r.store.mu.Lock()
	l, ok := r.store.locks[path]
	if !ok {
		l = &memoryLock{ch: make(chan struct{}, 1)}
		r.store.locks[path] = l
	}
	r.store.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.store.mu.Lock()
	l.owner = r.session
	r.store.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			r.store.mu.Lock()
			defer r.store.mu.Unlock()
			if l.owner == r.session {
				l.owner = ""
				<-l.ch
			}
		})
		return nil
	}, nil
}

// Close 结束会话
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	r.store.mu.Lock()
	for _, sub := range subs {
		delete(r.store.subs, sub)
	}
	r.store.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	r.store.expireSession(r.session)
	return nil
}

// Session 会话ID
func (r *MemoryRegistry) Session() string {
	return r.session
}

var _ Registry = (*MemoryRegistry)(nil)

