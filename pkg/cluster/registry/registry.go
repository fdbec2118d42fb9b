// Package registry 注册中心客户端：临时节点、订阅变更、分布式锁
package registry

import (
	"context"
	"errors"
	"strings"
)

// 注册中心路径
const (
	PathMasters      = "/nodes/master"
	PathWorkers      = "/nodes/worker"
	PathFailoverLock = "/lock/failover"
)

var (
	// ErrNotFound 节点不存在
	ErrNotFound = errors.New("registry: key not found")
	// ErrClosed 客户端已关闭
	ErrClosed = errors.New("registry: closed")
)

// EventType 变更类型
type EventType string

const (
	EventAdd    EventType = "ADD"
	EventRemove EventType = "REMOVE"
	EventUpdate EventType = "UPDATE"
)

// Event 节点变更事件
type Event struct {
	Type  EventType
	Path  string
	Value string
}

// Listener 变更监听器，同一订阅内按顺序回调
type Listener func(Event)

// Registry 注册中心客户端接口（对外导出）
type Registry interface {
	// PersistEphemeral 写入临时节点，会话结束后自动删除
	PersistEphemeral(ctx context.Context, path, value string) error
	// Put 写入持久节点
	Put(ctx context.Context, path, value string) error
	Get(ctx context.Context, path string) (string, error)
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	// Children 返回prefix下的直接子节点：子节点名 -> 值
	Children(ctx context.Context, prefix string) (map[string]string, error)
	// Subscribe 订阅prefix下的变更，返回取消函数
	Subscribe(prefix string, listener Listener) (func(), error)
	// Lock 获取分布式锁，阻塞直到成功或ctx结束
	Lock(ctx context.Context, path string) (unlock func() error, err error)
	// Close 结束会话，删除本会话的临时节点
	Close() error
}

// JoinPath 拼接注册中心路径
func JoinPath(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// ChildName 返回path相对prefix的直接子节点名，不是直接子节点时返回false
func ChildName(prefix, path string) (string, bool) {
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(path, prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// MasterPath master节点路径
func MasterPath(address string) string {
	return JoinPath(PathMasters, address)
}

// WorkerPath executor节点路径
func WorkerPath(address string) string {
	return JoinPath(PathWorkers, address)
}

// subscription 单个订阅，事件通过缓冲通道按序投递
type subscription struct {
	prefix   string
	listener Listener
	events   chan Event
	done     chan struct{}
}

func newSubscription(prefix string, listener Listener) *subscription {
	s := &subscription{
		prefix:   strings.TrimSuffix(prefix, "/"),
		listener: listener,
		events:   make(chan Event, 1024),
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) matches(path string) bool {
	return path == s.prefix || strings.HasPrefix(path, s.prefix+"/")
}

func (s *subscription) deliver(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.listener(ev)
		}
	}
}

func (s *subscription) stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}
