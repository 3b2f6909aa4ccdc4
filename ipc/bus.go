// Package ipc 进程内消息总线. 每个参与者持有一个 Endpoint 作为收件箱,
// 参与者之间只通过消息交互, 不共享任何可变状态.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
)

var (
	ErrUnreachable = errors.New("ipc: destination unreachable")
	ErrClosed      = errors.New("ipc: endpoint closed")
)

const (
	defaultInboxSize  = 1024
	exitNotifyTimeout = 30 * time.Second
)

// Sender 投递消息的最小接口, 事务管理器与账本依赖它而不是具体的 Bus
type Sender interface {
	Send(ctx context.Context, to process.Handle, env message.Envelope) error
}

type Bus struct {
	mux      sync.RWMutex
	inboxes  map[int64]*Endpoint
	watchers map[int64]map[int64]process.Handle
}

func NewBus() *Bus {
	return &Bus{
		inboxes:  make(map[int64]*Endpoint),
		watchers: make(map[int64]map[int64]process.Handle),
	}
}

// Open 为进程注册收件箱
func (b *Bus) Open(h process.Handle, size int) (*Endpoint, error) {
	if h.IsZero() {
		return nil, errors.New("ipc: zero process handle")
	}
	if size <= 0 {
		size = defaultInboxSize
	}

	b.mux.Lock()
	defer b.mux.Unlock()
	if _, ok := b.inboxes[h.PID]; ok {
		return nil, fmt.Errorf("ipc: process %s already registered", h)
	}
	ep := &Endpoint{
		bus:    b,
		handle: h,
		ch:     make(chan message.Envelope, size),
		done:   make(chan struct{}),
	}
	b.inboxes[h.PID] = ep
	return ep, nil
}

// Send 投递到目标进程的收件箱, 目标不存在或已退出时返回 ErrUnreachable
func (b *Bus) Send(ctx context.Context, to process.Handle, env message.Envelope) error {
	b.mux.RLock()
	ep, ok := b.inboxes[to.PID]
	b.mux.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}

	select {
	case <-ep.done:
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	default:
	}

	select {
	case ep.ch <- env:
		return nil
	case <-ep.done:
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Reachable(h process.Handle) bool {
	b.mux.RLock()
	defer b.mux.RUnlock()
	_, ok := b.inboxes[h.PID]
	return ok
}

// Watch target 退出时向 watcher 投递 message.ProcessExit. target 已不存在时立即投递
func (b *Bus) Watch(watcher, target process.Handle) {
	b.mux.Lock()
	if _, ok := b.inboxes[target.PID]; !ok {
		b.mux.Unlock()
		go b.notifyExit(watcher, target)
		return
	}
	if b.watchers[target.PID] == nil {
		b.watchers[target.PID] = make(map[int64]process.Handle)
	}
	b.watchers[target.PID][watcher.PID] = watcher
	b.mux.Unlock()
}

func (b *Bus) close(h process.Handle) {
	b.mux.Lock()
	delete(b.inboxes, h.PID)
	watchers := b.watchers[h.PID]
	delete(b.watchers, h.PID)
	b.mux.Unlock()

	for _, watcher := range watchers {
		go b.notifyExit(watcher, h)
	}
}

func (b *Bus) notifyExit(watcher, target process.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), exitNotifyTimeout)
	defer cancel()
	env := message.NewEnvelope(target, message.ProcessExit{Process: target})
	if err := b.Send(ctx, watcher, env); err != nil && !errors.Is(err, ErrUnreachable) {
		log.Warnf("notify exit of %s to %s failed, err: %v", target, watcher, err)
	}
}
