package ipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
)

// Endpoint 进程的收件箱. 除 Send 外, 其余方法只允许由所属进程的单个 goroutine 调用
type Endpoint struct {
	bus       *Bus
	handle    process.Handle
	ch        chan message.Envelope
	done      chan struct{}
	closeOnce sync.Once
	// Call 等待应答期间收到的其他消息
	backlog []message.Envelope
}

func (e *Endpoint) Handle() process.Handle {
	return e.handle
}

// C 直接读取收件箱. 使用 Call 的进程应改用 Receive, 否则会漏掉 backlog 中的消息
func (e *Endpoint) C() <-chan message.Envelope {
	return e.ch
}

func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *Endpoint) Send(ctx context.Context, to process.Handle, env message.Envelope) error {
	return e.bus.Send(ctx, to, env)
}

// Post 发送一条新消息, 返回其 correlation
func (e *Endpoint) Post(ctx context.Context, to process.Handle, msg message.Message) (uuid.UUID, error) {
	env := message.NewEnvelope(e.handle, msg)
	return env.Correlation, e.bus.Send(ctx, to, env)
}

func (e *Endpoint) Reply(ctx context.Context, req message.Envelope, msg message.Message) error {
	return e.bus.Send(ctx, req.From, req.Reply(e.handle, msg))
}

func (e *Endpoint) Receive(ctx context.Context) (message.Envelope, error) {
	if len(e.backlog) > 0 {
		env := e.backlog[0]
		e.backlog = e.backlog[1:]
		return env, nil
	}
	select {
	case env := <-e.ch:
		return env, nil
	case <-e.done:
		return message.Envelope{}, ErrClosed
	case <-ctx.Done():
		return message.Envelope{}, ctx.Err()
	}
}

// Call 发送请求并阻塞等待相同 correlation 的应答
func (e *Endpoint) Call(ctx context.Context, to process.Handle, msg message.Message) (message.Message, error) {
	correlation, err := e.Post(ctx, to, msg)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case env := <-e.ch:
			if env.Correlation == correlation {
				return env.Message, nil
			}
			e.backlog = append(e.backlog, env)
		case <-e.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, fmt.Errorf("call %s on %s: %w", msg.Type(), to, ctx.Err())
		}
	}
}

// Close 注销收件箱并通知监视者
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.bus.close(e.handle)
	})
}
