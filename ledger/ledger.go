// Package ledger 事务管理器的请求账本: 决议日志的批量落盘, 落盘前扣留的第二阶段消息,
// 以及目标暂时不可达时缓存待重发的消息.
//
// Ledger 只允许由事务管理器的处理循环调用.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/xiaoxuxiansheng/goxa/ipc"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
)

type Options struct {
	// 批量落盘的条目数上限
	BatchSize int
	// 单次投递的时长限制, 目标收件箱已满时不阻塞处理循环
	SendTimeout time.Duration
	// 缓存消息的保留时长
	RetainDuration time.Duration
}

type Option func(*Options)

func WithBatchSize(size int) Option {
	if size <= 0 {
		size = 100
	}

	return func(o *Options) {
		o.BatchSize = size
	}
}

func WithSendTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}

	return func(o *Options) {
		o.SendTimeout = timeout
	}
}

func WithRetainDuration(duration time.Duration) Option {
	if duration <= 0 {
		duration = 10 * time.Minute
	}

	return func(o *Options) {
		o.RetainDuration = duration
	}
}

func repair(o *Options) {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}

	if o.SendTimeout <= 0 {
		o.SendTimeout = 50 * time.Millisecond
	}

	if o.RetainDuration <= 0 {
		o.RetainDuration = 10 * time.Minute
	}
}

type outbound struct {
	to       process.Handle
	env      message.Envelope
	queuedAt time.Time
}

type Ledger struct {
	opts   *Options
	store  Store
	sender ipc.Sender
	batch  Batch
	// 等待当前批次落盘的消息
	gated []outbound
	// 投递失败待重发的消息
	pending []outbound
}

func New(store Store, sender ipc.Sender, opts ...Option) (*Ledger, error) {
	if store == nil || sender == nil {
		return nil, errors.New("ledger: nil store or sender")
	}
	l := Ledger{
		opts:   &Options{},
		store:  store,
		sender: sender,
	}
	for _, opt := range opts {
		opt(l.opts)
	}
	repair(l.opts)
	return &l, nil
}

func (l *Ledger) Store() Store {
	return l.store
}

// Record 追加一条决议, 调用方之后不再修改 d
func (l *Ledger) Record(d *Decision) {
	l.batch.Decisions = append(l.batch.Decisions, clone(d))
}

func (l *Ledger) Ack(ack Ack) {
	l.batch.Acks = append(l.batch.Acks, ack)
}

// Gate 消息在下一次落盘成功后才发出
func (l *Ledger) Gate(to process.Handle, env message.Envelope) {
	l.gated = append(l.gated, outbound{to: to, env: env})
}

// Full 当前批次达到上限, 需要立即落盘
func (l *Ledger) Full() bool {
	return l.batch.Size() >= l.opts.BatchSize
}

// Dirty 存在未落盘的条目或被扣留的消息
func (l *Ledger) Dirty() bool {
	return l.batch.Size() > 0 || len(l.gated) > 0
}

// Flush 落盘当前批次, 成功后放行扣留的消息. 失败时批次和消息都保留, 下次重试
func (l *Ledger) Flush(ctx context.Context) (int, error) {
	size := l.batch.Size()
	if size > 0 {
		if err := l.store.Persist(ctx, l.batch); err != nil {
			return 0, err
		}
		l.batch = Batch{}
	}

	gated := l.gated
	l.gated = nil
	for _, out := range gated {
		l.Deliver(ctx, out.to, out.env)
	}
	return size, nil
}

// Deliver 投递失败时缓存消息等待 Redeliver, 返回是否已送达
func (l *Ledger) Deliver(ctx context.Context, to process.Handle, env message.Envelope) bool {
	if err := l.send(ctx, to, env); err != nil {
		log.WarnContextf(ctx, "deliver %s to %s failed, queued for redelivery, err: %v", env.Message.Type(), to, err)
		l.pending = append(l.pending, outbound{to: to, env: env, queuedAt: time.Now()})
		return false
	}
	return true
}

// Redeliver 重试缓存的消息, 超过保留时长的消息被丢弃
func (l *Ledger) Redeliver(ctx context.Context) (delivered, dropped int) {
	pending := l.pending
	l.pending = nil
	now := time.Now()
	for _, out := range pending {
		if now.Sub(out.queuedAt) > l.opts.RetainDuration {
			log.WarnContextf(ctx, "drop %s to %s queued at %s", out.env.Message.Type(), out.to, out.queuedAt.Format(time.RFC3339))
			dropped++
			continue
		}
		if err := l.send(ctx, out.to, out.env); err != nil {
			l.pending = append(l.pending, out)
			continue
		}
		delivered++
	}
	return delivered, dropped
}

// Discard 目标进程已退出, 丢弃发往它的缓存消息
func (l *Ledger) Discard(to process.Handle) int {
	kept := l.pending[:0]
	var discarded int
	for _, out := range l.pending {
		if out.to == to {
			discarded++
			continue
		}
		kept = append(kept, out)
	}
	l.pending = kept
	return discarded
}

// Queued 待重发的消息数
func (l *Ledger) Queued() int {
	return len(l.pending)
}

// Outstanding 尚未落盘的条目数与扣留的消息数
func (l *Ledger) Outstanding() int {
	return l.batch.Size() + len(l.gated)
}

func (l *Ledger) send(ctx context.Context, to process.Handle, env message.Envelope) error {
	sctx, cancel := context.WithTimeout(ctx, l.opts.SendTimeout)
	defer cancel()
	return l.sender.Send(sctx, to, env)
}
