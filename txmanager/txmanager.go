// Package txmanager 事务管理器: 协调各资源管理器代理完成两阶段提交, 并把决议批量写入决议日志.
//
// 事务表与代理池只由单个处理循环持有和修改. 处理循环从不阻塞等待某个资源的应答,
// 每个未完成的子请求都带有截止时间, 事务的状态随应答到达逐步推进.
package txmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/ipc"
	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const (
	sendTimeout = 50 * time.Millisecond
	// 已回滚全局事务的缓存条数上限
	abortedCacheSize = 1 << 16
)

type TXManager struct {
	ctx      context.Context
	stop     context.CancelFunc
	opts     *Options
	bus      *ipc.Bus
	endpoint *ipc.Endpoint
	ledger   *ledger.Ledger
	registry *registry
	metrics  *txMetrics
	// 以全局 id 为键的事务表
	records map[uuid.UUID]*record
	// 已回滚的全局事务及其原因, 拒绝之后针对它们的提交与分支登记
	aborted *ristretto.Cache[string, xa.Code]
	// 恢复扫描取出的未完成决议
	recoverCh chan []*ledger.Decision
	drainCh   chan struct{}
	draining  bool
	done      chan struct{}
}

func NewTXManager(bus *ipc.Bus, store ledger.Store, opts ...Option) (*TXManager, error) {
	if bus == nil || store == nil {
		return nil, errors.New("txmanager: nil bus or store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	txManager := TXManager{
		ctx:       ctx,
		stop:      cancel,
		opts:      &Options{},
		bus:       bus,
		metrics:   newTXMetrics(),
		records:   make(map[uuid.UUID]*record),
		recoverCh: make(chan []*ledger.Decision),
		drainCh:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(txManager.opts)
	}
	repair(txManager.opts)

	aborted, err := ristretto.NewCache(&ristretto.Config[string, xa.Code]{
		NumCounters:        abortedCacheSize * 10,
		MaxCost:            abortedCacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("txmanager: aborted cache: %w", err)
	}
	txManager.aborted = aborted

	l, err := ledger.New(store, bus,
		ledger.WithBatchSize(txManager.opts.BatchSize),
		ledger.WithRetainDuration(txManager.opts.RetainDuration),
	)
	if err != nil {
		cancel()
		aborted.Close()
		return nil, err
	}
	txManager.ledger = l
	txManager.registry = newRegistry(txManager.opts.Resources...)

	ep, err := bus.Open(process.New(txManager.opts.Name), 0)
	if err != nil {
		cancel()
		aborted.Close()
		return nil, err
	}
	txManager.endpoint = ep

	go txManager.loop()
	go txManager.run()
	return &txManager, nil
}

// Handle 应用进程与代理向该地址发送请求
func (t *TXManager) Handle() process.Handle {
	return t.endpoint.Handle()
}

// Stop 立即停止, 未完成的事务由重启后的恢复扫描和存疑分支处理
func (t *TXManager) Stop() {
	t.stop()
	<-t.done
}

// Drain 不再接受新事务, 等待进入两阶段的事务全部完成并落盘后退出
func (t *TXManager) Drain(ctx context.Context) error {
	select {
	case t.drainCh <- struct{}{}:
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done 处理循环退出后关闭
func (t *TXManager) Done() <-chan struct{} {
	return t.done
}

func (t *TXManager) loop() {
	defer close(t.done)
	defer t.aborted.Close()
	defer t.endpoint.Close()

	flushTicker := time.NewTicker(t.opts.FlushInterval)
	defer flushTicker.Stop()
	redeliverTicker := time.NewTicker(t.opts.MonitorTick)
	defer redeliverTicker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), t.opts.Timeout)
			t.flush(ctx)
			cancel()
			return
		case env := <-t.endpoint.C():
			t.handle(env)
			// 批次已满, 或者收件箱暂时空闲时落盘
			if t.ledger.Full() || (len(t.endpoint.C()) == 0 && t.ledger.Dirty()) {
				t.flush(t.ctx)
			}
		case decisions := <-t.recoverCh:
			t.redrive(decisions)
		case <-t.drainCh:
			log.Infof("transaction manager %s draining, in flight: %d", t.Handle(), len(t.records))
			t.draining = true
		case now := <-flushTicker.C:
			t.sweep(now)
			t.remind(now)
			if t.ledger.Dirty() {
				t.flush(t.ctx)
			}
		case <-redeliverTicker.C:
			if t.ledger.Queued() > 0 {
				delivered, dropped := t.ledger.Redeliver(t.ctx)
				log.Infof("redeliver replies, delivered: %d, dropped: %d, queued: %d", delivered, dropped, t.ledger.Queued())
			}
		}

		if t.draining && t.quiescent() {
			t.flush(t.ctx)
			log.Infof("transaction manager %s drained", t.Handle())
			return
		}
	}
}

// quiescent 没有处于两阶段中的事务, 决议日志也已落盘
func (t *TXManager) quiescent() bool {
	for _, rec := range t.records {
		if rec.stage != StageActive {
			return false
		}
	}
	return !t.ledger.Dirty()
}

func (t *TXManager) flush(ctx context.Context) {
	size, err := t.ledger.Flush(ctx)
	t.metrics.recordFlush(ctx, size, err)
	if err != nil {
		log.Errorf("flush decision log failed, outstanding: %d, err: %v", t.ledger.Outstanding(), err)
	}
}

func (t *TXManager) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if tick > t.opts.MonitorTick<<3 {
		return t.opts.MonitorTick << 3
	}
	return tick
}

// run 恢复扫描: 取出未完成的决议交给处理循环重发第二阶段请求. 启动时立即执行一次
func (t *TXManager) run() {
	var tick time.Duration
	var err error
	for {
		// 如果出现了失败，tick 需要避让
		if err == nil {
			tick = t.opts.MonitorTick
		} else {
			tick = t.backOffTick(tick)
		}

		if err = t.scan(); err != nil {
			log.Warnf("scan unfinished decisions failed, err: %v", err)
		}

		select {
		case <-t.ctx.Done():
			return
		case <-t.done:
			return
		case <-time.After(tick):
		}
	}
}

func (t *TXManager) scan() error {
	store := t.ledger.Store()
	// 加锁，避免多个事务管理器副本重复执行
	if err := store.Lock(t.ctx, t.opts.MonitorTick); err != nil {
		return err
	}
	defer func() {
		_ = store.Unlock(t.ctx)
	}()

	decisions, err := store.Unfinished(t.ctx)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		return nil
	}

	select {
	case t.recoverCh <- decisions:
		return nil
	case <-t.done:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

func (t *TXManager) handle(env message.Envelope) {
	switch msg := env.Message.(type) {
	case message.BeginRequest:
		t.onBegin(env, msg)
	case message.CommitRequest:
		t.onCommit(env, msg)
	case message.RollbackRequest:
		t.onRollback(env, msg)
	case message.Involved:
		t.onInvolved(env, msg)
	case message.LookupRequest:
		rec, ok := t.records[msg.Trid.Global]
		t.reply(env, message.LookupReply{Trid: msg.Trid, Known: ok && rec.stage == StageActive})
	case message.StateRequest:
		t.reply(env, message.StateReply{State: t.state()})
	case message.ConnectRequest:
		t.onConnect(env, msg)
	case message.ResourcePrepareReply:
		t.onPrepared(env.From, msg)
	case message.ResourceCommitReply:
		t.onFinished(env.From, msg.Trid, msg.Resource, msg.Result)
	case message.ResourceRollbackReply:
		t.onFinished(env.From, msg.Trid, msg.Resource, msg.Result)
	case message.ProcessExit:
		t.onExit(msg.Process)
	default:
		log.Warnf("ignore %s from %s", env.Message.Type(), env.From)
	}
}

// reply 发起方不可达时应答进入账本等待重发
func (t *TXManager) reply(req message.Envelope, msg message.Message) {
	t.ledger.Deliver(t.ctx, req.From, req.Reply(t.Handle(), msg))
}

// send 目标收件箱已满时不阻塞处理循环
func (t *TXManager) send(to process.Handle, env message.Envelope) error {
	ctx, cancel := context.WithTimeout(t.ctx, sendTimeout)
	defer cancel()
	return t.endpoint.Send(ctx, to, env)
}

// post 发送不需要跟踪应答的请求
func (t *TXManager) post(to process.Handle, msg message.Message) error {
	return t.send(to, message.NewEnvelope(t.Handle(), msg))
}

func (t *TXManager) state() message.State {
	state := message.State{
		Transactions: make([]message.TransactionState, 0, len(t.records)),
		Proxies:      t.registry.state(),
		Outstanding:  t.ledger.Outstanding(),
		Queued:       t.ledger.Queued(),
	}
	for _, rec := range t.records {
		state.Transactions = append(state.Transactions, rec.state())
	}
	return state
}

func (t *TXManager) onConnect(env message.Envelope, msg message.ConnectRequest) {
	inst, err := t.registry.connect(msg)
	if err != nil {
		log.Warnf("reject proxy %s, err: %v", msg.Process, err)
		t.reply(env, message.ConnectReply{Accepted: false, Result: xa.InvalidArgument})
		return
	}
	t.bus.Watch(t.Handle(), msg.Process)
	t.reply(env, message.ConnectReply{Accepted: true, Result: xa.OK})
	log.Infof("proxy %s connected, resource: %d, instance: %s, in doubt: %d", msg.Process, msg.Resource, msg.Instance, len(msg.InDoubt))
	t.resolve(inst, msg.InDoubt)
}

func (t *TXManager) onExit(h process.Handle) {
	if discarded := t.ledger.Discard(h); discarded > 0 {
		log.Warnf("process %s exited, discard %d queued replies", h, discarded)
	}

	// 代理实例退出: 其上未完成的子请求按失败处理
	if inst := t.registry.markUnhealthy(h); inst != nil {
		log.Warnf("proxy %s of resource %d exited", h, inst.resource)
		for _, rec := range t.records {
			for _, b := range rec.branches {
				if b.outstanding() && b.instance == h {
					t.settle(rec, b, xa.RMError)
				}
			}
			t.advance(rec)
		}
		return
	}

	// 发起方退出: 回滚其仍处于 active 状态的事务
	for _, rec := range t.records {
		if rec.owner() == h && rec.stage == StageActive {
			log.Warnf("owner %s of transaction %s exited, rollback", h, rec.trid)
			t.rollback(rec, xa.RollbackUnspecified)
		}
	}
}

// remind 仍然存活的不健康实例每隔一个子请求时限收到一次重新注册的要求
func (t *TXManager) remind(now time.Time) {
	for _, inst := range t.registry.unhealthy() {
		if now.Sub(inst.reminded) < t.opts.Timeout || !t.bus.Reachable(inst.process) {
			continue
		}
		inst.reminded = now
		if err := t.post(inst.process, message.ReconnectRequest{}); err != nil {
			log.Debugf("ask proxy %s to reconnect failed, err: %v", inst.process, err)
		}
	}
}

// sweep 处理到期的子请求以及长时间没有动静的 active 事务
func (t *TXManager) sweep(now time.Time) {
	for _, rec := range t.records {
		var expired bool
		for _, b := range rec.branches {
			if !b.outstanding() || now.Before(b.deadline) {
				continue
			}
			expired = true
			log.Warnf("transaction %s resource %d %s timeout on %s", rec.trid, b.resource, b.stage, b.instance)
			t.metrics.recordTimeout(t.ctx, b.stage)
			t.registry.markUnhealthy(b.instance)
			t.settle(rec, b, xa.RMError)
		}
		if expired {
			t.advance(rec)
			continue
		}

		if rec.stage == StageActive && now.Sub(rec.touched) > t.opts.TransactionTimeout {
			log.Warnf("transaction %s idle since %s, rollback", rec.trid, rec.touched.Format(time.RFC3339))
			t.rollback(rec, xa.RollbackTimeout)
		}
	}
}
