package txmanager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/goxa/ipc"
	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/resource"
	"github.com/xiaoxuxiansheng/goxa/resource/memrm"
	"github.com/xiaoxuxiansheng/goxa/rmproxy"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/tx"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	bus      *ipc.Bus
	store    *ledger.MemoryStore
	tm       *TXManager
	backends map[int]*memrm.Backend
	proxies  map[int]*rmproxy.Server
	// 模拟应用进程直接收发消息
	client *ipc.Endpoint
}

func newHarness(t *testing.T, store *ledger.MemoryStore, rids ...int) *harness {
	return newHarnessWith(t, store, nil, rids...)
}

// newHarnessWith opts 覆盖默认的测试配置
func newHarnessWith(t *testing.T, store *ledger.MemoryStore, opts []Option, rids ...int) *harness {
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	bus := ipc.NewBus()
	tm, err := NewTXManager(bus, store, append([]Option{
		WithTimeout(200 * time.Millisecond),
		WithFlushInterval(5 * time.Millisecond),
		WithMonitorTick(time.Hour),
	}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(tm.Stop)

	client, err := bus.Open(process.New("app"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	h := harness{
		bus:      bus,
		store:    store,
		tm:       tm,
		backends: make(map[int]*memrm.Backend),
		proxies:  make(map[int]*rmproxy.Server),
		client:   client,
	}
	for _, rid := range rids {
		h.backends[rid] = memrm.NewBackend(backendName(rid))
	}
	return &h
}

func backendName(rid int) string {
	return fmt.Sprintf("db%d", rid)
}

func (h *harness) resource(t *testing.T, rid int) *resource.Resource {
	r, err := resource.New(resource.Config{ID: rid}, memrm.New(h.backends[rid]))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// startProxy 启动代理并等待注册完成
func (h *harness) startProxy(t *testing.T, rid int) *rmproxy.Server {
	s, err := rmproxy.New(h.bus, h.tm.Handle(), h.resource(t, rid), "")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		_ = s.Run(context.Background())
	}()
	t.Cleanup(s.Stop)
	h.proxies[rid] = s

	assert.Eventually(t, func() bool {
		for _, proxy := range h.state(t).Proxies {
			for _, inst := range proxy.Instances {
				if inst.Process == s.Handle() && inst.Healthy {
					return true
				}
			}
		}
		return false
	}, waitFor, tick)
	return s
}

func (h *harness) call(t *testing.T, msg message.Message) message.Message {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	resp, err := h.client.Call(ctx, h.tm.Handle(), msg)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (h *harness) state(t *testing.T) message.State {
	return h.call(t, message.StateRequest{}).(message.StateReply).State
}

// healthy 代理实例当前是否可被选中
func (h *harness) healthy(t *testing.T, proc process.Handle) bool {
	for _, proxy := range h.state(t).Proxies {
		for _, inst := range proxy.Instances {
			if inst.Process == proc {
				return inst.Healthy
			}
		}
	}
	return false
}

// idle 在资源上建立 idle 分支
func (h *harness) idle(t *testing.T, rid int, id trid.ID) {
	ctx := context.Background()
	r := h.resource(t, rid)
	defer r.Release()
	assert.Equal(t, xa.OK, r.Start(ctx, id, xa.TMNoFlags))
	assert.Equal(t, xa.OK, r.End(ctx, id, xa.TMSuccess))
}

// prepared 在资源上建立已 prepare 的存疑分支
func (h *harness) prepared(t *testing.T, rid int, id trid.ID) {
	h.idle(t, rid, id)
	r := h.resource(t, rid)
	defer r.Release()
	assert.Equal(t, xa.OK, r.Prepare(context.Background(), id))
}

// app 持有全部资源的应用进程
func (h *harness) app(t *testing.T, opts ...tx.Option) *tx.Context {
	ep, err := h.bus.Open(process.New("app"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ep.Close)

	resources := make([]*resource.Resource, 0, len(h.backends))
	for rid := 1; rid <= len(h.backends); rid++ {
		resources = append(resources, h.resource(t, rid))
	}
	c, err := tx.NewContext(ep, h.tm.Handle(), resources, append([]tx.Option{tx.WithCallTimeout(waitFor)}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, c.Open(context.Background()))
	return c
}

func (h *harness) unfinished(t *testing.T) int {
	decisions, err := h.store.Unfinished(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return len(decisions)
}

func Test_NewTXManager(t *testing.T) {
	_, err := NewTXManager(nil, ledger.NewMemoryStore())
	assert.NotNil(t, err)

	bus := ipc.NewBus()
	tm, err := NewTXManager(bus, ledger.NewMemoryStore())
	assert.Nil(t, err)
	assert.Equal(t, "xatm", tm.Handle().Name)
	assert.Equal(t, 5*time.Second, tm.opts.Timeout)
	assert.Equal(t, 100, tm.opts.BatchSize)
	assert.True(t, bus.Reachable(tm.Handle()))

	tm.Stop()
	assert.False(t, bus.Reachable(tm.Handle()))
}

func Test_TXManager_two_phase_commit(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)
	h.startProxy(t, 2)

	ctx := context.Background()
	app := h.app(t)
	id, err := app.Begin(ctx)
	assert.Nil(t, err)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	assert.Nil(t, app.Commit(ctx))

	assert.Equal(t, memrm.BranchCommitted, h.backends[1].State(id))
	assert.Equal(t, memrm.BranchCommitted, h.backends[2].State(id))
	assert.Equal(t, 1, len(h.backends[1].Calls(memrm.OpPrepare)))
	assert.Equal(t, 1, len(h.backends[2].Calls(memrm.OpPrepare)))

	// 决议与两条确认都已落盘
	assert.Eventually(t, func() bool {
		return h.store.Persisted() == 3 && h.unfinished(t) == 0
	}, waitFor, tick)
	assert.Equal(t, 0, len(h.state(t).Transactions))
}

func Test_TXManager_vote_rollback(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)
	h.startProxy(t, 2)
	h.backends[2].SetVote(xa.RollbackOther)

	ctx := context.Background()
	app := h.app(t)
	id, _ := app.Begin(ctx)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	err := app.Commit(ctx)
	assert.Equal(t, xa.RollbackOther, xa.CodeOf(err))

	// 投了赞成票的资源收到回滚
	assert.Equal(t, memrm.BranchRolledBack, h.backends[1].State(id))
	assert.Equal(t, memrm.BranchRolledBack, h.backends[2].State(id))
	assert.Equal(t, 1, len(h.backends[1].Calls(memrm.OpRollback)))
	assert.Equal(t, 0, len(h.backends[1].Calls(memrm.OpCommit)))
}

func Test_TXManager_read_only(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)
	h.startProxy(t, 2)
	h.backends[2].SetVote(xa.ReadOnly)

	ctx := context.Background()
	app := h.app(t)
	id, _ := app.Begin(ctx)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	assert.Nil(t, app.Commit(ctx))

	assert.Equal(t, memrm.BranchCommitted, h.backends[1].State(id))
	// 只读分支不参与第二阶段
	assert.Equal(t, 0, len(h.backends[2].Calls(memrm.OpCommit)))
}

func Test_TXManager_proxy_unreachable(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)

	ctx := context.Background()
	app := h.app(t)
	id, _ := app.Begin(ctx)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	err := app.Commit(ctx)
	assert.Equal(t, xa.RMError, xa.CodeOf(err))
	assert.Equal(t, memrm.BranchRolledBack, h.backends[1].State(id))
	// 决议为回滚且有已 prepare 的分支, 仍然写入决议日志
	assert.Eventually(t, func() bool {
		return h.store.Persisted() == 2 && h.unfinished(t) == 0
	}, waitFor, tick)
}

func Test_TXManager_prepare_timeout(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)
	slow := h.startProxy(t, 2)
	h.backends[2].SetDelay(memrm.OpPrepare, 400*time.Millisecond)

	ctx := context.Background()
	app := h.app(t)
	id, _ := app.Begin(ctx)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	err := app.Commit(ctx)
	assert.Equal(t, xa.RMError, xa.CodeOf(err))
	assert.Equal(t, memrm.BranchRolledBack, h.backends[1].State(id))

	// 超时的代理被标记为不健康, 迟到的 prepare 之后收到回滚
	assert.False(t, h.healthy(t, slow.Handle()))
	assert.Eventually(t, func() bool {
		return h.backends[2].State(id) == memrm.BranchRolledBack
	}, waitFor, tick)
}

func Test_TXManager_reconnect(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)
	slow := h.startProxy(t, 2)
	h.backends[2].SetDelay(memrm.OpPrepare, 400*time.Millisecond)

	ctx := context.Background()
	app := h.app(t)
	_, _ = app.Begin(ctx)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	assert.Equal(t, xa.RMError, xa.CodeOf(app.Commit(ctx)))
	assert.False(t, h.healthy(t, slow.Handle()))

	// 代理仍然存活, 被要求重新注册后恢复可用
	h.backends[2].SetDelay(memrm.OpPrepare, 0)
	assert.Eventually(t, func() bool {
		return h.healthy(t, slow.Handle())
	}, waitFor, tick)

	id, _ := app.Begin(ctx)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	assert.Nil(t, app.Commit(ctx))
	assert.Equal(t, memrm.BranchCommitted, h.backends[1].State(id))
	assert.Equal(t, memrm.BranchCommitted, h.backends[2].State(id))
}

func Test_TXManager_proxy_exit(t *testing.T) {
	// 子请求时限足够长, 只有代理退出才能让事务结束
	h := newHarnessWith(t, nil, []Option{WithTimeout(time.Minute)}, 1, 2)
	h.startProxy(t, 1)
	dying := h.startProxy(t, 2)
	h.backends[2].SetDelay(memrm.OpPrepare, time.Second)

	ctx := context.Background()
	app := h.app(t)
	id, _ := app.Begin(ctx)
	assert.Nil(t, app.Enlist(ctx, "db1"))
	assert.Nil(t, app.Enlist(ctx, "db2"))
	done := make(chan error, 1)
	go func() {
		done <- app.Commit(ctx)
	}()

	// db1 已投票, db2 的 prepare 仍未应答
	assert.Eventually(t, func() bool {
		for _, rec := range h.state(t).Transactions {
			for _, r := range rec.Resources {
				if r.ID == 2 && r.Stage == BranchPreparing.String() {
					return len(h.backends[1].Calls(memrm.OpPrepare)) == 1
				}
			}
		}
		return false
	}, waitFor, tick)
	dying.Stop()

	select {
	case err := <-done:
		assert.Equal(t, xa.RMError, xa.CodeOf(err))
	case <-time.After(waitFor):
		t.Fatal("commit not finished after proxy exit")
	}
	assert.Equal(t, memrm.BranchRolledBack, h.backends[1].State(id))
	assert.False(t, h.healthy(t, dying.Handle()))
	assert.Equal(t, 0, len(h.state(t).Transactions))
}

func Test_TXManager_one_phase(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.startProxy(t, 1)

	id := trid.New(h.client.Handle())
	h.idle(t, 1, id)
	resp := h.call(t, message.CommitRequest{Trid: id, Resources: []int{1}})
	assert.Equal(t, xa.OK, resp.(message.CommitReply).Result)
	assert.Equal(t, memrm.BranchCommitted, h.backends[1].State(id))
	assert.Equal(t, 0, len(h.backends[1].Calls(memrm.OpPrepare)))
	assert.Equal(t, 0, h.store.Persisted())

	// 没有可用代理时请求无法送达
	h.proxies[1].Stop()
	assert.Eventually(t, func() bool {
		return len(h.state(t).Proxies[0].Instances) == 1 && !h.state(t).Proxies[0].Instances[0].Healthy
	}, waitFor, tick)
	id = trid.New(h.client.Handle())
	resp = h.call(t, message.CommitRequest{Trid: id, Resources: []int{1}})
	assert.Equal(t, xa.RollbackCommunication, resp.(message.CommitReply).Result)
}

func Test_TXManager_participant(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)
	h.startProxy(t, 2)

	ctx := context.Background()
	owner := h.app(t)
	participant := h.app(t)

	id, _ := owner.Begin(ctx)
	assert.Nil(t, owner.Enlist(ctx, "db1"))

	// 参与方以新分支加入并向事务管理器登记
	branch, err := participant.JoinOrStart(ctx, id)
	assert.Nil(t, err)
	assert.Nil(t, participant.Enlist(ctx, "db2"))
	assert.Nil(t, participant.Leave(ctx, false))

	// 发起方的远程调用已返回, 事务涉及外部资源
	correlation := uuid.New()
	assert.Nil(t, owner.Associate(correlation))
	assert.Nil(t, owner.Replied(correlation))
	assert.Nil(t, owner.Commit(ctx))
	assert.Equal(t, memrm.BranchCommitted, h.backends[1].State(id))
	assert.Equal(t, memrm.BranchCommitted, h.backends[2].State(branch))
}

func Test_TXManager_commit_after_timeout(t *testing.T) {
	h := newHarnessWith(t, nil, []Option{WithTransactionTimeout(100 * time.Millisecond)}, 1, 2)
	h.startProxy(t, 1)
	h.startProxy(t, 2)

	ctx := context.Background()
	owner := h.app(t)
	participant := h.app(t)

	id, _ := owner.Begin(ctx)
	branch, err := participant.JoinOrStart(ctx, id)
	assert.Nil(t, err)
	assert.Nil(t, participant.Enlist(ctx, "db2"))
	assert.Nil(t, participant.Leave(ctx, false))

	// 长时间没有动静, 事务管理器回滚已登记的分支
	assert.Eventually(t, func() bool {
		return h.backends[2].State(branch) == memrm.BranchRolledBack && len(h.state(t).Transactions) == 0
	}, waitFor, tick)

	// 发起方随后提交, 本地分支同样被回滚
	assert.Nil(t, owner.Enlist(ctx, "db1"))
	correlation := uuid.New()
	assert.Nil(t, owner.Associate(correlation))
	assert.Nil(t, owner.Replied(correlation))
	assert.Equal(t, xa.RollbackTimeout, xa.CodeOf(owner.Commit(ctx)))
	assert.Equal(t, memrm.BranchRolledBack, h.backends[1].State(id))
	assert.Equal(t, 0, len(h.backends[1].Calls(memrm.OpCommit)))

	// 之后的分支登记也被拒绝
	late := h.app(t)
	_, err = late.JoinOrStart(ctx, id)
	assert.Nil(t, err)
	assert.Equal(t, xa.RollbackTimeout, xa.CodeOf(late.Enlist(ctx, "db1")))
}

func Test_TXManager_coordinator_begin(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.startProxy(t, 1)

	ctx := context.Background()
	app := h.app(t, tx.WithCoordinatorBegin())

	tests := []struct {
		name   string
		finish func() error
		expect memrm.BranchState
	}{
		{
			name:   "commit",
			finish: func() error { return app.Commit(ctx) },
			expect: memrm.BranchCommitted,
		},
		{
			name:   "rollback",
			finish: func() error { return app.Rollback(ctx) },
			expect: memrm.BranchRolledBack,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := app.Begin(ctx)
			assert.Nil(t, err)
			assert.Nil(t, app.Enlist(ctx, "db1"))
			assert.Nil(t, tt.finish())
			assert.Equal(t, tt.expect, h.backends[1].State(id))

			// 事务管理器上的记录随之结束, 无法再被 resume
			assert.Equal(t, 0, len(h.state(t).Transactions))
			lookup := h.call(t, message.LookupRequest{Trid: id}).(message.LookupReply)
			assert.False(t, lookup.Known)
		})
	}
	assert.Equal(t, 0, len(h.backends[1].Calls(memrm.OpPrepare)))
}

func Test_TXManager_protocol(t *testing.T) {
	h := newHarness(t, nil, 1, 2)
	h.startProxy(t, 1)
	h.startProxy(t, 2)

	begin := h.call(t, message.BeginRequest{}).(message.BeginReply)
	assert.Equal(t, xa.OK, begin.Result)
	assert.Equal(t, h.client.Handle(), begin.Trid.Owner)
	id := begin.Trid

	lookup := h.call(t, message.LookupRequest{Trid: id}).(message.LookupReply)
	assert.True(t, lookup.Known)
	lookup = h.call(t, message.LookupRequest{Trid: trid.New(h.client.Handle())}).(message.LookupReply)
	assert.False(t, lookup.Known)

	tests := []struct {
		name   string
		msg    message.Message
		expect xa.Code
	}{
		{
			name:   "null_trid",
			msg:    message.CommitRequest{Resources: []int{1}},
			expect: xa.InvalidArgument,
		},
		{
			name:   "not_owner",
			msg:    message.CommitRequest{Trid: trid.New(process.New("other")), Resources: []int{1}},
			expect: xa.ProtocolViolation,
		},
		{
			name:   "empty",
			msg:    message.RollbackRequest{Trid: trid.New(h.client.Handle())},
			expect: xa.OK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var code xa.Code
			switch reply := h.call(t, tt.msg).(type) {
			case message.CommitReply:
				code = reply.Result
			case message.RollbackReply:
				code = reply.Result
			}
			assert.Equal(t, tt.expect, code)
		})
	}

	// 决议阶段中的事务拒绝新的分支登记
	h.idle(t, 1, id)
	h.idle(t, 2, id)
	h.backends[1].SetDelay(memrm.OpPrepare, 100*time.Millisecond)
	ctx := context.Background()
	correlation, err := h.client.Post(ctx, h.tm.Handle(), message.CommitRequest{Trid: id, Resources: []int{1, 2}})
	assert.Nil(t, err)

	involved := h.call(t, message.Involved{Trid: trid.Branch(id), Resources: []int{2}}).(message.InvolvedReply)
	assert.Equal(t, xa.InvalidArgument, involved.Result)
	lookup = h.call(t, message.LookupRequest{Trid: id}).(message.LookupReply)
	assert.False(t, lookup.Known)

	rctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	env, err := h.client.Receive(rctx)
	assert.Nil(t, err)
	assert.Equal(t, correlation, env.Correlation)
	assert.Equal(t, xa.OK, env.Message.(message.CommitReply).Result)
	assert.Equal(t, memrm.BranchCommitted, h.backends[1].State(id))
}

func Test_TXManager_owner_exit(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.startProxy(t, 1)

	owner, _ := h.bus.Open(process.New("app"), 0)
	id := trid.New(owner.Handle())
	branch := trid.Branch(id)
	h.idle(t, 1, branch)

	// 参与方登记后发起方退出, 事务被回滚
	involved := h.call(t, message.Involved{Trid: branch, Resources: []int{1}}).(message.InvolvedReply)
	assert.Equal(t, xa.OK, involved.Result)
	assert.Equal(t, 1, len(h.state(t).Transactions))

	owner.Close()
	assert.Eventually(t, func() bool {
		return h.backends[1].State(branch) == memrm.BranchRolledBack && len(h.state(t).Transactions) == 0
	}, waitFor, tick)
}

func Test_TXManager_transaction_timeout(t *testing.T) {
	bus := ipc.NewBus()
	tm, err := NewTXManager(bus, ledger.NewMemoryStore(),
		WithFlushInterval(5*time.Millisecond),
		WithTransactionTimeout(20*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer tm.Stop()
	client, _ := bus.Open(process.New("app"), 0)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	resp, err := client.Call(ctx, tm.Handle(), message.BeginRequest{})
	assert.Nil(t, err)
	id := resp.(message.BeginReply).Trid

	assert.Eventually(t, func() bool {
		resp, err := client.Call(ctx, tm.Handle(), message.LookupRequest{Trid: id})
		return err == nil && !resp.(message.LookupReply).Known
	}, waitFor, tick)
}

func Test_TXManager_recovery(t *testing.T) {
	owner := process.New("app")
	committed := trid.New(owner)
	orphan := trid.New(owner)

	store := ledger.NewMemoryStore()
	assert.Nil(t, store.Persist(context.Background(), ledger.Batch{
		Decisions: []*ledger.Decision{{
			Trid:      committed,
			Decision:  xa.DecisionCommit,
			CreatedAt: time.Now(),
			Branches:  []*ledger.Branch{{Resource: 1, Trid: committed}},
		}},
	}))

	h := newHarness(t, store, 1)
	h.prepared(t, 1, committed)
	h.prepared(t, 1, orphan)

	// 代理注册时上报存疑分支: 有决议的重发决议, 没有决议的推定回滚
	h.startProxy(t, 1)
	assert.Eventually(t, func() bool {
		return h.backends[1].State(committed) == memrm.BranchCommitted &&
			h.backends[1].State(orphan) == memrm.BranchRolledBack &&
			h.unfinished(t) == 0
	}, waitFor, tick)
}

func Test_TXManager_drain(t *testing.T) {
	h := newHarness(t, nil, 1)

	begin := h.call(t, message.BeginRequest{}).(message.BeginReply)
	assert.Equal(t, xa.OK, begin.Result)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	// 只有 active 的事务时立即退出
	assert.Nil(t, h.tm.Drain(ctx))
	select {
	case <-h.tm.Done():
	default:
		t.Fatal("transaction manager not stopped")
	}
	assert.False(t, h.bus.Reachable(h.tm.Handle()))
	assert.Nil(t, h.tm.Drain(ctx))
}
