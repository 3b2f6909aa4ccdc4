// Package memrm 内存中的资源管理器. Backend 模拟一个被多个进程共享的事务型存储,
// Driver 是各进程持有的驱动实例. 结果可以按操作脚本化, 便于构造失败场景.
package memrm

import (
	"context"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type BranchState string

const (
	BranchUnknown    BranchState = "unknown"
	BranchActive     BranchState = "active"
	BranchIdle       BranchState = "idle"
	BranchPrepared   BranchState = "prepared"
	BranchCommitted  BranchState = "committed"
	BranchRolledBack BranchState = "rolledback"
)

const (
	OpOpen     = "open"
	OpClose    = "close"
	OpStart    = "start"
	OpEnd      = "end"
	OpPrepare  = "prepare"
	OpCommit   = "commit"
	OpRollback = "rollback"
	OpRecover  = "recover"
)

// Call 记录一次驱动调用
type Call struct {
	Op    string
	Trid  trid.ID
	RMID  int
	Flags xa.Flag
	Code  xa.Code
}

type branch struct {
	id           trid.ID
	state        BranchState
	rollbackOnly bool
}

type Backend struct {
	mux      sync.Mutex
	name     string
	online   bool
	vote     xa.Code
	branches map[trid.Key]*branch
	// 已终结分支的结果, 重复的 commit/rollback 原样返回
	outcomes map[trid.Key]xa.Code
	failures map[string][]xa.Code
	delays   map[string]time.Duration
	calls    []Call
}

func NewBackend(name string) *Backend {
	return &Backend{
		name:     name,
		online:   true,
		vote:     xa.OK,
		branches: make(map[trid.Key]*branch),
		outcomes: make(map[trid.Key]xa.Code),
		failures: make(map[string][]xa.Code),
		delays:   make(map[string]time.Duration),
	}
}

func (b *Backend) Name() string {
	return b.name
}

// SetVote prepare 与一阶段提交时的投票结果
func (b *Backend) SetVote(code xa.Code) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.vote = code
}

// SetOnline 离线时所有调用返回 RMFail
func (b *Backend) SetOnline(online bool) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.online = online
}

// FailNext 后续对 op 的调用依次直接返回 codes, 不改变分支状态
func (b *Backend) FailNext(op string, codes ...xa.Code) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.failures[op] = append(b.failures[op], codes...)
}

// SetDelay 对 op 的调用在返回前等待 d
func (b *Backend) SetDelay(op string, d time.Duration) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.delays[op] = d
}

func (b *Backend) Calls(op string) []Call {
	b.mux.Lock()
	defer b.mux.Unlock()
	var calls []Call
	for _, call := range b.calls {
		if op == "" || call.Op == op {
			calls = append(calls, call)
		}
	}
	return calls
}

func (b *Backend) State(id trid.ID) BranchState {
	b.mux.Lock()
	defer b.mux.Unlock()
	if br, ok := b.branches[id.Key()]; ok {
		return br.state
	}
	return BranchUnknown
}

func (b *Backend) do(ctx context.Context, op string, id trid.ID, rmid int, flags xa.Flag, fn func() xa.Code) xa.Code {
	b.mux.Lock()
	delay := b.delays[op]
	b.mux.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return xa.RMError
		}
	}

	b.mux.Lock()
	defer b.mux.Unlock()
	var code xa.Code
	switch {
	case !b.online:
		code = xa.RMFail
	case len(b.failures[op]) > 0:
		code = b.failures[op][0]
		b.failures[op] = b.failures[op][1:]
	default:
		code = fn()
	}
	b.calls = append(b.calls, Call{Op: op, Trid: id, RMID: rmid, Flags: flags, Code: code})
	return code
}

func (b *Backend) start(id trid.ID, flags xa.Flag) xa.Code {
	key := id.Key()
	if _, ok := b.outcomes[key]; ok {
		return xa.DuplicateID
	}
	br, ok := b.branches[key]
	if !ok {
		if flags.Has(xa.TMJoin) || flags.Has(xa.TMResume) {
			return xa.InvalidArgument
		}
		b.branches[key] = &branch{id: id, state: BranchActive}
		return xa.OK
	}
	if flags.Has(xa.TMJoin) || flags.Has(xa.TMResume) {
		if br.state != BranchIdle && br.state != BranchActive {
			return xa.ProtocolViolation
		}
		br.state = BranchActive
		return xa.OK
	}
	return xa.DuplicateID
}

func (b *Backend) end(id trid.ID, flags xa.Flag) xa.Code {
	br, ok := b.branches[id.Key()]
	if !ok {
		return xa.InvalidArgument
	}
	if br.state != BranchActive && br.state != BranchIdle {
		return xa.ProtocolViolation
	}
	br.state = BranchIdle
	if flags.Has(xa.TMFail) {
		br.rollbackOnly = true
	}
	return xa.OK
}

func (b *Backend) prepare(id trid.ID) xa.Code {
	key := id.Key()
	if _, ok := b.outcomes[key]; ok {
		return xa.ProtocolViolation
	}
	br, ok := b.branches[key]
	if !ok {
		return xa.InvalidArgument
	}
	if br.state != BranchIdle {
		return xa.ProtocolViolation
	}
	vote := b.vote
	if br.rollbackOnly && vote.Vote() {
		vote = xa.RollbackUnspecified
	}
	switch {
	case vote == xa.OK:
		br.state = BranchPrepared
	case vote == xa.ReadOnly:
		b.finalize(br, BranchCommitted, xa.ReadOnly)
	default:
		b.finalize(br, BranchRolledBack, vote)
	}
	return vote
}

func (b *Backend) commit(id trid.ID, flags xa.Flag) xa.Code {
	key := id.Key()
	if code, ok := b.outcomes[key]; ok {
		return code
	}
	br, ok := b.branches[key]
	if !ok {
		return xa.InvalidArgument
	}
	if flags.Has(xa.TMOnePhase) {
		if br.state != BranchIdle {
			return xa.ProtocolViolation
		}
		vote := b.vote
		if br.rollbackOnly {
			vote = xa.RollbackUnspecified
		}
		if vote.Vote() {
			b.finalize(br, BranchCommitted, xa.OK)
			return xa.OK
		}
		b.finalize(br, BranchRolledBack, vote)
		return vote
	}
	if br.state != BranchPrepared {
		return xa.ProtocolViolation
	}
	b.finalize(br, BranchCommitted, xa.OK)
	return xa.OK
}

func (b *Backend) rollback(id trid.ID) xa.Code {
	key := id.Key()
	if code, ok := b.outcomes[key]; ok {
		return code
	}
	br, ok := b.branches[key]
	if !ok {
		// 推定回滚: 未知分支视为已回滚
		return xa.OK
	}
	b.finalize(br, BranchRolledBack, xa.OK)
	return xa.OK
}

func (b *Backend) recover() []trid.ID {
	var ids []trid.ID
	for _, br := range b.branches {
		if br.state == BranchPrepared {
			ids = append(ids, br.id)
		}
	}
	return ids
}

func (b *Backend) finalize(br *branch, state BranchState, code xa.Code) {
	br.state = state
	b.outcomes[br.id.Key()] = code
}
