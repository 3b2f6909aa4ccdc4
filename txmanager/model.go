package txmanager

import (
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// 协调者侧事务记录的状态
type Stage string

const (
	StageActive      Stage = "active"
	StagePreparing   Stage = "preparing"
	StageCommitting  Stage = "committing"
	StageRollingBack Stage = "rolling-back"
	StageDone        Stage = "done"
)

func (s Stage) String() string {
	return string(s)
}

// 单个分支在协调者侧的进度
type BranchStage string

const (
	// 已登记, 尚未发出任何请求
	BranchEnlisted BranchStage = "enlisted"
	// prepare 已发出
	BranchPreparing BranchStage = "preparing"
	// 投了赞成票, 等待决议
	BranchPrepared BranchStage = "prepared"
	// commit 或 rollback 已发出
	BranchFinishing BranchStage = "finishing"
	BranchDone      BranchStage = "done"
)

func (b BranchStage) String() string {
	return string(b)
}

type branch struct {
	resource int
	trid     trid.ID
	stage    BranchStage
	vote     xa.Code
	code     xa.Code
	// 参与第二阶段
	phase2 bool
	// 请求已送达代理
	sent     bool
	instance process.Handle
	// 零值表示没有未完成的子请求
	deadline time.Time
}

func (b *branch) outstanding() bool {
	return !b.deadline.IsZero()
}

// record 以全局 id 区分的协调者事务记录
type record struct {
	trid     trid.ID
	stage    Stage
	branches []*branch
	// 待应答的提交或回滚请求, 零值表示无需应答
	request  message.Envelope
	decision xa.Decision
	cause    xa.Code
	onePhase bool
	// 决议已写入决议日志
	logged bool
	// 由恢复扫描或存疑分支重建
	recovering bool
	started    time.Time
	// 最近一次收到该事务相关消息的时间
	touched time.Time
}

func newRecord(id trid.ID, now time.Time) *record {
	return &record{
		trid:    id,
		stage:   StageActive,
		started: now,
		touched: now,
	}
}

func (r *record) global() uuid.UUID {
	return r.trid.Global
}

func (r *record) owner() process.Handle {
	return r.trid.Owner
}

func (r *record) branch(rid int, id trid.ID) *branch {
	for _, b := range r.branches {
		if b.resource == rid && b.trid.Equal(id) {
			return b
		}
	}
	return nil
}

// enlist 重复登记是幂等的
func (r *record) enlist(rid int, id trid.ID) {
	if r.branch(rid, id) != nil {
		return
	}
	r.branches = append(r.branches, &branch{
		resource: rid,
		trid:     id,
		stage:    BranchEnlisted,
	})
}

// voted 所有 prepare 都已有结果
func (r *record) voted() bool {
	for _, b := range r.branches {
		if b.stage == BranchPreparing {
			return false
		}
	}
	return true
}

func (r *record) votes() []xa.Code {
	votes := make([]xa.Code, 0, len(r.branches))
	for _, b := range r.branches {
		votes = append(votes, b.vote)
	}
	return votes
}

// settled 所有分支都已终结
func (r *record) settled() bool {
	for _, b := range r.branches {
		if b.stage != BranchDone {
			return false
		}
	}
	return true
}

// outcome 汇总返回给发起方的整体结果
func (r *record) outcome() xa.Code {
	if r.onePhase {
		b := r.branches[0]
		switch {
		case !b.sent:
			// 提交请求没有到达资源管理器
			return xa.RollbackCommunication
		case b.code == xa.RMError || b.code == xa.RMFail:
			return xa.HeuristicHazard
		default:
			return b.code
		}
	}

	replies := make([]xa.Code, 0, len(r.branches))
	for _, b := range r.branches {
		if !b.phase2 {
			continue
		}
		// 未 prepare 的分支无法提交, 联系不上也等价于已回滚
		if !r.logged && r.decision == xa.DecisionRollback && !acknowledged(b.code) {
			replies = append(replies, xa.OK)
			continue
		}
		replies = append(replies, b.code)
	}
	return xa.Outcome(r.decision, r.cause, replies...)
}

// decisionEntry 构造决议日志条目, 只包含参与第二阶段的分支
func (r *record) decisionEntry(now time.Time) *ledger.Decision {
	d := ledger.Decision{
		Trid:      r.trid,
		Decision:  r.decision,
		CreatedAt: now,
	}
	for _, b := range r.branches {
		if b.phase2 {
			d.Branches = append(d.Branches, &ledger.Branch{Resource: b.resource, Trid: b.trid})
		}
	}
	return &d
}

func (r *record) state() message.TransactionState {
	state := message.TransactionState{
		Trid:    r.trid,
		Stage:   r.stage.String(),
		Owner:   r.owner(),
		Started: r.started,
	}
	for _, b := range r.branches {
		code := b.vote
		if b.phase2 {
			code = b.code
		}
		state.Resources = append(state.Resources, message.ResourceState{
			ID:    b.resource,
			Stage: b.stage.String(),
			Code:  code,
		})
	}
	return state
}

// acknowledged 第二阶段的应答表明分支已终结, 不需要再重发
func acknowledged(code xa.Code) bool {
	return code != xa.RMError && code != xa.RMFail
}
