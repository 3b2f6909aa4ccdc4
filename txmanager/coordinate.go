package txmanager

import (
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// open 为未知的全局事务创建记录, 并监视发起方进程
func (t *TXManager) open(id trid.ID) *record {
	rec := newRecord(id, time.Now())
	t.records[id.Global] = rec
	if !id.Owner.IsZero() {
		t.bus.Watch(t.Handle(), id.Owner)
	}
	return rec
}

func (t *TXManager) onBegin(env message.Envelope, msg message.BeginRequest) {
	if t.draining {
		t.reply(env, message.BeginReply{Result: xa.RMFail})
		return
	}
	owner := msg.Owner
	if owner.IsZero() {
		owner = env.From
	}
	id := trid.New(owner)
	t.open(id)
	t.reply(env, message.BeginReply{Trid: id, Result: xa.OK})
}

// onInvolved 参与方登记分支. 事务已进入决议阶段时拒绝, 由参与方自行回滚
func (t *TXManager) onInvolved(env message.Envelope, msg message.Involved) {
	if msg.Trid.IsNull() {
		t.reply(env, message.InvolvedReply{Trid: msg.Trid, Result: xa.InvalidArgument})
		return
	}
	rec, ok := t.records[msg.Trid.Global]
	if !ok {
		if cause, aborted := t.rolledBack(msg.Trid.Global); aborted {
			t.reply(env, message.InvolvedReply{Trid: msg.Trid, Result: cause})
			return
		}
		if t.draining {
			t.reply(env, message.InvolvedReply{Trid: msg.Trid, Result: xa.RMFail})
			return
		}
		rec = t.open(msg.Trid)
	}
	if rec.stage != StageActive {
		t.reply(env, message.InvolvedReply{Trid: msg.Trid, Result: xa.InvalidArgument})
		return
	}

	rec.touched = time.Now()
	for _, rid := range msg.Resources {
		rec.enlist(rid, msg.Trid)
	}
	t.reply(env, message.InvolvedReply{Trid: msg.Trid, Result: xa.OK})
}

// finalizable 校验提交/回滚请求, 不合法时返回应答码
func (t *TXManager) finalizable(from process.Handle, id trid.ID, resources []int) (*record, xa.Code) {
	if id.IsNull() {
		return nil, xa.InvalidArgument
	}
	if id.Owner != from {
		return nil, xa.ProtocolViolation
	}
	rec, ok := t.records[id.Global]
	if !ok {
		// 未登记任何资源的事务无需协调
		if len(resources) == 0 {
			return nil, xa.OK
		}
		return t.open(id), xa.OK
	}
	if rec.owner() != from {
		return nil, xa.ProtocolViolation
	}
	if rec.stage != StageActive {
		return nil, xa.InvalidArgument
	}
	return rec, xa.OK
}

func (t *TXManager) onCommit(env message.Envelope, msg message.CommitRequest) {
	_, known := t.records[msg.Trid.Global]
	rec, code := t.finalizable(env.From, msg.Trid, msg.Resources)
	if rec == nil {
		if cause, aborted := t.rolledBack(msg.Trid.Global); code == xa.OK && !known && aborted {
			code = cause
		}
		t.reply(env, message.CommitReply{Trid: msg.Trid, Result: code})
		return
	}

	rec.trid = msg.Trid
	rec.touched = time.Now()
	rec.request = env
	for _, rid := range msg.Resources {
		rec.enlist(rid, msg.Trid)
	}

	// 事务管理器已经回滚过该事务 (例如事务超时), 发起方本地的分支也只能回滚
	if cause, aborted := t.rolledBack(rec.global()); !known && aborted {
		log.Warnf("transaction %s already rolled back, cause: %s, rollback branches of commit request", rec.trid, cause)
		t.rollback(rec, cause)
		return
	}

	switch len(rec.branches) {
	case 0:
		delete(t.records, rec.global())
		t.reply(env, message.CommitReply{Trid: msg.Trid, Result: xa.OK})
	case 1:
		t.commitOnePhase(rec)
	default:
		t.prepare(rec)
	}
}

func (t *TXManager) onRollback(env message.Envelope, msg message.RollbackRequest) {
	rec, code := t.finalizable(env.From, msg.Trid, msg.Resources)
	if rec == nil {
		t.reply(env, message.RollbackReply{Trid: msg.Trid, Result: code})
		return
	}

	rec.trid = msg.Trid
	rec.request = env
	for _, rid := range msg.Resources {
		rec.enlist(rid, msg.Trid)
	}
	if len(rec.branches) == 0 {
		delete(t.records, rec.global())
		t.reply(env, message.RollbackReply{Trid: msg.Trid, Result: xa.OK})
		return
	}
	t.rollback(rec, xa.OK)
}

// commitOnePhase 只有一个分支时跳过 prepare, 不写决议日志
func (t *TXManager) commitOnePhase(rec *record) {
	rec.onePhase = true
	rec.decision = xa.DecisionCommit
	rec.stage = StageCommitting
	b := rec.branches[0]
	b.phase2 = true
	b.stage = BranchFinishing
	t.dispatch(rec, b, message.ResourceCommitRequest{Trid: b.trid, Resources: []int{b.resource}, OnePhase: true}, false)
	t.advance(rec)
}

func (t *TXManager) prepare(rec *record) {
	rec.stage = StagePreparing
	for _, b := range rec.branches {
		b.stage = BranchPreparing
		t.dispatch(rec, b, message.ResourcePrepareRequest{Trid: b.trid, Resources: []int{b.resource}}, false)
	}
	t.advance(rec)
}

// rollback 不经过 prepare 直接回滚所有分支
func (t *TXManager) rollback(rec *record, cause xa.Code) {
	rec.decision = xa.DecisionRollback
	rec.cause = cause
	rec.stage = StageRollingBack
	t.metrics.recordDecision(t.ctx, rec.decision)
	for _, b := range rec.branches {
		if b.stage != BranchEnlisted {
			continue
		}
		b.phase2 = true
		b.stage = BranchFinishing
		t.dispatch(rec, b, finishMessage(rec.decision, b), false)
	}
	t.advance(rec)
}

// decide 所有投票到齐后做出决议. 决议先写入决议日志, 第二阶段请求在落盘后才发出
func (t *TXManager) decide(rec *record) {
	rec.decision, rec.cause = xa.Decide(rec.votes()...)
	if rec.decision == xa.DecisionCommit {
		rec.stage = StageCommitting
	} else {
		rec.stage = StageRollingBack
	}
	t.metrics.recordDecision(t.ctx, rec.decision)

	var finishing []*branch
	for _, b := range rec.branches {
		switch {
		case b.stage == BranchPrepared:
			b.phase2 = true
			finishing = append(finishing, b)
		case b.sent && !acknowledged(b.vote):
			// prepare 超时的分支可能已经 prepare, 尽力通知回滚, 其余交给存疑分支处理
			if err := t.post(b.instance, finishMessage(xa.DecisionRollback, b)); err != nil {
				log.Debugf("notify rollback of %s to %s failed, err: %v", b.trid, b.instance, err)
			}
		}
	}
	log.Infof("transaction %s decided %s, cause: %s, phase two branches: %d", rec.trid, rec.decision, rec.cause, len(finishing))

	if len(finishing) > 0 {
		rec.logged = true
		t.ledger.Record(rec.decisionEntry(time.Now()))
	}
	for _, b := range finishing {
		b.stage = BranchFinishing
		t.dispatch(rec, b, finishMessage(rec.decision, b), true)
	}
	t.advance(rec)
}

// dispatch 选择代理实例发出子请求. gated 的请求在决议日志落盘后才发出
func (t *TXManager) dispatch(rec *record, b *branch, msg message.Message, gated bool) {
	inst := t.registry.pick(b.resource, b.instance)
	if inst == nil {
		log.Warnf("no healthy proxy of resource %d for %s of transaction %s", b.resource, msg.Type(), rec.trid)
		t.settle(rec, b, xa.RMError)
		return
	}

	env := message.NewEnvelope(t.Handle(), msg)
	deadline := time.Now().Add(t.opts.Timeout)
	if gated {
		t.ledger.Gate(inst.process, env)
		deadline = deadline.Add(t.opts.FlushInterval)
	} else if err := t.send(inst.process, env); err != nil {
		log.Warnf("send %s of transaction %s to %s failed, err: %v", msg.Type(), rec.trid, inst.process, err)
		t.registry.markUnhealthy(inst.process)
		t.settle(rec, b, xa.RMError)
		return
	}
	t.registry.acquire(inst)
	b.instance = inst.process
	b.deadline = deadline
	b.sent = true
}

// settle 记录分支的一个结果
func (t *TXManager) settle(rec *record, b *branch, code xa.Code) {
	if b.outstanding() {
		t.registry.release(b.instance)
		b.deadline = time.Time{}
	}

	switch b.stage {
	case BranchPreparing:
		b.vote = code
		if code == xa.OK {
			b.stage = BranchPrepared
			return
		}
		// read-only 与否决票都意味着分支已经终结
		b.stage = BranchDone
	case BranchFinishing:
		b.code = code
		b.stage = BranchDone
		if rec.logged && acknowledged(code) {
			t.ledger.Ack(ledger.Ack{Trid: b.trid, Resource: b.resource})
		}
	}
}

// advance 推进事务状态
func (t *TXManager) advance(rec *record) {
	switch rec.stage {
	case StagePreparing:
		if rec.voted() {
			t.decide(rec)
		}
	case StageCommitting, StageRollingBack:
		if rec.settled() {
			t.complete(rec)
		}
	}
}

// complete 所有分支终结后移除记录并应答发起方
func (t *TXManager) complete(rec *record) {
	outcome := rec.outcome()
	rec.stage = StageDone
	delete(t.records, rec.global())
	if rec.decision == xa.DecisionRollback {
		t.abort(rec)
	}
	t.metrics.recordOutcome(t.ctx, rec.decision, outcome, time.Since(rec.started))
	log.Infof("transaction %s done, decision: %s, outcome: %s", rec.trid, rec.decision, outcome)

	if rec.request.Correlation == uuid.Nil {
		return
	}
	if _, ok := rec.request.Message.(message.RollbackRequest); ok {
		t.reply(rec.request, message.RollbackReply{Trid: rec.trid, Result: outcome})
		return
	}
	t.reply(rec.request, message.CommitReply{Trid: rec.trid, Result: outcome})
}

// abort 记录已回滚的全局事务, 保留时长与无法送达的应答相同
func (t *TXManager) abort(rec *record) {
	cause := rec.cause
	if !cause.IsRollback() {
		cause = xa.RollbackUnspecified
	}
	t.aborted.SetWithTTL(rec.global().String(), cause, 1, t.opts.RetainDuration)
	t.aborted.Wait()
}

func (t *TXManager) rolledBack(global uuid.UUID) (xa.Code, bool) {
	return t.aborted.Get(global.String())
}

func (t *TXManager) onPrepared(from process.Handle, msg message.ResourcePrepareReply) {
	rec, ok := t.records[msg.Trid.Global]
	if !ok {
		log.Debugf("ignore prepare reply of unknown transaction %s from %s", msg.Trid, from)
		return
	}
	b := rec.branch(msg.Resource, msg.Trid)
	if b == nil || b.stage != BranchPreparing {
		// 超时后才到达的投票不再改变决议
		log.Debugf("ignore late prepare reply of %s resource %d from %s", msg.Trid, msg.Resource, from)
		return
	}
	rec.touched = time.Now()
	t.settle(rec, b, msg.Result)
	t.advance(rec)
}

func (t *TXManager) onFinished(from process.Handle, id trid.ID, rid int, code xa.Code) {
	rec, ok := t.records[id.Global]
	var b *branch
	if ok {
		b = rec.branch(rid, id)
	}
	if b != nil && b.stage == BranchFinishing {
		t.settle(rec, b, code)
		t.advance(rec)
		return
	}

	// 迟到的应答: 分支确实已终结, 记录确认以免恢复扫描重复发送
	if acknowledged(code) && (!ok || (b != nil && b.phase2 && rec.logged)) {
		log.Debugf("late %s of %s resource %d from %s", code, id, rid, from)
		t.ledger.Ack(ledger.Ack{Trid: id, Resource: rid})
	}
}

func finishMessage(decision xa.Decision, b *branch) message.Message {
	if decision == xa.DecisionCommit {
		return message.ResourceCommitRequest{Trid: b.trid, Resources: []int{b.resource}}
	}
	return message.ResourceRollbackRequest{Trid: b.trid, Resources: []int{b.resource}}
}
