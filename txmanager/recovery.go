package txmanager

import (
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// redrive 把决议日志中未确认的决议重新发往对应资源. 已在事务表中的事务由正常流程推进
func (t *TXManager) redrive(decisions []*ledger.Decision) {
	for _, d := range decisions {
		if _, ok := t.records[d.Trid.Global]; ok {
			continue
		}
		unacked := d.Unacked()
		if len(unacked) == 0 {
			continue
		}

		rec := newRecord(d.Trid, time.Now())
		rec.decision = d.Decision
		rec.logged = true
		rec.recovering = true
		if d.Decision == xa.DecisionCommit {
			rec.stage = StageCommitting
		} else {
			rec.stage = StageRollingBack
		}
		for _, branch := range unacked {
			rec.enlist(branch.Resource, branch.Trid)
		}
		t.records[rec.global()] = rec

		log.Infof("redrive %s of transaction %s, unacked branches: %d", d.Decision, d.Trid, len(unacked))
		for _, b := range rec.branches {
			b.vote = xa.OK
			b.phase2 = true
			b.stage = BranchFinishing
			t.dispatch(rec, b, finishMessage(rec.decision, b), false)
		}
		t.advance(rec)
	}
}

// resolve 处理代理注册时上报的存疑分支. 决议日志中没有记录的分支一律回滚
func (t *TXManager) resolve(inst *instance, inDoubt []trid.ID) {
	if len(inDoubt) == 0 {
		return
	}
	// 扣留中的第二阶段请求必须先落盘, 否则会把已决议的分支误判为没有记录
	t.flush(t.ctx)
	if t.ledger.Dirty() {
		log.Warnf("decision log not flushed, skip resolving %d in doubt branches of %s", len(inDoubt), inst.process)
		return
	}

	var decisions map[uuid.UUID]*ledger.Decision
	for _, id := range inDoubt {
		if rec, ok := t.records[id.Global]; ok {
			t.resolveActive(inst, rec, id)
			continue
		}

		if decisions == nil {
			unfinished, err := t.ledger.Store().Unfinished(t.ctx)
			if err != nil {
				log.Errorf("load unfinished decisions failed, skip resolving in doubt branches of %s, err: %v", inst.process, err)
				return
			}
			decisions = make(map[uuid.UUID]*ledger.Decision, len(unfinished))
			for _, d := range unfinished {
				decisions[d.Trid.Global] = d
			}
		}

		if d, ok := decisions[id.Global]; ok && pending(d, inst.resource, id) {
			t.redrive([]*ledger.Decision{d})
			continue
		}

		log.Infof("in doubt branch %s of resource %d has no decision, rollback", id, inst.resource)
		if err := t.post(inst.process, message.ResourceRollbackRequest{Trid: id, Resources: []int{inst.resource}}); err != nil {
			log.Warnf("rollback in doubt branch %s on %s failed, err: %v", id, inst.process, err)
		}
	}
}

// resolveActive 存疑分支所属事务仍在事务表中
func (t *TXManager) resolveActive(inst *instance, rec *record, id trid.ID) {
	b := rec.branch(inst.resource, id)
	switch {
	case b == nil:
		// 事务表中没有这个分支, 不会再被提交
	case rec.stage == StageActive || rec.stage == StagePreparing:
		// 投票尚未结束, 按正常流程推进
		return
	case b.stage == BranchFinishing:
		if b.instance == inst.process {
			return
		}
		// 原实例已失联, 改由新注册的实例完成
		if b.outstanding() {
			t.registry.release(b.instance)
			b.deadline = time.Time{}
		}
		b.instance = inst.process
		t.dispatch(rec, b, finishMessage(rec.decision, b), false)
		return
	case b.phase2 && b.stage == BranchDone:
		if err := t.post(inst.process, finishMessage(rec.decision, b)); err != nil {
			log.Warnf("resend %s of %s to %s failed, err: %v", rec.decision, id, inst.process, err)
		}
		return
	}

	if err := t.post(inst.process, message.ResourceRollbackRequest{Trid: id, Resources: []int{inst.resource}}); err != nil {
		log.Warnf("rollback in doubt branch %s on %s failed, err: %v", id, inst.process, err)
	}
}

func pending(d *ledger.Decision, rid int, id trid.ID) bool {
	for _, branch := range d.Unacked() {
		if branch.Resource == rid && branch.Trid.Equal(id) {
			return true
		}
	}
	return false
}
