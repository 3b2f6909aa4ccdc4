package txmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

func Test_record_enlist(t *testing.T) {
	id := trid.New(process.New("app"))
	rec := newRecord(id, time.Now())
	rec.enlist(1, id)
	rec.enlist(1, id)
	branch := trid.Branch(id)
	rec.enlist(1, branch)
	rec.enlist(2, branch)
	assert.Equal(t, 3, len(rec.branches))
	assert.NotNil(t, rec.branch(1, branch))
	assert.Nil(t, rec.branch(2, id))
	assert.Equal(t, id.Owner, rec.owner())
	assert.Equal(t, id.Global, rec.global())
}

func Test_record_progress(t *testing.T) {
	id := trid.New(process.New("app"))
	rec := newRecord(id, time.Now())
	rec.enlist(1, id)
	rec.enlist(2, id)
	assert.True(t, rec.voted())
	assert.False(t, rec.settled())

	rec.branches[0].stage = BranchPreparing
	assert.False(t, rec.voted())
	rec.branches[0].stage = BranchPrepared
	assert.True(t, rec.voted())

	for _, b := range rec.branches {
		b.stage = BranchDone
	}
	assert.True(t, rec.settled())
}

func Test_record_outcome(t *testing.T) {
	id := trid.New(process.New("app"))
	done := func(phase2, sent bool, vote, code xa.Code) *branch {
		return &branch{resource: 1, trid: id, stage: BranchDone, phase2: phase2, sent: sent, vote: vote, code: code}
	}

	tests := []struct {
		name     string
		onePhase bool
		logged   bool
		decision xa.Decision
		cause    xa.Code
		branches []*branch
		expect   xa.Code
	}{
		{
			name:     "one_phase_ok",
			onePhase: true,
			decision: xa.DecisionCommit,
			branches: []*branch{done(true, true, xa.OK, xa.OK)},
			expect:   xa.OK,
		},
		{
			name:     "one_phase_not_sent",
			onePhase: true,
			decision: xa.DecisionCommit,
			branches: []*branch{done(true, false, xa.OK, xa.RMError)},
			expect:   xa.RollbackCommunication,
		},
		{
			name:     "one_phase_lost",
			onePhase: true,
			decision: xa.DecisionCommit,
			branches: []*branch{done(true, true, xa.OK, xa.RMError)},
			expect:   xa.HeuristicHazard,
		},
		{
			name:     "one_phase_vote_rollback",
			onePhase: true,
			decision: xa.DecisionCommit,
			branches: []*branch{done(true, true, xa.OK, xa.RollbackIntegrity)},
			expect:   xa.RollbackIntegrity,
		},
		{
			name:     "commit",
			logged:   true,
			decision: xa.DecisionCommit,
			branches: []*branch{done(true, true, xa.OK, xa.OK), done(false, true, xa.ReadOnly, xa.OK)},
			expect:   xa.OK,
		},
		{
			name:     "commit_lost",
			logged:   true,
			decision: xa.DecisionCommit,
			branches: []*branch{done(true, true, xa.OK, xa.OK), done(true, true, xa.OK, xa.RMError)},
			expect:   xa.HeuristicHazard,
		},
		{
			name:     "vote_rollback",
			logged:   true,
			decision: xa.DecisionRollback,
			cause:    xa.RollbackOther,
			branches: []*branch{done(true, true, xa.OK, xa.OK), done(false, true, xa.RollbackOther, xa.OK)},
			expect:   xa.RollbackOther,
		},
		{
			name:     "rollback_request",
			decision: xa.DecisionRollback,
			cause:    xa.OK,
			branches: []*branch{done(true, true, xa.OK, xa.OK), done(true, false, xa.OK, xa.RMError)},
			expect:   xa.OK,
		},
		{
			name:     "rollback_prepared_lost",
			logged:   true,
			decision: xa.DecisionRollback,
			cause:    xa.RMError,
			branches: []*branch{done(true, true, xa.OK, xa.RMError)},
			expect:   xa.HeuristicHazard,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecord(id, time.Now())
			rec.onePhase = tt.onePhase
			rec.logged = tt.logged
			rec.decision = tt.decision
			rec.cause = tt.cause
			rec.branches = tt.branches
			assert.Equal(t, tt.expect, rec.outcome())
		})
	}
}

func Test_record_decisionEntry(t *testing.T) {
	id := trid.New(process.New("app"))
	rec := newRecord(id, time.Now())
	rec.decision = xa.DecisionCommit
	rec.enlist(1, id)
	rec.enlist(2, id)
	rec.enlist(3, trid.Branch(id))
	rec.branches[0].phase2 = true
	rec.branches[2].phase2 = true

	now := time.Now()
	d := rec.decisionEntry(now)
	assert.Equal(t, xa.DecisionCommit, d.Decision)
	assert.Equal(t, now, d.CreatedAt)
	assert.True(t, id.Equal(d.Trid))
	assert.Equal(t, 2, len(d.Branches))
	assert.Equal(t, 1, d.Branches[0].Resource)
	assert.Equal(t, 3, d.Branches[1].Resource)
	assert.False(t, d.Finished())
}

func Test_record_state(t *testing.T) {
	id := trid.New(process.New("app"))
	rec := newRecord(id, time.Now())
	rec.enlist(1, id)
	rec.enlist(2, id)
	rec.stage = StageCommitting
	rec.branches[0].vote = xa.ReadOnly
	rec.branches[0].stage = BranchDone
	rec.branches[1].vote = xa.OK
	rec.branches[1].phase2 = true
	rec.branches[1].code = xa.HeuristicCommit
	rec.branches[1].stage = BranchDone

	state := rec.state()
	assert.Equal(t, "committing", state.Stage)
	assert.Equal(t, id.Owner, state.Owner)
	assert.Equal(t, 2, len(state.Resources))
	assert.Equal(t, xa.ReadOnly, state.Resources[0].Code)
	assert.Equal(t, xa.HeuristicCommit, state.Resources[1].Code)
	assert.Equal(t, "done", state.Resources[1].Stage)
}

func Test_acknowledged(t *testing.T) {
	assert.True(t, acknowledged(xa.OK))
	assert.True(t, acknowledged(xa.HeuristicMixed))
	assert.True(t, acknowledged(xa.RollbackOther))
	assert.False(t, acknowledged(xa.RMError))
	assert.False(t, acknowledged(xa.RMFail))
}
