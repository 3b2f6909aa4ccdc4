package xa

// Decision 全局事务的最终决议
type Decision int

const (
	DecisionNone Decision = iota
	DecisionCommit
	DecisionRollback
)

func (d Decision) String() string {
	switch d {
	case DecisionCommit:
		return "commit"
	case DecisionRollback:
		return "rollback"
	default:
		return "none"
	}
}

// Decide 两阶段提交的决议规则: 所有投票均为 ok 或 read-only 才提交, 其余任何结果 (包括超时) 一律回滚.
// 返回值 cause 为导致回滚的第一个结果码.
func Decide(votes ...Code) (decision Decision, cause Code) {
	for _, vote := range votes {
		if !vote.Vote() {
			return DecisionRollback, vote
		}
	}
	return DecisionCommit, OK
}

// Outcome 汇总第二阶段各分支的应答, 得出返回给调用方的整体结果
func Outcome(decision Decision, cause Code, replies ...Code) Code {
	var committed, rolledBack, hazard, mixed bool
	for _, reply := range replies {
		switch {
		case reply == OK || reply == ReadOnly:
			if decision == DecisionCommit {
				committed = true
			} else {
				rolledBack = true
			}
		case reply == HeuristicCommit:
			committed = true
		case reply == HeuristicRollback || reply.IsRollback():
			rolledBack = true
		case reply == HeuristicMixed:
			mixed = true
		default:
			hazard = true
		}
	}

	switch {
	case mixed || (committed && rolledBack):
		return HeuristicMixed
	case hazard:
		return HeuristicHazard
	}

	if decision == DecisionCommit {
		if rolledBack {
			// 所有分支都在提交决议下自行回滚
			return RollbackUnspecified
		}
		return OK
	}
	if committed {
		return HeuristicCommit
	}
	if cause == OK || cause.Vote() {
		return OK
	}
	return cause
}
