// Package xa 定义资源管理器与事务管理器之间交换的结果码、XA 标志位以及两阶段提交的决议规则.
package xa

import "fmt"

// Code 线上交换的结果码, 数值稳定, 只允许在末尾追加
type Code int

const (
	OK Code = iota
	ReadOnly
	RollbackUnspecified
	RollbackCommunication
	RollbackDeadlock
	RollbackProtocol
	RollbackTimeout
	RollbackTransient
	RollbackIntegrity
	RollbackOther
	HeuristicCommit
	HeuristicRollback
	HeuristicMixed
	HeuristicHazard
	RMError
	RMFail
	InvalidArgument
	ProtocolViolation
	DuplicateID
	AlreadyOutside
)

var codeNames = [...]string{
	OK:                    "ok",
	ReadOnly:              "read-only",
	RollbackUnspecified:   "rollback-unspecified",
	RollbackCommunication: "rollback-communication",
	RollbackDeadlock:      "rollback-deadlock",
	RollbackProtocol:      "rollback-protocol",
	RollbackTimeout:       "rollback-timeout",
	RollbackTransient:     "rollback-transient",
	RollbackIntegrity:     "rollback-integrity",
	RollbackOther:         "rollback-other",
	HeuristicCommit:       "heuristic-commit",
	HeuristicRollback:     "heuristic-rollback",
	HeuristicMixed:        "heuristic-mixed",
	HeuristicHazard:       "heuristic-hazard",
	RMError:               "resource-manager-error",
	RMFail:                "resource-manager-fail",
	InvalidArgument:       "invalid-argument",
	ProtocolViolation:     "protocol-violation",
	DuplicateID:           "duplicate-id",
	AlreadyOutside:        "already-outside",
}

func (c Code) String() string {
	if c >= 0 && int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode 按名称解析结果码
func ParseCode(name string) (Code, error) {
	for i, n := range codeNames {
		if n == name {
			return Code(i), nil
		}
	}
	return 0, fmt.Errorf("unknown xa code: %s", name)
}

// Vote 第一阶段的赞成票: ok 或 read-only
func (c Code) Vote() bool {
	return c == OK || c == ReadOnly
}

func (c Code) IsRollback() bool {
	return c >= RollbackUnspecified && c <= RollbackOther
}

func (c Code) IsHeuristic() bool {
	return c >= HeuristicCommit && c <= HeuristicHazard
}

// Unavailable 资源管理器不可用, 只有这种结果会触发 reopen 重试. rollback-transient 属于投票结果, 直接返回
func (c Code) Unavailable() bool {
	return c == RMFail
}

// Flag XA 调用标志位
type Flag uint32

const (
	TMNoFlags  Flag = 0
	TMJoin     Flag = 0x00200000
	TMResume   Flag = 0x08000000
	TMSuccess  Flag = 0x04000000
	TMFail     Flag = 0x20000000
	TMSuspend  Flag = 0x02000000
	TMOnePhase Flag = 0x40000000
)

func (f Flag) Has(o Flag) bool {
	return f&o == o
}
