package tx

import (
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/trid"
)

// 进程内事务的状态
type State int

const (
	StateActive State = iota
	StateRollbackOnly
	// 超时标记, 只能回滚
	StateTimeout
)

func (s State) String() string {
	switch s {
	case StateRollbackOnly:
		return "rollback-only"
	case StateTimeout:
		return "timeout"
	default:
		return "active"
	}
}

// Transaction 一个全局事务在当前进程内的簿记. 每个进程对每个全局事务至多持有一个
type Transaction struct {
	trid  trid.ID
	state State
	// 涉及的资源 id, 按首次涉及的顺序
	involved []int
	// 动态注册且仍处于关联状态的资源, 总是 involved 的子集
	dynamic      map[int]struct{}
	correlations []uuid.UUID
	external     bool
	suspended    bool
	// 以入站 trid 的分支身份加入
	participant bool
	started     time.Time
	deadline    time.Time
}

func newTransaction(id trid.ID, timeout time.Duration) *Transaction {
	t := Transaction{
		trid:    id,
		dynamic: make(map[int]struct{}),
		started: time.Now(),
	}
	if timeout > 0 {
		t.deadline = t.started.Add(timeout)
	}
	return &t
}

func (t *Transaction) Trid() trid.ID {
	return t.trid
}

func (t *Transaction) State() State {
	return t.state
}

func (t *Transaction) Started() time.Time {
	return t.started
}

// Involve 幂等, 返回资源是否首次涉及
func (t *Transaction) Involve(rid int) bool {
	if t.Involves(rid) {
		return false
	}
	t.involved = append(t.involved, rid)
	return true
}

func (t *Transaction) Involves(rid int) bool {
	for _, id := range t.involved {
		if id == rid {
			return true
		}
	}
	return false
}

func (t *Transaction) Involved() []int {
	involved := make([]int, len(t.involved))
	copy(involved, t.involved)
	return involved
}

// AssociateDynamic 已关联时返回 false
func (t *Transaction) AssociateDynamic(rid int) bool {
	if _, ok := t.dynamic[rid]; ok {
		return false
	}
	t.dynamic[rid] = struct{}{}
	t.Involve(rid)
	return true
}

// DisassociateDynamic 资源仍保留在 involved 中, 提交时仍需参与决议
func (t *Transaction) DisassociateDynamic(rid int) bool {
	if _, ok := t.dynamic[rid]; !ok {
		return false
	}
	delete(t.dynamic, rid)
	return true
}

func (t *Transaction) Dynamic(rid int) bool {
	_, ok := t.dynamic[rid]
	return ok
}

// Associate 记录一个尚未收到应答的异步调用
func (t *Transaction) Associate(correlation uuid.UUID) {
	t.correlations = append(t.correlations, correlation)
}

// Replied 返回 correlation 是否属于该事务
func (t *Transaction) Replied(correlation uuid.UUID) bool {
	for i, c := range t.correlations {
		if c == correlation {
			t.correlations = append(t.correlations[:i], t.correlations[i+1:]...)
			return true
		}
	}
	return false
}

// Pending 为 true 时事务不允许被终结
func (t *Transaction) Pending() bool {
	return len(t.correlations) > 0
}

func (t *Transaction) discard() {
	t.correlations = nil
}

// MarkExternal 事务涉及本进程之外的资源或者由事务管理器分配 trid, 提交决议必须经由事务管理器
func (t *Transaction) MarkExternal() {
	t.external = true
}

func (t *Transaction) External() bool {
	return t.external
}

func (t *Transaction) Participant() bool {
	return t.participant
}

func (t *Transaction) Suspend() {
	t.suspended = true
}

func (t *Transaction) Resume() {
	t.suspended = false
}

func (t *Transaction) Suspended() bool {
	return t.suspended
}

// Local 只有发起进程持有, 没有未完成的调用并且未关联外部资源时, 才能在本地完成提交或回滚
func (t *Transaction) Local(self process.Handle) bool {
	return t.trid.Owner == self && !t.Pending() && !t.external
}

func (t *Transaction) SetRollbackOnly() {
	if t.state == StateActive {
		t.state = StateRollbackOnly
	}
}

// Expired 超过事务时限时标记为超时
func (t *Transaction) Expired(now time.Time) bool {
	if t.state == StateTimeout {
		return true
	}
	if t.deadline.IsZero() || now.Before(t.deadline) {
		return false
	}
	t.state = StateTimeout
	return true
}
