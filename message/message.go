// Package message 定义应用进程、资源管理器代理与事务管理器之间交换的协调消息.
// 每条消息都装在 Envelope 中, 以 correlation id 关联请求与应答.
package message

import (
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type Type string

const (
	TypeBeginRequest            Type = "transaction.begin.request"
	TypeBeginReply              Type = "transaction.begin.reply"
	TypeCommitRequest           Type = "transaction.commit.request"
	TypeCommitReply             Type = "transaction.commit.reply"
	TypeRollbackRequest         Type = "transaction.rollback.request"
	TypeRollbackReply           Type = "transaction.rollback.reply"
	TypeInvolved                Type = "transaction.resource.involved"
	TypeInvolvedReply           Type = "transaction.resource.involved.reply"
	TypeResourcePrepareRequest  Type = "transaction.resource.prepare.request"
	TypeResourcePrepareReply    Type = "transaction.resource.prepare.reply"
	TypeResourceCommitRequest   Type = "transaction.resource.commit.request"
	TypeResourceCommitReply     Type = "transaction.resource.commit.reply"
	TypeResourceRollbackRequest Type = "transaction.resource.rollback.request"
	TypeResourceRollbackReply   Type = "transaction.resource.rollback.reply"
	TypeConnectRequest          Type = "transaction.resource.connect.request"
	TypeConnectReply            Type = "transaction.resource.connect.reply"
	TypeReconnectRequest        Type = "transaction.resource.reconnect.request"
	TypeLookupRequest           Type = "transaction.lookup.request"
	TypeLookupReply             Type = "transaction.lookup.reply"
	TypeStateRequest            Type = "transaction.state.request"
	TypeStateReply              Type = "transaction.state.reply"
	TypeProcessExit             Type = "process.exit"
)

type Message interface {
	Type() Type
}

type Envelope struct {
	Correlation uuid.UUID
	From        process.Handle
	Message     Message
}

func NewEnvelope(from process.Handle, msg Message) Envelope {
	return Envelope{
		Correlation: uuid.New(),
		From:        from,
		Message:     msg,
	}
}

// Reply 以相同的 correlation 构造应答
func (e Envelope) Reply(from process.Handle, msg Message) Envelope {
	return Envelope{
		Correlation: e.Correlation,
		From:        from,
		Message:     msg,
	}
}

type BeginRequest struct {
	Owner process.Handle
}

type BeginReply struct {
	Trid   trid.ID
	Result xa.Code
}

// CommitRequest 由事务发起方发给事务管理器, Resources 为发起方自身涉及的资源
type CommitRequest struct {
	Trid      trid.ID
	Resources []int
}

type CommitReply struct {
	Trid   trid.ID
	Result xa.Code
}

type RollbackRequest struct {
	Trid      trid.ID
	Resources []int
}

type RollbackReply struct {
	Trid   trid.ID
	Result xa.Code
}

// Involved 参与方通知事务管理器其分支涉及的资源. 事务已进入决议阶段时应答 invalid-argument
type Involved struct {
	Trid      trid.ID
	Resources []int
}

type InvolvedReply struct {
	Trid   trid.ID
	Result xa.Code
}

type ResourcePrepareRequest struct {
	Trid      trid.ID
	Resources []int
}

type ResourcePrepareReply struct {
	Trid     trid.ID
	Resource int
	Result   xa.Code
}

type ResourceCommitRequest struct {
	Trid      trid.ID
	Resources []int
	OnePhase  bool
}

type ResourceCommitReply struct {
	Trid     trid.ID
	Resource int
	Result   xa.Code
}

type ResourceRollbackRequest struct {
	Trid      trid.ID
	Resources []int
}

type ResourceRollbackReply struct {
	Trid     trid.ID
	Resource int
	Result   xa.Code
}

// ConnectRequest 资源管理器代理实例向事务管理器注册. InDoubt 为驱动 recover 出的已 prepare 分支
type ConnectRequest struct {
	Process  process.Handle
	Key      string
	Resource int
	Instance string
	InDoubt  []trid.ID
}

type ConnectReply struct {
	Accepted bool
	Result   xa.Code
}

// ReconnectRequest 事务管理器要求被标记为不健康但仍然存活的代理实例重新注册
type ReconnectRequest struct{}

type LookupRequest struct {
	Trid trid.ID
}

type LookupReply struct {
	Trid  trid.ID
	Known bool
}

type StateRequest struct{}

type StateReply struct {
	State State
}

// ProcessExit 由消息总线在被监视的进程退出时投递
type ProcessExit struct {
	Process process.Handle
}

// State 事务管理器的诊断快照
type State struct {
	Transactions []TransactionState `json:"transactions"`
	Proxies      []ProxyState       `json:"proxies"`
	Outstanding  int                `json:"outstanding"`
	Queued       int                `json:"queued"`
}

type TransactionState struct {
	Trid      trid.ID         `json:"trid"`
	Stage     string          `json:"stage"`
	Owner     process.Handle  `json:"owner"`
	Started   time.Time       `json:"started"`
	Resources []ResourceState `json:"resources"`
}

type ResourceState struct {
	ID    int     `json:"id"`
	Stage string  `json:"stage"`
	Code  xa.Code `json:"code"`
}

type ProxyState struct {
	ID         int             `json:"id"`
	Key        string          `json:"key"`
	Configured int             `json:"configured"`
	Instances  []InstanceState `json:"instances"`
}

type InstanceState struct {
	Process  process.Handle `json:"process"`
	Instance string         `json:"instance"`
	Healthy  bool           `json:"healthy"`
	Inflight int            `json:"inflight"`
}

func (BeginRequest) Type() Type            { return TypeBeginRequest }
func (BeginReply) Type() Type              { return TypeBeginReply }
func (CommitRequest) Type() Type           { return TypeCommitRequest }
func (CommitReply) Type() Type             { return TypeCommitReply }
func (RollbackRequest) Type() Type         { return TypeRollbackRequest }
func (RollbackReply) Type() Type           { return TypeRollbackReply }
func (Involved) Type() Type                { return TypeInvolved }
func (InvolvedReply) Type() Type           { return TypeInvolvedReply }
func (ResourcePrepareRequest) Type() Type  { return TypeResourcePrepareRequest }
func (ResourcePrepareReply) Type() Type    { return TypeResourcePrepareReply }
func (ResourceCommitRequest) Type() Type   { return TypeResourceCommitRequest }
func (ResourceCommitReply) Type() Type     { return TypeResourceCommitReply }
func (ResourceRollbackRequest) Type() Type { return TypeResourceRollbackRequest }
func (ResourceRollbackReply) Type() Type   { return TypeResourceRollbackReply }
func (ConnectRequest) Type() Type          { return TypeConnectRequest }
func (ConnectReply) Type() Type            { return TypeConnectReply }
func (ReconnectRequest) Type() Type        { return TypeReconnectRequest }
func (LookupRequest) Type() Type           { return TypeLookupRequest }
func (LookupReply) Type() Type             { return TypeLookupReply }
func (StateRequest) Type() Type            { return TypeStateRequest }
func (StateReply) Type() Type              { return TypeStateReply }
func (ProcessExit) Type() Type             { return TypeProcessExit }
