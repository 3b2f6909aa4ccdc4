// Package tx 进程内的事务上下文: 事务栈, begin/commit/rollback 的编排以及资源登记.
//
// Context 不支持并发调用, 每次调用都会阻塞到应答到达或超时.
package tx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/ipc"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/resource"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type Context struct {
	endpoint  *ipc.Endpoint
	tm        process.Handle
	opts      *Options
	resources map[int]*resource.Resource
	keys      map[string]int
	// 资源的配置顺序
	ids []int
	// 栈顶事务未挂起时即为当前事务
	stack []*Transaction
}

func NewContext(endpoint *ipc.Endpoint, tm process.Handle, resources []*resource.Resource, opts ...Option) (*Context, error) {
	if endpoint == nil {
		return nil, errors.New("tx: nil endpoint")
	}
	c := Context{
		endpoint:  endpoint,
		tm:        tm,
		opts:      &Options{},
		resources: make(map[int]*resource.Resource, len(resources)),
		keys:      make(map[string]int, len(resources)),
	}
	for _, opt := range opts {
		opt(c.opts)
	}
	repair(c.opts)

	for _, r := range resources {
		if r == nil {
			return nil, errors.New("tx: nil resource")
		}
		if _, ok := c.resources[r.ID()]; ok {
			return nil, fmt.Errorf("tx: repeat resource id: %d", r.ID())
		}
		if _, ok := c.keys[r.Key()]; ok {
			return nil, fmt.Errorf("tx: repeat resource key: %s", r.Key())
		}
		c.resources[r.ID()] = r
		c.keys[r.Key()] = r.ID()
		c.ids = append(c.ids, r.ID())
	}
	return &c, nil
}

func (c *Context) Self() process.Handle {
	return c.endpoint.Handle()
}

// Current 没有当前事务时返回 nil
func (c *Context) Current() *Transaction {
	if len(c.stack) == 0 {
		return nil
	}
	t := c.stack[len(c.stack)-1]
	if t.suspended {
		return nil
	}
	return t
}

// Depth 栈中事务数, 包括挂起的事务
func (c *Context) Depth() int {
	return len(c.stack)
}

// Open 进程启动时打开全部资源. 打开失败的资源会在首次使用时重试
func (c *Context) Open(ctx context.Context) error {
	var firstErr error
	for _, rid := range c.ids {
		r := c.resources[rid]
		if code := r.Open(ctx); code != xa.OK && firstErr == nil {
			firstErr = xa.Errorf(code, "open", "resource %s", r)
		}
	}
	return firstErr
}

// Teardown 进程退出前调用: 丢弃未完成的调用, 强制回滚仍存活的事务, 然后关闭资源
func (c *Context) Teardown(ctx context.Context) error {
	var firstErr error
	for len(c.stack) > 0 {
		t := c.stack[len(c.stack)-1]
		t.discard()

		var code xa.Code
		if t.trid.Owner == c.Self() && !t.participant {
			code = c.rollback(ctx, t)
		} else {
			code, _ = c.end(ctx, t, xa.TMFail)
		}
		if err := xa.AsError(code, "teardown"); err != nil {
			log.WarnContextf(ctx, "teardown transaction %s, code: %s", t.trid, code)
			if firstErr == nil {
				firstErr = err
			}
		}
		c.pop(t)
	}

	for _, rid := range c.ids {
		r := c.resources[rid]
		_ = r.Close(ctx)
		r.Release()
	}
	return firstErr
}

// Begin 已有活跃事务时返回 protocol-violation, 现有事务不受影响
func (c *Context) Begin(ctx context.Context) (trid.ID, error) {
	if t := c.Current(); t != nil {
		return trid.Null, xa.Errorf(xa.ProtocolViolation, "begin", "transaction %s already active", t.trid)
	}

	id := trid.New(c.Self())
	if c.opts.CoordinatorBegin {
		resp, err := c.call(ctx, message.BeginRequest{Owner: c.Self()})
		if err != nil {
			return trid.Null, &xa.Error{Code: xa.RollbackCommunication, Op: "begin", Err: err}
		}
		reply, ok := resp.(message.BeginReply)
		if !ok {
			return trid.Null, xa.Errorf(xa.RMError, "begin", "unexpected reply: %s", resp.Type())
		}
		if reply.Result != xa.OK {
			return trid.Null, xa.NewError(reply.Result, "begin")
		}
		id = reply.Trid
	}

	t := newTransaction(id, c.opts.TransactionTimeout)
	if c.opts.CoordinatorBegin {
		// 事务管理器已持有该事务的记录, 提交或回滚都要经由它完成
		t.MarkExternal()
	}
	c.stack = append(c.stack, t)
	log.DebugContextf(ctx, "begin transaction %s", id)
	return id, nil
}

// JoinOrStart 入站调用携带 trid 时以新分支身份加入, 否则等同于 Begin
func (c *Context) JoinOrStart(ctx context.Context, inbound trid.ID) (trid.ID, error) {
	if inbound.IsNull() {
		return c.Begin(ctx)
	}
	if t := c.Current(); t != nil {
		return trid.Null, xa.Errorf(xa.ProtocolViolation, "join", "transaction %s already active", t.trid)
	}

	t := newTransaction(trid.Branch(inbound), c.opts.TransactionTimeout)
	t.participant = true
	t.MarkExternal()
	c.stack = append(c.stack, t)
	log.DebugContextf(ctx, "join transaction %s as %s", inbound, t.trid)
	return t.trid, nil
}

func (c *Context) Commit(ctx context.Context) error {
	t, err := c.finalizable("commit")
	if err != nil {
		return err
	}
	defer c.pop(t)

	if t.Expired(time.Now()) || t.state != StateActive {
		cause := xa.RollbackUnspecified
		if t.state == StateTimeout {
			cause = xa.RollbackTimeout
		}
		if code := c.rollback(ctx, t); code != xa.OK {
			log.WarnContextf(ctx, "rollback %s transaction %s, code: %s", t.state, t.trid, code)
		}
		return xa.Errorf(cause, "commit", "transaction %s is %s", t.trid, t.state)
	}

	// 第一阶段前结束全部关联中的分支
	if code, rid := c.end(ctx, t, xa.TMSuccess); code != xa.OK {
		t.SetRollbackOnly()
		_ = c.rollback(ctx, t)
		cause := code
		if !cause.IsRollback() {
			cause = xa.RollbackUnspecified
		}
		return xa.Errorf(cause, "commit", "end resource %d: %s", rid, code)
	}

	involved := t.Involved()
	if t.Local(c.Self()) && len(involved) <= 1 {
		if len(involved) == 0 {
			return nil
		}
		return xa.AsError(c.resources[involved[0]].Commit(ctx, t.trid, true), "commit")
	}

	// 两个及以上资源或涉及外部资源时由事务管理器决议
	return xa.AsError(c.coordinate(ctx, t, true), "commit")
}

func (c *Context) Rollback(ctx context.Context) error {
	t, err := c.finalizable("rollback")
	if err != nil {
		return err
	}
	defer c.pop(t)
	return xa.AsError(c.rollback(ctx, t), "rollback")
}

// Leave 参与方结束本进程内的分支并退出事务, 由发起方决定提交或回滚. fail 为 true 时分支只能回滚
func (c *Context) Leave(ctx context.Context, fail bool) error {
	t := c.Current()
	if t == nil {
		return xa.Errorf(xa.ProtocolViolation, "leave", "no active transaction")
	}
	if t.trid.Owner == c.Self() && !t.participant {
		return xa.Errorf(xa.ProtocolViolation, "leave", "owner of %s must commit or rollback", t.trid)
	}
	if t.Pending() {
		return xa.Errorf(xa.ProtocolViolation, "leave", "transaction %s has pending replies", t.trid)
	}
	defer c.pop(t)

	flags := xa.TMSuccess
	if fail || t.Expired(time.Now()) || t.state != StateActive {
		flags = xa.TMFail
	}
	if code, rid := c.end(ctx, t, flags); code != xa.OK {
		return xa.Errorf(code, "leave", "end resource %d", rid)
	}
	return nil
}

// Suspend 挂起当前事务, 之后进程处于无事务状态
func (c *Context) Suspend(ctx context.Context) (trid.ID, error) {
	t := c.Current()
	if t == nil {
		return trid.Null, xa.Errorf(xa.ProtocolViolation, "suspend", "no active transaction")
	}
	if code, rid := c.end(ctx, t, xa.TMSuspend); code != xa.OK {
		log.WarnContextf(ctx, "suspend transaction %s, end resource %d failed, code: %s", t.trid, rid, code)
		t.SetRollbackOnly()
	}
	t.Suspend()
	return t.trid, nil
}

// Resume 恢复本进程挂起的事务, 本进程没有时向事务管理器确认后重建
func (c *Context) Resume(ctx context.Context, id trid.ID) error {
	if t := c.Current(); t != nil {
		return xa.Errorf(xa.ProtocolViolation, "resume", "transaction %s already active", t.trid)
	}
	if id.IsNull() {
		return xa.Errorf(xa.InvalidArgument, "resume", "null trid")
	}

	for i := len(c.stack) - 1; i >= 0; i-- {
		t := c.stack[i]
		if !t.suspended || !t.trid.Equal(id) {
			continue
		}
		c.stack = append(append(c.stack[:i:i], c.stack[i+1:]...), t)
		t.Resume()
		for _, rid := range c.associated(t) {
			if code := c.resources[rid].Start(ctx, t.trid, xa.TMResume); code != xa.OK {
				log.WarnContextf(ctx, "resume transaction %s, start resource %d failed, code: %s", t.trid, rid, code)
				t.SetRollbackOnly()
			}
		}
		return nil
	}

	resp, err := c.call(ctx, message.LookupRequest{Trid: id})
	if err != nil {
		return &xa.Error{Code: xa.RollbackCommunication, Op: "resume", Err: err}
	}
	if reply, ok := resp.(message.LookupReply); !ok || !reply.Known {
		return xa.Errorf(xa.ProtocolViolation, "resume", "transaction %s was never suspended", id)
	}

	t := newTransaction(id, c.opts.TransactionTimeout)
	t.MarkExternal()
	c.stack = append(c.stack, t)
	log.DebugContextf(ctx, "resume transaction %s from coordinator", id)
	return nil
}

// Enlist 资源首次在当前事务中使用时调用 start. 动态注册的资源转交 Register
func (c *Context) Enlist(ctx context.Context, key string) error {
	t := c.Current()
	if t == nil {
		return xa.Errorf(xa.ProtocolViolation, "enlist", "no active transaction")
	}
	r, ok := c.resource(key)
	if !ok {
		return xa.Errorf(xa.InvalidArgument, "enlist", "unknown resource: %s", key)
	}
	if r.Dynamic() {
		return c.Register(ctx, key)
	}
	if t.Involves(r.ID()) {
		return nil
	}
	if err := c.enlist(ctx, t, r, xa.TMNoFlags, "enlist"); err != nil {
		return err
	}
	t.Involve(r.ID())
	return nil
}

// Register 动态注册的资源在事务中途加入
func (c *Context) Register(ctx context.Context, key string) error {
	t := c.Current()
	if t == nil {
		return xa.Errorf(xa.ProtocolViolation, "register", "no active transaction")
	}
	r, ok := c.resource(key)
	if !ok || !r.Dynamic() {
		return xa.Errorf(xa.InvalidArgument, "register", "unknown dynamic resource: %s", key)
	}
	if t.Dynamic(r.ID()) {
		return nil
	}

	// 注销后再次注册时重新加入原分支
	if t.Involves(r.ID()) {
		if code := r.Start(ctx, t.trid, xa.TMJoin); code != xa.OK {
			return xa.Errorf(code, "register", "resource %s", r)
		}
	} else if err := c.enlist(ctx, t, r, xa.TMNoFlags, "register"); err != nil {
		return err
	}
	t.AssociateDynamic(r.ID())
	return nil
}

func (c *Context) Unregister(ctx context.Context, key string) error {
	t := c.Current()
	if t == nil {
		return xa.Errorf(xa.ProtocolViolation, "unregister", "no active transaction")
	}
	r, ok := c.resource(key)
	if !ok || !r.Dynamic() {
		return xa.Errorf(xa.InvalidArgument, "unregister", "unknown dynamic resource: %s", key)
	}
	if !t.DisassociateDynamic(r.ID()) {
		return xa.Errorf(xa.ProtocolViolation, "unregister", "resource %s not registered", r)
	}
	if code := r.End(ctx, t.trid, xa.TMSuccess); code != xa.OK {
		t.SetRollbackOnly()
		return xa.Errorf(code, "unregister", "resource %s", r)
	}
	return nil
}

func (c *Context) SetRollbackOnly() error {
	t := c.Current()
	if t == nil {
		return xa.Errorf(xa.ProtocolViolation, "set rollback only", "no active transaction")
	}
	t.SetRollbackOnly()
	return nil
}

// Associate 当前事务发起了一次携带 trid 的异步调用
func (c *Context) Associate(correlation uuid.UUID) error {
	t := c.Current()
	if t == nil {
		return xa.Errorf(xa.ProtocolViolation, "associate", "no active transaction")
	}
	t.Associate(correlation)
	t.MarkExternal()
	return nil
}

// Replied 应答可能在事务挂起后才到达, 因此在整个栈中查找
func (c *Context) Replied(correlation uuid.UUID) error {
	for _, t := range c.stack {
		if t.Replied(correlation) {
			return nil
		}
	}
	return xa.Errorf(xa.InvalidArgument, "replied", "unknown correlation: %s", correlation)
}

func (c *Context) finalizable(op string) (*Transaction, error) {
	t := c.Current()
	if t == nil {
		return nil, xa.Errorf(xa.ProtocolViolation, op, "no active transaction")
	}
	if t.Pending() {
		return nil, xa.Errorf(xa.ProtocolViolation, op, "transaction %s has pending replies", t.trid)
	}
	if t.participant || t.trid.Owner != c.Self() {
		return nil, xa.Errorf(xa.ProtocolViolation, op, "only the owner of %s may %s", t.trid, op)
	}
	return t, nil
}

func (c *Context) rollback(ctx context.Context, t *Transaction) xa.Code {
	if code, rid := c.end(ctx, t, xa.TMFail); code != xa.OK {
		log.DebugContextf(ctx, "rollback transaction %s, end resource %d, code: %s", t.trid, rid, code)
	}
	if t.Local(c.Self()) {
		return c.rollbackLocal(ctx, t)
	}
	return c.coordinate(ctx, t, false)
}

func (c *Context) rollbackLocal(ctx context.Context, t *Transaction) xa.Code {
	replies := make([]xa.Code, 0, len(t.involved))
	for _, rid := range t.involved {
		replies = append(replies, c.resources[rid].Rollback(ctx, t.trid))
	}
	return xa.Outcome(xa.DecisionRollback, xa.OK, replies...)
}

// coordinate 把提交或回滚交给事务管理器并阻塞等待决议
func (c *Context) coordinate(ctx context.Context, t *Transaction, commit bool) xa.Code {
	var req message.Message = message.RollbackRequest{Trid: t.trid, Resources: t.Involved()}
	if commit {
		req = message.CommitRequest{Trid: t.trid, Resources: t.Involved()}
	}

	resp, err := c.call(ctx, req)
	if errors.Is(err, ipc.ErrUnreachable) {
		// 请求未送达, 事务管理器不会做出提交决议, 本地分支直接回滚
		log.WarnContextf(ctx, "coordinator unreachable, rollback transaction %s locally", t.trid)
		code := c.rollbackLocal(ctx, t)
		if commit && code == xa.OK {
			return xa.RollbackCommunication
		}
		return code
	}
	if err != nil {
		log.ErrorContextf(ctx, "wait decision of transaction %s failed, err: %v", t.trid, err)
		return xa.HeuristicHazard
	}

	switch reply := resp.(type) {
	case message.CommitReply:
		return reply.Result
	case message.RollbackReply:
		return reply.Result
	default:
		log.ErrorContextf(ctx, "unexpected decision reply: %s", resp.Type())
		return xa.RMError
	}
}

// enlist 调用 start, 不归本进程发起的事务还需要登记到事务管理器
func (c *Context) enlist(ctx context.Context, t *Transaction, r *resource.Resource, flags xa.Flag, op string) error {
	code := r.Start(ctx, t.trid, flags)
	// 重建的事务可能已在该资源上存在分支
	if code == xa.DuplicateID && !t.participant && t.trid.Owner != c.Self() {
		code = r.Start(ctx, t.trid, flags|xa.TMJoin)
	}
	if code != xa.OK {
		return xa.Errorf(code, op, "resource %s", r)
	}
	if t.trid.Owner == c.Self() {
		return nil
	}

	var result xa.Code
	resp, err := c.call(ctx, message.Involved{Trid: t.trid, Resources: []int{r.ID()}})
	if err != nil {
		result = xa.RollbackCommunication
	} else if reply, ok := resp.(message.InvolvedReply); !ok {
		result = xa.RMError
	} else {
		result = reply.Result
	}
	if result == xa.OK {
		return nil
	}

	// 事务管理器不知道这个分支, 只能由本进程回滚
	t.SetRollbackOnly()
	_ = r.End(ctx, t.trid, xa.TMFail)
	_ = r.Rollback(ctx, t.trid)
	if err != nil {
		return &xa.Error{Code: result, Op: op, Err: fmt.Errorf("report resource %s: %w", r, err)}
	}
	return xa.Errorf(result, op, "report resource %s", r)
}

func (c *Context) end(ctx context.Context, t *Transaction, flags xa.Flag) (xa.Code, int) {
	code, failed := xa.OK, 0
	for _, rid := range c.associated(t) {
		if rc := c.resources[rid].End(ctx, t.trid, flags); rc != xa.OK && code == xa.OK {
			code, failed = rc, rid
		}
	}
	return code, failed
}

// associated 已注销的动态资源不再关联
func (c *Context) associated(t *Transaction) []int {
	ids := make([]int, 0, len(t.involved))
	for _, rid := range t.involved {
		if c.resources[rid].Dynamic() && !t.Dynamic(rid) {
			continue
		}
		ids = append(ids, rid)
	}
	return ids
}

func (c *Context) call(ctx context.Context, msg message.Message) (message.Message, error) {
	cctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	return c.endpoint.Call(cctx, c.tm, msg)
}

func (c *Context) resource(key string) (*resource.Resource, bool) {
	rid, ok := c.keys[key]
	if !ok {
		return nil, false
	}
	return c.resources[rid], true
}

func (c *Context) pop(t *Transaction) {
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i] == t {
			c.stack = append(c.stack[:i], c.stack[i+1:]...)
			return
		}
	}
}
