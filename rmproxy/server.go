// Package rmproxy 资源管理器代理进程. 代理持有一个资源实例, 代表事务管理器对分支执行
// prepare/commit/rollback, 并在启动时把驱动 recover 出的存疑分支报告给事务管理器.
package rmproxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaoxuxiansheng/goxa/ipc"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/message"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/resource"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

var ErrRejected = errors.New("rmproxy: connect rejected by coordinator")

type Server struct {
	opts     *Options
	endpoint *ipc.Endpoint
	tm       process.Handle
	resource *resource.Resource
	// 实例标识, 同一标识重连视为同一实例
	instance string
}

func New(bus *ipc.Bus, tm process.Handle, r *resource.Resource, instance string, opts ...Option) (*Server, error) {
	if bus == nil || r == nil {
		return nil, errors.New("rmproxy: nil bus or resource")
	}
	if instance == "" {
		instance = fmt.Sprintf("%s-%d", r.Key(), r.ID())
	}

	s := Server{
		opts:     &Options{},
		tm:       tm,
		resource: r,
		instance: instance,
	}
	for _, opt := range opts {
		opt(s.opts)
	}
	repair(s.opts)

	ep, err := bus.Open(process.New("rmproxy/"+r.Key()), s.opts.InboxSize)
	if err != nil {
		return nil, err
	}
	s.endpoint = ep
	return &s, nil
}

func (s *Server) Handle() process.Handle {
	return s.endpoint.Handle()
}

func (s *Server) Instance() string {
	return s.instance
}

// Stop 关闭收件箱, 事务管理器会收到进程退出通知
func (s *Server) Stop() {
	s.endpoint.Close()
}

// Run 打开资源, 向事务管理器注册, 然后处理请求直到 ctx 结束或 Stop 被调用
func (s *Server) Run(ctx context.Context) error {
	defer s.endpoint.Close()
	defer func() {
		_ = s.resource.Close(context.Background())
		s.resource.Release()
	}()

	if err := s.connect(ctx); err != nil {
		return err
	}

	for {
		env, err := s.endpoint.Receive(ctx)
		if errors.Is(err, ipc.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		s.serve(ctx, env)
	}
}

func (s *Server) connect(ctx context.Context) error {
	if code := s.resource.Open(ctx); code != xa.OK {
		return xa.Errorf(code, "connect", "open resource %s", s.resource)
	}

	inDoubt, code := s.resource.Recover(ctx)
	if code != xa.OK {
		// 无法确认存疑分支时仍然注册, 由恢复扫描补偿
		log.WarnContextf(ctx, "proxy %s recover failed, code: %s", s.instance, code)
		inDoubt = nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	resp, err := s.endpoint.Call(cctx, s.tm, message.ConnectRequest{
		Process:  s.Handle(),
		Key:      s.resource.Key(),
		Resource: s.resource.ID(),
		Instance: s.instance,
		InDoubt:  inDoubt,
	})
	if err != nil {
		return fmt.Errorf("rmproxy: connect %s: %w", s.instance, err)
	}
	reply, ok := resp.(message.ConnectReply)
	if !ok || !reply.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, s.instance)
	}
	log.InfoContextf(ctx, "proxy %s connected, resource: %s, in doubt: %d", s.instance, s.resource, len(inDoubt))
	return nil
}

func (s *Server) serve(ctx context.Context, env message.Envelope) {
	octx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	switch req := env.Message.(type) {
	case message.ResourcePrepareRequest:
		for _, rid := range req.Resources {
			code := xa.InvalidArgument
			if rid == s.resource.ID() {
				code = s.resource.Prepare(octx, req.Trid)
			}
			s.reply(ctx, env, message.ResourcePrepareReply{Trid: req.Trid, Resource: rid, Result: code})
		}
	case message.ResourceCommitRequest:
		for _, rid := range req.Resources {
			code := xa.InvalidArgument
			if rid == s.resource.ID() {
				code = s.resource.Commit(octx, req.Trid, req.OnePhase)
			}
			s.reply(ctx, env, message.ResourceCommitReply{Trid: req.Trid, Resource: rid, Result: code})
		}
	case message.ResourceRollbackRequest:
		for _, rid := range req.Resources {
			code := xa.InvalidArgument
			if rid == s.resource.ID() {
				code = s.resource.Rollback(octx, req.Trid)
			}
			s.reply(ctx, env, message.ResourceRollbackReply{Trid: req.Trid, Resource: rid, Result: code})
		}
	case message.ReconnectRequest:
		// 实例被事务管理器判定为不健康, 重新注册并再次上报存疑分支
		if err := s.connect(ctx); err != nil {
			log.WarnContextf(ctx, "proxy %s reconnect failed, err: %v", s.instance, err)
		}
	default:
		log.WarnContextf(ctx, "proxy %s ignore %s from %s", s.instance, env.Message.Type(), env.From)
	}
}

func (s *Server) reply(ctx context.Context, req message.Envelope, msg message.Message) {
	if err := s.endpoint.Reply(ctx, req, msg); err != nil {
		log.ErrorContextf(ctx, "proxy %s reply %s to %s failed, err: %v", s.instance, msg.Type(), req.From, err)
	}
}
