package memrm

import (
	"context"

	"github.com/xiaoxuxiansheng/goxa/resource"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type Driver struct {
	backend      *Backend
	registration resource.Registration
}

type Option func(*Driver)

// WithDynamic 以动态注册方式加入事务
func WithDynamic() Option {
	return func(d *Driver) {
		d.registration = resource.Dynamic
	}
}

func New(backend *Backend, opts ...Option) *Driver {
	d := &Driver{backend: backend}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Backend() *Backend {
	return d.backend
}

func (d *Driver) Name() string {
	return d.backend.Name()
}

func (d *Driver) Registration() resource.Registration {
	return d.registration
}

func (d *Driver) Open(ctx context.Context, info string, rmid int, flags xa.Flag) xa.Code {
	return d.backend.do(ctx, OpOpen, trid.Null, rmid, flags, func() xa.Code {
		return xa.OK
	})
}

func (d *Driver) Close(ctx context.Context, info string, rmid int, flags xa.Flag) xa.Code {
	return d.backend.do(ctx, OpClose, trid.Null, rmid, flags, func() xa.Code {
		return xa.OK
	})
}

func (d *Driver) Start(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.backend.do(ctx, OpStart, id, rmid, flags, func() xa.Code {
		return d.backend.start(id, flags)
	})
}

func (d *Driver) End(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.backend.do(ctx, OpEnd, id, rmid, flags, func() xa.Code {
		return d.backend.end(id, flags)
	})
}

func (d *Driver) Prepare(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.backend.do(ctx, OpPrepare, id, rmid, flags, func() xa.Code {
		return d.backend.prepare(id)
	})
}

func (d *Driver) Commit(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.backend.do(ctx, OpCommit, id, rmid, flags, func() xa.Code {
		return d.backend.commit(id, flags)
	})
}

func (d *Driver) Rollback(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.backend.do(ctx, OpRollback, id, rmid, flags, func() xa.Code {
		return d.backend.rollback(id)
	})
}

func (d *Driver) Recover(ctx context.Context, rmid int) ([]trid.ID, xa.Code) {
	var ids []trid.ID
	code := d.backend.do(ctx, OpRecover, trid.Null, rmid, xa.TMNoFlags, func() xa.Code {
		ids = d.backend.recover()
		return xa.OK
	})
	return ids, code
}
