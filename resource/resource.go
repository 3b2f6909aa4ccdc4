// Package resource 封装单个资源管理器驱动实例: open/close/start/end/prepare/commit/rollback,
// 资源管理器失效时的 reopen 重试, 以及已终结分支的幂等应答.
package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

const defaultOutcomeCacheSize = 1 << 14

type Config struct {
	// 资源管理器类型名称
	Key       string
	ID        int
	OpenInfo  string
	CloseInfo string
	// 缓存已终结分支结果的条数上限
	OutcomeCacheSize int64
}

// Resource 进程启动时创建, 生命周期与进程相同, 只通过 id 引用
type Resource struct {
	key       string
	id        int
	driver    Driver
	openInfo  string
	closeInfo string
	opened    bool
	released  bool
	outcomes  *ristretto.Cache[string, xa.Code]
}

func New(cfg Config, driver Driver) (*Resource, error) {
	if driver == nil {
		return nil, errors.New("resource: nil driver")
	}
	if cfg.Key == "" {
		cfg.Key = driver.Name()
	}
	size := cfg.OutcomeCacheSize
	if size <= 0 {
		size = defaultOutcomeCacheSize
	}
	outcomes, err := ristretto.NewCache(&ristretto.Config[string, xa.Code]{
		NumCounters:        size * 10,
		MaxCost:            size,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("resource %s: outcome cache: %w", cfg.Key, err)
	}

	return &Resource{
		key:       cfg.Key,
		id:        cfg.ID,
		driver:    driver,
		openInfo:  cfg.OpenInfo,
		closeInfo: cfg.CloseInfo,
		outcomes:  outcomes,
	}, nil
}

func (r *Resource) Key() string {
	return r.key
}

func (r *Resource) ID() int {
	return r.id
}

func (r *Resource) Dynamic() bool {
	return r.driver.Registration() == Dynamic
}

func (r *Resource) Opened() bool {
	return r.opened
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s#%d", r.key, r.id)
}

// Open 幂等. 失败时资源记为关闭, 下一次操作会重新尝试 open
func (r *Resource) Open(ctx context.Context) xa.Code {
	if r.opened {
		return xa.OK
	}
	code := r.driver.Open(ctx, r.openInfo, r.id, xa.TMNoFlags)
	if code != xa.OK {
		log.WarnContextf(ctx, "resource %s open failed, code: %s", r, code)
		return code
	}
	r.opened = true
	return xa.OK
}

func (r *Resource) Close(ctx context.Context) xa.Code {
	if !r.opened {
		return xa.OK
	}
	r.opened = false
	return r.driver.Close(ctx, r.closeInfo, r.id, xa.TMNoFlags)
}

// Release 进程退出时释放结果缓存, 幂等
func (r *Resource) Release() {
	if r.released {
		return
	}
	r.released = true
	r.outcomes.Close()
}

func (r *Resource) Start(ctx context.Context, id trid.ID, flags xa.Flag) xa.Code {
	return r.guard(ctx, "start", func() xa.Code {
		return r.driver.Start(ctx, id, r.id, flags)
	})
}

func (r *Resource) End(ctx context.Context, id trid.ID, flags xa.Flag) xa.Code {
	return r.guard(ctx, "end", func() xa.Code {
		return r.driver.End(ctx, id, r.id, flags)
	})
}

// Prepare 返回 ok, read-only 或导致回滚的结果码
func (r *Resource) Prepare(ctx context.Context, id trid.ID) xa.Code {
	code := r.guard(ctx, "prepare", func() xa.Code {
		return r.driver.Prepare(ctx, id, r.id, xa.TMNoFlags)
	})
	// read-only 与否决票都意味着分支已经终结
	if code == xa.ReadOnly || code.IsRollback() {
		r.remember(id, code)
	}
	return code
}

func (r *Resource) Commit(ctx context.Context, id trid.ID, onePhase bool) xa.Code {
	if code, ok := r.outcomes.Get(id.String()); ok {
		log.DebugContextf(ctx, "resource %s commit %s already finalized, code: %s", r, id, code)
		return code
	}
	flags := xa.TMNoFlags
	if onePhase {
		flags = xa.TMOnePhase
	}
	code := r.guard(ctx, "commit", func() xa.Code {
		return r.driver.Commit(ctx, id, r.id, flags)
	})
	if terminal(code) {
		r.remember(id, code)
	}
	return code
}

func (r *Resource) Rollback(ctx context.Context, id trid.ID) xa.Code {
	if code, ok := r.outcomes.Get(id.String()); ok {
		log.DebugContextf(ctx, "resource %s rollback %s already finalized, code: %s", r, id, code)
		return code
	}
	code := r.guard(ctx, "rollback", func() xa.Code {
		return r.driver.Rollback(ctx, id, r.id, xa.TMNoFlags)
	})
	if terminal(code) {
		r.remember(id, code)
	}
	return code
}

func (r *Resource) Recover(ctx context.Context) ([]trid.ID, xa.Code) {
	var ids []trid.ID
	code := r.guard(ctx, "recover", func() xa.Code {
		var c xa.Code
		ids, c = r.driver.Recover(ctx, r.id)
		return c
	})
	return ids, code
}

// guard 资源管理器失效时 close 再 open 一次, 并且只重试一次
func (r *Resource) guard(ctx context.Context, op string, do func() xa.Code) xa.Code {
	if code := r.Open(ctx); code != xa.OK {
		return code
	}

	code := do()
	if !code.Unavailable() {
		return code
	}

	log.WarnContextf(ctx, "resource %s %s failed, code: %s, reopen and retry", r, op, code)
	_ = r.Close(ctx)
	if reopen := r.Open(ctx); reopen != xa.OK {
		return code
	}
	return do()
}

func (r *Resource) remember(id trid.ID, code xa.Code) {
	r.outcomes.Set(id.String(), code, 1)
	r.outcomes.Wait()
}

func terminal(code xa.Code) bool {
	return code == xa.OK || code == xa.ReadOnly || code.IsRollback() || code.IsHeuristic()
}
