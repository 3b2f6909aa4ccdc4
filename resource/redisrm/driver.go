// Package redisrm 基于 redis 的资源管理器驱动. 分支状态保存在 redis 中, 以分支维度的分布式锁保证串行.
package redisrm

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/pkg"
	"github.com/xiaoxuxiansheng/goxa/resource"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// 分支在 redis 中记录的状态
type BranchStatus string

func (b BranchStatus) String() string {
	return string(b)
}

const (
	BranchActive       BranchStatus = "active"
	BranchIdle         BranchStatus = "idle"
	BranchRollbackOnly BranchStatus = "rollbackonly"
	BranchPrepared     BranchStatus = "prepared"
	BranchCommitted    BranchStatus = "committed"
	BranchRolledBack   BranchStatus = "rolledback"
)

type Driver struct {
	name   string
	client *redis_lock.Client
}

func New(name string, client *redis_lock.Client) *Driver {
	return &Driver{
		name:   name,
		client: client,
	}
}

func (d *Driver) Name() string {
	return d.name
}

func (d *Driver) Registration() resource.Registration {
	return resource.Static
}

// Open 探测 redis 连通性
func (d *Driver) Open(ctx context.Context, info string, rmid int, flags xa.Flag) xa.Code {
	if _, err := d.client.Get(ctx, pkg.BuildPingKey(d.name)); err != nil && !errors.Is(err, redis_lock.ErrNil) {
		log.WarnContextf(ctx, "redis rm %s open failed, err: %v", d.name, err)
		return xa.RMFail
	}
	return xa.OK
}

func (d *Driver) Close(ctx context.Context, info string, rmid int, flags xa.Flag) xa.Code {
	return xa.OK
}

func (d *Driver) Start(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.locked(ctx, id, func() xa.Code {
		reply, err := d.client.SetNX(ctx, d.branchKey(id), BranchActive.String())
		if err != nil {
			return xa.RMFail
		}
		if reply == 1 {
			return xa.OK
		}

		status, code := d.status(ctx, id)
		if code != xa.OK {
			return code
		}
		// 只有 join/resume 可以重新关联未终结的分支
		if !flags.Has(xa.TMJoin) && !flags.Has(xa.TMResume) {
			return xa.DuplicateID
		}
		switch status {
		case BranchActive, BranchIdle:
			return d.set(ctx, id, BranchActive)
		default:
			return xa.DuplicateID
		}
	})
}

func (d *Driver) End(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.locked(ctx, id, func() xa.Code {
		status, code := d.status(ctx, id)
		if code != xa.OK {
			return code
		}
		switch status {
		case BranchActive, BranchIdle:
		case BranchRollbackOnly:
			return xa.OK
		default:
			return xa.ProtocolViolation
		}
		if flags.Has(xa.TMFail) {
			return d.set(ctx, id, BranchRollbackOnly)
		}
		return d.set(ctx, id, BranchIdle)
	})
}

func (d *Driver) Prepare(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.locked(ctx, id, func() xa.Code {
		status, code := d.status(ctx, id)
		if code != xa.OK {
			return code
		}
		switch status {
		case BranchIdle:
		case BranchRollbackOnly:
			if code := d.set(ctx, id, BranchRolledBack); code != xa.OK {
				return code
			}
			return xa.RollbackUnspecified
		case BranchPrepared:
			return xa.OK
		default:
			return xa.ProtocolViolation
		}

		// 先登记到 prepared 列表, 再更新分支状态, 保证 recover 不会遗漏
		if code := d.updatePrepared(ctx, id, true); code != xa.OK {
			return code
		}
		return d.set(ctx, id, BranchPrepared)
	})
}

func (d *Driver) Commit(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.locked(ctx, id, func() xa.Code {
		status, code := d.status(ctx, id)
		if code != xa.OK {
			return code
		}
		switch status {
		case BranchCommitted: // 重复的 commit 请求, 幂等响应
			return xa.OK
		case BranchRolledBack:
			return xa.RollbackUnspecified
		case BranchIdle:
			if !flags.Has(xa.TMOnePhase) {
				return xa.ProtocolViolation
			}
		case BranchPrepared:
			if flags.Has(xa.TMOnePhase) {
				return xa.ProtocolViolation
			}
		case BranchRollbackOnly:
			if flags.Has(xa.TMOnePhase) {
				_ = d.set(ctx, id, BranchRolledBack)
				return xa.RollbackUnspecified
			}
			return xa.ProtocolViolation
		default:
			return xa.ProtocolViolation
		}

		if code := d.set(ctx, id, BranchCommitted); code != xa.OK {
			return code
		}
		// 从 prepared 列表摘除失败不影响结果, 下次 recover 时幂等处理
		if status == BranchPrepared {
			_ = d.updatePrepared(ctx, id, false)
		}
		return xa.OK
	})
}

func (d *Driver) Rollback(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code {
	return d.locked(ctx, id, func() xa.Code {
		status, err := d.client.Get(ctx, d.branchKey(id))
		if err != nil && !errors.Is(err, redis_lock.ErrNil) {
			return xa.RMFail
		}
		switch BranchStatus(status) {
		case "", BranchRolledBack: // 未知分支或已回滚, 幂等响应
			return xa.OK
		case BranchCommitted: // 先 commit 后 rollback, 分支已经提交
			return xa.HeuristicCommit
		}

		if code := d.set(ctx, id, BranchRolledBack); code != xa.OK {
			return code
		}
		if BranchStatus(status) == BranchPrepared {
			_ = d.updatePrepared(ctx, id, false)
		}
		return xa.OK
	})
}

func (d *Driver) Recover(ctx context.Context, rmid int) ([]trid.ID, xa.Code) {
	prepared, code := d.prepared(ctx)
	if code != xa.OK {
		return nil, code
	}
	ids := make([]trid.ID, 0, len(prepared))
	for _, raw := range prepared {
		id, err := trid.Parse(raw)
		if err != nil {
			log.WarnContextf(ctx, "redis rm %s recover skip invalid trid: %s", d.name, raw)
			continue
		}
		ids = append(ids, id)
	}
	return ids, xa.OK
}

func (d *Driver) locked(ctx context.Context, id trid.ID, do func() xa.Code) xa.Code {
	// 基于分支维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildBranchLockKey(d.name, id.String()), d.client)
	if err := lock.Lock(ctx); err != nil {
		log.WarnContextf(ctx, "redis rm %s lock branch %s failed, err: %v", d.name, id, err)
		return xa.RMError
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()
	return do()
}

func (d *Driver) status(ctx context.Context, id trid.ID) (BranchStatus, xa.Code) {
	status, err := d.client.Get(ctx, d.branchKey(id))
	if errors.Is(err, redis_lock.ErrNil) {
		return "", xa.InvalidArgument
	}
	if err != nil {
		return "", xa.RMFail
	}
	return BranchStatus(status), xa.OK
}

func (d *Driver) set(ctx context.Context, id trid.ID, status BranchStatus) xa.Code {
	if _, err := d.client.Set(ctx, d.branchKey(id), status.String()); err != nil {
		return xa.RMFail
	}
	return xa.OK
}

func (d *Driver) prepared(ctx context.Context) ([]string, xa.Code) {
	raw, err := d.client.Get(ctx, pkg.BuildPreparedKey(d.name))
	if errors.Is(err, redis_lock.ErrNil) {
		return nil, xa.OK
	}
	if err != nil {
		return nil, xa.RMFail
	}
	var prepared []string
	if raw == "" {
		return nil, xa.OK
	}
	if err = json.Unmarshal([]byte(raw), &prepared); err != nil {
		log.ErrorContextf(ctx, "redis rm %s decode prepared list failed, err: %v", d.name, err)
		return nil, xa.RMError
	}
	return prepared, xa.OK
}

func (d *Driver) updatePrepared(ctx context.Context, id trid.ID, add bool) xa.Code {
	lock := redis_lock.NewRedisLock(pkg.BuildPreparedLockKey(d.name), d.client)
	if err := lock.Lock(ctx); err != nil {
		return xa.RMError
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	prepared, code := d.prepared(ctx)
	if code != xa.OK {
		return code
	}
	next := make([]string, 0, len(prepared)+1)
	for _, raw := range prepared {
		if raw != id.String() {
			next = append(next, raw)
		}
	}
	if add {
		next = append(next, id.String())
	}
	body, _ := json.Marshal(next)
	if _, err := d.client.Set(ctx, pkg.BuildPreparedKey(d.name), string(body)); err != nil {
		return xa.RMFail
	}
	return xa.OK
}

func (d *Driver) branchKey(id trid.ID) string {
	return pkg.BuildBranchKey(d.name, id.String())
}
