package ledger

import (
	"context"
	"time"

	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Branch 决议涉及的一个资源分支
type Branch struct {
	Resource int     `json:"resource"`
	Trid     trid.ID `json:"trid"`
	Acked    bool    `json:"acked"`
}

// Decision 决议日志中的一条记录, 以全局 id 区分
type Decision struct {
	Trid      trid.ID     `json:"trid"`
	Decision  xa.Decision `json:"decision"`
	CreatedAt time.Time   `json:"createdAt"`
	Branches  []*Branch   `json:"branches"`
}

// Finished 所有分支都已确认
func (d *Decision) Finished() bool {
	for _, branch := range d.Branches {
		if !branch.Acked {
			return false
		}
	}
	return true
}

// Unacked 尚未确认的分支
func (d *Decision) Unacked() []*Branch {
	branches := make([]*Branch, 0, len(d.Branches))
	for _, branch := range d.Branches {
		if !branch.Acked {
			branches = append(branches, branch)
		}
	}
	return branches
}

// Ack 一个分支对第二阶段请求的确认
type Ack struct {
	Trid     trid.ID
	Resource int
}

// Batch 一次落盘的内容. 先写决议, 再写确认
type Batch struct {
	Decisions []*Decision
	Acks      []Ack
}

func (b *Batch) Size() int {
	return len(b.Decisions) + len(b.Acks)
}

// 决议日志存储
type Store interface {
	// 原子地写入一批决议与确认, 全部确认的决议可以被清理
	Persist(ctx context.Context, batch Batch) error
	// 获取存在未确认分支的决议
	Unfinished(ctx context.Context) ([]*Decision, error)
	// 锁住决议日志, 避免多个事务管理器同时执行恢复
	Lock(ctx context.Context, expireDuration time.Duration) error
	Unlock(ctx context.Context) error
}
