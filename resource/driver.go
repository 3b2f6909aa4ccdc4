package resource

import (
	"context"

	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// Registration 资源管理器加入事务的方式
type Registration int

const (
	// Static 由事务上下文在首次使用时调用 start
	Static Registration = iota
	// Dynamic 资源管理器在事务中途自行注册 (ax_reg)
	Dynamic
)

func (r Registration) String() string {
	if r == Dynamic {
		return "dynamic"
	}
	return "static"
}

// Driver 资源管理器驱动, 对应 XA switch. 所有操作以结果码表达结果
type Driver interface {
	// 资源管理器类型名称
	Name() string
	Registration() Registration
	Open(ctx context.Context, info string, rmid int, flags xa.Flag) xa.Code
	Close(ctx context.Context, info string, rmid int, flags xa.Flag) xa.Code
	Start(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code
	End(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code
	Prepare(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code
	// flags 含 TMOnePhase 时为一阶段提交
	Commit(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code
	Rollback(ctx context.Context, id trid.ID, rmid int, flags xa.Flag) xa.Code
	// 返回处于 prepared 状态的分支
	Recover(ctx context.Context, rmid int) ([]trid.ID, xa.Code)
}
