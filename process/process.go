// Package process 定义进程句柄. 每个参与者 (应用进程、资源管理器代理、事务管理器)
// 都以一个句柄标识, 句柄同时也是消息总线上的投递地址.
package process

import (
	"fmt"
	"sync/atomic"
)

type Handle struct {
	PID  int64  `json:"pid"`
	Name string `json:"name"`
}

var pidSeq atomic.Int64

// New 分配一个在当前 domain 内唯一的 pid
func New(name string) Handle {
	return Handle{
		PID:  pidSeq.Add(1),
		Name: name,
	}
}

func (h Handle) IsZero() bool {
	return h.PID == 0
}

func (h Handle) String() string {
	if h.Name == "" {
		return fmt.Sprintf("%d", h.PID)
	}
	return fmt.Sprintf("%s/%d", h.Name, h.PID)
}
