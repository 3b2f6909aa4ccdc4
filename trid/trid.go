// Package trid 全局事务标识: 全局部分 + 分支部分 + 发起进程.
package trid

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/goxa/process"
)

// ID 创建后不可修改. 相等性只由 Global 与 Branch 决定, Owner 不参与比较
type ID struct {
	Global uuid.UUID      `json:"global"`
	Branch uuid.UUID      `json:"branch"`
	Owner  process.Handle `json:"owner"`
}

// Key 可作为 map 的键
type Key struct {
	Global uuid.UUID
	Branch uuid.UUID
}

// Null 表示 "没有事务"
var Null = ID{}

func New(owner process.Handle) ID {
	return ID{
		Global: uuid.New(),
		Branch: uuid.New(),
		Owner:  owner,
	}
}

// Branch 派生出共享全局部分的新分支
func Branch(id ID) ID {
	return ID{
		Global: id.Global,
		Branch: uuid.New(),
		Owner:  id.Owner,
	}
}

func (id ID) IsNull() bool {
	return id.Global == uuid.Nil
}

func (id ID) Key() Key {
	return Key{Global: id.Global, Branch: id.Branch}
}

func (id ID) Equal(o ID) bool {
	return id.Global == o.Global && id.Branch == o.Branch
}

// SameGlobal 是否属于同一个全局事务
func (id ID) SameGlobal(o ID) bool {
	return id.Global == o.Global
}

// Compare 先比较全局部分再比较分支部分, 仅用于排序
func Compare(a, b ID) int {
	if c := bytes.Compare(a.Global[:], b.Global[:]); c != 0 {
		return c
	}
	return bytes.Compare(a.Branch[:], b.Branch[:])
}

func (id ID) String() string {
	if id.IsNull() {
		return "null"
	}
	return id.Global.String() + ":" + id.Branch.String()
}

// Parse 解析 String 的输出, owner 不在文本形式中
func Parse(s string) (ID, error) {
	if s == "null" || s == "" {
		return Null, nil
	}
	global, branch, ok := strings.Cut(s, ":")
	if !ok {
		return Null, fmt.Errorf("invalid trid: %s", s)
	}
	g, err := uuid.Parse(global)
	if err != nil {
		return Null, fmt.Errorf("invalid trid global part: %w", err)
	}
	b, err := uuid.Parse(branch)
	if err != nil {
		return Null, fmt.Errorf("invalid trid branch part: %w", err)
	}
	return ID{Global: g, Branch: b}, nil
}
