package ot

import (
	"fmt"
	"time"
)

// 操作类型
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpUpdate OpType = "update"
	OpMove   OpType = "move"
)

// 积木块在画布上的位置
type Coordinate struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Operation 客户端提交的单个编辑操作。
// 所有操作都以 elementId 寻址，服务端不解释元素内容本身。
// BaseVersion 是客户端创建该操作时认为的会话版本号。
type Operation struct {
	ID          string `json:"id"`
	Type        OpType `json:"type"`
	ElementID   string `json:"elementId"`
	BaseVersion uint64 `json:"baseVersion"`

	// insert / delete
	Position int `json:"position,omitempty"`
	Length   int `json:"length,omitempty"`

	// update
	Property string `json:"property,omitempty"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`

	// move
	OldParent     string      `json:"oldParent,omitempty"`
	NewParent     string      `json:"newParent,omitempty"`
	OldCoordinate *Coordinate `json:"oldCoordinate,omitempty"`
	NewCoordinate *Coordinate `json:"newCoordinate,omitempty"`
}

// AppliedOperation 已落盘到会话日志的操作。
// Version 是应用该操作之后的会话版本（日志按 Version 从 1 起连续编号）。
type AppliedOperation struct {
	Operation
	UserID    string    `json:"userId"`
	AppliedAt time.Time `json:"appliedAt"`
	Version   uint64    `json:"version"`
}

// End 返回 delete 操作覆盖区间的右端点（开区间）。
func (op *Operation) End() int {
	return op.Position + op.Length
}

// Validate 校验操作的结构合法性。长度和位置取自操作自身声明，绝不推断。
func (op *Operation) Validate() error {
	switch op.Type {
	case OpInsert, OpDelete, OpUpdate, OpMove:
	default:
		return fmt.Errorf("unknown operation type: %s", op.Type)
	}
	if op.ElementID == "" {
		return fmt.Errorf("operation missing elementId")
	}
	if op.Position < 0 {
		return fmt.Errorf("invalid position: %d (must be >= 0)", op.Position)
	}
	if op.Length < 0 {
		return fmt.Errorf("invalid length: %d (must be >= 0)", op.Length)
	}
	if op.Type == OpUpdate && op.Property == "" {
		return fmt.Errorf("update operation missing property")
	}
	return nil
}

func (op *Operation) String() string {
	switch op.Type {
	case OpInsert:
		return fmt.Sprintf("Insert(%s @%d len=%d base=%d)", op.ElementID, op.Position, op.Length, op.BaseVersion)
	case OpDelete:
		return fmt.Sprintf("Delete(%s @%d len=%d base=%d)", op.ElementID, op.Position, op.Length, op.BaseVersion)
	case OpUpdate:
		return fmt.Sprintf("Update(%s prop=%s base=%d)", op.ElementID, op.Property, op.BaseVersion)
	case OpMove:
		return fmt.Sprintf("Move(%s %s->%s base=%d)", op.ElementID, op.OldParent, op.NewParent, op.BaseVersion)
	default:
		return fmt.Sprintf("Unknown(%s)", op.Type)
	}
}

// Clone 返回操作的浅拷贝（payload 值按值复制，坐标指针复制底层值）。
// 变换永远作用在副本上，不改写调用方持有的原始操作。
func (op *Operation) Clone() *Operation {
	cp := *op
	if op.OldCoordinate != nil {
		c := *op.OldCoordinate
		cp.OldCoordinate = &c
	}
	if op.NewCoordinate != nil {
		c := *op.NewCoordinate
		cp.NewCoordinate = &c
	}
	return &cp
}
