// Package ot 实现有序字节序列上的操作变换 (Operational Transformation)。
//
// 基本操作只有 Insert 与 Delete；Update 和 Move 在变换时被分解为基本操作序列。
package ot

import (
	"fmt"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// OpKind 是操作类型。
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpUpdate
	OpMove
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	case OpMove:
		return "move"
	default:
		return fmt.Sprintf("opkind(%d)", uint8(k))
	}
}

// Operation 是一次序列编辑。
//
// Clock 是操作的因果时间戳：包含该操作自身，即 Clock[Replica] 为它在来源副本上的序号。
// Move 的 Target 使用移动前的坐标。
type Operation struct {
	Kind     OpKind               `msgpack:"k"`
	Position uint64               `msgpack:"p"`
	Length   uint64               `msgpack:"l,omitempty"`
	Content  []byte               `msgpack:"c,omitempty"`
	Target   uint64               `msgpack:"t,omitempty"`
	Clock    causal.VersionVector `msgpack:"v"`
	ID       string               `msgpack:"id"`
	Replica  causal.ReplicaID     `msgpack:"r"`
	User     string               `msgpack:"u,omitempty"`
}

func Insert(pos uint64, content []byte) Operation {
	return Operation{Kind: OpInsert, Position: pos, Length: uint64(len(content)), Content: content}
}

func Delete(pos, length uint64) Operation {
	return Operation{Kind: OpDelete, Position: pos, Length: length}
}

func Update(pos, length uint64, content []byte) Operation {
	return Operation{Kind: OpUpdate, Position: pos, Length: length, Content: content}
}

func Move(pos, length, target uint64) Operation {
	return Operation{Kind: OpMove, Position: pos, Length: length, Target: target}
}

// IsPrimitive 报告操作是否为 Insert 或 Delete。
func (o Operation) IsPrimitive() bool {
	return o.Kind == OpInsert || o.Kind == OpDelete
}

// Context 返回操作生成时所在的因果上下文 (Clock 去掉自身)。
func (o Operation) Context() causal.VersionVector {
	ctx := o.Clock.Clone()
	switch n := ctx.Get(o.Replica); {
	case n > 1:
		ctx[o.Replica] = n - 1
	case n == 1:
		delete(ctx, o.Replica)
	}
	return ctx
}

// Seq 是操作在来源副本上的序号。
func (o Operation) Seq() uint64 {
	return o.Clock.Get(o.Replica)
}

func (o Operation) String() string {
	switch o.Kind {
	case OpInsert:
		return fmt.Sprintf("Insert(%d,%q)", o.Position, o.Content)
	case OpDelete:
		return fmt.Sprintf("Delete(%d,%d)", o.Position, o.Length)
	case OpUpdate:
		return fmt.Sprintf("Update(%d,%d,%q)", o.Position, o.Length, o.Content)
	case OpMove:
		return fmt.Sprintf("Move(%d,%d,%d)", o.Position, o.Length, o.Target)
	}
	return o.Kind.String()
}

// Validate 检查操作自身的结构，不涉及缓冲区。
func (o Operation) Validate() error {
	switch o.Kind {
	case OpInsert:
		if o.Length != uint64(len(o.Content)) {
			return syncerr.New(syncerr.KindInvalidOperation, "insert length %d != content length %d", o.Length, len(o.Content))
		}
	case OpDelete, OpUpdate:
	case OpMove:
		if o.Target > o.Position && o.Target < o.Position+o.Length {
			return syncerr.New(syncerr.KindInvalidOperation, "move target %d inside source range [%d,%d)", o.Target, o.Position, o.Position+o.Length)
		}
		if uint64(len(o.Content)) != o.Length {
			return syncerr.New(syncerr.KindInvalidOperation, "move carries %d bytes, want %d", len(o.Content), o.Length)
		}
	default:
		return syncerr.New(syncerr.KindInvalidOperation, "unknown op kind %d", o.Kind)
	}
	if o.Position+o.Length < o.Position {
		return syncerr.New(syncerr.KindOutOfBounds, "range overflows: %d+%d", o.Position, o.Length)
	}
	return nil
}

// withMeta 复制来源信息到派生出的基本操作。
func (o Operation) withMeta(p Operation) Operation {
	p.Clock = o.Clock
	p.ID = o.ID
	p.Replica = o.Replica
	p.User = o.User
	return p
}

// Primitives 把操作分解为依次执行的基本操作。
//
//	Update(p,l,c)  => Delete(p,l), Insert(p,c)
//	Move(p,l,t)    => Delete(p,l), Insert(t',content)；t' = t (t<=p) 或 t-l
func (o Operation) Primitives() []Operation {
	switch o.Kind {
	case OpUpdate:
		return []Operation{
			o.withMeta(Delete(o.Position, o.Length)),
			o.withMeta(Insert(o.Position, o.Content)),
		}
	case OpMove:
		target := o.Target
		if target > o.Position {
			target -= o.Length
		}
		return []Operation{
			o.withMeta(Delete(o.Position, o.Length)),
			o.withMeta(Insert(target, o.Content)),
		}
	default:
		return []Operation{o}
	}
}

func primitivesOf(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, o := range ops {
		out = append(out, o.Primitives()...)
	}
	return out
}
