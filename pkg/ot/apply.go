package ot

import (
	"slices"

	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// Apply 在 buf 上执行 op 并返回新的缓冲区；buf 本身不会被修改。
// 位置越界总是错误，从不截断。
func Apply(buf []byte, op Operation) ([]byte, error) {
	if err := checkBounds(uint64(len(buf)), op); err != nil {
		return nil, err
	}
	if op.Kind == OpMove && uint64(len(op.Content)) != op.Length {
		op.Content = slices.Clone(buf[op.Position : op.Position+op.Length])
	}
	out := slices.Clone(buf)
	for _, p := range op.Primitives() {
		var err error
		if out, err = applyPrimitive(out, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// checkBounds 检查 op 能否作用于长度为 n 的内容。
func checkBounds(n uint64, op Operation) error {
	end := op.Position + op.Length
	if end < op.Position {
		return syncerr.New(syncerr.KindOutOfBounds, "%s: range overflows", op)
	}
	switch op.Kind {
	case OpInsert:
		if op.Position > n {
			return syncerr.New(syncerr.KindOutOfBounds, "%s: position beyond length %d", op, n)
		}
	case OpDelete, OpUpdate:
		if end > n {
			return syncerr.New(syncerr.KindOutOfBounds, "%s: range beyond length %d", op, n)
		}
	case OpMove:
		if end > n || op.Target > n {
			return syncerr.New(syncerr.KindOutOfBounds, "%s: range or target beyond length %d", op, n)
		}
		if op.Target > op.Position && op.Target < end {
			return syncerr.New(syncerr.KindInvalidOperation, "%s: target inside source range", op)
		}
	default:
		return syncerr.New(syncerr.KindInvalidOperation, "unknown op kind %d", op.Kind)
	}
	return nil
}

// applyPrimitive 原地修改 buf，调用方拥有 buf。
func applyPrimitive(buf []byte, op Operation) ([]byte, error) {
	if err := checkBounds(uint64(len(buf)), op); err != nil {
		return nil, err
	}
	switch op.Kind {
	case OpInsert:
		return slices.Insert(buf, int(op.Position), op.Content...), nil
	default:
		return slices.Delete(buf, int(op.Position), int(op.Position+op.Length)), nil
	}
}
