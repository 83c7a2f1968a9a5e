package ot

import (
	"fmt"
	"slices"
)

// insertsFirst 判断位置相同的两个并发插入中 b 是否排在 a 前面：
// 副本 ID 较小者在前；副本相同时 b 在前。
func insertsFirst(b, a Operation) bool {
	return b.Replica.Compare(a.Replica) <= 0
}

// transformPrimitive 把基本操作 a 变换到 b 已执行之后的坐标系 (包含变换)。
// a 与 b 必须定义在同一个文档状态上。删除可能被拆成两个依次执行的删除。
func transformPrimitive(a, b Operation) []Operation {
	switch {
	case a.Kind == OpInsert && b.Kind == OpInsert:
		if b.Position < a.Position || (b.Position == a.Position && insertsFirst(b, a)) {
			a.Position += b.Length
		}

	case a.Kind == OpInsert && b.Kind == OpDelete:
		end := b.Position + b.Length
		switch {
		case a.Position <= b.Position:
		case a.Position >= end:
			a.Position -= b.Length
		default:
			// 插入点落在并发删除的区间内：吸附到删除起点，内容保留
			a.Position = b.Position
		}

	case a.Kind == OpDelete && b.Kind == OpInsert:
		end := a.Position + a.Length
		switch {
		case b.Position <= a.Position:
			a.Position += b.Length
		case b.Position >= end:
		default:
			// 删除区间在插入点处断开，跳过插入的内容
			head, tail := a, a
			head.Length = b.Position - a.Position
			tail.Position = a.Position + b.Length
			tail.Length = a.Length - head.Length
			return []Operation{head, tail}
		}

	case a.Kind == OpDelete && b.Kind == OpDelete:
		aEnd := a.Position + a.Length
		bEnd := b.Position + b.Length
		switch {
		case aEnd <= b.Position:
		case a.Position >= bEnd:
			a.Position -= b.Length
		default:
			overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
			a.Length -= overlap
			a.Position = min(a.Position, b.Position)
		}

	default:
		panic(fmt.Sprintf("ot: transformPrimitive on %s/%s", a.Kind, b.Kind))
	}
	return []Operation{a}
}

// transformSeq 对两个依次执行的基本操作序列做网格变换。
func transformSeq(a, b []Operation) ([]Operation, []Operation) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return a, b
	case len(a) == 1 && len(b) == 1:
		return transformPrimitive(a[0], b[0]), transformPrimitive(b[0], a[0])
	case len(a) > 1:
		head, b1 := transformSeq(a[:1], b)
		tail, b2 := transformSeq(a[1:], b1)
		return slices.Concat(head, tail), b2
	default:
		a1, head := transformSeq(a, b[:1])
		a2, tail := transformSeq(a1, b[1:])
		return a2, slices.Concat(head, tail)
	}
}

// Transform 返回 a'，使得在 b 之后执行 a' 与在 b 之前执行 a 表达相同的意图。
// a 必须是基本操作；b 可以是复合操作，会先分解再依次变换。
// 结果通常只有一个操作；删除区间内有并发插入时拆成两段。
func Transform(a, b Operation) []Operation {
	if !a.IsPrimitive() {
		panic(fmt.Sprintf("ot: Transform requires a primitive first operand, got %s", a.Kind))
	}
	out, _ := transformSeq([]Operation{a}, b.Primitives())
	return out
}

// TransformOps 对两个定义在同一状态上的操作序列做网格变换，返回 (a', b')：
// a 之后执行 b' 与 b 之后执行 a' 得到相同的文档。
func TransformOps(a, b []Operation) ([]Operation, []Operation) {
	return transformSeq(primitivesOf(a), primitivesOf(b))
}
