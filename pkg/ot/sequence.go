package ot

import (
	"slices"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
)

// opRef 指向插入或删除某个字节的操作；seq 为 0 表示初始内容。
type opRef struct {
	replica causal.ReplicaID
	seq     uint64
}

func refOf(op Operation) opRef {
	return opRef{replica: op.Replica, seq: op.Seq()}
}

func (r opRef) in(vv causal.VersionVector) bool {
	return r.seq == 0 || vv.Get(r.replica) >= r.seq
}

// cell 是序列中的一个字节。删除只留下墓碑，所有副本的字节坐标只增不减。
type cell struct {
	b       byte
	ins     opRef
	sum     uint64 // 插入操作时钟各分量之和
	deleted []opRef
}

func (c *cell) alive() bool { return len(c.deleted) == 0 }

// visibleIn 报告字节在只包含 vv 中操作的文档状态里是否可见。
func (c *cell) visibleIn(vv causal.VersionVector) bool {
	if !c.ins.in(vv) {
		return false
	}
	for _, d := range c.deleted {
		if d.in(vv) {
			return false
		}
	}
	return true
}

// precedes 报告 c 是否排在同一插入点上的新插入 (sum, replica) 之前：
// 时钟和较大者在前，相同时副本 ID 较小者在前。
// 因果上在后的插入时钟和一定更大，所以已知的字节从不排在前面。
func (c *cell) precedes(sum uint64, replica causal.ReplicaID) bool {
	if c.sum != sum {
		return c.sum > sum
	}
	return c.ins.replica.Compare(replica) < 0
}

func clockSum(vv causal.VersionVector) uint64 {
	var n uint64
	for _, c := range vv {
		n += c
	}
	return n
}

// sequence 是带墓碑的字节序列。
//
// 远端操作的位置按它的生成上下文解释：只数在该上下文中可见的字节。
// 插入紧跟在上下文中的前一个可见字节之后，再越过排在它前面的并发插入；
// 删除只标记上下文中可见的字节。结果只取决于操作集合，与到达顺序无关。
type sequence struct {
	cells []cell
	live  int
}

func newSequence(content []byte) sequence {
	cells := make([]cell, len(content))
	for i, b := range content {
		cells[i].b = b
	}
	return sequence{cells: cells, live: len(content)}
}

func (s *sequence) value() []byte {
	out := make([]byte, 0, s.live)
	for i := range s.cells {
		if s.cells[i].alive() {
			out = append(out, s.cells[i].b)
		}
	}
	return out
}

func (s *sequence) tombstones() int { return len(s.cells) - s.live }

// countIn 返回 vv 下可见的字节数。
func (s *sequence) countIn(vv causal.VersionVector) uint64 {
	var n uint64
	for i := range s.cells {
		if s.cells[i].visibleIn(vv) {
			n++
		}
	}
	return n
}

func (s *sequence) clone() sequence {
	cells := slices.Clone(s.cells)
	for i := range cells {
		cells[i].deleted = slices.Clone(cells[i].deleted)
	}
	return sequence{cells: cells, live: s.live}
}

// integrate 执行 op，op 的位置相对于 ctx。第一个基本操作在 ctx 下解释，
// 之后的基本操作在包含 op 自身的 op.Clock 下解释。
// 返回在执行前的内容上依次执行即可得到相同结果的基本操作。调用方负责边界检查。
func (s *sequence) integrate(op Operation, ctx causal.VersionVector) []Operation {
	ref := refOf(op)
	sum := clockSum(op.Clock)
	var out []Operation
	vv := ctx
	for _, p := range op.Primitives() {
		if p.Kind == OpDelete {
			out = append(out, s.remove(p, vv, ref)...)
		} else {
			out = append(out, s.insert(p, vv, ref, sum))
		}
		vv = op.Clock
	}
	return out
}

func (s *sequence) insert(p Operation, vv causal.VersionVector, ref opRef, sum uint64) Operation {
	i := 0
	if p.Position > 0 {
		var seen uint64
		for ; i < len(s.cells); i++ {
			if s.cells[i].visibleIn(vv) {
				if seen++; seen == p.Position {
					break
				}
			}
		}
		i++
	}
	for i < len(s.cells) && s.cells[i].precedes(sum, ref.replica) {
		i++
	}

	at := 0
	for j := range s.cells[:i] {
		if s.cells[j].alive() {
			at++
		}
	}
	added := make([]cell, len(p.Content))
	for k, b := range p.Content {
		added[k] = cell{b: b, ins: ref, sum: sum}
	}
	s.cells = slices.Insert(s.cells, i, added...)
	s.live += len(added)

	p.Position = uint64(at)
	return p
}

func (s *sequence) remove(p Operation, vv causal.VersionVector, ref opRef) []Operation {
	var (
		out  []Operation
		seen uint64 // vv 下已经数过的可见字节
		cur  uint64 // 当前内容中的位置
	)
	end := p.Position + p.Length
	for i := range s.cells {
		if seen >= end {
			break
		}
		c := &s.cells[i]
		target := false
		if c.visibleIn(vv) {
			target = seen >= p.Position
			seen++
		}
		if !target {
			if c.alive() {
				cur++
			}
			continue
		}
		if c.alive() {
			// 被并发删除过的字节不再重复删除
			if n := len(out); n > 0 && out[n-1].Position == cur {
				out[n-1].Length++
			} else {
				d := p
				d.Position, d.Length = cur, 1
				out = append(out, d)
			}
			s.live--
		}
		c.deleted = append(c.deleted, ref)
	}
	return out
}

// compact 丢弃 floor 之前就已插入并删除的墓碑，返回丢弃的字节数。
//
// 上下文覆盖 floor 的操作看不到这些墓碑；但插入点扫描会停在它们前面，
// 所以只有紧随其后的字节同样早于 floor (或位于末尾) 时才能丢弃。
func (s *sequence) compact(floor causal.VersionVector) int {
	kept := make([]cell, 0, len(s.cells))
	start := -1
	for i := range s.cells {
		c := &s.cells[i]
		if !c.alive() && c.ins.in(floor) && slices.ContainsFunc(c.deleted, func(d opRef) bool { return d.in(floor) }) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && !c.ins.in(floor) {
			kept = append(kept, s.cells[start:i]...)
		}
		start = -1
		kept = append(kept, *c)
	}
	n := len(s.cells) - len(kept)
	s.cells = kept
	return n
}
