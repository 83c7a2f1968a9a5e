package crdt

import (
	"fmt"
	"slices"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/hlc"
)

// Op 是可应用到 Container 的本地操作。集合是封闭的。
type Op interface {
	isOp()
}

// OpAdd 向 GSet 或 TwoPhaseSet 添加元素。
type OpAdd struct {
	Element string
}

// OpRemove 从 TwoPhaseSet 中永久删除元素。
type OpRemove struct {
	Element string
}

// OpIncrement 调整 PNCounter，负数表示减少。
type OpIncrement struct {
	Delta int64
}

// OpAssign 写入 LWWRegister。
type OpAssign struct {
	Value     []byte
	Timestamp hlc.Timestamp
}

func (OpAdd) isOp() {}
func (OpRemove) isOp() {}
func (OpIncrement) isOp() {}
func (OpAssign) isOp() {}

// Container 是引擎持有的 CRDT 状态：四种类型的封闭和类型，元素类型固定为 string。
type Container struct {
	kind     Kind
	gset     *GSet[string]
	twoPhase *TwoPhaseSet[string]
	counter  *PNCounter
	register *LWWRegister
}

// New 创建指定类型的空容器。
func New(kind Kind) (*Container, error) {
	c := &Container{kind: kind}
	switch kind {
	case KindGSet:
		c.gset = NewGSet[string]()
	case KindTwoPhaseSet:
		c.twoPhase = NewTwoPhaseSet[string]()
	case KindPNCounter:
		c.counter = NewPNCounter()
	case KindLWWRegister:
		c.register = &LWWRegister{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	return c, nil
}

// MustNew 与 New 相同，类型非法时 panic。
func MustNew(kind Kind) *Container {
	c, err := New(kind)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Container) Kind() Kind { return c.kind }

func (c *Container) GSet() *GSet[string] { return c.gset }
func (c *Container) TwoPhaseSet() *TwoPhaseSet[string] { return c.twoPhase }
func (c *Container) Counter() *PNCounter { return c.counter }
func (c *Container) Register() *LWWRegister { return c.register }

// Apply 以 actor 的身份执行本地操作并返回描述这次变更的 delta。
// 操作是空操作时 delta 为 nil（例如重复添加或插入已删除元素）。
func (c *Container) Apply(actor causal.ReplicaID, op Op) (*Container, error) {
	delta := &Container{kind: c.kind}
	switch o := op.(type) {
	case OpAdd:
		switch c.kind {
		case KindGSet:
			if !c.gset.Add(o.Element) {
				return nil, nil
			}
			delta.gset = NewGSet(o.Element)
		case KindTwoPhaseSet:
			if !c.twoPhase.Insert(o.Element) {
				return nil, nil
			}
			delta.twoPhase = &TwoPhaseSet[string]{added: NewGSet(o.Element), removed: NewGSet[string]()}
		default:
			return nil, fmt.Errorf("%w: add on %s", ErrInvalidOp, c.kind)
		}
	case OpRemove:
		if c.kind != KindTwoPhaseSet {
			return nil, fmt.Errorf("%w: remove on %s", ErrInvalidOp, c.kind)
		}
		if !c.twoPhase.Remove(o.Element) {
			return nil, nil
		}
		delta.twoPhase = &TwoPhaseSet[string]{added: NewGSet(o.Element), removed: NewGSet(o.Element)}
	case OpIncrement:
		if c.kind != KindPNCounter {
			return nil, fmt.Errorf("%w: increment on %s", ErrInvalidOp, c.kind)
		}
		if o.Delta == 0 {
			return nil, nil
		}
		c.counter.Add(actor, o.Delta)
		delta.counter = c.counter.entryDelta(actor)
	case OpAssign:
		if c.kind != KindLWWRegister {
			return nil, fmt.Errorf("%w: assign on %s", ErrInvalidOp, c.kind)
		}
		if !c.register.Set(o.Value, o.Timestamp) {
			return nil, nil
		}
		delta.register = c.register.Clone()
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidOp, op)
	}
	return delta, nil
}

func (c *Container) sameKind(other *Container) error {
	if other == nil || c.kind != other.kind {
		var got Kind
		if other != nil {
			got = other.kind
		}
		return fmt.Errorf("%w: %s vs %s", ErrKindMismatch, c.kind, got)
	}
	return nil
}

// Merge 将 other (完整状态或 delta) 合并进 c。
func (c *Container) Merge(other *Container) error {
	if err := c.sameKind(other); err != nil {
		return err
	}
	switch c.kind {
	case KindGSet:
		c.gset.Merge(other.gset)
	case KindTwoPhaseSet:
		c.twoPhase.Merge(other.twoPhase)
	case KindPNCounter:
		c.counter.Merge(other.counter)
	case KindLWWRegister:
		c.register.Merge(other.register)
	}
	return nil
}

func (c *Container) PartialCompare(other *Container) (causal.Ordering, error) {
	if err := c.sameKind(other); err != nil {
		return causal.Concurrent, err
	}
	switch c.kind {
	case KindGSet:
		return c.gset.PartialCompare(other.gset), nil
	case KindTwoPhaseSet:
		return c.twoPhase.PartialCompare(other.twoPhase), nil
	case KindPNCounter:
		return c.counter.PartialCompare(other.counter), nil
	default:
		return c.register.PartialCompare(other.register), nil
	}
}

// DeltaSince 返回 peer 尚未拥有的部分；peer 为 nil 时返回完整状态副本。
func (c *Container) DeltaSince(peer *Container) (*Container, error) {
	if peer == nil {
		return c.Clone(), nil
	}
	if err := c.sameKind(peer); err != nil {
		return nil, err
	}
	d := &Container{kind: c.kind}
	switch c.kind {
	case KindGSet:
		d.gset = c.gset.DeltaSince(peer.gset)
	case KindTwoPhaseSet:
		d.twoPhase = c.twoPhase.DeltaSince(peer.twoPhase)
	case KindPNCounter:
		d.counter = c.counter.DeltaSince(peer.counter)
	case KindLWWRegister:
		d.register = c.register.DeltaSince(peer.register)
	}
	return d, nil
}

// Empty 报告容器是否不携带任何信息 (合并它是空操作)。
func (c *Container) Empty() bool {
	switch c.kind {
	case KindGSet:
		return c.gset.Len() == 0
	case KindTwoPhaseSet:
		return c.twoPhase.added.Len() == 0 && c.twoPhase.removed.Len() == 0
	case KindPNCounter:
		return len(c.counter.inc) == 0 && len(c.counter.dec) == 0
	case KindLWWRegister:
		return c.register.timestamp.IsZero()
	}
	return true
}

// Value 返回可观察的值：集合为排序后的 []string，计数器为 int64，寄存器为 []byte。
func (c *Container) Value() any {
	switch c.kind {
	case KindGSet:
		return sortedStrings(c.gset.Elements())
	case KindTwoPhaseSet:
		return sortedStrings(c.twoPhase.Elements())
	case KindPNCounter:
		return c.counter.Value()
	case KindLWWRegister:
		return c.register.Clone().value
	}
	return nil
}

func (c *Container) Clone() *Container {
	d := &Container{kind: c.kind}
	switch c.kind {
	case KindGSet:
		d.gset = c.gset.Clone()
	case KindTwoPhaseSet:
		d.twoPhase = c.twoPhase.Clone()
	case KindPNCounter:
		d.counter = c.counter.Clone()
	case KindLWWRegister:
		d.register = c.register.Clone()
	}
	return d
}

func sortedStrings(s []string) []string {
	slices.Sort(s)
	return s
}
