package crdt

import "github.com/harborgrid-justin/esxi-sub006/pkg/causal"

// TwoPhaseSet 由 added 与 removed (墓碑) 两个 GSet 组成。
// 一旦元素进入 removed，它就永远不会回到逻辑集合中：
// 删除后再插入是空操作，合并一个从未见过删除的副本也不会让它复活。
type TwoPhaseSet[T comparable] struct {
	added   *GSet[T]
	removed *GSet[T]
}

func NewTwoPhaseSet[T comparable]() *TwoPhaseSet[T] {
	return &TwoPhaseSet[T]{
		added:   NewGSet[T](),
		removed: NewGSet[T](),
	}
}

// Insert 元素已被墓碑标记或已存在时返回 false。
func (s *TwoPhaseSet[T]) Insert(x T) bool {
	if s.removed.Contains(x) {
		return false
	}
	return s.added.Add(x)
}

// Remove 元素从未加入或已删除时返回 false。
func (s *TwoPhaseSet[T]) Remove(x T) bool {
	if !s.added.Contains(x) {
		return false
	}
	return s.removed.Add(x)
}

// Contains 逻辑成员关系：added.contains(x) && !removed.contains(x)。
func (s *TwoPhaseSet[T]) Contains(x T) bool {
	return s.added.Contains(x) && !s.removed.Contains(x)
}

// Tombstoned 报告 x 是否已被永久删除。
func (s *TwoPhaseSet[T]) Tombstoned(x T) bool {
	return s.removed.Contains(x)
}

// Elements 返回当前逻辑成员，顺序不保证。
func (s *TwoPhaseSet[T]) Elements() []T {
	out := make([]T, 0, s.added.Len())
	for e := range s.added.elems {
		if !s.removed.Contains(e) {
			out = append(out, e)
		}
	}
	return out
}

func (s *TwoPhaseSet[T]) Len() int {
	n := 0
	for e := range s.added.elems {
		if !s.removed.Contains(e) {
			n++
		}
	}
	return n
}

// Merge 分别合并 added 与墓碑；墓碑取并集而非覆盖，因此删除总是胜出。
func (s *TwoPhaseSet[T]) Merge(other *TwoPhaseSet[T]) {
	s.added.Merge(other.added)
	s.removed.Merge(other.removed)
}

func (s *TwoPhaseSet[T]) PartialCompare(other *TwoPhaseSet[T]) causal.Ordering {
	return s.added.PartialCompare(other.added).Combine(s.removed.PartialCompare(other.removed))
}

func (s *TwoPhaseSet[T]) DeltaSince(peer *TwoPhaseSet[T]) *TwoPhaseSet[T] {
	if peer == nil {
		return s.Clone()
	}
	return &TwoPhaseSet[T]{
		added:   s.added.DeltaSince(peer.added),
		removed: s.removed.DeltaSince(peer.removed),
	}
}

func (s *TwoPhaseSet[T]) MergeDelta(delta *TwoPhaseSet[T]) {
	s.Merge(delta)
}

func (s *TwoPhaseSet[T]) Clone() *TwoPhaseSet[T] {
	return &TwoPhaseSet[T]{
		added:   s.added.Clone(),
		removed: s.removed.Clone(),
	}
}
