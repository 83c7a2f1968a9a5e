package crdt

import "github.com/harborgrid-justin/esxi-sub006/pkg/causal"

// GSet (只增集合)。元素永不移除，Merge 即并集，按 ⊆ 偏序。
type GSet[T comparable] struct {
	elems map[T]struct{}
}

// NewGSet 创建包含给定元素的集合。
func NewGSet[T comparable](elems ...T) *GSet[T] {
	s := &GSet[T]{elems: make(map[T]struct{}, len(elems))}
	for _, e := range elems {
		s.elems[e] = struct{}{}
	}
	return s
}

// Add 返回元素是否是新加入的。
func (s *GSet[T]) Add(x T) bool {
	if _, ok := s.elems[x]; ok {
		return false
	}
	s.elems[x] = struct{}{}
	return true
}

func (s *GSet[T]) Contains(x T) bool {
	_, ok := s.elems[x]
	return ok
}

func (s *GSet[T]) Len() int {
	return len(s.elems)
}

// Elements 返回元素列表，顺序不保证。
func (s *GSet[T]) Elements() []T {
	out := make([]T, 0, len(s.elems))
	for e := range s.elems {
		out = append(out, e)
	}
	return out
}

func (s *GSet[T]) Merge(other *GSet[T]) {
	for e := range other.elems {
		s.elems[e] = struct{}{}
	}
}

// subsetOf 报告 s ⊆ other。
func (s *GSet[T]) subsetOf(other *GSet[T]) bool {
	if len(s.elems) > len(other.elems) {
		return false
	}
	for e := range s.elems {
		if _, ok := other.elems[e]; !ok {
			return false
		}
	}
	return true
}

func (s *GSet[T]) PartialCompare(other *GSet[T]) causal.Ordering {
	le := s.subsetOf(other)
	ge := other.subsetOf(s)
	switch {
	case le && ge:
		return causal.Equal
	case le:
		return causal.Less
	case ge:
		return causal.Greater
	default:
		return causal.Concurrent
	}
}

// DeltaSince 返回 peer 中不存在的元素。
func (s *GSet[T]) DeltaSince(peer *GSet[T]) *GSet[T] {
	d := NewGSet[T]()
	for e := range s.elems {
		if peer == nil || !peer.Contains(e) {
			d.elems[e] = struct{}{}
		}
	}
	return d
}

// MergeDelta 与 Merge 等价，单独命名以表明调用意图。
func (s *GSet[T]) MergeDelta(delta *GSet[T]) {
	s.Merge(delta)
}

func (s *GSet[T]) Clone() *GSet[T] {
	c := &GSet[T]{elems: make(map[T]struct{}, len(s.elems))}
	for e := range s.elems {
		c.elems[e] = struct{}{}
	}
	return c
}

func (s *GSet[T]) Equal(other *GSet[T]) bool {
	return s.PartialCompare(other) == causal.Equal
}
