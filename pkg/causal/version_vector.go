package causal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Ordering 描述两个因果历史之间的偏序关系。
type Ordering int

const (
	Less Ordering = iota - 1
	Equal
	Greater
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	default:
		return "concurrent"
	}
}

// Combine 计算乘积序：两个分量都满足同一方向时才有序。
func (o Ordering) Combine(other Ordering) Ordering {
	switch {
	case o == Equal:
		return other
	case other == Equal:
		return o
	case o == other && o != Concurrent:
		return o
	default:
		return Concurrent
	}
}

// VersionVector 映射 ReplicaID -> 计数器。缺失的副本视为 0。
type VersionVector map[ReplicaID]uint64

// NewVersionVector 创建空版本向量（所有计数器为 0）。
func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// Get 返回 id 的计数器，缺失为 0。
func (vv VersionVector) Get(id ReplicaID) uint64 {
	return vv[id]
}

// Increment 只推进 id 自己的分量，返回新值。
func (vv VersionVector) Increment(id ReplicaID) uint64 {
	vv[id]++
	return vv[id]
}

// Observe 将 id 的分量提升到至少 n。
func (vv VersionVector) Observe(id ReplicaID, n uint64) {
	if n > vv[id] {
		vv[id] = n
	}
}

// Merge 按分量取最大值（join），幂等且可交换。
func (vv VersionVector) Merge(other VersionVector) {
	for id, n := range other {
		if n > vv[id] {
			vv[id] = n
		}
	}
}

// Meet 返回按分量取最小值的新向量，用作 GC 水位线。
func (vv VersionVector) Meet(other VersionVector) VersionVector {
	out := make(VersionVector)
	for id, n := range vv {
		if m := other[id]; m < n {
			n = m
		}
		if n > 0 {
			out[id] = n
		}
	}
	return out
}

func (vv VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(vv))
	for id, n := range vv {
		out[id] = n
	}
	return out
}

// LessOrEqual 当且仅当每个分量 vv[x] <= other[x]。
func (vv VersionVector) LessOrEqual(other VersionVector) bool {
	for id, n := range vv {
		if n > other[id] {
			return false
		}
	}
	return true
}

// Descends 判断 vv 是否已涵盖 other（other <= vv）。
func (vv VersionVector) Descends(other VersionVector) bool {
	return other.LessOrEqual(vv)
}

// Equal 忽略值为 0 的分量。
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.LessOrEqual(other) && other.LessOrEqual(vv)
}

// Precedes 严格因果先于：所有分量 <=，且至少一个分量严格更小。
// 只出现在 other 中的非零分量也算作 vv 落后。
func (vv VersionVector) Precedes(other VersionVector) bool {
	return vv.LessOrEqual(other) && !other.LessOrEqual(vv)
}

// Concurrent 两者互不先于且不相等。
func (vv VersionVector) Concurrent(other VersionVector) bool {
	return !vv.LessOrEqual(other) && !other.LessOrEqual(vv)
}

// Compare 返回 vv 相对 other 的偏序关系。
func (vv VersionVector) Compare(other VersionVector) Ordering {
	le := vv.LessOrEqual(other)
	ge := other.LessOrEqual(vv)
	switch {
	case le && ge:
		return Equal
	case le:
		return Less
	case ge:
		return Greater
	default:
		return Concurrent
	}
}

// Entry 是版本向量的线格式元素。
type Entry struct {
	Replica ReplicaID `msgpack:"r"`
	Counter uint64    `msgpack:"n"`
}

// Entries 按副本 ID 排序返回非零分量。
func (vv VersionVector) Entries() []Entry {
	out := make([]Entry, 0, len(vv))
	for id, n := range vv {
		if n == 0 {
			continue
		}
		out = append(out, Entry{Replica: id, Counter: n})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Replica.Compare(out[j].Replica) < 0
	})
	return out
}

// FromEntries 从线格式重建版本向量。重复的副本取最大值。
func FromEntries(entries []Entry) VersionVector {
	vv := make(VersionVector, len(entries))
	for _, e := range entries {
		vv.Observe(e.Replica, e.Counter)
	}
	return vv
}

func (vv VersionVector) String() string {
	entries := vv.Entries()
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%s:%d", e.Replica.Short(), e.Counter)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

var (
	_ msgpack.CustomEncoder = VersionVector(nil)
	_ msgpack.CustomDecoder = (*VersionVector)(nil)
)

// EncodeMsgpack 以有序的 {ReplicaID, u64} 列表编码，保证字节稳定。
func (vv VersionVector) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.Encode(vv.Entries())
}

func (vv *VersionVector) DecodeMsgpack(dec *msgpack.Decoder) error {
	var entries []Entry
	if err := dec.Decode(&entries); err != nil {
		return err
	}
	*vv = FromEntries(entries)
	return nil
}
