package crdt

import (
	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/hlc"
)

// LWWRegister 实现最后写入胜出 (Last-Write-Wins) 寄存器。
// HLC 时间戳带有副本 ID，因此任意两次写入都可比较，合并结果与顺序无关。
type LWWRegister struct {
	value     []byte
	timestamp hlc.Timestamp
}

// NewLWWRegister 创建一个新的 LWWRegister。
func NewLWWRegister(val []byte, ts hlc.Timestamp) *LWWRegister {
	return &LWWRegister{
		value:     val,
		timestamp: ts,
	}
}

func (r *LWWRegister) Value() []byte {
	return r.value
}

func (r *LWWRegister) Timestamp() hlc.Timestamp {
	return r.timestamp
}

// Set 时间戳更大时写入并返回 true。
func (r *LWWRegister) Set(val []byte, ts hlc.Timestamp) bool {
	if hlc.Compare(ts, r.timestamp) <= 0 {
		return false
	}
	r.value = val
	r.timestamp = ts
	return true
}

func (r *LWWRegister) Merge(other *LWWRegister) {
	r.Set(other.value, other.timestamp)
}

func (r *LWWRegister) PartialCompare(other *LWWRegister) causal.Ordering {
	switch hlc.Compare(r.timestamp, other.timestamp) {
	case -1:
		return causal.Less
	case 1:
		return causal.Greater
	default:
		return causal.Equal
	}
}

// DeltaSince 本地写入比 peer 新时返回完整寄存器，否则返回空寄存器。
func (r *LWWRegister) DeltaSince(peer *LWWRegister) *LWWRegister {
	if peer == nil || hlc.Compare(r.timestamp, peer.timestamp) > 0 {
		return r.Clone()
	}
	return &LWWRegister{}
}

func (r *LWWRegister) Clone() *LWWRegister {
	var val []byte
	if r.value != nil {
		val = append([]byte(nil), r.value...)
	}
	return &LWWRegister{value: val, timestamp: r.timestamp}
}
