package crdt

import "github.com/harborgrid-justin/esxi-sub006/pkg/causal"

// PNCounter 实现正负计数器。
// 每个副本只推进自己的条目，合并时逐条取最大值。
type PNCounter struct {
	inc map[causal.ReplicaID]uint64 // 每个副本的增量
	dec map[causal.ReplicaID]uint64 // 每个副本的减量
}

// NewPNCounter 创建一个新的 PNCounter。
func NewPNCounter() *PNCounter {
	return &PNCounter{
		inc: make(map[causal.ReplicaID]uint64),
		dec: make(map[causal.ReplicaID]uint64),
	}
}

// Add 以 replica 的身份把 delta 计入计数器，负数计入减量。
func (c *PNCounter) Add(replica causal.ReplicaID, delta int64) {
	if delta >= 0 {
		c.inc[replica] += uint64(delta)
	} else {
		c.dec[replica] += uint64(-delta)
	}
}

func (c *PNCounter) Value() int64 {
	var total int64
	for _, v := range c.inc {
		total += int64(v)
	}
	for _, v := range c.dec {
		total -= int64(v)
	}
	return total
}

func (c *PNCounter) Merge(other *PNCounter) {
	mergeMap(c.inc, other.inc)
	mergeMap(c.dec, other.dec)
}

func mergeMap(dest, src map[causal.ReplicaID]uint64) {
	for k, v := range src {
		if dest[k] < v {
			dest[k] = v
		}
	}
}

// compareMap 与版本向量的比较规则相同：缺失条目视为 0。
func compareMap(a, b map[causal.ReplicaID]uint64) causal.Ordering {
	return causal.VersionVector(a).Compare(causal.VersionVector(b))
}

func (c *PNCounter) PartialCompare(other *PNCounter) causal.Ordering {
	return compareMap(c.inc, other.inc).Combine(compareMap(c.dec, other.dec))
}

// DeltaSince 只包含比 peer 更新的条目。
func (c *PNCounter) DeltaSince(peer *PNCounter) *PNCounter {
	if peer == nil {
		return c.Clone()
	}
	d := NewPNCounter()
	for k, v := range c.inc {
		if v > peer.inc[k] {
			d.inc[k] = v
		}
	}
	for k, v := range c.dec {
		if v > peer.dec[k] {
			d.dec[k] = v
		}
	}
	return d
}

// entryDelta 返回只含 replica 自身条目的 delta。
func (c *PNCounter) entryDelta(replica causal.ReplicaID) *PNCounter {
	d := NewPNCounter()
	if v, ok := c.inc[replica]; ok {
		d.inc[replica] = v
	}
	if v, ok := c.dec[replica]; ok {
		d.dec[replica] = v
	}
	return d
}

func (c *PNCounter) Clone() *PNCounter {
	d := NewPNCounter()
	mergeMap(d.inc, c.inc)
	mergeMap(d.dec, c.dec)
	return d
}
