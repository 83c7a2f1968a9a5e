package causal

import "sync/atomic"

// LamportTimestamp 按 (Counter, Replica) 字典序全序排列。
type LamportTimestamp struct {
	Counter uint64    `msgpack:"c"`
	Replica ReplicaID `msgpack:"r"`
}

// Compare 返回 -1/0/1。
func (t LamportTimestamp) Compare(other LamportTimestamp) int {
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	}
	return t.Replica.Compare(other.Replica)
}

func (t LamportTimestamp) Less(other LamportTimestamp) bool {
	return t.Compare(other) < 0
}

// LamportClock 是并发安全的逻辑时钟。
type LamportClock struct {
	replica ReplicaID
	counter atomic.Uint64
}

func NewLamportClock(replica ReplicaID) *LamportClock {
	return &LamportClock{replica: replica}
}

// Tick 为本地事件推进时钟。
func (c *LamportClock) Tick() LamportTimestamp {
	return LamportTimestamp{Counter: c.counter.Add(1), Replica: c.replica}
}

// Witness 吸收远端时间戳：counter = max(local, observed) + 1。
func (c *LamportClock) Witness(observed LamportTimestamp) LamportTimestamp {
	for {
		current := c.counter.Load()
		next := current
		if observed.Counter > next {
			next = observed.Counter
		}
		next++
		if c.counter.CompareAndSwap(current, next) {
			return LamportTimestamp{Counter: next, Replica: c.replica}
		}
	}
}

// Current 返回当前值，不推进。
func (c *LamportClock) Current() LamportTimestamp {
	return LamportTimestamp{Counter: c.counter.Load(), Replica: c.replica}
}
