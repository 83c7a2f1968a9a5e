package hlc

import (
	"fmt"
	"sync"
	"time"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
)

// Timestamp 是混合逻辑时钟的时间戳。
// 全序：先比较物理时间 (毫秒)，再比较逻辑计数，最后用副本 ID 决胜。
type Timestamp struct {
	Wall    int64            `msgpack:"w"` // Unix 毫秒
	Logical uint64           `msgpack:"l"`
	Replica causal.ReplicaID `msgpack:"r"`
}

// IsZero 报告时间戳是否未设置。
func (t Timestamp) IsZero() bool {
	return t.Wall == 0 && t.Logical == 0
}

// Compare 比较两个 HLC 时间戳。
// 返回值:
//   - 如果 a > b: 返回 1
//   - 如果 a == b: 返回 0
//   - 如果 a < b: 返回 -1
func Compare(a, b Timestamp) int {
	if a.Wall > b.Wall {
		return 1
	}
	if a.Wall < b.Wall {
		return -1
	}
	if a.Logical > b.Logical {
		return 1
	}
	if a.Logical < b.Logical {
		return -1
	}
	return a.Replica.Compare(b.Replica)
}

func (t Timestamp) Before(other Timestamp) bool {
	return Compare(t, other) < 0
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d@%s", t.Wall, t.Logical, t.Replica.Short())
}

// Clock 代表混合逻辑时钟。
// 它保证单调递增，即使物理时钟停滞或倒退。
type Clock struct {
	mu      sync.Mutex
	replica causal.ReplicaID
	now     func() time.Time
	latest  Timestamp // 当前已知的最大时间戳
}

// New 创建一个新的 HLC 时钟。
func New(replica causal.ReplicaID) *Clock {
	return &Clock{
		replica: replica,
		now:     time.Now,
		latest:  Timestamp{Replica: replica},
	}
}

// NewWithSource 使用自定义物理时钟源，主要用于测试。
func NewWithSource(replica causal.ReplicaID, now func() time.Time) *Clock {
	c := New(replica)
	c.now = now
	return c
}

// Tick 返回新的本地时间戳，严格大于之前返回或吸收过的任何时间戳。
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	if phys > c.latest.Wall {
		// 物理时间推进：重置逻辑计数
		c.latest.Wall = phys
		c.latest.Logical = 0
	} else {
		// 物理时间倒退或相等：增加逻辑计数
		c.latest.Logical++
	}
	c.latest.Replica = c.replica
	return c.latest
}

// Update 根据接收到的远程时间戳更新本地时钟并返回新的本地时间戳。
// wall = max(local.wall, remote.wall, now)。
func (c *Clock) Update(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.now().UnixMilli()
	old := c.latest

	wall := old.Wall
	if remote.Wall > wall {
		wall = remote.Wall
	}
	if phys > wall {
		wall = phys
	}

	var logical uint64
	switch {
	case wall == old.Wall && wall == remote.Wall:
		logical = max(old.Logical, remote.Logical) + 1
	case wall == old.Wall:
		logical = old.Logical + 1
	case wall == remote.Wall:
		logical = remote.Logical + 1
	default:
		logical = 0
	}

	c.latest = Timestamp{Wall: wall, Logical: logical, Replica: c.replica}
	return c.latest
}

// Latest 返回最近一次发出的时间戳，不推进时钟。
func (c *Clock) Latest() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

// Drift 返回 remote 物理时间相对本地物理时钟的偏移（正数表示远端超前）。
func (c *Clock) Drift(remote Timestamp) time.Duration {
	return time.Duration(remote.Wall-c.now().UnixMilli()) * time.Millisecond
}

// IsStale 判断时间戳是否过于陈旧（基于物理时间）。
// 如果 remote 的物理时间比 local 落后超过 maxDiff，返回 true。
func IsStale(remote, local Timestamp, maxDiff time.Duration) bool {
	return time.Duration(local.Wall-remote.Wall)*time.Millisecond > maxDiff
}
