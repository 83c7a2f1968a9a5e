// Package crdt 实现基于状态的可收敛复制数据类型。
//
// 每个类型的 Merge 都是半格上的 join：满足交换律、结合律和幂等性。
// 容器本身不做内部同步，调用方（每个文档唯一的所有者）保证独占访问。
package crdt

import (
	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

// Kind 标识 CRDT 的类型。
type Kind uint8

const (
	KindGSet        Kind = 0x01
	KindTwoPhaseSet Kind = 0x02
	KindPNCounter   Kind = 0x03
	KindLWWRegister Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindGSet:
		return "gset"
	case KindTwoPhaseSet:
		return "2pset"
	case KindPNCounter:
		return "pncounter"
	case KindLWWRegister:
		return "lww"
	default:
		return "unknown"
	}
}

// ParseKind 是 String 的逆操作。
func ParseKind(s string) (Kind, bool) {
	for _, k := range []Kind{KindGSet, KindTwoPhaseSet, KindPNCounter, KindLWWRegister} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

var (
	ErrInvalidOp    = syncerr.New(syncerr.KindInvalidOperation, "此 CRDT 类型的操作无效")
	ErrKindMismatch = syncerr.New(syncerr.KindInvalidOperation, "crdt kind mismatch")
	ErrUnknownKind  = syncerr.New(syncerr.KindInvalidConfig, "unknown crdt kind")
)

// Lattice 是所有单调 join CRDT 的通用契约。
//
// Merge 必须可交换、可结合、幂等；
// PartialCompare 在互相包含时返回 Equal，一方严格包含另一方时返回 Less/Greater，
// 不可比较时返回 Concurrent；
// DeltaSince 只返回 peer 未知的部分，合并 delta 与合并完整状态的效果不可区分。
type Lattice[S any] interface {
	Merge(other S)
	PartialCompare(other S) causal.Ordering
	DeltaSince(peer S) S
	Clone() S
}

var (
	_ Lattice[*GSet[string]]        = (*GSet[string])(nil)
	_ Lattice[*TwoPhaseSet[string]] = (*TwoPhaseSet[string])(nil)
	_ Lattice[*PNCounter]           = (*PNCounter)(nil)
	_ Lattice[*LWWRegister]         = (*LWWRegister)(nil)
)
