package causal

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	replicaA = MustParseReplicaID("00000000-0000-0000-0000-00000000000a")
	replicaB = MustParseReplicaID("00000000-0000-0000-0000-00000000000b")
	replicaC = MustParseReplicaID("00000000-0000-0000-0000-00000000000c")
)

func TestVersionVector_Precedes(t *testing.T) {
	vv1 := NewVersionVector()
	vv1.Increment(replicaA)
	vv1.Increment(replicaB) // {A:1, B:1}

	vv3 := vv1.Clone()
	vv3.Increment(replicaC) // {A:1, B:1, C:1}

	if !vv1.Precedes(vv3) {
		t.Errorf("vv1 应该先于 vv3")
	}
	if vv3.Precedes(vv1) {
		t.Errorf("vv3 不应该先于 vv1")
	}
	if vv1.Concurrent(vv3) {
		t.Errorf("有序的向量不应并发")
	}
	if vv1.Precedes(vv1.Clone()) {
		t.Errorf("相等的向量不满足严格先于")
	}
}

func TestVersionVector_ConcurrentOnDisjointReplicas(t *testing.T) {
	base := NewVersionVector()
	base.Increment(replicaA)

	left := base.Clone()
	left.Increment(replicaB)
	right := base.Clone()
	right.Increment(replicaC)

	if !left.Concurrent(right) || !right.Concurrent(left) {
		t.Fatalf("分别在不同副本上推进的向量应并发: %v vs %v", left, right)
	}
	if got := left.Compare(right); got != Concurrent {
		t.Fatalf("Compare 预期 concurrent, 实际 %v", got)
	}
}

func TestVersionVector_AbsentCountsAsZero(t *testing.T) {
	a := VersionVector{replicaA: 2, replicaB: 0}
	b := VersionVector{replicaA: 2}
	if !a.Equal(b) {
		t.Fatalf("值为 0 的分量应等同于缺失")
	}
	if a.Precedes(b) || b.Precedes(a) {
		t.Fatalf("相等向量不应互相先于")
	}

	empty := NewVersionVector()
	if !empty.Precedes(b) {
		t.Fatalf("空向量应先于非空向量")
	}
}

func TestVersionVector_MergeIsJoin(t *testing.T) {
	a := VersionVector{replicaA: 3, replicaB: 1}
	b := VersionVector{replicaB: 4, replicaC: 2}

	ab := a.Clone()
	ab.Merge(b)
	ba := b.Clone()
	ba.Merge(a)
	if !ab.Equal(ba) {
		t.Fatalf("Merge 不满足交换律: %v vs %v", ab, ba)
	}

	again := ab.Clone()
	again.Merge(b)
	if !again.Equal(ab) {
		t.Fatalf("Merge 不满足幂等性")
	}

	want := VersionVector{replicaA: 3, replicaB: 4, replicaC: 2}
	if !ab.Equal(want) {
		t.Fatalf("预期 %v, 实际 %v", want, ab)
	}
}

func TestVersionVector_Meet(t *testing.T) {
	a := VersionVector{replicaA: 3, replicaB: 1}
	b := VersionVector{replicaA: 1, replicaB: 5, replicaC: 2}

	got := a.Meet(b)
	want := VersionVector{replicaA: 1, replicaB: 1}
	if !got.Equal(want) {
		t.Fatalf("预期 %v, 实际 %v", want, got)
	}
	if _, ok := got[replicaC]; ok {
		t.Fatalf("只出现在一侧的分量应为 0")
	}
}

func TestVersionVector_Classify(t *testing.T) {
	local := VersionVector{replicaA: 2, replicaB: 1}

	tests := []struct {
		name   string
		origin ReplicaID
		clock  VersionVector
		want   Delivery
	}{
		{"next from A", replicaA, VersionVector{replicaA: 3, replicaB: 1}, Deliverable},
		{"already seen", replicaA, VersionVector{replicaA: 2}, Duplicate},
		{"skips a seq", replicaA, VersionVector{replicaA: 4}, Gap},
		{"missing dependency", replicaC, VersionVector{replicaC: 1, replicaB: 2}, Gap},
		{"first from C", replicaC, VersionVector{replicaC: 1, replicaA: 1}, Deliverable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := local.Classify(tt.origin, tt.clock); got != tt.want {
				t.Errorf("预期 %v, 实际 %v", tt.want, got)
			}
		})
	}
}

func TestVersionVector_MsgpackRoundTrip(t *testing.T) {
	vv := VersionVector{replicaB: 7, replicaA: 1, replicaC: 0}

	data, err := msgpack.Marshal(vv)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	var decoded VersionVector
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if !decoded.Equal(vv) {
		t.Fatalf("预期 %v, 实际 %v", vv, decoded)
	}

	// 编码与 map 遍历顺序无关
	again, _ := msgpack.Marshal(vv.Clone())
	if string(again) != string(data) {
		t.Fatalf("编码结果不稳定")
	}
}

func TestLamportTimestamp_TotalOrder(t *testing.T) {
	a := LamportTimestamp{Counter: 5, Replica: replicaB}
	b := LamportTimestamp{Counter: 5, Replica: replicaA}
	c := LamportTimestamp{Counter: 6, Replica: replicaA}

	if !b.Less(a) {
		t.Errorf("计数相同时应按副本 ID 决胜")
	}
	if !a.Less(c) {
		t.Errorf("计数更大者应更大")
	}
	if a.Compare(a) != 0 {
		t.Errorf("自身比较应相等")
	}
}

func TestLamportClock_Witness(t *testing.T) {
	clock := NewLamportClock(replicaA)
	if ts := clock.Tick(); ts.Counter != 1 || ts.Replica != replicaA {
		t.Fatalf("首次 Tick 预期 1, 实际 %+v", ts)
	}
	ts := clock.Witness(LamportTimestamp{Counter: 10, Replica: replicaB})
	if ts.Counter != 11 {
		t.Fatalf("Witness 后预期 11, 实际 %d", ts.Counter)
	}
	ts = clock.Witness(LamportTimestamp{Counter: 3, Replica: replicaB})
	if ts.Counter != 12 {
		t.Fatalf("旧时间戳也应推进本地时钟, 实际 %d", ts.Counter)
	}
}

func TestReplicaID_Msgpack(t *testing.T) {
	id := NewReplicaID()
	data, err := msgpack.Marshal(id)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	var got ReplicaID
	if err := msgpack.Unmarshal(data, &got); err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if got != id {
		t.Fatalf("预期 %s, 实际 %s", id, got)
	}
	if _, err := ParseReplicaID("not-a-uuid"); err == nil {
		t.Fatalf("非法 ID 应报错")
	}
}
