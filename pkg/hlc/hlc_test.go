package hlc

import (
	"testing"
	"time"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
)

// manualClock 是可手动拨动的物理时钟。
type manualClock struct {
	t time.Time
}

func (m *manualClock) now() time.Time { return m.t }

func TestHLC_New(t *testing.T) {
	clock := New(causal.NewReplicaID())
	if clock.Tick().IsZero() {
		t.Fatal("新时钟的首个时间戳不应为零")
	}
}

func TestHLC_Monotonicity(t *testing.T) {
	clock := New(causal.NewReplicaID())
	t1 := clock.Tick()
	t2 := clock.Tick()

	if !t1.Before(t2) {
		t.Errorf("时钟非单调递增: t1=%v, t2=%v", t1, t2)
	}
	if t2.Wall == t1.Wall && t2.Logical <= t1.Logical {
		t.Errorf("同一毫秒内的逻辑时间未增加")
	}
}

func TestHLC_TickWhenPhysicalClockRegresses(t *testing.T) {
	src := &manualClock{t: time.UnixMilli(10_000)}
	clock := NewWithSource(causal.NewReplicaID(), src.now)

	t1 := clock.Tick()
	src.t = time.UnixMilli(9_000) // 物理时钟倒退
	t2 := clock.Tick()
	t3 := clock.Tick()

	if !t1.Before(t2) || !t2.Before(t3) {
		t.Fatalf("物理时钟倒退时仍应严格递增: %v %v %v", t1, t2, t3)
	}
	if t3.Wall != 10_000 || t3.Logical != 2 {
		t.Fatalf("预期 wall=10000 logical=2, 实际 %v", t3)
	}
}

func TestHLC_Update(t *testing.T) {
	clock := New(causal.NewReplicaID())

	// 模拟接收到来自未来的消息
	futurePhys := time.Now().Add(1 * time.Hour).UnixMilli()
	remote := Timestamp{Wall: futurePhys, Logical: 7, Replica: causal.NewReplicaID()}

	got := clock.Update(remote)
	if got.Wall != futurePhys || got.Logical != 8 {
		t.Errorf("时钟未追上将来时间。Got %v, want wall=%d logical=8", got, futurePhys)
	}

	now := clock.Tick()
	if !got.Before(now) {
		t.Errorf("Update 之后的 Tick 应继续递增")
	}
}

func TestHLC_UpdateBothWallsEqual(t *testing.T) {
	src := &manualClock{t: time.UnixMilli(5_000)}
	clock := NewWithSource(causal.NewReplicaID(), src.now)
	clock.Tick() // latest = 5000.0

	got := clock.Update(Timestamp{Wall: 5_000, Logical: 4})
	if got.Wall != 5_000 || got.Logical != 5 {
		t.Fatalf("预期 5000.5, 实际 %v", got)
	}

	src.t = time.UnixMilli(6_000)
	got = clock.Update(Timestamp{Wall: 5_500, Logical: 9})
	if got.Wall != 6_000 || got.Logical != 0 {
		t.Fatalf("物理时间领先时逻辑计数应重置, 实际 %v", got)
	}
}

func TestHLC_Causality(t *testing.T) {
	// 节点 A
	clockA := New(causal.NewReplicaID())
	tsA := clockA.Tick()

	// 节点 B 接收到来自 A 的消息
	clockB := New(causal.NewReplicaID())
	clockB.Update(tsA)

	tsB := clockB.Tick()
	if !tsA.Before(tsB) {
		t.Errorf("违反因果关系: tsB (%v) <= tsA (%v)", tsB, tsA)
	}
}

func TestCompare_ReplicaTieBreak(t *testing.T) {
	a := Timestamp{Wall: 1, Logical: 1, Replica: causal.MustParseReplicaID("00000000-0000-0000-0000-000000000001")}
	b := Timestamp{Wall: 1, Logical: 1, Replica: causal.MustParseReplicaID("00000000-0000-0000-0000-000000000002")}
	if Compare(a, b) != -1 || Compare(b, a) != 1 || Compare(a, a) != 0 {
		t.Fatalf("副本 ID 决胜不正确")
	}
}

func TestIsStale(t *testing.T) {
	local := Timestamp{Wall: 100_000}
	if !IsStale(Timestamp{Wall: 90_000}, local, 5*time.Second) {
		t.Errorf("落后 10s 应视为陈旧")
	}
	if IsStale(Timestamp{Wall: 98_000}, local, 5*time.Second) {
		t.Errorf("落后 2s 不应视为陈旧")
	}
}
