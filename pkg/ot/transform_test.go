package ot

import (
	"errors"
	"testing"

	"github.com/harborgrid-justin/esxi-sub006/pkg/causal"
	"github.com/harborgrid-justin/esxi-sub006/pkg/syncerr"
)

var (
	replicaA = causal.MustParseReplicaID("00000000-0000-0000-0000-00000000000a")
	replicaB = causal.MustParseReplicaID("00000000-0000-0000-0000-00000000000b")
	replicaC = causal.MustParseReplicaID("00000000-0000-0000-0000-00000000000c")
	replicaD = causal.MustParseReplicaID("00000000-0000-0000-0000-00000000000d")
)

func from(r causal.ReplicaID, op Operation) Operation {
	op.Replica = r
	return op
}

func mustApply(t *testing.T, buf string, ops ...Operation) string {
	t.Helper()
	out := []byte(buf)
	for _, op := range ops {
		next, err := Apply(out, op)
		if err != nil {
			t.Fatalf("应用 %s 到 %q 失败: %v", op, out, err)
		}
		out = next
	}
	return string(out)
}

// single 变换 a 并要求结果只有一个操作。
func single(t *testing.T, a, b Operation) Operation {
	t.Helper()
	out := Transform(a, b)
	if len(out) != 1 {
		t.Fatalf("%s 对 %s 变换后预期一个操作, 实际 %v", a, b, out)
	}
	return out[0]
}

func TestTransform_InsertInsertShiftsByContentLength(t *testing.T) {
	got := single(t, Insert(5, []byte("a")), Insert(3, []byte("b")))
	if got.Position != 6 {
		t.Fatalf("预期位置 6, 实际 %d", got.Position)
	}
	got = single(t, Insert(5, []byte("a")), Insert(3, []byte("bcd")))
	if got.Position != 8 {
		t.Fatalf("预期位置 8, 实际 %d", got.Position)
	}
	got = single(t, Insert(2, []byte("a")), Insert(3, []byte("b")))
	if got.Position != 2 {
		t.Fatalf("之后的插入不应影响位置, 实际 %d", got.Position)
	}
}

func TestTransform_DeleteDeleteOverlap(t *testing.T) {
	op1 := Delete(1, 4)
	op2 := Delete(0, 3)

	got := single(t, op1, op2)
	if got.Position != 0 || got.Length != 2 {
		t.Fatalf("预期 Delete(0,2), 实际 %s", got)
	}

	// 两条路径结果一致，重叠的两个字符只删除一次
	left := mustApply(t, "abcdefg", op2, got)
	right := mustApply(t, "abcdefg", append([]Operation{op1}, Transform(op2, op1)...)...)
	if left != "fg" || right != "fg" {
		t.Fatalf("预期 fg/fg, 实际 %q/%q", left, right)
	}
}

func TestTransform_InsertTieBreakLowerReplicaFirst(t *testing.T) {
	a := from(replicaA, Insert(2, []byte("A")))
	b := from(replicaB, Insert(2, []byte("B")))

	if got := single(t, a, b); got.Position != 2 {
		t.Fatalf("副本 A 较小，应排在前面, 实际位置 %d", got.Position)
	}
	if got := single(t, b, a); got.Position != 3 {
		t.Fatalf("副本 B 应排在 A 之后, 实际位置 %d", got.Position)
	}
	left := mustApply(t, "xyz", b, single(t, a, b))
	right := mustApply(t, "xyz", a, single(t, b, a))
	if left != "xyABz" || right != "xyABz" {
		t.Fatalf("预期 xyABz, 实际 %q/%q", left, right)
	}
}

func TestTransform_InsertInsideConcurrentDeleteKeepsContent(t *testing.T) {
	ins := from(replicaA, Insert(3, []byte("X")))
	del := from(replicaB, Delete(1, 4))

	insp := single(t, ins, del)
	if insp.Position != 1 || string(insp.Content) != "X" {
		t.Fatalf("插入应吸附到删除起点并保留内容, 实际 %s", insp)
	}
	delp := Transform(del, ins)
	if len(delp) != 2 || delp[0].Position != 1 || delp[0].Length != 2 || delp[1].Position != 2 || delp[1].Length != 2 {
		t.Fatalf("删除应在插入点处拆成 Delete(1,2), Delete(2,2), 实际 %v", delp)
	}
	left := mustApply(t, "abcdef", del, insp)
	right := mustApply(t, "abcdef", append([]Operation{ins}, delp...)...)
	if left != "aXf" || right != "aXf" {
		t.Fatalf("预期 aXf, 实际 %q/%q", left, right)
	}
}

// TP1：对任意一对并发基本操作，两条执行路径得到相同的文档。
func TestTransform_ConvergenceProperty(t *testing.T) {
	const base = "abcdefgh"
	ops := []Operation{
		Insert(0, []byte("X")),
		Insert(2, []byte("YY")),
		Insert(4, []byte("Z")),
		Insert(8, []byte("W")),
		Delete(0, 2),
		Delete(1, 4),
		Delete(2, 2),
		Delete(3, 5),
		Delete(4, 0),
	}
	for i, a := range ops {
		for j, b := range ops {
			a := from(replicaA, a)
			b := from(replicaB, b)
			left := mustApply(t, base, append([]Operation{b}, Transform(a, b)...)...)
			right := mustApply(t, base, append([]Operation{a}, Transform(b, a)...)...)
			if left != right {
				t.Errorf("ops[%d]=%s ops[%d]=%s 不收敛: %q vs %q", i, a, j, b, left, right)
			}
		}
	}
}

func TestTransformOps_CompositeOperations(t *testing.T) {
	move := from(replicaA, Operation{Kind: OpMove, Position: 0, Length: 2, Target: 4, Content: []byte("ab")})
	ins := from(replicaB, Insert(6, []byte("!")))

	mp, ip := TransformOps([]Operation{move}, []Operation{ins})
	left := mustApply(t, "abcdef", append([]Operation{ins}, mp...)...)
	right := mustApply(t, "abcdef", append([]Operation{move}, ip...)...)
	if left != "cdabef!" || right != "cdabef!" {
		t.Fatalf("预期 cdabef!, 实际 %q/%q", left, right)
	}

	upd := from(replicaA, Update(1, 2, []byte("XYZ")))
	del := from(replicaB, Delete(4, 2))
	up, dp := TransformOps([]Operation{upd}, []Operation{del})
	left = mustApply(t, "abcdef", append([]Operation{del}, up...)...)
	right = mustApply(t, "abcdef", append([]Operation{upd}, dp...)...)
	if left != right || left != "aXYZd" {
		t.Fatalf("预期 aXYZd, 实际 %q/%q", left, right)
	}

	// 被拆开的删除继续参与后面的变换
	del = from(replicaB, Delete(0, 6))
	ins2 := from(replicaA, Insert(2, []byte("12")))
	ins3 := from(replicaA, Insert(5, []byte("3")))
	ap, dp := TransformOps([]Operation{ins2, ins3}, []Operation{del})
	left = mustApply(t, "abcdef", append([]Operation{del}, ap...)...)
	right = mustApply(t, "abcdef", append([]Operation{ins2, ins3}, dp...)...)
	if left != right || left != "123" {
		t.Fatalf("预期 123, 实际 %q/%q", left, right)
	}
}

func TestTransform_PanicsOnCompositeFirstOperand(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("复合操作作为第一个参数应 panic")
		}
	}()
	Transform(Update(0, 1, []byte("x")), Insert(0, []byte("y")))
}

func TestApply(t *testing.T) {
	cases := []struct {
		name string
		buf  string
		op   Operation
		want string
	}{
		{"insert at end", "abc", Insert(3, []byte("Y")), "abcY"},
		{"delete middle", "abcdef", Delete(1, 2), "adef"},
		{"update", "hello world", Update(6, 5, []byte("there")), "hello there"},
		{"move forward", "abcdef", Move(0, 2, 4), "cdabef"},
		{"move backward", "abcdef", Move(3, 2, 0), "deabcf"},
		{"move to end of range", "abcdef", Move(1, 2, 3), "abcdef"},
	}
	for _, tc := range cases {
		got, err := Apply([]byte(tc.buf), tc.op)
		if err != nil {
			t.Errorf("%s: 意外错误 %v", tc.name, err)
			continue
		}
		if string(got) != tc.want {
			t.Errorf("%s: 预期 %q, 实际 %q", tc.name, tc.want, got)
		}
	}
}

func TestApply_OutOfBounds(t *testing.T) {
	buf := []byte("abc")
	cases := []Operation{
		Insert(5, []byte("X")),
		Delete(2, 2),
		Update(3, 1, []byte("z")),
		Move(0, 1, 4),
		Delete(^uint64(0), 2),
	}
	for _, op := range cases {
		_, err := Apply(buf, op)
		if !errors.Is(err, syncerr.ErrOutOfBounds) {
			t.Errorf("%s: 预期 OutOfBounds, 实际 %v", op, err)
		}
	}
	if string(buf) != "abc" {
		t.Fatalf("越界操作不应修改缓冲区: %q", buf)
	}
}

func TestApply_MoveTargetInsideSource(t *testing.T) {
	_, err := Apply([]byte("abcdef"), Move(0, 3, 1))
	if !errors.Is(err, syncerr.ErrInvalidOperation) {
		t.Fatalf("预期 InvalidOperation, 实际 %v", err)
	}
}
