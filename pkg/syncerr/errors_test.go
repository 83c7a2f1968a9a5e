package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := New(KindOutOfBounds, "delete [%d,%d) beyond %d", 2, 9, 4)
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("预期匹配 ErrOutOfBounds, 实际 %v", err)
	}
	if errors.Is(err, ErrCausalityGap) {
		t.Fatalf("不应匹配 ErrCausalityGap")
	}

	wrapped := fmt.Errorf("apply: %w", err)
	if !errors.Is(wrapped, ErrOutOfBounds) {
		t.Fatalf("包装后仍应匹配")
	}
	if KindOf(wrapped) != KindOutOfBounds {
		t.Fatalf("KindOf 预期 out_of_bounds, 实际 %v", KindOf(wrapped))
	}
}

func TestWithState(t *testing.T) {
	err := WithState(Wrap(KindChecksumMismatch, errors.New("sha mismatch")), "doc-1", "")
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("预期 *Error")
	}
	if se.StateID != "doc-1" || se.Kind != KindChecksumMismatch {
		t.Fatalf("上下文未填充: %+v", se)
	}
	if got := err.Error(); got != "checksum_mismatch state=doc-1: sha mismatch" {
		t.Fatalf("错误文本不符: %q", got)
	}

	plain := WithState(errors.New("boom"), "doc-2", "op-9")
	if KindOf(plain) != KindUnknown {
		t.Fatalf("普通错误应为 unknown")
	}
	if WithState(nil, "x", "y") != nil {
		t.Fatalf("nil 应保持 nil")
	}
}
