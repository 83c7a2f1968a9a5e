// Package syncerr 定义复制核心共享的错误分类。
//
// 所有错误都可以用 errors.Is 与对应的哨兵错误比较，
// 例如 errors.Is(err, syncerr.ErrOutOfBounds)。
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 标识错误类别。
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCausalityGap
	KindOutOfBounds
	KindChecksumMismatch
	KindDuplicateOperation
	KindInvalidConfig
	KindInvalidOperation
	KindResyncRequired
	KindNotFound
	KindStaleSnapshot
)

// String 返回可读的类别名。
func (k Kind) String() string {
	switch k {
	case KindCausalityGap:
		return "causality_gap"
	case KindOutOfBounds:
		return "out_of_bounds"
	case KindChecksumMismatch:
		return "checksum_mismatch"
	case KindDuplicateOperation:
		return "duplicate_operation"
	case KindInvalidConfig:
		return "invalid_config"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindResyncRequired:
		return "resync_required"
	case KindNotFound:
		return "not_found"
	case KindStaleSnapshot:
		return "stale_snapshot"
	default:
		return "unknown"
	}
}

var (
	ErrCausalityGap       = &Error{Kind: KindCausalityGap}
	ErrOutOfBounds        = &Error{Kind: KindOutOfBounds}
	ErrChecksumMismatch   = &Error{Kind: KindChecksumMismatch}
	ErrDuplicateOperation = &Error{Kind: KindDuplicateOperation}
	ErrInvalidConfig      = &Error{Kind: KindInvalidConfig}
	ErrInvalidOperation   = &Error{Kind: KindInvalidOperation}
	ErrResyncRequired     = &Error{Kind: KindResyncRequired}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrStaleSnapshot      = &Error{Kind: KindStaleSnapshot}
)

// Error 携带类别以及出错的文档/操作上下文。
type Error struct {
	Kind    Kind
	StateID string
	OpID    string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.StateID != "" {
		fmt.Fprintf(&b, " state=%s", e.StateID)
	}
	if e.OpID != "" {
		fmt.Fprintf(&b, " op=%s", e.OpID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按类别匹配，使包装后的错误仍能与哨兵比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New 创建指定类别的错误。
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap 给 err 附加类别；err 为 nil 时返回 nil。
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// WithState 为错误补充文档 ID（以及可选的操作 ID）。
// 如果 err 已经是 *Error，会复制后填充缺失字段。
func WithState(err error, stateID, opID string) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		if cp.StateID == "" {
			cp.StateID = stateID
		}
		if cp.OpID == "" {
			cp.OpID = opID
		}
		return &cp
	}
	return &Error{Kind: KindUnknown, StateID: stateID, OpID: opID, Err: err}
}

// KindOf 返回 err 链中第一个 *Error 的类别。
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
