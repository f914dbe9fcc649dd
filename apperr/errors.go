// Package apperr 定义服务内统一的错误分类。
//
// 每个 Kind 对应一个哨兵错误，调用方通过 Msg/Err 派生子错误，
// 派生错误保留哨兵在 unwrap 链中，可直接使用 errors.Is 判断。
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not-found"
	KindConflict    Kind = "conflict"
	KindEncoding    Kind = "encoding"
	KindDataInvalid Kind = "data-invalid"
	KindUpstream    Kind = "upstream"
	KindTimeout     Kind = "timeout"
	KindInternal    Kind = "internal"
	KindConnection  Kind = "connection"
	KindConstraint  Kind = "constraint-violation"
)

type Error struct {
	kind   Kind
	msg    string
	parent *Error
	cause  error
	id     int64
}

var (
	ErrValidation  = New(KindValidation, "invalid input")
	ErrNotFound    = New(KindNotFound, "not found")
	ErrConflict    = New(KindConflict, "conflict")
	ErrEncoding    = New(KindEncoding, "unable to decode input")
	ErrDataInvalid = New(KindDataInvalid, "invalid data")
	ErrUpstream    = New(KindUpstream, "upstream service error")
	ErrTimeout     = New(KindTimeout, "operation timed out")
	ErrInternal    = New(KindInternal, "internal error")
	ErrConnection  = New(KindConnection, "database connection error")
	ErrConstraint  = New(KindConstraint, "constraint violation")

	// ErrAlreadyPublished 同一文件同一类型已有生效的切片服务
	ErrAlreadyPublished = ErrConflict.Msg("already published")
)

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.parent != nil {
		errs = append(errs, e.parent)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

func (e *Error) Kind() Kind {
	return e.kind
}

// Msg 派生一个同类错误并替换描述
func (e *Error) Msg(msg string) *Error {
	return &Error{kind: e.kind, msg: msg, parent: e, id: e.id}
}

// Msgf 同 Msg，支持格式化
func (e *Error) Msgf(format string, args ...any) *Error {
	return e.Msg(fmt.Sprintf(format, args...))
}

// Err 附加底层原因
func (e *Error) Err(err error) *Error {
	return &Error{kind: e.kind, msg: e.msg, parent: e, cause: err, id: e.id}
}

// WithID 在冲突类错误上记录已存在对象的ID
func (e *Error) WithID(id int64) *Error {
	return &Error{kind: e.kind, msg: e.msg, parent: e, id: id}
}

// KindOf 返回错误链上最近的分类，未分类错误视为 internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

func IDOf(err error) int64 {
	var e *Error
	if errors.As(err, &e) {
		return e.id
	}
	return 0
}

// Wrap 把任意错误归入指定分类，已分类的错误原样返回
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout.Msg(msg).Err(err)
	}
	return sentinel(kind).Msg(msg).Err(err)
}

func sentinel(kind Kind) *Error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindNotFound:
		return ErrNotFound
	case KindConflict:
		return ErrConflict
	case KindEncoding:
		return ErrEncoding
	case KindDataInvalid:
		return ErrDataInvalid
	case KindUpstream:
		return ErrUpstream
	case KindTimeout:
		return ErrTimeout
	case KindConnection:
		return ErrConnection
	case KindConstraint:
		return ErrConstraint
	default:
		return ErrInternal
	}
}
