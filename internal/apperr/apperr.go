// Package apperr defines the error taxonomy shared by every module.
//
// Each error has a Kind (the category callers branch on) and an optional Code
// naming the specific failure. errors.Is matches on Code when the target has
// one and on Kind otherwise, so both of these hold for a full pool:
//
//	errors.Is(err, pool.ErrFull)
//	errors.Is(err, apperr.ErrConflict)
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindForbidden       Kind = "forbidden"
	KindInvalidArgument Kind = "invalid_argument"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// Error is an application error carrying a kind and a stable code.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return t.Kind == e.Kind
	}
	return t.Code == e.Code
}

// Kind sentinels, for errors.Is checks against a whole category.
var (
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict        = &Error{Kind: KindConflict, Message: "conflict"}
	ErrForbidden       = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	ErrUnavailable     = &Error{Kind: KindUnavailable, Message: "unavailable"}
)

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func NotFound(code, message string) *Error {
	return New(KindNotFound, code, message)
}

func Conflict(code, message string) *Error {
	return New(KindConflict, code, message)
}

func Forbidden(code, message string) *Error {
	return New(KindForbidden, code, message)
}

func InvalidArgument(code, message string) *Error {
	return New(KindInvalidArgument, code, message)
}

// Unavailable wraps a collaborator I/O failure. A nil err returns nil.
func Unavailable(collaborator string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    KindUnavailable,
		Code:    collaborator + "_unavailable",
		Message: collaborator + " unavailable",
		Err:     err,
	}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the caller may retry the operation as-is.
func IsRetryable(err error) bool {
	return KindOf(err) == KindUnavailable
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
