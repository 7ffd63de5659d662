package cmtspeech

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured cmtspeech error carrying the failing operation and
// a high-level code alongside any wrapped syscall errno.
type Error struct {
	Op    string    // operation that failed, e.g. "DL_BUFFER_ACQUIRE"
	Code  ErrorCode // high-level error category
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("cmtspeech: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("cmtspeech: %s", msg)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is lets errors.Is match on error code, including against the sentinel
// errors below (one per ErrorCode).
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode is the high-level error category; it is the comparison key
// for errors.Is.
type ErrorCode string

const (
	ErrCodeInvalid    ErrorCode = "invalid parameters or state"
	ErrCodeNoBufs     ErrorCode = "no free buffers"
	ErrCodeNoData     ErrorCode = "no data available"
	ErrCodeBrokenPipe ErrorCode = "state changed since buffer was acquired"
	ErrCodeBusy       ErrorCode = "connection busy"
	ErrCodeIO         ErrorCode = "i/o error"
	ErrCodeNotFound   ErrorCode = "no such buffer"
)

// Sentinel errors usable directly with errors.Is, one per ErrorCode.
var (
	ErrInvalid    = &Error{Code: ErrCodeInvalid}
	ErrNoBufs     = &Error{Code: ErrCodeNoBufs}
	ErrNoData     = &Error{Code: ErrCodeNoData}
	ErrBrokenPipe = &Error{Code: ErrCodeBrokenPipe}
	ErrBusy       = &Error{Code: ErrCodeBusy}
	ErrIO         = &Error{Code: ErrCodeIO}
	ErrNotFound   = &Error{Code: ErrCodeNotFound}
)

// NewError builds a structured error for the given operation and code.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// WrapError attaches operation context to an arbitrary error, mapping
// syscall errnos onto the closest ErrorCode.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ce, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ce.Code, Errno: ce.Errno, Msg: ce.Msg, Inner: ce.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, Code: ErrCodeIO, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL:
		return ErrCodeInvalid
	case syscall.ENODATA:
		return ErrCodeNoData
	case syscall.EPIPE:
		return ErrCodeBrokenPipe
	case syscall.ENOBUFS:
		return ErrCodeNoBufs
	default:
		return ErrCodeIO
	}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
