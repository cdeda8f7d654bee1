// Package apperr defines the error taxonomy shared by the chat engine and
// the HTTP surface. Every error that crosses a package boundary is either an
// *Error or wraps one, so callers can branch on Kind without string matching.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindUpstream
	KindTimeout
	KindCapReached
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindCapReached:
		return "cap_reached"
	default:
		return "unknown"
	}
}

// Error is a classified error. Transient is only meaningful for KindUpstream.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	var s string
	if e.Op != "" {
		s = e.Op + ": "
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		return s + e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return s + e.Msg
	case e.Err != nil:
		return s + e.Err.Error()
	default:
		return s + e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(op, format string, args ...any) error {
	return &Error{Kind: KindConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient marks an upstream failure that may succeed on retry (rate
// limits, dropped connections, 5xx).
func Transient(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Err: err, Transient: true}
}

// Fatal marks an upstream failure that must not be retried.
func Fatal(op string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Err: err}
}

func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Msg: "execution deadline exceeded", Err: err}
}

func CapReached(op string, steps int) error {
	return &Error{Kind: KindCapReached, Op: op, Msg: fmt.Sprintf("step cap of %d reached without a final answer", steps)}
}

// KindOf reports the Kind of the first *Error in err's chain. A bare
// context.DeadlineExceeded counts as a timeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool { return KindOf(err) == k }

// IsTransient reports whether err is a retryable upstream failure.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindUpstream && e.Transient
}
