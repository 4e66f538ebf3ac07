package catalog

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies tool failures.
type ErrorKind string

const (
	KindInvalidArgument ErrorKind = "invalid-argument"
	KindNotFound        ErrorKind = "not-found"
	KindTransient       ErrorKind = "transient"
	KindFatal           ErrorKind = "fatal"
)

// Error is a typed tool failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable returns true for transient failures.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient
}

// InvalidArgument reports arguments the tool cannot accept.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing tool or a missing target of the tool.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps a failure that may succeed on retry.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Fatal wraps a failure that will not succeed on retry.
func Fatal(err error) *Error {
	return &Error{Kind: KindFatal, Err: err}
}

// Classify returns the kind of err. Typed errors keep their kind. Deadline
// and network failures are transient. Anything else is fatal.
func Classify(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindTransient
	}
	return KindFatal
}
