// Package rterr defines the closed set of error kinds the runtime raises.
//
// Error shapes follow the teacher's error package: a numeric code, an
// optional parent error for wrapping, and an optional captured stack frame
// for invariant violations that are meant to abort with a diagnostic.
package rterr

import (
	"fmt"
	"runtime"
)

// Code enumerates the error kinds named in the runtime's error-handling
// design. Codes are stable and are compared against an error with Is.
type Code uint16

const (
	CodeUnknown Code = iota
	// CodeAlreadyRegistered: add_event called for an (fd, event) pair that
	// is already registered.
	CodeAlreadyRegistered
	// CodeBadDescriptor: the descriptor is closed, missing, or otherwise
	// not eligible for the requested operation.
	CodeBadDescriptor
	// CodeWouldBlockTimeout: a hooked operation's configured timeout fired
	// before the underlying I/O became ready.
	CodeWouldBlockTimeout
	// CodeOperationInterrupted: a parked fiber was woken by cancel_event or
	// cancel_all rather than by the I/O it was waiting for.
	CodeOperationInterrupted
	// CodeUnhandledInFiber: a fiber's callback returned an error or
	// panicked; the fiber transitioned to EXCEPT.
	CodeUnhandledInFiber
	// CodeInvariantViolation: a programmer error — e.g. stopping a scheduler
	// that was never started, or requesting an absurd fiber stack size.
	CodeInvariantViolation
)

func (c Code) String() string {
	switch c {
	case CodeAlreadyRegistered:
		return "already-registered"
	case CodeBadDescriptor:
		return "bad-descriptor"
	case CodeWouldBlockTimeout:
		return "would-block-timeout"
	case CodeOperationInterrupted:
		return "operation-interrupted"
	case CodeUnhandledInFiber:
		return "unhandled-in-fiber"
	case CodeInvariantViolation:
		return "invariant-violation"
	default:
		return "unknown"
	}
}

// Error is the runtime's error value. It implements error and Unwrap, so
// callers may use errors.As to reach it and the package-level Is to compare
// its Code (a Code is not itself an error value).
type Error struct {
	code   Code
	msg    string
	parent error
	frame  *runtime.Frame
}

// New builds an Error with no wrapped parent.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Wrap builds an Error that wraps parent, preserving it for errors.Unwrap.
func Wrap(code Code, msg string, parent error) *Error {
	return &Error{code: code, msg: msg, parent: parent}
}

// NewInvariant builds a CodeInvariantViolation error and captures the
// caller's frame for the diagnostic backtrace the spec requires for
// programmer errors.
func NewInvariant(msg string) *Error {
	e := &Error{code: CodeInvariantViolation, msg: msg}
	if pc, file, line, ok := runtime.Caller(1); ok {
		frames := runtime.CallersFrames([]uintptr{pc})
		fr, _ := frames.Next()
		fr.File, fr.Line = file, line
		e.frame = &fr
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.parent != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.parent)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

// Unwrap exposes the wrapped parent error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.parent
}

// Code returns the error kind.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Frame returns the captured backtrace frame, if this error carries one.
func (e *Error) Frame() (runtime.Frame, bool) {
	if e == nil || e.frame == nil {
		return runtime.Frame{}, false
	}
	return *e.frame, true
}

// Timeout reports whether this error represents a timed-out operation,
// satisfying the subset of net.Error that callers typically check.
func (e *Error) Timeout() bool { return e != nil && e.code == CodeWouldBlockTimeout }

// Temporary reports whether retrying the operation might succeed.
// Interrupted operations and timeouts are both considered retryable by the
// caller (the fiber, not the hook layer, decides whether to retry).
func (e *Error) Temporary() bool {
	return e != nil && (e.code == CodeWouldBlockTimeout || e.code == CodeOperationInterrupted)
}

// Is reports whether err is an *Error with the given code, following
// wrapped parents the way errors.Is does.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.code == code {
				return true
			}
			err = e.parent
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
