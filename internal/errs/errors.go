// Package errs provides the structured error type shared by every core
// subsystem, carrying one of the error kinds the design enumerates.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the high-level error category a failure belongs to.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid argument"
	KindNotInitialized     Kind = "not initialized"
	KindResourceExhausted  Kind = "resource exhausted"
	KindTimeout            Kind = "timeout"
	KindHardware           Kind = "hardware/bus error"
	KindProtocolViolation  Kind = "protocol violation"
	KindDeadlineMiss       Kind = "deadline miss"
	KindPriorityInversion  Kind = "priority inversion"
)

// Error is a structured error with enough context to be logged and to
// support errors.Is/As matching against a Kind.
type Error struct {
	Op    string // operation that failed, e.g. "sched.Create", "heap.Alloc"
	Kind  Kind
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		if e.Op != "" {
			return fmt.Sprintf("embodios: %s: %s", e.Op, e.Kind)
		}
		return fmt.Sprintf("embodios: %s", e.Kind)
	}
	if e.Op != "" {
		return fmt.Sprintf("embodios: %s: %s: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("embodios: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is lets errors.Is match this error against another *Error: the two
// match when their Kinds are equal.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New constructs a new Error.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// Wrap wraps an existing error with embodios context. The result always
// carries the given kind, even when the inner error is itself an *Error
// of a different Kind; the inner error stays reachable through Unwrap.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Msg: inner.Error(), Inner: inner}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
