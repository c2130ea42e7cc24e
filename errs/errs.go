// Package errs defines the pyenvd error domain type and the disjoint
// error kinds described in spec §7.
//
// Implementers should create an *Error at the system boundary (a failed
// HTTP call, a failed disk write, a rejected precondition) and intermediate
// layers should prefer fmt.Errorf with "%w" to add context over constructing
// another *Error, so that errors.As still finds the original Kind.
package errs

import (
	"errors"
	"strings"
)

// Kind represents one of the disjoint error classes from spec §7.
//
// If a call site is unsure which Kind applies, Internal is the fallback.
type Kind string

// Defined error kinds. These are also returned by (*Error).Unwrap-compatible
// errors.Is checks: errors.Is(err, errs.NotFound) works whether err is an
// *Error of that Kind or the Kind value itself.
const (
	NotFound        Kind = "not_found"
	AlreadyExists   Kind = "already_exists"
	Conflict        Kind = "conflict"
	PolicyViolation Kind = "policy_violation"
	Timeout         Kind = "timeout"
	Cancelled       Kind = "cancelled"
	QueueFull       Kind = "queue_full"
	Network         Kind = "network"
	Protocol        Kind = "protocol"
	IO              Kind = "io"
	Corruption      Kind = "corruption"
	Unhealthy       Kind = "unhealthy"
	Internal        Kind = "internal"
)

// Error implements the error interface so Kind satisfies errors.Is targets.
func (k Kind) Error() string { return string(k) }

// Error is the pyenvd error domain type: a Kind plus structured context.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "resolver.resolve"
	Message string
	Inner   error

	// Context carries structured details specific to the Kind, e.g. the
	// conflicting package name and constraints for Conflict, or the mount
	// point for PolicyViolation.
	Context map[string]any
}

var (
	_ error                       = (*Error)(nil)
	_ interface{ Is(error) bool } = (*Error)(nil)
	_ interface{ Unwrap() error } = (*Error)(nil)
)

// New constructs an *Error of the given Kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error of the given Kind wrapping inner.
func Wrap(kind Kind, op string, inner error) *Error {
	return &Error{Kind: kind, Op: op, Inner: inner}
}

// WithContext returns a copy of e with a context key/value attached.
func (e *Error) WithContext(key string, value any) *Error {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return &out
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString("[")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	if e.Inner != nil {
		b.WriteString(": ")
		b.WriteString(e.Inner.Error())
	}
	return b.String()
}

// Is enables errors.Is(err, someKind) by comparing Kind.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return errors.Is(e.Kind, target)
}

// Unwrap enables errors.Unwrap and errors.As to reach the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }
