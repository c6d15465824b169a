package model

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrStorage           = errors.New("storage failure")
	ErrClosed            = errors.New("handle is closed")
	ErrAlreadyExists     = errors.New("already exists")
	ErrCapability        = errors.New("completion capability failed")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrInvariant         = errors.New("graph invariant violated")
)

// Error carries an error kind plus the operation and target it applies to.
type Error struct {
	Kind   error
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Target != "" {
		msg += " " + e.Target
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + ": " + e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation builds a caller-fixable input error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Invariant reports a write that would break the graph, such as an edge to
// a node that does not exist.
func Invariant(op, format string, args ...any) error {
	return &Error{Kind: ErrInvariant, Op: op, Err: fmt.Errorf(format, args...)}
}

// NotFound reports that target does not exist.
func NotFound(op, target string) error {
	return &Error{Kind: ErrNotFound, Op: op, Target: target}
}

// Storage wraps an I/O or driver failure. A nil err returns nil.
func Storage(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	return &Error{Kind: ErrStorage, Op: op, Target: target, Err: err}
}

// AlreadyExists reports a duplicate that the caller may ignore.
func AlreadyExists(op, target string) error {
	return &Error{Kind: ErrAlreadyExists, Op: op, Target: target}
}

// Capability wraps a failure of the external completion capability.
func Capability(op string, err error) error {
	return &Error{Kind: ErrCapability, Op: op, Err: err}
}

// Closed reports use of a released handle.
func Closed(op string) error {
	return &Error{Kind: ErrClosed, Op: op}
}

// IsCapability reports whether err is a capability failure.
func IsCapability(err error) bool {
	return errors.Is(err, ErrCapability)
}
