package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// ErrUnknownKind is returned when a call names a kind outside the
// closed tool set.
var ErrUnknownKind = errors.New("unknown tool kind")

// ErrAlreadyRegistered is returned when a kind is registered twice.
var ErrAlreadyRegistered = errors.New("tool already registered")

// ErrNilExecute is returned when a tool is registered without a handler.
var ErrNilExecute = errors.New("tool has no execute function")

// Failure classifies why a tool call failed. The classes are part of
// the task error surface, so callers can branch on them without string
// matching.
type Failure string

const (
	// FailureIO covers filesystem and process launch errors.
	FailureIO Failure = "io_error"

	// FailureTimeout means the call was killed at its deadline.
	FailureTimeout Failure = "timeout"

	// FailurePermission means the call was refused before execution,
	// either by the command safety policy or a workspace boundary check.
	FailurePermission Failure = "permission_denied"

	// FailureValidation means the arguments did not match the tool
	// schema. Nothing was executed.
	FailureValidation Failure = "validation_error"
)

// Error is a failed tool execution carrying its taxonomy class. It
// wraps the underlying cause so errors.Is still sees sentinels like
// patch.ErrConflict.
type Error struct {
	Kind    Kind
	Failure Failure
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Failure, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Failure, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Failure)
}

func (e *Error) Unwrap() error { return e.Err }

// failf builds a classified error with a formatted detail message.
func failf(kind Kind, failure Failure, format string, args ...any) *Error {
	return &Error{Kind: kind, Failure: failure, Detail: fmt.Sprintf(format, args...)}
}

// classify wraps a raw handler error into an Error. Handlers that
// already classified their failure pass through untouched.
func classify(kind Kind, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: kind, Failure: FailureTimeout, Err: err}
	case errors.Is(err, os.ErrPermission):
		return &Error{Kind: kind, Failure: FailurePermission, Err: err}
	default:
		return &Error{Kind: kind, Failure: FailureIO, Err: err}
	}
}

// FailureOf extracts the failure class from any error in the chain,
// empty if the error is not a tool error.
func FailureOf(err error) Failure {
	var te *Error
	if errors.As(err, &te) {
		return te.Failure
	}
	return ""
}
