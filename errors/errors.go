// Package errors provides the classified error taxonomy shared by every
// substrate component. Errors carry a machine-readable code, the component
// and operation that produced them, and a retryable flag that drives the
// task coordinator's retry policy.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code identifies the error category on the wire and in rejected operations.
type Code string

// Machine-readable error codes surfaced to collaborators.
const (
	CodeConnection    Code = "CONNECTION_ERROR"
	CodeTimeout       Code = "TIMEOUT"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeTaskExecution Code = "TASK_EXECUTION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeCircuitOpen   Code = "CIRCUIT_OPEN"
	CodeInternal      Code = "INTERNAL_ERROR"
)

// Standard error variables for common conditions.
var (
	ErrNotConnected    = errors.New("not connected to message bus")
	ErrConnectionLost  = errors.New("connection lost")
	ErrTimeout         = errors.New("operation timed out")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrNotFound        = errors.New("not found")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrAlreadyStarted  = errors.New("already started")
	ErrNotStarted      = errors.New("not started")
	ErrShuttingDown    = errors.New("shutting down")
	ErrStreamGap       = errors.New("stream sequence gap detected")
	ErrRetriesExceeded = errors.New("maximum retries exceeded")
)

// ClassifiedError wraps an error with its code and origin context.
type ClassifiedError struct {
	Code      Code
	Err       error
	Component string
	Operation string
	retryable bool
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Retryable reports whether the failed operation may be retried.
func (ce *ClassifiedError) Retryable() bool {
	return ce.retryable
}

// wrap creates a standardized error following the pattern:
// "component.method: action failed: %w"
func wrap(err error, component, method, action string) error {
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func newClassified(code Code, retryable bool, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Code:      code,
		Err:       wrap(err, component, method, action),
		Component: component,
		Operation: method,
		retryable: retryable,
	}
}

// WrapConnection classifies a transport-level failure. Connection errors are
// retryable: the transport reconnects and the operation may be repeated.
func WrapConnection(err error, component, method, action string) error {
	return newClassified(CodeConnection, true, err, component, method, action)
}

// WrapTimeout classifies a request/reply or stream deadline failure.
func WrapTimeout(err error, component, method, action string) error {
	return newClassified(CodeTimeout, true, err, component, method, action)
}

// WrapValidation classifies a malformed message or payload. Never retryable.
func WrapValidation(err error, component, method, action string) error {
	return newClassified(CodeValidation, false, err, component, method, action)
}

// WrapNotFound classifies an unknown task, key, or service. Never retryable.
func WrapNotFound(err error, component, method, action string) error {
	return newClassified(CodeNotFound, false, err, component, method, action)
}

// WrapCircuitOpen classifies a fast-fail rejection from a breaker. The call
// itself is terminal; the caller decides whether to try again later.
func WrapCircuitOpen(err error, component, method, action string) error {
	return newClassified(CodeCircuitOpen, false, err, component, method, action)
}

// WrapInternal classifies an unexpected internal failure.
func WrapInternal(err error, component, method, action string) error {
	return newClassified(CodeInternal, false, err, component, method, action)
}

// TaskExecution wraps a handler failure, carrying the retryable flag sourced
// from the handler's error. The flag drives the coordinator's retry policy.
func TaskExecution(err error, retryable bool, component, method string) error {
	return newClassified(CodeTaskExecution, retryable, err, component, method, "execute handler")
}

// CodeOf extracts the machine-readable code from an error chain.
// Unclassified errors map to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionLost):
		return CodeConnection
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrInvalidConfig):
		return CodeValidation
	}
	return CodeInternal
}

// Retryable reports whether err represents a condition worth retrying.
// Classified errors answer from their flag; bare errors are matched against
// known transient conditions and common transient message patterns.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.retryable
	}

	if errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "unavailable", "temporary", "busy"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsTimeout reports whether err is a timeout condition.
func IsTimeout(err error) bool {
	return CodeOf(err) == CodeTimeout
}

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsCircuitOpen reports whether err is a breaker fast-fail.
func IsCircuitOpen(err error) bool {
	return CodeOf(err) == CodeCircuitOpen
}
