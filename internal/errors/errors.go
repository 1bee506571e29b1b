// Package errors provides code-carrying errors for the approval engine.
//
// Every rule violation is signalled as an *Error with a stable Code so that
// callers branch on the outcome instead of matching message strings. Codes
// are part of the engine's public contract.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an engine error.
type Code string

const (
	// ErrCodeNotFound: workflow or template absent.
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeConcurrency: optimistic version mismatch; reload and retry.
	ErrCodeConcurrency Code = "CONCURRENCY_CONFLICT"
	// ErrCodeInvalidState: action not valid for the workflow's lifecycle state.
	ErrCodeInvalidState Code = "INVALID_STATE"
	// ErrCodeForbidden: actor not eligible for this tier or action.
	ErrCodeForbidden Code = "FORBIDDEN"
	// ErrCodeDuplicateDecision: same approver voting twice within a tier.
	ErrCodeDuplicateDecision Code = "DUPLICATE_DECISION"
	// ErrCodeUnsupportedOperation: no executor registered for the operation type.
	ErrCodeUnsupportedOperation Code = "UNSUPPORTED_OPERATION"
	// ErrCodeExecutorValidation: executor's validation step refused the operation.
	ErrCodeExecutorValidation Code = "EXECUTOR_VALIDATION_FAILED"
	// ErrCodeExecutorExecution: executor's execution step failed.
	ErrCodeExecutorExecution Code = "EXECUTOR_EXECUTION_FAILED"
	// ErrCodeInvalidInput: malformed or missing request field.
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	// ErrCodeInternal: infrastructure failure (store, serialization).
	ErrCodeInternal Code = "INTERNAL"
)

// Error is a code-classified engine error.
type Error struct {
	ErrCode Code
	Message string
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Newf creates an error with the given code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message, preserving it as the cause.
// Wrapping nil returns nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{ErrCode: code, Message: message, cause: err}
}

// NotFound creates a NOT_FOUND error for the named resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput creates an INVALID_INPUT error for a specific field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf returns the code carried by err, or ErrCodeInternal for plain errors.
// A nil err yields the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ErrCode
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
