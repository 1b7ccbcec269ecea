// Package errors provides the application error taxonomy for sessionhub.
package errors

import (
	"errors"
	"fmt"
)

// Code classifies an AppError.
type Code string

const (
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConstructionFailure Code = "CONSTRUCTION_FAILURE"
	CodeConcurrencyMisuse   Code = "CONCURRENCY_MISUSE"
	CodeConflict            Code = "CONFLICT"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Any AppError matches the sentinel of its code.
var (
	ErrInvalidArgument     = &AppError{Code: CodeInvalidArgument}
	ErrNotFound            = &AppError{Code: CodeNotFound}
	ErrConstructionFailure = &AppError{Code: CodeConstructionFailure}
	ErrConcurrencyMisuse   = &AppError{Code: CodeConcurrencyMisuse}
	ErrConflict            = &AppError{Code: CodeConflict}
)

// AppError is an error with a stable code and an optional cause.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	switch {
	case e.Message == "":
		return string(e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

func newf(code Code, cause error, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// InvalidArgument reports an empty or malformed argument.
func InvalidArgument(field, message string) *AppError {
	return newf(CodeInvalidArgument, nil, "invalid argument '%s': %s", field, message)
}

func NotFound(resource, id string) *AppError {
	return newf(CodeNotFound, nil, "%s '%s' not found", resource, id)
}

// ConstructionFailure wraps the error of a factory that failed with and without a bridge.
func ConstructionFailure(key string, err error) *AppError {
	return newf(CodeConstructionFailure, err, "failed to construct '%s'", key)
}

// ConcurrencyMisuse reports a blocking call made from inside a tracked background loop.
func ConcurrencyMisuse(message string) *AppError {
	return newf(CodeConcurrencyMisuse, nil, "%s", message)
}

// Conflict reports a write that lost against a concurrent change of the same resource.
func Conflict(resource, id, message string) *AppError {
	return newf(CodeConflict, nil, "%s '%s': %s", resource, id, message)
}

// Panic converts a recovered value from user code into an error.
func Panic(where string, recovered any) *AppError {
	if err, ok := recovered.(error); ok {
		return newf(CodeInternal, err, "%s panicked", where)
	}
	return newf(CodeInternal, nil, "%s panicked: %v", where, recovered)
}

// CodeOf returns the code carried by err, or "" when there is none.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func IsInvalidArgument(err error) bool     { return errors.Is(err, ErrInvalidArgument) }
func IsNotFound(err error) bool            { return errors.Is(err, ErrNotFound) }
func IsConstructionFailure(err error) bool { return errors.Is(err, ErrConstructionFailure) }
func IsConcurrencyMisuse(err error) bool   { return errors.Is(err, ErrConcurrencyMisuse) }
func IsConflict(err error) bool            { return errors.Is(err, ErrConflict) }
