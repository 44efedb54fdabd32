package errors

import (
	"errors"
	"fmt"
)

// Error codes for programmatic handling.
const (
	CodeValidation  = "VALIDATION"
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodeUnavailable = "CAPABILITY_UNAVAILABLE"
	CodeStorage     = "STORAGE"
)

// Error is a structured engine error carrying a machine-readable code.
type Error struct {
	Code    string // machine-readable code (e.g. NOT_FOUND)
	Op      string // operation that failed (e.g. "archive")
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("[%s] %s: %s", e.Code, e.Op, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap supports errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// New creates an Error with the given code and message.
func New(code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap creates an Error wrapping an existing error.
func Wrap(code, op, message string, err error) *Error {
	return &Error{Code: code, Op: op, Message: message, Err: err}
}

// Validation reports a rejected input. Nothing has been written when it is returned.
func Validation(op, format string, args ...any) *Error {
	return New(CodeValidation, op, fmt.Sprintf(format, args...))
}

// NotFound is returned for unknown ids and for ids owned by another agent alike.
func NotFound(op string, id int64) *Error {
	return New(CodeNotFound, op, fmt.Sprintf("memory %d not found", id))
}

// Conflict reports that a maintenance operation of the same kind is in flight.
func Conflict(op string) *Error {
	return New(CodeConflict, op, "already running")
}

// Unavailable wraps an embedding provider failure.
func Unavailable(op string, err error) *Error {
	return Wrap(CodeUnavailable, op, "embedding provider unavailable", err)
}

// Storage wraps an underlying database failure. Nil in, nil out.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(CodeStorage, op, "storage failure", err)
}

// AsCode extracts the code from an error, or "" if it is not an *Error.
func AsCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsValidation(err error) bool  { return AsCode(err) == CodeValidation }
func IsNotFound(err error) bool    { return AsCode(err) == CodeNotFound }
func IsConflict(err error) bool    { return AsCode(err) == CodeConflict }
func IsUnavailable(err error) bool { return AsCode(err) == CodeUnavailable }
func IsStorage(err error) bool     { return AsCode(err) == CodeStorage }
