// Package errors provides coded application errors shared by the repository,
// service and handler layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes understood by the transport layer.
const (
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeConflict     = "CONFLICT"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeForbidden    = "FORBIDDEN"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeInternal     = "INTERNAL"
)

// Error is a coded error. Reason is a stable machine-readable discriminator
// used for errors.Is matching; Message is for humans.
type Error struct {
	Code    string
	Reason  string
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Reason
	}
	if e.Field != "" {
		msg = fmt.Sprintf("invalid %s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code and, when the target carries
// one, the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Sentinel declares a matchable error with a fixed reason.
func Sentinel(code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

// WithMessage returns a copy of a sentinel carrying a more specific message.
// The copy still matches the sentinel under errors.Is.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap annotates err with a code and message. A nil err returns nil.
func Wrap(err error, code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Reason:  resource + "_not_found",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// Code returns the code of the first *Error in err's chain, or ErrCodeInternal.
func Code(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Code == code
}

// Is and As re-export the standard library helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
