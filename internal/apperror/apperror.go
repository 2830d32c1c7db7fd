package apperror

import (
	"errors"
	"net/http"
)

// Kind classifies an error for both HTTP translation and the work bus retry
// policy: only Transient (and unclassified internal) errors are retried,
// Fatal errors dead-letter immediately, everything else is a caller mistake.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindConflict
	KindTransient
	KindFatal
)

type Error struct {
	Kind       Kind
	Code       string
	Message    string
	StatusCode int
	Internal   error
}

// Error includes the wrapped cause so logs and dead-letter rows carry the
// root failure, not just the client-safe message (SafeMessage stays clean).
func (e *Error) Error() string {
	if e.Internal != nil {
		return e.Message + ": " + e.Internal.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Internal
}

var (
	ErrInvalidInput = &Error{
		Kind:       KindInvalidInput,
		Code:       "invalid_input",
		Message:    "The request violates a declared constraint",
		StatusCode: http.StatusBadRequest,
	}

	ErrNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "not_found",
		Message:    "The requested resource was not found",
		StatusCode: http.StatusNotFound,
	}

	ErrUnauthorized = &Error{
		Kind:       KindUnauthorized,
		Code:       "unauthorized",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &Error{
		Kind:       KindForbidden,
		Code:       "forbidden",
		Message:    "You don't have permission to access this resource",
		StatusCode: http.StatusForbidden,
	}

	ErrConflict = &Error{
		Kind:       KindConflict,
		Code:       "conflict",
		Message:    "The resource is in a state that forbids this operation",
		StatusCode: http.StatusConflict,
	}

	ErrFileTooLarge = &Error{
		Kind:       KindInvalidInput,
		Code:       "file_too_large",
		Message:    "The declared file size exceeds the maximum allowed",
		StatusCode: http.StatusRequestEntityTooLarge,
	}

	ErrRateLimited = &Error{
		Kind:       KindTransient,
		Code:       "rate_limited",
		Message:    "Too many requests. Please back off and retry",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrTransient = &Error{
		Kind:       KindTransient,
		Code:       "transient",
		Message:    "A dependency is temporarily unavailable. Please retry",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrInternal = &Error{
		Kind:       KindInternal,
		Code:       "internal_error",
		Message:    "An unexpected error occurred. Please try again later",
		StatusCode: http.StatusInternalServerError,
	}
)

func New(kind Kind, code, message string, statusCode int) *Error {
	return &Error{
		Kind:       kind,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Wrap(err error, appErr *Error) *Error {
	return &Error{
		Kind:       appErr.Kind,
		Code:       appErr.Code,
		Message:    appErr.Message,
		StatusCode: appErr.StatusCode,
		Internal:   err,
	}
}

func WrapWithMessage(err error, appErr *Error, message string) *Error {
	return &Error{
		Kind:       appErr.Kind,
		Code:       appErr.Code,
		Message:    message,
		StatusCode: appErr.StatusCode,
		Internal:   err,
	}
}

// Invalid builds an InvalidInput error with a request-specific code and message.
func Invalid(code, message string) *Error {
	return &Error{
		Kind:       KindInvalidInput,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// Transient wraps a dependency failure so queue consumers route it to the
// retry queue.
func Transient(err error) *Error {
	return Wrap(err, ErrTransient)
}

// Fatal marks an invariant violation; queue consumers send these straight to
// the DLQ.
func Fatal(err error, message string) *Error {
	return &Error{
		Kind:       KindFatal,
		Code:       "invariant_violation",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func Is(err error, target *Error) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// IsRetryable reports whether a queue consumer should retry the message.
// Unclassified errors count as transient: a crashed dependency usually
// surfaces as a plain wrapped error.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindInternal:
		return true
	default:
		return false
	}
}

func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

func SafeMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal.Code
}
