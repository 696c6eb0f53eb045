// Package apperr defines the error taxonomy shared by all HTTP surfaces.
// Services return *Error values; the handler layer maps them to JSON
// responses of the form {"detail": "..."} with the carried status code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping
type Kind string

const (
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindNotFound     Kind = "not_found"
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindUpstream     Kind = "upstream"
	KindTimeout      Kind = "timeout"
	KindInternal     Kind = "internal"
)

// Error carries a taxonomy kind, an HTTP status and a human-readable
// detail string. The detail strings are part of the external contract.
type Error struct {
	Kind   Kind
	Status int
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As
func (e *Error) Unwrap() error {
	return e.cause
}

// WithCause attaches an underlying error without changing the detail
func (e *Error) WithCause(err error) *Error {
	clone := *e
	clone.cause = err
	return &clone
}

// Unauthorized returns a 401 error
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Status: http.StatusUnauthorized, Detail: fmt.Sprintf(format, args...)}
}

// Forbidden returns a 403 error
func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Status: http.StatusForbidden, Detail: fmt.Sprintf(format, args...)}
}

// NotFound returns a 404 error
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Status: http.StatusNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Validation returns a 400 error
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Status: http.StatusBadRequest, Detail: fmt.Sprintf(format, args...)}
}

// Conflict returns a 409 error
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Status: http.StatusConflict, Detail: fmt.Sprintf(format, args...)}
}

// Upstream returns a 502 error
func Upstream(format string, args ...any) *Error {
	return &Error{Kind: KindUpstream, Status: http.StatusBadGateway, Detail: fmt.Sprintf(format, args...)}
}

// UpstreamTimeout returns a 504 error
func UpstreamTimeout(format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Status: http.StatusGatewayTimeout, Detail: fmt.Sprintf(format, args...)}
}

// Internal returns a 500 error
func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Detail: fmt.Sprintf(format, args...)}
}

// From extracts an *Error from err, wrapping unknown errors as internal
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("internal error").WithCause(err)
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
