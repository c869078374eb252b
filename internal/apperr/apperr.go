// Package apperr defines the error taxonomy shared across the
// orchestration core. Errors carry a machine-readable kind that maps to
// an HTTP status and a caller-safe message that never leaks internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation decisions and HTTP mapping.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindTenantNotFound     Kind = "tenant_not_found"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindTimeout            Kind = "timeout"
	KindStorageUnavailable Kind = "storage_unavailable"
	KindCacheUnavailable   Kind = "cache_unavailable"
	KindBusUnavailable     Kind = "bus_unavailable"
	KindLLMUnavailable     Kind = "llm_unavailable"
	KindInternal           Kind = "internal"
)

// Error is the structured error type used at module boundaries.
type Error struct {
	Kind    Kind
	Message string
	// Field names the offending input field for validation errors.
	Field string
	// Err is the wrapped cause, if any. It is never shown to callers.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind so callers can use errors.Is with
// sentinel instances.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Validation builds a field-level validation error.
func Validation(field, msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Field: field}
}

// KindOf extracts the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the error represents a transient dependency
// failure worth retrying.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindStorageUnavailable, KindCacheUnavailable,
		KindBusUnavailable, KindLLMUnavailable:
		return true
	}
	return false
}

// HTTPStatus maps an error kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindTenantNotFound, KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStorageUnavailable, KindCacheUnavailable, KindBusUnavailable, KindLLMUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SafeMessage returns the message shown to callers. Dependency outages
// and internal failures collapse to generic text so upstream systems and
// secrets are never described on the wire.
func SafeMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindStorageUnavailable, KindCacheUnavailable, KindBusUnavailable, KindLLMUnavailable:
		return "a backing service is temporarily unavailable"
	case KindInternal:
		return "internal error"
	default:
		return e.Message
	}
}
