// Package errx carries the error taxonomy shared by the reconciliation,
// invitation and session workflows. Every error that leaves a service is an
// *Error with a Type the transport layer can map without string matching.
package errx

import (
	"errors"
	"fmt"
	"net/http"
)

// Type categorizes the error
type Type string

const (
	TypeNotFound       Type = "NOT_FOUND"
	TypeConflict       Type = "CONFLICT"
	TypeAuthentication Type = "AUTHENTICATION"
	TypeAuthorization  Type = "AUTHORIZATION"
	TypeValidation     Type = "VALIDATION"
	TypeExternal       Type = "EXTERNAL"
	TypeInternal       Type = "INTERNAL"
)

// Backend names used in the "backend" detail of EXTERNAL errors.
const (
	BackendIdentity  = "identity"
	BackendDirectory = "directory"
	BackendGraph     = "graph"
	BackendPolicy    = "policy"
	BackendStore     = "store"
)

// Error represents a classified error with context
type Error struct {
	Type    Type           `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Type and Code so sentinels declared with New work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithDetail adds a detail and returns the error for chaining
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus suggests a status code for the transport layer.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypeAuthorization:
		return http.StatusForbidden
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with code defaulting to the type name.
func New(t Type, code, message string) *Error {
	if code == "" {
		code = string(t)
	}
	return &Error{Type: t, Code: code, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, t Type, code, message string) *Error {
	if err == nil {
		return nil
	}
	e := New(t, code, message)
	e.Err = err
	return e
}

func NotFound(entity, key string) *Error {
	return New(TypeNotFound, "not_found", fmt.Sprintf("%s not found", entity)).
		WithDetail("entity", entity).
		WithDetail("key", key)
}

func Conflict(code, message string) *Error {
	return New(TypeConflict, code, message)
}

func Validation(message string) *Error {
	return New(TypeValidation, "invalid_request", message)
}

func Internal(err error, message string) *Error {
	return Wrap(err, TypeInternal, "internal", message)
}

// Upstream wraps a failure from a remote backend. If err is already
// classified (for example a NOT_FOUND from an adapter) it is returned unchanged
// so the original class survives the extra hop.
func Upstream(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Wrap(err, TypeExternal, "upstream_error", fmt.Sprintf("%s %s failed", backend, op)).
		WithDetail("backend", backend).
		WithDetail("operation", op)
}

// TypeOf returns the Type of the first *Error in the chain, TypeInternal otherwise.
func TypeOf(err error) Type {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// IsType reports whether err is classified as t.
func IsType(err error, t Type) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// From returns err as an *Error, classifying unknown errors as INTERNAL.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err, "internal error")
}
