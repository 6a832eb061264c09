// Package errors provides structured errors with HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/pscheid92/shardcast/internal/domain"
)

// ErrorType represents the category of error for logging and response formatting.
type ErrorType string

const (
	TypeValidation  ErrorType = "validation"  // 400
	TypeNotFound    ErrorType = "not_found"   // 404
	TypeConflict    ErrorType = "conflict"    // 409
	TypeUnavailable ErrorType = "unavailable" // 503
	TypeInternal    ErrorType = "internal"    // 500
)

// Error is a structured error with a type, client-facing message and optional cause.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error { return newError(TypeValidation, message, nil) }
func NotFoundError(message string) *Error   { return newError(TypeNotFound, message, nil) }
func ConflictError(message string) *Error   { return newError(TypeConflict, message, nil) }

func UnavailableError(message string, cause error) *Error {
	return newError(TypeUnavailable, message, cause)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithField adds a context field (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error. Broker sentinel errors map to
// their client-facing category; anything else becomes an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrInvalidKey):
		return newError(TypeValidation, "invalid listener key", err)
	case errors.Is(err, domain.ErrActorNotFound):
		return newError(TypeNotFound, "listener not found", err)
	case errors.Is(err, domain.ErrSubscriptionConflict):
		return newError(TypeConflict, "subscription conflict", err)
	case errors.Is(err, domain.ErrShardSpaceExhausted):
		return newError(TypeUnavailable, "no shard capacity available", err)
	case errors.Is(err, domain.ErrActorStopped), errors.Is(err, domain.ErrInitialization):
		return newError(TypeUnavailable, "broker unavailable", err)
	default:
		return InternalError("internal server error", err)
	}
}
