package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured error decoded from (or describing) a failed call
// against the notification backend.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is reports whether target is an APIError for the same HTTP status, so
// errors.Is(err, ErrNotFound) keeps working on decoded copies.
func (e *APIError) Is(target error) bool {
	var t *APIError
	if !errors.As(target, &t) {
		return false
	}
	return e != nil && t != nil && e.StatusCode == t.StatusCode
}

// WithInternal returns a copy of the APIError with an attached internal error.
func (e *APIError) WithInternal(err error) *APIError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors surfaced by the store client.
var (
	ErrUnauthorized = &APIError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &APIError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &APIError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &APIError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrRateLimit = &APIError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrServerError = &APIError{
		Code:       "SERVER_ERROR",
		Message:    "The notification service reported an internal error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrUnavailable = &APIError{
		Code:       "SERVICE_UNAVAILABLE",
		Message:    "The notification service is unreachable",
		StatusCode: http.StatusServiceUnavailable,
	}
)

// New builds a new API error with the provided metadata.
func New(code, message string, statusCode int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns a transport-level error into an APIError while keeping the
// original error for logging.
func Wrap(err error, message string) *APIError {
	return &APIError{
		Code:       ErrUnavailable.Code,
		Message:    message,
		StatusCode: ErrUnavailable.StatusCode,
		Internal:   err,
	}
}

// FromStatus maps an HTTP status code to one of the sentinel errors, keeping
// the server-provided code and message when present.
func FromStatus(statusCode int, code, message string) *APIError {
	base := ErrServerError
	switch statusCode {
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = ErrForbidden
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusBadRequest:
		base = ErrBadRequest
	case http.StatusTooManyRequests:
		base = ErrRateLimit
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		base = ErrUnavailable
	}

	out := *base
	out.StatusCode = statusCode
	if code != "" {
		out.Code = code
	}
	if message != "" {
		out.Message = message
	}
	return &out
}

// FromError converts a generic error into an APIError, defaulting to
// ErrServerError.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return ErrServerError.WithInternal(err)
}
