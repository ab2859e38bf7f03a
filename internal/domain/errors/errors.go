package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures so callers can tell them apart without
// string matching.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeExpired    ErrorType = "expired"
	ErrorTypeExhausted  ErrorType = "exhausted"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeForbidden  ErrorType = "forbidden"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: 400,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
	}
}

// NewExpiredError reports a resource that existed but has lapsed.
func NewExpiredError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeExpired,
		Code:       "RESOURCE_EXPIRED",
		Message:    fmt.Sprintf("%s expired", resource),
		StatusCode: 410,
	}
}

// NewExhaustedError reports a resource whose allowance has been used up.
func NewExhaustedError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeExhausted,
		Code:       "RESOURCE_EXHAUSTED",
		Message:    fmt.Sprintf("%s exhausted", resource),
		StatusCode: 410,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  true,
		StatusCode: 409,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		StatusCode: 403,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// NewInvariantError marks a broken internal invariant. It is never
// retryable: the state that produced it must not be trusted.
func NewInvariantError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INVARIANT_VIOLATION",
		Message:    message,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

func IsValidation(err error) bool { return IsType(err, ErrorTypeValidation) }
func IsNotFound(err error) bool   { return IsType(err, ErrorTypeNotFound) }
func IsExpired(err error) bool    { return IsType(err, ErrorTypeExpired) }
func IsExhausted(err error) bool  { return IsType(err, ErrorTypeExhausted) }
func IsConflict(err error) bool   { return IsType(err, ErrorTypeConflict) }

// IsInvariant reports whether err carries an invariant violation anywhere
// in its chain.
func IsInvariant(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == "INVARIANT_VIOLATION"
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
