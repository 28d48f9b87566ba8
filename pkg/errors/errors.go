package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeRunTimeout     ErrorType = "run_timeout"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *AppError) WithRequestID(requestID string) *AppError {
	e.RequestID = requestID
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewAuthenticationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthentication, "AUTHENTICATION_ERROR", message)
}

func NewAuthorizationError(message string) *AppError {
	return NewAppError(ErrorTypeAuthorization, "AUTHORIZATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message)
}

func NewRateLimitError(message string) *AppError {
	return NewAppError(ErrorTypeRateLimit, "RATE_LIMIT_EXCEEDED", message)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

func NewExternalError(service, message string) *AppError {
	return NewAppError(ErrorTypeExternal, "EXTERNAL_SERVICE_ERROR", message).
		WithDetail("service", service)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

// NewRunTimeoutError marks a pipeline run that exceeded its overall
// elapsed-time ceiling. The orchestrator treats it as fatal; the retry layer
// already owns per-attempt retries.
func NewRunTimeoutError(runID string) *AppError {
	return NewAppError(ErrorTypeRunTimeout, "RUN_TIMEOUT", "pipeline run exceeded its deadline").
		WithDetail("run_id", runID)
}

// Pipeline-specific errors
func NewStageError(stage, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "STAGE_ERROR", message).
		WithDetail("stage", stage)
}

func NewRunError(runID, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "RUN_ERROR", message).
		WithDetail("run_id", runID)
}

func NewSessionError(sessionID, message string) *AppError {
	return NewAppError(ErrorTypeInternal, "SESSION_ERROR", message).
		WithDetail("session_id", sessionID)
}

// FromHTTPStatus maps an HTTP response status from an external collaborator
// to the error taxonomy: 429 is a rate limit, 5xx is an external failure,
// remaining 4xx are failures that retrying cannot fix.
func FromHTTPStatus(service string, status int, message string) *AppError {
	switch {
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(message).WithDetail("service", service)
	case status == http.StatusUnauthorized:
		return NewAuthenticationError(message).WithDetail("service", service)
	case status == http.StatusForbidden:
		return NewAuthorizationError(message).WithDetail("service", service)
	case status == http.StatusNotFound:
		return NewNotFoundError(service + " resource")
	case status >= 500:
		return NewExternalError(service, message).WithDetail("status", fmt.Sprintf("%d", status))
	case status >= 400:
		return NewValidationError(message).WithDetail("service", service).
			WithDetail("status", fmt.Sprintf("%d", status))
	default:
		return NewInternalError(message).WithDetail("service", service)
	}
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
