package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")
	ErrInvalidResponse  = errors.New("invalid response")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeDecode     ErrorType = "decode"
)

// SourceError is a structured error for entitlement source operations.
type SourceError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "fetch_status", "read_ledger")
	Source     string // Source name (platform, backend, legacy)
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
}

func (e *SourceError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Source, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching on base error types.
func (e *SourceError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrUnauthorized, ErrForbidden:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	}

	return errors.Is(e.Err, target)
}

// NewSourceError creates a new SourceError.
func NewSourceError(errorType ErrorType, op, source string, err error) *SourceError {
	return &SourceError{
		Type:      errorType,
		Op:        op,
		Source:    source,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// WithStatusCode adds the HTTP status code to the error. Auth rejections are
// reclassified so they fall through the source chain instead of revoking
// access.
func (e *SourceError) WithStatusCode(code int) *SourceError {
	e.StatusCode = code
	if code == 401 || code == 403 {
		e.Type = ErrorTypeAuth
	}
	return e
}

// Helper functions

// WrapConnectionError wraps a connection error with source context.
func WrapConnectionError(op, source string, err error) error {
	return NewSourceError(ErrorTypeConnection, op, source, err)
}

// WrapAuthError wraps an authentication error with source context.
func WrapAuthError(op, source string, err error) error {
	return NewSourceError(ErrorTypeAuth, op, source, err)
}

// WrapAPIError wraps an API error with source context.
func WrapAPIError(op, source string, err error, statusCode int) error {
	return NewSourceError(ErrorTypeAPI, op, source, err).WithStatusCode(statusCode)
}

// IsAuthError checks if an error is an authentication rejection (401/403).
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		if srcErr.Type == ErrorTypeAuth {
			return true
		}
		if srcErr.StatusCode == 401 || srcErr.StatusCode == 403 {
			return true
		}
	}

	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrForbidden)
}

// IsSourceUnavailable reports whether the error means the source could not
// deliver a verdict. All SourceError categories qualify: timeouts, connection
// failures, 5xx responses, and auth rejections are "source unavailable",
// never "user unsubscribed".
func IsSourceUnavailable(err error) bool {
	if err == nil {
		return false
	}

	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return true
	}

	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}
