// Package llmerrors classifies language-model failures for retry and reporting.
package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents different categories of LLM errors for retry logic.
type ErrorType int8

const (
	// Retryable.

	// ErrorTypeRateLimit represents rate limiting errors (429, quota exceeded).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient
	// ErrorTypeEmptyResponse represents a successful call that produced no content.
	ErrorTypeEmptyResponse

	// Non-retryable.

	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadPrompt represents malformed requests (too long, invalid parameters).
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
	// ErrorTypeServiceUnavailable is emitted once retries are exhausted.
	ErrorTypeServiceUnavailable
	// ErrorTypeCanceled means the caller's context ended; never retried.
	ErrorTypeCanceled
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	case ErrorTypeCanceled:
		return "canceled"
	default:
		return "invalid"
	}
}

// Error represents a classified LLM error.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	BodyStub   string    // First portion of response body
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type, e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error type should be retried.
// Everything is retryable unless explicitly listed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeServiceUnavailable, ErrorTypeCanceled:
		return false
	default:
		return true
	}
}

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of err, or ErrorTypeUnknown if unclassified.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailableError marks a retryable failure whose retries ran out.
func NewServiceUnavailableError(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d attempts", attempts),
	}
}

// Classify maps a provider error and optional HTTP status to a typed Error.
// Already-classified errors are returned unchanged.
func Classify(err error, statusCode int) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeCanceled, err, "request canceled")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &Error{Type: ErrorTypeAuth, StatusCode: statusCode, Err: err, Message: "authentication failed - check API key"}
	case statusCode == http.StatusTooManyRequests:
		return &Error{Type: ErrorTypeRateLimit, StatusCode: statusCode, Err: err, Message: "rate limit exceeded"}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusNotFound || statusCode == http.StatusRequestEntityTooLarge:
		return &Error{Type: ErrorTypeBadPrompt, StatusCode: statusCode, Err: err, Message: "bad request"}
	case statusCode >= 500:
		return &Error{Type: ErrorTypeTransient, StatusCode: statusCode, Err: err, Message: "server error"}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "connection", "network", "temporary", "eof", "reset", "overloaded"):
		return NewErrorWithCause(ErrorTypeTransient, err, "network or connection error")
	case containsAny(msg, "rate", "quota", "too many requests"):
		return NewErrorWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case containsAny(msg, "unauthorized", "api key", "authentication"):
		return NewErrorWithCause(ErrorTypeAuth, err, "authentication error")
	case containsAny(msg, "invalid", "malformed", "too large", "context length"):
		return NewErrorWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	}
	return NewErrorWithCause(ErrorTypeUnknown, err, "unclassified error")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
