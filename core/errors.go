package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Tool-related errors
	ErrToolNotFound   = errors.New("tool not found")
	ErrSchemaNotFound = errors.New("schema not found")

	// Retry lifecycle errors
	ErrMaxAttemptsExceeded = errors.New("maximum attempts exceeded")
	ErrRetryContextClosed  = errors.New("retry context already closed")

	// Classification/inference errors
	ErrClassifierUnavailable = errors.New("error classifier unavailable")
	ErrInferenceUnavailable  = errors.New("parameter inference unavailable")
	ErrUnparsableVerdict     = errors.New("unparsable classification verdict")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// Transport/network errors
	ErrTimeout          = errors.New("operation timeout")
	ErrConnectionFailed = errors.New("connection failed")

	// Circuit breaker
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "scheduler.RefreshAllStale")
	Kind    string // Error kind (e.g., "cache", "transport", "classifier")
	Tool    string // Optional tool name involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Tool != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.Tool, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsTransient reports whether an error looks like a transient transport
// failure worth retrying with identical parameters.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsExhausted reports whether an error represents an exhausted retry budget.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrMaxAttemptsExceeded)
}
