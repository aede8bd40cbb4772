package core

import (
	"fmt"
	"net/http"
)

// ErrorCategory classifies tool-server errors for retry routing decisions.
// This is the shared vocabulary between tool servers that speak the structured
// protocol and the retry engine; free-text errors from servers that don't are
// handled by the heuristic classifier instead.
type ErrorCategory string

const (
	// CategoryInputError indicates the request payload was malformed
	// Example: missing required field, misnamed parameter
	CategoryInputError ErrorCategory = "INPUT_ERROR"

	// CategoryNotFound indicates the requested resource doesn't exist
	// (but might exist with corrected parameters)
	CategoryNotFound ErrorCategory = "NOT_FOUND"

	// CategoryRateLimit indicates the tool's API quota was exceeded
	// Callers should check Details["retry_after"] for a backoff hint
	CategoryRateLimit ErrorCategory = "RATE_LIMIT"

	// CategoryAuthError indicates authentication/authorization failure
	// Not retryable - requires a configuration fix
	CategoryAuthError ErrorCategory = "AUTH_ERROR"

	// CategoryServiceError indicates the tool's backend service failed
	// Usually transient - retry with the same payload after backoff
	CategoryServiceError ErrorCategory = "SERVICE_ERROR"
)

// ToolError represents a structured error from a tool invocation.
// Transports that receive structured error payloads surface them through this
// type; the classifier uses Category and Retryable as strong signals before
// falling back to text heuristics.
type ToolError struct {
	// Code is a machine-readable error identifier (e.g., "PARAM_MISSING")
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Category groups errors for routing decisions
	Category ErrorCategory `json:"category"`

	// Retryable indicates the server believes a corrected request could succeed
	Retryable bool `json:"retryable"`

	// Details provides additional context
	// Common keys: "parameter", "hint", "retry_after"
	Details map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ToolError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// ToolResponse is the standard response envelope for tool invocations over
// transports that speak the structured protocol. Transports decode the
// envelope and hand it to Result to build the ToolCallResult they return.
type ToolResponse struct {
	// Success indicates whether the invocation succeeded
	Success bool `json:"success"`

	// Data contains the successful response payload (tool-specific)
	Data interface{} `json:"data,omitempty"`

	// Error contains structured error information when Success is false
	Error *ToolError `json:"error,omitempty"`
}

// Result converts the envelope into a ToolCallResult for the given request,
// preserving the structured error so classification can consume the server's
// own Category and Retryable verdicts instead of parsing message text.
func (r *ToolResponse) Result(requestID, toolName string) *ToolCallResult {
	result := &ToolCallResult{
		RequestID: requestID,
		ToolName:  toolName,
		Success:   r.Success,
		Payload:   r.Data,
	}
	if r.Error != nil {
		result.ErrorMessage = r.Error.Message
		result.ErrorCode = HTTPStatusForCategory(r.Error.Category)
		result.StructuredError = r.Error
	}
	return result
}

// HTTPStatusForCategory returns the appropriate HTTP status code for an error
// category, for transports and test servers that report over HTTP.
//
// Mapping:
//   - CategoryInputError   → 400 Bad Request
//   - CategoryNotFound     → 404 Not Found
//   - CategoryAuthError    → 401 Unauthorized
//   - CategoryRateLimit    → 429 Too Many Requests
//   - CategoryServiceError → 503 Service Unavailable
//   - Unknown              → 500 Internal Server Error
func HTTPStatusForCategory(category ErrorCategory) int {
	switch category {
	case CategoryInputError:
		return http.StatusBadRequest
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryAuthError:
		return http.StatusUnauthorized
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryServiceError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
