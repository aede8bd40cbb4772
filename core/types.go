package core

import (
	"time"
)

// ParameterSpec describes a single named parameter in a tool's schema.
type ParameterSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ToolDescriptor is an immutable snapshot of a tool's identity and declared
// parameter schema, as advertised by the tool server at discovery time.
// Cached copies live in SchemaCache; the catalog that decides which tools an
// agent may use owns the authoritative list.
type ToolDescriptor struct {
	Name        string          `json:"name" yaml:"name"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ParameterSpec `json:"parameters" yaml:"parameters"`
}

// Parameter returns the declaration for a named parameter, if present.
func (d *ToolDescriptor) Parameter(name string) (ParameterSpec, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}

// ToolCallRequest is one tool invocation as produced by the LLM: a tool name
// plus a flat map of named parameters. Requests are never mutated after
// creation; every retry attempt gets a fresh request linked by OriginID.
type ToolCallRequest struct {
	// ID uniquely identifies this request instance.
	ID string `json:"id"`

	// OriginID links retry attempts back to the first request for the same
	// logical call. Equal to ID on the first attempt.
	OriginID string `json:"origin_id,omitempty"`

	// ToolName is the tool to invoke.
	ToolName string `json:"tool_name"`

	// Parameters is the flat parameter map the LLM produced.
	Parameters map[string]interface{} `json:"parameters"`

	// UserIntent carries the user's original natural-language request.
	// Used for parameter value inference; optional.
	UserIntent string `json:"user_intent,omitempty"`
}

// Clone returns a copy of the request with a fresh parameter map.
// The new request keeps the same OriginID so retry bookkeeping holds.
func (r *ToolCallRequest) Clone() *ToolCallRequest {
	params := make(map[string]interface{}, len(r.Parameters))
	for k, v := range r.Parameters {
		params[k] = v
	}
	return &ToolCallRequest{
		ID:         r.ID,
		OriginID:   r.OriginID,
		ToolName:   r.ToolName,
		Parameters: params,
		UserIntent: r.UserIntent,
	}
}

// ToolCallResult is the outcome of one invocation attempt. Created by the
// transport; read-only after creation.
type ToolCallResult struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Success   bool   `json:"success"`

	// Payload holds the returned data on success.
	Payload interface{} `json:"payload,omitempty"`

	// ErrorMessage is the human-readable failure text on error.
	ErrorMessage string `json:"error_message,omitempty"`

	// ErrorCode is an optional numeric discriminator (HTTP status or
	// JSON-RPC-style code). Zero when the transport supplied none.
	ErrorCode int `json:"error_code,omitempty"`

	// StructuredError carries the structured error payload from tool
	// servers that speak the ToolResponse protocol. Nil for free-text
	// failures; classification prefers it over the message text.
	StructuredError *ToolError `json:"structured_error,omitempty"`

	// Attempts is how many invocation attempts this result accounts for.
	// Carried so callers can assert on exhausted retry budgets.
	Attempts int `json:"attempts,omitempty"`

	// RequiresRetry is set when the failure was classified retryable and
	// another LLM round-trip was requested.
	RequiresRetry bool `json:"requires_retry,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`
}

// Message is one conversation message. Guidance messages the engine produces
// use RoleSystem so the next LLM turn treats them as steering instructions.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// RefreshSummary reports the outcome of a batch schema refresh pass.
type RefreshSummary struct {
	Scanned   int           `json:"scanned"`
	Refreshed int           `json:"refreshed"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	Duration  time.Duration `json:"duration"`
}
