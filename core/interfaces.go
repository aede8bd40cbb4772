package core

import (
	"context"
	"sync"
)

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// AIClient interface - LLM completion collaborator.
// The engine only issues narrow, single-purpose prompts through this
// (classification and value inference); the conversation-level completion
// that produces tool-call requests belongs to the calling conversation loop.
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// AIOptions for AI generation
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse from AI client
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage for AI responses
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Transport performs the raw RPC to a tool server. Treated as a black box
// that returns a structured success/error result; wire format is its concern.
type Transport interface {
	Call(ctx context.Context, req *ToolCallRequest) (*ToolCallResult, error)
}

// SchemaSource is the schema-discovery collaborator. Used exclusively by the
// refresh scheduler; the orchestrator never calls it directly.
type SchemaSource interface {
	// ListTools returns the names of all registered tools.
	ListTools(ctx context.Context) ([]string, error)

	// FetchSchema returns the tool's current declared schema.
	FetchSchema(ctx context.Context, toolName string) (*ToolDescriptor, error)
}

// Conversation is the engine's view of a conversation transcript: the engine
// appends guidance messages, the conversation loop reads them back into the
// next LLM turn. Implementations own persistence and rendering.
type Conversation interface {
	Append(msg Message)
	Messages() []Message
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// MemoryConversation is a simple in-memory Conversation, suitable for tests
// and for callers that keep transcripts elsewhere. Safe for concurrent use;
// guidance messages arrive from parallel tool executions.
type MemoryConversation struct {
	mu       sync.Mutex
	messages []Message
}

func NewMemoryConversation(seed ...Message) *MemoryConversation {
	return &MemoryConversation{messages: append([]Message{}, seed...)}
}

func (c *MemoryConversation) Append(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *MemoryConversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}
