package execution

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/agentmux/toolflow/core"
)

func TestExtractParameterName(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
		wantOK  bool
	}{
		{"quoted missing", "required parameter 'searchValue' is missing", "searchValue", true},
		{"colon form", "missing required parameter: searchValue", "searchValue", true},
		{"is required", "'to' is required", "to", true},
		{"required field", "required field: body", "body", true},
		{"undefined field", "field 'query' is undefined", "query", true},
		{"unknown parameter", "unknown parameter 'instructions'", "instructions", true},
		{"invalid argument", "invalid argument: maxResults", "maxResults", true},
		{"generic quoted", "the parameter 'searchValue' does not match the schema", "searchValue", true},
		{"double quotes", `field "query" is undefined`, "query", true},
		{"no parameter named", "the service is temporarily unavailable", "", false},
		{"empty message", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractParameterName(tt.message)
			if ok != tt.wantOK {
				t.Fatalf("ExtractParameterName(%q) ok = %v, want %v", tt.message, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("ExtractParameterName(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}

func TestInferValue_Success(t *testing.T) {
	ai := &mockAIClient{responses: []string{`"Alice"`}}
	inf := NewParameterInferencer(ai, &core.NoOpLogger{})

	value, ok := inf.InferValue(context.Background(), "search-email", "searchValue",
		"find emails from Alice about the quarterly report",
		descriptorWith("search-email", "searchValue"))

	if !ok {
		t.Fatal("InferValue reported no value")
	}
	if value != "Alice" {
		t.Errorf("InferValue = %q, want %q (quotes trimmed)", value, "Alice")
	}
}

func TestInferValue_CannotInfer(t *testing.T) {
	ai := &mockAIClient{responses: []string{"CANNOT_INFER"}}
	inf := NewParameterInferencer(ai, &core.NoOpLogger{})

	if _, ok := inf.InferValue(context.Background(), "search-email", "searchValue", "do something", nil); ok {
		t.Error("CANNOT_INFER response should report no value")
	}
}

func TestInferValue_EmptyResponse(t *testing.T) {
	ai := &mockAIClient{responses: []string{"   "}}
	inf := NewParameterInferencer(ai, &core.NoOpLogger{})

	if _, ok := inf.InferValue(context.Background(), "search-email", "searchValue", "find emails", nil); ok {
		t.Error("Empty response should report no value")
	}
}

func TestInferValue_LLMError(t *testing.T) {
	ai := &mockAIClient{err: errors.New("model overloaded")}
	inf := NewParameterInferencer(ai, &core.NoOpLogger{})

	if _, ok := inf.InferValue(context.Background(), "search-email", "searchValue", "find emails", nil); ok {
		t.Error("LLM error should report no value, not propagate")
	}
}

func TestInferValue_NilClient(t *testing.T) {
	inf := NewParameterInferencer(nil, &core.NoOpLogger{})

	if _, ok := inf.InferValue(context.Background(), "search-email", "searchValue", "find emails", nil); ok {
		t.Error("Inferencer without an AI client should report no value")
	}
}

func TestInferValue_PromptCarriesIntentAndSchema(t *testing.T) {
	ai := &mockAIClient{responses: []string{"Alice"}}
	inf := NewParameterInferencer(ai, &core.NoOpLogger{})

	inf.InferValue(context.Background(), "search-email", "searchValue",
		"find emails from Alice", descriptorWith("search-email", "searchValue", "maxResults"))

	if len(ai.prompts) != 1 {
		t.Fatalf("prompts recorded = %d, want 1", len(ai.prompts))
	}
	prompt := ai.prompts[0]
	for _, fragment := range []string{"searchValue", "find emails from Alice", "maxResults", cannotInferSignal} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("Prompt missing %q", fragment)
		}
	}
}
