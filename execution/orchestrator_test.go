package execution

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentmux/toolflow/core"
	"github.com/agentmux/toolflow/resilience"
)

// fastTransientRetry removes the backoff delays so transient-path tests run
// instantly.
func fastTransientRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1.0,
	}
}

type orchestratorHarness struct {
	transport    *mockTransport
	ai           *mockAIClient
	cache        *core.MemorySchemaCache
	conversation *core.MemoryConversation
	orchestrator *ExecutionOrchestrator
}

func newOrchestratorHarness(t *testing.T, transport *mockTransport, ai *mockAIClient, opts ...OrchestratorOption) *orchestratorHarness {
	t.Helper()

	cache := core.NewMemorySchemaCache()
	conversation := core.NewMemoryConversation()
	logger := &core.NoOpLogger{}

	classifier := NewErrorClassifier(ai, logger)
	inferencer := NewParameterInferencer(ai, logger)
	coordinator := NewRetryCoordinator(classifier, inferencer, cache, logger)

	opts = append([]OrchestratorOption{WithTransientRetryConfig(fastTransientRetry())}, opts...)
	orchestrator := NewExecutionOrchestrator(transport, coordinator, cache, conversation, logger, opts...)

	return &orchestratorHarness{
		transport:    transport,
		ai:           ai,
		cache:        cache,
		conversation: conversation,
		orchestrator: orchestrator,
	}
}

func TestExecuteAll_Success(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{successResult("3 emails found")}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{})

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{ToolName: "search-email", Parameters: map[string]interface{}{"searchValue": "Alice"}},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	if len(report.Results) != 1 {
		t.Fatalf("Results = %d, want 1", len(report.Results))
	}
	result := report.Results[0]
	if !result.Success {
		t.Errorf("result not successful: %s", result.ErrorMessage)
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}
	if report.RequiresLLMRetry {
		t.Error("successful batch should not request an LLM retry")
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.callCount())
	}

	// Success never marks the schema suspect.
	if entry, found := h.cache.Get(context.Background(), "search-email"); found && !entry.LastErrorAt.IsZero() {
		t.Error("success recorded an error against the schema cache")
	}
}

func TestExecuteAll_StaticTransformRecovers(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("unknown parameter 'instructions'; required parameter 'searchValue' is missing", 0),
		successResult("3 emails found"),
	}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{})

	h.cache.Upsert(context.Background(), "search-email",
		descriptorWith("search-email", "searchValue", "maxResults"))

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{
			ToolName:   "search-email",
			Parameters: map[string]interface{}{"instructions": "find emails from Alice"},
			UserIntent: "find emails from Alice",
		},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	result := report.Results[0]
	if !result.Success {
		t.Fatalf("expected recovery via static transform, got: %s", result.ErrorMessage)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
	if report.RequiresLLMRetry {
		t.Error("static transform must not consume an LLM round-trip")
	}
	if h.ai.callCount() != 0 {
		t.Errorf("LLM calls = %d, want 0", h.ai.callCount())
	}

	// The corrected request carries only the renamed parameter.
	requests := transport.requests()
	if len(requests) != 2 {
		t.Fatalf("transport calls = %d, want 2", len(requests))
	}
	second := requests[1]
	if _, ok := second.Parameters["instructions"]; ok {
		t.Error("corrected request still carries 'instructions'")
	}
	if second.Parameters["searchValue"] != "find emails from Alice" {
		t.Errorf("searchValue = %v, want the original value", second.Parameters["searchValue"])
	}
	if second.OriginID != requests[0].OriginID {
		t.Error("corrected request lost the OriginID link")
	}

	// The failure marked the schema suspect.
	entry, found := h.cache.Get(context.Background(), "search-email")
	if !found || entry.LastErrorAt.IsZero() {
		t.Error("parameter failure did not mark the schema for refresh")
	}
}

func TestExecuteAll_AuthFailureIsTerminal(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("401 Unauthorized", 401),
	}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{})

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{ToolName: "search-email", Parameters: map[string]interface{}{"searchValue": "Alice"}},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	result := report.Results[0]
	if result.Success {
		t.Error("auth failure reported as success")
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want exactly 1", result.Attempts)
	}
	if result.RequiresRetry || report.RequiresLLMRetry {
		t.Error("terminal failure must not request a retry")
	}
	if transport.callCount() != 1 {
		t.Errorf("transport calls = %d, want 1", transport.callCount())
	}
	if len(h.conversation.Messages()) != 0 {
		t.Error("terminal failure appended guidance to the conversation")
	}
}

func TestExecuteAll_GuidanceFlow(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("required parameter 'eventDate' is missing", 0),
	}}
	ai := &mockAIClient{responses: []string{"2026-09-01"}}
	h := newOrchestratorHarness(t, transport, ai)

	h.cache.Upsert(context.Background(), "calendar", descriptorWith("calendar", "eventDate"))

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{
			ToolName:   "calendar",
			Parameters: map[string]interface{}{"when": "tomorrow"},
			UserIntent: "schedule a meeting tomorrow",
		},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	result := report.Results[0]
	if result.Success {
		t.Error("failed call reported as success")
	}
	if !result.RequiresRetry || !report.RequiresLLMRetry {
		t.Error("parameter failure with guidance should request an LLM retry")
	}
	if result.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", result.Attempts)
	}

	msgs := h.conversation.Messages()
	if len(msgs) != 1 {
		t.Fatalf("conversation messages = %d, want 1", len(msgs))
	}
	if msgs[0].Role != core.RoleSystem {
		t.Errorf("guidance role = %q, want system", msgs[0].Role)
	}
	guidance := msgs[0].Content
	for _, fragment := range []string{`"eventDate"`, "2026-09-01", `"when"`, "Send ONLY the corrected parameters"} {
		if !strings.Contains(guidance, fragment) {
			t.Errorf("guidance missing %q:\n%s", fragment, guidance)
		}
	}
}

func TestExecuteAll_SecondTurnSucceeds(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("required parameter 'eventDate' is missing", 0),
		successResult("event created"),
	}}
	ai := &mockAIClient{responses: []string{"CANNOT_INFER"}}
	h := newOrchestratorHarness(t, transport, ai)

	ctx := context.Background()

	first, err := h.orchestrator.ExecuteAll(ctx, []*core.ToolCallRequest{
		{ToolName: "calendar", Parameters: map[string]interface{}{"when": "tomorrow"}},
	})
	if err != nil {
		t.Fatalf("first ExecuteAll failed: %v", err)
	}
	if !first.RequiresLLMRetry {
		t.Fatal("first pass should request an LLM retry")
	}

	// The conversation loop ran another LLM turn and produced a corrected
	// call for the same tool.
	second, err := h.orchestrator.ExecuteAll(ctx, []*core.ToolCallRequest{
		{ToolName: "calendar", Parameters: map[string]interface{}{"eventDate": "2026-09-01"}},
	})
	if err != nil {
		t.Fatalf("second ExecuteAll failed: %v", err)
	}

	result := second.Results[0]
	if !result.Success {
		t.Fatalf("corrected call failed: %s", result.ErrorMessage)
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2 (lifecycle spans both turns)", result.Attempts)
	}
	if second.RequiresLLMRetry {
		t.Error("successful second turn should not request another retry")
	}
}

func TestExecuteAll_BudgetExhaustedAcrossTurns(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("required parameter 'eventDate' is missing", 0),
	}}
	ai := &mockAIClient{responses: []string{"CANNOT_INFER"}}
	h := newOrchestratorHarness(t, transport, ai, WithOrchestratorMaxAttempts(3))

	ctx := context.Background()
	makeRequest := func() []*core.ToolCallRequest {
		return []*core.ToolCallRequest{
			{ToolName: "calendar", Parameters: map[string]interface{}{"when": "tomorrow"}},
		}
	}

	// Turn 1 and 2: guidance issued, retry requested.
	for turn := 1; turn <= 2; turn++ {
		report, err := h.orchestrator.ExecuteAll(ctx, makeRequest())
		if err != nil {
			t.Fatalf("turn %d failed: %v", turn, err)
		}
		if !report.RequiresLLMRetry {
			t.Fatalf("turn %d should request an LLM retry", turn)
		}
	}

	// Turn 3: the budget is spent; the call fails permanently.
	report, err := h.orchestrator.ExecuteAll(ctx, makeRequest())
	if err != nil {
		t.Fatalf("turn 3 failed: %v", err)
	}
	result := report.Results[0]
	if result.Success {
		t.Error("exhausted call reported as success")
	}
	if result.RequiresRetry || report.RequiresLLMRetry {
		t.Error("exhausted call must not request another retry")
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if transport.callCount() != 3 {
		t.Errorf("transport calls = %d, want exactly 3", transport.callCount())
	}

	// A fourth turn starts a fresh lifecycle rather than resuming the dead one.
	report, err = h.orchestrator.ExecuteAll(ctx, makeRequest())
	if err != nil {
		t.Fatalf("turn 4 failed: %v", err)
	}
	if report.Results[0].Attempts != 1 {
		t.Errorf("fresh lifecycle Attempts = %d, want 1", report.Results[0].Attempts)
	}
}

func TestExecuteAll_SameToolRequestsShareOneLifecycle(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("required parameter 'searchValue' is missing", 0),
	}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{},
		WithOrchestratorConcurrency(2), WithOrchestratorMaxAttempts(3))

	ctx := context.Background()

	// Two concurrent requests for the same tool in one batch. Their attempts
	// must land in a single lifecycle rather than racing on the bookkeeping.
	report, err := h.orchestrator.ExecuteAll(ctx, []*core.ToolCallRequest{
		{ToolName: "search-email", Parameters: map[string]interface{}{"query": "from Alice"}},
		{ToolName: "search-email", Parameters: map[string]interface{}{"query": "from Bob"}},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}
	if len(report.Results) != 2 {
		t.Fatalf("Results = %d, want 2", len(report.Results))
	}

	attempts := map[int]bool{}
	for _, r := range report.Results {
		if r.Success {
			t.Errorf("request %s reported success, want failure", r.RequestID)
		}
		if !r.RequiresRetry {
			t.Errorf("request %s did not request an LLM retry", r.RequestID)
		}
		attempts[r.Attempts] = true
	}
	if !attempts[1] || !attempts[2] {
		t.Errorf("attempt counts = %v, want one result at 1 and one at 2", attempts)
	}

	// The next turn spends the last of the shared budget and turns terminal.
	report, err = h.orchestrator.ExecuteAll(ctx, []*core.ToolCallRequest{
		{ToolName: "search-email", Parameters: map[string]interface{}{"query": "from Carol"}},
	})
	if err != nil {
		t.Fatalf("second ExecuteAll failed: %v", err)
	}
	result := report.Results[0]
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3 (both batch requests counted)", result.Attempts)
	}
	if result.RequiresRetry || report.RequiresLLMRetry {
		t.Error("exhausted lifecycle must not request another retry")
	}
	if transport.callCount() != 3 {
		t.Errorf("transport calls = %d, want exactly 3", transport.callCount())
	}
}

func TestExecuteAll_TransientRetriesSameParams(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("connection timed out", 0),
		failureResult("connection timed out", 0),
		successResult("3 emails found"),
	}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{})

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{ToolName: "search-email", Parameters: map[string]interface{}{"searchValue": "Alice"}},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	result := report.Results[0]
	if !result.Success {
		t.Fatalf("expected transient recovery, got: %s", result.ErrorMessage)
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if report.RequiresLLMRetry {
		t.Error("transient retries must not consume an LLM round-trip")
	}

	// Every attempt used identical parameters.
	for i, req := range transport.requests() {
		if req.Parameters["searchValue"] != "Alice" {
			t.Errorf("attempt %d parameters changed: %v", i+1, req.Parameters)
		}
	}
}

func TestExecuteAll_TransientExhaustsBudget(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{
		failureResult("connection timed out", 0),
	}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{}, WithOrchestratorMaxAttempts(3))

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{ToolName: "search-email", Parameters: map[string]interface{}{"searchValue": "Alice"}},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	result := report.Results[0]
	if result.Success {
		t.Error("exhausted transient call reported as success")
	}
	if result.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", result.Attempts)
	}
	if transport.callCount() != 3 {
		t.Errorf("transport calls = %d, want exactly 3", transport.callCount())
	}
	if report.RequiresLLMRetry {
		t.Error("transient exhaustion must not request an LLM retry")
	}
}

func TestExecuteAll_TransportErrorBecomesFailure(t *testing.T) {
	transport := &mockTransport{err: errors.New("dial tcp: connection refused")}
	h := newOrchestratorHarness(t, transport, &mockAIClient{}, WithOrchestratorMaxAttempts(2))

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{ToolName: "search-email", Parameters: map[string]interface{}{"searchValue": "Alice"}},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	result := report.Results[0]
	if result.Success {
		t.Error("transport error reported as success")
	}
	if !strings.Contains(result.ErrorMessage, "connection refused") {
		t.Errorf("ErrorMessage = %q, want the transport error text", result.ErrorMessage)
	}
}

func TestExecuteAll_PanicDoesNotKillBatch(t *testing.T) {
	transport := &mockTransport{
		script:    []*core.ToolCallResult{successResult("ok")},
		panicTool: "broken-tool",
	}
	h := newOrchestratorHarness(t, transport, &mockAIClient{}, WithOrchestratorConcurrency(1))

	report, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{
		{ToolName: "broken-tool", Parameters: map[string]interface{}{}},
		{ToolName: "search-email", Parameters: map[string]interface{}{"searchValue": "Alice"}},
	})
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	if len(report.Results) != 2 {
		t.Fatalf("Results = %d, want 2 (panic recovered)", len(report.Results))
	}

	var panicked, succeeded bool
	for _, r := range report.Results {
		if r.ToolName == "broken-tool" && strings.Contains(r.ErrorMessage, "panic") {
			panicked = true
		}
		if r.ToolName == "search-email" && r.Success {
			succeeded = true
		}
	}
	if !panicked {
		t.Error("panic result missing from the report")
	}
	if !succeeded {
		t.Error("the healthy call did not survive the panicking one")
	}
}

func TestExecuteAll_ConcurrentBatch(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{successResult("ok")}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{}, WithOrchestratorConcurrency(3))

	requests := make([]*core.ToolCallRequest, 8)
	for i := range requests {
		requests[i] = &core.ToolCallRequest{
			ToolName:   "search-email",
			Parameters: map[string]interface{}{"searchValue": "Alice"},
		}
	}

	report, err := h.orchestrator.ExecuteAll(context.Background(), requests)
	if err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	if len(report.Results) != 8 {
		t.Fatalf("Results = %d, want 8", len(report.Results))
	}
	for _, r := range report.Results {
		if !r.Success {
			t.Errorf("request %s failed: %s", r.RequestID, r.ErrorMessage)
		}
	}
	if transport.callCount() != 8 {
		t.Errorf("transport calls = %d, want 8", transport.callCount())
	}
}

func TestExecuteAll_AssignsRequestIDs(t *testing.T) {
	transport := &mockTransport{script: []*core.ToolCallResult{successResult("ok")}}
	h := newOrchestratorHarness(t, transport, &mockAIClient{})

	req := &core.ToolCallRequest{ToolName: "search-email", Parameters: map[string]interface{}{}}
	if _, err := h.orchestrator.ExecuteAll(context.Background(), []*core.ToolCallRequest{req}); err != nil {
		t.Fatalf("ExecuteAll failed: %v", err)
	}

	if req.ID == "" {
		t.Error("request ID not assigned")
	}
	if req.OriginID != req.ID {
		t.Errorf("OriginID = %q, want the request's own ID on a first attempt", req.OriginID)
	}
}
