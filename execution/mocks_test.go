package execution

import (
	"context"
	"sync"

	"github.com/agentmux/toolflow/core"
)

// mockAIClient returns scripted responses in order and counts calls.
type mockAIClient struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	prompts   []string
}

func (m *mockAIClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	content := ""
	if len(m.responses) > 0 {
		content = m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
	}
	return &core.AIResponse{Content: content}, nil
}

func (m *mockAIClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockTransport replays scripted results in call order. The last result
// repeats once the script is exhausted.
type mockTransport struct {
	mu        sync.Mutex
	script    []*core.ToolCallResult
	err       error
	calls     int
	seen      []*core.ToolCallRequest
	panicTool string
}

func (m *mockTransport) Call(ctx context.Context, req *core.ToolCallRequest) (*core.ToolCallResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.seen = append(m.seen, req.Clone())

	if m.panicTool != "" && req.ToolName == m.panicTool {
		panic("transport exploded")
	}
	if m.err != nil {
		return nil, m.err
	}

	var result core.ToolCallResult
	if len(m.script) > 0 {
		result = *m.script[0]
		if len(m.script) > 1 {
			m.script = m.script[1:]
		}
	}
	result.RequestID = req.ID
	result.ToolName = req.ToolName
	return &result, nil
}

func (m *mockTransport) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockTransport) requests() []*core.ToolCallRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.ToolCallRequest, len(m.seen))
	copy(out, m.seen)
	return out
}

// mockSchemaSource serves a fixed tool catalog.
type mockSchemaSource struct {
	mu       sync.Mutex
	tools    map[string]*core.ToolDescriptor
	listErr  error
	fetchErr map[string]error
	fetches  []string
}

func newMockSchemaSource(tools ...*core.ToolDescriptor) *mockSchemaSource {
	s := &mockSchemaSource{
		tools:    make(map[string]*core.ToolDescriptor),
		fetchErr: make(map[string]error),
	}
	for _, tool := range tools {
		s.tools[tool.Name] = tool
	}
	return s
}

func (s *mockSchemaSource) ListTools(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names, nil
}

func (s *mockSchemaSource) FetchSchema(ctx context.Context, toolName string) (*core.ToolDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, toolName)
	if err := s.fetchErr[toolName]; err != nil {
		return nil, err
	}
	tool, ok := s.tools[toolName]
	if !ok {
		return nil, core.ErrSchemaNotFound
	}
	return tool, nil
}

func (s *mockSchemaSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetches)
}

func descriptorWith(name string, params ...string) *core.ToolDescriptor {
	specs := make([]core.ParameterSpec, 0, len(params))
	for _, p := range params {
		specs = append(specs, core.ParameterSpec{Name: p, Type: "string", Required: true})
	}
	return &core.ToolDescriptor{Name: name, Parameters: specs}
}

func failureResult(msg string, code int) *core.ToolCallResult {
	return &core.ToolCallResult{Success: false, ErrorMessage: msg, ErrorCode: code}
}

func successResult(payload interface{}) *core.ToolCallResult {
	return &core.ToolCallResult{Success: true, Payload: payload}
}
