// Package execution implements the adaptive tool-call execution and retry
// engine: batch execution of LLM-requested tool calls, failure
// classification, parameter inference, and the bounded guidance loop that
// steers the next LLM turn toward a corrected call.
//
// # Layered Error Classification
//
// Failures are classified in two passes. A heuristic pass matches the error
// text and numeric code against known signals and answers instantly for the
// common cases (auth failures, missing parameters, timeouts). Only when the
// heuristics are not confident does the classifier fall back to an LLM
// verdict, which generalizes to error wording never seen before at the cost
// of one completion call (~200-500ms). If the LLM call itself fails or its
// response cannot be parsed, the failure is conservatively treated as
// terminal so unclassifiable errors never loop.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentmux/toolflow/core"
	"github.com/agentmux/toolflow/resilience"
	"github.com/agentmux/toolflow/telemetry"
)

// ClassificationSource records which pass produced a classification.
type ClassificationSource string

const (
	// SourceStructured - the tool server's structured error payload answered.
	SourceStructured ClassificationSource = "structured"
	// SourceHeuristic - the substring/code heuristic pass answered.
	SourceHeuristic ClassificationSource = "heuristic"
	// SourceLLM - the LLM fallback pass answered.
	SourceLLM ClassificationSource = "llm"
	// SourceFallback - the LLM pass itself failed; conservative default.
	// Logged distinctly so operators can tell "this really can't be fixed"
	// from "our classifier broke".
	SourceFallback ClassificationSource = "fallback"
)

// ErrorClassification is the verdict for one failed tool call. Produced once
// per failure and consumed immediately by the retry coordinator.
type ErrorClassification struct {
	// Retryable indicates a corrected or repeated call could succeed.
	Retryable bool `json:"retryable"`

	// Transient marks retryable failures that need no parameter changes
	// (timeouts, connectivity, 5xx). Retried with the same payload.
	Transient bool `json:"transient,omitempty"`

	// Confidence in the verdict, 0.0-1.0.
	Confidence float64 `json:"confidence"`

	// Reasoning explains the verdict.
	Reasoning string `json:"reasoning"`

	// SuggestedFix optionally names a concrete correction.
	SuggestedFix string `json:"suggested_fix,omitempty"`

	// Source records which pass produced this verdict.
	Source ClassificationSource `json:"-"`
}

// ErrorClassifier decides retryable vs. terminal for failed tool calls.
type ErrorClassifier struct {
	aiClient core.AIClient
	logger   core.Logger
	breaker  *resilience.CircuitBreaker

	enabled     bool
	temperature float32
	maxTokens   int
}

// ClassifierOption configures an ErrorClassifier
type ClassifierOption func(*ErrorClassifier)

// WithLLMFallbackEnabled enables or disables the LLM classification pass
func WithLLMFallbackEnabled(enabled bool) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.enabled = enabled
	}
}

// WithClassifierBreaker guards LLM classification calls with a circuit
// breaker. A tripped breaker degrades classification to heuristics-only.
func WithClassifierBreaker(cb *resilience.CircuitBreaker) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.breaker = cb
	}
}

// WithClassifierTokens sets the LLM response budget
func WithClassifierTokens(maxTokens int) ClassifierOption {
	return func(c *ErrorClassifier) {
		c.maxTokens = maxTokens
	}
}

// NewErrorClassifier creates a classifier. aiClient may be nil; the
// classifier then runs heuristics-only with the conservative fallback.
func NewErrorClassifier(aiClient core.AIClient, logger core.Logger, opts ...ClassifierOption) *ErrorClassifier {
	c := &ErrorClassifier{
		aiClient:    aiClient,
		logger:      logger,
		enabled:     true,
		temperature: 0.0,
		maxTokens:   core.DefaultClassifierTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Heuristic signal tables. Matching is case-insensitive substring.
var (
	terminalSignals = []string{
		"unauthorized",
		"forbidden",
		"authentication",
		"permission denied",
		"invalid api key",
		"401",
		"403",
	}

	parameterSignals = []string{
		"missing",
		"required",
		"invalid parameter",
		"invalid parameters",
		"invalid arguments",
		"undefined",
		"unknown parameter",
		"unknown field",
		"question:",
	}

	transientSignals = []string{
		"timeout",
		"timed out",
		"network",
		"connection",
		"temporarily unavailable",
		"500",
		"502",
		"503",
		"504",
	}
)

// invalidParamsCode is the JSON-RPC structural error code for bad parameters.
const invalidParamsCode = -32602

// ClassifyResult classifies a failed attempt. A structured error payload
// from the tool server is answered directly; free-text failures go through
// the heuristic and LLM passes.
func (c *ErrorClassifier) ClassifyResult(ctx context.Context, result *core.ToolCallResult) *ErrorClassification {
	if verdict := c.classifyStructured(result.StructuredError); verdict != nil {
		c.logDebug("Error classified from structured payload", map[string]interface{}{
			"tool":      result.ToolName,
			"category":  string(result.StructuredError.Category),
			"retryable": verdict.Retryable,
			"transient": verdict.Transient,
		})
		telemetry.Counter("execution.classifier.structured_verdicts",
			"tool", result.ToolName,
			"module", telemetry.ModuleExecution,
		)
		return verdict
	}
	return c.Classify(ctx, result.ToolName, result.ErrorMessage, result.ErrorCode)
}

// classifyStructured answers from a structured tool-server error. The server
// knows its own failure modes better than any text heuristic, so Category
// and Retryable are taken at face value.
func (c *ErrorClassifier) classifyStructured(te *core.ToolError) *ErrorClassification {
	if te == nil {
		return nil
	}

	verdict := &ErrorClassification{
		Confidence:   0.95,
		SuggestedFix: te.Details["hint"],
		Source:       SourceStructured,
	}

	switch te.Category {
	case core.CategoryAuthError:
		verdict.Retryable = false
		verdict.Reasoning = fmt.Sprintf("structured auth error %s", te.Code)
	case core.CategoryInputError, core.CategoryNotFound:
		verdict.Retryable = true
		verdict.Reasoning = fmt.Sprintf("structured %s from the tool server", te.Category)
	case core.CategoryRateLimit:
		if _, ok := te.Details["retry_after"]; ok {
			verdict.Retryable = true
			verdict.Transient = true
			verdict.Reasoning = "structured rate limit with a retry_after hint"
		} else {
			verdict.Retryable = false
			verdict.Reasoning = "structured rate limit without a retry_after hint"
		}
	case core.CategoryServiceError:
		verdict.Retryable = true
		verdict.Transient = true
		verdict.Reasoning = fmt.Sprintf("structured service error %s", te.Code)
	default:
		// Unknown category: the server's own retryable flag still beats
		// guessing from the message text.
		verdict.Retryable = te.Retryable
		verdict.Confidence = 0.7
		verdict.Reasoning = fmt.Sprintf("structured error %s, server marked retryable=%t", te.Code, te.Retryable)
	}
	return verdict
}

// Classify returns a verdict for the given failure. toolName is used only
// for prompting and metrics; errorCode may be zero when the transport
// supplied no numeric discriminator.
func (c *ErrorClassifier) Classify(ctx context.Context, toolName, errorMessage string, errorCode int) *ErrorClassification {
	if result := c.classifyHeuristic(errorMessage, errorCode); result != nil {
		c.logDebug("Error classified by heuristics", map[string]interface{}{
			"tool":       toolName,
			"retryable":  result.Retryable,
			"transient":  result.Transient,
			"confidence": result.Confidence,
			"reason":     result.Reasoning,
		})
		telemetry.Counter("execution.classifier.heuristic_verdicts",
			"tool", toolName,
			"module", telemetry.ModuleExecution,
		)
		return result
	}

	if !c.enabled || c.aiClient == nil {
		return c.fallbackClassification(toolName, "LLM classification not available")
	}

	result, err := c.classifyWithLLM(ctx, toolName, errorMessage, errorCode)
	if err != nil {
		// Fail safe - do not loop forever on unclassifiable errors.
		c.logWarn("LLM classification failed, treating error as terminal", map[string]interface{}{
			"tool":  toolName,
			"error": err.Error(),
		})
		telemetry.Counter("execution.classifier.fallbacks",
			"tool", toolName,
			"module", telemetry.ModuleExecution,
		)
		return c.fallbackClassification(toolName, fmt.Sprintf("classifier unavailable: %v", err))
	}
	return result
}

// classifyHeuristic runs the fast pass. Returns nil when not confident.
func (c *ErrorClassifier) classifyHeuristic(errorMessage string, errorCode int) *ErrorClassification {
	lower := strings.ToLower(errorMessage)

	// Numeric codes are the strongest signal when present.
	switch {
	case errorCode == 401 || errorCode == 403:
		return &ErrorClassification{
			Retryable:  false,
			Confidence: 0.95,
			Reasoning:  fmt.Sprintf("auth/permission failure (code %d)", errorCode),
			Source:     SourceHeuristic,
		}
	case errorCode == 429:
		return c.classifyRateLimit(lower)
	case errorCode == invalidParamsCode:
		return &ErrorClassification{
			Retryable:  true,
			Confidence: 0.95,
			Reasoning:  "structural invalid-params error code",
			Source:     SourceHeuristic,
		}
	case errorCode >= 500 && errorCode <= 599:
		return &ErrorClassification{
			Retryable:  true,
			Transient:  true,
			Confidence: 0.9,
			Reasoning:  fmt.Sprintf("server-side error (code %d)", errorCode),
			Source:     SourceHeuristic,
		}
	}

	if strings.Contains(lower, "rate limit") {
		return c.classifyRateLimit(lower)
	}

	for _, signal := range terminalSignals {
		if strings.Contains(lower, signal) {
			return &ErrorClassification{
				Retryable:  false,
				Confidence: 0.9,
				Reasoning:  fmt.Sprintf("terminal signal %q in error text", signal),
				Source:     SourceHeuristic,
			}
		}
	}

	for _, signal := range parameterSignals {
		if strings.Contains(lower, signal) {
			return &ErrorClassification{
				Retryable:  true,
				Confidence: 0.85,
				Reasoning:  fmt.Sprintf("parameter signal %q in error text", signal),
				Source:     SourceHeuristic,
			}
		}
	}

	for _, signal := range transientSignals {
		if strings.Contains(lower, signal) {
			return &ErrorClassification{
				Retryable:  true,
				Transient:  true,
				Confidence: 0.8,
				Reasoning:  fmt.Sprintf("transient signal %q in error text", signal),
				Source:     SourceHeuristic,
			}
		}
	}

	return nil
}

// classifyRateLimit distinguishes rate limits with a retry-after hint
// (transient, worth waiting out) from bare ones (terminal).
func (c *ErrorClassifier) classifyRateLimit(lower string) *ErrorClassification {
	if strings.Contains(lower, "retry-after") || strings.Contains(lower, "retry after") {
		return &ErrorClassification{
			Retryable:  true,
			Transient:  true,
			Confidence: 0.85,
			Reasoning:  "rate limited with retry-after hint",
			Source:     SourceHeuristic,
		}
	}
	return &ErrorClassification{
		Retryable:  false,
		Confidence: 0.85,
		Reasoning:  "rate limited without retry-after hint",
		Source:     SourceHeuristic,
	}
}

// fallbackClassification is the conservative default when no pass answered.
func (c *ErrorClassifier) fallbackClassification(toolName, reason string) *ErrorClassification {
	c.logWarn("Unclassifiable error treated as terminal", map[string]interface{}{
		"tool":   toolName,
		"reason": reason,
	})
	return &ErrorClassification{
		Retryable:  false,
		Confidence: 0.1,
		Reasoning:  reason,
		Source:     SourceFallback,
	}
}

// classifyWithLLM runs the LLM fallback pass.
func (c *ErrorClassifier) classifyWithLLM(ctx context.Context, toolName, errorMessage string, errorCode int) (*ErrorClassification, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	telemetry.AddSpanEvent(ctx, "classifier.llm_call_start",
		attribute.String("tool", toolName),
		attribute.Int("error_code", errorCode),
	)

	prompt := c.buildClassificationPrompt(toolName, errorMessage, errorCode)

	llmStart := time.Now()
	var resp *core.AIResponse
	call := func() error {
		var err error
		resp, err = c.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
			Temperature: c.temperature,
			MaxTokens:   c.maxTokens,
		})
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
	} else {
		err = call()
	}
	llmDuration := time.Since(llmStart)

	telemetry.Histogram("execution.classifier.llm_latency_ms",
		float64(llmDuration.Milliseconds()),
		"tool", toolName,
		"module", telemetry.ModuleExecution,
	)

	if err != nil {
		telemetry.AddSpanEvent(ctx, "classifier.llm_call_failed",
			attribute.String("error", err.Error()),
		)
		return nil, fmt.Errorf("LLM classification failed: %w", err)
	}

	result, err := c.parseVerdict(resp.Content)
	if err != nil {
		telemetry.AddSpanEvent(ctx, "classifier.parse_failed",
			attribute.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", core.ErrUnparsableVerdict, err)
	}

	telemetry.AddSpanEvent(ctx, "classifier.llm_verdict",
		attribute.Bool("retryable", result.Retryable),
		attribute.Float64("confidence", result.Confidence),
		attribute.Int64("duration_ms", llmDuration.Milliseconds()),
	)

	c.logInfo("LLM classification completed", map[string]interface{}{
		"tool":        toolName,
		"retryable":   result.Retryable,
		"confidence":  result.Confidence,
		"reason":      result.Reasoning,
		"duration_ms": llmDuration.Milliseconds(),
	})

	result.Source = SourceLLM
	return result, nil
}

// buildClassificationPrompt creates the prompt for the LLM pass.
func (c *ErrorClassifier) buildClassificationPrompt(toolName, errorMessage string, errorCode int) string {
	codeLine := ""
	if errorCode != 0 {
		codeLine = fmt.Sprintf("\nERROR CODE: %d", errorCode)
	}

	return fmt.Sprintf(`You are an error analysis assistant. Decide whether this tool invocation error could be fixed by retrying, possibly with corrected parameters.

TOOL: %s
ERROR MESSAGE:
%s%s

GUIDELINES:
- Missing, misnamed, or malformed parameters are retryable
- The tool asking a clarifying question is retryable
- Timeouts, connectivity problems, and server-side errors are retryable
- Authentication, permission, and quota errors are NOT retryable
- Do not mark retryable if the error says the operation itself is unsupported

RESPONSE FORMAT (JSON only, no explanation):
{
  "retryable": true/false,
  "confidence": 0.0-1.0,
  "reasoning": "Brief explanation",
  "suggested_fix": "Concrete correction, or empty string"
}`,
		toolName, errorMessage, codeLine)
}

// parseVerdict parses the LLM's JSON response.
func (c *ErrorClassifier) parseVerdict(content string) (*ErrorClassification, error) {
	jsonStr, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}

	var result ErrorClassification
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}

	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", result.Confidence)
	}

	return &result, nil
}

// extractJSONObject strips markdown fences and extraneous prose around the
// first balanced JSON object in an LLM response.
func extractJSONObject(content string) (string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	if start == -1 {
		return "", fmt.Errorf("no JSON object found in response")
	}

	end := findJSONEnd(content, start)
	if end == -1 {
		return "", fmt.Errorf("invalid JSON structure in response")
	}

	return content[start:end], nil
}

// findJSONEnd finds the end of a JSON object starting at the given position.
func findJSONEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}

	return -1
}

// Logging helpers
func (c *ErrorClassifier) logDebug(msg string, fields map[string]interface{}) {
	if c.logger != nil {
		c.logger.Debug(msg, fields)
	}
}

func (c *ErrorClassifier) logInfo(msg string, fields map[string]interface{}) {
	if c.logger != nil {
		c.logger.Info(msg, fields)
	}
}

func (c *ErrorClassifier) logWarn(msg string, fields map[string]interface{}) {
	if c.logger != nil {
		c.logger.Warn(msg, fields)
	}
}
