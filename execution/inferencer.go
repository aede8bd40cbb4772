package execution

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentmux/toolflow/core"
	"github.com/agentmux/toolflow/telemetry"
)

// cannotInferSignal is the explicit "no answer" token the inference prompt
// asks for. Plain text instead of JSON keeps the failure modes small.
const cannotInferSignal = "CANNOT_INFER"

// paramNamePatterns extract the offending parameter name from tool error
// text. Ordered from most to least specific.
var paramNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)parameter ['"]([A-Za-z0-9_.\-]+)['"] is missing`),
	regexp.MustCompile(`(?i)missing required parameter[:\s]+['"]?([A-Za-z0-9_.\-]+)['"]?`),
	regexp.MustCompile(`(?i)['"]([A-Za-z0-9_.\-]+)['"] is required`),
	regexp.MustCompile(`(?i)required (?:parameter|field|property)[:\s]+['"]?([A-Za-z0-9_.\-]+)['"]?`),
	regexp.MustCompile(`(?i)field ['"]([A-Za-z0-9_.\-]+)['"] is undefined`),
	regexp.MustCompile(`(?i)unknown (?:parameter|field) ['"]([A-Za-z0-9_.\-]+)['"]`),
	regexp.MustCompile(`(?i)invalid (?:parameter|argument)[:\s]+['"]?([A-Za-z0-9_.\-]+)['"]?`),
	regexp.MustCompile(`(?i)(?:parameter|field|property) ['"]([A-Za-z0-9_.\-]+)['"]`),
}

// ExtractParameterName pulls the missing/misnamed parameter name out of an
// error message. Returns the name and true, or "" and false when the error
// does not name a parameter.
func ExtractParameterName(errorMessage string) (string, bool) {
	for _, pattern := range paramNamePatterns {
		if m := pattern.FindStringSubmatch(errorMessage); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// ParameterInferencer proposes concrete values for missing parameters, given
// the user's original request and the tool's declared schema.
type ParameterInferencer struct {
	aiClient core.AIClient
	logger   core.Logger

	temperature float32
	maxTokens   int
}

// NewParameterInferencer creates an inferencer. aiClient may be nil; every
// inference then reports "cannot infer".
func NewParameterInferencer(aiClient core.AIClient, logger core.Logger) *ParameterInferencer {
	return &ParameterInferencer{
		aiClient:    aiClient,
		logger:      logger,
		temperature: 0.0,
		maxTokens:   100,
	}
}

// InferValue asks the LLM for a single plausible value for the named
// parameter. Returns the value and true on success, or "" and false when the
// model signals it cannot infer one or is unavailable. Inference failures are
// recovered here; callers only see the absent result.
func (p *ParameterInferencer) InferValue(ctx context.Context, toolName, paramName, userIntent string, schema *core.ToolDescriptor) (string, bool) {
	if p.aiClient == nil {
		return "", false
	}
	if ctx.Err() != nil {
		return "", false
	}

	prompt := p.buildInferencePrompt(toolName, paramName, userIntent, schema)

	telemetry.AddSpanEvent(ctx, "inferencer.llm_call_start",
		attribute.String("tool", toolName),
		attribute.String("parameter", paramName),
	)

	start := time.Now()
	resp, err := p.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	duration := time.Since(start)

	telemetry.Histogram("execution.inferencer.llm_latency_ms",
		float64(duration.Milliseconds()),
		"tool", toolName,
		"module", telemetry.ModuleExecution,
	)

	if err != nil {
		p.logWarn("Parameter inference LLM call failed", map[string]interface{}{
			"tool":      toolName,
			"parameter": paramName,
			"error":     err.Error(),
		})
		telemetry.Counter("execution.inferencer.llm_errors",
			"tool", toolName,
			"module", telemetry.ModuleExecution,
		)
		return "", false
	}

	value := strings.TrimSpace(resp.Content)
	value = strings.Trim(value, `"`)

	if value == "" || strings.Contains(strings.ToUpper(value), cannotInferSignal) {
		p.logDebug("Model could not infer parameter value", map[string]interface{}{
			"tool":      toolName,
			"parameter": paramName,
		})
		return "", false
	}

	telemetry.AddSpanEvent(ctx, "inferencer.value_inferred",
		attribute.String("parameter", paramName),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)

	p.logInfo("Parameter value inferred", map[string]interface{}{
		"tool":        toolName,
		"parameter":   paramName,
		"duration_ms": duration.Milliseconds(),
	})

	return value, true
}

// buildInferencePrompt constrains the model to a short plain-text answer.
func (p *ParameterInferencer) buildInferencePrompt(toolName, paramName, userIntent string, schema *core.ToolDescriptor) string {
	var schemaDesc strings.Builder
	if schema != nil {
		for _, param := range schema.Parameters {
			required := ""
			if param.Required {
				required = " (required)"
			}
			fmt.Fprintf(&schemaDesc, "- %s (%s%s): %s\n",
				param.Name, param.Type, required, param.Description)
		}
	}

	return fmt.Sprintf(`A tool invocation failed because the parameter %q was missing. Derive a value for it from the user's request.

TOOL: %s
TOOL PARAMETERS:
%s
USER'S REQUEST:
"%s"

Respond with ONLY the value for %q, as plain text on a single line.
Do not add quotes, labels, or explanation.
If the user's request does not contain enough information to derive a value, respond with exactly %s.`,
		paramName, toolName, schemaDesc.String(), userIntent, paramName, cannotInferSignal)
}

// Logging helpers
func (p *ParameterInferencer) logDebug(msg string, fields map[string]interface{}) {
	if p.logger != nil {
		p.logger.Debug(msg, fields)
	}
}

func (p *ParameterInferencer) logInfo(msg string, fields map[string]interface{}) {
	if p.logger != nil {
		p.logger.Info(msg, fields)
	}
}

func (p *ParameterInferencer) logWarn(msg string, fields map[string]interface{}) {
	if p.logger != nil {
		p.logger.Warn(msg, fields)
	}
}
