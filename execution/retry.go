package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmux/toolflow/core"
	"github.com/agentmux/toolflow/telemetry"
)

// RetryState is the lifecycle state of one tool call's retry bookkeeping.
//
// Attempting → (success)                          → DoneSuccess
// Attempting → (classified terminal)              → DoneFailed
// Attempting → (retryable, attempts < max)        → GuidanceIssued → Attempting
// Attempting → (attempts == max)                  → DoneFailed
//
// Done states are final; a call never resumes after Done.
type RetryState int

const (
	StateAttempting RetryState = iota
	StateGuidanceIssued
	StateDoneSuccess
	StateDoneFailed
)

func (s RetryState) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateGuidanceIssued:
		return "guidance_issued"
	case StateDoneSuccess:
		return "done_success"
	case StateDoneFailed:
		return "done_failed"
	default:
		return "unknown"
	}
}

// AttemptRecord pairs one request with its result.
type AttemptRecord struct {
	Request *core.ToolCallRequest
	Result  *core.ToolCallResult
}

// RetryContext is the bookkeeping for one tool call's retry lifecycle.
// Created when a call first fails; discarded when the call succeeds, is
// classified terminal, or exhausts its attempt budget. The attempt counter is
// monotonically non-decreasing and never exceeds MaxAttempts.
type RetryContext struct {
	ID          string
	Original    *core.ToolCallRequest
	MaxAttempts int

	state    RetryState
	attempts int
	chain    []AttemptRecord
	guidance []string

	// lastParamError remembers the parameter named by the previous failure
	// so a repeat of the same error after guidance escalates the wording
	// instead of retrying identically.
	lastParamError string
}

// NewRetryContext creates bookkeeping for a call that just failed its first
// attempt. The failed attempt is recorded immediately.
func NewRetryContext(req *core.ToolCallRequest, result *core.ToolCallResult, maxAttempts int) *RetryContext {
	rc := &RetryContext{
		ID:          uuid.NewString(),
		Original:    req,
		MaxAttempts: maxAttempts,
		state:       StateAttempting,
	}
	rc.attempts = 1
	rc.chain = append(rc.chain, AttemptRecord{Request: req, Result: result})
	return rc
}

// State returns the current lifecycle state.
func (rc *RetryContext) State() RetryState { return rc.state }

// Attempts returns how many invocation attempts have been recorded.
func (rc *RetryContext) Attempts() int { return rc.attempts }

// Guidance returns the accumulated guidance messages.
func (rc *RetryContext) Guidance() []string { return rc.guidance }

// Done reports whether the context reached a terminal state.
func (rc *RetryContext) Done() bool {
	return rc.state == StateDoneSuccess || rc.state == StateDoneFailed
}

// Exhausted reports whether the attempt budget is spent.
func (rc *RetryContext) Exhausted() bool {
	return rc.attempts >= rc.MaxAttempts
}

// RecordAttempt records a fresh attempt for this call. Returns
// core.ErrRetryContextClosed after Done and core.ErrMaxAttemptsExceeded when
// the budget is already spent; the counter never moves past MaxAttempts.
func (rc *RetryContext) RecordAttempt(req *core.ToolCallRequest, result *core.ToolCallResult) error {
	if rc.Done() {
		return core.ErrRetryContextClosed
	}
	if rc.attempts >= rc.MaxAttempts {
		return core.ErrMaxAttemptsExceeded
	}
	rc.attempts++
	rc.state = StateAttempting
	rc.chain = append(rc.chain, AttemptRecord{Request: req, Result: result})
	return nil
}

// close moves the context to a final state.
func (rc *RetryContext) close(success bool) {
	if rc.Done() {
		return
	}
	if success {
		rc.state = StateDoneSuccess
	} else {
		rc.state = StateDoneFailed
	}
}

// RetryDecision is the coordinator's answer for one failed attempt.
type RetryDecision struct {
	// ShouldRetryViaLLM requests one more LLM round-trip consuming the
	// guidance message.
	ShouldRetryViaLLM bool

	// GuidanceMessage is the corrective instruction to append to the
	// conversation when ShouldRetryViaLLM is set.
	GuidanceMessage string

	// TransformedRequest, when set, is a statically corrected request the
	// orchestrator should execute immediately without an LLM round-trip.
	TransformedRequest *core.ToolCallRequest

	// RetryTransient requests an immediate same-parameters retry.
	RetryTransient bool

	// Terminal marks the call finished as failed.
	Terminal bool

	// Classification carries the verdict that drove the decision.
	Classification *ErrorClassification
}

// RetryCoordinator orchestrates the classify → infer → guide cycle for a
// single failed call, bounded by the context's attempt budget.
type RetryCoordinator struct {
	classifier *ErrorClassifier
	inferencer *ParameterInferencer
	transforms *TransformTable
	cache      core.SchemaCache
	logger     core.Logger
}

// NewRetryCoordinator creates a coordinator. cache may be nil; inference then
// runs without a schema.
func NewRetryCoordinator(classifier *ErrorClassifier, inferencer *ParameterInferencer, cache core.SchemaCache, logger core.Logger) *RetryCoordinator {
	return &RetryCoordinator{
		classifier: classifier,
		inferencer: inferencer,
		transforms: NewTransformTable(),
		cache:      cache,
		logger:     logger,
	}
}

// SetTransformTable replaces the static transform table.
func (rc *RetryCoordinator) SetTransformTable(t *TransformTable) {
	rc.transforms = t
}

// HandleFailure classifies a failed attempt and decides what happens next.
// Classification and inference failures never escape this method; they
// degrade to a terminal decision.
func (rc *RetryCoordinator) HandleFailure(ctx context.Context, retryCtx *RetryContext, result *core.ToolCallResult) *RetryDecision {
	if retryCtx.Done() {
		return &RetryDecision{Terminal: true}
	}

	classification := rc.classifier.ClassifyResult(ctx, result)

	if !classification.Retryable {
		retryCtx.close(false)
		rc.logInfo("Tool call classified terminal", map[string]interface{}{
			"tool":     result.ToolName,
			"attempts": retryCtx.Attempts(),
			"reason":   classification.Reasoning,
			"source":   string(classification.Source),
		})
		telemetry.Counter("execution.retry.terminal",
			"tool", result.ToolName,
			"module", telemetry.ModuleExecution,
		)
		return &RetryDecision{Terminal: true, Classification: classification}
	}

	if retryCtx.Exhausted() {
		retryCtx.close(false)
		rc.logWarn("Retry budget exhausted", map[string]interface{}{
			"tool":         result.ToolName,
			"attempts":     retryCtx.Attempts(),
			"max_attempts": retryCtx.MaxAttempts,
		})
		telemetry.Counter("execution.retry.exhausted",
			"tool", result.ToolName,
			"module", telemetry.ModuleExecution,
		)
		return &RetryDecision{Terminal: true, Classification: classification}
	}

	if classification.Transient {
		telemetry.Counter("execution.retry.transient",
			"tool", result.ToolName,
			"module", telemetry.ModuleExecution,
		)
		return &RetryDecision{RetryTransient: true, Classification: classification}
	}

	return rc.handleParameterFailure(ctx, retryCtx, result, classification)
}

// handleParameterFailure resolves a retryable parameter mismatch: a static
// transform when one applies, otherwise inference plus a guidance message.
func (rc *RetryCoordinator) handleParameterFailure(ctx context.Context, retryCtx *RetryContext, result *core.ToolCallResult, classification *ErrorClassification) *RetryDecision {
	lastReq := retryCtx.chain[len(retryCtx.chain)-1].Request

	expectedParam, _ := ExtractParameterName(result.ErrorMessage)
	wrongParams := rc.findUndeclaredParams(ctx, lastReq, expectedParam)

	// Static transform first: instantaneous and deterministic, and it does
	// not consume an LLM round-trip.
	if transformed := rc.applyStaticTransform(lastReq, wrongParams, expectedParam); transformed != nil {
		rc.logInfo("Static parameter transform applied", map[string]interface{}{
			"tool":           result.ToolName,
			"expected_param": expectedParam,
		})
		telemetry.Counter("execution.retry.static_transform",
			"tool", result.ToolName,
			"module", telemetry.ModuleExecution,
		)
		return &RetryDecision{TransformedRequest: transformed, Classification: classification}
	}

	// Infer a concrete value for the expected parameter when we know it.
	inferredValue := ""
	if expectedParam != "" {
		schema := rc.lookupSchema(ctx, result.ToolName)
		if value, ok := rc.inferencer.InferValue(ctx, result.ToolName, expectedParam, lastReq.UserIntent, schema); ok {
			inferredValue = value
		}
	}

	escalate := expectedParam != "" && expectedParam == retryCtx.lastParamError
	retryCtx.lastParamError = expectedParam

	guidance := composeGuidance(lastReq, result, wrongParams, expectedParam, inferredValue, classification.SuggestedFix, escalate)
	retryCtx.guidance = append(retryCtx.guidance, guidance)
	retryCtx.state = StateGuidanceIssued

	telemetry.Counter("execution.retry.guidance_issued",
		"tool", result.ToolName,
		"module", telemetry.ModuleExecution,
	)

	rc.logInfo("Guidance issued for retry", map[string]interface{}{
		"tool":           result.ToolName,
		"attempt":        retryCtx.Attempts(),
		"expected_param": expectedParam,
		"wrong_params":   wrongParams,
		"has_inferred":   inferredValue != "",
		"escalated":      escalate,
	})

	return &RetryDecision{
		ShouldRetryViaLLM: true,
		GuidanceMessage:   guidance,
		Classification:    classification,
	}
}

// applyStaticTransform builds a corrected request from the rename table.
// The From parameter is removed, never kept alongside the renamed one.
func (rc *RetryCoordinator) applyStaticTransform(req *core.ToolCallRequest, wrongParams []string, expectedParam string) *core.ToolCallRequest {
	candidates := wrongParams
	if len(candidates) == 0 {
		// No schema to compare against; try every sent parameter.
		for name := range req.Parameters {
			candidates = append(candidates, name)
		}
	}

	for _, wrong := range candidates {
		tr := rc.transforms.Resolve(req.ToolName, wrong, expectedParam)
		if tr == nil {
			continue
		}
		value, ok := req.Parameters[tr.From]
		if !ok {
			continue
		}
		fixed := req.Clone()
		delete(fixed.Parameters, tr.From)
		fixed.Parameters[tr.To] = value
		fixed.ID = uuid.NewString()
		return fixed
	}
	return nil
}

// findUndeclaredParams names the sent parameters the tool's schema does not
// declare. With no cached schema it falls back to parameters the error text
// plainly rejects.
func (rc *RetryCoordinator) findUndeclaredParams(ctx context.Context, req *core.ToolCallRequest, expectedParam string) []string {
	var wrong []string

	schema := rc.lookupSchema(ctx, req.ToolName)
	if schema != nil {
		for name := range req.Parameters {
			if _, declared := schema.Parameter(name); !declared {
				wrong = append(wrong, name)
			}
		}
		return wrong
	}

	// Without a schema, a parameter that is not the expected one and has a
	// known rename is the best guess.
	for name := range req.Parameters {
		if name == expectedParam {
			continue
		}
		if rc.transforms.Resolve(req.ToolName, name, expectedParam) != nil {
			wrong = append(wrong, name)
		}
	}
	return wrong
}

func (rc *RetryCoordinator) lookupSchema(ctx context.Context, toolName string) *core.ToolDescriptor {
	if rc.cache == nil {
		return nil
	}
	entry, ok := rc.cache.Get(ctx, toolName)
	if !ok || entry.Schema == nil {
		return nil
	}
	return entry.Schema
}

// composeGuidance writes the corrective instruction for the next LLM turn.
// The wording deliberately demands that only the corrected parameters be
// sent: "use X instead of Y" phrasing has been observed to make the model
// send both X and Y, which fails again.
func composeGuidance(req *core.ToolCallRequest, result *core.ToolCallResult, wrongParams []string, expectedParam, inferredValue, suggestedFix string, escalate bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "The call to tool %q failed: %s\n", result.ToolName, result.ErrorMessage)

	if req.UserIntent != "" {
		fmt.Fprintf(&b, "The user's original request was: %q\n", req.UserIntent)
	}

	if len(wrongParams) > 0 {
		fmt.Fprintf(&b, "Remove the parameter(s) %s entirely.\n", quoteList(wrongParams))
	}

	if expectedParam != "" {
		if inferredValue != "" {
			fmt.Fprintf(&b, "Call the tool again with the parameter %q set to %q.\n", expectedParam, inferredValue)
		} else {
			fmt.Fprintf(&b, "Call the tool again with the parameter %q set to a value derived from the user's request.\n", expectedParam)
		}
		fmt.Fprintf(&b, "Send ONLY the corrected parameters. Do not include %s in the new call.\n",
			removedNames(wrongParams))
	} else {
		b.WriteString("Correct the parameters according to the error message and call the tool again with only the corrected parameters.\n")
	}

	if suggestedFix != "" {
		fmt.Fprintf(&b, "Hint: %s\n", suggestedFix)
	}

	if escalate {
		fmt.Fprintf(&b, "IMPORTANT: the previous retry repeated the same mistake. The new call must contain the parameter %q and no other parameter names from earlier attempts.\n",
			expectedParam)
	}

	return strings.TrimRight(b.String(), "\n")
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = fmt.Sprintf("%q", n)
	}
	return strings.Join(quoted, ", ")
}

func removedNames(wrongParams []string) string {
	if len(wrongParams) == 0 {
		return "any previously rejected parameters"
	}
	return quoteList(wrongParams)
}

// Logging helpers
func (rc *RetryCoordinator) logInfo(msg string, fields map[string]interface{}) {
	if rc.logger != nil {
		rc.logger.Info(msg, fields)
	}
}

func (rc *RetryCoordinator) logWarn(msg string, fields map[string]interface{}) {
	if rc.logger != nil {
		rc.logger.Warn(msg, fields)
	}
}
