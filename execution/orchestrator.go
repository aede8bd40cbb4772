package execution

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmux/toolflow/core"
	"github.com/agentmux/toolflow/resilience"
	"github.com/agentmux/toolflow/telemetry"
)

// ExecutionReport is the outcome of one ExecuteAll pass.
type ExecutionReport struct {
	// Results holds one result per requested call, in completion order.
	Results []*core.ToolCallResult

	// RequiresLLMRetry is set when at least one failure produced guidance
	// and needs one more LLM turn. The conversation loop must run that turn
	// and feed the new requests back into ExecuteAll.
	RequiresLLMRetry bool
}

// ExecutionOrchestrator drives the invoke-all-requested-tools step: it
// executes a batch against the transport, partitions successes from
// failures, routes failures through the retry coordinator, and owns the
// conversation side effects (appending guidance) that let the calling
// conversation loop re-invoke the LLM.
//
// Retry bookkeeping is keyed by tool name: within one orchestrator, one
// retry lifecycle is in flight per tool, and a new request for that tool is
// treated as the next attempt of the open lifecycle. Same-tool requests
// inside one batch are executed one at a time for the same reason.
type ExecutionOrchestrator struct {
	transport    core.Transport
	coordinator  *RetryCoordinator
	cache        core.SchemaCache
	scheduler    *RefreshScheduler
	conversation core.Conversation
	logger       core.Logger

	maxAttempts    int
	maxConcurrency int
	callTimeout    time.Duration
	semaphore      chan struct{}
	transientRetry *resilience.RetryConfig

	mu        sync.Mutex
	contexts  map[string]*RetryContext
	toolLocks map[string]*sync.Mutex
}

// OrchestratorOption configures an ExecutionOrchestrator
type OrchestratorOption func(*ExecutionOrchestrator)

// WithOrchestratorConcurrency caps parallel tool invocations per batch.
func WithOrchestratorConcurrency(n int) OrchestratorOption {
	return func(o *ExecutionOrchestrator) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithOrchestratorCallTimeout bounds one transport call.
func WithOrchestratorCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *ExecutionOrchestrator) {
		o.callTimeout = d
	}
}

// WithOrchestratorMaxAttempts sets the per-call attempt ceiling.
func WithOrchestratorMaxAttempts(n int) OrchestratorOption {
	return func(o *ExecutionOrchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithTransientRetryConfig tunes the backoff used for transient failures.
func WithTransientRetryConfig(cfg *resilience.RetryConfig) OrchestratorOption {
	return func(o *ExecutionOrchestrator) {
		o.transientRetry = cfg
	}
}

// WithRefreshScheduler attaches the scheduler used for error-triggered,
// fire-and-forget schema refresh.
func WithRefreshScheduler(s *RefreshScheduler) OrchestratorOption {
	return func(o *ExecutionOrchestrator) {
		o.scheduler = s
	}
}

// NewExecutionOrchestrator creates an orchestrator. cache and conversation
// may be nil: without a cache no refresh marking happens, without a
// conversation guidance is only returned through results.
func NewExecutionOrchestrator(transport core.Transport, coordinator *RetryCoordinator, cache core.SchemaCache, conversation core.Conversation, logger core.Logger, opts ...OrchestratorOption) *ExecutionOrchestrator {
	o := &ExecutionOrchestrator{
		transport:      transport,
		coordinator:    coordinator,
		cache:          cache,
		conversation:   conversation,
		logger:         logger,
		maxAttempts:    core.DefaultMaxAttempts,
		maxConcurrency: core.DefaultMaxConcurrency,
		callTimeout:    core.DefaultCallTimeout,
		contexts:       make(map[string]*RetryContext),
		toolLocks:      make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.semaphore = make(chan struct{}, o.maxConcurrency)
	if o.transientRetry == nil {
		o.transientRetry = resilience.DefaultRetryConfig()
	}
	return o
}

// ExecuteAll executes every requested call, concurrently up to the
// configured limit, and reports whether another LLM turn is required.
func (o *ExecutionOrchestrator) ExecuteAll(ctx context.Context, requests []*core.ToolCallRequest) (*ExecutionReport, error) {
	startTime := time.Now()

	o.logDebug("Starting batch execution", map[string]interface{}{
		"operation":       "execute_all",
		"request_count":   len(requests),
		"max_concurrency": o.maxConcurrency,
	})

	report := &ExecutionReport{
		Results: make([]*core.ToolCallResult, 0, len(requests)),
	}

	var wg sync.WaitGroup
	var resultsMutex sync.Mutex

	for _, req := range requests {
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		if req.OriginID == "" {
			req.OriginID = req.ID
		}

		wg.Add(1)
		go func(r *core.ToolCallRequest) {
			o.semaphore <- struct{}{}

			// Requests for the same tool are serialized so their attempts
			// land in one retry lifecycle in order instead of racing on it.
			toolMu := o.lockTool(r.ToolName)
			toolMu.Lock()

			defer func() {
				toolMu.Unlock()
				<-o.semaphore

				if rec := recover(); rec != nil {
					// One panicking call must not take down the batch.
					panicResult := &core.ToolCallResult{
						RequestID:    r.ID,
						ToolName:     r.ToolName,
						Success:      false,
						ErrorMessage: fmt.Sprintf("tool call panic: %v", rec),
						Attempts:     1,
					}
					o.logError("Tool call panicked", map[string]interface{}{
						"tool":  r.ToolName,
						"panic": fmt.Sprintf("%v", rec),
						"stack": string(debug.Stack()),
					})

					resultsMutex.Lock()
					report.Results = append(report.Results, panicResult)
					resultsMutex.Unlock()
				}
				wg.Done()
			}()

			result := o.executeOne(ctx, r)

			resultsMutex.Lock()
			report.Results = append(report.Results, result)
			if result.RequiresRetry {
				report.RequiresLLMRetry = true
			}
			resultsMutex.Unlock()
		}(req)
	}

	wg.Wait()

	failed := 0
	for _, r := range report.Results {
		if !r.Success {
			failed++
		}
	}

	telemetry.Duration("execution.batch_ms", startTime,
		"module", telemetry.ModuleExecution,
	)

	o.logInfo("Batch execution finished", map[string]interface{}{
		"operation":          "execute_all_complete",
		"total":              len(report.Results),
		"failed":             failed,
		"requires_llm_retry": report.RequiresLLMRetry,
		"duration_ms":        time.Since(startTime).Milliseconds(),
	})

	return report, nil
}

// executeOne runs one request through the transport and, on failure, through
// the retry cycle until it succeeds, turns terminal, needs an LLM turn, or
// exhausts its budget.
func (o *ExecutionOrchestrator) executeOne(ctx context.Context, req *core.ToolCallRequest) *core.ToolCallResult {
	retryCtx := o.openContext(req)

	result := o.callTransport(ctx, req)

	if retryCtx == nil {
		if result.Success {
			result.Attempts = 1
			return result
		}
		retryCtx = NewRetryContext(req, result, o.maxAttempts)
		o.storeContext(req.ToolName, retryCtx)
	} else {
		if err := retryCtx.RecordAttempt(req, result); err != nil {
			o.dropContext(req.ToolName)
			result.Success = false
			result.Attempts = retryCtx.Attempts()
			return result
		}
		if result.Success {
			retryCtx.close(true)
			o.dropContext(req.ToolName)
			result.Attempts = retryCtx.Attempts()
			return result
		}
	}

	for {
		decision := o.coordinator.HandleFailure(ctx, retryCtx, result)

		switch {
		case decision.Terminal:
			o.dropContext(req.ToolName)
			result.Attempts = retryCtx.Attempts()
			result.RequiresRetry = false
			return result

		case decision.RetryTransient:
			var done bool
			result, done = o.retryTransient(ctx, retryCtx, result)
			if done {
				o.dropContext(req.ToolName)
				return result
			}
			// Still failing; reclassify the latest result.

		case decision.TransformedRequest != nil:
			// Statically corrected request: execute immediately without
			// consuming an LLM round-trip.
			o.markSchemaSuspect(ctx, result)
			next := decision.TransformedRequest
			result = o.callTransport(ctx, next)
			if err := retryCtx.RecordAttempt(next, result); err != nil {
				o.dropContext(req.ToolName)
				result.Success = false
				result.Attempts = retryCtx.Attempts()
				return result
			}
			if result.Success {
				retryCtx.close(true)
				o.dropContext(req.ToolName)
				result.Attempts = retryCtx.Attempts()
				return result
			}

		case decision.ShouldRetryViaLLM:
			o.markSchemaSuspect(ctx, result)
			if o.conversation != nil {
				o.conversation.Append(core.Message{
					Role:    core.RoleSystem,
					Content: decision.GuidanceMessage,
				})
			}
			result.RequiresRetry = true
			result.Attempts = retryCtx.Attempts()
			return result

		default:
			// Defensive: an empty decision is treated as terminal.
			o.dropContext(req.ToolName)
			result.Attempts = retryCtx.Attempts()
			return result
		}
	}
}

// retryTransient re-executes with identical parameters under the transient
// backoff policy, spending at most the remaining attempt budget. Returns the
// latest result and whether the call reached a final outcome.
func (o *ExecutionOrchestrator) retryTransient(ctx context.Context, retryCtx *RetryContext, lastResult *core.ToolCallResult) (*core.ToolCallResult, bool) {
	remaining := retryCtx.MaxAttempts - retryCtx.Attempts()
	if remaining <= 0 {
		retryCtx.close(false)
		lastResult.Attempts = retryCtx.Attempts()
		return lastResult, true
	}

	lastReq := retryCtx.chain[len(retryCtx.chain)-1].Request
	result := lastResult

	err := resilience.Retry(ctx, o.transientRetry.WithBudget(remaining), func() error {
		attempt := lastReq.Clone()
		attempt.ID = uuid.NewString()

		result = o.callTransport(ctx, attempt)
		if recordErr := retryCtx.RecordAttempt(attempt, result); recordErr != nil {
			return recordErr
		}
		if !result.Success {
			return fmt.Errorf("%s", result.ErrorMessage)
		}
		return nil
	})

	if err == nil {
		retryCtx.close(true)
		result.Attempts = retryCtx.Attempts()
		return result, true
	}

	if ctx.Err() != nil {
		retryCtx.close(false)
		result.Attempts = retryCtx.Attempts()
		return result, true
	}

	// Budget spent or the failure changed shape; let the coordinator look
	// at the latest result again.
	result.Attempts = retryCtx.Attempts()
	return result, false
}

// callTransport performs one invocation attempt.
func (o *ExecutionOrchestrator) callTransport(ctx context.Context, req *core.ToolCallRequest) *core.ToolCallResult {
	callCtx := ctx
	if o.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.callTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := o.transport.Call(callCtx, req)
	duration := time.Since(start)

	telemetry.Histogram("execution.call_ms",
		float64(duration.Milliseconds()),
		"tool", req.ToolName,
		"module", telemetry.ModuleExecution,
	)

	if err != nil {
		o.logDebug("Transport call errored", map[string]interface{}{
			"tool":        req.ToolName,
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		})
		return &core.ToolCallResult{
			RequestID:    req.ID,
			ToolName:     req.ToolName,
			Success:      false,
			ErrorMessage: err.Error(),
			Duration:     duration,
		}
	}

	if result == nil {
		return &core.ToolCallResult{
			RequestID:    req.ID,
			ToolName:     req.ToolName,
			Success:      false,
			ErrorMessage: "transport returned no result",
			Duration:     duration,
		}
	}

	if result.RequestID == "" {
		result.RequestID = req.ID
	}
	if result.ToolName == "" {
		result.ToolName = req.ToolName
	}
	result.Duration = duration
	return result
}

// markSchemaSuspect records a parameter-class failure against the schema
// cache and fires a background refresh. Success never triggers this: a call
// succeeding is not evidence of staleness. The refresh is never awaited.
func (o *ExecutionOrchestrator) markSchemaSuspect(ctx context.Context, result *core.ToolCallResult) {
	if o.cache == nil {
		return
	}
	o.cache.MarkRefreshNeeded(ctx, result.ToolName, result.ErrorMessage)
	if o.scheduler != nil {
		o.scheduler.RefreshIfStale(result.ToolName)
	}
	telemetry.Counter("schema.refresh_marked",
		"tool", result.ToolName,
		"module", telemetry.ModuleSchema,
	)
}

// lockTool returns the serialization lock for a tool name.
func (o *ExecutionOrchestrator) lockTool(toolName string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	m, ok := o.toolLocks[toolName]
	if !ok {
		m = &sync.Mutex{}
		o.toolLocks[toolName] = m
	}
	return m
}

// openContext returns the open retry context for the request's tool, if any,
// linking the request back to the original call.
func (o *ExecutionOrchestrator) openContext(req *core.ToolCallRequest) *RetryContext {
	o.mu.Lock()
	defer o.mu.Unlock()

	rc, ok := o.contexts[req.ToolName]
	if !ok || rc.Done() {
		return nil
	}
	req.OriginID = rc.Original.OriginID
	return rc
}

func (o *ExecutionOrchestrator) storeContext(toolName string, rc *RetryContext) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contexts[toolName] = rc
}

func (o *ExecutionOrchestrator) dropContext(toolName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.contexts, toolName)
}

// Logging helpers
func (o *ExecutionOrchestrator) logDebug(msg string, fields map[string]interface{}) {
	if o.logger != nil {
		o.logger.Debug(msg, fields)
	}
}

func (o *ExecutionOrchestrator) logInfo(msg string, fields map[string]interface{}) {
	if o.logger != nil {
		o.logger.Info(msg, fields)
	}
}

func (o *ExecutionOrchestrator) logError(msg string, fields map[string]interface{}) {
	if o.logger != nil {
		o.logger.Error(msg, fields)
	}
}
