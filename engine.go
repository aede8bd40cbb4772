// Package toolflow is an adaptive tool-call execution and retry engine for
// LLM-driven agents. It invokes externally-described tools on behalf of a
// conversation loop, classifies failures (heuristics first, LLM fallback),
// infers corrective parameter values, and steers the next LLM turn with
// guidance messages - all bounded by a hard per-call attempt budget. A
// schema cache with staleness detection and a background refresh scheduler
// keep tool schemas current, because no amount of retrying fixes a prompt
// built from a stale schema.
//
// Typical usage:
//
//	engine, err := toolflow.New(transport, source, aiClient,
//	    toolflow.WithConversation(conv),
//	    toolflow.WithOptions(core.WithMaxAttempts(3)),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Shutdown()
//
//	report, err := engine.ExecuteAll(ctx, requests)
//	if report.RequiresLLMRetry {
//	    // run one more LLM turn over the updated conversation and feed
//	    // the new requests back into ExecuteAll
//	}
package toolflow

import (
	"context"

	"github.com/go-redis/redis/v8"

	"github.com/agentmux/toolflow/core"
	"github.com/agentmux/toolflow/execution"
	"github.com/agentmux/toolflow/resilience"
)

// Engine bundles the wired components: schema cache, refresh scheduler,
// classifier, inferencer, retry coordinator, and orchestrator.
type Engine struct {
	Config       *core.Config
	Cache        core.SchemaCache
	Scheduler    *execution.RefreshScheduler
	Orchestrator *execution.ExecutionOrchestrator

	logger core.Logger
}

// EngineOption configures an Engine during construction.
type EngineOption func(*engineSetup)

type engineSetup struct {
	logger       core.Logger
	conversation core.Conversation
	cache        core.SchemaCache
	redisClient  *redis.Client
	transforms   *execution.TransformTable
	configOpts   []core.Option
}

// WithLogger sets the structured logger used by every component.
func WithLogger(logger core.Logger) EngineOption {
	return func(s *engineSetup) {
		s.logger = logger
	}
}

// WithConversation sets the conversation guidance messages are appended to.
func WithConversation(conv core.Conversation) EngineOption {
	return func(s *engineSetup) {
		s.conversation = conv
	}
}

// WithSchemaCache substitutes a schema cache implementation. Tests use this
// to inject an in-memory cache with a controlled clock.
func WithSchemaCache(cache core.SchemaCache) EngineOption {
	return func(s *engineSetup) {
		s.cache = cache
	}
}

// WithRedisClient backs the schema cache with Redis so replicas share it.
func WithRedisClient(client *redis.Client) EngineOption {
	return func(s *engineSetup) {
		s.redisClient = client
	}
}

// WithTransforms replaces the static parameter rename table.
func WithTransforms(t *execution.TransformTable) EngineOption {
	return func(s *engineSetup) {
		s.transforms = t
	}
}

// WithOptions forwards configuration options to core.NewConfig.
func WithOptions(opts ...core.Option) EngineOption {
	return func(s *engineSetup) {
		s.configOpts = append(s.configOpts, opts...)
	}
}

// New wires an Engine from its three external collaborators: the tool-call
// transport, the schema-discovery source, and the LLM client. aiClient may
// be nil; classification then runs heuristics-only and parameter inference
// is disabled.
func New(transport core.Transport, source core.SchemaSource, aiClient core.AIClient, opts ...EngineOption) (*Engine, error) {
	setup := &engineSetup{}
	for _, opt := range opts {
		opt(setup)
	}

	cfg, err := core.NewConfig(setup.configOpts...)
	if err != nil {
		return nil, err
	}

	logger := setup.logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	redisClient := setup.redisClient
	if redisClient == nil && cfg.Cache.RedisURL != "" {
		redisOpts, parseErr := redis.ParseURL(cfg.Cache.RedisURL)
		if parseErr != nil {
			return nil, core.NewEngineError("engine.New", "configuration", parseErr)
		}
		redisClient = redis.NewClient(redisOpts)
	}

	cache := setup.cache
	if cache == nil {
		if redisClient != nil {
			cache = core.NewRedisSchemaCache(redisClient,
				core.WithPrefix(cfg.Cache.RedisPrefix),
				core.WithRedisStaleness(cfg.Cache.StalenessThreshold, cfg.Cache.RecentErrorWindow),
			)
		} else {
			cache = core.NewMemorySchemaCache(
				core.WithStaleness(cfg.Cache.StalenessThreshold, cfg.Cache.RecentErrorWindow),
			)
		}
	}

	breaker := resilience.NewCircuitBreaker(
		resilience.DefaultCircuitBreakerConfig("classifier-llm"))
	breaker.SetLogger(logger)

	classifier := execution.NewErrorClassifier(aiClient, logger,
		execution.WithLLMFallbackEnabled(cfg.Classifier.Enabled),
		execution.WithClassifierTokens(cfg.Classifier.MaxTokens),
		execution.WithClassifierBreaker(breaker),
	)
	inferencer := execution.NewParameterInferencer(aiClient, logger)

	coordinator := execution.NewRetryCoordinator(classifier, inferencer, cache, logger)
	if setup.transforms != nil {
		coordinator.SetTransformTable(setup.transforms)
	}

	var scheduler *execution.RefreshScheduler
	if source != nil {
		scheduler = execution.NewRefreshScheduler(cache, source, logger,
			execution.WithRefreshDelay(cfg.Refresh.Delay),
			execution.WithFetchTimeout(cfg.Refresh.FetchTimeout),
			execution.WithInterval(cfg.Refresh.Interval),
		)
		scheduler.Start()
	}

	orchestratorOpts := []execution.OrchestratorOption{
		execution.WithOrchestratorMaxAttempts(cfg.Retry.MaxAttempts),
		execution.WithOrchestratorConcurrency(cfg.Execution.MaxConcurrency),
		execution.WithOrchestratorCallTimeout(cfg.Execution.CallTimeout),
	}
	if scheduler != nil {
		orchestratorOpts = append(orchestratorOpts, execution.WithRefreshScheduler(scheduler))
	}

	orchestrator := execution.NewExecutionOrchestrator(
		transport, coordinator, cache, setup.conversation, logger, orchestratorOpts...)

	return &Engine{
		Config:       cfg,
		Cache:        cache,
		Scheduler:    scheduler,
		Orchestrator: orchestrator,
		logger:       logger,
	}, nil
}

// ExecuteAll runs a batch of tool calls through the orchestrator. See
// execution.ExecutionOrchestrator.ExecuteAll for the retry contract.
func (e *Engine) ExecuteAll(ctx context.Context, requests []*core.ToolCallRequest) (*execution.ExecutionReport, error) {
	return e.Orchestrator.ExecuteAll(ctx, requests)
}

// RefreshAllStale synchronously refreshes every stale cached schema.
func (e *Engine) RefreshAllStale(ctx context.Context) (*core.RefreshSummary, error) {
	if e.Scheduler == nil {
		return nil, core.NewEngineError("engine.RefreshAllStale", "configuration",
			core.ErrInvalidConfiguration)
	}
	return e.Scheduler.RefreshAllStale(ctx)
}

// Shutdown stops the background refresh loop and waits for in-flight
// refreshes to drain.
func (e *Engine) Shutdown() {
	if e.Scheduler != nil {
		e.Scheduler.Stop()
	}
}
