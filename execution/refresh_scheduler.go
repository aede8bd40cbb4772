package execution

import (
	"context"
	"sync"
	"time"

	"github.com/agentmux/toolflow/core"
	"github.com/agentmux/toolflow/telemetry"
)

// RefreshScheduler keeps the schema cache current. It refreshes stale
// entries either on demand (fire-and-forget, triggered from the request
// path) or in periodic batch passes, so future prompts are built from
// current schemas. Retry logic alone cannot fix a fundamentally wrong cached
// schema; re-fetching is the only cure for drift.
type RefreshScheduler struct {
	cache  core.SchemaCache
	source core.SchemaSource
	logger core.Logger

	delay        time.Duration
	fetchTimeout time.Duration
	interval     time.Duration

	// inFlight dedupes concurrent background refreshes per tool.
	inFlight sync.Map

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// SchedulerOption configures a RefreshScheduler
type SchedulerOption func(*RefreshScheduler)

// WithRefreshDelay sets the pause between per-tool fetches in a batch pass.
// The delay keeps a batch from hammering the schema-discovery collaborator.
func WithRefreshDelay(d time.Duration) SchedulerOption {
	return func(s *RefreshScheduler) {
		s.delay = d
	}
}

// WithFetchTimeout bounds one schema fetch.
func WithFetchTimeout(d time.Duration) SchedulerOption {
	return func(s *RefreshScheduler) {
		s.fetchTimeout = d
	}
}

// WithInterval enables the periodic batch loop started by Start.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *RefreshScheduler) {
		s.interval = d
	}
}

// NewRefreshScheduler creates a scheduler.
func NewRefreshScheduler(cache core.SchemaCache, source core.SchemaSource, logger core.Logger, opts ...SchedulerOption) *RefreshScheduler {
	s := &RefreshScheduler{
		cache:        cache,
		source:       source,
		logger:       logger,
		delay:        core.DefaultRefreshDelay,
		fetchTimeout: core.DefaultFetchTimeout,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RefreshIfStale fires a background refresh for the tool when its entry is
// stale. Callers must not wait on it: the request path is never slowed down
// by a refresh and correctness never depends on it completing.
func (s *RefreshScheduler) RefreshIfStale(toolName string) {
	if _, loaded := s.inFlight.LoadOrStore(toolName, struct{}{}); loaded {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Delete(toolName)

		ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
		defer cancel()

		if !s.cache.IsStale(ctx, toolName) {
			return
		}
		if err := s.refreshOne(ctx, toolName); err != nil {
			s.logWarn("Background schema refresh failed", map[string]interface{}{
				"tool":  toolName,
				"error": err.Error(),
			})
		}
	}()
}

// RefreshAllStale walks every registered tool and refreshes the stale ones,
// pausing between fetches. Blocking; intended for periodic/cron-style
// invocation.
func (s *RefreshScheduler) RefreshAllStale(ctx context.Context) (*core.RefreshSummary, error) {
	start := time.Now()
	summary := &core.RefreshSummary{}

	tools, err := s.source.ListTools(ctx)
	if err != nil {
		return nil, core.NewEngineError("scheduler.RefreshAllStale", "discovery", err)
	}

	s.logInfo("Starting batch schema refresh", map[string]interface{}{
		"operation": "refresh_all_stale",
		"tools":     len(tools),
	})

	for i, toolName := range tools {
		if ctx.Err() != nil {
			summary.Duration = time.Since(start)
			return summary, ctx.Err()
		}

		summary.Scanned++

		if !s.cache.IsStale(ctx, toolName) {
			summary.Skipped++
			continue
		}

		if err := s.refreshOne(ctx, toolName); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, err.Error())
			s.logWarn("Schema refresh failed", map[string]interface{}{
				"tool":  toolName,
				"error": err.Error(),
			})
		} else {
			summary.Refreshed++
		}

		// Pace the discovery collaborator between fetches.
		if s.delay > 0 && i < len(tools)-1 {
			timer := time.NewTimer(s.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				summary.Duration = time.Since(start)
				return summary, ctx.Err()
			case <-timer.C:
			}
		}
	}

	summary.Duration = time.Since(start)

	telemetry.Histogram("schema.batch_refresh_ms",
		float64(summary.Duration.Milliseconds()),
		"module", telemetry.ModuleSchema,
	)

	s.logInfo("Batch schema refresh completed", map[string]interface{}{
		"operation": "refresh_all_stale_complete",
		"scanned":   summary.Scanned,
		"refreshed": summary.Refreshed,
		"skipped":   summary.Skipped,
		"failed":    summary.Failed,
	})

	return summary, nil
}

// refreshOne fetches the tool's current schema and upserts the cache.
func (s *RefreshScheduler) refreshOne(ctx context.Context, toolName string) error {
	fetchCtx := ctx
	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	schema, err := s.source.FetchSchema(fetchCtx, toolName)
	if err != nil {
		telemetry.Counter("schema.refresh_errors",
			"tool", toolName,
			"module", telemetry.ModuleSchema,
		)
		return core.NewEngineError("scheduler.refreshOne", "discovery", err)
	}

	if err := s.cache.Upsert(ctx, toolName, schema); err != nil {
		return core.NewEngineError("scheduler.refreshOne", "cache", err)
	}

	telemetry.Counter("schema.refreshes",
		"tool", toolName,
		"module", telemetry.ModuleSchema,
	)

	s.logDebug("Schema refreshed", map[string]interface{}{
		"tool": toolName,
	})
	return nil
}

// Start launches the periodic batch loop when an interval is configured.
// Safe to call once; Stop shuts the loop down.
func (s *RefreshScheduler) Start() {
	if s.interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := s.RefreshAllStale(context.Background()); err != nil {
					s.logWarn("Periodic schema refresh failed", map[string]interface{}{
						"error": err.Error(),
					})
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the periodic loop and waits for in-flight background
// refreshes to finish.
func (s *RefreshScheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Logging helpers
func (s *RefreshScheduler) logDebug(msg string, fields map[string]interface{}) {
	if s.logger != nil {
		s.logger.Debug(msg, fields)
	}
}

func (s *RefreshScheduler) logInfo(msg string, fields map[string]interface{}) {
	if s.logger != nil {
		s.logger.Info(msg, fields)
	}
}

func (s *RefreshScheduler) logWarn(msg string, fields map[string]interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, fields)
	}
}
