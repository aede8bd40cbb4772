package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// SchemaCacheEntry is the per-tool cached schema plus the bookkeeping that
// drives staleness detection. Exactly one entry exists per tool identity.
// Hash and RefreshedAt only move forward; the entry is deleted only when the
// external catalog deregisters the tool.
type SchemaCacheEntry struct {
	ToolName string          `json:"tool_name"`
	Schema   *ToolDescriptor `json:"schema"`

	// Hash is a content hash of the schema, for change detection.
	Hash string `json:"hash"`

	// RefreshedAt is when the schema was last fetched from the source.
	RefreshedAt time.Time `json:"refreshed_at"`

	// RefreshCount counts refreshes, including ones that found no change.
	RefreshCount int64 `json:"refresh_count"`

	// AutoRefresh enables error-triggered staleness for this tool.
	AutoRefresh bool `json:"auto_refresh"`

	// LastErrorAt is when an error was last recorded against this tool.
	// Zero when no error has been recorded. Recording an error never
	// touches the cached schema itself; refresh is a separate act.
	LastErrorAt time.Time `json:"last_error_at,omitempty"`

	// LastError is the most recent recorded error message.
	LastError string `json:"last_error,omitempty"`
}

// SchemaCache stores last-known tool schemas with staleness detection.
// Shared, mutable state: read by many concurrent conversations, written by
// the refresh scheduler and by orchestrators observing schema-mismatch
// failures. Writes are idempotent upserts keyed by tool name; stale reads are
// tolerated because a conversation on a slightly-stale schema just hits the
// normal retry path.
type SchemaCache interface {
	// Get retrieves the cached entry for a tool.
	// Returns the entry and true if present, nil and false otherwise.
	Get(ctx context.Context, toolName string) (*SchemaCacheEntry, bool)

	// Upsert stores the given schema, recomputing the content hash.
	// The refresh counter and timestamp always advance; the hash only moves
	// when the schema actually changed. Any recorded error is cleared: the
	// refresh is the answer to the staleness signal.
	Upsert(ctx context.Context, toolName string, schema *ToolDescriptor) error

	// IsStale reports whether a tool's entry needs refreshing. An entry is
	// stale if it does not exist, if it is older than the staleness
	// threshold, or if an error was recorded within the recent-error window
	// and auto-refresh is enabled for the tool.
	IsStale(ctx context.Context, toolName string) bool

	// MarkRefreshNeeded records an error against the tool without altering
	// the cached schema.
	MarkRefreshNeeded(ctx context.Context, toolName, errorMessage string)

	// SetAutoRefresh toggles error-triggered refresh for a tool.
	SetAutoRefresh(ctx context.Context, toolName string, enabled bool)

	// Remove deletes a tool's entry. Only the external catalog's
	// deregistration path should call this.
	Remove(ctx context.Context, toolName string) error

	// ToolNames lists all cached tool names.
	ToolNames(ctx context.Context) []string

	// Stats returns cache statistics for monitoring.
	Stats() map[string]interface{}
}

// HashSchema computes the content hash used for schema change detection.
// Canonical JSON keeps the hash stable across equivalent descriptors.
func HashSchema(schema *ToolDescriptor) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])[:16]
}

// MemorySchemaCache is the in-process SchemaCache. The clock is injectable so
// staleness can be tested without sleeping.
type MemorySchemaCache struct {
	mu      sync.RWMutex
	entries map[string]*SchemaCacheEntry

	stalenessThreshold time.Duration
	recentErrorWindow  time.Duration
	autoRefreshDefault bool
	now                func() time.Time

	// Stats
	hits   int64
	misses int64
}

// MemorySchemaCacheOption customizes a MemorySchemaCache.
type MemorySchemaCacheOption func(*MemorySchemaCache)

// WithStaleness overrides the staleness threshold and recent-error window.
func WithStaleness(threshold, errorWindow time.Duration) MemorySchemaCacheOption {
	return func(c *MemorySchemaCache) {
		c.stalenessThreshold = threshold
		c.recentErrorWindow = errorWindow
	}
}

// WithClock injects a clock. Tests use this to control staleness.
func WithClock(now func() time.Time) MemorySchemaCacheOption {
	return func(c *MemorySchemaCache) {
		c.now = now
	}
}

// WithAutoRefreshDefault sets whether new entries start with auto-refresh on.
func WithAutoRefreshDefault(enabled bool) MemorySchemaCacheOption {
	return func(c *MemorySchemaCache) {
		c.autoRefreshDefault = enabled
	}
}

// NewMemorySchemaCache creates an in-memory schema cache.
func NewMemorySchemaCache(opts ...MemorySchemaCacheOption) *MemorySchemaCache {
	c := &MemorySchemaCache{
		entries:            make(map[string]*SchemaCacheEntry),
		stalenessThreshold: DefaultStalenessThreshold,
		recentErrorWindow:  DefaultRecentErrorWindow,
		autoRefreshDefault: true,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves the cached entry for a tool. A copy is returned so callers
// cannot mutate cache state behind the lock.
func (c *MemorySchemaCache) Get(ctx context.Context, toolName string) (*SchemaCacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[toolName]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	cp := *entry
	return &cp, true
}

// Upsert stores the schema, recomputing the content hash. Counter and
// timestamp always advance so round-trips with identical schemas are
// observable as refreshes. The error marker is cleared so a just-refreshed
// entry does not keep re-triggering discovery for the rest of the window.
func (c *MemorySchemaCache) Upsert(ctx context.Context, toolName string, schema *ToolDescriptor) error {
	hash := HashSchema(schema)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[toolName]
	if !ok {
		entry = &SchemaCacheEntry{
			ToolName:    toolName,
			AutoRefresh: c.autoRefreshDefault,
		}
		c.entries[toolName] = entry
	}

	entry.Schema = schema
	entry.Hash = hash
	entry.RefreshedAt = c.now()
	entry.RefreshCount++
	entry.LastErrorAt = time.Time{}
	entry.LastError = ""
	return nil
}

// IsStale implements the triple staleness condition.
func (c *MemorySchemaCache) IsStale(ctx context.Context, toolName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[toolName]
	if !ok {
		return true
	}
	return entryIsStale(entry, c.now(), c.stalenessThreshold, c.recentErrorWindow)
}

// entryIsStale is shared with the Redis-backed cache so both implementations
// agree on the staleness policy.
func entryIsStale(entry *SchemaCacheEntry, now time.Time, threshold, errorWindow time.Duration) bool {
	if now.Sub(entry.RefreshedAt) > threshold {
		return true
	}
	if entry.AutoRefresh && !entry.LastErrorAt.IsZero() &&
		now.Sub(entry.LastErrorAt) <= errorWindow {
		return true
	}
	return false
}

// MarkRefreshNeeded records an error timestamp against the tool. The cached
// schema is left untouched; refreshing is the scheduler's job.
func (c *MemorySchemaCache) MarkRefreshNeeded(ctx context.Context, toolName, errorMessage string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[toolName]
	if !ok {
		// Record the error on a schema-less placeholder; the entry is
		// stale by absence of a schema and the scheduler will fill it in.
		entry = &SchemaCacheEntry{
			ToolName:    toolName,
			AutoRefresh: c.autoRefreshDefault,
		}
		c.entries[toolName] = entry
	}

	entry.LastErrorAt = c.now()
	entry.LastError = errorMessage
}

// SetAutoRefresh toggles error-triggered refresh for a tool.
func (c *MemorySchemaCache) SetAutoRefresh(ctx context.Context, toolName string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[toolName]; ok {
		entry.AutoRefresh = enabled
	}
}

// Remove deletes a tool's entry.
func (c *MemorySchemaCache) Remove(ctx context.Context, toolName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, toolName)
	return nil
}

// ToolNames lists all cached tool names.
func (c *MemorySchemaCache) ToolNames(ctx context.Context) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	return names
}

// Stats returns cache performance statistics for monitoring.
func (c *MemorySchemaCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	stats := map[string]interface{}{
		"entries":       len(c.entries),
		"hits":          c.hits,
		"misses":        c.misses,
		"total_lookups": total,
	}
	if total > 0 {
		stats["hit_rate"] = float64(c.hits) / float64(total)
	}
	return stats
}
