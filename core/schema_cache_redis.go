package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSchemaCache provides Redis-backed schema caching shared across engine
// replicas. Entries are stored as JSON under a configurable prefix with a TTL
// safety net; staleness is still computed from the entry's own timestamps so
// all replicas apply the same policy.
//
// Writes are last-write-wins replaces keyed by tool name. That is enough
// here: stale reads are tolerated and upserts are idempotent.
type RedisSchemaCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string

	stalenessThreshold time.Duration
	recentErrorWindow  time.Duration
	autoRefreshDefault bool
	now                func() time.Time

	// Stats (atomic for thread-safety)
	hits   int64
	misses int64
}

// RedisSchemaCacheOption allows customization of the Redis cache behavior.
type RedisSchemaCacheOption func(*RedisSchemaCache)

// WithTTL sets the TTL for entries in Redis.
// Default is DefaultSchemaCacheTTL. The TTL is an eviction backstop, not the
// staleness policy; keep it above the staleness threshold.
func WithTTL(ttl time.Duration) RedisSchemaCacheOption {
	return func(c *RedisSchemaCache) {
		c.ttl = ttl
	}
}

// WithPrefix sets the Redis key prefix for cache entries.
// Default is DefaultRedisPrefix. Useful for multi-tenant deployments.
func WithPrefix(prefix string) RedisSchemaCacheOption {
	return func(c *RedisSchemaCache) {
		c.prefix = prefix
	}
}

// WithRedisStaleness overrides the staleness threshold and error window.
func WithRedisStaleness(threshold, errorWindow time.Duration) RedisSchemaCacheOption {
	return func(c *RedisSchemaCache) {
		c.stalenessThreshold = threshold
		c.recentErrorWindow = errorWindow
	}
}

// WithRedisClock injects a clock for staleness testing.
func WithRedisClock(now func() time.Time) RedisSchemaCacheOption {
	return func(c *RedisSchemaCache) {
		c.now = now
	}
}

// NewRedisSchemaCache creates a Redis-backed schema cache.
//
// Example usage:
//
//	cache := NewRedisSchemaCache(redisClient,
//	    WithPrefix("myapp:schemas:"),
//	    WithRedisStaleness(24*time.Hour, time.Hour),
//	)
func NewRedisSchemaCache(redisClient *redis.Client, opts ...RedisSchemaCacheOption) *RedisSchemaCache {
	cache := &RedisSchemaCache{
		client:             redisClient,
		ttl:                DefaultSchemaCacheTTL,
		prefix:             DefaultRedisPrefix,
		stalenessThreshold: DefaultStalenessThreshold,
		recentErrorWindow:  DefaultRecentErrorWindow,
		autoRefreshDefault: true,
		now:                time.Now,
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache
}

func (c *RedisSchemaCache) key(toolName string) string {
	return fmt.Sprintf("%s%s", c.prefix, toolName)
}

// load fetches and decodes an entry. Redis errors and corrupt payloads are
// treated as misses so the caller degrades to the refresh path.
func (c *RedisSchemaCache) load(ctx context.Context, toolName string) (*SchemaCacheEntry, bool) {
	val, err := c.client.Get(ctx, c.key(toolName)).Result()
	if err == redis.Nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	var entry SchemaCacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return &entry, true
}

// store writes an entry back to Redis.
func (c *RedisSchemaCache) store(ctx context.Context, entry *SchemaCacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(entry.ToolName), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache entry in Redis: %w", err)
	}
	return nil
}

// Get retrieves the cached entry for a tool.
func (c *RedisSchemaCache) Get(ctx context.Context, toolName string) (*SchemaCacheEntry, bool) {
	return c.load(ctx, toolName)
}

// Upsert stores the schema, recomputing the content hash. Counter and
// timestamp always advance even when the schema is unchanged, and the error
// marker is cleared so the refreshed entry reads as fresh again.
func (c *RedisSchemaCache) Upsert(ctx context.Context, toolName string, schema *ToolDescriptor) error {
	entry, ok := c.load(ctx, toolName)
	if !ok {
		entry = &SchemaCacheEntry{
			ToolName:    toolName,
			AutoRefresh: c.autoRefreshDefault,
		}
	}

	entry.Schema = schema
	entry.Hash = HashSchema(schema)
	entry.RefreshedAt = c.now()
	entry.RefreshCount++
	entry.LastErrorAt = time.Time{}
	entry.LastError = ""

	return c.store(ctx, entry)
}

// IsStale applies the same staleness policy as the in-memory cache.
func (c *RedisSchemaCache) IsStale(ctx context.Context, toolName string) bool {
	entry, ok := c.load(ctx, toolName)
	if !ok {
		return true
	}
	return entryIsStale(entry, c.now(), c.stalenessThreshold, c.recentErrorWindow)
}

// MarkRefreshNeeded records an error against the tool without touching the
// cached schema. Errors writing the marker are swallowed: losing the signal
// only delays a refresh, it never corrupts state.
func (c *RedisSchemaCache) MarkRefreshNeeded(ctx context.Context, toolName, errorMessage string) {
	entry, ok := c.load(ctx, toolName)
	if !ok {
		entry = &SchemaCacheEntry{
			ToolName:    toolName,
			AutoRefresh: c.autoRefreshDefault,
		}
	}

	entry.LastErrorAt = c.now()
	entry.LastError = errorMessage
	_ = c.store(ctx, entry)
}

// SetAutoRefresh toggles error-triggered refresh for a tool.
func (c *RedisSchemaCache) SetAutoRefresh(ctx context.Context, toolName string, enabled bool) {
	entry, ok := c.load(ctx, toolName)
	if !ok {
		return
	}
	entry.AutoRefresh = enabled
	_ = c.store(ctx, entry)
}

// Remove deletes a tool's entry.
func (c *RedisSchemaCache) Remove(ctx context.Context, toolName string) error {
	if err := c.client.Del(ctx, c.key(toolName)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// ToolNames lists all cached tool names via key scan.
func (c *RedisSchemaCache) ToolNames(ctx context.Context) []string {
	var names []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		names = append(names, iter.Val()[len(c.prefix):])
	}
	return names
}

// Stats returns cache performance statistics for monitoring.
func (c *RedisSchemaCache) Stats() map[string]interface{} {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses

	stats := map[string]interface{}{
		"hits":          hits,
		"misses":        misses,
		"total_lookups": total,
	}
	if total > 0 {
		stats["hit_rate"] = float64(hits) / float64(total)
	}
	return stats
}
