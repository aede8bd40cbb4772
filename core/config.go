package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the retry engine.
// It supports three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// A YAML file may be loaded between layers 1 and 2 with WithConfigFile.
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithMaxAttempts(5),
//	    core.WithStalenessThreshold(24 * time.Hour),
//	)
type Config struct {
	// Retry configuration
	Retry RetryConfig `yaml:"retry"`

	// Schema cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Refresh scheduler configuration
	Refresh RefreshConfig `yaml:"refresh"`

	// Execution configuration
	Execution ExecutionConfig `yaml:"execution"`

	// Classifier LLM configuration
	Classifier ClassifierConfig `yaml:"classifier"`

	// loadErr records a config file failure so NewConfig surfaces it
	// through Validate instead of silently running on defaults.
	loadErr error
}

// RetryConfig bounds the per-call retry lifecycle.
type RetryConfig struct {
	// MaxAttempts is the hard ceiling on attempts for one original call.
	MaxAttempts int `yaml:"max_attempts"`
}

// CacheConfig controls schema staleness detection.
type CacheConfig struct {
	// StalenessThreshold is the max age of an entry before it is stale.
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`

	// RecentErrorWindow is how long a recorded error keeps marking an
	// auto-refresh entry stale.
	RecentErrorWindow time.Duration `yaml:"recent_error_window"`

	// RedisURL enables the Redis-backed cache when set.
	RedisURL string `yaml:"redis_url"`

	// RedisPrefix namespaces cache keys in Redis.
	RedisPrefix string `yaml:"redis_prefix"`
}

// RefreshConfig controls the background scheduler.
type RefreshConfig struct {
	// Interval between periodic batch refresh passes. Zero disables the loop.
	Interval time.Duration `yaml:"interval"`

	// Delay between per-tool fetches within one batch pass.
	Delay time.Duration `yaml:"delay"`

	// FetchTimeout bounds one schema fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// ExecutionConfig controls batch execution.
type ExecutionConfig struct {
	// MaxConcurrency caps parallel tool invocations within one batch.
	MaxConcurrency int `yaml:"max_concurrency"`

	// CallTimeout bounds one transport call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ClassifierConfig controls the LLM-assisted classification pass.
type ClassifierConfig struct {
	// Enabled toggles the LLM fallback. Heuristics always run.
	Enabled bool `yaml:"enabled"`

	// Temperature for classification and inference calls.
	Temperature float32 `yaml:"temperature"`

	// MaxTokens for classification responses.
	MaxTokens int `yaml:"max_tokens"`
}

// Defaults
const (
	DefaultMaxAttempts        = 3
	DefaultStalenessThreshold = 7 * 24 * time.Hour
	DefaultRecentErrorWindow  = time.Hour
	DefaultRefreshDelay       = 200 * time.Millisecond
	DefaultFetchTimeout       = 15 * time.Second
	DefaultMaxConcurrency     = 5
	DefaultCallTimeout        = 30 * time.Second
	DefaultClassifierTokens   = 500
	DefaultRedisPrefix        = "toolflow:schema:"

	// DefaultSchemaCacheTTL bounds how long Redis keeps an entry that nothing
	// refreshes. Kept above the staleness threshold so staleness, not
	// eviction, drives refresh.
	DefaultSchemaCacheTTL = 14 * 24 * time.Hour
)

// Option is a functional configuration option.
type Option func(*Config)

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Retry: RetryConfig{MaxAttempts: DefaultMaxAttempts},
		Cache: CacheConfig{
			StalenessThreshold: DefaultStalenessThreshold,
			RecentErrorWindow:  DefaultRecentErrorWindow,
			RedisPrefix:        DefaultRedisPrefix,
		},
		Refresh: RefreshConfig{
			Delay:        DefaultRefreshDelay,
			FetchTimeout: DefaultFetchTimeout,
		},
		Execution: ExecutionConfig{
			MaxConcurrency: DefaultMaxConcurrency,
			CallTimeout:    DefaultCallTimeout,
		},
		Classifier: ClassifierConfig{
			Enabled:     true,
			Temperature: 0.0,
			MaxTokens:   DefaultClassifierTokens,
		},
	}
}

// NewConfig builds a Config from defaults, environment variables, and options.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()
	cfg.applyEnvironment()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironment overlays environment variables onto the config.
func (c *Config) applyEnvironment() {
	if v := os.Getenv("TOOLFLOW_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("TOOLFLOW_STALENESS_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.StalenessThreshold = d
		}
	}
	if v := os.Getenv("TOOLFLOW_RECENT_ERROR_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Cache.RecentErrorWindow = d
		}
	}
	if v := os.Getenv("TOOLFLOW_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("TOOLFLOW_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Refresh.Interval = d
		}
	}
	if v := os.Getenv("TOOLFLOW_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Execution.MaxConcurrency = n
		}
	}
	if v := os.Getenv("TOOLFLOW_CLASSIFIER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Classifier.Enabled = b
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.loadErr != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, c.loadErr)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d",
			ErrInvalidConfiguration, c.Retry.MaxAttempts)
	}
	if c.Execution.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be >= 1, got %d",
			ErrInvalidConfiguration, c.Execution.MaxConcurrency)
	}
	if c.Cache.StalenessThreshold <= 0 {
		return fmt.Errorf("%w: staleness threshold must be positive",
			ErrInvalidConfiguration)
	}
	if c.Cache.RecentErrorWindow <= 0 {
		return fmt.Errorf("%w: recent error window must be positive",
			ErrInvalidConfiguration)
	}
	return nil
}

// fileConfig mirrors Config for YAML decoding. Durations are strings in the
// file ("72h", "200ms") and parsed with time.ParseDuration; pointer fields
// distinguish "absent" from zero so the file only overrides what it names.
type fileConfig struct {
	Retry struct {
		MaxAttempts *int `yaml:"max_attempts"`
	} `yaml:"retry"`
	Cache struct {
		StalenessThreshold *string `yaml:"staleness_threshold"`
		RecentErrorWindow  *string `yaml:"recent_error_window"`
		RedisURL           *string `yaml:"redis_url"`
		RedisPrefix        *string `yaml:"redis_prefix"`
	} `yaml:"cache"`
	Refresh struct {
		Interval     *string `yaml:"interval"`
		Delay        *string `yaml:"delay"`
		FetchTimeout *string `yaml:"fetch_timeout"`
	} `yaml:"refresh"`
	Execution struct {
		MaxConcurrency *int    `yaml:"max_concurrency"`
		CallTimeout    *string `yaml:"call_timeout"`
	} `yaml:"execution"`
	Classifier struct {
		Enabled     *bool    `yaml:"enabled"`
		Temperature *float32 `yaml:"temperature"`
		MaxTokens   *int     `yaml:"max_tokens"`
	} `yaml:"classifier"`
}

func parseFileDuration(dst *time.Duration, raw *string) error {
	if raw == nil {
		return nil
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", *raw, err)
	}
	*dst = d
	return nil
}

// LoadConfigFile reads a YAML config file over the receiver.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if fc.Retry.MaxAttempts != nil {
		c.Retry.MaxAttempts = *fc.Retry.MaxAttempts
	}
	if err := parseFileDuration(&c.Cache.StalenessThreshold, fc.Cache.StalenessThreshold); err != nil {
		return fmt.Errorf("config file %s: cache.staleness_threshold: %w", path, err)
	}
	if err := parseFileDuration(&c.Cache.RecentErrorWindow, fc.Cache.RecentErrorWindow); err != nil {
		return fmt.Errorf("config file %s: cache.recent_error_window: %w", path, err)
	}
	if fc.Cache.RedisURL != nil {
		c.Cache.RedisURL = *fc.Cache.RedisURL
	}
	if fc.Cache.RedisPrefix != nil {
		c.Cache.RedisPrefix = *fc.Cache.RedisPrefix
	}
	if err := parseFileDuration(&c.Refresh.Interval, fc.Refresh.Interval); err != nil {
		return fmt.Errorf("config file %s: refresh.interval: %w", path, err)
	}
	if err := parseFileDuration(&c.Refresh.Delay, fc.Refresh.Delay); err != nil {
		return fmt.Errorf("config file %s: refresh.delay: %w", path, err)
	}
	if err := parseFileDuration(&c.Refresh.FetchTimeout, fc.Refresh.FetchTimeout); err != nil {
		return fmt.Errorf("config file %s: refresh.fetch_timeout: %w", path, err)
	}
	if fc.Execution.MaxConcurrency != nil {
		c.Execution.MaxConcurrency = *fc.Execution.MaxConcurrency
	}
	if err := parseFileDuration(&c.Execution.CallTimeout, fc.Execution.CallTimeout); err != nil {
		return fmt.Errorf("config file %s: execution.call_timeout: %w", path, err)
	}
	if fc.Classifier.Enabled != nil {
		c.Classifier.Enabled = *fc.Classifier.Enabled
	}
	if fc.Classifier.Temperature != nil {
		c.Classifier.Temperature = *fc.Classifier.Temperature
	}
	if fc.Classifier.MaxTokens != nil {
		c.Classifier.MaxTokens = *fc.Classifier.MaxTokens
	}
	return nil
}

// Functional options

// WithMaxAttempts sets the per-call attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(c *Config) { c.Retry.MaxAttempts = n }
}

// WithStalenessThreshold sets the cache entry age limit.
func WithStalenessThreshold(d time.Duration) Option {
	return func(c *Config) { c.Cache.StalenessThreshold = d }
}

// WithRecentErrorWindow sets how long a recorded error marks an entry stale.
func WithRecentErrorWindow(d time.Duration) Option {
	return func(c *Config) { c.Cache.RecentErrorWindow = d }
}

// WithRedisURL enables the Redis-backed schema cache.
func WithRedisURL(url string) Option {
	return func(c *Config) { c.Cache.RedisURL = url }
}

// WithRefreshInterval enables the periodic batch refresh loop.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Config) { c.Refresh.Interval = d }
}

// WithRefreshDelay sets the inter-tool delay within one batch pass.
func WithRefreshDelay(d time.Duration) Option {
	return func(c *Config) { c.Refresh.Delay = d }
}

// WithMaxConcurrency caps parallel tool invocations per batch.
func WithMaxConcurrency(n int) Option {
	return func(c *Config) { c.Execution.MaxConcurrency = n }
}

// WithCallTimeout bounds one transport call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Config) { c.Execution.CallTimeout = d }
}

// WithClassifierEnabled toggles the LLM classification fallback.
func WithClassifierEnabled(enabled bool) Option {
	return func(c *Config) { c.Classifier.Enabled = enabled }
}

// WithConfigFile loads a YAML file over the current values.
// File values sit between defaults and later options. An absent file is
// tolerated; an unreadable or malformed one fails NewConfig.
func WithConfigFile(path string) Option {
	return func(c *Config) {
		if err := c.LoadConfigFile(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return
			}
			c.loadErr = err
		}
	}
}
