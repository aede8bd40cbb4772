// Package resilience provides bounded retry with backoff and a circuit
// breaker. The retry engine uses Retry for transient transport failures
// (same payload, exponential backoff) and the breaker to keep a broken LLM
// classifier from stalling every failed tool call.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/agentmux/toolflow/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// WithBudget returns a copy capped to the given number of attempts. Callers
// that already spent part of a call's attempt budget use this so the backoff
// loop only consumes what remains.
func (c *RetryConfig) WithBudget(attempts int) *RetryConfig {
	cp := *c
	cp.MaxAttempts = attempts
	return &cp
}

// delayFor computes the sleep before the attempt after the given one.
// Jitter spreads replicas that fail in lockstep.
func (c *RetryConfig) delayFor(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if ceiling := float64(c.MaxDelay); d > ceiling {
		d = ceiling
	}
	if c.JitterEnabled {
		d += d * 0.1 * rand.Float64()
	}
	return time.Duration(d)
}

// Retry runs fn until it succeeds, spending at most config.MaxAttempts calls.
// The last error is wrapped with core.ErrMaxAttemptsExceeded on exhaustion so
// callers can distinguish budget exhaustion from the underlying failure.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		if attempt >= config.MaxAttempts {
			return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w",
				config.MaxAttempts, err, core.ErrMaxAttemptsExceeded)
		}

		if err := sleepContext(ctx, config.delayFor(attempt)); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}
