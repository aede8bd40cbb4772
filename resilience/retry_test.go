package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentmux/toolflow/core"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetry_Exhaustion(t *testing.T) {
	calls := 0
	underlying := errors.New("still broken")
	err := Retry(context.Background(), fastConfig(3), func() error {
		calls++
		return underlying
	})
	if err == nil {
		t.Fatal("Retry succeeded, want exhaustion error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want exactly 3", calls)
	}
	if !errors.Is(err, core.ErrMaxAttemptsExceeded) {
		t.Errorf("err = %v, want ErrMaxAttemptsExceeded in chain", err)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	cfg := &RetryConfig{
		MaxAttempts:   10,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		calls++
		return errors.New("failing")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls >= 10 {
		t.Errorf("calls = %d, cancellation did not interrupt the loop", calls)
	}
}

func TestRetryConfig_WithBudget(t *testing.T) {
	base := fastConfig(5)
	capped := base.WithBudget(2)

	if capped.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, want 2", capped.MaxAttempts)
	}
	if base.MaxAttempts != 5 {
		t.Errorf("WithBudget mutated the base config: MaxAttempts = %d", base.MaxAttempts)
	}
	if capped.InitialDelay != base.InitialDelay || capped.BackoffFactor != base.BackoffFactor {
		t.Error("WithBudget did not carry the backoff settings over")
	}

	calls := 0
	err := Retry(context.Background(), capped, func() error {
		calls++
		return errors.New("still broken")
	})
	if calls != 2 {
		t.Errorf("calls = %d, want exactly the capped budget of 2", calls)
	}
	if !errors.Is(err, core.ErrMaxAttemptsExceeded) {
		t.Errorf("err = %v, want ErrMaxAttemptsExceeded in chain", err)
	}
}

func TestRetryConfig_DelaySchedule(t *testing.T) {
	cfg := &RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second}, // capped at MaxDelay
		{6, time.Second},
	}
	for _, tt := range tests {
		if got := cfg.delayFor(tt.attempt); got != tt.want {
			t.Errorf("delayFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryConfig_JitterStaysBounded(t *testing.T) {
	cfg := &RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}

	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := cfg.delayFor(1)
		if d < base || d > base+base/10 {
			t.Fatalf("delayFor(1) = %v, want within [%v, %v]", d, base, base+base/10)
		}
	}
}

func TestRetry_NilConfigUsesDefaults(t *testing.T) {
	err := Retry(context.Background(), nil, func() error { return nil })
	if err != nil {
		t.Fatalf("Retry with nil config failed: %v", err)
	}
}

func TestRetryWithCircuitBreaker_OpenBreakerShortCircuits(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:              "test",
		FailureThreshold:  1,
		RecoveryTimeout:   time.Hour,
		HalfOpenSuccesses: 1,
	})

	calls := 0
	err := RetryWithCircuitBreaker(context.Background(), fastConfig(3), cb, func() error {
		calls++
		return errors.New("failing")
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	// First attempt opens the breaker; the remaining attempts are rejected
	// without invoking fn.
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, core.ErrCircuitBreakerOpen) {
		t.Errorf("err = %v, want ErrCircuitBreakerOpen in chain", err)
	}
}

func TestRetryWithCircuitBreaker_RecordsSuccess(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"))

	err := RetryWithCircuitBreaker(context.Background(), fastConfig(3), cb, func() error {
		return nil
	})
	if err != nil {
		t.Fatalf("RetryWithCircuitBreaker failed: %v", err)
	}
	if cb.GetState() != "closed" {
		t.Errorf("state = %q, want closed", cb.GetState())
	}
}
