package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agentmux/toolflow/core"
)

// CircuitState represents the breaker state
type CircuitState int

const (
	// StateClosed - normal operation, requests pass through
	StateClosed CircuitState = iota
	// StateOpen - threshold exceeded, requests fail immediately
	StateOpen
	// StateHalfOpen - probing whether the dependency recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs and metrics
	Name string

	// FailureThreshold is consecutive failures before opening
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing
	RecoveryTimeout time.Duration

	// HalfOpenSuccesses is successful probes required to close again
	HalfOpenSuccesses int
}

// DefaultCircuitBreakerConfig provides sensible defaults
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:              name,
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker protects a dependency from being hammered while it is
// failing. The engine wraps LLM classification calls with one so a broken
// classifier degrades to heuristics-only instead of adding latency and cost
// to every failed tool call.
type CircuitBreaker struct {
	mu     sync.Mutex
	config *CircuitBreakerConfig
	logger core.Logger

	state             CircuitState
	consecutiveFails  int
	halfOpenSuccesses int
	openedAt          time.Time

	// Metrics
	successes   int64
	failures    int64
	rejections  int64
	transitions int64

	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// SetLogger sets the logger for state transition events
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.logger = logger
}

// CanExecute returns true if the breaker would allow execution.
// An open breaker transitions to half-open once the recovery timeout elapses.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionLocked(StateHalfOpen)
			return true
		}
		cb.rejections++
		return false
	}
	return false
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successes++
	cb.consecutiveFails = 0

	if cb.state == StateHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.config.HalfOpenSuccesses {
			cb.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.consecutiveFails++

	switch cb.state {
	case StateHalfOpen:
		// Probe failed, back to open
		cb.transitionLocked(StateOpen)
	case StateClosed:
		if cb.consecutiveFails >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}
	}
}

// Execute runs fn with circuit breaker protection.
// Returns core.ErrCircuitBreakerOpen immediately when the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
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
}

// GetState returns the current state as a string
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns current breaker metrics
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"name":        cb.config.Name,
		"state":       cb.state.String(),
		"successes":   cb.successes,
		"failures":    cb.failures,
		"rejections":  cb.rejections,
		"transitions": cb.transitions,
	}
}

// Reset manually resets the breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.halfOpenSuccesses = 0
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.transitions++
	cb.halfOpenSuccesses = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	if cb.logger != nil {
		cb.logger.Info("Circuit breaker state change", map[string]interface{}{
			"breaker": cb.config.Name,
			"from":    from.String(),
			"to":      to.String(),
		})
	}
}
