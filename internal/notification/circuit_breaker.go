package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means requests flow normally.
	StateClosed CircuitState = iota
	// StateHalfOpen means one request is testing whether the provider recovered.
	StateHalfOpen
	// StateOpen means requests are rejected without calling the provider.
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitBreakerOpen is returned while the circuit is open.
	ErrCircuitBreakerOpen = errors.Sentinel("notification", errors.CategoryIntegration, "circuit breaker is open")
	// ErrTooManyRequests is returned when a half-open circuit already has its test request.
	ErrTooManyRequests = errors.Sentinel("notification", errors.CategoryIntegration, "circuit breaker is half-open, too many requests")
)

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit.
	MaxFailures int
	// Timeout is how long to wait before transitioning from Open to Half-Open.
	Timeout time.Duration
	// HalfOpenMaxRequests is the maximum number of requests allowed in half-open state.
	HalfOpenMaxRequests int
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// Validate checks if the circuit breaker configuration is valid.
func (c CircuitBreakerConfig) Validate() error {
	if c.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be at least 1, got %d", c.MaxFailures)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.HalfOpenMaxRequests < 1 {
		return fmt.Errorf("half_open_max_requests must be at least 1, got %d", c.HalfOpenMaxRequests)
	}
	return nil
}

// CircuitBreaker stops calling a failing provider until it has had time to
// recover.
type CircuitBreaker struct {
	config           CircuitBreakerConfig
	providerName     string
	logger           *slog.Logger
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int
}

// NewCircuitBreaker creates a closed circuit breaker. An invalid config is
// logged and used as given.
func NewCircuitBreaker(config CircuitBreakerConfig, providerName string, logger *slog.Logger) *CircuitBreaker {
	if logger == nil {
		logger = log
	}
	if err := config.Validate(); err != nil {
		logger.Warn("circuit breaker config validation failed",
			"provider", providerName,
			"error", err)
	}
	return &CircuitBreaker{
		config:          config,
		providerName:    providerName,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call runs fn if the circuit allows it and records the outcome.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		state, failures := cb.State(), cb.Failures()
		return fmt.Errorf("circuit breaker rejected request (%v, %d consecutive failures): %w",
			state, failures, err)
	}

	err := fn(ctx)
	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastStateChange) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenRequests = 1
			return nil
		}
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return ErrTooManyRequests
		}
		cb.halfOpenRequests++
		return nil
	default:
		return ErrCircuitBreakerOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.lastFailureTime = time.Time{}
		if cb.state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}

	// caller cancellation says nothing about the provider
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.failures++
	cb.lastFailureTime = time.Now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	case StateOpen:
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()
	cb.halfOpenRequests = 0

	cb.logger.Info("circuit breaker state transition",
		"provider", cb.providerName,
		"old_state", oldState.String(),
		"new_state", newState.String(),
		"consecutive_failures", cb.failures)
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.lastFailureTime = time.Time{}
	cb.setState(StateClosed)
}
