// Package resilience provides the backoff, retry and circuit-breaker
// primitives used by a Source's reconnect loop, its gRPC fetches and its
// forwards (spec §4.1, §5 Timeouts).
package resilience

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/mDuo13/clio/internal/logging"
)

// BackoffPolicy is the base-1s, cap-30s, ±20%-jitter exponential backoff
// spec §4.1 and §5 require for a Source's reconnect loop.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // fraction, e.g. 0.2 for ±20%
}

// DefaultBackoffPolicy matches the reconnect timeout in spec §5.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.2}
}

// Next returns the backoff duration for the given retry attempt (1-indexed),
// doubling each attempt and capping at Max, with symmetric jitter applied.
func (p BackoffPolicy) Next(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	jitter := d * p.Jitter * (2*rand.Float64() - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryPolicy controls RetryManager.Execute: how many attempts, how long to
// wait between them, and which errors are worth retrying at all.
type RetryPolicy struct {
	MaxAttempts     int
	Backoff         BackoffPolicy
	RetryableErrors []string // substrings matched case-insensitively against err.Error()
}

// DefaultRetryPolicy is a sensible default for upstream transport calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     BackoffPolicy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.1},
		RetryableErrors: []string{
			"connection refused", "connection reset", "deadline exceeded",
			"context deadline", "temporary failure", "resource exhausted", "unavailable",
		},
	}
}

// RetryManager executes an operation under a RetryPolicy, logging each
// attempt through the supplied component logger.
type RetryManager struct {
	policy RetryPolicy
	logger *logging.ComponentLogger
}

func NewRetryManager(policy RetryPolicy, logger *logging.ComponentLogger) *RetryManager {
	return &RetryManager{policy: policy, logger: logger}
}

// Execute runs fn, retrying on retryable errors until MaxAttempts or ctx
// cancellation, whichever comes first.
func (rm *RetryManager) Execute(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= rm.policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if !rm.isRetryable(err) {
				return err
			}
			if attempt >= rm.policy.MaxAttempts {
				rm.logger.Error().Str("operation", operation).Int("attempts", attempt).Err(err).
					Msg("operation failed after max attempts")
				return err
			}
			delay := rm.policy.Backoff.Next(attempt)
			rm.logger.Warn().Str("operation", operation).Int("attempt", attempt).Dur("retry_in", delay).Err(err).
				Msg("operation failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func (rm *RetryManager) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, pattern := range rm.policy.RetryableErrors {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// CircuitState is one of Closed, Open, or HalfOpen.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// CircuitBreaker trips a named circuit after repeated failures. Once
// resetTimeout has elapsed it moves to half-open, where attempts are
// allowed again: three successes close it, a single failure reopens it.
type CircuitBreaker struct {
	name            string
	logger          *logging.ComponentLogger
	maxFailures     int
	resetTimeout    time.Duration

	mu              sync.RWMutex
	state           CircuitState
	failures        int
	successesSeen   int
	lastFailureTime time.Time
}

func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, logger *logging.ComponentLogger) *CircuitBreaker {
	return &CircuitBreaker{name: name, logger: logger, maxFailures: maxFailures, resetTimeout: resetTimeout}
}

// Allow reports whether an operation may proceed, transitioning Open to
// HalfOpen once the reset timeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) > cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.successesSeen = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordResult feeds back the outcome of an Allow()-gated attempt.
func (cb *CircuitBreaker) RecordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successesSeen++
			if cb.successesSeen >= 3 {
				cb.state = StateClosed
			}
		}
		return
	}
	cb.failures++
	cb.lastFailureTime = time.Now()
	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.logger.Warn().Str("circuit", cb.name).Err(err).Msg("circuit reopened during half-open probe")
		return
	}
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		cb.logger.Error().Str("circuit", cb.name).Int("failures", cb.failures).Err(err).Msg("circuit opened")
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
