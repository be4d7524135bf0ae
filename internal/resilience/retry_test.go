package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mDuo13/clio/internal/logging"
)

func TestBackoffPolicyCapsAtMax(t *testing.T) {
	policy := BackoffPolicy{Initial: time.Second, Max: 5 * time.Second, Jitter: 0}
	d := policy.Next(10)
	if d > policy.Max {
		t.Fatalf("backoff exceeded max: %v", d)
	}
}

func TestRetryManagerStopsOnNonRetryableError(t *testing.T) {
	rm := NewRetryManager(RetryPolicy{MaxAttempts: 5, Backoff: BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond}},
		logging.NewComponentLogger("test"))

	attempts := 0
	err := rm.Execute(context.Background(), "op", func() error {
		attempts++
		return errors.New("permanent failure")
	})

	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if attempts != 1 {
		t.Fatalf("non-retryable error must not be retried, got %d attempts", attempts)
	}
}

func TestRetryManagerRetriesRetryableError(t *testing.T) {
	rm := NewRetryManager(RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffPolicy{Initial: time.Millisecond, Max: time.Millisecond},
		RetryableErrors: []string{"unavailable"},
	}, logging.NewComponentLogger("test"))

	attempts := 0
	err := rm.Execute(context.Background(), "op", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("unavailable")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", 2, 50*time.Millisecond, logging.NewComponentLogger("test"))

	cb.RecordResult(errors.New("fail"))
	if cb.State() != StateClosed {
		t.Fatal("circuit should remain closed before max failures")
	}
	cb.RecordResult(errors.New("fail"))
	if cb.State() != StateOpen {
		t.Fatal("circuit should open after max failures")
	}
	if cb.Allow() {
		t.Fatal("open circuit should not allow immediately")
	}

	time.Sleep(60 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("circuit should allow a probe after reset timeout")
	}
	if cb.State() != StateHalfOpen {
		t.Fatal("circuit should transition to half-open on probe")
	}
}
