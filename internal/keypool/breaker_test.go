package keypool

import (
	"testing"
	"time"
)

func newTestBreaker(threshold int, recovery time.Duration, now *time.Time) *CircuitBreaker {
	b := NewCircuitBreaker(threshold, recovery)
	b.now = func() time.Time { return *now }
	return b
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBreaker(3, time.Minute, &now)
	c := b.NewCircuit()

	b.RecordFailure(&c, false)
	b.RecordFailure(&c, false)
	if c.State != CircuitClosed {
		t.Fatalf("state after 2 failures = %s, want CLOSED", c.State)
	}
	b.RecordFailure(&c, false)
	if c.State != CircuitOpen {
		t.Fatalf("state after 3 failures = %s, want OPEN", c.State)
	}
	if c.NextAttemptAt == nil || !c.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Errorf("nextAttemptAt = %v, want %v", c.NextAttemptAt, now.Add(time.Minute))
	}
	if c.OpenedAt == nil || !c.OpenedAt.Equal(now) {
		t.Errorf("openedAt = %v, want %v", c.OpenedAt, now)
	}
}

func TestBreakerImmediateOpenOnRateLimit(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBreaker(5, time.Minute, &now)
	c := b.NewCircuit()

	b.RecordFailure(&c, true)
	if c.State != CircuitOpen {
		t.Fatalf("state after one rate-limited failure = %s, want OPEN", c.State)
	}
	if c.ConsecutiveFailures != 1 {
		t.Errorf("consecutiveFailures = %d, want 1", c.ConsecutiveFailures)
	}
}

func TestBreakerRecoveryCycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBreaker(1, time.Minute, &now)
	c := b.NewCircuit()

	b.RecordFailure(&c, false)
	if c.State != CircuitOpen {
		t.Fatalf("state = %s, want OPEN", c.State)
	}

	// Before the timer, evaluation is a no-op.
	now = now.Add(30 * time.Second)
	b.Evaluate(&c)
	if c.State != CircuitOpen {
		t.Fatalf("state before recovery = %s, want OPEN", c.State)
	}

	now = now.Add(31 * time.Second)
	b.Evaluate(&c)
	if c.State != CircuitHalfOpen {
		t.Fatalf("state after recovery = %s, want HALF_OPEN", c.State)
	}
	if c.NextAttemptAt != nil {
		t.Error("nextAttemptAt should be cleared in HALF_OPEN")
	}

	b.RecordSuccess(&c)
	if c.State != CircuitClosed {
		t.Fatalf("state after probe success = %s, want CLOSED", c.State)
	}
	if c.ConsecutiveFailures != 0 {
		t.Errorf("consecutiveFailures = %d, want 0", c.ConsecutiveFailures)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBreaker(3, time.Minute, &now)
	c := b.NewCircuit()

	b.RecordFailure(&c, true)
	now = now.Add(61 * time.Second)
	b.Evaluate(&c)
	if c.State != CircuitHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", c.State)
	}

	b.RecordFailure(&c, false)
	if c.State != CircuitOpen {
		t.Fatalf("state after probe failure = %s, want OPEN", c.State)
	}
	if c.NextAttemptAt == nil || !c.NextAttemptAt.Equal(now.Add(time.Minute)) {
		t.Errorf("nextAttemptAt = %v, want %v", c.NextAttemptAt, now.Add(time.Minute))
	}
}

func TestBreakerSuccessInClosedKeepsCounter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newTestBreaker(3, time.Minute, &now)
	c := b.NewCircuit()

	b.RecordFailure(&c, false)
	b.RecordFailure(&c, false)
	b.RecordSuccess(&c)
	if c.ConsecutiveFailures != 2 {
		t.Fatalf("consecutiveFailures after CLOSED success = %d, want 2", c.ConsecutiveFailures)
	}

	// The streak therefore still trips the breaker on the next failure.
	b.RecordFailure(&c, false)
	if c.State != CircuitOpen {
		t.Errorf("state = %s, want OPEN", c.State)
	}
}
