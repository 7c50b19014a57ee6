package keypool

import "time"

// CircuitBreaker drives the per-key three-state machine. Evaluation is lazy:
// callers invoke Evaluate before selection so OPEN→HALF_OPEN transitions
// happen at decision time, without a background sweeper.
type CircuitBreaker struct {
	failureThreshold int
	recovery         time.Duration
	now              func() time.Time
}

func NewCircuitBreaker(failureThreshold int, recovery time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if recovery <= 0 {
		recovery = 60 * time.Second
	}
	return &CircuitBreaker{failureThreshold: failureThreshold, recovery: recovery, now: time.Now}
}

// NewCircuit returns a fresh CLOSED snapshot.
func (b *CircuitBreaker) NewCircuit() CircuitSnapshot {
	return CircuitSnapshot{State: CircuitClosed}
}

// Evaluate advances OPEN to HALF_OPEN once the recovery timer has elapsed.
func (b *CircuitBreaker) Evaluate(c *CircuitSnapshot) {
	if c.State != CircuitOpen || c.NextAttemptAt == nil {
		return
	}
	if !b.now().Before(*c.NextAttemptAt) {
		c.State = CircuitHalfOpen
		c.NextAttemptAt = nil
	}
}

// RecordSuccess closes a HALF_OPEN circuit and resets its counters. A
// success in CLOSED leaves the state, including consecutiveFailures,
// untouched.
func (b *CircuitBreaker) RecordSuccess(c *CircuitSnapshot) {
	if c.State != CircuitHalfOpen {
		return
	}
	c.State = CircuitClosed
	c.ConsecutiveFailures = 0
	c.LastFailureAt = nil
	c.NextAttemptAt = nil
	c.OpenedAt = nil
}

// RecordFailure counts the failure and opens the circuit when the threshold
// is reached or the failure is a rate limit. A failure in HALF_OPEN reopens
// immediately.
func (b *CircuitBreaker) RecordFailure(c *CircuitSnapshot, rateLimited bool) {
	now := b.now()
	c.ConsecutiveFailures++
	c.LastFailureAt = &now

	if c.State == CircuitHalfOpen || rateLimited || c.ConsecutiveFailures >= b.failureThreshold {
		next := now.Add(b.recovery)
		c.State = CircuitOpen
		c.OpenedAt = &now
		c.NextAttemptAt = &next
	}
}

// Reset returns the circuit to a clean CLOSED state.
func (b *CircuitBreaker) Reset(c *CircuitSnapshot) {
	*c = CircuitSnapshot{State: CircuitClosed}
}
