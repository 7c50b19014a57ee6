package keypool

import "time"

// HealthTracker maintains per-key sliding-window success/failure ratios.
// Both record operations first roll the window, then increment and recompute
// the score. There is no decay within a window.
type HealthTracker struct {
	window time.Duration
	now    func() time.Time
}

func NewHealthTracker(window time.Duration) *HealthTracker {
	if window <= 0 {
		window = 300 * time.Second
	}
	return &HealthTracker{window: window, now: time.Now}
}

// NewHealth returns a fresh snapshot with a perfect score.
func (t *HealthTracker) NewHealth() HealthSnapshot {
	now := t.now()
	return HealthSnapshot{WindowStart: now, LastUpdated: now, Score: 1}
}

func (t *HealthTracker) RecordSuccess(h *HealthSnapshot) {
	now := t.now()
	t.roll(h, now)
	h.SuccessCount++
	h.LastUpdated = now
	h.Score = score(h.SuccessCount, h.FailureCount)
}

func (t *HealthTracker) RecordFailure(h *HealthSnapshot) {
	now := t.now()
	t.roll(h, now)
	h.FailureCount++
	h.LastUpdated = now
	h.Score = score(h.SuccessCount, h.FailureCount)
}

// Reset clears counters and restarts the window.
func (t *HealthTracker) Reset(h *HealthSnapshot) {
	now := t.now()
	h.SuccessCount = 0
	h.FailureCount = 0
	h.WindowStart = now
	h.LastUpdated = now
	h.Score = 1
}

func (t *HealthTracker) roll(h *HealthSnapshot, now time.Time) {
	if h.WindowStart.IsZero() {
		h.WindowStart = now
		return
	}
	if now.Sub(h.WindowStart) >= t.window {
		h.SuccessCount = 0
		h.FailureCount = 0
		h.WindowStart = now
		h.Score = 1
	}
}

func score(successes, failures int64) float64 {
	total := successes + failures
	if total == 0 {
		return 1
	}
	s := float64(successes) / float64(total)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
