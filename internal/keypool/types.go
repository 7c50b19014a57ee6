package keypool

import (
	"time"
)

// CircuitState is the per-key circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// KeyRecord is the durable identity of one configured credential.
type KeyRecord struct {
	ID         string        `json:"id"`
	Secret     string        `json:"secret"`
	Weight     int           `json:"weight"`
	Active     bool          `json:"active"`
	CreatedAt  time.Time     `json:"createdAt"`
	LastUsedAt *time.Time    `json:"lastUsedAt,omitempty"`
	Cooldown   time.Duration `json:"cooldownNs"`
}

// HealthSnapshot is the sliding-window success/failure state of one key.
type HealthSnapshot struct {
	SuccessCount int64     `json:"successCount"`
	FailureCount int64     `json:"failureCount"`
	WindowStart  time.Time `json:"windowStart"`
	LastUpdated  time.Time `json:"lastUpdated"`
	Score        float64   `json:"score"`
}

// CircuitSnapshot is the circuit breaker state of one key.
// NextAttemptAt is non-nil iff State is OPEN; OpenedAt is non-nil iff State
// is OPEN or HALF_OPEN.
type CircuitSnapshot struct {
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastFailureAt       *time.Time   `json:"lastFailureAt,omitempty"`
	NextAttemptAt       *time.Time   `json:"nextAttemptAt,omitempty"`
	OpenedAt            *time.Time   `json:"openedAt,omitempty"`
}

// KeyState is the persisted triple for one key.
type KeyState struct {
	Record  KeyRecord       `json:"record"`
	Health  HealthSnapshot  `json:"health"`
	Circuit CircuitSnapshot `json:"circuit"`
}

// Snapshot is the complete persisted pool state.
type Snapshot struct {
	Keys    map[string]KeyState `json:"keys"`
	SavedAt time.Time           `json:"savedAt"`
}

// RequestMetric is one append-only observation of a served upstream call.
// Exactly one of the three counts is 1 per emission.
type RequestMetric struct {
	KeyID        string    `json:"keyId"`
	Timestamp    time.Time `json:"timestamp"`
	RequestCount int       `json:"requestCount"`
	SuccessCount int       `json:"successCount"`
	ErrorCount   int       `json:"errorCount"`
	AvgLatencyMs float64   `json:"avgLatencyMs"`
	P95LatencyMs float64   `json:"p95LatencyMs"`
}

// UsageStat is one row of an aggregate usage report.
type UsageStat struct {
	KeyID        string  `json:"keyId"`
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Errors       int64   `json:"errors"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// KeyStatus is the derived admin-facing status of a key.
type KeyStatus string

const (
	StatusActive          KeyStatus = "active"
	StatusDisabled        KeyStatus = "disabled"
	StatusCircuitOpen     KeyStatus = "circuit_open"
	StatusCircuitHalfOpen KeyStatus = "circuit_half_open"
)

// Summary is the admin listing entry for one key.
type Summary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       KeyStatus  `json:"status"`
	Score        float64    `json:"score"`
	LastUsedAt   *time.Time `json:"lastUsedAt,omitempty"`
	FailureCount int        `json:"failureCount"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	Weight       int        `json:"weight"`
}

// MonitoringConfig parameterizes the health tracker and circuit breaker.
type MonitoringConfig struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	HealthWindow     time.Duration
}

// DefaultMonitoringConfig mirrors the policy document defaults.
func DefaultMonitoringConfig() MonitoringConfig {
	return MonitoringConfig{
		FailureThreshold: 3,
		RecoveryTime:     60 * time.Second,
		HealthWindow:     300 * time.Second,
	}
}

// MonitoringConfigFromSettings builds a MonitoringConfig from the policy
// document's integer fields, falling back to defaults for non-positive
// values.
func MonitoringConfigFromSettings(failureThreshold, recoverySeconds, windowSeconds int) MonitoringConfig {
	cfg := DefaultMonitoringConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if recoverySeconds > 0 {
		cfg.RecoveryTime = time.Duration(recoverySeconds) * time.Second
	}
	if windowSeconds > 0 {
		cfg.HealthWindow = time.Duration(windowSeconds) * time.Second
	}
	return cfg
}

// DerivedStatus maps the admin override plus circuit state to the reported
// status.
func DerivedStatus(record KeyRecord, circuit CircuitSnapshot) KeyStatus {
	if !record.Active {
		return StatusDisabled
	}
	switch circuit.State {
	case CircuitOpen:
		return StatusCircuitOpen
	case CircuitHalfOpen:
		return StatusCircuitHalfOpen
	default:
		return StatusActive
	}
}
