package keypool

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gembalance/internal/monitoring"
)

// KeySpec is the configuration shape of one credential, decoupled from the
// config package so the pool has no document dependency.
type KeySpec struct {
	Name     string
	Secret   string
	Weight   int
	Cooldown time.Duration
}

// Selection is the result of a successful key pick.
type Selection struct {
	ID     string
	Secret string
}

// ReconcileResult counts the changes applied by a reconcile pass.
type ReconcileResult struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
}

type entry struct {
	record  KeyRecord
	health  HealthSnapshot
	circuit CircuitSnapshot
}

// Manager is the sole mutator of per-key state. All public operations are
// critical sections over the whole pool; persistence and metric emission
// happen outside the lock.
type Manager struct {
	mu      sync.Mutex
	pool    map[string]*entry
	tracker *HealthTracker
	breaker *CircuitBreaker
	store   Store
	now     func() time.Time
}

func NewManager(cfg MonitoringConfig, store Store) *Manager {
	return &Manager{
		pool:    make(map[string]*entry),
		tracker: NewHealthTracker(cfg.HealthWindow),
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.RecoveryTime),
		store:   store,
		now:     time.Now,
	}
}

// Bootstrap populates the pool from config, adopting persisted health and
// circuit state for keys present in both. Keys only in persistence are
// dropped.
func (m *Manager) Bootstrap(ctx context.Context, specs []KeySpec, loaded *Snapshot) {
	m.mu.Lock()
	for _, spec := range specs {
		e := m.newEntry(spec)
		if loaded != nil {
			if prev, ok := loaded.Keys[spec.Name]; ok {
				e.health = prev.Health
				e.circuit = prev.Circuit
				e.record.Active = prev.Record.Active
				e.record.CreatedAt = prev.Record.CreatedAt
				e.record.LastUsedAt = prev.Record.LastUsedAt
			}
		}
		m.pool[spec.Name] = e
	}
	states := m.statesLocked()
	m.mu.Unlock()

	for _, st := range states {
		m.persist(ctx, st)
	}
	m.publishGauges()
	log.WithField("keys", len(specs)).Info("key pool bootstrapped")
}

// Reconcile applies a hot-reloaded credential list: new keys are added with
// defaults, mutable fields update in place, removed keys are pruned. The
// admin active override and accumulated health/circuit state survive.
func (m *Manager) Reconcile(ctx context.Context, specs []KeySpec) ReconcileResult {
	var res ReconcileResult
	var changed []KeyState

	m.mu.Lock()
	want := make(map[string]bool, len(specs))
	for _, spec := range specs {
		want[spec.Name] = true
		if e, ok := m.pool[spec.Name]; ok {
			if e.record.Secret != spec.Secret || e.record.Weight != weightOrOne(spec.Weight) || e.record.Cooldown != spec.Cooldown {
				e.record.Secret = spec.Secret
				e.record.Weight = weightOrOne(spec.Weight)
				e.record.Cooldown = spec.Cooldown
				res.Updated++
				changed = append(changed, e.state())
			}
			continue
		}
		e := m.newEntry(spec)
		m.pool[spec.Name] = e
		res.Added++
		changed = append(changed, e.state())
	}
	for id := range m.pool {
		if !want[id] {
			delete(m.pool, id)
			res.Removed++
		}
	}
	m.mu.Unlock()

	for _, st := range changed {
		m.persist(ctx, st)
	}
	m.publishGauges()
	log.WithFields(log.Fields{
		"added":   res.Added,
		"removed": res.Removed,
		"updated": res.Updated,
	}).Info("key pool reconciled")
	return res
}

// SelectKey evaluates circuit timers lazily, then draws a weighted random
// key from the eligible set. Keys inside their configured cooldown are
// skipped when other eligible keys exist.
func (m *Manager) SelectKey() (Selection, bool) {
	return m.SelectKeyExcluding(nil)
}

// SelectKeyExcluding is SelectKey with an exclusion set, used by the
// rotation loop so one request never retries the same key twice.
func (m *Manager) SelectKeyExcluding(exclude map[string]bool) (Selection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	candidates := make([]Candidate, 0, len(m.pool))
	rested := make([]Candidate, 0, len(m.pool))
	for id, e := range m.pool {
		if exclude[id] {
			continue
		}
		m.breaker.Evaluate(&e.circuit)
		cand := Candidate{Record: e.record, Circuit: e.circuit}
		if !Eligible(e.record, e.circuit) {
			continue
		}
		if e.record.Cooldown > 0 && e.record.LastUsedAt != nil && now.Sub(*e.record.LastUsedAt) < e.record.Cooldown {
			candidates = append(candidates, cand)
			continue
		}
		rested = append(rested, cand)
	}

	id, ok := PickWeighted(rested)
	if !ok {
		// Every eligible key is cooling down; cooldown is advisory, not an
		// outage.
		id, ok = PickWeighted(candidates)
	}
	if !ok {
		return Selection{}, false
	}
	return Selection{ID: id, Secret: m.pool[id].record.Secret}, true
}

// RecordSuccess applies a successful outcome: health +success, HALF_OPEN
// circuits close, lastUsedAt advances, and a metric row is emitted. Unknown
// ids are a no-op.
func (m *Manager) RecordSuccess(ctx context.Context, id string, latencyMs float64) {
	m.mu.Lock()
	e, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.tracker.RecordSuccess(&e.health)
	m.breaker.RecordSuccess(&e.circuit)
	e.record.LastUsedAt = &now
	st := e.state()
	m.mu.Unlock()

	m.persist(ctx, st)
	m.emitMetric(ctx, RequestMetric{
		KeyID:        id,
		Timestamp:    m.now(),
		RequestCount: 1,
		SuccessCount: 1,
		AvgLatencyMs: latencyMs,
		P95LatencyMs: latencyMs,
	})
	m.publishGauges()
}

// RecordFailure applies a failed outcome: health +failure, circuit advances
// (immediately OPEN on rate limit), and a metric row is emitted. Unknown ids
// are a no-op.
func (m *Manager) RecordFailure(ctx context.Context, id, reason string, isRateLimit bool, latencyMs float64) {
	m.mu.Lock()
	e, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.tracker.RecordFailure(&e.health)
	m.breaker.RecordFailure(&e.circuit, isRateLimit)
	st := e.state()
	opened := e.circuit.State == CircuitOpen
	m.mu.Unlock()

	if opened {
		log.WithFields(log.Fields{
			"key":        id,
			"reason":     reason,
			"rate_limit": isRateLimit,
		}).Warn("circuit opened for key")
	}
	m.persist(ctx, st)
	m.emitMetric(ctx, RequestMetric{
		KeyID:        id,
		Timestamp:    m.now(),
		RequestCount: 1,
		ErrorCount:   1,
		AvgLatencyMs: latencyMs,
		P95LatencyMs: latencyMs,
	})
	m.publishGauges()
}

// EnableKey re-activates a key and resets its circuit and health so it
// re-enters rotation cleanly. Returns false for unknown ids.
func (m *Manager) EnableKey(ctx context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.record.Active = true
	m.breaker.Reset(&e.circuit)
	m.tracker.Reset(&e.health)
	st := e.state()
	m.mu.Unlock()

	m.persist(ctx, st)
	m.publishGauges()
	return true
}

// DisableKey flips the admin override off. Returns false for unknown ids.
func (m *Manager) DisableKey(ctx context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.pool[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.record.Active = false
	st := e.state()
	m.mu.Unlock()

	m.persist(ctx, st)
	m.publishGauges()
	return true
}

// UpdateMonitoringConfig swaps the tracker and breaker parameters in place.
// Existing per-key state is retained.
func (m *Manager) UpdateMonitoringConfig(cfg MonitoringConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracker = NewHealthTracker(cfg.HealthWindow)
	m.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.RecoveryTime)
}

// ListKeys returns admin summaries for every key, evaluating circuit timers
// first so reported states are current.
func (m *Manager) ListKeys() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Summary, 0, len(m.pool))
	for id, e := range m.pool {
		m.breaker.Evaluate(&e.circuit)
		out = append(out, Summary{
			ID:           id,
			Name:         id,
			Status:       DerivedStatus(e.record, e.circuit),
			Score:        math.Round(e.health.Score*100) / 100,
			LastUsedAt:   e.record.LastUsedAt,
			FailureCount: e.circuit.ConsecutiveFailures,
			NextRetryAt:  e.circuit.NextAttemptAt,
			Weight:       e.record.Weight,
		})
	}
	return out
}

// GetActiveKeyCount returns the number of keys with derived status active.
func (m *Manager) GetActiveKeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.pool {
		m.breaker.Evaluate(&e.circuit)
		if DerivedStatus(e.record, e.circuit) == StatusActive {
			n++
		}
	}
	return n
}

// Snapshot captures the whole pool for a flush.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{Keys: make(map[string]KeyState, len(m.pool)), SavedAt: m.now()}
	for id, e := range m.pool {
		snap.Keys[id] = e.state()
	}
	return snap
}

// Flush writes the full snapshot through the store.
func (m *Manager) Flush(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	return m.store.Save(ctx, m.Snapshot())
}

func (m *Manager) newEntry(spec KeySpec) *entry {
	return &entry{
		record: KeyRecord{
			ID:        spec.Name,
			Secret:    spec.Secret,
			Weight:    weightOrOne(spec.Weight),
			Active:    true,
			CreatedAt: m.now(),
			Cooldown:  spec.Cooldown,
		},
		health:  m.tracker.NewHealth(),
		circuit: m.breaker.NewCircuit(),
	}
}

func (m *Manager) statesLocked() []KeyState {
	out := make([]KeyState, 0, len(m.pool))
	for _, e := range m.pool {
		out = append(out, e.state())
	}
	return out
}

func (m *Manager) persist(ctx context.Context, st KeyState) {
	if m.store == nil {
		return
	}
	if err := m.store.UpsertKey(ctx, st); err != nil {
		log.WithError(err).WithField("key", st.Record.ID).Warn("key state persist failed")
	}
}

func (m *Manager) emitMetric(ctx context.Context, metric RequestMetric) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordRequestMetrics(ctx, metric); err != nil {
		log.WithError(err).WithField("key", metric.KeyID).Warn("request metric persist failed")
	}
}

func (m *Manager) publishGauges() {
	m.mu.Lock()
	active, disabled := 0, 0
	for _, e := range m.pool {
		if !e.record.Active {
			disabled++
		} else if e.circuit.State == CircuitClosed {
			active++
		}
	}
	m.mu.Unlock()
	monitoring.SetKeyGauges(active, disabled)
}

func (e *entry) state() KeyState {
	return KeyState{Record: e.record, Health: e.health, Circuit: e.circuit}
}

func weightOrOne(w int) int {
	if w < 1 {
		return 1
	}
	return w
}
