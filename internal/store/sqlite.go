package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"gembalance/internal/keypool"
)

const (
	defaultStoreTimeout = 5 * time.Second
	metricsHistoryCap   = 1000
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS credentials (
    id               TEXT PRIMARY KEY,
    secret           TEXT NOT NULL,
    weight           INTEGER NOT NULL DEFAULT 1,
    active           INTEGER NOT NULL DEFAULT 1,
    created_at       TEXT NOT NULL,
    last_used_at     TEXT,
    cooldown_seconds INTEGER NOT NULL DEFAULT 0,
    updated_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS health_snapshots (
    id            TEXT PRIMARY KEY REFERENCES credentials(id) ON DELETE CASCADE,
    success_count INTEGER NOT NULL DEFAULT 0,
    failure_count INTEGER NOT NULL DEFAULT 0,
    window_start  TEXT NOT NULL,
    last_updated  TEXT NOT NULL,
    score         REAL NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS circuit_snapshots (
    id                   TEXT PRIMARY KEY REFERENCES credentials(id) ON DELETE CASCADE,
    state                TEXT NOT NULL DEFAULT 'CLOSED',
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    last_failure_at      TEXT,
    next_attempt_at      TEXT,
    opened_at            TEXT
);
CREATE TABLE IF NOT EXISTS request_metrics_history (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    key_id         TEXT NOT NULL,
    ts             INTEGER NOT NULL,
    request_count  INTEGER NOT NULL DEFAULT 0,
    success_count  INTEGER NOT NULL DEFAULT 0,
    error_count    INTEGER NOT NULL DEFAULT 0,
    avg_latency_ms REAL NOT NULL DEFAULT 0,
    p95_latency_ms REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metrics_ts ON request_metrics_history(ts);
`

// SQLiteStore is the primary indexed store: one embedded database file with
// per-record atomic upserts and cutoff-filtered aggregate queries.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// handler traffic.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db, path: path}, nil
}

func withStoreTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultStoreTimeout)
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database %s: %w", s.path, err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	log.WithField("path", s.path).Info("sqlite store initialized")
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Load(ctx context.Context) (*keypool.Snapshot, error) {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
        SELECT c.id, c.secret, c.weight, c.active, c.created_at, c.last_used_at, c.cooldown_seconds,
               h.success_count, h.failure_count, h.window_start, h.last_updated, h.score,
               b.state, b.consecutive_failures, b.last_failure_at, b.next_attempt_at, b.opened_at
        FROM credentials c
        JOIN health_snapshots h ON h.id = c.id
        JOIN circuit_snapshots b ON b.id = c.id`)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()

	snap := &keypool.Snapshot{Keys: make(map[string]keypool.KeyState)}
	for rows.Next() {
		var (
			st                                  keypool.KeyState
			active                              int
			createdAt, windowStart, lastUpdated string
			lastUsedAt, lastFailureAt           sql.NullString
			nextAttemptAt, openedAt             sql.NullString
			cooldownSeconds                     int64
			state                               string
		)
		if err := rows.Scan(
			&st.Record.ID, &st.Record.Secret, &st.Record.Weight, &active, &createdAt, &lastUsedAt, &cooldownSeconds,
			&st.Health.SuccessCount, &st.Health.FailureCount, &windowStart, &lastUpdated, &st.Health.Score,
			&state, &st.Circuit.ConsecutiveFailures, &lastFailureAt, &nextAttemptAt, &openedAt,
		); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		st.Record.Active = active != 0
		st.Record.Cooldown = time.Duration(cooldownSeconds) * time.Second
		st.Record.CreatedAt = parseTime(createdAt)
		st.Record.LastUsedAt = parseNullTime(lastUsedAt)
		st.Health.WindowStart = parseTime(windowStart)
		st.Health.LastUpdated = parseTime(lastUpdated)
		st.Circuit.State = keypool.CircuitState(state)
		st.Circuit.LastFailureAt = parseNullTime(lastFailureAt)
		st.Circuit.NextAttemptAt = parseNullTime(nextAttemptAt)
		st.Circuit.OpenedAt = parseNullTime(openedAt)
		snap.Keys[st.Record.ID] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credential rows iteration: %w", err)
	}
	snap.SavedAt = time.Now()
	return snap, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap *keypool.Snapshot) error {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"credentials", "health_snapshots", "circuit_snapshots"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	for _, st := range snap.Keys {
		if err := upsertKeyTx(ctx, tx, st); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertKey(ctx context.Context, st keypool.KeyState) error {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertKeyTx(ctx, tx, st); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func upsertKeyTx(ctx context.Context, tx *sql.Tx, st keypool.KeyState) error {
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO credentials (id, secret, weight, active, created_at, last_used_at, cooldown_seconds, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            secret = excluded.secret, weight = excluded.weight, active = excluded.active,
            last_used_at = excluded.last_used_at, cooldown_seconds = excluded.cooldown_seconds,
            updated_at = excluded.updated_at`,
		st.Record.ID, st.Record.Secret, st.Record.Weight, boolToInt(st.Record.Active),
		formatTime(st.Record.CreatedAt), formatNullTime(st.Record.LastUsedAt),
		int64(st.Record.Cooldown/time.Second), formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("upsert credential %s: %w", st.Record.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO health_snapshots (id, success_count, failure_count, window_start, last_updated, score)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            success_count = excluded.success_count, failure_count = excluded.failure_count,
            window_start = excluded.window_start, last_updated = excluded.last_updated,
            score = excluded.score`,
		st.Record.ID, st.Health.SuccessCount, st.Health.FailureCount,
		formatTime(st.Health.WindowStart), formatTime(st.Health.LastUpdated), st.Health.Score,
	); err != nil {
		return fmt.Errorf("upsert health %s: %w", st.Record.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO circuit_snapshots (id, state, consecutive_failures, last_failure_at, next_attempt_at, opened_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            state = excluded.state, consecutive_failures = excluded.consecutive_failures,
            last_failure_at = excluded.last_failure_at, next_attempt_at = excluded.next_attempt_at,
            opened_at = excluded.opened_at`,
		st.Record.ID, string(st.Circuit.State), st.Circuit.ConsecutiveFailures,
		formatNullTime(st.Circuit.LastFailureAt), formatNullTime(st.Circuit.NextAttemptAt),
		formatNullTime(st.Circuit.OpenedAt),
	); err != nil {
		return fmt.Errorf("upsert circuit %s: %w", st.Record.ID, err)
	}
	return nil
}

func (s *SQLiteStore) RecordRequestMetrics(ctx context.Context, m keypool.RequestMetric) error {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO request_metrics_history (key_id, ts, request_count, success_count, error_count, avg_latency_ms, p95_latency_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.KeyID, m.Timestamp.UnixMilli(), m.RequestCount, m.SuccessCount, m.ErrorCount,
		m.AvgLatencyMs, m.P95LatencyMs,
	); err != nil {
		return fmt.Errorf("insert request metric: %w", err)
	}

	// Keep only the newest rows; history is bounded.
	if _, err := s.db.ExecContext(ctx, `
        DELETE FROM request_metrics_history
        WHERE id <= (SELECT MAX(id) FROM request_metrics_history) - ?`,
		metricsHistoryCap,
	); err != nil {
		return fmt.Errorf("prune request metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDailyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	return s.usageSince(ctx, time.Now().Add(-24*time.Hour))
}

func (s *SQLiteStore) GetWeeklyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	return s.usageSince(ctx, time.Now().Add(-7*24*time.Hour))
}

func (s *SQLiteStore) usageSince(ctx context.Context, cutoff time.Time) ([]keypool.UsageStat, error) {
	ctx, cancel := withStoreTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
        SELECT key_id, SUM(request_count), SUM(success_count), SUM(error_count), AVG(avg_latency_ms)
        FROM request_metrics_history
        WHERE ts >= ?
        GROUP BY key_id
        ORDER BY key_id`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query usage stats: %w", err)
	}
	defer rows.Close()

	var out []keypool.UsageStat
	for rows.Next() {
		var u keypool.UsageStat
		if err := rows.Scan(&u.KeyID, &u.Requests, &u.Successes, &u.Errors, &u.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage rows iteration: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatNullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
