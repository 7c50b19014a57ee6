package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gembalance/internal/keypool"
)

// document is the on-disk shape of the fallback store: one JSON file holding
// the whole snapshot plus a capped metrics history. Timestamps round-trip as
// RFC 3339 through encoding/json.
type document struct {
	Keys    map[string]keypool.KeyState `json:"keys"`
	SavedAt time.Time                   `json:"savedAt"`
	Metrics []keypool.RequestMetric     `json:"metrics"`
}

// FileStore is the document-backed fallback implementation. Every mutation
// is a read-modify-write of the document under a lock, flushed with an
// atomic tmp+rename.
type FileStore struct {
	path string
	mu   sync.Mutex
	doc  document
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, doc: document{Keys: make(map[string]keypool.KeyState)}}
}

func (f *FileStore) Init(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create store directory: %w", err)
		}
	}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read store document %s: %w", f.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse store document %s: %w", f.path, err)
	}
	if doc.Keys == nil {
		doc.Keys = make(map[string]keypool.KeyState)
	}
	f.doc = doc
	log.WithFields(log.Fields{"path": f.path, "keys": len(doc.Keys)}).Info("file store loaded")
	return nil
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked()
}

func (f *FileStore) Load(ctx context.Context) (*keypool.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := &keypool.Snapshot{Keys: make(map[string]keypool.KeyState, len(f.doc.Keys)), SavedAt: f.doc.SavedAt}
	for id, st := range f.doc.Keys {
		snap.Keys[id] = st
	}
	return snap, nil
}

func (f *FileStore) Save(ctx context.Context, snap *keypool.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make(map[string]keypool.KeyState, len(snap.Keys))
	for id, st := range snap.Keys {
		keys[id] = st
	}
	f.doc.Keys = keys
	f.doc.SavedAt = snap.SavedAt
	return f.flushLocked()
}

func (f *FileStore) UpsertKey(ctx context.Context, st keypool.KeyState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.doc.Keys[st.Record.ID] = st
	return f.flushLocked()
}

func (f *FileStore) RecordRequestMetrics(ctx context.Context, m keypool.RequestMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.doc.Metrics = append(f.doc.Metrics, m)
	if len(f.doc.Metrics) > metricsHistoryCap {
		f.doc.Metrics = f.doc.Metrics[len(f.doc.Metrics)-metricsHistoryCap:]
	}
	return f.flushLocked()
}

func (f *FileStore) GetDailyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	return f.usageSince(time.Now().Add(-24 * time.Hour)), nil
}

func (f *FileStore) GetWeeklyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	return f.usageSince(time.Now().Add(-7 * 24 * time.Hour)), nil
}

func (f *FileStore) usageSince(cutoff time.Time) []keypool.UsageStat {
	f.mu.Lock()
	defer f.mu.Unlock()

	type acc struct {
		requests, successes, errors int64
		latencySum                  float64
		rows                        int64
	}
	byKey := make(map[string]*acc)
	order := make([]string, 0)
	for _, m := range f.doc.Metrics {
		if m.Timestamp.Before(cutoff) {
			continue
		}
		a, ok := byKey[m.KeyID]
		if !ok {
			a = &acc{}
			byKey[m.KeyID] = a
			order = append(order, m.KeyID)
		}
		a.requests += int64(m.RequestCount)
		a.successes += int64(m.SuccessCount)
		a.errors += int64(m.ErrorCount)
		a.latencySum += m.AvgLatencyMs
		a.rows++
	}

	out := make([]keypool.UsageStat, 0, len(byKey))
	for _, id := range order {
		a := byKey[id]
		stat := keypool.UsageStat{KeyID: id, Requests: a.requests, Successes: a.successes, Errors: a.errors}
		if a.rows > 0 {
			stat.AvgLatencyMs = a.latencySum / float64(a.rows)
		}
		out = append(out, stat)
	}
	return out
}

func (f *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(&f.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store document: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write store document: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace store document: %w", err)
	}
	return nil
}
