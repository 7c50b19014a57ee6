package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gembalance/internal/keypool"
)

// faultyStore fails every operation once armed, tracking call counts.
type faultyStore struct {
	inner   keypool.Store
	failing bool
	calls   map[string]int
}

func newFaultyStore(inner keypool.Store) *faultyStore {
	return &faultyStore{inner: inner, calls: make(map[string]int)}
}

var errInjected = errors.New("injected store failure")

func (f *faultyStore) op(name string) error {
	f.calls[name]++
	if f.failing {
		return errInjected
	}
	return nil
}

func (f *faultyStore) Init(ctx context.Context) error {
	if err := f.op("init"); err != nil {
		return err
	}
	return f.inner.Init(ctx)
}

func (f *faultyStore) Close() error { return f.inner.Close() }

func (f *faultyStore) Load(ctx context.Context) (*keypool.Snapshot, error) {
	if err := f.op("load"); err != nil {
		return nil, err
	}
	return f.inner.Load(ctx)
}

func (f *faultyStore) Save(ctx context.Context, snap *keypool.Snapshot) error {
	if err := f.op("save"); err != nil {
		return err
	}
	return f.inner.Save(ctx, snap)
}

func (f *faultyStore) UpsertKey(ctx context.Context, st keypool.KeyState) error {
	if err := f.op("upsert"); err != nil {
		return err
	}
	return f.inner.UpsertKey(ctx, st)
}

func (f *faultyStore) RecordRequestMetrics(ctx context.Context, m keypool.RequestMetric) error {
	if err := f.op("metrics"); err != nil {
		return err
	}
	return f.inner.RecordRequestMetrics(ctx, m)
}

func (f *faultyStore) GetDailyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	if err := f.op("daily"); err != nil {
		return nil, err
	}
	return f.inner.GetDailyUsageStats(ctx)
}

func (f *faultyStore) GetWeeklyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	if err := f.op("weekly"); err != nil {
		return nil, err
	}
	return f.inner.GetWeeklyUsageStats(ctx)
}

func newResilientPair(t *testing.T) (*faultyStore, *FileStore, *ResilientStore) {
	t.Helper()
	dir := t.TempDir()
	primary := newFaultyStore(NewFileStore(filepath.Join(dir, "primary.json")))
	fallback := NewFileStore(filepath.Join(dir, "fallback.json"))
	rs := NewResilientStore(primary, fallback)
	if err := rs.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return primary, fallback, rs
}

func TestResilientWriteFailureDemotesPermanently(t *testing.T) {
	primary, fallback, rs := newResilientPair(t)
	ctx := context.Background()

	primary.failing = true
	if err := rs.UpsertKey(ctx, testKeyState("k1")); err != nil {
		t.Fatalf("upsert should succeed on fallback: %v", err)
	}
	if !rs.Demoted() {
		t.Fatal("store not demoted after primary write failure")
	}

	// Even after the primary heals, writes stay on the fallback.
	primary.failing = false
	before := primary.calls["upsert"]
	if err := rs.UpsertKey(ctx, testKeyState("k2")); err != nil {
		t.Fatal(err)
	}
	if primary.calls["upsert"] != before {
		t.Error("primary touched after demotion")
	}

	snap, err := fallback.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Keys) != 2 {
		t.Errorf("fallback keys = %d, want 2", len(snap.Keys))
	}
}

func TestResilientReadFailureDoesNotDemote(t *testing.T) {
	primary, fallback, rs := newResilientPair(t)
	ctx := context.Background()

	if err := fallback.UpsertKey(ctx, testKeyState("fb")); err != nil {
		t.Fatal(err)
	}

	primary.failing = true
	snap, err := rs.Load(ctx)
	if err != nil {
		t.Fatalf("load should fall through to fallback: %v", err)
	}
	if _, ok := snap.Keys["fb"]; !ok {
		t.Error("fallback answer not returned")
	}
	if rs.Demoted() {
		t.Error("read failure must not demote")
	}

	// A later healthy write still goes to the primary.
	primary.failing = false
	if err := rs.UpsertKey(ctx, testKeyState("k1")); err != nil {
		t.Fatal(err)
	}
	if primary.calls["upsert"] != 1 {
		t.Errorf("primary upsert calls = %d, want 1", primary.calls["upsert"])
	}
}

func TestResilientInitFailureDemotes(t *testing.T) {
	dir := t.TempDir()
	primary := newFaultyStore(NewFileStore(filepath.Join(dir, "primary.json")))
	primary.failing = true
	fallback := NewFileStore(filepath.Join(dir, "fallback.json"))
	rs := NewResilientStore(primary, fallback)

	if err := rs.Init(context.Background()); err != nil {
		t.Fatalf("init should succeed via fallback: %v", err)
	}
	if !rs.Demoted() {
		t.Error("store not demoted after primary init failure")
	}
}

func TestResilientSaveFailoverKeepsSnapshot(t *testing.T) {
	primary, fallback, rs := newResilientPair(t)
	ctx := context.Background()

	primary.failing = true
	snap := &keypool.Snapshot{
		Keys:    map[string]keypool.KeyState{"k1": testKeyState("k1")},
		SavedAt: time.Now(),
	}
	if err := rs.Save(ctx, snap); err != nil {
		t.Fatal(err)
	}
	loaded, err := fallback.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := loaded.Keys["k1"]; !ok {
		t.Error("snapshot not written to fallback on failover")
	}
}
