package store

import (
	"context"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"gembalance/internal/keypool"
	"gembalance/internal/monitoring"
)

// ResilientStore decorates a primary and a fallback store. A failed write on
// the primary demotes it permanently for this process: all subsequent
// operations go to the fallback, with no flapping back. Failed reads fall
// through to the fallback for a single answer without demoting, so a
// transient read hiccup cannot silently fork the write path.
type ResilientStore struct {
	primary  keypool.Store
	fallback keypool.Store
	demoted  atomic.Bool
}

func NewResilientStore(primary, fallback keypool.Store) *ResilientStore {
	return &ResilientStore{primary: primary, fallback: fallback}
}

// Demoted reports whether the fallback has taken over.
func (r *ResilientStore) Demoted() bool { return r.demoted.Load() }

func (r *ResilientStore) demote(op string, err error) {
	if r.demoted.CompareAndSwap(false, true) {
		monitoring.StoreFailoversTotal.Inc()
		log.WithError(err).WithField("op", op).Error("primary store failed; demoting to fallback for the remainder of the process")
	}
}

func (r *ResilientStore) Init(ctx context.Context) error {
	// The fallback must always be ready to take over.
	if err := r.fallback.Init(ctx); err != nil {
		return err
	}
	if r.demoted.Load() {
		return nil
	}
	if err := r.primary.Init(ctx); err != nil {
		r.demote("init", err)
	}
	return nil
}

func (r *ResilientStore) Close() error {
	ferr := r.fallback.Close()
	if err := r.primary.Close(); err != nil {
		return err
	}
	return ferr
}

func (r *ResilientStore) Load(ctx context.Context) (*keypool.Snapshot, error) {
	if r.demoted.Load() {
		return r.fallback.Load(ctx)
	}
	snap, err := r.primary.Load(ctx)
	if err == nil {
		return snap, nil
	}
	log.WithError(err).Warn("primary store load failed; reading fallback without demotion")
	return r.fallback.Load(ctx)
}

func (r *ResilientStore) Save(ctx context.Context, snap *keypool.Snapshot) error {
	if r.demoted.Load() {
		return r.fallback.Save(ctx, snap)
	}
	if err := r.primary.Save(ctx, snap); err != nil {
		r.demote("save", err)
		return r.fallback.Save(ctx, snap)
	}
	return nil
}

func (r *ResilientStore) UpsertKey(ctx context.Context, st keypool.KeyState) error {
	if r.demoted.Load() {
		return r.fallback.UpsertKey(ctx, st)
	}
	if err := r.primary.UpsertKey(ctx, st); err != nil {
		r.demote("upsertKey", err)
		return r.fallback.UpsertKey(ctx, st)
	}
	return nil
}

func (r *ResilientStore) RecordRequestMetrics(ctx context.Context, m keypool.RequestMetric) error {
	if r.demoted.Load() {
		return r.fallback.RecordRequestMetrics(ctx, m)
	}
	if err := r.primary.RecordRequestMetrics(ctx, m); err != nil {
		r.demote("recordRequestMetrics", err)
		return r.fallback.RecordRequestMetrics(ctx, m)
	}
	return nil
}

func (r *ResilientStore) GetDailyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	if r.demoted.Load() {
		return r.fallback.GetDailyUsageStats(ctx)
	}
	stats, err := r.primary.GetDailyUsageStats(ctx)
	if err == nil {
		return stats, nil
	}
	log.WithError(err).Warn("primary store daily stats failed; reading fallback without demotion")
	return r.fallback.GetDailyUsageStats(ctx)
}

func (r *ResilientStore) GetWeeklyUsageStats(ctx context.Context) ([]keypool.UsageStat, error) {
	if r.demoted.Load() {
		return r.fallback.GetWeeklyUsageStats(ctx)
	}
	stats, err := r.primary.GetWeeklyUsageStats(ctx)
	if err == nil {
		return stats, nil
	}
	log.WithError(err).Warn("primary store weekly stats failed; reading fallback without demotion")
	return r.fallback.GetWeeklyUsageStats(ctx)
}
