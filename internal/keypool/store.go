package keypool

import "context"

// Store abstracts durable persistence of pool state. Implementations live in
// internal/store; the resilient decorator satisfies the same contract.
type Store interface {
	Init(ctx context.Context) error
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	UpsertKey(ctx context.Context, state KeyState) error
	RecordRequestMetrics(ctx context.Context, metric RequestMetric) error
	GetDailyUsageStats(ctx context.Context) ([]UsageStat, error)
	GetWeeklyUsageStats(ctx context.Context) ([]UsageStat, error)
	Close() error
}
