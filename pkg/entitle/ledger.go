package entitle

import (
	"context"
	"fmt"
	"time"
)

// Ledger exposes the per-project usage counters.
// Increment is the only mutator within a billing cycle.
type Ledger struct {
	storage            Storage
	trackSearchQueries bool
	metrics            Metrics
}

// NewLedger creates a ledger over storage. When trackSearchQueries is false,
// search_query increments are accepted and ignored.
func NewLedger(storage Storage, trackSearchQueries bool, metrics Metrics) *Ledger {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &Ledger{
		storage:            storage,
		trackSearchQueries: trackSearchQueries,
		metrics:            metrics,
	}
}

// Get returns the counters of a project, all zero when it has no record yet
func (l *Ledger) Get(ctx context.Context, projectID string) (UsageStats, error) {
	start := time.Now()
	usage, err := l.storage.GetUsage(ctx, projectID)
	l.metrics.RecordStorageOperation("get_usage", time.Since(start), err)
	if err != nil {
		return UsageStats{}, fmt.Errorf("failed to get usage: %w", err)
	}
	if usage == nil {
		return UsageStats{}, nil
	}
	return *usage, nil
}

// Increment adds amount to the counter for kind and returns the updated counters
func (l *Ledger) Increment(ctx context.Context, projectID string, kind ResourceKind, amount int) (UsageStats, error) {
	if !kind.Valid() {
		return UsageStats{}, fmt.Errorf("%w: %q", ErrUnknownResource, kind)
	}
	if amount <= 0 || amount > MaxCost {
		return UsageStats{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if kind == ResourceSearchQuery && !l.trackSearchQueries {
		return l.Get(ctx, projectID)
	}

	start := time.Now()
	usage, err := l.storage.IncrementUsage(ctx, projectID, kind, amount)
	l.metrics.RecordStorageOperation("increment_usage", time.Since(start), err)
	if err != nil {
		return UsageStats{}, fmt.Errorf("failed to increment usage: %w", err)
	}
	return *usage, nil
}

// Rollover zeroes the counters when cycleStart begins a newer cycle than the stored one
func (l *Ledger) Rollover(ctx context.Context, projectID string, cycleStart time.Time) (UsageStats, bool, error) {
	start := time.Now()
	usage, reset, err := l.storage.ResetUsage(ctx, projectID, cycleStart.UTC())
	l.metrics.RecordStorageOperation("reset_usage", time.Since(start), err)
	if err != nil {
		return UsageStats{}, false, fmt.Errorf("failed to reset usage: %w", err)
	}
	return *usage, reset, nil
}
