// Package pricing owns the price compute cycle: the published snapshot, the
// per-product lock registry, in-memory trade history and the periodic
// recompute engine.
package pricing

import (
	"sync/atomic"
	"time"

	"ecobridge/internal/domain"
)

// SnapshotStore publishes immutable price snapshots. Readers never block
// writers: the current snapshot is swapped wholesale with an atomic pointer
// and old snapshots stay valid for readers that still hold them.
type SnapshotStore struct {
	current    atomic.Pointer[domain.PriceSnapshot]
	generation atomic.Uint64
}

// NewSnapshotStore starts with an empty generation-0 snapshot so readers
// never observe nil.
func NewSnapshotStore() *SnapshotStore {
	s := &SnapshotStore{}
	s.current.Store(&domain.PriceSnapshot{
		ComputedAt: time.Now().UnixMilli(),
		Prices:     map[domain.ProductKey]float64{},
	})
	return s
}

// Publish swaps in a new snapshot built from the given price map. The map
// must not be mutated by the caller afterwards.
func (s *SnapshotStore) Publish(prices map[domain.ProductKey]float64) *domain.PriceSnapshot {
	snap := &domain.PriceSnapshot{
		Generation: s.generation.Add(1),
		ComputedAt: time.Now().UnixMilli(),
		Prices:     prices,
	}
	s.current.Store(snap)
	return snap
}

// Current returns the latest snapshot. Never nil.
func (s *SnapshotStore) Current() *domain.PriceSnapshot {
	return s.current.Load()
}

// PriceFor returns the current unit price for a key, or -1 if unknown.
func (s *SnapshotStore) PriceFor(key domain.ProductKey) float64 {
	return s.current.Load().Price(key)
}
