package pricing

import (
	"context"
	"sync"
	"time"

	"ecobridge/internal/domain"
)

type lockEntry struct {
	mu       sync.RWMutex
	lastUsed int64 // unix millis, guarded by the registry mutex
}

// LockRegistry hands out one RWMutex per product so trades on different
// products never contend. Entries idle past the eviction window are removed
// by the janitor; a later Get simply creates a fresh one.
type LockRegistry struct {
	mu      sync.Mutex
	entries map[domain.ProductKey]*lockEntry
	idleFor time.Duration
}

// NewLockRegistry creates a registry that evicts locks idle for idleFor.
func NewLockRegistry(idleFor time.Duration) *LockRegistry {
	return &LockRegistry{
		entries: make(map[domain.ProductKey]*lockEntry),
		idleFor: idleFor,
	}
}

// Get returns the lock for a product, creating it on first use.
func (r *LockRegistry) Get(key domain.ProductKey) *sync.RWMutex {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &lockEntry{}
		r.entries[key] = e
	}
	e.lastUsed = now
	return &e.mu
}

// Len returns the number of live lock entries.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartJanitor launches the background eviction loop. It stops when ctx is
// cancelled.
func (r *LockRegistry) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictIdle(time.Now().UnixMilli())
			}
		}
	}()
}

// evictIdle removes entries unused for longer than the idle window. A held
// lock is never evicted: TryLock probes for holders without blocking the
// registry.
func (r *LockRegistry) evictIdle(now int64) int {
	cutoff := now - r.idleFor.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for key, e := range r.entries {
		if e.lastUsed > cutoff {
			continue
		}
		if !e.mu.TryLock() {
			continue // still held, retry next sweep
		}
		e.mu.Unlock()
		delete(r.entries, key)
		evicted++
	}
	return evicted
}
