// Package transfer implements the capture -> audit -> settle pipeline for
// peer-to-peer balance transfers, backed by a bounded audit worker pool.
package transfer

import (
	"math"
	"sync"
	"time"
)

// ActivityRegistry tracks participant tenure and transfer activity. Tenure
// feeds the newcomer/veteran rules in the audit; the activity score feeds
// velocity heuristics.
type ActivityRegistry struct {
	mu       sync.RWMutex
	joined   map[string]int64 // account id -> first-seen unix millis
	lastSeen map[string]int64
	score    map[string]float64 // decayed transfers-per-hour estimate
}

// NewActivityRegistry creates an empty registry.
func NewActivityRegistry() *ActivityRegistry {
	return &ActivityRegistry{
		joined:   make(map[string]int64),
		lastSeen: make(map[string]int64),
		score:    make(map[string]float64),
	}
}

// Touch registers an account's presence, fixing its join time on first
// sight.
func (r *ActivityRegistry) Touch(accountID string) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[accountID]; !ok {
		r.joined[accountID] = now
	}
	r.lastSeen[accountID] = now
}

// RecordTransfer bumps the account's activity score. The score decays by
// half for every hour since the previous transfer, so burst senders stand
// out against steady ones.
func (r *ActivityRegistry) RecordTransfer(accountID string) {
	now := time.Now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[accountID]; !ok {
		r.joined[accountID] = now
	}

	prev := r.score[accountID]
	if last, ok := r.lastSeen[accountID]; ok && last < now {
		hours := float64(now-last) / 3_600_000
		prev *= halfLifeDecay(hours)
	}
	r.score[accountID] = prev + 1
	r.lastSeen[accountID] = now
}

// TenureSec returns how long the account has been known, in seconds.
// Unknown accounts have zero tenure (treated as newcomers by the audit).
func (r *ActivityRegistry) TenureSec(accountID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined, ok := r.joined[accountID]
	if !ok {
		return 0
	}
	return (time.Now().UnixMilli() - joined) / 1000
}

// Activity returns the account's current activity score.
func (r *ActivityRegistry) Activity(accountID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.score[accountID]
}

// Count returns the number of known participants.
func (r *ActivityRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.joined)
}

// ActiveCount returns participants seen within the given window.
func (r *ActivityRegistry) ActiveCount(window time.Duration) int {
	cutoff := time.Now().UnixMilli() - window.Milliseconds()

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, last := range r.lastSeen {
		if last >= cutoff {
			n++
		}
	}
	return n
}

// halfLifeDecay returns 0.5^hours.
func halfLifeDecay(hours float64) float64 {
	if hours <= 0 {
		return 1
	}
	return math.Pow(0.5, hours)
}
