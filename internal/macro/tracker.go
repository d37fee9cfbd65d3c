package macro

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
)

// AnchorFunc fetches the historical activity anchor for a product: the
// trailing average absolute trade amount since the given timestamp.
type AnchorFunc func(productID string, since int64) (float64, error)

// TransitionListener receives phase transitions from the notifier
// goroutine, never from the evaluation path.
type TransitionListener func(t domain.PhaseTransition)

type productState struct {
	phase        domain.MarketPhase
	healingSince int64

	anchor   float64
	anchorAt int64 // unix millis the anchor was fetched

	// Rolling activity window.
	windowStart int64
	windowSum   float64
	windowCount int64
}

// StateTracker classifies each product's market into phases from the ratio
// of recent activity to its historical anchor, with hysteresis so small
// fluctuations do not flap the phase. Transitions are announced through a
// dedicated notifier goroutine.
type StateTracker struct {
	cfg      *infra.Config
	log      *slog.Logger
	metrics  *infra.Metrics
	anchorFn AnchorFunc

	mu     sync.Mutex
	states map[domain.ProductKey]*productState

	notifyCh  chan domain.PhaseTransition
	listeners []TransitionListener
}

// NewStateTracker builds the tracker. anchorFn is typically
// storage.AbsAverage.
func NewStateTracker(cfg *infra.Config, log *slog.Logger, metrics *infra.Metrics, anchorFn AnchorFunc) *StateTracker {
	return &StateTracker{
		cfg:      cfg,
		log:      log.With("component", "phases"),
		metrics:  metrics,
		anchorFn: anchorFn,
		states:   make(map[domain.ProductKey]*productState),
		notifyCh: make(chan domain.PhaseTransition, 64),
	}
}

// Subscribe registers a transition listener. Must be called before Run.
func (t *StateTracker) Subscribe(fn TransitionListener) {
	t.listeners = append(t.listeners, fn)
}

// RecordActivity feeds one absolute trade amount into the product's rolling
// window.
func (t *StateTracker) RecordActivity(key domain.ProductKey, amount float64) {
	now := time.Now().UnixMilli()
	window := int64(t.cfg.Phases.AnchorTTLSec) * 1000

	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(key)
	if now-st.windowStart > window {
		st.windowStart = now
		st.windowSum = 0
		st.windowCount = 0
	}
	st.windowSum += amount
	st.windowCount++
}

// Phase returns the current phase for a product without evaluating.
func (t *StateTracker) Phase(key domain.ProductKey) domain.MarketPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(key).phase
}

// Damping evaluates the product's phase and returns the elasticity damping
// factor. A transition is queued for the notifier; the evaluation path
// itself never calls out.
func (t *StateTracker) Damping(key domain.ProductKey) float64 {
	now := time.Now().UnixMilli()

	t.mu.Lock()
	st := t.state(key)
	t.refreshAnchor(key, st, now)

	var impact float64
	if st.anchor > 0 && st.windowCount > 0 {
		impact = (st.windowSum / float64(st.windowCount)) / st.anchor
	}

	prev := st.phase
	next := t.transition(st, impact, now)
	if next != prev {
		if next == domain.PhaseHealing {
			st.healingSince = now
		}
		st.phase = next
	}
	t.mu.Unlock()

	if next != prev {
		t.metrics.RecordPhaseTransition()
		select {
		case t.notifyCh <- domain.PhaseTransition{ProductID: string(key), From: prev, To: next, Impact: impact}:
		default:
			// Notifier backlog full; the phase itself is already updated.
		}
	}

	return next.Damping()
}

// transition applies the phase table in priority order. The hysteresis band
// between the thresholds keeps the previous phase; leaving Healing for
// Stable additionally requires the recovery window to elapse.
func (t *StateTracker) transition(st *productState, impact float64, now int64) domain.MarketPhase {
	ph := t.cfg.Phases
	switch {
	case impact > ph.EmergencyAbove:
		return domain.PhaseEmergency
	case impact > ph.SaturatedAbove:
		return domain.PhaseSaturated
	case st.phase == domain.PhaseEmergency && impact < ph.HealingBelow:
		return domain.PhaseHealing
	case st.phase == domain.PhaseHealing && impact < ph.StableBelow:
		if now-st.healingSince >= int64(ph.RecoveryWindowMS) {
			return domain.PhaseStable
		}
		return domain.PhaseHealing
	case st.phase != domain.PhaseEmergency && st.phase != domain.PhaseHealing && impact < ph.StableBelow:
		return domain.PhaseStable
	default:
		return st.phase
	}
}

// refreshAnchor re-fetches the anchor when the TTL expires. A fetch failure
// keeps the stale anchor; a missing history yields anchor 0, which reads as
// no abnormal activity.
func (t *StateTracker) refreshAnchor(key domain.ProductKey, st *productState, now int64) {
	ttl := int64(t.cfg.Phases.AnchorTTLSec) * 1000
	if st.anchorAt != 0 && now-st.anchorAt < ttl {
		return
	}
	since := now - int64(t.cfg.Economy.HistoryDays)*24*3600*1000
	anchor, err := t.anchorFn(string(key), since)
	if err != nil {
		t.metrics.RecordError()
		t.log.Warn("anchor fetch failed", "product", string(key), "error", err)
		st.anchorAt = now // back off for a full TTL rather than hammering
		return
	}
	st.anchor = anchor
	st.anchorAt = now
}

// state must be called with t.mu held.
func (t *StateTracker) state(key domain.ProductKey) *productState {
	st, ok := t.states[key]
	if !ok {
		st = &productState{phase: domain.PhaseStable}
		t.states[key] = st
	}
	return st
}

// Run drains the transition queue and invokes listeners. This is the only
// context from which phase broadcasts reach the host environment.
func (t *StateTracker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr := <-t.notifyCh:
			t.log.Info("📊 market phase transition",
				"product", tr.ProductID,
				"from", tr.From.String(),
				"to", tr.To.String(),
				"impact", tr.Impact)
			for _, fn := range t.listeners {
				fn(tr)
			}
		}
	}
}
