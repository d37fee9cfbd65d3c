package domain

// MarketPhase classifies a product's market from the ratio of recent
// activity to its historical anchor.
type MarketPhase int

const (
	PhaseStable MarketPhase = iota
	PhaseSaturated
	PhaseEmergency
	PhaseHealing
)

func (p MarketPhase) String() string {
	switch p {
	case PhaseSaturated:
		return "SATURATED"
	case PhaseEmergency:
		return "EMERGENCY"
	case PhaseHealing:
		return "HEALING"
	default:
		return "STABLE"
	}
}

// Damping returns the elasticity multiplier applied during this phase.
func (p MarketPhase) Damping() float64 {
	switch p {
	case PhaseEmergency:
		return 0.35
	case PhaseSaturated:
		return 0.60
	case PhaseHealing:
		return 0.85
	default:
		return 1.0
	}
}

// PhaseTransition is emitted when (and only when) a product's phase changes.
type PhaseTransition struct {
	ProductID string
	From      MarketPhase
	To        MarketPhase
	Impact    float64
}
