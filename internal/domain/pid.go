package domain

// PidState is the mutable controller state. It is owned by exactly one
// controller loop; nothing else reads or writes it concurrently.
type PidState struct {
	Kp     float64
	Ki     float64
	Kd     float64
	Lambda float64 // integral leakage coefficient, [0, 1]

	Integral         float64
	PrevPV           float64
	FilteredD        float64
	IntegrationLimit float64
	Saturated        bool
}

// DefaultPidState returns the seeded startup state: zero integral, zero
// previous error, not saturated.
func DefaultPidState() PidState {
	return PidState{
		Kp:               0.5,
		Ki:               0.1,
		Kd:               0.05,
		Lambda:           0.01,
		IntegrationLimit: 30.0,
	}
}

// Reset clears the accumulated terms while keeping the gains.
func (s *PidState) Reset() {
	s.Integral = 0
	s.PrevPV = 0
	s.FilteredD = 0
	s.Saturated = false
}
