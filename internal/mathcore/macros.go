package mathcore

// InflationRate computes the macro inflation estimate as the ratio of
// circulating heat to the M1 money supply, hard-clamped to [-0.15, 0.45]
// so runaway inflation or deflation cannot collapse the price table.
func InflationRate(currentHeat, m1Supply float64) float64 {
	if m1Supply <= 1.0 {
		return 0.0
	}
	return clamp(currentHeat/m1Supply, -0.15, 0.45)
}

// Stability is a linear-recovery factor in [0, 1]: the longer since the last
// volatile event, the more stable the market. Zero timestamp means the
// market has never been volatile.
func Stability(lastVolatileTS, currentTS int64, recoveryWindowMS float64) float64 {
	if lastVolatileTS <= 0 {
		return 1.0
	}
	diff := float64(currentTS - lastVolatileTS)
	if diff < 0 {
		// Clock went backwards; treat as stable rather than panicking.
		return 1.0
	}
	return clamp(diff/recoveryWindowMS, 0.0, 1.0)
}

// DecayAmount returns how much heat the current cycle should shed. Heat
// below |1.0| is returned whole so the caller zeroes it out in one step.
func DecayAmount(currentHeat, dailyDecayRate, cyclesPerDay float64) float64 {
	if currentHeat < 1.0 && currentHeat > -1.0 {
		return currentHeat
	}
	perCycle := dailyDecayRate / cyclesPerDay
	return currentHeat * perCycle
}
