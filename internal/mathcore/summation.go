package mathcore

import (
	"math"

	"ecobridge/internal/domain"
)

const (
	msPerDay           = 86_400_000.0
	maxFutureTolerance = 60_000 // ms; records ahead of the clock beyond this are discarded
)

// EffectiveVolume aggregates trade history into a single decayed volume.
// Each record is weighted by exp(-(now - t) / (tau days)); the exponent is
// evaluated relative to the oldest valid record to keep the partial sums in
// a numerically safe range.
func EffectiveVolume(history []domain.HistoryRecord, currentTime int64, tau float64) float64 {
	if len(history) == 0 || tau <= 0 {
		return 0.0
	}

	lambda := 1.0 / (tau * msPerDay)
	validFutureLimit := currentTime + maxFutureTolerance
	validPastLimit := currentTime - int64(tau*msPerDay*10.0)

	tMin := currentTime
	for _, r := range history {
		if r.Timestamp <= validFutureLimit && r.Timestamp >= validPastLimit && r.Timestamp < tMin {
			tMin = r.Timestamp
		}
	}

	baseMultiplier := math.Exp(-float64(currentTime-tMin) * lambda)

	var sumPartial float64
	for _, r := range history {
		if r.Timestamp > validFutureLimit || r.Timestamp < validPastLimit {
			continue
		}
		dtRel := float64(r.Timestamp - tMin)
		sumPartial += r.Amount * math.Exp(dtRel*lambda)
	}

	result := sumPartial * baseMultiplier
	if !isFinite(result) {
		return 0.0
	}
	return result
}
