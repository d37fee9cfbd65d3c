// Package mathcore implements the numerical core behind the pricing, audit
// and controller boundaries. All functions are pure: no I/O, no shared
// state, every input validated and every output clamped.
package mathcore

import "math"

const (
	// PriceFloor is the hard minimum any computed price can reach.
	PriceFloor = 0.01

	// Selling dampens elasticity to make price drops sticky (loss aversion);
	// buying keeps full sensitivity so recovery is faster.
	sellSensitivity = 0.6

	exponentHardClamp = 100.0
	exponentSoftScale = 10.0
)

// ComputePrice evaluates the behavioral pricing function.
// tradeAmount > 0 means supply returned to the market (sell side),
// tradeAmount < 0 means demand removing supply (buy side).
func ComputePrice(basePrice, effectiveVol, tradeAmount, lambda, epsilon float64) float64 {
	if !isFinite(basePrice) || !isFinite(effectiveVol) || !isFinite(lambda) || !isFinite(epsilon) {
		return PriceFloor
	}

	adjLambda := lambda
	if tradeAmount > 0 {
		adjLambda = lambda * sellSensitivity
	}

	totalVol := effectiveVol + tradeAmount

	rawExponent := clamp(-adjLambda*totalVol, -exponentHardClamp, exponentHardClamp)

	// tanh soft clamp: smooths extreme swings so a bulk industrial dump
	// cannot drive the price to zero in a single cycle.
	softExponent := exponentSoftScale * math.Tanh(rawExponent/exponentSoftScale)

	price := basePrice * epsilon * math.Exp(softExponent)
	return math.Max(price, PriceFloor)
}

// PredictPrice evaluates the price including a pending trade increment.
func PredictPrice(basePrice, effectiveVol, tradeAmount, lambda, epsilon float64) float64 {
	return ComputePrice(basePrice, effectiveVol, tradeAmount, lambda, epsilon)
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
