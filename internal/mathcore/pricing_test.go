package mathcore

import (
	"math"
	"testing"
)

func TestComputePrice_Baseline(t *testing.T) {
	// No volume, neutral epsilon: price equals base price.
	price := ComputePrice(100.0, 0.0, 0.0, 0.002, 1.0)
	if math.Abs(price-100.0) > 1e-9 {
		t.Errorf("expected base price 100, got %f", price)
	}
}

func TestComputePrice_BuyRaisesSellLowers(t *testing.T) {
	base := 100.0

	// Negative amount removes supply (buy): price must rise.
	buy := ComputePrice(base, 0.0, -500.0, 0.002, 1.0)
	if buy <= base {
		t.Errorf("expected buy pressure to raise price, got %f", buy)
	}

	// Positive amount returns supply (sell): price must fall.
	sell := ComputePrice(base, 0.0, 500.0, 0.002, 1.0)
	if sell >= base {
		t.Errorf("expected sell pressure to lower price, got %f", sell)
	}
}

func TestComputePrice_AsymmetricSensitivity(t *testing.T) {
	base := 100.0
	amount := 500.0

	sell := ComputePrice(base, 0.0, amount, 0.002, 1.0)
	buy := ComputePrice(base, 0.0, -amount, 0.002, 1.0)

	// Loss aversion: the drop from a sell is smaller than the rise from an
	// equally sized buy.
	drop := base - sell
	rise := buy - base
	if drop >= rise {
		t.Errorf("expected sell drop (%f) < buy rise (%f)", drop, rise)
	}
}

func TestComputePrice_NonFiniteInputs(t *testing.T) {
	cases := [][5]float64{
		{math.NaN(), 0, 0, 0.002, 1.0},
		{100, math.Inf(1), 0, 0.002, 1.0},
		{100, 0, 0, math.NaN(), 1.0},
		{100, 0, 0, 0.002, math.Inf(-1)},
	}
	for i, c := range cases {
		price := ComputePrice(c[0], c[1], c[2], c[3], c[4])
		if price != PriceFloor {
			t.Errorf("case %d: expected floor %f for poisoned input, got %f", i, PriceFloor, price)
		}
	}
}

func TestComputePrice_SoftClampBoundsCollapse(t *testing.T) {
	// A massive industrial dump cannot push the price to zero in one step:
	// the tanh soft clamp bounds the exponent at ±10.
	price := ComputePrice(100.0, 0.0, 1e9, 0.002, 1.0)

	floorFromClamp := 100.0 * math.Exp(-exponentSoftScale)
	if price < floorFromClamp-1e-9 {
		t.Errorf("expected soft clamp floor %f, got %f", floorFromClamp, price)
	}
	if price < PriceFloor {
		t.Errorf("price fell below hard floor: %f", price)
	}
}

func TestComputePrice_HardFloor(t *testing.T) {
	// Tiny base price with heavy sell pressure lands on the hard floor.
	price := ComputePrice(0.02, 0.0, 1e9, 0.5, 1.0)
	if price != PriceFloor {
		t.Errorf("expected hard floor %f, got %f", PriceFloor, price)
	}
}

func TestPredictPrice_MatchesCompute(t *testing.T) {
	a := PredictPrice(50.0, 200.0, -25.0, 0.003, 1.1)
	b := ComputePrice(50.0, 200.0, -25.0, 0.003, 1.1)
	if a != b {
		t.Errorf("prediction diverged from compute: %f vs %f", a, b)
	}
}
