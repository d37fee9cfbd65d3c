package mathcore

import (
	"math"

	"ecobridge/internal/domain"
)

const (
	secondsPerDay   = 86400.0
	secondsPerWeek  = 604800.0
	secondsPerMonth = 2592000.0
)

func steepSigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x*10.0))
}

// Epsilon computes the environmental price factor from seasonal waves, the
// weekend multiplier, newbie protection and inflation feedback, composed as
// a log-weighted product and clamped to [0.1, 10].
//
// Timestamps are UTC millis; TimezoneOffset shifts the waveforms so "noon"
// and "weekend" follow the server's local clock.
func Epsilon(ctx domain.EnvContext, cfg domain.MarketParams) float64 {
	tsSecLocal := float64(ctx.TimestampMS)/1000.0 + float64(ctx.TimezoneOffset)

	safeLn := func(factor float64) float64 {
		return math.Log(math.Max(factor, 0.01))
	}

	// 1. Seasonal factor: day wave peaks at local noon.
	dayWave := math.Sin(tsSecLocal * 2.0 * math.Pi / secondsPerDay)
	weekWave := math.Sin(tsSecLocal * 2.0 * math.Pi / secondsPerWeek)
	monthWave := math.Sin(tsSecLocal * 2.0 * math.Pi / secondsPerMonth)

	seasonal := 0.6*dayWave + 0.3*weekWave + 0.1*monthWave
	fSea := 1.0 + cfg.SeasonalAmplitude*seasonal
	if ctx.Festival {
		fSea *= 1.15
	}

	// 2. Weekend factor. Unix epoch is a Thursday; (dayIndex+4) mod 7 maps
	// 0=Sun..6=Sat, so >= 5 covers Friday and Saturday.
	dayIndex := int64(math.Floor(tsSecLocal / secondsPerDay))
	dayOfWeek := ((dayIndex+4)%7 + 7) % 7
	fWk := 1.0
	if dayOfWeek >= 5 {
		fWk = cfg.WeekendMultiplier
	}

	// 3. Newbie protection factor.
	fNb := 1.0
	if ctx.Newbie {
		fNb = 1.0 - cfg.NewbieProtectionRate
	}

	// 4. Inflation feedback: only kicks in meaningfully above ~5%.
	trigger := steepSigmoid(ctx.InflationRate - 0.05)
	fInf := 1.0 + ctx.InflationRate*0.2*trigger

	logEps := cfg.SeasonalWeight*safeLn(fSea) +
		cfg.WeekendWeight*safeLn(fWk) +
		cfg.NewbieWeight*safeLn(fNb) +
		cfg.InflationWeight*safeLn(fInf)

	return clamp(math.Exp(logEps), 0.1, 10.0)
}
