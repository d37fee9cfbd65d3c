package domain

import "github.com/shopspring/decimal"

// PriceContext is the input to the external pricing function. Callers clamp
// and validate both before and after the call; the pricer is treated as
// side-effect-free and is never assumed to validate its own inputs.
type PriceContext struct {
	BasePrice     float64
	EffectiveVol  float64 // decayed trailing volume feeding the exponent
	TradeAmount   float64 // signed increment for this evaluation, 0 for snapshot pricing
	Lambda        float64 // effective elasticity: product lambda x macro multiplier x phase damping
	Epsilon       float64 // environmental factor
	HistoricalAvg float64 // trailing average used for floor protection
}

// EnvContext carries the environmental inputs for the epsilon computation.
type EnvContext struct {
	TimestampMS    int64
	TimezoneOffset int // seconds east of UTC
	InflationRate  float64
	Newbie         bool
	Festival       bool
}

// MarketParams tunes the environmental factor per product.
type MarketParams struct {
	SeasonalAmplitude    float64
	WeekendMultiplier    float64
	NewbieProtectionRate float64
	SeasonalWeight       float64
	WeekendWeight        float64
	NewbieWeight         float64
	InflationWeight      float64
}

// RegulatorParams is the configuration object handed to the audit function.
type RegulatorParams struct {
	BaseTaxRate       decimal.Decimal
	LuxuryThreshold   decimal.Decimal
	LuxuryTaxRate     decimal.Decimal
	WealthGapTaxRate  decimal.Decimal
	PoorThreshold     decimal.Decimal
	RichThreshold     decimal.Decimal
	NewbieLimit       decimal.Decimal
	NewbieReceiveCap  decimal.Decimal
	WarningRatio      float64
	WarningMinAmount  decimal.Decimal
	NewbieHours       float64
	VeteranHours      float64
	VelocityThreshold float64
}

// Pricer is the external pricing function boundary.
type Pricer interface {
	UnitPrice(ctx PriceContext) float64
	Epsilon(ctx EnvContext, params MarketParams) float64
}

// Auditor is the external audit function boundary. Callers must re-validate
// balances after the call returns; the audit works on captured values.
type Auditor interface {
	Check(req TransferRequest, params RegulatorParams) TransferAudit
}

// PidStepper advances the controller state by one discrete step and returns
// the adjustment multiplier.
type PidStepper interface {
	Step(state *PidState, target, current, dt, inflation float64) float64
}
