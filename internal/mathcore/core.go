package mathcore

import "ecobridge/internal/domain"

// Core is the default implementation of the pricing, audit and controller
// boundaries. It is stateless; the engine injects it once at startup.
type Core struct{}

var (
	_ domain.Pricer     = Core{}
	_ domain.Auditor    = Core{}
	_ domain.PidStepper = Core{}
)

func (Core) UnitPrice(ctx domain.PriceContext) float64 {
	return ComputePrice(ctx.BasePrice, ctx.EffectiveVol, ctx.TradeAmount, ctx.Lambda, ctx.Epsilon)
}

func (Core) Epsilon(ctx domain.EnvContext, params domain.MarketParams) float64 {
	return Epsilon(ctx, params)
}

func (Core) Check(req domain.TransferRequest, params domain.RegulatorParams) domain.TransferAudit {
	return CheckTransfer(req, params)
}

func (Core) Step(state *domain.PidState, target, current, dt, inflation float64) float64 {
	return StepPid(state, target, current, dt, inflation)
}
