package mathcore

import (
	"github.com/shopspring/decimal"

	"ecobridge/internal/domain"
)

var decHalf = decimal.NewFromFloat(0.5)

// CheckTransfer audits a captured transfer context against the regulator
// configuration and returns the tax plus block/warning classification.
// Money stays in decimal end to end; only rates and tenure use floats.
func CheckTransfer(req domain.TransferRequest, cfg domain.RegulatorParams) domain.TransferAudit {
	amount := decimal.Max(req.Amount, decimal.Zero)
	senderBal := decimal.Max(req.SenderBalance, decimal.Zero)
	receiverBal := decimal.Max(req.ReceiverBalance, decimal.Zero)

	sSeconds := float64(req.SenderTenureSec)
	rSeconds := float64(req.ReceiverTenureSec)

	newbieThresholdSec := cfg.NewbieHours * 3600.0
	veteranThresholdSec := cfg.VeteranHours * 3600.0

	newbieLimit := cfg.NewbieLimit
	if !newbieLimit.IsPositive() {
		newbieLimit = decimal.NewFromInt(5000)
	}

	// 1. Hard balance check.
	if amount.GreaterThan(senderBal) {
		return domain.TransferAudit{Blocked: true, Code: domain.CodeBlockInsufficient}
	}

	// 2. Reverse flow: a large newcomer -> veteran transfer.
	if sSeconds < newbieThresholdSec && rSeconds > veteranThresholdSec && amount.GreaterThan(newbieLimit) {
		return domain.TransferAudit{Blocked: true, Code: domain.CodeBlockReverseFlow}
	}

	// 3. Injection: veteran -> newcomer pushing the receiver over the cap.
	if sSeconds > veteranThresholdSec && rSeconds < newbieThresholdSec {
		if receiverBal.Add(amount).GreaterThan(cfg.NewbieReceiveCap) {
			return domain.TransferAudit{Blocked: true, Code: domain.CodeBlockInjection}
		}
	}

	// 4. Risk rating (warning only).
	warning := domain.CodeNormal
	denom := decimal.Max(senderBal, decimal.NewFromInt(1))
	riskRatio, _ := amount.Div(denom).Float64()
	inflationAdj := 1.0 + maxf(req.InflationRate, 0.0)
	dynamicWarningMin := cfg.WarningMinAmount.Mul(decimal.NewFromFloat(inflationAdj))
	if riskRatio > cfg.WarningRatio && amount.GreaterThan(dynamicWarningMin) {
		warning = domain.CodeWarningHighRisk
	}

	// 5. Dynamic tax: base rate scaled by inflation, plus a luxury tier.
	tax := amount.Mul(cfg.BaseTaxRate).Mul(decimal.NewFromFloat(inflationAdj))
	if amount.GreaterThan(cfg.LuxuryThreshold) {
		excess := amount.Sub(cfg.LuxuryThreshold)
		tax = tax.Add(excess.Mul(cfg.LuxuryTaxRate))
	}

	// Wealth-gap tax: poor -> rich pays at least the gap rate.
	if senderBal.LessThan(cfg.PoorThreshold) && receiverBal.GreaterThan(cfg.RichThreshold) {
		gapTax := amount.Mul(cfg.WealthGapTaxRate)
		tax = decimal.Max(tax, gapTax)
	}

	// Cap: tax never exceeds half the transfer.
	tax = decimal.Min(tax, amount.Mul(decHalf))

	return domain.TransferAudit{Tax: tax, Blocked: false, Code: warning}
}

// IsHighRisk reports whether the audit blocked the transfer or flagged it.
func IsHighRisk(a domain.TransferAudit) bool {
	return a.Blocked || a.Code == domain.CodeWarningHighRisk
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
