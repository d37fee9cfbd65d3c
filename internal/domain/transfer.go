package domain

import "github.com/shopspring/decimal"

// Audit reason codes. Stable values, surfaced to callers on rejection.
const (
	CodeNormal            = 0
	CodeWarningHighRisk   = 1
	CodeBlockReverseFlow  = 2
	CodeBlockInjection    = 3
	CodeBlockInsufficient = 4
	CodeBlockVelocity     = 5
)

// ReasonText maps an audit code to a human-readable rejection reason.
func ReasonText(code int) string {
	switch code {
	case CodeWarningHighRisk:
		return "abnormal fund concentration (risk rating too high)"
	case CodeBlockReverseFlow:
		return "reverse flow blocked (newcomer to veteran transfer)"
	case CodeBlockInjection:
		return "fund injection blocked (veteran to newcomer over limit)"
	case CodeBlockInsufficient:
		return "insufficient balance (settlement conflict)"
	case CodeBlockVelocity:
		return "abnormal fund velocity (suspected split transfers)"
	default:
		return "transfer rejected by audit"
	}
}

// TransferRequest is the immutable context captured on the request path
// before the audit runs. Balances are the values observed at capture time;
// settlement re-verifies against fresh values.
type TransferRequest struct {
	SenderID   string
	ReceiverID string
	Amount     decimal.Decimal

	SenderBalance   decimal.Decimal
	ReceiverBalance decimal.Decimal

	SenderTenureSec   int64
	ReceiverTenureSec int64
	SenderActivity    float64

	InflationRate float64
	MarketHeat    float64

	// Grants carried by privileged callers.
	BypassBlock bool
	TaxExempt   bool
}

// TransferAudit is the immutable result of the external audit function.
type TransferAudit struct {
	Tax     decimal.Decimal
	Blocked bool
	Code    int
}

// TransferReceipt reports a settled transfer back to the caller.
type TransferReceipt struct {
	LedgerID string
	Amount   decimal.Decimal
	Net      decimal.Decimal
	Tax      decimal.Decimal
	Warning  int
}
