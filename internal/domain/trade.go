package domain

// SyntheticTransferProduct is the product id attached to peer-to-peer
// transfers when they are fed into the trade pipeline.
const SyntheticTransferProduct = "SYSTEM_TRANSFER"

// TradeEvent is both the local accounting unit and the wire unit for
// replication. Amount is signed: negative means removed from the market
// (a buy), positive means returned to the market (a sell).
type TradeEvent struct {
	SourceID  string  `json:"sourceId"`
	ProductID string  `json:"productId"`
	Amount    float64 `json:"amount"`
	Timestamp int64   `json:"timestamp"` // unix millis
}

// HistoryRecord is a single historical trade observation for one product.
type HistoryRecord struct {
	Timestamp int64
	Amount    float64
}
