// Package service exposes the host-facing API surface: one facade over the
// pricing engine, the transfer pipeline and the macro state, so embedding
// code talks to a single object instead of wiring internals.
package service

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
	"ecobridge/internal/infra/storage"
	"ecobridge/internal/macro"
	"ecobridge/internal/pricing"
	"ecobridge/internal/transfer"
)

// ProductPrice is one row of the published price table.
type ProductPrice struct {
	ShopID    string
	ProductID string
	Price     float64
}

// EconomyStatus is a point-in-time view of the macro state for dashboards
// and admin commands.
type EconomyStatus struct {
	Generation   uint64
	Multiplier   float64
	Inflation    float64
	Heat         float64
	Stability    float64
	Participants int
}

// EconomyService is the facade the host environment calls into.
type EconomyService struct {
	cfg      *infra.Config
	db       *storage.Storage
	engine   *pricing.Engine
	pipeline *transfer.Pipeline
	macro    *macro.Controller
	phases   *macro.StateTracker
	activity *transfer.ActivityRegistry
}

// NewEconomyService wires the facade over already-constructed components.
func NewEconomyService(
	cfg *infra.Config,
	db *storage.Storage,
	engine *pricing.Engine,
	pipeline *transfer.Pipeline,
	ctrl *macro.Controller,
	phases *macro.StateTracker,
	activity *transfer.ActivityRegistry,
) *EconomyService {
	return &EconomyService{
		cfg:      cfg,
		db:       db,
		engine:   engine,
		pipeline: pipeline,
		macro:    ctrl,
		phases:   phases,
		activity: activity,
	}
}

// Price returns the current unit price for a product, or -1 if unknown.
// Lock-free: reads the published snapshot.
func (s *EconomyService) Price(shopID, productID string) float64 {
	return s.engine.Snapshots().PriceFor(domain.Key(shopID, productID))
}

// AllPrices returns the full price table sorted by shop then product.
func (s *EconomyService) AllPrices() []ProductPrice {
	snap := s.engine.Snapshots().Current()

	out := make([]ProductPrice, 0, len(snap.Prices))
	for key, price := range snap.Prices {
		shopID, productID := splitKey(string(key))
		out = append(out, ProductPrice{ShopID: shopID, ProductID: productID, Price: price})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShopID != out[j].ShopID {
			return out[i].ShopID < out[j].ShopID
		}
		return out[i].ProductID < out[j].ProductID
	})
	return out
}

// PredictPrice quotes the price a pending trade would settle at without
// recording anything. amount > 0 sells into the market, amount < 0 buys.
func (s *EconomyService) PredictPrice(shopID, productID string, amount float64) float64 {
	return s.engine.PredictPrice(domain.Key(shopID, productID), amount)
}

// RecordTrade records a completed shop trade for the given actor. The actor
// is registered for participant tracking; the trade feeds pricing, macro
// volume and replication.
func (s *EconomyService) RecordTrade(actorID, shopID, productID string, amount float64) error {
	ev := domain.TradeEvent{
		SourceID:  s.cfg.App.InstanceID,
		ProductID: string(domain.Key(shopID, productID)),
		Amount:    amount,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.engine.RecordLocalTrade(ev); err != nil {
		return err
	}
	if actorID != "" {
		s.activity.Touch(actorID)
	}
	return nil
}

// Transfer moves balance between two accounts through the audit pipeline.
func (s *EconomyService) Transfer(ctx context.Context, senderID, receiverID string, amount decimal.Decimal, opts transfer.Options) (domain.TransferReceipt, error) {
	return s.pipeline.Transfer(ctx, senderID, receiverID, amount, opts)
}

// Balance returns an account's current balance.
func (s *EconomyService) Balance(accountID string) (decimal.Decimal, error) {
	acc, err := s.db.Account(accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}

// EnsureAccount creates the account with an initial balance if it does not
// exist yet, and registers it as a participant.
func (s *EconomyService) EnsureAccount(accountID string, initial decimal.Decimal) error {
	_, err := s.db.Account(accountID)
	if err == nil {
		s.activity.Touch(accountID)
		return nil
	}
	if err != domain.ErrAccountNotFound {
		return err
	}
	if err := s.db.UpsertAccount(&storage.Account{ID: accountID, Balance: initial}); err != nil {
		return err
	}
	s.activity.Touch(accountID)
	return nil
}

// Ledger returns the most recent transfers touching an account.
func (s *EconomyService) Ledger(accountID string, limit int) ([]storage.LedgerEntry, error) {
	return s.db.LedgerFor(accountID, limit)
}

// Phase returns the market phase classification for a product.
func (s *EconomyService) Phase(shopID, productID string) domain.MarketPhase {
	return s.phases.Phase(domain.Key(shopID, productID))
}

// ResetController clears the PID state on the next controller tick.
// Operator escape hatch for a wound-up integral.
func (s *EconomyService) ResetController() {
	s.macro.RequestPidReset()
}

// Status reports the macro state for dashboards.
func (s *EconomyService) Status() EconomyStatus {
	return EconomyStatus{
		Generation:   s.engine.Snapshots().Current().Generation,
		Multiplier:   s.macro.Multiplier(),
		Inflation:    s.macro.InflationRate(),
		Heat:         s.macro.Heat(),
		Stability:    s.macro.Stability(),
		Participants: s.activity.Count(),
	}
}

func splitKey(key string) (shopID, productID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
