package service

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
	"ecobridge/internal/infra/storage"
	"ecobridge/internal/macro"
	"ecobridge/internal/mathcore"
	"ecobridge/internal/pricing"
	"ecobridge/internal/transfer"
)

func testServiceConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.App.InstanceID = "node-test"
	cfg.Economy.Tau = 1.0
	cfg.Economy.HistoryDays = 3
	cfg.Economy.MaxHistoryRecords = 100
	cfg.Economy.DefaultLambda = 0.004
	cfg.Economy.WeekendMultiplier = 1.0
	cfg.Economy.M1Supply = 10_000_000
	cfg.Economy.VolatilityThreshold = 500_000
	cfg.Controller.MinTargetFloor = 100
	cfg.Controller.PerParticipantTarget = 50
	cfg.Phases.EmergencyAbove = 3.5
	cfg.Phases.SaturatedAbove = 1.8
	cfg.Phases.HealingBelow = 1.5
	cfg.Phases.StableBelow = 1.2
	cfg.Phases.AnchorTTLSec = 300
	cfg.Phases.RecoveryWindowMS = 900_000
	cfg.Audit.Workers = 2
	cfg.Audit.QueueSize = 16
	cfg.Audit.BalanceRetries = 5
	cfg.Audit.BaseTaxRate = decimal.NewFromFloat(0.02)
	cfg.Audit.NewbieReceiveCap = decimal.NewFromInt(20_000)
	cfg.Audit.WarningRatio = 0.8
	cfg.Audit.WarningMinAmount = decimal.NewFromInt(10_000)
	cfg.Audit.NewbieHours = 72
	cfg.Audit.VeteranHours = 720
	cfg.Locks.IdleEvictionMin = 10
	cfg.Products = map[string]map[string]domain.Product{
		"farm": {
			"wheat":  {BasePrice: 12.5, Lambda: 0.004},
			"carrot": {BasePrice: 8.0},
		},
	}
	return cfg
}

// newTestService assembles the full component stack against a temp database,
// mirroring the bootstrap wiring.
func newTestService(t *testing.T) *EconomyService {
	t.Helper()

	db, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	cfg := testServiceConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := &infra.Metrics{}
	core := mathcore.Core{}

	activity := transfer.NewActivityRegistry()
	phases := macro.NewStateTracker(cfg, log, metrics, db.AbsAverage)
	ctrl := macro.NewController(cfg, log, metrics, db, core)
	engine := pricing.NewEngine(cfg, log, metrics, db, core, ctrl, phases, nil)

	pool := transfer.NewPool(log, cfg.Audit.Workers, cfg.Audit.QueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Close()
		cancel()
	})

	pipeline := transfer.NewPipeline(cfg, log, metrics, db, core, ctrl, activity, engine, pool)
	return NewEconomyService(cfg, db, engine, pipeline, ctrl, phases, activity)
}

func TestEconomyService_Accounts(t *testing.T) {
	s := newTestService(t)

	if _, err := s.Balance("alice"); err != domain.ErrAccountNotFound {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	if err := s.EnsureAccount("alice", decimal.NewFromInt(1_000)); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	// Idempotent: a second ensure does not reset the balance.
	if err := s.EnsureAccount("alice", decimal.NewFromInt(9_999)); err != nil {
		t.Fatalf("EnsureAccount again: %v", err)
	}

	bal, err := s.Balance("alice")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(1_000)) {
		t.Errorf("balance = %s, want 1000", bal)
	}
}

func TestEconomyService_TradeAndPrices(t *testing.T) {
	s := newTestService(t)

	if err := s.RecordTrade("alice", "farm", "wheat", -200); err != nil {
		t.Fatalf("RecordTrade: %v", err)
	}
	if got := s.Status().Heat; got != 200 {
		t.Errorf("heat = %f, want 200 (absolute volume)", got)
	}

	// The published table still reflects the last snapshot; prices update on
	// the compute cycle, not on the trade path.
	if got := s.Price("farm", "wheat"); got != -1 {
		t.Errorf("pre-snapshot price = %f, want -1", got)
	}

	// Prediction sees the pending-trade price immediately.
	neutral := s.PredictPrice("farm", "wheat", 0)
	buying := s.PredictPrice("farm", "wheat", -500)
	if buying <= neutral {
		t.Errorf("buy prediction %f must exceed neutral %f", buying, neutral)
	}
	if got := s.PredictPrice("farm", "nothing", 0); got != -1 {
		t.Errorf("unknown product prediction = %f, want -1", got)
	}
}

func TestEconomyService_AllPricesSorted(t *testing.T) {
	s := newTestService(t)

	s.engine.Snapshots().Publish(map[domain.ProductKey]float64{
		domain.Key("farm", "wheat"):  13.1,
		domain.Key("farm", "carrot"): 7.9,
	})

	rows := s.AllPrices()
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].ProductID != "carrot" || rows[1].ProductID != "wheat" {
		t.Errorf("rows not sorted: %+v", rows)
	}
	if rows[0].ShopID != "farm" || rows[0].Price != 7.9 {
		t.Errorf("unexpected row: %+v", rows[0])
	}
}

func TestEconomyService_Transfer(t *testing.T) {
	s := newTestService(t)

	if err := s.EnsureAccount("alice", decimal.NewFromInt(10_000)); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if err := s.EnsureAccount("bob", decimal.NewFromInt(1_000)); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	receipt, err := s.Transfer(context.Background(), "alice", "bob", decimal.NewFromInt(500), transfer.Options{})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !receipt.Net.Equal(decimal.NewFromInt(490)) {
		t.Errorf("net = %s, want 490 after 2%% tax", receipt.Net)
	}

	entries, err := s.Ledger("alice", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %d (%v), want 1", len(entries), err)
	}

	// The settled transfer surfaces as a synthetic trade in the engine.
	if got := s.Status().Heat; got != 500 {
		t.Errorf("heat = %f, want 500", got)
	}
}

func TestEconomyService_Status(t *testing.T) {
	s := newTestService(t)

	st := s.Status()
	if st.Multiplier != 1.0 {
		t.Errorf("resting multiplier = %f, want 1.0", st.Multiplier)
	}
	if st.Stability != 1.0 {
		t.Errorf("calm stability = %f, want 1.0", st.Stability)
	}
	if st.Participants != 0 {
		t.Errorf("participants = %d, want 0", st.Participants)
	}

	if err := s.EnsureAccount("alice", decimal.Zero); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if got := s.Status().Participants; got != 1 {
		t.Errorf("participants = %d, want 1", got)
	}
}

func TestEconomyService_Phase(t *testing.T) {
	s := newTestService(t)
	if got := s.Phase("farm", "wheat"); got != domain.PhaseStable {
		t.Errorf("fresh phase = %v, want Stable", got)
	}
}
