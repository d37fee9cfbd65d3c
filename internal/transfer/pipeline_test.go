package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
	"ecobridge/internal/infra/storage"
	"ecobridge/internal/mathcore"
)

type fakeMacro struct {
	mu     sync.Mutex
	volume float64
}

func (m *fakeMacro) InflationRate() float64 { return 0 }
func (m *fakeMacro) Heat() float64          { return 0 }

func (m *fakeMacro) AddVolume(amount float64) {
	m.mu.Lock()
	m.volume += amount
	m.mu.Unlock()
}

func (m *fakeMacro) totalVolume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []domain.TradeEvent
	err    error
}

func (r *fakeRecorder) RecordLocalTrade(ev domain.TradeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *fakeRecorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testPipelineConfig() *infra.Config {
	cfg := &infra.Config{}
	cfg.App.InstanceID = "node-test"
	cfg.Audit.Workers = 2
	cfg.Audit.QueueSize = 16
	cfg.Audit.BalanceRetries = 5
	cfg.Audit.BaseTaxRate = decimal.NewFromFloat(0.02)
	cfg.Audit.LuxuryThreshold = decimal.NewFromInt(100_000)
	cfg.Audit.LuxuryTaxRate = decimal.NewFromFloat(0.10)
	cfg.Audit.WealthGapTaxRate = decimal.NewFromFloat(0.15)
	cfg.Audit.PoorThreshold = decimal.NewFromInt(1_000)
	cfg.Audit.RichThreshold = decimal.NewFromInt(1_000_000)
	cfg.Audit.NewbieLimit = decimal.NewFromInt(5_000)
	cfg.Audit.NewbieReceiveCap = decimal.NewFromInt(20_000)
	cfg.Audit.WarningRatio = 0.8
	cfg.Audit.WarningMinAmount = decimal.NewFromInt(10_000)
	cfg.Audit.NewbieHours = 72
	cfg.Audit.VeteranHours = 720
	return cfg
}

type pipelineFixture struct {
	pipeline *Pipeline
	db       *storage.Storage
	macro    *fakeMacro
	trades   *fakeRecorder
	activity *ActivityRegistry
}

func newTestPipeline(t *testing.T) *pipelineFixture {
	t.Helper()

	db, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}

	cfg := testPipelineConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	macro := &fakeMacro{}
	trades := &fakeRecorder{}
	activity := NewActivityRegistry()

	pool := NewPool(log, cfg.Audit.Workers, cfg.Audit.QueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Close()
		cancel()
	})

	p := NewPipeline(cfg, log, &infra.Metrics{}, db, mathcore.Core{}, macro, activity, trades, pool)
	return &pipelineFixture{pipeline: p, db: db, macro: macro, trades: trades, activity: activity}
}

func (f *pipelineFixture) seedAccount(t *testing.T, id string, balance int64) {
	t.Helper()
	if err := f.db.UpsertAccount(&storage.Account{ID: id, Balance: decimal.NewFromInt(balance)}); err != nil {
		t.Fatalf("UpsertAccount(%s): %v", id, err)
	}
}

func (f *pipelineFixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acc, err := f.db.Account(id)
	if err != nil {
		t.Fatalf("Account(%s): %v", id, err)
	}
	return acc.Balance
}

// makeVeteran backdates the join time past the veteran threshold.
func (f *pipelineFixture) makeVeteran(id string) {
	f.activity.Touch(id)
	f.activity.mu.Lock()
	f.activity.joined[id] = time.Now().UnixMilli() - 1000*3_600_000 // 1000h ago
	f.activity.mu.Unlock()
}

func TestPipeline_SettlesWithTax(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "alice", 10_000)
	f.seedAccount(t, "bob", 1_000)

	receipt, err := f.pipeline.Transfer(context.Background(), "alice", "bob", decimal.NewFromInt(500), Options{})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	if !receipt.Tax.Equal(decimal.NewFromInt(10)) {
		t.Errorf("tax = %s, want 10", receipt.Tax)
	}
	if !receipt.Net.Equal(decimal.NewFromInt(490)) {
		t.Errorf("net = %s, want 490", receipt.Net)
	}
	if receipt.Warning != 0 {
		t.Errorf("warning = %d, want 0", receipt.Warning)
	}
	if receipt.LedgerID == "" {
		t.Error("receipt must carry a ledger id")
	}

	if got := f.balance(t, "alice"); !got.Equal(decimal.NewFromInt(9_500)) {
		t.Errorf("sender balance = %s, want 9500", got)
	}
	if got := f.balance(t, "bob"); !got.Equal(decimal.NewFromInt(1_490)) {
		t.Errorf("receiver balance = %s, want 1490", got)
	}

	entries, err := f.db.LedgerFor("alice", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %d (%v), want 1", len(entries), err)
	}
	if !entries[0].Amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("ledger amount = %s, want 500", entries[0].Amount)
	}

	// Settled transfer flows into the trade pipeline as a synthetic event.
	if len(f.trades.events) != 1 {
		t.Fatalf("synthetic events = %d, want 1", len(f.trades.events))
	}
	ev := f.trades.events[0]
	if ev.ProductID != domain.SyntheticTransferProduct || ev.SourceID != "node-test" || ev.Amount != 500 {
		t.Errorf("unexpected synthetic event: %+v", ev)
	}
}

func TestPipeline_InvalidAmount(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "alice", 10_000)
	f.seedAccount(t, "bob", 1_000)

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-50)} {
		if _, err := f.pipeline.Transfer(context.Background(), "alice", "bob", amount, Options{}); err != domain.ErrInvalidTrade {
			t.Errorf("amount %s: expected ErrInvalidTrade, got %v", amount, err)
		}
	}
}

func TestPipeline_UnknownAccount(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "alice", 10_000)

	_, err := f.pipeline.Transfer(context.Background(), "alice", "ghost", decimal.NewFromInt(100), Options{})
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestPipeline_InsufficientBlocked(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "alice", 100)
	f.seedAccount(t, "bob", 1_000)

	_, err := f.pipeline.Transfer(context.Background(), "alice", "bob", decimal.NewFromInt(500), Options{})
	var blocked *domain.BlockedError
	if !errors.As(err, &blocked) || blocked.Code != domain.CodeBlockInsufficient {
		t.Fatalf("expected blocked code %d, got %v", domain.CodeBlockInsufficient, err)
	}

	// Balances untouched; blocked volume still heats the market by default.
	if got := f.balance(t, "alice"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("sender balance changed on block: %s", got)
	}
	if f.macro.volume != 500 {
		t.Errorf("blocked volume = %f, want 500", f.macro.volume)
	}
	if len(f.trades.events) != 0 {
		t.Errorf("blocked transfer must not emit a trade event")
	}
}

func TestPipeline_ConcurrentOverCommit(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "alice", 1_000)
	f.seedAccount(t, "bob", 1_000)

	// Ten transfers of 300 race for a balance of 1000: exactly three can
	// settle, the rest must come back blocked for insufficient funds.
	const workers = 10
	amount := decimal.NewFromInt(300)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		blocked   int
		others    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Transfer(context.Background(), "alice", "bob", amount, Options{})

			mu.Lock()
			defer mu.Unlock()
			var be *domain.BlockedError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &be) && be.Code == domain.CodeBlockInsufficient:
				blocked++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	if len(others) != 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if succeeded != 3 || blocked != 7 {
		t.Fatalf("succeeded = %d, blocked = %d, want 3 and 7", succeeded, blocked)
	}

	// The three settlements are the only debits: 1000 - 3*300.
	if got := f.balance(t, "alice"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("sender balance = %s, want 100", got)
	}
	// Each settlement credits 300 minus the 2% tax of 6.
	if got := f.balance(t, "bob"); !got.Equal(decimal.NewFromInt(1_882)) {
		t.Errorf("receiver balance = %s, want 1882", got)
	}

	entries, err := f.db.LedgerFor("alice", 20)
	if err != nil || len(entries) != 3 {
		t.Fatalf("ledger entries = %d (%v), want 3", len(entries), err)
	}
	if got := f.trades.eventCount(); got != 3 {
		t.Errorf("synthetic events = %d, want 3", got)
	}
}

func TestPipeline_BlockedVolumePolicyOff(t *testing.T) {
	f := newTestPipeline(t)
	off := false
	f.pipeline.cfg.Controller.CountBlockedTransfers = &off
	f.seedAccount(t, "alice", 100)
	f.seedAccount(t, "bob", 1_000)

	_, err := f.pipeline.Transfer(context.Background(), "alice", "bob", decimal.NewFromInt(500), Options{})
	var blocked *domain.BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if f.macro.volume != 0 {
		t.Errorf("blocked volume counted despite policy off: %f", f.macro.volume)
	}
}

func TestPipeline_ReverseFlowBlocked(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "newbie", 50_000)
	f.seedAccount(t, "veteran", 50_000)
	f.activity.Touch("newbie")
	f.makeVeteran("veteran")

	_, err := f.pipeline.Transfer(context.Background(), "newbie", "veteran", decimal.NewFromInt(6_000), Options{})
	var blocked *domain.BlockedError
	if !errors.As(err, &blocked) || blocked.Code != domain.CodeBlockReverseFlow {
		t.Fatalf("expected blocked code %d, got %v", domain.CodeBlockReverseFlow, err)
	}
}

func TestPipeline_BypassBlockSettlesWithWarning(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "newbie", 50_000)
	f.seedAccount(t, "veteran", 50_000)
	f.activity.Touch("newbie")
	f.makeVeteran("veteran")

	receipt, err := f.pipeline.Transfer(context.Background(), "newbie", "veteran", decimal.NewFromInt(6_000), Options{BypassBlock: true})
	if err != nil {
		t.Fatalf("bypassed transfer must settle: %v", err)
	}
	if receipt.Warning != domain.CodeBlockReverseFlow {
		t.Errorf("warning = %d, want %d", receipt.Warning, domain.CodeBlockReverseFlow)
	}
	if got := f.balance(t, "newbie"); !got.Equal(decimal.NewFromInt(44_000)) {
		t.Errorf("sender balance = %s, want 44000", got)
	}
}

func TestPipeline_TaxExempt(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "alice", 10_000)
	f.seedAccount(t, "bob", 1_000)

	receipt, err := f.pipeline.Transfer(context.Background(), "alice", "bob", decimal.NewFromInt(500), Options{TaxExempt: true})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !receipt.Tax.IsZero() {
		t.Errorf("exempt tax = %s, want 0", receipt.Tax)
	}
	if got := f.balance(t, "bob"); !got.Equal(decimal.NewFromInt(1_500)) {
		t.Errorf("receiver balance = %s, want full 1500", got)
	}
}

func TestPipeline_RollbackOnCreditFailure(t *testing.T) {
	f := newTestPipeline(t)
	f.seedAccount(t, "alice", 1_000)

	// Credit leg fails on the missing receiver; the debit must be undone.
	req := domain.TransferRequest{
		SenderID:   "alice",
		ReceiverID: "ghost",
		Amount:     decimal.NewFromInt(100),
	}
	_, err := f.pipeline.settle(req, domain.TransferAudit{Tax: decimal.Zero})
	if err != domain.ErrAuditUnavailable {
		t.Fatalf("expected ErrAuditUnavailable, got %v", err)
	}
	if got := f.balance(t, "alice"); !got.Equal(decimal.NewFromInt(1_000)) {
		t.Errorf("sender balance after rollback = %s, want 1000", got)
	}
}

func TestPipeline_QueueFullRejects(t *testing.T) {
	db, err := storage.NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	cfg := testPipelineConfig()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	// Pool never started: one parked job keeps the queue full.
	pool := NewPool(log, 1, 1)
	if err := pool.Submit(func() {}); err != nil {
		t.Fatalf("priming submit: %v", err)
	}

	p := NewPipeline(cfg, log, &infra.Metrics{}, db, mathcore.Core{}, &fakeMacro{}, NewActivityRegistry(), nil, pool)
	_, err = p.Transfer(context.Background(), "alice", "bob", decimal.NewFromInt(100), Options{})
	if err != domain.ErrAuditQueueFull {
		t.Errorf("expected ErrAuditQueueFull, got %v", err)
	}
}
