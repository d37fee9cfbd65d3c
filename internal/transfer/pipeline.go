package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
	"ecobridge/internal/infra/storage"
)

// MacroView is the slice of the macro controller the pipeline reads and
// feeds.
type MacroView interface {
	InflationRate() float64
	Heat() float64
	AddVolume(amount float64)
}

// TradeRecorder feeds settled transfers into the trade pipeline as
// synthetic events so they count toward market velocity and replication.
type TradeRecorder interface {
	RecordLocalTrade(ev domain.TradeEvent) error
}

// Options carries per-call grants from privileged callers.
type Options struct {
	BypassBlock bool // settle even if the audit blocks (warning still recorded)
	TaxExempt   bool
}

// Pipeline runs the three-step transfer flow: capture the context, audit it
// against regulator policy, settle with optimistic balance updates. The
// audit works on captured balances; settlement re-verifies against fresh
// ones, so a stale capture can never overdraw an account.
type Pipeline struct {
	cfg      *infra.Config
	log      *slog.Logger
	metrics  *infra.Metrics
	db       *storage.Storage
	auditor  domain.Auditor
	macro    MacroView
	activity *ActivityRegistry
	trades   TradeRecorder
	pool     *Pool

	instanceID string
}

// NewPipeline wires the pipeline. trades may be nil in tests.
func NewPipeline(
	cfg *infra.Config,
	log *slog.Logger,
	metrics *infra.Metrics,
	db *storage.Storage,
	auditor domain.Auditor,
	macro MacroView,
	activity *ActivityRegistry,
	trades TradeRecorder,
	pool *Pool,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		log:        log.With("component", "transfer"),
		metrics:    metrics,
		db:         db,
		auditor:    auditor,
		macro:      macro,
		activity:   activity,
		trades:     trades,
		pool:       pool,
		instanceID: cfg.App.InstanceID,
	}
}

type result struct {
	receipt domain.TransferReceipt
	err     error
}

// Transfer runs one transfer end to end. The caller blocks until the pool
// has processed the job or ctx expires; the request path itself only
// enqueues.
//
// A ctx expiry does not cancel the settlement: the job keeps running in
// the pool and may still complete. A caller that gave up on the receipt
// can check the ledger for the sender to learn the outcome.
func (p *Pipeline) Transfer(ctx context.Context, senderID, receiverID string, amount decimal.Decimal, opts Options) (domain.TransferReceipt, error) {
	done := make(chan result, 1)

	err := p.pool.Submit(func() {
		receipt, err := p.process(senderID, receiverID, amount, opts)
		done <- result{receipt: receipt, err: err}
	})
	if err != nil {
		if err == domain.ErrAuditQueueFull {
			p.metrics.RecordRejected()
		}
		return domain.TransferReceipt{}, err
	}

	select {
	case <-ctx.Done():
		// The job still runs to completion in the pool; the caller just
		// stops waiting for the receipt.
		return domain.TransferReceipt{}, ctx.Err()
	case r := <-done:
		return r.receipt, r.err
	}
}

func (p *Pipeline) process(senderID, receiverID string, amount decimal.Decimal, opts Options) (domain.TransferReceipt, error) {
	if !amount.IsPositive() {
		return domain.TransferReceipt{}, domain.ErrInvalidTrade
	}

	// Capture: all audit inputs frozen at this instant.
	req, err := p.capture(senderID, receiverID, amount, opts)
	if err != nil {
		return domain.TransferReceipt{}, err
	}

	// Audit: pure external function on the captured context.
	audit := p.auditor.Check(req, p.cfg.RegulatorParams())
	if opts.TaxExempt {
		audit.Tax = decimal.Zero
	}

	if audit.Blocked && !opts.BypassBlock {
		p.metrics.RecordBlocked()
		// The audit still happened; policy decides whether it heats the
		// market.
		if p.cfg.CountBlocked() {
			p.macro.AddVolume(amountToFloat(amount))
		}
		p.log.Info("transfer blocked",
			"sender", senderID,
			"receiver", receiverID,
			"amount", amount,
			"code", audit.Code)
		return domain.TransferReceipt{}, &domain.BlockedError{Code: audit.Code}
	}

	// Settle: fresh-balance CAS debit, then credit, with a compensating
	// re-credit if the credit leg fails.
	receipt, err := p.settle(req, audit)
	if err != nil {
		return domain.TransferReceipt{}, err
	}

	p.activity.RecordTransfer(senderID)
	p.activity.Touch(receiverID)
	p.metrics.RecordSettlement()

	if p.trades != nil {
		ev := domain.TradeEvent{
			SourceID:  p.instanceID,
			ProductID: domain.SyntheticTransferProduct,
			Amount:    amountToFloat(amount),
			Timestamp: time.Now().UnixMilli(),
		}
		if err := p.trades.RecordLocalTrade(ev); err != nil && err != domain.ErrShuttingDown {
			p.log.Warn("synthetic transfer event rejected", "error", err)
		}
	} else {
		p.macro.AddVolume(amountToFloat(amount))
	}

	return receipt, nil
}

// capture loads both accounts and freezes the audit context.
func (p *Pipeline) capture(senderID, receiverID string, amount decimal.Decimal, opts Options) (domain.TransferRequest, error) {
	sender, err := p.db.Account(senderID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	receiver, err := p.db.Account(receiverID)
	if err != nil {
		return domain.TransferRequest{}, err
	}

	return domain.TransferRequest{
		SenderID:          senderID,
		ReceiverID:        receiverID,
		Amount:            amount,
		SenderBalance:     sender.Balance,
		ReceiverBalance:   receiver.Balance,
		SenderTenureSec:   p.activity.TenureSec(senderID),
		ReceiverTenureSec: p.activity.TenureSec(receiverID),
		SenderActivity:    p.activity.Activity(senderID),
		InflationRate:     p.macro.InflationRate(),
		MarketHeat:        p.macro.Heat(),
		BypassBlock:       opts.BypassBlock,
		TaxExempt:         opts.TaxExempt,
	}, nil
}

// settle moves the money. The CAS debit re-reads the fresh balance on every
// attempt, closing the window between capture and settlement.
func (p *Pipeline) settle(req domain.TransferRequest, audit domain.TransferAudit) (domain.TransferReceipt, error) {
	retries := p.cfg.Audit.BalanceRetries
	net := req.Amount.Sub(audit.Tax)
	if net.IsNegative() {
		net = decimal.Zero
	}

	if _, err := p.db.AdjustBalanceCAS(req.SenderID, req.Amount.Neg(), retries); err != nil {
		if err == domain.ErrInsufficientFunds {
			return domain.TransferReceipt{}, &domain.BlockedError{Code: domain.CodeBlockInsufficient}
		}
		return domain.TransferReceipt{}, err
	}

	if _, err := p.db.AdjustBalanceCAS(req.ReceiverID, net, retries); err != nil {
		// Compensating rollback: put the debited amount back. If even the
		// rollback exhausts its retries the inconsistency is logged loudly
		// for operator repair.
		if _, rbErr := p.db.AdjustBalanceCAS(req.SenderID, req.Amount, retries); rbErr != nil {
			p.metrics.RecordError()
			p.log.Error("❌ rollback failed after credit failure",
				"sender", req.SenderID,
				"receiver", req.ReceiverID,
				"amount", req.Amount,
				"creditError", err,
				"rollbackError", rbErr)
		} else {
			p.log.Warn("transfer rolled back after credit failure",
				"sender", req.SenderID,
				"receiver", req.ReceiverID,
				"error", err)
		}
		return domain.TransferReceipt{}, domain.ErrAuditUnavailable
	}

	entry := &storage.LedgerEntry{
		ID:         uuid.NewString(),
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Tax:        audit.Tax,
		ReasonCode: audit.Code,
	}
	if err := p.db.AppendLedger(entry); err != nil {
		// Money already moved; the ledger is an audit trail, not the source
		// of truth for balances.
		p.metrics.RecordError()
		p.log.Error("ledger append failed", "id", entry.ID, "error", err)
	}

	warning := 0
	if audit.Code == domain.CodeWarningHighRisk || (audit.Blocked && req.BypassBlock) {
		warning = audit.Code
	}

	return domain.TransferReceipt{
		LedgerID: entry.ID,
		Amount:   req.Amount,
		Net:      net,
		Tax:      audit.Tax,
		Warning:  warning,
	}, nil
}

func amountToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
