package pricing

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
	"ecobridge/internal/infra/storage"
	"ecobridge/internal/mathcore"
)

// MacroSource exposes the macro controller state the engine needs each
// cycle. Implemented by macro.Controller.
type MacroSource interface {
	Multiplier() float64
	InflationRate() float64
	AddVolume(amount float64)
}

// DampingSource exposes the per-product phase damping factor. Implemented
// by macro.StateTracker.
type DampingSource interface {
	RecordActivity(key domain.ProductKey, amount float64)
	Damping(key domain.ProductKey) float64
}

// Publisher receives locally-originated trade events for replication.
// Implemented by replication.Bus.
type Publisher interface {
	Publish(ev domain.TradeEvent)
}

// Engine owns the periodic price compute cycle and the trade-recording
// path. Exactly one goroutine runs the compute loop; trades arrive from
// request goroutines and the replication subscriber.
type Engine struct {
	cfg     *infra.Config
	log     *slog.Logger
	metrics *infra.Metrics
	db      *storage.Storage

	store   *SnapshotStore
	locks   *LockRegistry
	history *HistoryBook

	pricer    domain.Pricer
	macro     MacroSource
	phases    DampingSource
	publisher Publisher

	products map[domain.ProductKey]domain.Product

	persistCh chan storage.TradeRecord
	closed    atomic.Bool
}

// NewEngine wires the compute engine. The publisher may be nil when
// replication is disabled.
func NewEngine(
	cfg *infra.Config,
	log *slog.Logger,
	metrics *infra.Metrics,
	db *storage.Storage,
	pricer domain.Pricer,
	macro MacroSource,
	phases DampingSource,
	publisher Publisher,
) *Engine {
	products := make(map[domain.ProductKey]domain.Product)
	for _, p := range cfg.ProductList() {
		products[p.Key()] = p
	}

	return &Engine{
		cfg:       cfg,
		log:       log.With("component", "pricing"),
		metrics:   metrics,
		db:        db,
		store:     NewSnapshotStore(),
		locks:     NewLockRegistry(time.Duration(cfg.Locks.IdleEvictionMin) * time.Minute),
		history:   NewHistoryBook(cfg.Economy.MaxHistoryRecords),
		pricer:    pricer,
		macro:     macro,
		phases:    phases,
		publisher: publisher,
		products:  products,
		persistCh: make(chan storage.TradeRecord, 1024), // absorbs trade bursts
	}
}

// Snapshots returns the snapshot store for read-side consumers.
func (e *Engine) Snapshots() *SnapshotStore {
	return e.store
}

// WarmUp seeds the in-memory history from the database so the first
// snapshot after a restart is computed from real volume, not from zero.
func (e *Engine) WarmUp() error {
	since := time.Now().UnixMilli() - int64(e.cfg.Economy.HistoryDays)*24*3600*1000
	for key := range e.products {
		recs, err := e.db.ProductHistory(string(key), since, e.cfg.Economy.MaxHistoryRecords)
		if err != nil {
			return err
		}
		if len(recs) > 0 {
			e.history.Seed(key, recs)
		}
	}
	e.log.Info("🔥 history warm-up complete", "products", len(e.products))
	return nil
}

// RecordLocalTrade applies a locally-originated trade and hands it to the
// replication publisher. Refused once shutdown has begun.
func (e *Engine) RecordLocalTrade(ev domain.TradeEvent) error {
	if e.closed.Load() {
		return domain.ErrShuttingDown
	}
	if err := e.apply(ev); err != nil {
		return err
	}
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
	return nil
}

// ApplyRemoteTrade applies a trade received from a peer instance. It is
// never re-published (loop prevention) and duplicate application is
// tolerated: history and volume are aggregates, not balances.
func (e *Engine) ApplyRemoteTrade(ev domain.TradeEvent) error {
	if e.closed.Load() {
		return domain.ErrShuttingDown
	}
	return e.apply(ev)
}

func (e *Engine) apply(ev domain.TradeEvent) error {
	if !isFiniteAmount(ev.Amount) || ev.Amount == 0 {
		return domain.ErrInvalidTrade
	}

	key := domain.ProductKey(ev.ProductID)
	mu := e.locks.Get(key)
	mu.Lock()
	e.history.Append(key, domain.HistoryRecord{Timestamp: ev.Timestamp, Amount: ev.Amount})
	mu.Unlock()

	// Off the hot path: the writer goroutine batches inserts.
	select {
	case e.persistCh <- storage.TradeRecord{ProductID: ev.ProductID, Amount: ev.Amount, Timestamp: ev.Timestamp}:
	default:
		e.metrics.RecordError()
		e.log.Warn("trade persist queue full, dropping record", "product", ev.ProductID)
	}

	e.macro.AddVolume(math.Abs(ev.Amount))
	e.phases.RecordActivity(key, math.Abs(ev.Amount))
	e.metrics.RecordTrade()
	return nil
}

// PredictPrice computes the price a pending trade of the given amount would
// settle at, without mutating any state. Read lock only.
func (e *Engine) PredictPrice(key domain.ProductKey, tradeAmount float64) float64 {
	p, ok := e.products[key]
	if !ok {
		return -1
	}

	mu := e.locks.Get(key)
	mu.RLock()
	recs := e.history.Records(key)
	mu.RUnlock()

	now := time.Now().UnixMilli()
	neff := mathcore.EffectiveVolume(recs, now, e.cfg.Economy.Tau)
	price := e.pricer.UnitPrice(domain.PriceContext{
		BasePrice:    p.BasePrice,
		EffectiveVol: neff,
		TradeAmount:  tradeAmount,
		Lambda:       p.Lambda * e.macro.Multiplier() * e.phases.Damping(key),
		Epsilon:      e.cycleEpsilon(now),
	})
	if !isFiniteAmount(price) || price <= 0 {
		return p.BasePrice
	}
	return price
}

// Run drives the periodic compute loop, the persist writer and the lock
// janitor until ctx is cancelled. The compute loop never overlaps itself:
// a slow cycle simply delays the next tick.
func (e *Engine) Run(ctx context.Context) {
	e.locks.StartJanitor(ctx, time.Minute)
	go e.persistLoop(ctx)

	ticker := time.NewTicker(e.cfg.SnapshotInterval())
	defer ticker.Stop()

	pruneEvery := 300 // cycles, i.e. every 10 minutes at the default 2s interval
	cycle := 0

	e.log.Info("🚀 price compute engine started", "interval", e.cfg.SnapshotInterval())
	for {
		select {
		case <-ctx.Done():
			e.log.Info("price compute engine stopped")
			return
		case <-ticker.C:
			e.computeSnapshot()
			cycle++
			if cycle%pruneEvery == 0 {
				cutoff := time.Now().UnixMilli() - int64(e.cfg.Economy.HistoryDays)*24*3600*1000
				e.history.Prune(cutoff)
				if n, err := e.db.PruneTrades(cutoff); err != nil {
					e.log.Warn("trade prune failed", "error", err)
				} else if n > 0 {
					e.log.Debug("pruned stale trades", "rows", n)
				}
			}
		}
	}
}

// computeSnapshot recomputes every product's price and publishes a new
// snapshot. Batched trailing averages come from one grouped query; if that
// fails, each product falls back to its own query so a transient storage
// error degrades throughput, not correctness.
func (e *Engine) computeSnapshot() {
	started := time.Now()
	now := started.UnixMilli()
	since := now - int64(e.cfg.Economy.HistoryDays)*24*3600*1000

	avgs, err := e.db.TrailingAverages(since)
	batched := err == nil
	if !batched {
		e.metrics.RecordError()
		e.log.Warn("batched trailing averages failed, using per-product fallback", "error", err)
	}

	multiplier := e.macro.Multiplier()
	epsilon := e.cycleEpsilon(now)

	prices := make(map[domain.ProductKey]float64, len(e.products))
	for key, p := range e.products {
		var avg float64
		if batched {
			avg = avgs[string(key)]
		} else {
			if avg, err = e.db.ProductAverage(string(key), since); err != nil {
				avg = 0
			}
		}

		mu := e.locks.Get(key)
		mu.Lock()
		recs := e.history.Records(key)
		mu.Unlock()

		neff := mathcore.EffectiveVolume(recs, now, e.cfg.Economy.Tau)
		price := e.pricer.UnitPrice(domain.PriceContext{
			BasePrice:     p.BasePrice,
			EffectiveVol:  neff,
			TradeAmount:   0,
			Lambda:        p.Lambda * multiplier * e.phases.Damping(key),
			Epsilon:       epsilon,
			HistoricalAvg: avg,
		})
		if !isFiniteAmount(price) || price <= 0 {
			price = p.BasePrice
		}
		prices[key] = price
	}

	snap := e.store.Publish(prices)
	e.metrics.RecordSnapshot(time.Since(started).Nanoseconds())
	e.log.Debug("snapshot published", "generation", snap.Generation, "products", len(prices), "elapsed", time.Since(started))
}

// cycleEpsilon computes the shared environmental factor for one cycle.
// Per-player adjustments (newbie protection) happen on the prediction path,
// not here.
func (e *Engine) cycleEpsilon(now int64) float64 {
	return e.pricer.Epsilon(domain.EnvContext{
		TimestampMS:    now,
		TimezoneOffset: e.cfg.Economy.TimezoneOffsetSec,
		InflationRate:  e.macro.InflationRate(),
		Festival:       e.cfg.Economy.FestivalMode,
	}, e.cfg.MarketParams())
}

// persistLoop batches trade records into the database. On shutdown it
// drains whatever is still queued.
func (e *Engine) persistLoop(ctx context.Context) {
	const maxBatch = 200
	flush := time.NewTicker(time.Second)
	defer flush.Stop()

	batch := make([]storage.TradeRecord, 0, maxBatch)
	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := e.db.SaveTrades(batch); err != nil {
			e.metrics.RecordError()
			e.log.Error("trade batch persist failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-e.persistCh:
					batch = append(batch, rec)
					if len(batch) >= maxBatch {
						write()
					}
				default:
					write()
					return
				}
			}
		case rec := <-e.persistCh:
			batch = append(batch, rec)
			if len(batch) >= maxBatch {
				write()
			}
		case <-flush.C:
			write()
		}
	}
}

// BeginShutdown stops the engine accepting new trades. The compute loop
// keeps running until its context is cancelled so the final snapshot and
// persist drain still happen.
func (e *Engine) BeginShutdown() {
	e.closed.Store(true)
}

func isFiniteAmount(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
