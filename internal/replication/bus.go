package replication

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
)

// Applier receives remote trade events. Implemented by the pricing engine.
type Applier func(ev domain.TradeEvent) error

// Bus owns outbound replication (backlog + single flush worker) and the
// inbound subscriber loop. Producers only ever touch the backlog; the CAS
// flushing flag guarantees at most one flush runs at a time without a lock
// on the publish path.
type Bus struct {
	cfg     *infra.Config
	log     *slog.Logger
	metrics *infra.Metrics

	backlog   *Backlog
	transport Transport
	applier   Applier

	instanceID string

	flushing     atomic.Bool
	flushTrigger chan struct{}
	connected    atomic.Bool
}

// NewBus wires the bus. The transport is injected so tests can run without
// a relay. The applier is attached separately (SetApplier) because the
// engine that consumes remote events also publishes through this bus.
func NewBus(cfg *infra.Config, log *slog.Logger, metrics *infra.Metrics, transport Transport) *Bus {
	return &Bus{
		cfg:          cfg,
		log:          log.With("component", "replication"),
		metrics:      metrics,
		backlog:      NewBacklog(cfg.Replication.BacklogCapacity),
		transport:    transport,
		instanceID:   cfg.App.InstanceID,
		flushTrigger: make(chan struct{}, 1),
	}
}

// SetApplier attaches the remote-event consumer. Must be called before Run.
func (b *Bus) SetApplier(fn Applier) {
	b.applier = fn
}

// Publish enqueues a local event for delivery and nudges the flush worker.
// Never blocks: overflow drops the oldest queued event.
func (b *Bus) Publish(ev domain.TradeEvent) {
	if b.backlog.Push(ev) {
		b.metrics.RecordReplicationDropped()
		b.log.Warn("backlog overflow, oldest event dropped", "capacity", b.cfg.Replication.BacklogCapacity)
	}
	b.requestFlush()
}

// BacklogLen reports the queued event count (diagnostics).
func (b *Bus) BacklogLen() int {
	return b.backlog.Len()
}

// Connected reports whether the subscriber currently holds a connection.
func (b *Bus) Connected() bool {
	return b.connected.Load()
}

func (b *Bus) requestFlush() {
	select {
	case b.flushTrigger <- struct{}{}:
	default:
		// A trigger is already pending; the flush worker will see the new
		// event during its drain.
	}
}

// Run starts the subscriber and flush loops. Blocks until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	go b.flushLoop(ctx)
	b.subscriberLoop(ctx)
}

func (b *Bus) flushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.flushTrigger:
			b.flushOnce(ctx)
		}
	}
}

// flushOnce drains the backlog head-first. The CAS gate makes concurrent
// triggers idempotent: losers simply return, the winner covers their
// events. A send failure leaves the event at the head for the next attempt
// so order is preserved.
func (b *Bus) flushOnce(ctx context.Context) {
	if !b.flushing.CompareAndSwap(false, true) {
		return
	}
	defer b.flushing.Store(false)

	if !b.connected.Load() {
		return // reconnect re-triggers the flush
	}

	deadline := time.Now().Add(time.Duration(b.cfg.Replication.FlushBudgetMS) * time.Millisecond)
	sent := 0

	for sent < b.cfg.Replication.FlushBatchSize && time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		ev, ok := b.backlog.Peek()
		if !ok {
			break
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			// Unserializable event can never succeed; discard it.
			b.metrics.RecordError()
			b.log.Error("event marshal failed, discarding", "product", ev.ProductID, "error", err)
			b.backlog.Pop()
			continue
		}

		if err := b.transport.Send(payload); err != nil {
			b.log.Warn("flush send failed, event stays queued", "queued", b.backlog.Len(), "error", err)
			return
		}
		b.backlog.Pop()
		b.metrics.RecordReplicationSent()
		sent++
	}

	// New events may have arrived during the drain, or the batch budget cut
	// the pass short.
	if b.backlog.Len() > 0 {
		b.requestFlush()
	}
}

// subscriberLoop keeps a connection alive and applies inbound events. On
// disconnection it backs off exponentially; on reconnection it re-triggers
// a backlog flush so queued events replay immediately.
func (b *Bus) subscriberLoop(ctx context.Context) {
	retry := 0
	for {
		select {
		case <-ctx.Done():
			b.transport.Close()
			b.log.Info("replication subscriber stopped")
			return
		default:
		}

		if err := b.transport.Connect(ctx); err != nil {
			delay := infra.CalculateBackoff(retry)
			retry++
			b.log.Warn("relay connection failed", "retry", retry, "delay", delay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		retry = 0
		b.connected.Store(true)
		b.metrics.SetReplicationConnected(true)
		b.log.Info("🔗 relay connected", "url", b.cfg.Replication.WSURL, "channel", b.cfg.Replication.Channel)
		b.requestFlush() // replay-after-reconnect

		b.readLoop(ctx)

		b.connected.Store(false)
		b.metrics.SetReplicationConnected(false)
		b.transport.Close()
	}
}

func (b *Bus) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		payload, err := b.transport.Receive()
		if err != nil {
			b.log.Warn("relay read failed", "error", err)
			return
		}
		if len(payload) == 0 {
			continue
		}

		var ev domain.TradeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			b.log.Warn("malformed replication event ignored", "error", err)
			continue
		}
		if ev.SourceID == b.instanceID {
			continue // own broadcast echoed back
		}

		if b.applier == nil {
			continue
		}
		if err := b.applier(ev); err != nil && err != domain.ErrShuttingDown {
			b.metrics.RecordError()
			b.log.Warn("remote event apply failed", "product", ev.ProductID, "error", err)
		}
	}
}

// Drain makes a best-effort pass at delivering the remaining backlog within
// the given budget. Called during shutdown, before the transport closes.
func (b *Bus) Drain(budget time.Duration) {
	deadline := time.Now().Add(budget)

	// Take the flush gate so a still-running flush pass cannot race the
	// drain; give up if it will not yield within the budget.
	for !b.flushing.CompareAndSwap(false, true) {
		if !time.Now().Before(deadline) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer b.flushing.Store(false)

	for b.backlog.Len() > 0 && time.Now().Before(deadline) {
		if !b.connected.Load() {
			break
		}
		ev, ok := b.backlog.Peek()
		if !ok {
			break
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			b.backlog.Pop()
			continue
		}
		if err := b.transport.Send(payload); err != nil {
			break
		}
		b.backlog.Pop()
		b.metrics.RecordReplicationSent()
	}
	if n := b.backlog.Len(); n > 0 {
		b.log.Warn("shutdown drain incomplete", "remaining", n, "dropped", b.backlog.Dropped())
	}
}
