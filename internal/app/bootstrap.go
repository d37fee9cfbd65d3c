// Package app assembles the engine: configuration, storage, the compute
// and controller loops, the transfer pipeline and the replication bus. All
// components live on this context object and are passed down explicitly;
// there are no package-level singletons.
package app

import (
	"context"
	"log/slog"
	"time"

	"ecobridge/internal/infra"
	"ecobridge/internal/infra/storage"
	"ecobridge/internal/macro"
	"ecobridge/internal/mathcore"
	"ecobridge/internal/pricing"
	"ecobridge/internal/replication"
	"ecobridge/internal/service"
	"ecobridge/internal/transfer"
)

// Bootstrap orchestrates the application startup sequence and owns every
// long-lived component.
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics
	Storage *storage.Storage

	Activity *transfer.ActivityRegistry
	Tracker  *macro.StateTracker
	Macro    *macro.Controller
	Engine   *pricing.Engine
	Pool     *transfer.Pool
	Pipeline *transfer.Pipeline
	Bus      *replication.Bus
	Service  *service.EconomyService

	cancelLoops context.CancelFunc
	loopsDone   chan struct{}
}

// NewBootstrap creates a new Bootstrap instance.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{Metrics: &infra.Metrics{}}
}

// Initialize performs core system initialization: config, logging, storage.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	b.Logger = logger
	logger.Info("🚀 Bootstrapping ecobridge...", "instance", cfg.App.InstanceID)

	store, err := storage.NewStorage(cfg.Storage.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	logger.Info("✅ Database initialized", "path", cfg.Storage.Path)

	return nil
}

// Wire constructs and connects the components. Must run after Initialize.
func (b *Bootstrap) Wire() {
	core := mathcore.Core{}

	b.Activity = transfer.NewActivityRegistry()
	b.Tracker = macro.NewStateTracker(b.Config, b.Logger, b.Metrics, b.Storage.AbsAverage)
	b.Macro = macro.NewController(b.Config, b.Logger, b.Metrics, b.Storage, core)

	if b.Config.Replication.Enabled {
		transport := replication.NewWSTransport(b.Config.Replication.WSURL, b.Config.Replication.Channel)
		b.Bus = replication.NewBus(b.Config, b.Logger, b.Metrics, transport)
	}

	var publisher pricing.Publisher
	if b.Bus != nil {
		publisher = b.Bus
	}
	b.Engine = pricing.NewEngine(b.Config, b.Logger, b.Metrics, b.Storage, core, b.Macro, b.Tracker, publisher)
	if b.Bus != nil {
		b.Bus.SetApplier(b.Engine.ApplyRemoteTrade)
	}

	b.Pool = transfer.NewPool(b.Logger, b.Config.Audit.Workers, b.Config.Audit.QueueSize)
	b.Pipeline = transfer.NewPipeline(b.Config, b.Logger, b.Metrics, b.Storage, core, b.Macro, b.Activity, b.Engine, b.Pool)

	b.Service = service.NewEconomyService(b.Config, b.Storage, b.Engine, b.Pipeline, b.Macro, b.Tracker, b.Activity)
}

// Start launches every background loop. The loops run on an internal
// context so Shutdown can stop them in the right order relative to the
// drain steps.
func (b *Bootstrap) Start(parent context.Context) error {
	if err := b.Engine.WarmUp(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	b.cancelLoops = cancel
	b.loopsDone = make(chan struct{})

	b.Pool.Start(ctx)
	go b.Tracker.Run(ctx)
	go b.Macro.Run(ctx)
	if b.Bus != nil {
		go b.Bus.Run(ctx)
	}

	go func() {
		defer close(b.loopsDone)
		b.Engine.Run(ctx)
	}()

	// Participant gauge feeding the controller's target velocity.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Macro.SetOnlineParticipants(b.Activity.ActiveCount(15 * time.Minute))
			}
		}
	}()

	b.Logger.Info("✨ ecobridge fully operational")
	return nil
}

// Shutdown stops the system in dependency order: refuse new work, drain the
// replication backlog within a bounded window, then stop the loops so their
// final persistence passes run against a quiet system.
func (b *Bootstrap) Shutdown(drainBudget time.Duration) {
	b.Logger.Info("👋 Shutting down gracefully...")

	// 1. Stop accepting new trades and transfers.
	b.Engine.BeginShutdown()
	b.Pool.Close()

	// 2. Best-effort replication drain.
	if b.Bus != nil {
		b.Bus.Drain(drainBudget)
	}

	// 3. Stop the loops; the engine drains its persist queue and the
	// controller writes its final state on the way out.
	if b.cancelLoops != nil {
		b.cancelLoops()
	}
	if b.loopsDone != nil {
		select {
		case <-b.loopsDone:
		case <-time.After(drainBudget):
			b.Logger.Warn("engine loop did not stop within budget")
		}
	}

	b.Logger.Info("shutdown complete", "trades", b.Metrics.Snapshot().TradesRecorded)
}
