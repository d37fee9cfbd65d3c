// Package macro owns the market-wide feedback machinery: the PID controller
// that steers trade velocity toward a target, the derived inflation and
// stability figures, and the per-product phase tracker.
package macro

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"ecobridge/internal/domain"
	"ecobridge/internal/infra"
	"ecobridge/internal/infra/storage"
	"ecobridge/internal/mathcore"
)

// State persistence keys.
const (
	stateKeyHeat       = "market_heat"
	stateKeyIntegral   = "pid_integral"
	stateKeyVolatileTS = "last_volatile_ts"
)

// Controller advances the macro state machine. Exactly one goroutine (the
// tick loop) mutates PidState; everything the rest of the system reads is
// exposed through atomics.
type Controller struct {
	cfg     *infra.Config
	log     *slog.Logger
	metrics *infra.Metrics
	db      *storage.Storage
	stepper domain.PidStepper

	pid domain.PidState

	// Accumulators and published values. Floats are stored as bit patterns
	// so producers can CAS-add without a lock.
	heatBits       atomic.Uint64 // cumulative market heat, decayed over time
	volumeBits     atomic.Uint64 // per-tick trade volume, swapped to zero each tick
	multiplierBits atomic.Uint64 // current elasticity adjustment
	inflationBits  atomic.Uint64

	lastVolatileTS atomic.Int64
	participants   atomic.Int64
	resetRequested atomic.Bool
}

// NewController builds the controller with gains and limits from config.
func NewController(cfg *infra.Config, log *slog.Logger, metrics *infra.Metrics, db *storage.Storage, stepper domain.PidStepper) *Controller {
	c := &Controller{
		cfg:     cfg,
		log:     log.With("component", "macro"),
		metrics: metrics,
		db:      db,
		stepper: stepper,
		pid:     domain.DefaultPidState(),
	}
	c.pid.Kp = cfg.Controller.Kp
	c.pid.Ki = cfg.Controller.Ki
	c.pid.Kd = cfg.Controller.Kd
	c.pid.Lambda = cfg.Controller.Leakage
	c.pid.IntegrationLimit = cfg.Controller.IntegrationLimit

	c.multiplierBits.Store(math.Float64bits(mathcore.OutputBaseline))
	return c
}

// AddVolume records trade volume into both the per-tick accumulator and the
// long-lived heat figure. Called concurrently from trade and transfer paths.
func (c *Controller) AddVolume(amount float64) {
	if !(amount > 0) || math.IsInf(amount, 0) {
		return
	}
	addFloat(&c.volumeBits, amount)
	heat := addFloat(&c.heatBits, amount)
	if heat > c.cfg.Economy.VolatilityThreshold {
		c.lastVolatileTS.Store(time.Now().UnixMilli())
	}
}

// Multiplier returns the current elasticity adjustment (1.0 at rest).
func (c *Controller) Multiplier() float64 {
	return math.Float64frombits(c.multiplierBits.Load())
}

// InflationRate returns the latest derived inflation figure.
func (c *Controller) InflationRate() float64 {
	return math.Float64frombits(c.inflationBits.Load())
}

// Heat returns the current cumulative market heat.
func (c *Controller) Heat() float64 {
	return math.Float64frombits(c.heatBits.Load())
}

// Stability returns the market stability coefficient in [0,1], recovering
// linearly since the last volatility spike.
func (c *Controller) Stability() float64 {
	return mathcore.Stability(c.lastVolatileTS.Load(), time.Now().UnixMilli(), float64(c.cfg.Phases.RecoveryWindowMS))
}

// SetOnlineParticipants updates the participant count feeding the target
// velocity.
func (c *Controller) SetOnlineParticipants(n int) {
	c.participants.Store(int64(n))
}

// RequestPidReset asks the tick loop to reset the PID state on its next
// pass. Operator intervention hook; safe from any goroutine.
func (c *Controller) RequestPidReset() {
	c.resetRequested.Store(true)
}

// Run drives the controller tick loop until ctx is cancelled. State is
// restored from storage on entry and persisted on every tick so a restart
// resumes instead of starting cold.
func (c *Controller) Run(ctx context.Context) {
	c.restoreState()

	interval := c.cfg.TickInterval()
	dt := interval.Seconds()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	decayEvery := int(time.Duration(c.cfg.Economy.DecayIntervalMin) * time.Minute / interval)
	if decayEvery < 1 {
		decayEvery = 1
	}
	cyclesPerDay := 24 * 60 / float64(c.cfg.Economy.DecayIntervalMin)

	tick := 0
	c.log.Info("🚀 macro controller started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.persistState()
			c.log.Info("macro controller stopped")
			return
		case <-ticker.C:
			tick++
			c.step(dt)
			if tick%decayEvery == 0 {
				c.decay(cyclesPerDay)
			}
			c.persistState()
		}
	}
}

// step runs one PID advance: swap out the accumulated volume, derive the
// trade velocity, and publish the resulting multiplier and inflation.
func (c *Controller) step(dt float64) {
	if c.resetRequested.Swap(false) {
		c.pid.Reset()
		c.log.Warn("PID state reset by operator request")
	}

	volume := math.Float64frombits(c.volumeBits.Swap(0))
	currentVel := volume / dt

	target := float64(c.participants.Load()) * c.cfg.Controller.PerParticipantTarget
	if target < c.cfg.Controller.MinTargetFloor {
		target = c.cfg.Controller.MinTargetFloor
	}

	inflation := mathcore.InflationRate(c.Heat(), c.cfg.Economy.M1Supply)
	c.inflationBits.Store(math.Float64bits(inflation))

	adj := c.stepper.Step(&c.pid, target, currentVel, dt, inflation)
	c.multiplierBits.Store(math.Float64bits(adj))

	c.log.Debug("macro tick",
		"velocity", currentVel,
		"target", target,
		"multiplier", adj,
		"inflation", inflation,
		"saturated", c.pid.Saturated)
}

// decay cools the cumulative heat toward zero.
func (c *Controller) decay(cyclesPerDay float64) {
	for {
		old := c.heatBits.Load()
		heat := math.Float64frombits(old)
		d := mathcore.DecayAmount(heat, c.cfg.Economy.DailyDecayRate, cyclesPerDay)
		if d == 0 {
			return
		}
		next := heat - d
		if c.heatBits.CompareAndSwap(old, math.Float64bits(next)) {
			c.log.Debug("heat decayed", "from", heat, "to", next)
			return
		}
	}
}

func (c *Controller) restoreState() {
	if v, err := c.db.LoadState(stateKeyHeat); err == nil && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) {
			c.heatBits.Store(math.Float64bits(f))
		}
	}
	if v, err := c.db.LoadState(stateKeyIntegral); err == nil && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) {
			c.pid.Integral = f
		}
	}
	if v, err := c.db.LoadState(stateKeyVolatileTS); err == nil && v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.lastVolatileTS.Store(ts)
		}
	}
	c.log.Info("macro state restored", "heat", c.Heat(), "integral", c.pid.Integral)
}

func (c *Controller) persistState() {
	save := func(key, val string) {
		if err := c.db.SaveState(key, val); err != nil {
			c.metrics.RecordError()
			c.log.Warn("state persist failed", "key", key, "error", err)
		}
	}
	save(stateKeyHeat, strconv.FormatFloat(c.Heat(), 'g', -1, 64))
	save(stateKeyIntegral, strconv.FormatFloat(c.pid.Integral, 'g', -1, 64))
	save(stateKeyVolatileTS, strconv.FormatInt(c.lastVolatileTS.Load(), 10))
}

// addFloat CAS-adds delta to a float64 stored as bits, returning the new
// value.
func addFloat(bits *atomic.Uint64, delta float64) float64 {
	for {
		old := bits.Load()
		next := math.Float64frombits(old) + delta
		if bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}
