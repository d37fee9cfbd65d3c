package infra

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"ecobridge/internal/domain"
)

// Config holds all application settings. Loaded once at startup via
// LoadConfig; environment variables override sensitive values afterwards.
type Config struct {
	App struct {
		Name       string `yaml:"name"`
		InstanceID string `yaml:"instance_id"`
	} `yaml:"app"`

	Economy struct {
		SnapshotIntervalMS   int     `yaml:"snapshot_interval_ms"`
		DefaultLambda        float64 `yaml:"default_lambda"`
		Tau                  float64 `yaml:"tau"` // trailing-volume decay constant, in days
		HistoryDays          int     `yaml:"history_days"`
		MaxHistoryRecords    int     `yaml:"max_history_records"`
		M1Supply             float64 `yaml:"m1_supply"`
		VolatilityThreshold  float64 `yaml:"volatility_threshold"`
		DailyDecayRate       float64 `yaml:"daily_decay_rate"`
		DecayIntervalMin     int     `yaml:"decay_interval_min"`
		TimezoneOffsetSec    int     `yaml:"timezone_offset_sec"`
		FestivalMode         bool    `yaml:"festival_mode"`
		SeasonalAmplitude    float64 `yaml:"seasonal_amplitude"`
		WeekendMultiplier    float64 `yaml:"weekend_multiplier"`
		NewbieProtectionRate float64 `yaml:"newbie_protection_rate"`
	} `yaml:"economy"`

	Controller struct {
		TickIntervalMS        int     `yaml:"tick_interval_ms"`
		Kp                    float64 `yaml:"kp"`
		Ki                    float64 `yaml:"ki"`
		Kd                    float64 `yaml:"kd"`
		Leakage               float64 `yaml:"leakage"`
		IntegrationLimit      float64 `yaml:"integration_limit"`
		PerParticipantTarget  float64 `yaml:"per_participant_target"`
		MinTargetFloor        float64 `yaml:"min_target_floor"`
		CountBlockedTransfers *bool   `yaml:"count_blocked_transfers"`
	} `yaml:"controller"`

	Phases struct {
		EmergencyAbove   float64 `yaml:"emergency_above"`
		SaturatedAbove   float64 `yaml:"saturated_above"`
		HealingBelow     float64 `yaml:"healing_below"`
		StableBelow      float64 `yaml:"stable_below"`
		AnchorTTLSec     int     `yaml:"anchor_ttl_sec"`
		RecoveryWindowMS int     `yaml:"recovery_window_ms"`
	} `yaml:"phases"`

	Audit struct {
		Workers          int             `yaml:"workers"`
		QueueSize        int             `yaml:"queue_size"`
		BaseTaxRate      decimal.Decimal `yaml:"base_tax_rate"`
		LuxuryThreshold  decimal.Decimal `yaml:"luxury_threshold"`
		LuxuryTaxRate    decimal.Decimal `yaml:"luxury_tax_rate"`
		WealthGapTaxRate decimal.Decimal `yaml:"wealth_gap_tax_rate"`
		PoorThreshold    decimal.Decimal `yaml:"poor_threshold"`
		RichThreshold    decimal.Decimal `yaml:"rich_threshold"`
		NewbieLimit      decimal.Decimal `yaml:"newbie_limit"`
		NewbieReceiveCap decimal.Decimal `yaml:"newbie_receive_cap"`
		WarningRatio     float64         `yaml:"warning_ratio"`
		WarningMinAmount decimal.Decimal `yaml:"warning_min_amount"`
		NewbieHours      float64         `yaml:"newbie_hours"`
		VeteranHours     float64         `yaml:"veteran_hours"`
		VelocityLimit    float64         `yaml:"velocity_limit"`
		BalanceRetries   int             `yaml:"balance_retries"`
	} `yaml:"audit"`

	Replication struct {
		Enabled         bool   `yaml:"enabled"`
		WSURL           string `yaml:"ws_url"`
		Channel         string `yaml:"channel"`
		BacklogCapacity int    `yaml:"backlog_capacity"`
		FlushBatchSize  int    `yaml:"flush_batch_size"`
		FlushBudgetMS   int    `yaml:"flush_budget_ms"`
	} `yaml:"replication"`

	Locks struct {
		IdleEvictionMin int `yaml:"idle_eviction_min"`
	} `yaml:"locks"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	// Products maps shop id -> product id -> pricing parameters.
	Products map[string]map[string]domain.Product `yaml:"products"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	eco := &cfg.Economy
	if eco.SnapshotIntervalMS <= 0 {
		eco.SnapshotIntervalMS = 2000
	}
	if eco.DefaultLambda == 0 {
		eco.DefaultLambda = 0.002
	}
	if eco.Tau <= 0 {
		eco.Tau = 7.0
	}
	if eco.HistoryDays <= 0 {
		eco.HistoryDays = 7
	}
	if eco.MaxHistoryRecords <= 0 {
		eco.MaxHistoryRecords = 3000
	}
	if eco.M1Supply <= 0 {
		eco.M1Supply = 10_000_000
	}
	if eco.VolatilityThreshold <= 0 {
		eco.VolatilityThreshold = 50_000
	}
	if eco.DailyDecayRate <= 0 {
		eco.DailyDecayRate = 0.05
	}
	if eco.DecayIntervalMin <= 0 {
		eco.DecayIntervalMin = 30
	}
	if eco.SeasonalAmplitude == 0 {
		eco.SeasonalAmplitude = 0.15
	}
	if eco.WeekendMultiplier == 0 {
		eco.WeekendMultiplier = 1.2
	}
	if eco.NewbieProtectionRate == 0 {
		eco.NewbieProtectionRate = 0.2
	}

	ctl := &cfg.Controller
	if ctl.TickIntervalMS <= 0 {
		ctl.TickIntervalMS = 10_000
	}
	if ctl.Kp == 0 {
		ctl.Kp = 0.5
	}
	if ctl.Ki == 0 {
		ctl.Ki = 0.1
	}
	if ctl.Kd == 0 {
		ctl.Kd = 0.05
	}
	if ctl.Leakage == 0 {
		ctl.Leakage = 0.01
	}
	if ctl.IntegrationLimit <= 0 {
		ctl.IntegrationLimit = 30.0
	}
	if ctl.PerParticipantTarget <= 0 {
		ctl.PerParticipantTarget = 120.0
	}
	if ctl.MinTargetFloor <= 0 {
		ctl.MinTargetFloor = 10.0
	}
	if ctl.CountBlockedTransfers == nil {
		t := true
		ctl.CountBlockedTransfers = &t
	}

	ph := &cfg.Phases
	if ph.EmergencyAbove == 0 {
		ph.EmergencyAbove = 3.5
	}
	if ph.SaturatedAbove == 0 {
		ph.SaturatedAbove = 1.8
	}
	if ph.HealingBelow == 0 {
		ph.HealingBelow = 1.5
	}
	if ph.StableBelow == 0 {
		ph.StableBelow = 1.2
	}
	if ph.AnchorTTLSec <= 0 {
		ph.AnchorTTLSec = 300
	}
	if ph.RecoveryWindowMS <= 0 {
		ph.RecoveryWindowMS = 900_000
	}

	au := &cfg.Audit
	if au.Workers <= 0 {
		au.Workers = 4
	}
	if au.QueueSize <= 0 {
		au.QueueSize = 256
	}
	if au.BaseTaxRate.IsZero() {
		au.BaseTaxRate = decimal.NewFromFloat(0.05)
	}
	if au.LuxuryThreshold.IsZero() {
		au.LuxuryThreshold = decimal.NewFromInt(100_000)
	}
	if au.LuxuryTaxRate.IsZero() {
		au.LuxuryTaxRate = decimal.NewFromFloat(0.10)
	}
	if au.WealthGapTaxRate.IsZero() {
		au.WealthGapTaxRate = decimal.NewFromFloat(0.20)
	}
	if au.PoorThreshold.IsZero() {
		au.PoorThreshold = decimal.NewFromInt(10_000)
	}
	if au.RichThreshold.IsZero() {
		au.RichThreshold = decimal.NewFromInt(1_000_000)
	}
	if au.NewbieLimit.IsZero() {
		au.NewbieLimit = decimal.NewFromInt(50_000)
	}
	if au.NewbieReceiveCap.IsZero() {
		au.NewbieReceiveCap = decimal.NewFromInt(50_000)
	}
	if au.WarningRatio == 0 {
		au.WarningRatio = 0.9
	}
	if au.WarningMinAmount.IsZero() {
		au.WarningMinAmount = decimal.NewFromInt(50_000)
	}
	if au.NewbieHours == 0 {
		au.NewbieHours = 10.0
	}
	if au.VeteranHours == 0 {
		au.VeteranHours = 100.0
	}
	if au.VelocityLimit == 0 {
		au.VelocityLimit = 20.0
	}
	if au.BalanceRetries <= 0 {
		au.BalanceRetries = 5
	}

	rep := &cfg.Replication
	if rep.BacklogCapacity <= 0 {
		rep.BacklogCapacity = 5000
	}
	if rep.FlushBatchSize <= 0 {
		rep.FlushBatchSize = 100
	}
	if rep.FlushBudgetMS <= 0 {
		rep.FlushBudgetMS = 5000
	}
	if rep.Channel == "" {
		rep.Channel = "ecobridge:global_trade"
	}

	if cfg.Locks.IdleEvictionMin <= 0 {
		cfg.Locks.IdleEvictionMin = 10
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "ecobridge.db"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.App.InstanceID == "" {
		return fmt.Errorf("app.instance_id is required")
	}

	if c.Replication.Enabled {
		if !hasPrefix(c.Replication.WSURL, "ws://") && !hasPrefix(c.Replication.WSURL, "wss://") {
			return fmt.Errorf("invalid replication WS URL: %s", c.Replication.WSURL)
		}
	}

	for shopID, items := range c.Products {
		for productID, p := range items {
			if p.BasePrice <= 0 {
				return fmt.Errorf("product %s:%s has non-positive base price", shopID, productID)
			}
			if p.Lambda < 0 {
				return fmt.Errorf("product %s:%s has negative lambda", shopID, productID)
			}
		}
	}

	if c.Controller.Kp < 0 || c.Controller.Ki < 0 || c.Controller.Kd < 0 {
		return fmt.Errorf("controller gains must be non-negative")
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv replaces settings from environment variables when present.
func overrideWithEnv(cfg *Config) {
	if id := os.Getenv("ECOBRIDGE_INSTANCE_ID"); id != "" {
		cfg.App.InstanceID = id
	}
	if url := os.Getenv("ECOBRIDGE_REPLICATION_URL"); url != "" {
		cfg.Replication.WSURL = url
	}
	if path := os.Getenv("ECOBRIDGE_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
}

// ProductList flattens the product map, filling in shop and product ids and
// the default lambda for products that omit one.
func (c *Config) ProductList() []domain.Product {
	var out []domain.Product
	for shopID, items := range c.Products {
		for productID, p := range items {
			p.ShopID = shopID
			p.ProductID = productID
			if p.Lambda == 0 {
				p.Lambda = c.Economy.DefaultLambda
			}
			out = append(out, p)
		}
	}
	return out
}

// MarketParams builds the environmental factor parameters.
func (c *Config) MarketParams() domain.MarketParams {
	return domain.MarketParams{
		SeasonalAmplitude:    c.Economy.SeasonalAmplitude,
		WeekendMultiplier:    c.Economy.WeekendMultiplier,
		NewbieProtectionRate: c.Economy.NewbieProtectionRate,
		SeasonalWeight:       0.25,
		WeekendWeight:        0.25,
		NewbieWeight:         0.25,
		InflationWeight:      0.25,
	}
}

// RegulatorParams builds the transfer audit parameters.
func (c *Config) RegulatorParams() domain.RegulatorParams {
	return domain.RegulatorParams{
		BaseTaxRate:       c.Audit.BaseTaxRate,
		LuxuryThreshold:   c.Audit.LuxuryThreshold,
		LuxuryTaxRate:     c.Audit.LuxuryTaxRate,
		WealthGapTaxRate:  c.Audit.WealthGapTaxRate,
		PoorThreshold:     c.Audit.PoorThreshold,
		RichThreshold:     c.Audit.RichThreshold,
		NewbieLimit:       c.Audit.NewbieLimit,
		NewbieReceiveCap:  c.Audit.NewbieReceiveCap,
		WarningRatio:      c.Audit.WarningRatio,
		WarningMinAmount:  c.Audit.WarningMinAmount,
		NewbieHours:       c.Audit.NewbieHours,
		VeteranHours:      c.Audit.VeteranHours,
		VelocityThreshold: c.Audit.VelocityLimit,
	}
}

// CountBlocked reports whether blocked transfers still add to market heat.
func (c *Config) CountBlocked() bool {
	return c.Controller.CountBlockedTransfers == nil || *c.Controller.CountBlockedTransfers
}

// SnapshotInterval returns the price compute cycle period.
func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.Economy.SnapshotIntervalMS) * time.Millisecond
}

// TickInterval returns the macro controller tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Controller.TickIntervalMS) * time.Millisecond
}
