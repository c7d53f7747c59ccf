// Package config loads the backtest engine's configuration from a YAML
// file with environment-variable overrides, following
// 0xtitan6-polymarket-mm/internal/config's viper-based Load/Validate
// shape: a nested Config struct with mapstructure tags, explicit
// defaults, and a validation pass independent of loading.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"fenrir/internal/broker"
	"fenrir/internal/engine"
	"fenrir/internal/guard"
)

const envPrefix = "BACKTEST"

// Config is the top-level configuration record. Maps directly to the YAML
// file structure.
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Guard   GuardConfig   `mapstructure:"guard"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// EngineConfig mirrors engine.Config with mapstructure tags; translated
// to engine.Config by ToEngineConfig.
type EngineConfig struct {
	TickIntervalMs                     int64  `mapstructure:"tick_interval_ms"`
	TradingStartMs                     int64  `mapstructure:"trading_start_ms"`
	TradingEndMs                       int64  `mapstructure:"trading_end_ms"`
	TradingWindowMode                  string `mapstructure:"trading_window_mode"` // "entry_only" | "block_all"
	AllowReducingOutsideTradingWindow  bool   `mapstructure:"allow_reducing_outside_trading_window"`
	BrokerTimeMode                     string `mapstructure:"broker_time_mode"` // "before_event" | "after_event"
	StrictEventTimeMonotonic           bool   `mapstructure:"strict_event_time_monotonic"`
	BookGuardEnabled                   bool   `mapstructure:"book_guard"`
	BookGuardSymbol                    string `mapstructure:"book_guard_symbol"`
}

// BrokerConfig mirrors broker.Config with mapstructure tags.
type BrokerConfig struct {
	SubmitLatencyMs                   int64   `mapstructure:"submit_latency_ms"`
	CancelLatencyMs                   int64   `mapstructure:"cancel_latency_ms"`
	TakerFeeFrac                      float64 `mapstructure:"taker_fee_frac"`
	MakerFeeFrac                      float64 `mapstructure:"maker_fee_frac"`
	MakerQueueAheadFactor             float64 `mapstructure:"maker_queue_ahead_factor"`
	MakerQueueAheadExtraQty           float64 `mapstructure:"maker_queue_ahead_extra_qty"`
	MakerTradeParticipation           float64 `mapstructure:"maker_trade_participation"`
	PostOnlyBehavior                  string  `mapstructure:"post_only_behavior"` // "reject" | "reprice"
	RepriceTickSize                   float64 `mapstructure:"reprice_tick_size"`
	InvalidateActiveMakersOnGuardTrip bool    `mapstructure:"invalidate_active_makers_on_guard_trip"`
}

// GuardConfig mirrors guard.Config with mapstructure tags.
type GuardConfig struct {
	MaxSpread          float64 `mapstructure:"max_spread"`
	MaxSpreadBps       float64 `mapstructure:"max_spread_bps"`
	MaxStalenessMs     int64   `mapstructure:"max_staleness_ms"`
	CooldownMs         int64   `mapstructure:"cooldown_ms"`
	WarmupDepthUpdates int     `mapstructure:"warmup_depth_updates"`
	ResetOnMismatch    bool    `mapstructure:"reset_on_mismatch"`
	ResetOnCrossed     bool    `mapstructure:"reset_on_crossed"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the documented defaults for every section.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			TradingWindowMode: "entry_only",
			BrokerTimeMode:    "after_event",
		},
		Broker: BrokerConfig{
			MakerQueueAheadFactor:   1.0,
			MakerTradeParticipation: 1.0,
			PostOnlyBehavior:        "reject",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads config from a YAML file at path, with BACKTEST_* environment
// variable overrides (e.g. BACKTEST_BROKER_TAKER_FEE_FRAC).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges that Default alone cannot guarantee
// once overridden.
func (c *Config) Validate() error {
	switch c.Engine.TradingWindowMode {
	case "entry_only", "block_all":
	default:
		return fmt.Errorf("config: engine.trading_window_mode must be entry_only or block_all, got %q", c.Engine.TradingWindowMode)
	}
	switch c.Engine.BrokerTimeMode {
	case "before_event", "after_event":
	default:
		return fmt.Errorf("config: engine.broker_time_mode must be before_event or after_event, got %q", c.Engine.BrokerTimeMode)
	}
	if c.Engine.BookGuardEnabled && c.Engine.BookGuardSymbol == "" {
		return fmt.Errorf("config: engine.book_guard_symbol is required when engine.book_guard is enabled")
	}
	if c.Broker.TakerFeeFrac < 0 || c.Broker.MakerFeeFrac < -1 {
		return fmt.Errorf("config: broker fee fractions out of range")
	}
	if c.Broker.MakerQueueAheadFactor < 0 {
		return fmt.Errorf("config: broker.maker_queue_ahead_factor must be >= 0")
	}
	switch c.Broker.PostOnlyBehavior {
	case "reject", "reprice":
	default:
		return fmt.Errorf("config: broker.post_only_behavior must be reject or reprice, got %q", c.Broker.PostOnlyBehavior)
	}
	return nil
}

// ToEngineConfig translates the loaded config into an engine.Config.
func (c *Config) ToEngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.TickIntervalMs = c.Engine.TickIntervalMs
	ec.TradingStartMs = c.Engine.TradingStartMs
	ec.TradingEndMs = c.Engine.TradingEndMs
	if c.Engine.TradingWindowMode == "block_all" {
		ec.TradingWindowMode = engine.BlockAll
	} else {
		ec.TradingWindowMode = engine.EntryOnly
	}
	ec.AllowReducingOutsideTradingWindow = c.Engine.AllowReducingOutsideTradingWindow
	if c.Engine.BrokerTimeMode == "before_event" {
		ec.BrokerTimeMode = engine.BeforeEvent
	} else {
		ec.BrokerTimeMode = engine.AfterEvent
	}
	ec.StrictEventTimeMonotonic = c.Engine.StrictEventTimeMonotonic
	ec.BookGuardEnabled = c.Engine.BookGuardEnabled
	ec.BookGuardSymbol = c.Engine.BookGuardSymbol
	ec.BookGuard = c.ToGuardConfig()
	return ec
}

// ToBrokerConfig translates the loaded config into a broker.Config.
func (c *Config) ToBrokerConfig() broker.Config {
	bc := broker.DefaultConfig()
	bc.SubmitLatencyMs = c.Broker.SubmitLatencyMs
	bc.CancelLatencyMs = c.Broker.CancelLatencyMs
	bc.TakerFeeFrac = c.Broker.TakerFeeFrac
	bc.MakerFeeFrac = c.Broker.MakerFeeFrac
	bc.MakerQueueAheadFactor = c.Broker.MakerQueueAheadFactor
	bc.MakerQueueAheadExtraQty = c.Broker.MakerQueueAheadExtraQty
	bc.MakerTradeParticipation = c.Broker.MakerTradeParticipation
	if c.Broker.PostOnlyBehavior == "reprice" {
		bc.PostOnlyBehavior = broker.PostOnlyReprice
	} else {
		bc.PostOnlyBehavior = broker.PostOnlyReject
	}
	bc.RepriceTickSize = c.Broker.RepriceTickSize
	bc.InvalidateActiveMakersOnGuardTrip = c.Broker.InvalidateActiveMakersOnGuardTrip
	return bc
}

// ToGuardConfig translates the loaded config into a guard.Config.
func (c *Config) ToGuardConfig() guard.Config {
	return guard.Config{
		MaxSpread:          c.Guard.MaxSpread,
		MaxSpreadBps:       c.Guard.MaxSpreadBps,
		MaxStalenessMs:     c.Guard.MaxStalenessMs,
		CooldownMs:         c.Guard.CooldownMs,
		WarmupDepthUpdates: c.Guard.WarmupDepthUpdates,
		ResetOnMismatch:    c.Guard.ResetOnMismatch,
		ResetOnCrossed:     c.Guard.ResetOnCrossed,
	}
}
