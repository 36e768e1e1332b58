// Package config provides configuration management for the wheel engine.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultContracts       = 1
	defaultMaxWheelLayers  = 2
	defaultCycleInterval   = "15m"
	defaultUpdateInterval  = "60s"
	defaultMaxOrderAge     = "30m"
	defaultRollingStrategy = "forward"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig       `yaml:"environment"`
	Broker      BrokerConfig            `yaml:"broker"`
	Balance     BalanceSettings         `yaml:"balance_settings"`
	Filters     OptionFilters           `yaml:"option_filters"`
	Rolling     RollingSettings         `yaml:"rolling_settings"`
	Symbols     map[string]SymbolConfig `yaml:"symbols"`
	Execution   ExecutionConfig         `yaml:"execution"`
	Schedule    ScheduleConfig          `yaml:"schedule"`
	Ledger      LedgerConfig            `yaml:"ledger"`
}

// EnvironmentConfig defines runtime environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // optional rotating log file
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Endpoint  string `yaml:"api_endpoint"` // optional override
}

// BalanceSettings apportions buying power across the wheel.
type BalanceSettings struct {
	AllocationPercentage float64 `yaml:"allocation_percentage"` // fraction of non-marginable buying power
	MaxWheelLayers       int     `yaml:"max_wheel_layers"`      // default layers per symbol
}

// OptionFilters are the scorer's hard filters.
type OptionFilters struct {
	DeltaMin          float64 `yaml:"delta_min"`
	DeltaMax          float64 `yaml:"delta_max"`
	YieldMin          float64 `yaml:"yield_min"` // bid/strike lower bound
	YieldMax          float64 `yaml:"yield_max"`
	ExpirationMinDays int     `yaml:"expiration_min_days"`
	ExpirationMaxDays int     `yaml:"expiration_max_days"`
	OpenInterestMin   int64   `yaml:"open_interest_min"`
	ScoreMin          float64 `yaml:"score_min"`
}

// RollingSettings are the global roll defaults; symbols may override.
type RollingSettings struct {
	Enabled          bool    `yaml:"enabled"`
	Strategy         string  `yaml:"strategy"` // forward | down | both
	DaysBeforeExpiry int     `yaml:"days_before_expiry"`
	MinPremiumToRoll float64 `yaml:"min_premium_to_roll"`
	RollDeltaTarget  float64 `yaml:"roll_delta_target"`
}

// SymbolConfig is per-symbol strategy configuration, immutable within a cycle.
type SymbolConfig struct {
	Enabled        bool             `yaml:"enabled"`
	Contracts      int              `yaml:"contracts"`
	MaxWheelLayers int              `yaml:"max_wheel_layers"`
	Rolling        *RollingSettings `yaml:"rolling,omitempty"`
}

// ExecutionConfig tunes the execution engine's retry and breaker behavior.
type ExecutionConfig struct {
	MaxRetries       int     `yaml:"max_retries"`
	InitialBackoff   string  `yaml:"initial_backoff"`
	MaxBackoff       string  `yaml:"max_backoff"`
	FillTimeout      string  `yaml:"fill_timeout"`
	BreakerThreshold uint32  `yaml:"breaker_threshold"` // consecutive failures before opening
	BreakerCooldown  string  `yaml:"breaker_cooldown"`
	MaxReprices      int     `yaml:"max_reprices"`
	TickSize         float64 `yaml:"tick_size"`
}

// ScheduleConfig defines cycle cadence and market hours fallback.
type ScheduleConfig struct {
	CycleInterval  string `yaml:"cycle_interval"`
	UpdateInterval string `yaml:"update_interval"`
	MaxOrderAge    string `yaml:"max_order_age"`
	Timezone       string `yaml:"timezone"`      // e.g. "America/New_York"
	TradingStart   string `yaml:"trading_start"` // "HH:MM"
	TradingEnd     string `yaml:"trading_end"`   // "HH:MM"
}

// LedgerConfig defines the trade/premium ledger location.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// Load reads, expands, parses, and validates the configuration file.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Balance.MaxWheelLayers == 0 {
		c.Balance.MaxWheelLayers = defaultMaxWheelLayers
	}
	if c.Rolling.Strategy == "" {
		c.Rolling.Strategy = defaultRollingStrategy
	}
	if c.Rolling.DaysBeforeExpiry == 0 {
		c.Rolling.DaysBeforeExpiry = 1
	}
	if c.Schedule.CycleInterval == "" {
		c.Schedule.CycleInterval = defaultCycleInterval
	}
	if c.Schedule.UpdateInterval == "" {
		c.Schedule.UpdateInterval = defaultUpdateInterval
	}
	if c.Schedule.MaxOrderAge == "" {
		c.Schedule.MaxOrderAge = defaultMaxOrderAge
	}
	if c.Execution.MaxRetries == 0 {
		c.Execution.MaxRetries = 3
	}
	if c.Execution.InitialBackoff == "" {
		c.Execution.InitialBackoff = "1s"
	}
	if c.Execution.MaxBackoff == "" {
		c.Execution.MaxBackoff = "30s"
	}
	if c.Execution.FillTimeout == "" {
		c.Execution.FillTimeout = "2m"
	}
	if c.Execution.BreakerThreshold == 0 {
		c.Execution.BreakerThreshold = 5
	}
	if c.Execution.BreakerCooldown == "" {
		c.Execution.BreakerCooldown = "60s"
	}
	if c.Execution.MaxReprices == 0 {
		c.Execution.MaxReprices = 10
	}
	if c.Execution.TickSize == 0 {
		c.Execution.TickSize = 0.01
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/wheel.db"
	}
}

// Validate checks that all configuration values are valid and consistent.
// Validation failures are fatal at startup.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.APISecret == "" {
		return fmt.Errorf("broker.api_secret is required")
	}

	if c.Balance.AllocationPercentage <= 0 || c.Balance.AllocationPercentage > 1.0 {
		return fmt.Errorf("balance_settings.allocation_percentage must be in (0, 1]")
	}
	if c.Balance.MaxWheelLayers <= 0 {
		return fmt.Errorf("balance_settings.max_wheel_layers must be > 0")
	}

	if err := c.Filters.validate(); err != nil {
		return err
	}
	if err := c.Rolling.validate("rolling_settings"); err != nil {
		return err
	}

	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols map is required and must not be empty")
	}
	for symbol, sc := range c.Symbols {
		if sc.Contracts < 0 {
			return fmt.Errorf("symbols.%s.contracts must be >= 0", symbol)
		}
		if sc.MaxWheelLayers < 0 {
			return fmt.Errorf("symbols.%s.max_wheel_layers must be >= 0", symbol)
		}
		if sc.Rolling != nil {
			if err := sc.Rolling.validate("symbols." + symbol + ".rolling"); err != nil {
				return err
			}
		}
	}

	for _, field := range []struct {
		name, value string
	}{
		{"schedule.cycle_interval", c.Schedule.CycleInterval},
		{"schedule.update_interval", c.Schedule.UpdateInterval},
		{"schedule.max_order_age", c.Schedule.MaxOrderAge},
		{"execution.initial_backoff", c.Execution.InitialBackoff},
		{"execution.max_backoff", c.Execution.MaxBackoff},
		{"execution.fill_timeout", c.Execution.FillTimeout},
		{"execution.breaker_cooldown", c.Execution.BreakerCooldown},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s invalid: %w", field.name, err)
		}
	}

	if c.Schedule.TradingStart != "" || c.Schedule.TradingEnd != "" {
		loc := c.location()
		s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
		e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
		if err1 != nil || err2 != nil || !s.Before(e) {
			return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
		}
	}

	return nil
}

func (f *OptionFilters) validate() error {
	if f.DeltaMin < 0 || f.DeltaMax <= 0 || f.DeltaMin >= f.DeltaMax || f.DeltaMax > 1 {
		return fmt.Errorf("option_filters delta range must satisfy 0 <= delta_min < delta_max <= 1")
	}
	if f.YieldMin < 0 || f.YieldMax <= 0 || f.YieldMin >= f.YieldMax {
		return fmt.Errorf("option_filters yield range must satisfy 0 <= yield_min < yield_max")
	}
	if f.ExpirationMinDays < 0 || f.ExpirationMaxDays <= 0 || f.ExpirationMinDays > f.ExpirationMaxDays {
		return fmt.Errorf("option_filters expiration range must satisfy 0 <= min <= max with max > 0")
	}
	if f.OpenInterestMin < 0 {
		return fmt.Errorf("option_filters.open_interest_min must be >= 0")
	}
	if f.ScoreMin < 0 {
		return fmt.Errorf("option_filters.score_min must be >= 0")
	}
	return nil
}

func (r *RollingSettings) validate(prefix string) error {
	switch r.Strategy {
	case "", "forward", "down", "both":
	default:
		return fmt.Errorf("%s.strategy must be forward, down, or both", prefix)
	}
	if r.DaysBeforeExpiry < 0 {
		return fmt.Errorf("%s.days_before_expiry must be >= 0", prefix)
	}
	if r.MinPremiumToRoll < 0 {
		return fmt.Errorf("%s.min_premium_to_roll must be >= 0", prefix)
	}
	if r.RollDeltaTarget < 0 || r.RollDeltaTarget > 1 {
		return fmt.Errorf("%s.roll_delta_target must be in [0, 1]", prefix)
	}
	return nil
}

// IsPaperTrading returns true if configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// EnabledSymbols returns the enabled symbols in a stable order.
func (c *Config) EnabledSymbols() []string {
	out := make([]string, 0, len(c.Symbols))
	for symbol, sc := range c.Symbols {
		if sc.Enabled {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// ContractsFor returns the contracts-per-order for a symbol.
func (c *Config) ContractsFor(symbol string) int {
	if sc, ok := c.Symbols[symbol]; ok && sc.Contracts > 0 {
		return sc.Contracts
	}
	return defaultContracts
}

// MaxLayersFor returns the layer cap for a symbol, falling back to the
// global balance setting.
func (c *Config) MaxLayersFor(symbol string) int {
	if sc, ok := c.Symbols[symbol]; ok && sc.MaxWheelLayers > 0 {
		return sc.MaxWheelLayers
	}
	return c.Balance.MaxWheelLayers
}

// RollingFor returns the effective rolling settings for a symbol: the symbol
// override when present, the global defaults otherwise.
func (c *Config) RollingFor(symbol string) RollingSettings {
	if sc, ok := c.Symbols[symbol]; ok && sc.Rolling != nil {
		rs := *sc.Rolling
		if rs.Strategy == "" {
			rs.Strategy = c.Rolling.Strategy
		}
		if rs.DaysBeforeExpiry == 0 {
			rs.DaysBeforeExpiry = c.Rolling.DaysBeforeExpiry
		}
		if rs.MinPremiumToRoll == 0 {
			rs.MinPremiumToRoll = c.Rolling.MinPremiumToRoll
		}
		if rs.RollDeltaTarget == 0 {
			rs.RollDeltaTarget = c.Rolling.RollDeltaTarget
		}
		return rs
	}
	return c.Rolling
}

// CycleInterval returns the parsed strategy cycle interval.
func (c *Config) CycleInterval() time.Duration {
	return c.mustDuration(c.Schedule.CycleInterval, 15*time.Minute)
}

// UpdateInterval returns the parsed limit-order management interval.
func (c *Config) UpdateInterval() time.Duration {
	return c.mustDuration(c.Schedule.UpdateInterval, time.Minute)
}

// MaxOrderAge returns the parsed maximum pending-order age.
func (c *Config) MaxOrderAge() time.Duration {
	return c.mustDuration(c.Schedule.MaxOrderAge, 30*time.Minute)
}

func (c *Config) mustDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks the configured trading window. Used only as a
// fallback when the broker's market clock is unavailable.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.location()
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
