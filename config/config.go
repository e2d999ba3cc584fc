// config/config.go
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// TierConfig describes a single profit-scaling tier. Thresholds and fractions
// are expressed relative to the position's risk basis and original size.
type TierConfig struct {
	ProfitThreshold float64 `yaml:"profit_threshold"`
	CloseFraction   float64 `yaml:"close_fraction"`
	MoveStopToEntry bool    `yaml:"move_stop_to_entry"`
	TrailFraction   float64 `yaml:"trail_fraction"`
}

// ScalingConfig holds the configuration for the tiered profit-scaling engine.
type ScalingConfig struct {
	MicroBalanceThreshold float64      `yaml:"micro_balance_threshold"`
	StandardTiers         []TierConfig `yaml:"standard_tiers"`
	MicroTiers            []TierConfig `yaml:"micro_tiers"`
	RiskBasis             float64      `yaml:"risk_basis"`
	MinProfitAmount       float64      `yaml:"min_profit_amount"`
	MaxPositionAgeHours   float64      `yaml:"max_position_age_hours"`
	EmergencyLockFraction float64      `yaml:"emergency_lock_fraction"`
	EmergencyLockKeep     float64      `yaml:"emergency_lock_keep"`
	IncludeAdopted        bool         `yaml:"include_adopted"`
}

// AdoptionConfig controls absorption of venue-side positions this system
// did not open itself.
type AdoptionConfig struct {
	Mode                  string   `yaml:"mode"` // "manage", "log_only" or "off"
	AllowSymbols          []string `yaml:"allow_symbols"`
	DenySymbols           []string `yaml:"deny_symbols"`
	MaxAgeHours           float64  `yaml:"max_age_hours"`
	EmergencyStopFraction float64  `yaml:"emergency_stop_fraction"`
	RiskReward            float64  `yaml:"risk_reward"`
}

// ModeConfig maps one drawdown band to its protective-level multipliers.
// MaxDrawdown is the exclusive upper bound of the band.
type ModeConfig struct {
	MaxDrawdown float64 `yaml:"max_drawdown"`
	StopMult    float64 `yaml:"stop_mult"`
	TargetMult  float64 `yaml:"target_mult"`
}

// RiskConfig holds drawdown-mode breakpoints and the approval gate limits.
type RiskConfig struct {
	UltraAggressive    ModeConfig `yaml:"ultra_aggressive"`
	Aggressive         ModeConfig `yaml:"aggressive"`
	Balanced           ModeConfig `yaml:"balanced"`
	Conservative       ModeConfig `yaml:"conservative"`
	Recovery           ModeConfig `yaml:"recovery"`
	RecoveryLossStreak int        `yaml:"recovery_loss_streak"`

	HardStopDailyLoss     float64 `yaml:"hard_stop_daily_loss"`
	StopCeilingFraction   float64 `yaml:"stop_ceiling_fraction"`
	MaxPositionsPerSymbol int     `yaml:"max_positions_per_symbol"`
	MaxTotalPositions     int     `yaml:"max_total_positions"`
	MaxTotalExposure      float64 `yaml:"max_total_exposure"`
}

// RetryConfig bounds the dispatch retry loop.
type RetryConfig struct {
	MaxAttempts         int `yaml:"max_attempts"`
	InitialBackoffMs    int `yaml:"initial_backoff_ms"`
	MaxBackoffMs        int `yaml:"max_backoff_ms"`
	CallTimeoutSeconds  int `yaml:"call_timeout_seconds"`
	ResultQueueSize     int `yaml:"result_queue_size"`
	UnreachableSuspends int `yaml:"unreachable_suspends"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general, non-policy configuration.
type NormalConfig struct {
	HTTPTimeoutSeconds       int    `yaml:"http_timeout_seconds"`
	RecvWindowSeconds        int    `yaml:"recv_window_seconds"`
	CycleIntervalSeconds     int    `yaml:"cycle_interval_seconds"`
	HeartbeatIntervalMinutes int    `yaml:"heartbeat_interval_minutes"`
	TimeSyncIntervalMinutes  int    `yaml:"time_sync_interval_minutes"`
	StateSaveIntervalSeconds int    `yaml:"state_save_interval_seconds"`
	LogDirectory             string `yaml:"log_directory"`
	StateDirectory           string `yaml:"state_directory"`
}

// PolicyConfig is a generic container for a single policy section.
type PolicyConfig struct {
	Name    string      `yaml:"name"`
	Enabled bool        `yaml:"enabled"`
	Config  interface{} `yaml:"config"`
}

// Config is the top-level configuration structure.
type Config struct {
	Name          string          `yaml:"name"`
	UseSimulation bool            `yaml:"use_simulation"`
	Normal        *NormalConfig   `yaml:"normal_config"`
	Logs          *LogConfig      `yaml:"logs"`
	Adoption      *AdoptionConfig `yaml:"adoption"`
	Scaling       *ScalingConfig  `yaml:"scaling"`
	Risk          *RiskConfig     `yaml:"risk"`
	Retry         *RetryConfig    `yaml:"retry"`

	ScalingEnabled  bool
	AdjusterEnabled bool
}

// NewConfig creates a Config with allocations but no policy defaults.
// All critical policy parameters MUST be provided in the config.yaml file.
func NewConfig() *Config {
	return &Config{
		UseSimulation:   false,
		ScalingEnabled:  true,
		AdjusterEnabled: true,
		Logs:            &LogConfig{},
		Normal:          &NormalConfig{},
		Adoption:        &AdoptionConfig{},
		Scaling:         &ScalingConfig{RiskBasis: 1.0},
		Risk:            &RiskConfig{},
		Retry:           &RetryConfig{},
	}
}

// LoadConfig loads configuration from a given path and validates it.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("Error: Config file not found at %s. Program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// A temporary struct to unmarshal raw policy sections by name.
	var rawCfg struct {
		Name          string         `yaml:"name"`
		UseSimulation bool           `yaml:"use_simulation"`
		Logs          *LogConfig     `yaml:"logs"`
		Normal        *NormalConfig  `yaml:"normal_config"`
		Policies      []PolicyConfig `yaml:"policies"`
	}

	if err := yaml.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if rawCfg.Name != "" {
		cfg.Name = rawCfg.Name
	}
	cfg.UseSimulation = rawCfg.UseSimulation
	if rawCfg.Normal != nil {
		cfg.Normal = rawCfg.Normal
	}
	if rawCfg.Logs != nil {
		cfg.Logs = rawCfg.Logs
	}

	for _, p := range rawCfg.Policies {
		configBytes, err := yaml.Marshal(p.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to re-marshal policy config '%s': %w", p.Name, err)
		}

		switch p.Name {
		case "adoption":
			if !p.Enabled {
				cfg.Adoption.Mode = "off"
				continue
			}
			if err := yaml.Unmarshal(configBytes, cfg.Adoption); err != nil {
				return nil, fmt.Errorf("failed to unmarshal adoption config: %w", err)
			}
		case "scaling":
			cfg.ScalingEnabled = p.Enabled
			if err := yaml.Unmarshal(configBytes, cfg.Scaling); err != nil {
				return nil, fmt.Errorf("failed to unmarshal scaling config: %w", err)
			}
		case "risk":
			cfg.AdjusterEnabled = p.Enabled
			if err := yaml.Unmarshal(configBytes, cfg.Risk); err != nil {
				return nil, fmt.Errorf("failed to unmarshal risk config: %w", err)
			}
		case "retry":
			if err := yaml.Unmarshal(configBytes, cfg.Retry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal retry config: %w", err)
			}
		}
	}

	if cfg.Scaling.RiskBasis == 0 {
		cfg.Scaling.RiskBasis = 1.0
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks logical consistency and completeness of the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("Critical config missing: 'name' must be explicitly specified in config.yaml")
	}

	if c.Normal == nil {
		return fmt.Errorf("Critical config missing: 'normal_config' block must be provided in config.yaml")
	}
	if c.Normal.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.http_timeout_seconds' must be positive")
	}
	if c.Normal.RecvWindowSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.recv_window_seconds' must be positive")
	}
	if c.Normal.CycleIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.cycle_interval_seconds' must be positive")
	}
	if c.Normal.HeartbeatIntervalMinutes <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.heartbeat_interval_minutes' must be positive")
	}
	if c.Normal.TimeSyncIntervalMinutes <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.time_sync_interval_minutes' must be positive")
	}
	if c.Normal.StateSaveIntervalSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'normal_config.state_save_interval_seconds' must be positive")
	}
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.log_directory' must be specified (e.g., 'logs')")
	}
	if c.Normal.StateDirectory == "" {
		return fmt.Errorf("Critical config missing: 'normal_config.state_directory' must be specified (e.g., 'state')")
	}

	if c.Logs == nil {
		return fmt.Errorf("Critical config missing: 'logs' block must be provided in config.yaml")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be specified (e.g., 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_size_mb' must be positive")
	}
	if c.Logs.MaxBackups <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_backups' must be positive")
	}
	if c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Critical config missing: 'logs.max_age_days' must be positive")
	}

	if err := c.validateAdoption(); err != nil {
		return err
	}
	if err := c.validateScaling(); err != nil {
		return err
	}
	if err := c.validateRisk(); err != nil {
		return err
	}
	return c.validateRetry()
}

func (c *Config) validateAdoption() error {
	a := c.Adoption
	switch a.Mode {
	case "manage", "log_only", "off":
	case "":
		return fmt.Errorf("Critical config missing: 'adoption.mode' must be 'manage', 'log_only' or 'off'")
	default:
		return fmt.Errorf("Config error: adoption.mode '%s' is not one of 'manage', 'log_only', 'off'", a.Mode)
	}
	if a.Mode == "off" {
		return nil
	}
	if a.MaxAgeHours <= 0 {
		return fmt.Errorf("Critical config missing: 'adoption.max_age_hours' must be positive")
	}
	if a.EmergencyStopFraction <= 0 || a.EmergencyStopFraction >= 1 {
		return fmt.Errorf("Config error: adoption.emergency_stop_fraction must be in (0, 1)")
	}
	if a.RiskReward <= 0 {
		return fmt.Errorf("Critical config missing: 'adoption.risk_reward' must be positive")
	}
	for _, s := range a.DenySymbols {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("Config error: adoption.deny_symbols contains an empty symbol")
		}
	}
	return nil
}

func (c *Config) validateScaling() error {
	if !c.ScalingEnabled {
		return nil
	}
	s := c.Scaling
	if len(s.StandardTiers) == 0 {
		return fmt.Errorf("Critical config missing: 'scaling.standard_tiers' must be provided")
	}
	if s.MicroBalanceThreshold > 0 && len(s.MicroTiers) == 0 {
		return fmt.Errorf("Config error: scaling.micro_balance_threshold set but 'scaling.micro_tiers' is empty")
	}
	for name, tiers := range map[string][]TierConfig{"standard_tiers": s.StandardTiers, "micro_tiers": s.MicroTiers} {
		prev := 0.0
		for i, t := range tiers {
			if t.ProfitThreshold <= prev {
				return fmt.Errorf("Config error: scaling.%s[%d].profit_threshold must be positive and strictly ascending", name, i)
			}
			if t.CloseFraction <= 0 || t.CloseFraction > 1 {
				return fmt.Errorf("Config error: scaling.%s[%d].close_fraction must be in (0, 1]", name, i)
			}
			if t.TrailFraction < 0 || t.TrailFraction > 1 {
				return fmt.Errorf("Config error: scaling.%s[%d].trail_fraction must be in [0, 1]", name, i)
			}
			prev = t.ProfitThreshold
		}
	}
	if s.RiskBasis <= 0 {
		return fmt.Errorf("Config error: scaling.risk_basis must be positive")
	}
	if s.EmergencyLockFraction < 0 {
		return fmt.Errorf("Config error: scaling.emergency_lock_fraction cannot be negative")
	}
	if s.EmergencyLockKeep < 0 || s.EmergencyLockKeep > 1 {
		return fmt.Errorf("Config error: scaling.emergency_lock_keep must be in [0, 1]")
	}
	return nil
}

func (c *Config) validateRisk() error {
	r := c.Risk
	if r.StopCeilingFraction <= 0 || r.StopCeilingFraction >= 1 {
		return fmt.Errorf("Critical config missing: 'risk.stop_ceiling_fraction' must be in (0, 1)")
	}
	if r.HardStopDailyLoss <= 0 || r.HardStopDailyLoss >= 1 {
		return fmt.Errorf("Critical config missing: 'risk.hard_stop_daily_loss' must be in (0, 1)")
	}
	if !c.AdjusterEnabled {
		return nil
	}
	// Drawdown bands must be a total order.
	bands := []struct {
		name string
		m    ModeConfig
	}{
		{"ultra_aggressive", r.UltraAggressive},
		{"aggressive", r.Aggressive},
		{"balanced", r.Balanced},
		{"conservative", r.Conservative},
	}
	prev := 0.0
	for _, b := range bands {
		if b.m.MaxDrawdown <= prev {
			return fmt.Errorf("Config error: risk.%s.max_drawdown must be positive and strictly ascending across modes", b.name)
		}
		if b.m.StopMult <= 0 || b.m.TargetMult <= 0 {
			return fmt.Errorf("Config error: risk.%s stop_mult and target_mult must be positive", b.name)
		}
		prev = b.m.MaxDrawdown
	}
	if r.Recovery.StopMult <= 0 || r.Recovery.TargetMult <= 0 {
		return fmt.Errorf("Config error: risk.recovery stop_mult and target_mult must be positive")
	}
	if r.RecoveryLossStreak <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.recovery_loss_streak' must be positive")
	}
	if r.MaxPositionsPerSymbol <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.max_positions_per_symbol' must be positive")
	}
	if r.MaxTotalPositions <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.max_total_positions' must be positive")
	}
	if r.MaxTotalExposure <= 0 {
		return fmt.Errorf("Critical config missing: 'risk.max_total_exposure' must be positive")
	}
	return nil
}

func (c *Config) validateRetry() error {
	r := c.Retry
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("Critical config missing: 'retry.max_attempts' must be positive")
	}
	if r.InitialBackoffMs <= 0 {
		return fmt.Errorf("Critical config missing: 'retry.initial_backoff_ms' must be positive")
	}
	if r.MaxBackoffMs < r.InitialBackoffMs {
		return fmt.Errorf("Config error: retry.max_backoff_ms must be >= retry.initial_backoff_ms")
	}
	if r.CallTimeoutSeconds <= 0 {
		return fmt.Errorf("Critical config missing: 'retry.call_timeout_seconds' must be positive")
	}
	if r.ResultQueueSize <= 0 {
		return fmt.Errorf("Critical config missing: 'retry.result_queue_size' must be positive")
	}
	if r.UnreachableSuspends <= 0 {
		return fmt.Errorf("Critical config missing: 'retry.unreachable_suspends' must be positive")
	}
	return nil
}

type EnvConfig struct {
	ApiKey    string
	ApiSecret string
	BaseURL   string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		ApiKey:    os.Getenv("VENUE_API_KEY"),
		ApiSecret: os.Getenv("VENUE_API_SECRET"),
		BaseURL:   os.Getenv("VENUE_BASE_URL"),
	}
}
