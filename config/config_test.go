package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
name: guard-test
use_simulation: true
normal_config:
  http_timeout_seconds: 10
  recv_window_seconds: 5
  cycle_interval_seconds: 5
  heartbeat_interval_minutes: 5
  time_sync_interval_minutes: 30
  state_save_interval_seconds: 60
  log_directory: logs
  state_directory: state
logs:
  log_level: info
  max_size_mb: 10
  max_backups: 3
  max_age_days: 7
policies:
  - name: adoption
    enabled: true
    config:
      mode: manage
      max_age_hours: 24
      emergency_stop_fraction: 0.02
      risk_reward: 2.0
      deny_symbols: [DOGEUSDT]
  - name: scaling
    enabled: true
    config:
      standard_tiers:
        - profit_threshold: 0.30
          close_fraction: 0.25
          move_stop_to_entry: true
          trail_fraction: 0.5
        - profit_threshold: 0.60
          close_fraction: 0.50
      emergency_lock_fraction: 0.10
      emergency_lock_keep: 0.5
  - name: risk
    enabled: true
    config:
      ultra_aggressive: {max_drawdown: 0.05, stop_mult: 1.0, target_mult: 1.0}
      aggressive: {max_drawdown: 0.10, stop_mult: 0.8, target_mult: 0.9}
      balanced: {max_drawdown: 0.20, stop_mult: 0.6, target_mult: 0.8}
      conservative: {max_drawdown: 0.30, stop_mult: 0.4, target_mult: 0.7}
      recovery: {max_drawdown: 1.0, stop_mult: 0.25, target_mult: 0.5}
      recovery_loss_streak: 4
      hard_stop_daily_loss: 0.05
      stop_ceiling_fraction: 0.05
      max_positions_per_symbol: 2
      max_total_positions: 10
      max_total_exposure: 100000
  - name: retry
    enabled: true
    config:
      max_attempts: 3
      initial_backoff_ms: 250
      max_backoff_ms: 5000
      call_timeout_seconds: 10
      result_queue_size: 64
      unreachable_suspends: 3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigValid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "guard-test", cfg.Name)
	assert.True(t, cfg.UseSimulation)
	assert.Equal(t, 5, cfg.Normal.CycleIntervalSeconds)
	assert.Equal(t, "manage", cfg.Adoption.Mode)
	assert.Equal(t, []string{"DOGEUSDT"}, cfg.Adoption.DenySymbols)
	assert.True(t, cfg.ScalingEnabled)
	require.Len(t, cfg.Scaling.StandardTiers, 2)
	assert.True(t, cfg.Scaling.StandardTiers[0].MoveStopToEntry)
	assert.InDelta(t, 1.0, cfg.Scaling.RiskBasis, 1e-9, "risk basis defaults to 1.0")
	assert.True(t, cfg.AdjusterEnabled)
	assert.Equal(t, 4, cfg.Risk.RecoveryLossStreak)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestAdoptionPolicyDisabledMeansOff(t *testing.T) {
	t.Parallel()

	yaml := validYAML
	yaml = strings.Replace(yaml, "  - name: adoption\n    enabled: true", "  - name: adoption\n    enabled: false", 1)
	cfg, err := LoadConfig(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Equal(t, "off", cfg.Adoption.Mode)
}

func TestValidationErrors(t *testing.T) {
	t.Parallel()

	valid := func(t *testing.T) *Config {
		cfg, err := LoadConfig(writeConfig(t, validYAML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		corrupt func(*Config)
		wantErr string
	}{
		{"missing name", func(c *Config) { c.Name = "" }, "'name'"},
		{"bad cycle interval", func(c *Config) { c.Normal.CycleIntervalSeconds = 0 }, "cycle_interval_seconds"},
		{"missing log level", func(c *Config) { c.Logs.LogLevel = "" }, "log_level"},
		{"bad adoption mode", func(c *Config) { c.Adoption.Mode = "maybe" }, "adoption.mode"},
		{"adoption stop fraction out of range", func(c *Config) { c.Adoption.EmergencyStopFraction = 1.5 }, "emergency_stop_fraction"},
		{"tiers not ascending", func(c *Config) {
			c.Scaling.StandardTiers[1].ProfitThreshold = 0.30
		}, "strictly ascending"},
		{"close fraction over one", func(c *Config) {
			c.Scaling.StandardTiers[0].CloseFraction = 1.5
		}, "close_fraction"},
		{"drawdown bands not ascending", func(c *Config) {
			c.Risk.Balanced.MaxDrawdown = 0.05
		}, "max_drawdown"},
		{"stop ceiling out of range", func(c *Config) { c.Risk.StopCeilingFraction = 0 }, "stop_ceiling_fraction"},
		{"hard stop out of range", func(c *Config) { c.Risk.HardStopDailyLoss = 1 }, "hard_stop_daily_loss"},
		{"backoff inverted", func(c *Config) { c.Retry.MaxBackoffMs = 1 }, "max_backoff_ms"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid(t)
			tt.corrupt(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDisabledEnginesSkipTheirValidation(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.ScalingEnabled = false
	cfg.Scaling.StandardTiers = nil
	assert.NoError(t, cfg.Validate())

	cfg.AdjusterEnabled = false
	cfg.Risk.RecoveryLossStreak = 0
	assert.NoError(t, cfg.Validate())
}
