package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/armour-sheila/PNT-Integrity/internal/check"
	"github.com/armour-sheila/PNT-Integrity/internal/monitor"
)

// Config represents the complete application configuration
type Config struct {
	AoA          AoAConfig          `mapstructure:"aoa"`
	PositionJump PositionJumpConfig `mapstructure:"position_jump"`
	Repository   RepositoryConfig   `mapstructure:"repository"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// AoAConfig holds angle-of-arrival check configuration
type AoAConfig struct {
	Enabled                    bool    `mapstructure:"enabled"`
	PRNCountThreshold          int     `mapstructure:"prn_count_threshold"`
	RangeThreshold             float64 `mapstructure:"range_threshold"`
	SingleDiffCompareThreshold float64 `mapstructure:"single_diff_compare_threshold"`
	SingleDiffFailureLimit     float64 `mapstructure:"single_diff_failure_limit"`
	AssuredThreshold           float64 `mapstructure:"assured_threshold"`
	InconsistentThreshold      float64 `mapstructure:"inconsistent_threshold"`
	UnassuredThreshold         float64 `mapstructure:"unassured_threshold"`
	AssurancePeriod            float64 `mapstructure:"assurance_period"`
	DataMode                   string  `mapstructure:"data_mode"` // pseudorange, carrier_phase or both
	PublishSingleDiffs         bool    `mapstructure:"publish_single_diffs"`
}

// PositionJumpConfig holds position jump check configuration
type PositionJumpConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	Mode                    string  `mapstructure:"mode"` // max_velocity, distance_traveled or estimated_pv
	MinimumBound            float64 `mapstructure:"minimum_bound"`
	MaximumVelocity         float64 `mapstructure:"maximum_velocity"`
	StdDevMultiplier        float64 `mapstructure:"std_dev_multiplier"`
	ReceiverStdDevThreshold float64 `mapstructure:"receiver_std_dev_threshold"`
}

// RepositoryConfig holds the observation repository configuration
type RepositoryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DBPath         string        `mapstructure:"db_path"`
	MaxRecords     int           `mapstructure:"max_records"`
	RotateInterval time.Duration `mapstructure:"rotate_interval"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// PNT_INTEGRITY_POSITION_JUMP_MODE overrides position_jump.mode
	v.SetEnvPrefix("PNT_INTEGRITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	aoa := check.DefaultAoAConfig()
	v.SetDefault("aoa.enabled", true)
	v.SetDefault("aoa.prn_count_threshold", aoa.PRNCountThreshold)
	v.SetDefault("aoa.range_threshold", aoa.RangeThreshold)
	v.SetDefault("aoa.single_diff_compare_threshold", aoa.SingleDiffCompareThreshold)
	v.SetDefault("aoa.single_diff_failure_limit", aoa.SingleDiffFailureLimit)
	v.SetDefault("aoa.assured_threshold", aoa.AssuredThreshold)
	v.SetDefault("aoa.inconsistent_threshold", aoa.InconsistentThreshold)
	v.SetDefault("aoa.unassured_threshold", aoa.UnassuredThreshold)
	v.SetDefault("aoa.assurance_period", aoa.AssurancePeriod)
	v.SetDefault("aoa.data_mode", aoa.DataMode.String())
	v.SetDefault("aoa.publish_single_diffs", false)

	pj := check.DefaultPositionJumpConfig()
	v.SetDefault("position_jump.enabled", true)
	v.SetDefault("position_jump.mode", pj.Mode.String())
	v.SetDefault("position_jump.minimum_bound", pj.MinimumBound)
	v.SetDefault("position_jump.maximum_velocity", pj.MaximumVelocity)
	v.SetDefault("position_jump.std_dev_multiplier", pj.StdDevMultiplier)
	v.SetDefault("position_jump.receiver_std_dev_threshold", pj.ReceiverStdDevThreshold)

	v.SetDefault("repository.max_entries", monitor.DefaultConfig().RepositoryEntries)

	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/pnt-integrity.db")
	v.SetDefault("storage.max_records", 10000)
	v.SetDefault("storage.rotate_interval", "10m")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9102")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if _, err := check.ParseDataMode(c.AoA.DataMode); err != nil {
		return fmt.Errorf("aoa.data_mode: %w", err)
	}
	if c.AoA.PRNCountThreshold < 2 {
		return fmt.Errorf("aoa.prn_count_threshold must be at least 2")
	}
	if c.AoA.RangeThreshold < 0 {
		return fmt.Errorf("aoa.range_threshold must not be negative")
	}
	if c.AoA.SingleDiffCompareThreshold <= 0 {
		return fmt.Errorf("aoa.single_diff_compare_threshold must be positive")
	}
	for name, frac := range map[string]float64{
		"aoa.single_diff_failure_limit": c.AoA.SingleDiffFailureLimit,
		"aoa.assured_threshold":         c.AoA.AssuredThreshold,
		"aoa.inconsistent_threshold":    c.AoA.InconsistentThreshold,
		"aoa.unassured_threshold":       c.AoA.UnassuredThreshold,
	} {
		if frac < 0.0 || frac > 1.0 {
			return fmt.Errorf("%s must be between 0.0 and 1.0", name)
		}
	}
	if c.AoA.InconsistentThreshold > c.AoA.UnassuredThreshold {
		return fmt.Errorf("aoa.inconsistent_threshold must not exceed aoa.unassured_threshold")
	}
	if c.AoA.AssurancePeriod <= 0 {
		return fmt.Errorf("aoa.assurance_period must be positive")
	}

	if _, err := check.ParseBoundMode(c.PositionJump.Mode); err != nil {
		return fmt.Errorf("position_jump.mode: %w", err)
	}
	if c.PositionJump.MinimumBound < 0 {
		return fmt.Errorf("position_jump.minimum_bound must not be negative")
	}
	if c.PositionJump.MaximumVelocity < 0 {
		return fmt.Errorf("position_jump.maximum_velocity must not be negative")
	}
	if c.PositionJump.StdDevMultiplier <= 0 {
		return fmt.Errorf("position_jump.std_dev_multiplier must be positive")
	}
	if c.PositionJump.ReceiverStdDevThreshold < 0 {
		return fmt.Errorf("position_jump.receiver_std_dev_threshold must not be negative")
	}

	if c.Repository.MaxEntries < 1 {
		return fmt.Errorf("repository.max_entries must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required when storage is enabled")
		}
		if c.Storage.MaxRecords < 1 {
			return fmt.Errorf("storage.max_records must be at least 1")
		}
		if c.Storage.RotateInterval < time.Second {
			return fmt.Errorf("storage.rotate_interval must be at least 1 second")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// AoACheckConfig converts the aoa section. Call Validate first.
func (c *Config) AoACheckConfig() check.AoAConfig {
	mode, _ := check.ParseDataMode(c.AoA.DataMode)
	return check.AoAConfig{
		PRNCountThreshold:          c.AoA.PRNCountThreshold,
		RangeThreshold:             c.AoA.RangeThreshold,
		SingleDiffCompareThreshold: c.AoA.SingleDiffCompareThreshold,
		SingleDiffFailureLimit:     c.AoA.SingleDiffFailureLimit,
		AssuredThreshold:           c.AoA.AssuredThreshold,
		InconsistentThreshold:      c.AoA.InconsistentThreshold,
		UnassuredThreshold:         c.AoA.UnassuredThreshold,
		AssurancePeriod:            c.AoA.AssurancePeriod,
		DataMode:                   mode,
	}
}

// PositionJumpCheckConfig converts the position_jump section. Call Validate
// first.
func (c *Config) PositionJumpCheckConfig() check.PositionJumpConfig {
	mode, _ := check.ParseBoundMode(c.PositionJump.Mode)
	return check.PositionJumpConfig{
		Mode:                    mode,
		MinimumBound:            c.PositionJump.MinimumBound,
		MaximumVelocity:         c.PositionJump.MaximumVelocity,
		StdDevMultiplier:        c.PositionJump.StdDevMultiplier,
		ReceiverStdDevThreshold: c.PositionJump.ReceiverStdDevThreshold,
	}
}

// MonitorConfig assembles the monitor configuration.
func (c *Config) MonitorConfig() monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.RepositoryEntries = c.Repository.MaxEntries
	cfg.AoAEnabled = c.AoA.Enabled
	cfg.AoA = c.AoACheckConfig()
	cfg.PublishSingleDiffs = c.AoA.PublishSingleDiffs
	cfg.PositionJumpEnabled = c.PositionJump.Enabled
	cfg.PositionJump = c.PositionJumpCheckConfig()
	return cfg
}
