// Package config loads and validates the YAML configuration for the
// nostrrun core: relay seeds and policy, subscription kinds, resource
// limits, timer intervals, storage location, and logging.
package config

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sandwichfarm/nostrrun/internal/model"
)

//go:embed example.yaml
var exampleConfig embed.FS

// Config is the complete runtime configuration.
type Config struct {
	Storage       Storage             `yaml:"storage"`
	Relays        Relays              `yaml:"relays"`
	Follows       Follows             `yaml:"follows"`
	Subscriptions Subscriptions       `yaml:"subscriptions"`
	Limits        model.ResourceLimits `yaml:"limits"`
	Egress        Egress              `yaml:"egress"`
	Timers        Timers              `yaml:"timers"`
	Logging       Logging             `yaml:"logging"`
}

// Storage configures the embedded relational store.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// Relays configures the seed relay set and connection policy.
type Relays struct {
	Seeds              []string `yaml:"seeds"`
	CategoryPreference []string `yaml:"category_preference"`
	ConnectTimeoutMs   int      `yaml:"connect_timeout_ms"`
	BackoffBaseMs      int      `yaml:"backoff_base_ms"`
	BackoffCapMs       int      `yaml:"backoff_cap_ms"`
}

// Follows holds follow-list source settings beyond manual entries. No
// component reads them; the follow set is taken from the follows table
// alone.
type Follows struct {
	AdminKeypair   string   `yaml:"admin_keypair"`
	ProfileKeypairs []string `yaml:"profile_keypairs"`
}

// Subscriptions configures the Subscription Manager's filter computation.
type Subscriptions struct {
	Kinds           []int `yaml:"kinds"`
	FilterCap       int   `yaml:"filter_cap"`
	RefreshMinutes  int   `yaml:"refresh_minutes"`
}

// Egress configures the Egress Dispatcher's flush cadence and rate model.
type Egress struct {
	FlushIntervalSeconds     int `yaml:"flush_interval_seconds"`
	ThrottleCooldownSeconds  int `yaml:"throttle_cooldown_seconds"`
	UnitSizeBytes            int `yaml:"unit_size_bytes"`
	RecoveryThresholdSeconds int `yaml:"recovery_threshold_seconds"`
}

// Timers configures the Runtime Controller's heartbeat cadences.
type Timers struct {
	StatusHeartbeatSeconds   int `yaml:"status_heartbeat_seconds"`
	QueueStatsRefreshSeconds int `yaml:"queue_stats_refresh_seconds"`
	ShutdownGraceSeconds     int `yaml:"shutdown_grace_seconds"`
}

// Logging configures the structured logger.
type Logging struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// GetExampleConfig returns the embedded example configuration.
func GetExampleConfig() ([]byte, error) {
	return exampleConfig.ReadFile("example.yaml")
}

// Default returns a configuration with sensible defaults, mirroring
// spec.md's stated defaults for every timer and limit.
func Default() *Config {
	return &Config{
		Storage: Storage{
			SQLitePath: "./data/nostrrun.db",
		},
		Relays: Relays{
			Seeds: []string{
				"wss://relay.damus.io",
				"wss://relay.nostr.band",
				"wss://nos.lol",
			},
			CategoryPreference: []string{},
			ConnectTimeoutMs:   10000,
			BackoffBaseMs:      2000,
			BackoffCapMs:       60000,
		},
		Follows: Follows{
			ProfileKeypairs: []string{},
		},
		Subscriptions: Subscriptions{
			Kinds:          []int{0, 3, 31001, 31106, 31107},
			FilterCap:      200,
			RefreshMinutes: 10,
		},
		Limits: model.ResourceLimits{
			OutgoingPerMinute:        30,
			MessageRateUnits:         4096,
			MessageRateWindowSeconds: 60,
			IncomingBacklogMax:       500,
		},
		Egress: Egress{
			FlushIntervalSeconds:     10,
			ThrottleCooldownSeconds:  60,
			UnitSizeBytes:            256,
			RecoveryThresholdSeconds: 300,
		},
		Timers: Timers{
			StatusHeartbeatSeconds:   15,
			QueueStatsRefreshSeconds: 30,
			ShutdownGraceSeconds:     2,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// applyDefaults fills in zero-valued fields left blank by a partial YAML
// document, the way a user-authored config typically only overrides a few
// fields.
func applyDefaults(cfg *Config) {
	d := Default()

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = d.Storage.SQLitePath
	}
	if len(cfg.Relays.Seeds) == 0 {
		cfg.Relays.Seeds = d.Relays.Seeds
	}
	if cfg.Relays.ConnectTimeoutMs == 0 {
		cfg.Relays.ConnectTimeoutMs = d.Relays.ConnectTimeoutMs
	}
	if cfg.Relays.BackoffBaseMs == 0 {
		cfg.Relays.BackoffBaseMs = d.Relays.BackoffBaseMs
	}
	if cfg.Relays.BackoffCapMs == 0 {
		cfg.Relays.BackoffCapMs = d.Relays.BackoffCapMs
	}
	if len(cfg.Subscriptions.Kinds) == 0 {
		cfg.Subscriptions.Kinds = d.Subscriptions.Kinds
	}
	if cfg.Subscriptions.FilterCap == 0 {
		cfg.Subscriptions.FilterCap = d.Subscriptions.FilterCap
	}
	if cfg.Subscriptions.RefreshMinutes == 0 {
		cfg.Subscriptions.RefreshMinutes = d.Subscriptions.RefreshMinutes
	}
	if cfg.Limits.OutgoingPerMinute == 0 {
		cfg.Limits.OutgoingPerMinute = d.Limits.OutgoingPerMinute
	}
	if cfg.Limits.MessageRateUnits == 0 {
		cfg.Limits.MessageRateUnits = d.Limits.MessageRateUnits
	}
	if cfg.Limits.MessageRateWindowSeconds == 0 {
		cfg.Limits.MessageRateWindowSeconds = d.Limits.MessageRateWindowSeconds
	}
	if cfg.Limits.IncomingBacklogMax == 0 {
		cfg.Limits.IncomingBacklogMax = d.Limits.IncomingBacklogMax
	}
	if cfg.Egress.FlushIntervalSeconds == 0 {
		cfg.Egress.FlushIntervalSeconds = d.Egress.FlushIntervalSeconds
	}
	if cfg.Egress.ThrottleCooldownSeconds == 0 {
		cfg.Egress.ThrottleCooldownSeconds = d.Egress.ThrottleCooldownSeconds
	}
	if cfg.Egress.UnitSizeBytes == 0 {
		cfg.Egress.UnitSizeBytes = d.Egress.UnitSizeBytes
	}
	if cfg.Egress.RecoveryThresholdSeconds == 0 {
		cfg.Egress.RecoveryThresholdSeconds = d.Egress.RecoveryThresholdSeconds
	}
	if cfg.Timers.StatusHeartbeatSeconds == 0 {
		cfg.Timers.StatusHeartbeatSeconds = d.Timers.StatusHeartbeatSeconds
	}
	if cfg.Timers.QueueStatsRefreshSeconds == 0 {
		cfg.Timers.QueueStatsRefreshSeconds = d.Timers.QueueStatsRefreshSeconds
	}
	if cfg.Timers.ShutdownGraceSeconds == 0 {
		cfg.Timers.ShutdownGraceSeconds = d.Timers.ShutdownGraceSeconds
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks a configuration for internally-consistent, sane values.
func Validate(cfg *Config) error {
	if len(cfg.Relays.Seeds) == 0 {
		return fmt.Errorf("relays.seeds: at least one seed relay is required")
	}
	for _, seed := range cfg.Relays.Seeds {
		if !strings.HasPrefix(seed, "ws://") && !strings.HasPrefix(seed, "wss://") {
			return fmt.Errorf("relays.seeds: %q must start with ws:// or wss://", seed)
		}
	}
	if cfg.Subscriptions.FilterCap <= 0 {
		return fmt.Errorf("subscriptions.filter_cap must be positive")
	}
	if len(cfg.Subscriptions.Kinds) == 0 {
		return fmt.Errorf("subscriptions.kinds must not be empty")
	}
	if cfg.Limits.OutgoingPerMinute <= 0 {
		return fmt.Errorf("limits.outgoing_per_minute must be positive")
	}
	if cfg.Limits.MessageRateUnits <= 0 {
		return fmt.Errorf("limits.message_rate_units must be positive")
	}
	if cfg.Limits.MessageRateWindowSeconds <= 0 {
		return fmt.Errorf("limits.message_rate_window_seconds must be positive")
	}
	if cfg.Limits.IncomingBacklogMax <= 0 {
		return fmt.Errorf("limits.incoming_backlog_max must be positive")
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
