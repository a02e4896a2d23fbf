// Package config loads the engine configuration: YAML file, .env, then
// environment overrides, validated into an immutable struct. Hot reload
// republishes a fresh value under an atomic pointer; nothing mutates a
// published Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/threatvane/threatvane/internal/botlists"
	"github.com/threatvane/threatvane/internal/detection"
	"github.com/threatvane/threatvane/internal/detection/contributors"
	"github.com/threatvane/threatvane/internal/learning"
	"github.com/threatvane/threatvane/internal/policy"
	"github.com/threatvane/threatvane/internal/reputation"
)

// FastPathSection combines the decider knobs with the learning loop knobs
// that live under the same configuration heading.
type FastPathSection struct {
	detection.FastPathConfig `yaml:",inline"`
	learning.DriftConfig     `yaml:",inline"`
}

// SecurityToolsSection toggles the security tool contributor.
type SecurityToolsSection struct {
	Enabled bool `yaml:"enabled"`
}

// ServerSection configures the HTTP surface.
type ServerSection struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Config is the root configuration.
type Config struct {
	LogLevel     string        `yaml:"log_level"`
	Server       ServerSection `yaml:"server"`
	DatabasePath string        `yaml:"database_path"`

	UpdateSchedule             botlists.ScheduleConfig `yaml:"update_schedule"`
	StartupDelaySeconds        int                     `yaml:"startup_delay_seconds"`
	ListDownloadTimeoutSeconds int                     `yaml:"list_download_timeout_seconds"`
	DataSources                botlists.SourcesConfig  `yaml:"data_sources"`

	ProjectHoneypot contributors.HoneypotConfig `yaml:"project_honeypot"`
	SecurityTools   SecurityToolsSection        `yaml:"security_tools"`

	FastPath   FastPathSection   `yaml:"fast_path"`
	Reputation reputation.Config `yaml:"reputation"`

	Policies     map[string]*policy.Policy `yaml:"policies"`
	PathPolicies map[string]string         `yaml:"path_policies"`

	UseFileExtensionStaticDetection bool     `yaml:"use_file_extension_static_detection"`
	StaticAssetExtensions           []string `yaml:"static_asset_extensions"`

	WeightStoreCacheSize int `yaml:"weight_store_cache_size"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		LogLevel:                   "info",
		Server:                     ServerSection{Addr: ":8087", MetricsAddr: "127.0.0.1:9187"},
		DatabasePath:               "threatvane.db",
		UpdateSchedule:             botlists.DefaultSchedule(),
		StartupDelaySeconds:        15,
		ListDownloadTimeoutSeconds: 30,
		DataSources:                botlists.DefaultSources(),
		SecurityTools:              SecurityToolsSection{Enabled: true},
		FastPath: FastPathSection{
			FastPathConfig: detection.DefaultFastPathConfig(),
			DriftConfig:    learning.DefaultDriftConfig(),
		},
		Reputation:                      reputation.DefaultConfig(),
		UseFileExtensionStaticDetection: true,
		StaticAssetExtensions: []string{
			".css", ".js", ".mjs", ".map", ".png", ".jpg", ".jpeg", ".gif", ".webp",
			".svg", ".ico", ".woff", ".woff2", ".ttf", ".eot", ".txt", ".xml",
		},
		WeightStoreCacheSize: 10000,
	}
}

// Load reads path (optional), applies .env and environment overrides, and
// validates. A missing file falls back to defaults.
func Load(path string) (*Config, error) {
	// .env is a development convenience; absence is normal.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Info().Str("path", path).Msg("config file not found, using defaults")
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("THREATVANE_LISTEN"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("THREATVANE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("THREATVANE_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("THREATVANE_HONEYPOT_KEY"); v != "" {
		cfg.ProjectHoneypot.AccessKey = v
		cfg.ProjectHoneypot.Enabled = true
	}
	if v := os.Getenv("THREATVANE_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FastPath.SampleRate = rate
		} else {
			log.Warn().Str("value", v).Msg("invalid THREATVANE_SAMPLE_RATE ignored")
		}
	}
}

// Validate rejects configurations that would misbehave silently.
func (c *Config) Validate() error {
	if c.FastPath.AbortThreshold < 0 || c.FastPath.AbortThreshold > 1 {
		return fmt.Errorf("fast_path.abort_threshold must be in [0,1], got %v", c.FastPath.AbortThreshold)
	}
	if c.FastPath.SampleRate < 0 || c.FastPath.SampleRate > 1 {
		return fmt.Errorf("fast_path.sample_rate must be in [0,1], got %v", c.FastPath.SampleRate)
	}

	r := c.Reputation
	if r.DemoteNeutral != 0 && r.PromoteSuspect != 0 && r.DemoteNeutral >= r.PromoteSuspect {
		return fmt.Errorf("reputation: demote_neutral (%v) must be below promote_suspect (%v)", r.DemoteNeutral, r.PromoteSuspect)
	}
	if r.DemoteBad != 0 && r.PromoteBad != 0 && r.DemoteBad >= r.PromoteBad {
		return fmt.Errorf("reputation: demote_bad (%v) must be below promote_bad (%v)", r.DemoteBad, r.PromoteBad)
	}

	for name, p := range c.Policies {
		if p == nil {
			return fmt.Errorf("policy %q is empty", name)
		}
		if p.Name == "" {
			p.Name = name
		}
		if p.ImmediateBlockThreshold < 0 || p.ImmediateBlockThreshold > 1 {
			return fmt.Errorf("policy %q: immediate_block_threshold out of range", name)
		}
		if p.EarlyExitThreshold < 0 || p.EarlyExitThreshold > 1 {
			return fmt.Errorf("policy %q: early_exit_threshold out of range", name)
		}
	}

	if c.ListDownloadTimeoutSeconds <= 0 {
		c.ListDownloadTimeoutSeconds = 30
	}
	if c.StartupDelaySeconds < 0 {
		c.StartupDelaySeconds = 0
	}
	return nil
}

// ListDownloadTimeout returns the per-source fetch budget.
func (c *Config) ListDownloadTimeout() time.Duration {
	return time.Duration(c.ListDownloadTimeoutSeconds) * time.Second
}

// StartupDelay returns the delay before the initial list fetch.
func (c *Config) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelaySeconds) * time.Second
}
