// Package daemon manages the Sight node lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/earnings"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/gatewaysync"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/gateway"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/metering"
)

// Config holds all daemon configuration.
type Config struct {
	Device    DeviceConfig         `toml:"device"`
	API       APIConfig            `toml:"api"`
	Backends  BackendsConfig       `toml:"backends"`
	Store     StoreConfig          `toml:"store"`
	Sync      SyncConfig           `toml:"sync"`
	Metering  MeteringConfig       `toml:"metering"`
	Rates     []earnings.RateEntry `toml:"rates"`
	Logging   LoggingConfig        `toml:"logging"`
	Telemetry TelemetryConfig      `toml:"telemetry"`
}

// DeviceConfig holds the gateway credentials of this node. It implements
// domain.Identity.
type DeviceConfig struct {
	ID      string `toml:"id"`
	Gateway string `toml:"gateway"`
	Key     string `toml:"auth_key"`
}

func (d DeviceConfig) DeviceID() string       { return d.ID }
func (d DeviceConfig) GatewayAddress() string { return d.Gateway }
func (d DeviceConfig) AuthKey() string        { return d.Key }

// IsRegistered reports whether all gateway credentials are present.
func (d DeviceConfig) IsRegistered() bool {
	return d.ID != "" && d.Gateway != "" && d.Key != ""
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// BackendsConfig points at the inference backends the proxy forwards to.
type BackendsConfig struct {
	OllamaURL    string `toml:"ollama_url"`
	VLLMURL      string `toml:"vllm_url"`
	OpenAIFamily string `toml:"openai_family"` // "ollama" or "vllm"
}

// OpenAIURL returns the backend serving /openai routes.
func (b BackendsConfig) OpenAIURL() string {
	if b.OpenAIFamily == earnings.FamilyVLLM {
		return b.VLLMURL
	}
	return b.OllamaURL
}

// StoreConfig selects the storage backend.
type StoreConfig struct {
	Driver      string `toml:"driver"` // "sqlite" or "redis"
	RedisURL    string `toml:"redis_url"`
	RedisPrefix string `toml:"redis_prefix"`
}

// SyncConfig controls gateway synchronization.
type SyncConfig struct {
	Enabled          bool   `toml:"enabled"`
	TaskInterval     string `toml:"task_interval"`
	EarningsInterval string `toml:"earnings_interval"`
	PageSize         int    `toml:"page_size"`
	PagesPerRun      int    `toml:"pages_per_run"`
	RequestTimeout   string `toml:"request_timeout"`
}

// MeteringConfig controls the metering interceptor and stale sweep.
type MeteringConfig struct {
	StaleTimeout    string `toml:"stale_timeout"`
	SweepInterval   string `toml:"sweep_interval"`
	MaxCaptureBytes int    `toml:"max_capture_bytes"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
	JSON      bool   `toml:"json"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	homeDir := sightHome()
	return Config{
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        8716,
			CORSOrigins: []string{"*"},
		},
		Backends: BackendsConfig{
			OllamaURL:    "http://127.0.0.1:11434",
			VLLMURL:      "http://127.0.0.1:8000",
			OpenAIFamily: earnings.FamilyOllama,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			RedisPrefix: "sight:",
		},
		Sync: SyncConfig{
			Enabled:          true,
			TaskInterval:     gatewaysync.DefaultTaskInterval.String(),
			EarningsInterval: gatewaysync.DefaultEarningsInterval.String(),
			PageSize:         gatewaysync.DefaultPageSize,
			PagesPerRun:      gatewaysync.DefaultPagesPerRun,
			RequestTimeout:   gateway.DefaultTimeout.String(),
		},
		Metering: MeteringConfig{
			StaleTimeout:    gatewaysync.DefaultStaleTimeout.String(),
			SweepInterval:   gatewaysync.DefaultSweepInterval.String(),
			MaxCaptureBytes: metering.DefaultMaxCaptureBytes,
		},
		Rates: earnings.DefaultEntries(),
		Logging: LoggingConfig{
			Level:     "info",
			File:      filepath.Join(homeDir, "sight.log"),
			MaxSizeMB: 50,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{Prometheus: true},
	}
}

// SyncEngineConfig converts the string durations into engine settings.
func (c Config) SyncEngineConfig() gatewaysync.Config {
	return gatewaysync.Config{
		TaskInterval:     parseDuration(c.Sync.TaskInterval, gatewaysync.DefaultTaskInterval),
		EarningsInterval: parseDuration(c.Sync.EarningsInterval, gatewaysync.DefaultEarningsInterval),
		SweepInterval:    parseDuration(c.Metering.SweepInterval, gatewaysync.DefaultSweepInterval),
		StaleTimeout:     parseDuration(c.Metering.StaleTimeout, gatewaysync.DefaultStaleTimeout),
		PageSize:         c.Sync.PageSize,
		PagesPerRun:      c.Sync.PagesPerRun,
		SweepOnly:        !c.Sync.Enabled,
	}
}

// LoggingOptions maps the [logging] section.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{
		Level:     c.Logging.Level,
		File:      c.Logging.File,
		MaxSizeMB: c.Logging.MaxSizeMB,
		MaxFiles:  c.Logging.MaxFiles,
		JSON:      c.Logging.JSON,
	}
}

// ConfigPath returns the location of config.toml.
func ConfigPath() string {
	return filepath.Join(sightHome(), "config.toml")
}

// LoadConfig reads config from ~/.sight/config.toml, falling back to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads config from path, falling back to defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet, use defaults
	}

	// [[rates]] entries in the file replace the default table.
	defaults := cfg.Rates
	cfg.Rates = nil
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Rates) == 0 {
		cfg.Rates = defaults
	}

	return cfg, nil
}

// SaveConfig writes the config to ~/.sight/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// sightHome returns the Sight data directory.
func sightHome() string {
	if env := os.Getenv("SIGHT_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sight")
}

// SightHome is exported for use by other packages.
func SightHome() string {
	return sightHome()
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
