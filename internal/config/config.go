// Package config handles TOML configuration parsing for the SkyChat
// server. It loads configuration from skychatd.toml, applies environment
// variable overrides (prefixed with SKYCHAT_), validates required fields,
// and provides sane defaults for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the top-level configuration for a skychatd server process.
type Config struct {
	HTTP    HTTPConfig    `toml:"http"`
	Ledger  LedgerConfig  `toml:"ledger"`
	Logging LoggingConfig `toml:"logging"`
}

// HTTPConfig defines the wire-transport HTTP server settings.
type HTTPConfig struct {
	Listen         string   `toml:"listen"`
	CORSOrigins    []string `toml:"cors_origins"`
	MaxBodyBytes   int64    `toml:"max_body_bytes"`
}

// LedgerConfig defines the in-memory Group Ledger's liveness reaper
// settings (spec §5/§9): how often it sweeps, and how long a user may go
// without activity before being dropped from the registry.
type LedgerConfig struct {
	ReapInterval string `toml:"reap_interval"`
	ReapThreshold string `toml:"reap_threshold"`
}

// ReapIntervalParsed returns the reaper tick interval as a time.Duration.
func (l LedgerConfig) ReapIntervalParsed() (time.Duration, error) {
	d, err := time.ParseDuration(l.ReapInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing ledger.reap_interval %q: %w", l.ReapInterval, err)
	}
	return d, nil
}

// ReapThresholdParsed returns the liveness threshold as a time.Duration.
func (l LedgerConfig) ReapThresholdParsed() (time.Duration, error) {
	d, err := time.ParseDuration(l.ReapThreshold)
	if err != nil {
		return 0, fmt.Errorf("parsing ledger.reap_threshold %q: %w", l.ReapThreshold, err)
	}
	return d, nil
}

// LoggingConfig defines structured logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// defaults returns a Config with sane default values for all fields.
func defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Listen:       "0.0.0.0:8443",
			CORSOrigins:  []string{"*"},
			MaxBodyBytes: 1 << 20,
		},
		Ledger: LedgerConfig{
			ReapInterval:  "10s",
			ReapThreshold: "30s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration from the given TOML file path, applies
// defaults for missing values, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			if err := validate(&cfg); err != nil {
				return nil, err
			}
			return &cfg, nil
		}
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables when
// set. Environment variables use the prefix SKYCHAT_ followed by the
// section and field name in uppercase with underscores (e.g.
// SKYCHAT_HTTP_LISTEN).
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKYCHAT_HTTP_LISTEN"); v != "" {
		cfg.HTTP.Listen = v
	}
	if v := os.Getenv("SKYCHAT_HTTP_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HTTP.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("SKYCHAT_LEDGER_REAP_INTERVAL"); v != "" {
		cfg.Ledger.ReapInterval = v
	}
	if v := os.Getenv("SKYCHAT_LEDGER_REAP_THRESHOLD"); v != "" {
		cfg.Ledger.ReapThreshold = v
	}
	if v := os.Getenv("SKYCHAT_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SKYCHAT_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// validate checks that required configuration fields are present and valid.
func validate(cfg *Config) error {
	if cfg.HTTP.Listen == "" {
		return fmt.Errorf("config: http.listen is required")
	}

	if cfg.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: http.max_body_bytes must be positive")
	}

	if _, err := cfg.Ledger.ReapIntervalParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if _, err := cfg.Ledger.ReapThresholdParsed(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("config: logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[cfg.Logging.Format] {
		return fmt.Errorf("config: logging.format must be one of: json, text (got %q)", cfg.Logging.Format)
	}

	return nil
}
