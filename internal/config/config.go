// SurveySync - Local-First Sync Engine for Offline Field Survey Clients
// Copyright 2026 SurveySync Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/surveykit/surveysync

// Package config loads the daemon configuration with Koanf v2, layering
// built-in defaults, an optional YAML file, and environment variables
// (highest priority). Environment variables use the SURVEYSYNC_ prefix:
// SURVEYSYNC_REMOTE_BASE_URL maps to remote.base_url.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/surveysync/config.yaml",
	"/etc/surveysync/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "SURVEYSYNC_CONFIG"

// envPrefix is stripped from environment variables before mapping them to
// koanf paths.
const envPrefix = "SURVEYSYNC_"

// Config is the full daemon configuration.
type Config struct {
	Remote  RemoteConfig  `koanf:"remote"`
	Store   StoreConfig   `koanf:"store"`
	Sync    SyncConfig    `koanf:"sync"`
	Server  ServerConfig  `koanf:"server"`
	Logging LoggingConfig `koanf:"logging"`
}

// RemoteConfig configures the backend REST API client.
type RemoteConfig struct {
	// BaseURL is the backend origin, e.g. https://survey.example.com.
	BaseURL string `koanf:"base_url"`

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration `koanf:"timeout"`

	// UploadRatePerSecond throttles media uploads. Zero disables the
	// limiter.
	UploadRatePerSecond float64 `koanf:"upload_rate_per_second"`

	// UploadBurst is the burst size of the upload limiter.
	UploadBurst int `koanf:"upload_burst"`

	// BreakerEnabled wraps the adapter in a circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// StoreConfig configures the local Badger store.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// SyncConfig configures the engine's connectivity probing.
type SyncConfig struct {
	// ProbeInterval is how often the connectivity prober pings the backend.
	ProbeInterval time.Duration `koanf:"probe_interval"`
}

// ServerConfig configures the operational HTTP surface (health, metrics,
// sync status).
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with all defaults applied. File and env
// layers override these.
func defaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL:             "",
			Timeout:             30 * time.Second,
			UploadRatePerSecond: 4,
			UploadBurst:         2,
			BreakerEnabled:      true,
		},
		Store: StoreConfig{
			Path: "/data/surveysync",
		},
		Sync: SyncConfig{
			ProbeInterval: 30 * time.Second,
		},
		Server: ServerConfig{
			Host:    "127.0.0.1",
			Port:    3861,
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if one exists)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps SURVEYSYNC_REMOTE_BASE_URL to remote.base_url: the
// first underscore after the prefix separates the section from the key.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	if i := strings.Index(s, "_"); i >= 0 {
		return s[:i] + "." + s[i+1:]
	}
	return s
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Validate checks the configuration for internal consistency. It is called
// by Load but exported so hand-built configs in tests get the same checks.
func (c *Config) Validate() error {
	if err := c.validateRemote(); err != nil {
		return err
	}
	if c.Store.Path == "" {
		return fmt.Errorf("STORE_PATH must not be empty")
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("SYNC_PROBE_INTERVAL must be positive, got %s", c.Sync.ProbeInterval)
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	return c.validateLogging()
}

// validateRemote validates the backend client configuration.
func (c *Config) validateRemote() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("REMOTE_BASE_URL is required")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("REMOTE_BASE_URL %q is not a valid URL", c.Remote.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("REMOTE_BASE_URL scheme must be http or https, got %q", u.Scheme)
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("REMOTE_TIMEOUT must be positive, got %s", c.Remote.Timeout)
	}
	if c.Remote.UploadRatePerSecond < 0 {
		return fmt.Errorf("REMOTE_UPLOAD_RATE_PER_SECOND must not be negative")
	}
	return nil
}

// validateServer validates the operational HTTP surface configuration.
func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive, got %s", c.Server.Timeout)
	}
	return nil
}

// validateLogging validates the logging configuration.
func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOGGING_LEVEL %q is not a known level", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOGGING_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
