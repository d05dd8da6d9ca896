// Package config implements TOML configuration loading for the lancache
// operation tracker: defaults, then config file, then environment
// overrides, then CLI flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Application directory name used across all platforms.
const appName = "lancache-opstate"

// Config file name.
const configFileName = "config.toml"

// Defaults. Poll cadences per operation kind: cache clears report fast and
// finish fast, so they poll tightest; log processing is the slowest job.
const (
	defaultTimeout        = "30s"
	defaultCacheClearPoll = "1s"
	defaultLogProcessPoll = "3s"
	defaultSvcRemovalPoll = "2s"
	defaultLogLevel       = "info"
)

// Environment variable names for overrides.
const (
	EnvConfig    = "LANCACHE_OPSTATE_CONFIG"
	EnvServerURL = "LANCACHE_SERVER_URL"
	EnvAPIKey    = "LANCACHE_API_KEY"
)

// Config is the top-level structure parsed from the TOML file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Polling PollingConfig `toml:"polling"`
	Logging LoggingConfig `toml:"logging"`
	State   StateConfig   `toml:"state"`
}

// ServerConfig locates and authenticates against the management API.
type ServerConfig struct {
	URL     string `toml:"url"`
	APIKey  string `toml:"api_key"`
	Timeout string `toml:"timeout"`
}

// PollingConfig holds per-kind status poll cadences.
type PollingConfig struct {
	CacheClearInterval     string `toml:"cache_clear_interval"`
	LogProcessingInterval  string `toml:"log_processing_interval"`
	ServiceRemovalInterval string `toml:"service_removal_interval"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// StateConfig locates the legacy local state database. An empty path means
// the platform default under the data directory.
type StateConfig struct {
	LegacyDBPath string `toml:"legacy_db_path"`
}

// DefaultConfig returns a Config populated with all default values. Used
// as the starting point for TOML decoding so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:     "http://localhost:8080",
			Timeout: defaultTimeout,
		},
		Polling: PollingConfig{
			CacheClearInterval:     defaultCacheClearPoll,
			LogProcessingInterval:  defaultLogProcessPoll,
			ServiceRemovalInterval: defaultSvcRemovalPoll,
		},
		Logging: LoggingConfig{
			Level: defaultLogLevel,
		},
		State: StateConfig{
			LegacyDBPath: DefaultLegacyDBPath(),
		},
	}
}

// Load resolves the effective configuration: defaults, then the TOML file
// at path (or the default location when path is empty; a missing file is
// fine), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""

	if path == "" {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}

	if path == "" {
		path = filepath.Join(DefaultConfigDir(), configFileName)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		// A missing file is only an error when the user pointed at it.
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.Server.URL = v
	}

	if v := os.Getenv(EnvAPIKey); v != "" {
		cfg.Server.APIKey = v
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the fields that would otherwise fail deep inside the
// client with a confusing error.
func (c *Config) validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: invalid server url %q", c.Server.URL)
	}

	for _, d := range []struct {
		name, value string
	}{
		{"server.timeout", c.Server.Timeout},
		{"polling.cache_clear_interval", c.Polling.CacheClearInterval},
		{"polling.log_processing_interval", c.Polling.LogProcessingInterval},
		{"polling.service_removal_interval", c.Polling.ServiceRemovalInterval},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("config: invalid duration for %s: %q", d.name, d.value)
		}
	}

	return nil
}

// Duration parses a previously validated duration field.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}

// WebsocketURL derives the push hub address from the server URL.
func (c *Config) WebsocketURL() string {
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return ""
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = "/ws"

	return u.String()
}

// DefaultConfigDir returns the platform-specific directory for config
// files. On Linux, respects XDG_CONFIG_HOME.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName)
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultLegacyDBPath returns the platform-specific path of the legacy
// state database. On Linux, respects XDG_DATA_HOME.
func DefaultLegacyDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	var dir string

	switch {
	case runtime.GOOS == "darwin":
		dir = filepath.Join(home, "Library", "Application Support", appName)
	case os.Getenv("XDG_DATA_HOME") != "":
		dir = filepath.Join(os.Getenv("XDG_DATA_HOME"), appName)
	default:
		dir = filepath.Join(home, ".local", "share", appName)
	}

	return filepath.Join(dir, "legacy-state.db")
}
