//
// Date: 2026-02-15
// Copyright (c) 2026. All rights reserved.
//

// Package config loads and saves the ingestion process's configuration:
// the data directory holding CSV files, token.json and the jobs database,
// the broker's REST/WebSocket base URLs, and request tuning. Values are
// resolved from environment variables first, then the on-disk JSON file,
// then hard-coded defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	configDirName = ".config/stockbit-ingest"
	configFile    = "config.json"

	defaultRESTBaseURL = "https://exodus.stockbit.com"
	defaultWSURL       = "wss://wss-jkt.trading.stockbit.com/ws"
	defaultTimeout     = "30s"
	defaultLogLevel    = "info"
)

// configDirOverride lets tests (and SetConfigDir callers) redirect Load/Save
// away from the real home directory.
var configDirOverride string

// Config holds the ingestion process's configuration.
type Config struct {
	DataDir         string `json:"data_dir"`
	RESTBaseURL     string `json:"rest_base_url"`
	WSURL           string `json:"ws_url"`
	RequestTimeout  string `json:"request_timeout"`
	LogLevel        string `json:"log_level"`
	ArchiveBucket   string `json:"archive_bucket,omitempty"`
	ArchiveEndpoint string `json:"archive_endpoint,omitempty"`
}

// DefaultConfig returns a Config populated with production defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:        "data",
		RESTBaseURL:    defaultRESTBaseURL,
		WSURL:          defaultWSURL,
		RequestTimeout: defaultTimeout,
		LogLevel:       defaultLogLevel,
	}
}

// RequestTimeoutDuration parses RequestTimeout, falling back to 30s if it is
// empty or unparsable.
func (c *Config) RequestTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// SetConfigDir overrides the directory Load/Save operate in. Passing ""
// restores the default (~/.config/stockbit-ingest).
func SetConfigDir(dir string) {
	configDirOverride = dir
}

func configDirPath() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDirName), nil
}

func configPath() (string, error) {
	dir, err := configDirPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// Dir returns the directory config.json lives in, creating it if necessary.
// Callers use it to place sibling state (token.json, the jobs database)
// alongside the config file.
func Dir() (string, error) {
	dir, err := configDirPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// Load reads the configuration from disk, applying environment overrides.
// If the config file does not exist, defaults (plus env overrides) are
// returned.
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STOCKBIT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STOCKBIT_REST_BASE_URL"); v != "" {
		cfg.RESTBaseURL = v
	}
	if v := os.Getenv("STOCKBIT_WS_URL"); v != "" {
		cfg.WSURL = v
	}
	if v := os.Getenv("STOCKBIT_REQUEST_TIMEOUT"); v != "" {
		cfg.RequestTimeout = v
	}
	if v := os.Getenv("STOCKBIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STOCKBIT_ARCHIVE_BUCKET"); v != "" {
		cfg.ArchiveBucket = v
	}
	if v := os.Getenv("STOCKBIT_ARCHIVE_ENDPOINT"); v != "" {
		cfg.ArchiveEndpoint = v
	}
}

// Save writes cfg to disk at <configDir>/config.json, creating the config
// directory if needed. The file is written with 0600 permissions.
func Save(cfg *Config) error {
	dir, err := configDirPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	path, err := configPath()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
