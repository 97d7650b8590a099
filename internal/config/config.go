// Package config loads process-level configuration from the
// environment. Queue tunables live in the database (store.Tunables);
// this covers only what a process needs before it can open the store.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/AdityaR0811/flam/internal/env"
)

// DefaultDBPath is used when FLAM_DB is unset.
const DefaultDBPath = "flam.db"

// Config holds configuration shared by every binary.
type Config struct {
	// DBPath is the SQLite database file, the unit of deployment state.
	DBPath string `env:"FLAM_DB"`
	// LogDir is where detached worker processes write their log files.
	LogDir string `env:"FLAM_LOG_DIR"`
}

// Load parses environment variables into a Config and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Dir(cfg.DBPath)
	}

	return cfg, nil
}

// WorkerConfig holds configuration for the worker binary.
type WorkerConfig struct {
	Config
	// WorkerID is assigned by the Supervisor at spawn time.
	WorkerID string `env:"FLAM_WORKER_ID"`
}

// LoadWorker loads and validates worker-process configuration.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse worker config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Dir(cfg.DBPath)
	}

	return cfg, nil
}
