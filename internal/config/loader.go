package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global
// config, defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: $XDG_CONFIG_HOME/phaserun/config.json
// Project: .phaserun/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "phaserun", "config.json")
	projectPath := filepath.Join(".phaserun", "config.json")
	return Load(globalPath, projectPath)
}

// fileConfig mirrors Config with optional fields so a file only
// overrides what it sets.
type fileConfig struct {
	MaxParallel *int      `json:"max_parallel"`
	TaskTimeout *Duration `json:"task_timeout"`
	RunTimeout  *Duration `json:"run_timeout"`
	Retry       *struct {
		MaxAttempts     *int      `json:"max_attempts"`
		InitialInterval *Duration `json:"initial_interval"`
		MaxInterval     *Duration `json:"max_interval"`
		Multiplier      *float64  `json:"multiplier"`
	} `json:"retry"`
	DefaultGateDepth *string `json:"default_gate_depth"`
	CheckpointDir    *string `json:"checkpoint_dir"`
	HistoryDB        *string `json:"history_db"`
}

// mergeConfigFile reads a JSON config file and overlays its set fields
// onto base. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded fileConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.MaxParallel != nil {
		base.MaxParallel = *loaded.MaxParallel
	}
	if loaded.TaskTimeout != nil {
		base.TaskTimeout = *loaded.TaskTimeout
	}
	if loaded.RunTimeout != nil {
		base.RunTimeout = *loaded.RunTimeout
	}
	if loaded.Retry != nil {
		if loaded.Retry.MaxAttempts != nil {
			base.Retry.MaxAttempts = *loaded.Retry.MaxAttempts
		}
		if loaded.Retry.InitialInterval != nil {
			base.Retry.InitialInterval = *loaded.Retry.InitialInterval
		}
		if loaded.Retry.MaxInterval != nil {
			base.Retry.MaxInterval = *loaded.Retry.MaxInterval
		}
		if loaded.Retry.Multiplier != nil {
			base.Retry.Multiplier = *loaded.Retry.Multiplier
		}
	}
	if loaded.DefaultGateDepth != nil {
		base.DefaultGateDepth = *loaded.DefaultGateDepth
	}
	if loaded.CheckpointDir != nil {
		base.CheckpointDir = *loaded.CheckpointDir
	}
	if loaded.HistoryDB != nil {
		base.HistoryDB = *loaded.HistoryDB
	}

	return nil
}
