package config

import "time"

// DefaultConfig returns the built-in engine defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxParallel: 4,
		TaskTimeout: Duration(10 * time.Minute),
		RunTimeout:  0,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: Duration(1 * time.Second),
			MaxInterval:     Duration(4 * time.Second),
			Multiplier:      2.0,
		},
		DefaultGateDepth: "light",
		CheckpointDir:    ".phaserun",
		HistoryDB:        ".phaserun/history.db",
	}
}
