package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration marshals as a Go duration string ("90s", "10m") in JSON.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Accepts a duration string
// or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RetryConfig bounds the per-task retry loop.
type RetryConfig struct {
	MaxAttempts     int      `json:"max_attempts"`     // Total attempts including the first
	InitialInterval Duration `json:"initial_interval"` // Delay before the first retry
	MaxInterval     Duration `json:"max_interval"`     // Backoff ceiling
	Multiplier      float64  `json:"multiplier"`       // Backoff growth factor
}

// Config is the top-level engine configuration.
type Config struct {
	MaxParallel      int         `json:"max_parallel"`       // Concurrent tasks per wave
	TaskTimeout      Duration    `json:"task_timeout"`       // Per-task deadline
	RunTimeout       Duration    `json:"run_timeout"`        // Whole-run deadline, 0 means none
	Retry            RetryConfig `json:"retry"`
	DefaultGateDepth string      `json:"default_gate_depth"` // Fallback when depth classification is inconclusive
	CheckpointDir    string      `json:"checkpoint_dir"`     // Checkpoint and artifact file location
	HistoryDB        string      `json:"history_db"`         // SQLite audit trail path
}
