package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.MaxParallel = 6
	cfg.TaskTimeout = Duration(2 * time.Minute)
	cfg.Retry.InitialInterval = Duration(250 * time.Millisecond)

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.MaxParallel != 6 {
		t.Errorf("MaxParallel = %d, want 6", loaded.MaxParallel)
	}
	if loaded.TaskTimeout.Std() != 2*time.Minute {
		t.Errorf("TaskTimeout = %v, want 2m", loaded.TaskTimeout.Std())
	}
	if loaded.Retry.InitialInterval.Std() != 250*time.Millisecond {
		t.Errorf("InitialInterval = %v, want 250ms", loaded.Retry.InitialInterval.Std())
	}
}

func TestSaveWritesDurationStrings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading saved config: %v", err)
	}
	if !strings.Contains(string(data), `"task_timeout": "10m0s"`) {
		t.Errorf("durations not serialized as strings:\n%s", data)
	}
}
