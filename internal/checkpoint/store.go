package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	activeFileName = "checkpoint.json"
	backupSuffix   = ".bak"
	tempSuffix     = ".tmp"

	// Soft budget keeping resume-time parsing cheap. Exceeding it only
	// logs; raw output belongs in artifact files, not here.
	softSizeBudget = 50 * 1024
)

// StaleCheckpointError reports a plan-hash mismatch on Load. Not fatal:
// the orchestrator decides whether to resume (only future phases changed)
// or discard.
type StaleCheckpointError struct {
	StoredHash  string
	CurrentHash string
}

func (e *StaleCheckpointError) Error() string {
	return fmt.Sprintf("checkpoint is stale: plan hash %.12s does not match stored %.12s", e.CurrentHash, e.StoredHash)
}

// Store persists checkpoints under a directory. It is the only writer of
// checkpoint files; the orchestrator goes through Save exclusively.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0755); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Path returns the active checkpoint file path.
func (s *Store) Path() string { return filepath.Join(s.dir, activeFileName) }

// Save atomically persists the checkpoint: serialize to a temp file,
// rotate the current active file to the single backup, rename the temp
// file into place. The backup always holds the prior good state.
func (s *Store) Save(cp *Checkpoint) error {
	cp.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	if len(data) > softSizeBudget {
		s.logger.Warn("checkpoint exceeds soft size budget",
			"size", len(data), "budget", softSizeBudget)
	}

	active := s.Path()
	temp := active + tempSuffix
	if err := os.WriteFile(temp, data, 0644); err != nil {
		return fmt.Errorf("writing checkpoint temp file: %w", err)
	}
	if _, err := os.Stat(active); err == nil {
		if err := os.Rename(active, active+backupSuffix); err != nil {
			return fmt.Errorf("rotating checkpoint backup: %w", err)
		}
	}
	if err := os.Rename(temp, active); err != nil {
		return fmt.Errorf("activating checkpoint: %w", err)
	}
	return nil
}

// Load reads the active checkpoint and validates it against the current
// plan hash. Returns found=false when no checkpoint exists. On hash
// mismatch the checkpoint is returned together with a
// *StaleCheckpointError so the caller can inspect it.
func (s *Store) Load(planHash string) (*Checkpoint, bool, error) {
	data, err := os.ReadFile(s.Path())
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// Corrupt active file: fall back to the rotated backup.
		return s.loadBackup(planHash, err)
	}
	if cp.Artifacts == nil {
		cp.Artifacts = map[string]string{}
	}
	if cp.PlanHash != planHash {
		return &cp, true, &StaleCheckpointError{StoredHash: cp.PlanHash, CurrentHash: planHash}
	}
	return &cp, true, nil
}

func (s *Store) loadBackup(planHash string, cause error) (*Checkpoint, bool, error) {
	data, err := os.ReadFile(s.Path() + backupSuffix)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint unreadable and no backup: %w", cause)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false, fmt.Errorf("checkpoint and backup both unreadable: %w", cause)
	}
	if cp.Artifacts == nil {
		cp.Artifacts = map[string]string{}
	}
	s.logger.Warn("active checkpoint corrupt, recovered from backup", "error", cause)
	if cp.PlanHash != planHash {
		return &cp, true, &StaleCheckpointError{StoredHash: cp.PlanHash, CurrentHash: planHash}
	}
	return &cp, true, nil
}

// WriteArtifact stores raw task output in its own file and returns the
// path for referencing from the checkpoint.
func (s *Store) WriteArtifact(taskID string, output []byte) (string, error) {
	path := filepath.Join(s.dir, "artifacts", fmt.Sprintf("task-%s.out", taskID))
	if err := os.WriteFile(path, output, 0644); err != nil {
		return "", fmt.Errorf("writing artifact for task %s: %w", taskID, err)
	}
	return path, nil
}

// Discard removes the active checkpoint and its backup.
func (s *Store) Discard() error {
	for _, p := range []string{s.Path(), s.Path() + backupSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discarding checkpoint: %w", err)
		}
	}
	return nil
}
