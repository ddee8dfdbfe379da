// Package checkpoint owns the durable representation of a run. The store
// is the single writer of checkpoint files: atomic write with one rotated
// backup, so a crash mid-write never corrupts the last-known-good state.
package checkpoint

import (
	"time"

	"github.com/google/uuid"

	"github.com/phaserun/phaserun/internal/plan"
)

// ArtifactRef points at a produced artifact. Raw output never lives in
// the checkpoint; file artifacts are referenced by path.
type ArtifactRef struct {
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"`
	Value string `json:"value,omitempty"`
}

// TaskRecord is the persisted status of one task.
type TaskRecord struct {
	ID         string          `json:"id"`
	Status     plan.TaskStatus `json:"status"`
	Attempts   int             `json:"attempts"`
	Artifacts  []ArtifactRef   `json:"artifacts,omitempty"`
	OutputFile string          `json:"output_file,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// RiskRecord is a persisted gate risk.
type RiskRecord struct {
	ID             string `json:"id"`
	Severity       string `json:"severity"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
}

// TestRecord is a persisted contract test result.
type TestRecord struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// GateRecord is a persisted gate decision. Immutable once written; a
// re-run appends a new record.
type GateRecord struct {
	PhaseID   string       `json:"phase_id"`
	Status    string       `json:"status"`
	Depth     string       `json:"depth"`
	Risks     []RiskRecord `json:"risks,omitempty"`
	Tests     []TestRecord `json:"tests,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// PhaseRecord is the persisted status of one phase.
type PhaseRecord struct {
	ID          string           `json:"id"`
	Status      plan.PhaseStatus `json:"status"`
	ContentHash string           `json:"content_hash"`
	Tasks       []TaskRecord     `json:"tasks"`
}

// Task returns the record for the given task id.
func (p *PhaseRecord) Task(id string) (*TaskRecord, bool) {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i], true
		}
	}
	return nil, false
}

// Checkpoint is a full snapshot of execution progress.
type Checkpoint struct {
	ID         string            `json:"id"`
	PlanName   string            `json:"plan_name"`
	PlanPath   string            `json:"plan_path,omitempty"`
	PlanHash   string            `json:"plan_hash"`
	StructHash uint64            `json:"struct_hash,omitempty"` // Structural hash of the indexed plan
	SavedAt    time.Time         `json:"saved_at"`
	Phases     []PhaseRecord     `json:"phases"`
	Gates      []GateRecord      `json:"gates,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"` // Shared artifact registry
}

// New creates an empty checkpoint for a plan.
func New(planName, planPath, planHash string) *Checkpoint {
	return &Checkpoint{
		ID:        uuid.NewString(),
		PlanName:  planName,
		PlanPath:  planPath,
		PlanHash:  planHash,
		Artifacts: map[string]string{},
	}
}

// Phase returns the record for the given phase id.
func (c *Checkpoint) Phase(id string) (*PhaseRecord, bool) {
	for i := range c.Phases {
		if c.Phases[i].ID == id {
			return &c.Phases[i], true
		}
	}
	return nil, false
}

// EnsurePhase returns the record for the given phase id, appending a
// pending one if absent.
func (c *Checkpoint) EnsurePhase(id, contentHash string) *PhaseRecord {
	if p, ok := c.Phase(id); ok {
		return p
	}
	c.Phases = append(c.Phases, PhaseRecord{ID: id, Status: plan.PhasePending, ContentHash: contentHash})
	return &c.Phases[len(c.Phases)-1]
}

// LastGate returns the most recent gate record for a phase.
func (c *Checkpoint) LastGate(phaseID string) (*GateRecord, bool) {
	for i := len(c.Gates) - 1; i >= 0; i-- {
		if c.Gates[i].PhaseID == phaseID {
			return &c.Gates[i], true
		}
	}
	return nil, false
}
