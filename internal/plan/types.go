// Package plan indexes plan documents: a streaming structural scan
// produces phase/task/exit-criteria references without copying task
// bodies, plus content hashes used by resume validation.
package plan

// GateDepth is the required thoroughness of inter-phase validation.
type GateDepth string

const (
	GateNone     GateDepth = "none"     // No gate between this phase and the next
	GateLight    GateDepth = "light"    // Exit criteria only
	GateStandard GateDepth = "standard" // Exit criteria + integration contract tests
	GateDeep     GateDepth = "deep"     // Standard plus behavior re-verification
)

// ParseGateDepth converts a manifest/config string to a GateDepth.
// Unknown values return ("", false).
func ParseGateDepth(s string) (GateDepth, bool) {
	switch GateDepth(s) {
	case GateNone, GateLight, GateStandard, GateDeep:
		return GateDepth(s), true
	}
	return "", false
}

// PhaseStatus is the lifecycle state of a phase during a run.
type PhaseStatus string

const (
	PhasePending        PhaseStatus = "pending"
	PhaseInProgress     PhaseStatus = "in_progress"
	PhaseGateEvaluating PhaseStatus = "gate_evaluating"
	PhaseCompleted      PhaseStatus = "completed"
	PhaseBlocked        PhaseStatus = "blocked"
)

// TaskStatus is the lifecycle state of a task during a run.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskEscalated  TaskStatus = "escalated"
)

// TriState is the satisfaction state of an exit criterion.
type TriState int

const (
	TriUnknown TriState = iota
	TriSatisfied
	TriUnsatisfied
)

// String returns "unknown", "satisfied" or "unsatisfied".
func (t TriState) String() string {
	switch t {
	case TriSatisfied:
		return "satisfied"
	case TriUnsatisfied:
		return "unsatisfied"
	}
	return "unknown"
}

// CriterionCategory classifies how an exit criterion is verified.
type CriterionCategory string

const (
	CriterionAutomated     CriterionCategory = "automated"      // Run a check, read its result
	CriterionSemiAutomated CriterionCategory = "semi_automated" // Run a check, interpret output against a pattern
	CriterionSubjective    CriterionCategory = "subjective"     // Requires a recorded assessment with rationale
)

// ExitCriterion is a phase-scoped condition that must hold before the
// phase is considered complete.
type ExitCriterion struct {
	Text     string
	Category CriterionCategory
	Check    string // Command for automated/semi-automated criteria
	Expected string // Expected output pattern for semi-automated criteria
	Line     int    `hash:"ignore"` // Formatting detail, excluded from structural hashing
}

// TaskRef is a lightweight index entry for a task. The body is not held
// here; it is sliced from the source on demand via PlanIndex.TaskBody.
type TaskRef struct {
	ID        string   // Scoped to the plan, e.g. "1.2"
	PhaseID   string   // Owning phase id
	Title     string
	DependsOn []string // Task ids within the same phase
	Line      int      // Header line (1-based)
	bodyStart int      // First body line (0-based index into lines)
	bodyEnd   int      // One past the last body line
}

// PhaseRef is a lightweight index entry for a phase.
type PhaseRef struct {
	ID           string  // Numeric id, fractional ids like "1.5" are valid
	Num          float64 // Parsed sortable value of ID
	Name         string
	Duration     string   // Declared duration, free-form (e.g. "2d")
	DependsOn    []string // Phase ids that must be completed first
	GateDepth    GateDepth
	Tasks        []*TaskRef
	ExitCriteria []ExitCriterion
	Line         int
	ContentHash  string // blake3 of the phase's source lines
	bodyStart    int
	bodyEnd      int
}

// Task returns the phase's task with the given id.
func (p *PhaseRef) Task(id string) (*TaskRef, bool) {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Manifest is the optional machine-readable block at the top of a plan
// document. Its absence is non-fatal; the indexer infers the same fields
// from heading structure.
type Manifest struct {
	Name           string          `yaml:"name"`
	Parallelizable bool            `yaml:"parallelizable"`
	GateDepth      string          `yaml:"gate_depth"`
	Phases         []ManifestPhase `yaml:"phases"`
}

// ManifestPhase declares one phase in the manifest.
type ManifestPhase struct {
	ID    string `yaml:"id"`
	Tasks int    `yaml:"tasks"`
}

// PlanIndex is the structured index of a plan document: phases, tasks and
// exit criteria as location references, plus plan identity. Immutable once
// built; re-indexing produces a new value.
type PlanIndex struct {
	Name        string
	SourcePath  string
	ContentHash string // blake3 of the full document
	Manifest    *Manifest
	Phases      []*PhaseRef
	Inferred    bool // True when the manifest was absent and fields were inferred

	lines []string
}

// Phase returns the phase with the given id.
func (ix *PlanIndex) Phase(id string) (*PhaseRef, bool) {
	for _, p := range ix.Phases {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// PhaseAfter returns the phase following the given one in declared order,
// or nil if it is the last phase.
func (ix *PlanIndex) PhaseAfter(id string) *PhaseRef {
	for i, p := range ix.Phases {
		if p.ID == id && i+1 < len(ix.Phases) {
			return ix.Phases[i+1]
		}
	}
	return nil
}

// TaskBody returns the full body text of an indexed task.
func (ix *PlanIndex) TaskBody(t *TaskRef) string {
	if t.bodyStart >= t.bodyEnd || t.bodyEnd > len(ix.lines) {
		return ""
	}
	return joinLines(ix.lines[t.bodyStart:t.bodyEnd])
}

// PhaseBody returns the full source text of an indexed phase, including
// its task sections and exit criteria block.
func (ix *PlanIndex) PhaseBody(p *PhaseRef) string {
	if p.bodyStart >= p.bodyEnd || p.bodyEnd > len(ix.lines) {
		return ""
	}
	return joinLines(ix.lines[p.bodyStart:p.bodyEnd])
}
