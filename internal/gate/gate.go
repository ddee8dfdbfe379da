// Package gate decides whether a completed phase may advance: exit
// criteria verification always runs, integration contract testing runs at
// standard and deep gate depths, and a fixed decision matrix maps the
// findings to PASS, WARN or FAIL.
package gate

import (
	"fmt"
	"time"

	"github.com/phaserun/phaserun/internal/plan"
)

// Severity classifies a risk.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Risk is a finding produced during gate evaluation. Risks live only in
// gate decisions and their checkpoint records.
type Risk struct {
	ID             string
	Severity       Severity
	Category       string // "exit_criteria", "task" or "contract"
	Description    string
	Recommendation string
	TaskID         string // Producing task, when attributable
}

// ContractKind names a contract check level.
type ContractKind string

const (
	ContractExistence ContractKind = "existence"
	ContractShape     ContractKind = "shape"
	ContractSchema    ContractKind = "schema"
	ContractBehavior  ContractKind = "behavior"
)

// TestResult is the outcome of one contract check.
type TestResult struct {
	Name     string
	Kind     ContractKind
	Passed   bool
	Detail   string
	Producer string // Task id that produced the checked artifact, if known
}

// Status is the gate decision outcome.
type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// CriterionResult records the verification of one exit criterion. A
// subjective criterion is never silently passed: its assessment and
// rationale are always recorded.
type CriterionResult struct {
	Criterion plan.ExitCriterion
	Satisfied plan.TriState
	Rationale string
	Output    string
}

// Decision is the immutable outcome of one gate evaluation. Re-running
// the gate produces a new Decision.
type Decision struct {
	PhaseID     string
	Status      Status
	Depth       plan.GateDepth
	Risks       []Risk
	TestResults []TestResult
	Criteria    []CriterionResult
	Timestamp   time.Time
}

// HighestSeverity returns the most severe risk level present, or "" when
// there are no risks.
func (d *Decision) HighestSeverity() Severity {
	var out Severity
	for _, r := range d.Risks {
		switch r.Severity {
		case SeverityHigh:
			return SeverityHigh
		case SeverityMedium:
			out = SeverityMedium
		case SeverityLow:
			if out == "" {
				out = SeverityLow
			}
		}
	}
	return out
}

// decide applies the fixed decision matrix:
//
//	any contract test failed OR any high risk  -> FAIL
//	no high risk, one or more medium risks     -> WARN
//	only low risks or none                     -> PASS
func decide(tests []TestResult, risks []Risk) Status {
	for _, t := range tests {
		if !t.Passed {
			return StatusFail
		}
	}
	switch highest(risks) {
	case SeverityHigh:
		return StatusFail
	case SeverityMedium:
		return StatusWarn
	}
	return StatusPass
}

func highest(risks []Risk) Severity {
	d := Decision{Risks: risks}
	return d.HighestSeverity()
}

// riskID numbers risks within one evaluation.
func riskID(n int) string { return fmt.Sprintf("R%d", n) }
