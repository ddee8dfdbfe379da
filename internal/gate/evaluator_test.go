package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/phaserun/phaserun/internal/classify"
	"github.com/phaserun/phaserun/internal/dispatch"
	"github.com/phaserun/phaserun/internal/plan"
)

const gatePlan = `# Plan: Release Pipeline

## Phase 1: Build (2d)

### Task 1.1: Produce bundle
Run ` + "`make bundle`" + ` and publish artifact:bundle for later phases.

Exit Criteria:
- [automated] Bundle builds cleanly, checked by ` + "`make check`" + `
- [semi] Version header is current, inspect ` + "`cat VERSION`" + `. Expected: "v2"
- [subjective] Build log reads clean

## Phase 2: Integrate (1d)
Depends-on: Phase 1

### Task 2.1: Wire bundle
Consume artifact:bundle and wire it into the integration harness.

Exit Criteria:
- [automated] Harness responds, checked by ` + "`curl -f localhost:8080/health`" + `
`

type stubRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (s *stubRunner) Run(_ context.Context, command string) (string, error) {
	s.calls = append(s.calls, command)
	if err := s.errs[command]; err != nil {
		return "", err
	}
	return s.outputs[command], nil
}

func (s *stubRunner) count(command string) int {
	n := 0
	for _, c := range s.calls {
		if c == command {
			n++
		}
	}
	return n
}

func indexGatePlan(t *testing.T) *plan.PlanIndex {
	t.Helper()
	ix, err := plan.Index(gatePlan)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	return ix
}

func passingRunner() *stubRunner {
	return &stubRunner{outputs: map[string]string{
		"make check":  "ok",
		"cat VERSION": "v2",
	}}
}

func approveAll(plan.ExitCriterion) (bool, string) {
	return true, "reviewed and accepted"
}

func TestDecideMatrix(t *testing.T) {
	tests := []struct {
		name  string
		tests []TestResult
		risks []Risk
		want  Status
	}{
		{
			name:  "all tests pass no risks",
			tests: []TestResult{{Name: "a", Passed: true}},
			want:  StatusPass,
		},
		{
			name:  "tests pass one medium risk",
			tests: []TestResult{{Name: "a", Passed: true}},
			risks: []Risk{{Severity: SeverityMedium}},
			want:  StatusWarn,
		},
		{
			name:  "one test fails no risks",
			tests: []TestResult{{Name: "a", Passed: true}, {Name: "b", Passed: false}},
			want:  StatusFail,
		},
		{
			name:  "tests pass one high risk",
			tests: []TestResult{{Name: "a", Passed: true}},
			risks: []Risk{{Severity: SeverityHigh}},
			want:  StatusFail,
		},
		{
			name:  "low risks only",
			risks: []Risk{{Severity: SeverityLow}, {Severity: SeverityLow}},
			want:  StatusPass,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := decide(tc.tests, tc.risks); got != tc.want {
				t.Errorf("decide() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEvaluateAllCriteriaPass(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")

	e := NewEvaluator(passingRunner(), WithAssessor(approveAll))
	d := e.Evaluate(context.Background(), ix, p1, nil, nil, nil)

	if d.Status != StatusPass {
		t.Fatalf("status = %s, want pass (risks: %+v)", d.Status, d.Risks)
	}
	if len(d.Criteria) != 3 {
		t.Fatalf("got %d criterion results, want 3", len(d.Criteria))
	}
	for _, cr := range d.Criteria {
		if cr.Satisfied != plan.TriSatisfied {
			t.Errorf("criterion %q not satisfied: %s", cr.Criterion.Text, cr.Rationale)
		}
	}
	if len(d.TestResults) != 0 {
		t.Errorf("light gate ran %d contract tests, want 0", len(d.TestResults))
	}
}

func TestEvaluateAutomatedCheckFailure(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")
	runner := passingRunner()
	runner.errs = map[string]error{"make check": errors.New("exit status 1")}

	e := NewEvaluator(runner, WithAssessor(approveAll))
	d := e.Evaluate(context.Background(), ix, p1, nil, nil, nil)

	if d.Status != StatusFail {
		t.Fatalf("status = %s, want fail", d.Status)
	}
	if d.Criteria[0].Satisfied != plan.TriUnsatisfied {
		t.Errorf("automated criterion = %v, want unsatisfied", d.Criteria[0].Satisfied)
	}
	if d.HighestSeverity() != SeverityHigh {
		t.Errorf("highest severity = %s, want high", d.HighestSeverity())
	}
}

func TestEvaluateSemiAutomatedMismatch(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")
	runner := passingRunner()
	runner.outputs["cat VERSION"] = "v1"

	e := NewEvaluator(runner, WithAssessor(approveAll))
	d := e.Evaluate(context.Background(), ix, p1, nil, nil, nil)

	if d.Status != StatusFail {
		t.Fatalf("status = %s, want fail", d.Status)
	}
	var semi *CriterionResult
	for i := range d.Criteria {
		if d.Criteria[i].Criterion.Category == plan.CriterionSemiAutomated {
			semi = &d.Criteria[i]
		}
	}
	if semi == nil || semi.Satisfied != plan.TriUnsatisfied {
		t.Fatalf("semi-automated criterion not recorded as unsatisfied: %+v", semi)
	}
}

func TestEvaluateSubjectiveUnassessed(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")

	// No assessor: the subjective criterion stays unknown and is flagged
	// as a medium risk rather than silently passed.
	e := NewEvaluator(passingRunner())
	d := e.Evaluate(context.Background(), ix, p1, nil, nil, nil)

	if d.Status != StatusWarn {
		t.Fatalf("status = %s, want warn", d.Status)
	}
	var subj *CriterionResult
	for i := range d.Criteria {
		if d.Criteria[i].Criterion.Category == plan.CriterionSubjective {
			subj = &d.Criteria[i]
		}
	}
	if subj == nil {
		t.Fatal("no subjective criterion result recorded")
	}
	if subj.Satisfied != plan.TriUnknown || subj.Rationale == "" {
		t.Errorf("subjective result = %v %q, want unknown with rationale", subj.Satisfied, subj.Rationale)
	}
}

func TestEvaluateEscalatedTaskBlocksGate(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")
	results := []dispatch.TaskResult{
		{TaskID: "1.1", PhaseID: "1", Status: plan.TaskEscalated, Attempts: 3},
	}

	e := NewEvaluator(passingRunner(), WithAssessor(approveAll))
	d := e.Evaluate(context.Background(), ix, p1, nil, results, nil)

	if d.Status != StatusFail {
		t.Fatalf("status = %s, want fail", d.Status)
	}
	found := false
	for _, r := range d.Risks {
		if r.Category == "task" && r.TaskID == "1.1" && r.Severity == SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Errorf("no high task risk attributed to 1.1: %+v", d.Risks)
	}
}

func TestContractTestsAtStandardDepth(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")
	p2, _ := ix.Phase("2")
	p1.GateDepth = plan.GateStandard

	artifacts := map[string]string{"bundle": "dist/bundle.tar.gz"}
	e := NewEvaluator(passingRunner(), WithAssessor(approveAll))
	d := e.Evaluate(context.Background(), ix, p1, p2, nil, artifacts)

	if d.Status != StatusPass {
		t.Fatalf("status = %s, want pass (tests: %+v)", d.Status, d.TestResults)
	}
	if len(d.TestResults) < 2 {
		t.Fatalf("got %d contract tests, want existence and shape", len(d.TestResults))
	}
	for _, tr := range d.TestResults {
		if !tr.Passed {
			t.Errorf("contract test %q failed: %s", tr.Name, tr.Detail)
		}
		if tr.Producer != "1.1" {
			t.Errorf("test %q producer = %q, want 1.1", tr.Name, tr.Producer)
		}
	}
}

func TestContractMissingArtifactFails(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")
	p2, _ := ix.Phase("2")
	p1.GateDepth = plan.GateStandard

	e := NewEvaluator(passingRunner(), WithAssessor(approveAll))
	d := e.Evaluate(context.Background(), ix, p1, p2, nil, map[string]string{})

	if d.Status != StatusFail {
		t.Fatalf("status = %s, want fail", d.Status)
	}
	var failed *TestResult
	for i := range d.TestResults {
		if !d.TestResults[i].Passed {
			failed = &d.TestResults[i]
		}
	}
	if failed == nil || failed.Kind != ContractExistence {
		t.Fatalf("expected a failed existence test, got %+v", failed)
	}
	if failed.Producer != "1.1" {
		t.Errorf("failed test producer = %q, want 1.1", failed.Producer)
	}
}

func TestConfigOutputSchemaContract(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")
	p1.GateDepth = plan.GateStandard

	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"key value pairs", "FOO=1\nexport BAR=2\n", true},
		{"free text", "all settings applied successfully", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			results := []dispatch.TaskResult{
				{TaskID: "1.1", Kind: classify.KindConfig, Status: plan.TaskCompleted, Output: tc.output},
			}
			e := NewEvaluator(passingRunner(), WithAssessor(approveAll))
			d := e.Evaluate(context.Background(), ix, p1, nil, results, nil)

			var schema *TestResult
			for i := range d.TestResults {
				if d.TestResults[i].Kind == ContractSchema {
					schema = &d.TestResults[i]
				}
			}
			if schema == nil {
				t.Fatal("no schema contract test recorded")
			}
			if schema.Passed != tc.want {
				t.Errorf("schema test passed = %v, want %v", schema.Passed, tc.want)
			}
		})
	}
}

func TestDeepGateReverifiesBehavior(t *testing.T) {
	ix := indexGatePlan(t)
	p1, _ := ix.Phase("1")
	p1.GateDepth = plan.GateDeep

	runner := passingRunner()
	e := NewEvaluator(runner, WithAssessor(approveAll))
	d := e.Evaluate(context.Background(), ix, p1, nil, nil, nil)

	if d.Status != StatusPass {
		t.Fatalf("status = %s, want pass", d.Status)
	}
	if got := runner.count("make check"); got != 2 {
		t.Errorf("make check ran %d times, want 2 (criterion plus behavior re-verification)", got)
	}
	found := false
	for _, tr := range d.TestResults {
		if tr.Kind == ContractBehavior && tr.Passed {
			found = true
		}
	}
	if !found {
		t.Errorf("no passing behavior contract test recorded: %+v", d.TestResults)
	}
}

func TestNextRecoveryLadder(t *testing.T) {
	failing := &Decision{
		Risks: []Risk{
			{ID: "R1", Severity: SeverityHigh, Category: "task", TaskID: "1.1"},
			{ID: "R2", Severity: SeverityMedium, Category: "exit_criteria"},
		},
		TestResults: []TestResult{
			{Name: "existence", Passed: false, Producer: "1.2"},
		},
	}

	r := NextRecovery(0, failing)
	if r.Action != RecoveryRetryTransient {
		t.Errorf("attempt 0 action = %s, want retry_transient", r.Action)
	}

	r = NextRecovery(1, failing)
	if r.Action != RecoveryRedispatch {
		t.Fatalf("attempt 1 action = %s, want redispatch_tasks", r.Action)
	}
	if len(r.TaskIDs) != 2 || r.TaskIDs[0] != "1.1" || r.TaskIDs[1] != "1.2" {
		t.Errorf("redispatch tasks = %v, want [1.1 1.2]", r.TaskIDs)
	}

	// Nothing attributable to a task: skip straight to the operator.
	r = NextRecovery(1, &Decision{Risks: []Risk{{Severity: SeverityHigh}}})
	if r.Action != RecoveryEscalate {
		t.Errorf("attempt 1 without task ids = %s, want escalate_operator", r.Action)
	}

	r = NextRecovery(2, failing)
	if r.Action != RecoveryEscalate {
		t.Errorf("attempt 2 action = %s, want escalate_operator", r.Action)
	}
}

func TestMatchExpected(t *testing.T) {
	tests := []struct {
		output   string
		expected string
		want     bool
	}{
		{"version v2.3.1", `v\d+\.\d+\.\d+`, true},
		{"version two", `v\d+\.\d+\.\d+`, false},
		{"status: healthy", "healthy", true},
		{"status: degraded", "healthy", false},
		{"a(b", "a(b", true}, // invalid regex falls back to substring
	}
	for _, tc := range tests {
		if got := matchExpected(tc.output, tc.expected); got != tc.want {
			t.Errorf("matchExpected(%q, %q) = %v, want %v", tc.output, tc.expected, got, tc.want)
		}
	}
}
