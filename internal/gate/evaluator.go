package gate

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/phaserun/phaserun/internal/classify"
	"github.com/phaserun/phaserun/internal/dispatch"
	"github.com/phaserun/phaserun/internal/plan"
)

// CheckRunner executes an exit-criterion or contract check command and
// returns its output. Typically backed by the command executor.
type CheckRunner interface {
	Run(ctx context.Context, command string) (output string, err error)
}

// RunnerFunc adapts a function to CheckRunner.
type RunnerFunc func(ctx context.Context, command string) (string, error)

// Run implements CheckRunner.
func (f RunnerFunc) Run(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// Assessor supplies recorded assessments for subjective exit criteria.
// Without one, every subjective criterion yields a medium risk so the
// gate records it for audit instead of silently passing.
type Assessor func(criterion plan.ExitCriterion) (satisfied bool, rationale string)

// Evaluator renders gate decisions.
type Evaluator struct {
	runner   CheckRunner
	assessor Assessor
	logger   *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithAssessor wires subjective-criterion assessments.
func WithAssessor(a Assessor) Option {
	return func(e *Evaluator) { e.assessor = a }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// NewEvaluator creates an Evaluator using runner for automated checks.
func NewEvaluator(runner CheckRunner, opts ...Option) *Evaluator {
	e := &Evaluator{runner: runner, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the two-tier gate procedure for a completed phase.
// Tier one (exit criteria) always runs; tier two (integration contract
// tests against the next phase's expectations) runs at standard and deep
// depth. The artifacts map is the shared registry as of this phase.
func (e *Evaluator) Evaluate(ctx context.Context, ix *plan.PlanIndex, phase *plan.PhaseRef, next *plan.PhaseRef, results []dispatch.TaskResult, artifacts map[string]string) *Decision {
	d := &Decision{
		PhaseID:   phase.ID,
		Depth:     phase.GateDepth,
		Timestamp: time.Now().UTC(),
	}

	e.verifyCriteria(ctx, phase, d)
	e.assessTaskResults(results, d)

	if phase.GateDepth == plan.GateStandard || phase.GateDepth == plan.GateDeep {
		e.runContractTests(ctx, ix, phase, next, results, artifacts, d)
	}

	d.Status = decide(d.TestResults, d.Risks)
	e.logger.Info("gate decision",
		"phase", phase.ID, "status", string(d.Status), "depth", string(phase.GateDepth),
		"risks", len(d.Risks), "tests", len(d.TestResults))
	return d
}

func (e *Evaluator) addRisk(d *Decision, sev Severity, category, desc, rec, taskID string) {
	d.Risks = append(d.Risks, Risk{
		ID:             riskID(len(d.Risks) + 1),
		Severity:       sev,
		Category:       category,
		Description:    desc,
		Recommendation: rec,
		TaskID:         taskID,
	})
}

// verifyCriteria checks every exit criterion of the phase.
func (e *Evaluator) verifyCriteria(ctx context.Context, phase *plan.PhaseRef, d *Decision) {
	for _, c := range phase.ExitCriteria {
		cr := CriterionResult{Criterion: c}
		switch c.Category {
		case plan.CriterionAutomated:
			cr = e.runAutomated(ctx, c)
			if cr.Satisfied == plan.TriUnsatisfied {
				e.addRisk(d, SeverityHigh, "exit_criteria",
					fmt.Sprintf("automated exit criterion failed: %s", c.Text),
					"fix the failing check before advancing", "")
			} else if cr.Satisfied == plan.TriUnknown {
				e.addRisk(d, SeverityMedium, "exit_criteria",
					fmt.Sprintf("automated exit criterion has no check command: %s", c.Text),
					"declare a runnable check", "")
			}

		case plan.CriterionSemiAutomated:
			cr = e.runSemiAutomated(ctx, c)
			if cr.Satisfied == plan.TriUnsatisfied {
				e.addRisk(d, SeverityHigh, "exit_criteria",
					fmt.Sprintf("semi-automated exit criterion failed: %s", c.Text),
					"inspect the check output against the expected pattern", "")
			}

		case plan.CriterionSubjective:
			if e.assessor != nil {
				ok, rationale := e.assessor(c)
				cr.Rationale = rationale
				if ok {
					cr.Satisfied = plan.TriSatisfied
				} else {
					cr.Satisfied = plan.TriUnsatisfied
					e.addRisk(d, SeverityHigh, "exit_criteria",
						fmt.Sprintf("subjective exit criterion assessed unmet: %s", c.Text), rationale, "")
				}
			} else {
				cr.Satisfied = plan.TriUnknown
				cr.Rationale = "no assessment recorded; flagged for audit"
				e.addRisk(d, SeverityMedium, "exit_criteria",
					fmt.Sprintf("subjective exit criterion not assessed: %s", c.Text),
					"record an assessment with rationale", "")
			}
		}
		d.Criteria = append(d.Criteria, cr)
	}
}

func (e *Evaluator) runAutomated(ctx context.Context, c plan.ExitCriterion) CriterionResult {
	cr := CriterionResult{Criterion: c}
	if c.Check == "" {
		cr.Satisfied = plan.TriUnknown
		cr.Rationale = "no check command declared"
		return cr
	}
	out, err := e.runner.Run(ctx, c.Check)
	cr.Output = out
	if err != nil {
		cr.Satisfied = plan.TriUnsatisfied
		cr.Rationale = err.Error()
		return cr
	}
	cr.Satisfied = plan.TriSatisfied
	return cr
}

func (e *Evaluator) runSemiAutomated(ctx context.Context, c plan.ExitCriterion) CriterionResult {
	cr := CriterionResult{Criterion: c}
	if c.Check == "" {
		cr.Satisfied = plan.TriUnknown
		cr.Rationale = "no check command declared"
		return cr
	}
	out, err := e.runner.Run(ctx, c.Check)
	cr.Output = out
	if err != nil {
		cr.Satisfied = plan.TriUnsatisfied
		cr.Rationale = err.Error()
		return cr
	}
	if c.Expected != "" && !matchExpected(out, c.Expected) {
		cr.Satisfied = plan.TriUnsatisfied
		cr.Rationale = fmt.Sprintf("output does not match expected pattern %q", c.Expected)
		return cr
	}
	cr.Satisfied = plan.TriSatisfied
	return cr
}

// matchExpected interprets the expected pattern as a regular expression
// when it compiles, else as a substring.
func matchExpected(output, expected string) bool {
	if re, err := regexp.Compile(expected); err == nil {
		return re.MatchString(output)
	}
	return strings.Contains(output, expected)
}

// assessTaskResults turns escalated and failed tasks into high risks. A
// phase carrying them can never reach completed.
func (e *Evaluator) assessTaskResults(results []dispatch.TaskResult, d *Decision) {
	for _, r := range results {
		switch r.Status {
		case plan.TaskEscalated:
			e.addRisk(d, SeverityHigh, "task",
				fmt.Sprintf("task %s escalated after %d attempts", r.TaskID, r.Attempts),
				"re-dispatch the task or resolve its failure cause", r.TaskID)
		case plan.TaskFailed:
			e.addRisk(d, SeverityHigh, "task",
				fmt.Sprintf("task %s failed", r.TaskID),
				"resolve the failure and re-dispatch", r.TaskID)
		}
	}
}

// runContractTests synthesizes the phase's declared integration surface
// against the next phase's expectations: existence and shape of expected
// artifacts, schema of config output, and (deep only) behavior
// re-verification of the automated criteria.
func (e *Evaluator) runContractTests(ctx context.Context, ix *plan.PlanIndex, phase *plan.PhaseRef, next *plan.PhaseRef, results []dispatch.TaskResult, artifacts map[string]string, d *Decision) {
	producers := artifactProducers(ix, phase)

	if next != nil {
		for _, t := range next.Tasks {
			for _, name := range plan.ArtifactRefs(ix.TaskBody(t)) {
				val, ok := artifacts[name]
				d.TestResults = append(d.TestResults, TestResult{
					Name:     fmt.Sprintf("artifact %q expected by task %s exists", name, t.ID),
					Kind:     ContractExistence,
					Passed:   ok,
					Detail:   existenceDetail(ok, name),
					Producer: producers[name],
				})
				if !ok {
					continue
				}
				d.TestResults = append(d.TestResults, TestResult{
					Name:     fmt.Sprintf("artifact %q has a value", name),
					Kind:     ContractShape,
					Passed:   strings.TrimSpace(val) != "",
					Producer: producers[name],
				})
			}
		}
	}

	for _, r := range results {
		if r.Kind != classify.KindConfig || r.Status != plan.TaskCompleted {
			continue
		}
		ok := validConfigOutput(r.Output)
		d.TestResults = append(d.TestResults, TestResult{
			Name:     fmt.Sprintf("config output of task %s parses as key=value lines", r.TaskID),
			Kind:     ContractSchema,
			Passed:   ok,
			Producer: r.TaskID,
		})
	}

	if phase.GateDepth == plan.GateDeep {
		for _, c := range phase.ExitCriteria {
			if c.Category != plan.CriterionAutomated || c.Check == "" {
				continue
			}
			_, err := e.runner.Run(ctx, c.Check)
			d.TestResults = append(d.TestResults, TestResult{
				Name:   fmt.Sprintf("behavior re-verification: %s", c.Check),
				Kind:   ContractBehavior,
				Passed: err == nil,
				Detail: errDetail(err),
			})
		}
	}
}

func existenceDetail(ok bool, name string) string {
	if ok {
		return ""
	}
	return fmt.Sprintf("artifact %q missing from shared registry", name)
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// artifactProducers maps declared artifact names to the task that
// declares them within the phase.
func artifactProducers(ix *plan.PlanIndex, phase *plan.PhaseRef) map[string]string {
	out := map[string]string{}
	for _, t := range phase.Tasks {
		for _, name := range plan.ArtifactRefs(ix.TaskBody(t)) {
			if _, ok := out[name]; !ok {
				out[name] = t.ID
			}
		}
	}
	return out
}

// validConfigOutput accepts output whose non-empty lines are KEY=VALUE
// or export KEY=VALUE pairs.
func validConfigOutput(output string) bool {
	any := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			return false
		}
		any = true
	}
	return any
}
