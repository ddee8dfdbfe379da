package plan

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrMalformedPlan is wrapped by all structural indexing failures.
var ErrMalformedPlan = errors.New("malformed plan")

// DuplicatePhaseIDError reports a phase id collision.
type DuplicatePhaseIDError struct {
	ID   string
	Line int
}

func (e *DuplicatePhaseIDError) Error() string {
	return fmt.Sprintf("duplicate phase id %q at line %d", e.ID, e.Line)
}

// DuplicateTaskIDError reports a task id collision.
type DuplicateTaskIDError struct {
	PhaseID string
	ID      string
	Line    int
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("duplicate task id %q in phase %q at line %d", e.ID, e.PhaseID, e.Line)
}

var (
	titleRe     = regexp.MustCompile(`^#\s+Plan:\s*(.+?)\s*$`)
	phaseRe     = regexp.MustCompile(`^##\s+Phase\s+([0-9]+(?:\.[0-9]+)?):\s*(.+?)\s*$`)
	taskRe      = regexp.MustCompile(`^###\s+Task\s+([0-9]+(?:\.[0-9]+)?\.[0-9]+):\s*(.+?)\s*$`)
	appendixRe  = regexp.MustCompile(`^##\s+Appendix\b`)
	durationRe  = regexp.MustCompile(`\(([^)]+)\)\s*$`)
	dependsRe   = regexp.MustCompile(`^Depends-on:\s*(.*)$`)
	criteriaRe  = regexp.MustCompile(`^Exit Criteria:\s*$`)
	criterionRe = regexp.MustCompile(`^-\s*\[([a-zA-Z-]+)\]\s*(.+?)\s*$`)
	checkRe     = regexp.MustCompile("`([^`]+)`")
	expectedRe  = regexp.MustCompile(`Expected:\s*(.+?)\s*$`)
	manifestRe  = regexp.MustCompile("^```plan-manifest\\s*$")
	fenceEndRe  = regexp.MustCompile("^```\\s*$")
)

// Index scans a plan document in a single streaming pass and produces a
// structured index of phases, tasks and exit criteria. Task bodies are
// kept as line ranges, not copies. A second pass classifies the gate
// depth of each phase (see classifyGateDepths).
func Index(planText string, opts ...Option) (*PlanIndex, error) {
	o := options{defaultDepth: GateLight}
	for _, opt := range opts {
		opt(&o)
	}

	ix := &PlanIndex{
		SourcePath:  o.sourcePath,
		ContentHash: ContentHash(planText),
	}

	scanner := bufio.NewScanner(strings.NewReader(planText))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		ix.lines = append(ix.lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}

	var (
		cur          *PhaseRef
		curTask      *TaskRef
		inCriteria   bool
		inManifest   bool
		manifestText strings.Builder
		seenPhases   = map[string]int{}
	)

	closeTask := func(end int) {
		if curTask != nil {
			curTask.bodyEnd = end
			curTask = nil
		}
	}
	closePhase := func(end int) {
		closeTask(end)
		if cur != nil {
			cur.bodyEnd = end
			cur = nil
		}
		inCriteria = false
	}

	for i, line := range ix.lines {
		if inManifest {
			if fenceEndRe.MatchString(line) {
				inManifest = false
				m := &Manifest{}
				if err := yaml.Unmarshal([]byte(manifestText.String()), m); err != nil {
					return nil, fmt.Errorf("%w: manifest block: %v", ErrMalformedPlan, err)
				}
				ix.Manifest = m
				continue
			}
			manifestText.WriteString(line)
			manifestText.WriteByte('\n')
			continue
		}

		switch {
		case manifestRe.MatchString(line) && cur == nil:
			inManifest = true

		case titleRe.MatchString(line):
			if ix.Name == "" {
				ix.Name = titleRe.FindStringSubmatch(line)[1]
			}

		case appendixRe.MatchString(line):
			closePhase(i)

		case phaseRe.MatchString(line):
			closePhase(i)
			m := phaseRe.FindStringSubmatch(line)
			id := m[1]
			if _, dup := seenPhases[id]; dup {
				return nil, fmt.Errorf("%w: %w", ErrMalformedPlan, &DuplicatePhaseIDError{ID: id, Line: i + 1})
			}
			seenPhases[id] = i + 1
			num, err := strconv.ParseFloat(id, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: phase id %q at line %d is not numeric", ErrMalformedPlan, id, i+1)
			}
			name := m[2]
			duration := ""
			if dm := durationRe.FindStringSubmatch(name); dm != nil {
				duration = dm[1]
				name = strings.TrimSpace(strings.TrimSuffix(name, dm[0]))
			}
			cur = &PhaseRef{
				ID:        id,
				Num:       num,
				Name:      name,
				Duration:  duration,
				Line:      i + 1,
				bodyStart: i + 1,
			}
			ix.Phases = append(ix.Phases, cur)

		case taskRe.MatchString(line):
			if cur == nil {
				return nil, fmt.Errorf("%w: task header at line %d outside any phase", ErrMalformedPlan, i+1)
			}
			closeTask(i)
			inCriteria = false
			m := taskRe.FindStringSubmatch(line)
			id := m[1]
			if !strings.HasPrefix(id, cur.ID+".") {
				return nil, fmt.Errorf("%w: task %q at line %d references non-existent phase (expected phase %s)", ErrMalformedPlan, id, i+1, cur.ID)
			}
			if _, dup := cur.Task(id); dup {
				return nil, fmt.Errorf("%w: %w", ErrMalformedPlan, &DuplicateTaskIDError{PhaseID: cur.ID, ID: id, Line: i + 1})
			}
			curTask = &TaskRef{
				ID:        id,
				PhaseID:   cur.ID,
				Title:     m[2],
				Line:      i + 1,
				bodyStart: i + 1,
			}
			cur.Tasks = append(cur.Tasks, curTask)

		case dependsRe.MatchString(line):
			deps := parseDependsList(dependsRe.FindStringSubmatch(line)[1])
			switch {
			case curTask != nil:
				curTask.DependsOn = deps
			case cur != nil:
				cur.DependsOn = normalizePhaseDeps(deps)
			}

		case criteriaRe.MatchString(line):
			if cur != nil {
				closeTask(i)
				inCriteria = true
			}

		case inCriteria && criterionRe.MatchString(line):
			m := criterionRe.FindStringSubmatch(line)
			crit := ExitCriterion{
				Category: parseCriterionCategory(m[1]),
				Text:     m[2],
				Line:     i + 1,
			}
			if cm := checkRe.FindStringSubmatch(m[2]); cm != nil {
				crit.Check = cm[1]
			}
			if em := expectedRe.FindStringSubmatch(m[2]); em != nil {
				crit.Expected = strings.Trim(em[1], `"`)
			}
			cur.ExitCriteria = append(cur.ExitCriteria, crit)

		case inCriteria && strings.TrimSpace(line) != "" && !strings.HasPrefix(strings.TrimSpace(line), "-"):
			inCriteria = false
		}
	}
	closePhase(len(ix.lines))

	if len(ix.Phases) == 0 {
		return nil, fmt.Errorf("%w: no phase headers found", ErrMalformedPlan)
	}

	// Validate intra-phase task dependency references.
	for _, p := range ix.Phases {
		p.ContentHash = ContentHash(ix.PhaseBody(p))
		for _, t := range p.Tasks {
			for _, dep := range t.DependsOn {
				if _, ok := p.Task(dep); !ok {
					return nil, fmt.Errorf("%w: task %q depends on unknown task %q", ErrMalformedPlan, t.ID, dep)
				}
			}
		}
	}

	if err := ix.reconcileManifest(o); err != nil {
		return nil, err
	}

	classifyGateDepths(ix, o.defaultDepth)
	return ix, nil
}

// reconcileManifest applies manifest fields when the block is present, or
// marks the index as inferred when it is absent. A manifest that disagrees
// with the heading structure is a malformed plan.
func (ix *PlanIndex) reconcileManifest(o options) error {
	if ix.Manifest == nil {
		ix.Inferred = true
		return nil
	}
	m := ix.Manifest
	if m.Name != "" {
		ix.Name = m.Name
	}
	if len(m.Phases) != 0 && len(m.Phases) != len(ix.Phases) {
		return fmt.Errorf("%w: manifest declares %d phases, document has %d", ErrMalformedPlan, len(m.Phases), len(ix.Phases))
	}
	for _, mp := range m.Phases {
		p, ok := ix.Phase(mp.ID)
		if !ok {
			return fmt.Errorf("%w: manifest phase %q not present in document", ErrMalformedPlan, mp.ID)
		}
		if mp.Tasks != len(p.Tasks) {
			return fmt.Errorf("%w: manifest declares %d tasks for phase %s, document has %d", ErrMalformedPlan, mp.Tasks, mp.ID, len(p.Tasks))
		}
	}
	return nil
}

// Option configures indexing.
type Option func(*options)

type options struct {
	sourcePath   string
	defaultDepth GateDepth
}

// WithSourcePath records the originating file path in the index.
func WithSourcePath(path string) Option {
	return func(o *options) { o.sourcePath = path }
}

// WithDefaultGateDepth sets the fallback depth used when classification
// is ambiguous. The shipped default is GateLight.
func WithDefaultGateDepth(d GateDepth) Option {
	return func(o *options) { o.defaultDepth = d }
}

func parseDependsList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "(none)") {
		return nil
	}
	parts := strings.Split(s, ",")
	deps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			deps = append(deps, p)
		}
	}
	return deps
}

// normalizePhaseDeps reduces phase dependency tokens to bare phase ids.
// Authors write either "Phase 1" or "1"; downstream lookups expect ids.
func normalizePhaseDeps(deps []string) []string {
	for i, d := range deps {
		if len(d) > 5 && strings.EqualFold(d[:5], "phase") {
			deps[i] = strings.TrimSpace(d[5:])
		}
	}
	return deps
}

func parseCriterionCategory(tag string) CriterionCategory {
	switch strings.ToLower(tag) {
	case "automated", "auto":
		return CriterionAutomated
	case "semi", "semi-automated", "semiautomated":
		return CriterionSemiAutomated
	default:
		return CriterionSubjective
	}
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}
