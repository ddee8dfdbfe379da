package plan

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	artifactRefRe = regexp.MustCompile(`(?i)artifact[:\s]+([A-Za-z0-9_.-]+)\s+from\s+Phase\s+([0-9]+(?:\.[0-9]+)?)|artifact:([A-Za-z0-9_.-]+)`)
	deployRe      = regexp.MustCompile(`(?i)\b(deploy(ed|ment)?|release[sd]?|rollout|roll(ed)?\s+out|go[- ]live|production)\b`)
	verifyNameRe  = regexp.MustCompile(`(?i)\b(verif(y|ication)|validat(e|ion)|audit|review)\b`)
)

// classifyGateDepths assigns a gate depth to every phase. A depth declared
// in the manifest wins; otherwise content hints decide, in order:
//
//	pure verification phase               -> NONE
//	deployment-style exit criteria        -> DEEP
//	references artifacts of earlier phase -> STANDARD
//	no declared phase dependency          -> LIGHT
//	otherwise                             -> the configured fallback
func classifyGateDepths(ix *PlanIndex, fallback GateDepth) {
	declared := GateDepth("")
	if ix.Manifest != nil {
		if d, ok := ParseGateDepth(ix.Manifest.GateDepth); ok {
			declared = d
		}
	}

	for _, p := range ix.Phases {
		if declared != "" {
			p.GateDepth = declared
			continue
		}
		p.GateDepth = classifyPhaseDepth(ix, p, fallback)
	}
}

func classifyPhaseDepth(ix *PlanIndex, p *PhaseRef, fallback GateDepth) GateDepth {
	if isVerificationPhase(p) {
		return GateNone
	}
	for _, c := range p.ExitCriteria {
		if deployRe.MatchString(c.Text) {
			return GateDeep
		}
	}
	if referencesEarlierArtifacts(ix, p) {
		return GateStandard
	}
	if len(p.DependsOn) == 0 {
		return GateLight
	}
	return fallback
}

// isVerificationPhase reports whether a phase only verifies prior work:
// its name reads as verification and none of its tasks produce anything
// beyond checks.
func isVerificationPhase(p *PhaseRef) bool {
	if !verifyNameRe.MatchString(p.Name) {
		return false
	}
	for _, c := range p.ExitCriteria {
		if deployRe.MatchString(c.Text) {
			return false
		}
	}
	return true
}

// referencesEarlierArtifacts reports whether any task body in p refers to
// an artifact produced by a strictly earlier phase.
func referencesEarlierArtifacts(ix *PlanIndex, p *PhaseRef) bool {
	for _, t := range p.Tasks {
		body := ix.TaskBody(t)
		for _, m := range artifactRefRe.FindAllStringSubmatch(body, -1) {
			if m[2] != "" {
				if num, err := strconv.ParseFloat(m[2], 64); err == nil && num < p.Num {
					return true
				}
				continue
			}
			// Bare artifact:NAME reference counts when an earlier phase
			// declares the same artifact name.
			name := m[3]
			if name != "" && declaredByEarlierPhase(ix, p, name) {
				return true
			}
		}
	}
	return false
}

func declaredByEarlierPhase(ix *PlanIndex, p *PhaseRef, name string) bool {
	for _, other := range ix.Phases {
		if other.Num >= p.Num {
			continue
		}
		for _, t := range other.Tasks {
			if strings.Contains(ix.TaskBody(t), "artifact:"+name) {
				return true
			}
		}
	}
	return false
}

// ArtifactRefs returns the artifact names referenced in the given body.
func ArtifactRefs(body string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range artifactRefRe.FindAllStringSubmatch(body, -1) {
		name := m[1]
		if name == "" {
			name = m[3]
		}
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
