// Package report renders run outcomes, gate decisions and progress
// events for the terminal.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/phaserun/phaserun/internal/events"
	"github.com/phaserun/phaserun/internal/gate"
	"github.com/phaserun/phaserun/internal/orchestrator"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "pass":
		return StylePass
	case "warn", "cancelled":
		return StyleWarn
	case "halted", "blocked", "fail", "escalated", "failed":
		return StyleFail
	}
	return StylePending
}

// RenderRunSummary renders the closing summary of a run.
func RenderRunSummary(res *orchestrator.RunResult) string {
	var b strings.Builder

	b.WriteString(StyleTitle.Render(fmt.Sprintf("Plan: %s", res.PlanName)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Status:   %s\n", statusStyle(string(res.Status)).Render(string(res.Status))))
	b.WriteString(fmt.Sprintf("Duration: %s\n", res.Duration.Round(time.Millisecond)))

	if len(res.Completed) > 0 {
		b.WriteString(fmt.Sprintf("Phases:   %s completed\n", humanize.Comma(int64(len(res.Completed)))))
	}

	if cp := res.Checkpoint; cp != nil {
		b.WriteString(StyleDetail.Render(
			fmt.Sprintf("checkpoint %s saved %s", shortID(cp.ID), humanize.Time(cp.SavedAt))))
		b.WriteString("\n")
		for _, p := range cp.Phases {
			b.WriteString(fmt.Sprintf("  phase %-4s %s\n", p.ID,
				statusStyle(string(p.Status)).Render(string(p.Status))))
			for _, t := range p.Tasks {
				line := fmt.Sprintf("    task %-5s %s", t.ID,
					statusStyle(string(t.Status)).Render(string(t.Status)))
				if t.Attempts > 1 {
					line += StyleDetail.Render(fmt.Sprintf(" (%s attempt)", humanize.Ordinal(t.Attempts)))
				}
				b.WriteString(line + "\n")
			}
		}
	}

	if res.Halt != nil {
		b.WriteString("\n")
		b.WriteString(RenderHalt(res.Halt))
	}
	return b.String()
}

// RenderHalt renders the operator-facing halt report: where the run
// stopped, why the gate failed, and what to do next.
func RenderHalt(h *orchestrator.HaltReport) string {
	var b strings.Builder

	b.WriteString(StyleFail.Render(fmt.Sprintf("Run halted at phase %s", h.PhaseID)))
	b.WriteString("\n")
	if h.LastCompletedPhase != "" {
		b.WriteString(fmt.Sprintf("Last completed phase: %s\n", h.LastCompletedPhase))
	} else {
		b.WriteString("No phase completed.\n")
	}
	if h.Decision != nil {
		b.WriteString(RenderGate(h.Decision))
	}
	b.WriteString(StyleDetail.Render("Resolve the findings above and re-run; completed phases resume from the checkpoint."))
	b.WriteString("\n")
	return b.String()
}

// RenderGate renders one gate decision with its risks, contract tests
// and criterion outcomes.
func RenderGate(d *gate.Decision) string {
	var b strings.Builder

	header := fmt.Sprintf("Gate %s (%s): %s", d.PhaseID, d.Depth,
		statusStyle(string(d.Status)).Render(strings.ToUpper(string(d.Status))))
	b.WriteString(header + "\n")

	for _, c := range d.Criteria {
		mark := StylePass.Render("ok")
		switch c.Satisfied.String() {
		case "unsatisfied":
			mark = StyleFail.Render("unmet")
		case "unknown":
			mark = StyleWarn.Render("unknown")
		}
		b.WriteString(fmt.Sprintf("  [%s] %s %s\n", c.Criterion.Category, mark, c.Criterion.Text))
	}
	for _, t := range d.TestResults {
		mark := StylePass.Render("pass")
		if !t.Passed {
			mark = StyleFail.Render("fail")
		}
		b.WriteString(fmt.Sprintf("  contract/%s %s %s\n", t.Kind, mark, t.Name))
	}
	for _, r := range d.Risks {
		b.WriteString(fmt.Sprintf("  risk %s [%s] %s\n", r.ID,
			statusStyle(riskStatus(r.Severity)).Render(string(r.Severity)), r.Description))
		if r.Recommendation != "" {
			b.WriteString(StyleDetail.Render(fmt.Sprintf("            %s", r.Recommendation)))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func riskStatus(sev gate.Severity) string {
	switch sev {
	case gate.SeverityHigh:
		return "fail"
	case gate.SeverityMedium:
		return "warn"
	}
	return "pending"
}

// RenderEvent renders one progress event as a single line, or "" for
// events the progress stream does not surface.
func RenderEvent(ev events.Event) string {
	switch e := ev.(type) {
	case events.RunStartedEvent:
		return fmt.Sprintf("run %s started: %s (%d phases)", shortID(e.RunID), e.PlanName, e.Phases)
	case events.RunResumedEvent:
		if e.Stale {
			return StyleWarn.Render("resuming from stale checkpoint, unchanged phases only")
		}
		return fmt.Sprintf("resuming after phase %s", e.FromPhase)
	case events.PhaseStartedEvent:
		return fmt.Sprintf("phase %s: %s (%d waves)", e.PhaseID, e.Name, e.Waves)
	case events.WaveCompletedEvent:
		return StyleDetail.Render(fmt.Sprintf("  wave %d settled (%d tasks)", e.Wave, e.Tasks))
	case events.TaskFinishedEvent:
		return fmt.Sprintf("  task %s %s", e.ID, statusStyle(e.Status).Render(e.Status))
	case events.TaskEscalatedEvent:
		return StyleFail.Render(fmt.Sprintf("  task %s escalated after %d attempts", e.ID, e.Attempts))
	case events.GateDecidedEvent:
		return fmt.Sprintf("gate %s: %s", e.PhaseID, statusStyle(e.Status).Render(strings.ToUpper(e.Status)))
	case events.PhaseCompletedEvent:
		return StylePass.Render(fmt.Sprintf("phase %s completed", e.PhaseID))
	case events.PhaseBlockedEvent:
		return StyleFail.Render(fmt.Sprintf("phase %s blocked: %s", e.PhaseID, e.Reason))
	case events.RunFinishedEvent:
		return fmt.Sprintf("run finished: %s", statusStyle(e.Status).Render(e.Status))
	}
	return ""
}
