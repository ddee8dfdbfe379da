package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/phaserun/phaserun/internal/history"
)

// RenderRunHistory lists recorded runs oldest first.
func RenderRunHistory(runs []history.Run) string {
	if len(runs) == 0 {
		return "no recorded runs"
	}

	var b strings.Builder
	b.WriteString(StyleTitle.Render("Run history"))
	b.WriteString("\n")
	for _, r := range runs {
		line := fmt.Sprintf("%s  %-24s %s, started %s",
			shortID(r.ID), r.PlanName, statusStyle(r.Status).Render(r.Status),
			humanize.Time(r.StartedAt))
		if r.FinishedAt.Valid {
			line += fmt.Sprintf(", took %s", r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Millisecond))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// RenderRunDetail renders one run's task attempts and gate decisions.
func RenderRunDetail(run history.Run, atts []history.Attempt, gates []history.GateDecision) string {
	var b strings.Builder
	b.WriteString(StyleTitle.Render(fmt.Sprintf("Run %s: %s", shortID(run.ID), run.PlanName)))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Status: %s\n", statusStyle(run.Status).Render(run.Status)))

	for _, a := range atts {
		line := fmt.Sprintf("  task %-5s %-13s %s in %s",
			a.TaskID, a.Kind, statusStyle(a.Status).Render(a.Status),
			a.Duration.Round(time.Millisecond))
		if a.Attempts > 1 {
			line += fmt.Sprintf(" (%s attempt)", humanize.Ordinal(a.Attempts))
		}
		b.WriteString(line)
		b.WriteString("\n")
		if a.Error != "" {
			b.WriteString(StyleDetail.Render("        " + a.Error))
			b.WriteString("\n")
		}
	}
	for _, g := range gates {
		b.WriteString(fmt.Sprintf("  gate %-5s %s (%s, decided %s)\n",
			g.PhaseID, statusStyle(g.Status).Render(g.Status), g.Depth,
			humanize.Time(g.DecidedAt)))
	}
	return b.String()
}
