// Package scheduler builds the two-layer execution graph over an indexed
// plan: an inter-phase graph from declared phase dependencies and, per
// phase, an intra-phase task graph partitioned into parallel waves.
package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/phaserun/phaserun/internal/plan"
)

// CyclicDependencyError reports a dependency cycle. Fatal: Build returns
// no partial graph alongside it.
type CyclicDependencyError struct {
	Layer string // "phase" or "task"
	Nodes []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic %s dependency involving: %s", e.Layer, strings.Join(e.Nodes, ", "))
}

// PhasePlan is the scheduled form of one phase: its tasks partitioned
// into waves. Every task in a wave has all dependencies in strictly
// earlier waves.
type PhasePlan struct {
	ID    string
	Waves [][]string
}

// TaskCount returns the number of tasks across all waves.
func (p *PhasePlan) TaskCount() int {
	n := 0
	for _, w := range p.Waves {
		n += len(w)
	}
	return n
}

// ExecutionGraph is the full schedule for a plan: phases in topological
// order, each with its wave partition.
type ExecutionGraph struct {
	PhaseOrder []string
	Phases     map[string]*PhasePlan
}

// Build resolves both graph layers for an indexed plan. Unknown
// dependency references and cycles are errors; cycles return
// *CyclicDependencyError and no partial graph.
func Build(ix *plan.PlanIndex) (*ExecutionGraph, error) {
	phaseOrder, err := orderPhases(ix)
	if err != nil {
		return nil, err
	}

	g := &ExecutionGraph{
		PhaseOrder: phaseOrder,
		Phases:     make(map[string]*PhasePlan, len(ix.Phases)),
	}
	for _, p := range ix.Phases {
		waves, err := buildWaves(p)
		if err != nil {
			return nil, err
		}
		g.Phases[p.ID] = &PhasePlan{ID: p.ID, Waves: waves}
	}
	return g, nil
}

// orderPhases topologically sorts the inter-phase layer. Cycle detection
// goes through toposort; the returned order is then recomputed with Kahn's
// algorithm picking the earliest-declared ready phase each step, so ties
// between valid topological orders always resolve to declaration order.
func orderPhases(ix *plan.PlanIndex) ([]string, error) {
	declIndex := make(map[string]int, len(ix.Phases))
	for i, p := range ix.Phases {
		declIndex[p.ID] = i
	}

	var edges []toposort.Edge
	for _, p := range ix.Phases {
		if len(p.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, p.ID})
			continue
		}
		for _, dep := range p.DependsOn {
			if _, ok := declIndex[dep]; !ok {
				return nil, fmt.Errorf("phase %q depends on non-existent phase %q", p.ID, dep)
			}
			edges = append(edges, toposort.Edge{dep, p.ID})
		}
	}

	if sorted, err := toposort.Toposort(edges); err != nil || countNonNil(sorted) != len(ix.Phases) {
		return nil, &CyclicDependencyError{Layer: "phase", Nodes: phaseCycleNodes(ix)}
	}

	inDegree := make(map[string]int, len(ix.Phases))
	for _, p := range ix.Phases {
		inDegree[p.ID] = len(p.DependsOn)
	}

	order := make([]string, 0, len(ix.Phases))
	done := make(map[string]bool, len(ix.Phases))
	for len(order) < len(ix.Phases) {
		next := ""
		for _, p := range ix.Phases { // declaration order
			if !done[p.ID] && inDegree[p.ID] == 0 {
				next = p.ID
				break
			}
		}
		if next == "" {
			// Unreachable after the toposort check above.
			return nil, &CyclicDependencyError{Layer: "phase", Nodes: phaseCycleNodes(ix)}
		}
		done[next] = true
		order = append(order, next)
		for _, p := range ix.Phases {
			if done[p.ID] {
				continue
			}
			for _, dep := range p.DependsOn {
				if dep == next {
					inDegree[p.ID]--
				}
			}
		}
	}
	return order, nil
}

// reachable reports whether from is a (transitive) dependency of to.
func reachable(ix *plan.PlanIndex, from, to string) bool {
	return reachableVisited(ix, from, to, map[string]bool{})
}

func reachableVisited(ix *plan.PlanIndex, from, to string, visited map[string]bool) bool {
	if visited[to] {
		return false
	}
	visited[to] = true
	p, ok := ix.Phase(to)
	if !ok {
		return false
	}
	for _, dep := range p.DependsOn {
		if dep == from || reachableVisited(ix, from, dep, visited) {
			return true
		}
	}
	return false
}

func countNonNil(vals []interface{}) int {
	n := 0
	for _, v := range vals {
		if v != nil {
			n++
		}
	}
	return n
}

// buildWaves partitions a phase's tasks into waves via Kahn levels.
// Within a wave, tasks keep their declaration order.
func buildWaves(p *plan.PhaseRef) ([][]string, error) {
	inDegree := make(map[string]int, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := p.Task(dep); !ok {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", t.ID, dep)
			}
		}
		inDegree[t.ID] = len(t.DependsOn)
	}

	var waves [][]string
	done := make(map[string]bool, len(p.Tasks))
	for len(done) < len(p.Tasks) {
		var wave []string
		for _, t := range p.Tasks { // declaration order
			if !done[t.ID] && inDegree[t.ID] == 0 {
				wave = append(wave, t.ID)
			}
		}
		if len(wave) == 0 {
			var remaining []string
			for _, t := range p.Tasks {
				if !done[t.ID] {
					remaining = append(remaining, t.ID)
				}
			}
			return nil, &CyclicDependencyError{Layer: "task", Nodes: remaining}
		}
		for _, id := range wave {
			done[id] = true
		}
		for _, t := range p.Tasks {
			if done[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				if containsID(wave, dep) {
					inDegree[t.ID]--
				}
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// phaseCycleNodes narrows a phase cycle to its participants: phases that
// can reach themselves through declared dependencies.
func phaseCycleNodes(ix *plan.PlanIndex) []string {
	var nodes []string
	for _, p := range ix.Phases {
		if reachable(ix, p.ID, p.ID) {
			nodes = append(nodes, p.ID)
		}
	}
	return nodes
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
