package plan

import (
	"fmt"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/zeebo/blake3"
)

// ContentHash returns the hex blake3 hash of the given text. Used for the
// plan's sourceContentHash and per-phase hashes that resume validation
// compares against.
func ContentHash(text string) string {
	sum := blake3.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum[:])
}

// StructuralHash hashes the index structure (phases, tasks, criteria,
// dependency lists) independently of source formatting. Two indexes of the
// same plan text always produce the same structural hash.
func (ix *PlanIndex) StructuralHash() (uint64, error) {
	type taskKey struct {
		ID        string
		Title     string
		DependsOn []string
	}
	type phaseKey struct {
		ID        string
		Name      string
		DependsOn []string
		Depth     GateDepth
		Tasks     []taskKey
		Criteria  []ExitCriterion
	}
	keys := make([]phaseKey, 0, len(ix.Phases))
	for _, p := range ix.Phases {
		pk := phaseKey{
			ID:        p.ID,
			Name:      p.Name,
			DependsOn: p.DependsOn,
			Depth:     p.GateDepth,
			Criteria:  p.ExitCriteria,
		}
		for _, t := range p.Tasks {
			pk.Tasks = append(pk.Tasks, taskKey{ID: t.ID, Title: t.Title, DependsOn: t.DependsOn})
		}
		keys = append(keys, pk)
	}
	return hashstructure.Hash(keys, hashstructure.FormatV2, nil)
}
