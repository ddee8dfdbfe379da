package gate

// RecoveryAction is one rung of the bounded recovery ladder a FAIL
// decision triggers.
type RecoveryAction int

const (
	// RecoveryRetryTransient re-evaluates the gate once, covering
	// transient check failures.
	RecoveryRetryTransient RecoveryAction = iota
	// RecoveryRedispatch re-runs the specific tasks that produced the
	// failing artifacts or risks.
	RecoveryRedispatch
	// RecoveryEscalate hands the failure to the operator with full risk
	// detail. The ladder ends here.
	RecoveryEscalate
)

// String names the action for logs and reports.
func (a RecoveryAction) String() string {
	switch a {
	case RecoveryRetryTransient:
		return "retry_transient"
	case RecoveryRedispatch:
		return "redispatch_tasks"
	default:
		return "escalate_operator"
	}
}

// Recovery is the next step after a FAIL decision.
type Recovery struct {
	Action  RecoveryAction
	TaskIDs []string // Tasks to re-dispatch for RecoveryRedispatch
}

// NextRecovery returns the ladder rung for the given failure attempt
// (0-based): retry once, then re-dispatch the producing tasks, then
// escalate.
func NextRecovery(attempt int, d *Decision) Recovery {
	switch attempt {
	case 0:
		return Recovery{Action: RecoveryRetryTransient}
	case 1:
		ids := failingTaskIDs(d)
		if len(ids) == 0 {
			return Recovery{Action: RecoveryEscalate}
		}
		return Recovery{Action: RecoveryRedispatch, TaskIDs: ids}
	default:
		return Recovery{Action: RecoveryEscalate}
	}
}

// failingTaskIDs collects the tasks attributable to the failure: risk
// carriers and producers of failed contract artifacts.
func failingTaskIDs(d *Decision) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, r := range d.Risks {
		if r.Severity == SeverityHigh {
			add(r.TaskID)
		}
	}
	for _, t := range d.TestResults {
		if !t.Passed {
			add(t.Producer)
		}
	}
	return ids
}
