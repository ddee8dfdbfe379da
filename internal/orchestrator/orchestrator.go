// Package orchestrator drives a plan run end to end: one phase in
// flight at a time, waves dispatched inside it, a checkpoint written
// after every wave and every gate decision, and a bounded recovery
// ladder when a gate fails.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phaserun/phaserun/internal/checkpoint"
	"github.com/phaserun/phaserun/internal/classify"
	"github.com/phaserun/phaserun/internal/dispatch"
	"github.com/phaserun/phaserun/internal/events"
	"github.com/phaserun/phaserun/internal/executor"
	"github.com/phaserun/phaserun/internal/gate"
	"github.com/phaserun/phaserun/internal/history"
	"github.com/phaserun/phaserun/internal/plan"
	"github.com/phaserun/phaserun/internal/scheduler"
)

// StaleConflictError reports a checkpoint whose completed work no
// longer matches the plan. A completed phase with changed source is
// never silently re-run; the operator decides whether to discard the
// checkpoint.
type StaleConflictError struct {
	PhaseIDs []string
}

func (e *StaleConflictError) Error() string {
	return fmt.Sprintf("checkpoint conflict: completed phase(s) %s changed since the last run; discard the checkpoint to re-run them",
		strings.Join(e.PhaseIDs, ", "))
}

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
	RunCancelled RunStatus = "cancelled"
)

// HaltReport explains why a run stopped at a gate.
type HaltReport struct {
	PhaseID            string
	LastCompletedPhase string
	Decision           *gate.Decision
	Recovery           gate.Recovery
	Reason             string
}

// RunResult is the outcome of one Run call.
type RunResult struct {
	RunID      string
	PlanName   string
	Status     RunStatus
	Completed  []string // Phase ids completed, including prior runs
	Halt       *HaltReport
	Checkpoint *checkpoint.Checkpoint
	Duration   time.Duration
}

// Config holds run-level settings.
type Config struct {
	RunTimeout time.Duration // 0 means no deadline
}

// Orchestrator wires the dispatcher, checkpoint store, gate evaluator
// and optional audit trail together.
type Orchestrator struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	store      *checkpoint.Store
	evaluator  *gate.Evaluator
	audit      history.Store
	bus        *events.Bus
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory records the run in the audit trail.
func WithHistory(s history.Store) Option {
	return func(o *Orchestrator) { o.audit = s }
}

// WithBus publishes progress events.
func WithBus(b *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = b }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator.
func New(cfg Config, dispatcher *dispatch.Dispatcher, store *checkpoint.Store, evaluator *gate.Evaluator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		dispatcher: dispatcher,
		store:      store,
		evaluator:  evaluator,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the indexed plan to completion, a gate halt, or
// cancellation. Graph construction errors (unknown dependencies,
// cycles) are fatal and return before anything executes.
func (o *Orchestrator) Run(ctx context.Context, ix *plan.PlanIndex) (*RunResult, error) {
	graph, err := scheduler.Build(ix)
	if err != nil {
		return nil, err
	}

	if o.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancel()
	}

	started := time.Now()
	cp, err := o.loadOrCreate(ix)
	if err != nil {
		return nil, err
	}
	res := &RunResult{RunID: cp.ID, PlanName: ix.Name, Checkpoint: cp}

	o.beginAudit(ctx, cp, ix)
	o.publish(events.TopicRun, events.RunStartedEvent{
		RunID: cp.ID, PlanName: ix.Name, Phases: len(graph.PhaseOrder), Timestamp: time.Now(),
	})

	status := RunCompleted
	for _, phaseID := range graph.PhaseOrder {
		phase, _ := ix.Phase(phaseID)
		rec := cp.EnsurePhase(phaseID, phase.ContentHash)
		if rec.Status == plan.PhaseCompleted {
			continue
		}

		phaseStatus, halt := o.runPhase(ctx, ix, graph, phase, cp, rec)
		if halt != nil {
			halt.LastCompletedPhase = lastCompleted(cp, graph.PhaseOrder)
			res.Halt = halt
			status = RunHalted
			break
		}
		if phaseStatus == plan.PhaseCompleted {
			continue
		}
		// Cancellation: the in-flight wave finished and was
		// checkpointed before we got here.
		status = RunCancelled
		break
	}

	res.Status = status
	res.Duration = time.Since(started)
	for _, p := range cp.Phases {
		if p.Status == plan.PhaseCompleted {
			res.Completed = append(res.Completed, p.ID)
		}
	}

	o.finishAudit(ctx, cp.ID, string(status))
	o.publish(events.TopicRun, events.RunFinishedEvent{
		RunID: cp.ID, Status: string(status), Duration: res.Duration, Timestamp: time.Now(),
	})
	return res, nil
}

// loadOrCreate resumes from a checkpoint when one matches the plan, or
// starts fresh. A stale checkpoint is reconciled phase by phase: records
// whose content hash still matches survive, the rest reset. Completed
// work whose source changed is a conflict the operator must resolve.
func (o *Orchestrator) loadOrCreate(ix *plan.PlanIndex) (*checkpoint.Checkpoint, error) {
	structHash, serr := ix.StructuralHash()
	if serr != nil {
		o.logger.Warn("plan structural hash unavailable", "error", serr)
	}

	cp, found, err := o.store.Load(ix.ContentHash)
	var stale *checkpoint.StaleCheckpointError
	switch {
	case err != nil && errors.As(err, &stale):
		// The structural hash separates edits that reshape the plan
		// from edits confined to task bodies and prose.
		if cp.StructHash != 0 && cp.StructHash != structHash {
			o.logger.Warn("checkpoint is stale and the plan structure changed",
				"stored_hash", stale.StoredHash, "current_hash", stale.CurrentHash)
		} else {
			o.logger.Warn("checkpoint is stale, plan content changed without reshaping phases",
				"stored_hash", stale.StoredHash, "current_hash", stale.CurrentHash)
		}
		if err := o.reconcileStale(cp, ix); err != nil {
			return nil, err
		}
		cp.StructHash = structHash
		o.publish(events.TopicRun, events.RunResumedEvent{
			RunID: cp.ID, Stale: true, Timestamp: time.Now(),
		})
		return cp, nil
	case err != nil:
		o.logger.Warn("checkpoint unreadable, starting fresh", "error", err)
	case found:
		resetInFlight(cp)
		o.publish(events.TopicRun, events.RunResumedEvent{
			RunID: cp.ID, FromPhase: lastCompleted(cp, nil), Timestamp: time.Now(),
		})
		return cp, nil
	}
	fresh := checkpoint.New(ix.Name, ix.SourcePath, ix.ContentHash)
	fresh.StructHash = structHash
	return fresh, nil
}

// reconcileStale keeps phase records whose source text is unchanged and
// resets the rest. A changed phase that is only pending or in progress
// re-runs; a changed phase already marked completed is a conflict and
// stops the run before anything executes. The checkpoint adopts the new
// plan hash so subsequent saves validate.
func (o *Orchestrator) reconcileStale(cp *checkpoint.Checkpoint, ix *plan.PlanIndex) error {
	var conflicts []string
	kept := cp.Phases[:0]
	for _, rec := range cp.Phases {
		p, ok := ix.Phase(rec.ID)
		if !ok || p.ContentHash != rec.ContentHash {
			if rec.Status == plan.PhaseCompleted {
				conflicts = append(conflicts, rec.ID)
				continue
			}
			o.logger.Info("phase source changed, discarding its record", "phase", rec.ID)
			continue
		}
		kept = append(kept, rec)
	}
	if len(conflicts) > 0 {
		return &StaleConflictError{PhaseIDs: conflicts}
	}
	cp.Phases = kept
	cp.PlanHash = ix.ContentHash
	resetInFlight(cp)
	return nil
}

// resetInFlight returns interrupted work to pending. Completed tasks
// keep their status; anything in progress re-runs.
func resetInFlight(cp *checkpoint.Checkpoint) {
	for i := range cp.Phases {
		rec := &cp.Phases[i]
		if rec.Status == plan.PhaseInProgress || rec.Status == plan.PhaseGateEvaluating {
			rec.Status = plan.PhasePending
		}
		for j := range rec.Tasks {
			if rec.Tasks[j].Status == plan.TaskInProgress {
				rec.Tasks[j].Status = plan.TaskPending
			}
		}
	}
}

// runPhase dispatches the phase's waves and evaluates its gate. Returns
// the final phase status, plus a halt report when the gate escalates.
func (o *Orchestrator) runPhase(ctx context.Context, ix *plan.PlanIndex, graph *scheduler.ExecutionGraph, phase *plan.PhaseRef, cp *checkpoint.Checkpoint, rec *checkpoint.PhaseRecord) (plan.PhaseStatus, *HaltReport) {
	waves := graph.Phases[phase.ID].Waves
	rec.Status = plan.PhaseInProgress
	o.publish(events.TopicPhase, events.PhaseStartedEvent{
		PhaseID: phase.ID, Name: phase.Name, Waves: len(waves), Timestamp: time.Now(),
	})

	var results []dispatch.TaskResult
	for i, wave := range waves {
		tasks := o.waveTasks(ix, phase, rec, wave)
		if len(tasks) > 0 {
			results = mergeResults(results, o.dispatchWave(ctx, cp, rec, tasks))
			o.saveCheckpoint(cp, phase.ID)
		}
		o.publish(events.TopicPhase, events.WaveCompletedEvent{
			PhaseID: phase.ID, Wave: i + 1, Tasks: len(tasks), Timestamp: time.Now(),
		})
		if ctx.Err() != nil {
			return rec.Status, nil
		}
	}

	return o.evaluateGate(ctx, ix, phase, cp, rec, results)
}

// waveTasks builds the executor tasks for a wave, skipping tasks a
// resumed checkpoint already saw complete.
func (o *Orchestrator) waveTasks(ix *plan.PlanIndex, phase *plan.PhaseRef, rec *checkpoint.PhaseRecord, wave []string) []executor.Task {
	var tasks []executor.Task
	for _, id := range wave {
		if tr, ok := rec.Task(id); ok && tr.Status == plan.TaskCompleted {
			continue
		}
		t, ok := phase.Task(id)
		if !ok {
			continue
		}
		body := ix.TaskBody(t)
		tasks = append(tasks, executor.Task{
			ID:      t.ID,
			PhaseID: phase.ID,
			Title:   t.Title,
			Kind:    classify.Classify(body),
			Body:    body,
		})
	}
	return tasks
}

// dispatchWave runs one wave and folds its results into the checkpoint:
// task records, output files and the shared artifact registry.
func (o *Orchestrator) dispatchWave(ctx context.Context, cp *checkpoint.Checkpoint, rec *checkpoint.PhaseRecord, tasks []executor.Task) []dispatch.TaskResult {
	for _, t := range tasks {
		o.publish(events.TopicTask, events.TaskDispatchedEvent{
			ID: t.ID, Kind: string(t.Kind), Timestamp: time.Now(),
		})
	}

	results := o.dispatcher.RunWave(ctx, tasks)
	for _, r := range results {
		o.recordResult(cp, rec, r)
		o.publish(events.TopicTask, events.TaskFinishedEvent{
			ID: r.TaskID, Status: string(r.Status), Attempts: r.Attempts,
			Duration: r.Duration, Timestamp: time.Now(),
		})
		if r.Status == plan.TaskEscalated {
			o.publish(events.TopicTask, events.TaskEscalatedEvent{
				ID: r.TaskID, Attempts: r.Attempts, Err: r.Err, Timestamp: time.Now(),
			})
		}
		if o.audit != nil {
			if err := o.audit.RecordAttempt(ctx, cp.ID, history.AttemptFromResult(r)); err != nil {
				o.logger.Warn("audit record failed", "task", r.TaskID, "error", err)
			}
		}
	}
	return results
}

// recordResult updates the phase record for one task result. Raw output
// goes to an artifact file; the checkpoint keeps only the reference.
func (o *Orchestrator) recordResult(cp *checkpoint.Checkpoint, rec *checkpoint.PhaseRecord, r dispatch.TaskResult) {
	tr, ok := rec.Task(r.TaskID)
	if !ok {
		rec.Tasks = append(rec.Tasks, checkpoint.TaskRecord{ID: r.TaskID})
		tr = &rec.Tasks[len(rec.Tasks)-1]
	}
	tr.Status = r.Status
	tr.Attempts = r.Attempts
	tr.Error = ""
	if r.Err != nil {
		tr.Error = r.Err.Error()
	}

	if r.Output != "" {
		path, err := o.store.WriteArtifact(r.TaskID, []byte(r.Output))
		if err != nil {
			o.logger.Warn("writing task output failed", "task", r.TaskID, "error", err)
		} else {
			tr.OutputFile = path
		}
	}

	tr.Artifacts = tr.Artifacts[:0]
	for _, a := range r.Artifacts {
		tr.Artifacts = append(tr.Artifacts, checkpoint.ArtifactRef{
			Name: a.Name, Path: a.Path, Value: a.Value,
		})
		val := a.Value
		if val == "" {
			val = a.Path
		}
		cp.Artifacts[a.Name] = val
	}
}

// evaluateGate runs the gate, descending the recovery ladder on FAIL:
// one transient re-evaluation, then a re-dispatch of the producing
// tasks, then escalation to the operator.
func (o *Orchestrator) evaluateGate(ctx context.Context, ix *plan.PlanIndex, phase *plan.PhaseRef, cp *checkpoint.Checkpoint, rec *checkpoint.PhaseRecord, results []dispatch.TaskResult) (plan.PhaseStatus, *HaltReport) {
	for attempt := 0; ; attempt++ {
		rec.Status = plan.PhaseGateEvaluating
		decision := o.evaluator.Evaluate(ctx, ix, phase, ix.PhaseAfter(phase.ID), results, cp.Artifacts)
		cp.Gates = append(cp.Gates, toGateRecord(decision))
		if o.audit != nil {
			if err := o.audit.RecordGate(ctx, cp.ID, history.GateDecisionFromDecision(decision)); err != nil {
				o.logger.Warn("audit gate record failed", "phase", phase.ID, "error", err)
			}
		}
		o.publish(events.TopicGate, events.GateDecidedEvent{
			PhaseID: phase.ID, Status: string(decision.Status), Depth: string(decision.Depth),
			Risks: len(decision.Risks), Timestamp: time.Now(),
		})

		switch decision.Status {
		case gate.StatusPass, gate.StatusWarn:
			if decision.Status == gate.StatusWarn {
				for _, risk := range decision.Risks {
					o.logger.Warn("advancing with open risk",
						"phase", phase.ID, "risk", risk.ID, "severity", string(risk.Severity),
						"description", risk.Description)
				}
			}
			rec.Status = plan.PhaseCompleted
			o.saveCheckpoint(cp, phase.ID)
			o.publish(events.TopicPhase, events.PhaseCompletedEvent{PhaseID: phase.ID, Timestamp: time.Now()})
			return plan.PhaseCompleted, nil
		}

		o.saveCheckpoint(cp, phase.ID)
		if ctx.Err() != nil {
			rec.Status = plan.PhaseInProgress
			return rec.Status, nil
		}

		recovery := gate.NextRecovery(attempt, decision)
		switch recovery.Action {
		case gate.RecoveryRetryTransient:
			o.logger.Info("gate failed, re-evaluating once", "phase", phase.ID)
			continue

		case gate.RecoveryRedispatch:
			o.logger.Info("gate failed, re-dispatching producing tasks",
				"phase", phase.ID, "tasks", recovery.TaskIDs)
			tasks := o.waveTasksForRetry(ix, phase, recovery.TaskIDs)
			results = mergeResults(results, o.dispatchWave(ctx, cp, rec, tasks))
			o.saveCheckpoint(cp, phase.ID)
			continue

		default:
			rec.Status = plan.PhaseBlocked
			o.saveCheckpoint(cp, phase.ID)
			o.publish(events.TopicPhase, events.PhaseBlockedEvent{
				PhaseID: phase.ID, Reason: "gate failed after recovery attempts", Timestamp: time.Now(),
			})
			return plan.PhaseBlocked, &HaltReport{
				PhaseID:  phase.ID,
				Decision: decision,
				Recovery: recovery,
				Reason:   "gate failed after recovery attempts",
			}
		}
	}
}

// waveTasksForRetry rebuilds executor tasks for an explicit id list,
// ignoring completed status since the gate judged their output bad.
func (o *Orchestrator) waveTasksForRetry(ix *plan.PlanIndex, phase *plan.PhaseRef, ids []string) []executor.Task {
	var tasks []executor.Task
	for _, id := range ids {
		t, ok := phase.Task(id)
		if !ok {
			continue
		}
		body := ix.TaskBody(t)
		tasks = append(tasks, executor.Task{
			ID:      t.ID,
			PhaseID: phase.ID,
			Title:   t.Title,
			Kind:    classify.Classify(body),
			Body:    body,
		})
	}
	return tasks
}

func (o *Orchestrator) saveCheckpoint(cp *checkpoint.Checkpoint, phaseID string) {
	if err := o.store.Save(cp); err != nil {
		o.logger.Error("checkpoint save failed", "phase", phaseID, "error", err)
		return
	}
	o.publish(events.TopicRun, events.CheckpointSavedEvent{
		RunID: cp.ID, PhaseID: phaseID, Path: o.store.Path(), Timestamp: time.Now(),
	})
}

func (o *Orchestrator) publish(topic string, ev events.Event) {
	if o.bus != nil {
		o.bus.Publish(topic, ev)
	}
}

func (o *Orchestrator) beginAudit(ctx context.Context, cp *checkpoint.Checkpoint, ix *plan.PlanIndex) {
	if o.audit == nil {
		return
	}
	err := o.audit.BeginRun(ctx, history.Run{ID: cp.ID, PlanName: ix.Name, PlanHash: ix.ContentHash})
	if err != nil {
		o.logger.Warn("audit begin failed", "error", err)
	}
}

func (o *Orchestrator) finishAudit(ctx context.Context, runID, status string) {
	if o.audit == nil {
		return
	}
	if err := o.audit.FinishRun(ctx, runID, status); err != nil {
		o.logger.Warn("audit finish failed", "error", err)
	}
}

// mergeResults overlays newer task results onto older ones by task id.
func mergeResults(old, fresh []dispatch.TaskResult) []dispatch.TaskResult {
	for _, r := range fresh {
		replaced := false
		for i := range old {
			if old[i].TaskID == r.TaskID {
				old[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			old = append(old, r)
		}
	}
	return old
}

// lastCompleted returns the latest completed phase in graph order, or
// checkpoint order when no ordering is given.
func lastCompleted(cp *checkpoint.Checkpoint, order []string) string {
	if order == nil {
		last := ""
		for _, p := range cp.Phases {
			if p.Status == plan.PhaseCompleted {
				last = p.ID
			}
		}
		return last
	}
	last := ""
	for _, id := range order {
		if p, ok := cp.Phase(id); ok && p.Status == plan.PhaseCompleted {
			last = id
		}
	}
	return last
}

func toGateRecord(d *gate.Decision) checkpoint.GateRecord {
	rec := checkpoint.GateRecord{
		PhaseID:   d.PhaseID,
		Status:    string(d.Status),
		Depth:     string(d.Depth),
		Timestamp: d.Timestamp,
	}
	for _, r := range d.Risks {
		rec.Risks = append(rec.Risks, checkpoint.RiskRecord{
			ID: r.ID, Severity: string(r.Severity), Category: r.Category,
			Description: r.Description, Recommendation: r.Recommendation,
		})
	}
	for _, t := range d.TestResults {
		rec.Tests = append(rec.Tests, checkpoint.TestRecord{
			Name: t.Name, Kind: string(t.Kind), Passed: t.Passed, Detail: t.Detail,
		})
	}
	return rec
}
