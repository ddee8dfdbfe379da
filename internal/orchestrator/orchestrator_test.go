package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/phaserun/phaserun/internal/checkpoint"
	"github.com/phaserun/phaserun/internal/dispatch"
	"github.com/phaserun/phaserun/internal/events"
	"github.com/phaserun/phaserun/internal/executor"
	"github.com/phaserun/phaserun/internal/gate"
	"github.com/phaserun/phaserun/internal/history"
	"github.com/phaserun/phaserun/internal/plan"
)

const twoPhasePlan = `# Plan: Two Phase

## Phase 1: Alpha (1d)

### Task 1.1: First step
Run ` + "`echo one`" + `.

### Task 1.2: Second step
Run ` + "`echo two`" + `.

Exit Criteria:
- [automated] Alpha built, checked by ` + "`check alpha`" + `

## Phase 2: Beta (1d)
Depends-on: Phase 1

### Task 2.1: Third step
Run ` + "`echo three`" + `.

### Task 2.2: Flaky step
Run ` + "`echo four`" + `.

Exit Criteria:
- [automated] Beta done, checked by ` + "`check beta`" + `
`

// scriptedExec fails each task a scripted number of times, then
// succeeds and optionally fires a side effect on every call.
type scriptedExec struct {
	mu     sync.Mutex
	fails  map[string]int
	calls  map[string]int
	onCall func(taskID string)
}

func newScriptedExec() *scriptedExec {
	return &scriptedExec{fails: map[string]int{}, calls: map[string]int{}}
}

func (s *scriptedExec) Execute(_ context.Context, t executor.Task) (executor.Result, error) {
	s.mu.Lock()
	s.calls[t.ID]++
	n := s.calls[t.ID]
	s.mu.Unlock()

	if s.onCall != nil {
		s.onCall(t.ID)
	}
	if n <= s.fails[t.ID] {
		return executor.Result{}, errors.New("transient failure")
	}
	res := executor.Result{TaskID: t.ID, Output: "done " + t.ID}
	if t.ID == "1.1" {
		res.Artifacts = []executor.Artifact{{Name: "bundle", Value: "v1"}}
	}
	return res, nil
}

func (s *scriptedExec) callCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *scriptedExec) totalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

type gateRunner struct {
	mu   sync.Mutex
	errs map[string]error
}

func (g *gateRunner) Run(_ context.Context, command string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[command]; err != nil {
		return "", err
	}
	return "ok", nil
}

type fixture struct {
	ix    *plan.PlanIndex
	exec  *scriptedExec
	store *checkpoint.Store
	bus   *events.Bus
	orch  *Orchestrator
}

func newFixture(t *testing.T, planText, dir string, runnerErrs map[string]error) *fixture {
	t.Helper()

	ix, err := plan.Index(planText, plan.WithSourcePath("plan.md"))
	if err != nil {
		t.Fatalf("Index: %v", err)
	}

	exec := newScriptedExec()
	reg := executor.NewRegistry()
	reg.SetGeneric(exec)

	d := dispatch.New(dispatch.Config{
		MaxParallel: 4,
		TaskTimeout: 5 * time.Second,
		Retry: dispatch.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     4 * time.Millisecond,
			Multiplier:      2.0,
		},
	}, reg)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := checkpoint.NewStore(dir, logger)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	ev := gate.NewEvaluator(&gateRunner{errs: runnerErrs}, gate.WithLogger(logger))
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	orch := New(Config{}, d, store, ev, WithBus(bus), WithLogger(logger))
	return &fixture{ix: ix, exec: exec, store: store, bus: bus, orch: orch}
}

func TestRunCompletesAllPhases(t *testing.T) {
	f := newFixture(t, twoPhasePlan, t.TempDir(), nil)
	f.exec.fails["2.2"] = 2 // Recovers on the third attempt

	audit, err := history.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	defer audit.Close()
	f.orch.audit = audit

	saved := f.bus.Subscribe(events.TopicRun, 64)

	res, err := f.orch.Run(context.Background(), f.ix)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s, want completed (halt: %+v)", res.Status, res.Halt)
	}
	if len(res.Completed) != 2 {
		t.Errorf("completed phases = %v, want [1 2]", res.Completed)
	}

	// One write per wave plus one per gate decision: two phases with a
	// single wave each.
	checkpoints := 0
	for done := false; !done; {
		select {
		case ev := <-saved:
			if ev.EventType() == events.EventTypeCheckpointSaved {
				checkpoints++
			}
		default:
			done = true
		}
	}
	if checkpoints != 4 {
		t.Errorf("checkpoint writes = %d, want 4", checkpoints)
	}

	cp := res.Checkpoint
	if len(cp.Gates) != 2 {
		t.Errorf("gate records = %d, want 2", len(cp.Gates))
	}
	p2, _ := cp.Phase("2")
	if tr, ok := p2.Task("2.2"); !ok || tr.Attempts != 3 {
		t.Errorf("task 2.2 record = %+v, want attempts 3", tr)
	}
	if cp.Artifacts["bundle"] != "v1" {
		t.Errorf("artifact registry = %v, want bundle=v1", cp.Artifacts)
	}
	if sh, err := f.ix.StructuralHash(); err != nil || cp.StructHash != sh {
		t.Errorf("checkpoint StructHash = %d, want %d (err %v)", cp.StructHash, sh, err)
	}

	atts, err := audit.Attempts(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(atts) != 4 {
		t.Errorf("audit attempts = %d, want 4", len(atts))
	}
	decisions, err := audit.GateDecisions(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("GateDecisions: %v", err)
	}
	if len(decisions) != 2 {
		t.Errorf("audit gate decisions = %d, want 2", len(decisions))
	}
}

func TestRunHaltsWhenGateEscalates(t *testing.T) {
	f := newFixture(t, twoPhasePlan, t.TempDir(), map[string]error{
		"check beta": errors.New("exit status 1"),
	})

	res, err := f.orch.Run(context.Background(), f.ix)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunHalted {
		t.Fatalf("status = %s, want halted", res.Status)
	}
	if res.Halt == nil || res.Halt.PhaseID != "2" {
		t.Fatalf("halt = %+v, want phase 2", res.Halt)
	}
	if res.Halt.LastCompletedPhase != "1" {
		t.Errorf("last completed phase = %q, want 1", res.Halt.LastCompletedPhase)
	}
	if res.Halt.Recovery.Action != gate.RecoveryEscalate {
		t.Errorf("recovery action = %s, want escalate_operator", res.Halt.Recovery.Action)
	}
	if res.Halt.Decision.HighestSeverity() != gate.SeverityHigh {
		t.Errorf("decision severity = %s, want high", res.Halt.Decision.HighestSeverity())
	}

	p2, _ := res.Checkpoint.Phase("2")
	if p2.Status != plan.PhaseBlocked {
		t.Errorf("phase 2 status = %s, want blocked", p2.Status)
	}
	// The ladder retried the gate once before escalating.
	phase2Gates := 0
	for _, g := range res.Checkpoint.Gates {
		if g.PhaseID == "2" {
			phase2Gates++
		}
	}
	if phase2Gates != 2 {
		t.Errorf("phase 2 gate decisions = %d, want 2", phase2Gates)
	}
}

func TestResumeSkipsCompletedPhases(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, twoPhasePlan, dir, nil)

	if _, err := f.orch.Run(context.Background(), f.ix); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	firstCalls := f.exec.totalCalls()

	f2 := newFixture(t, twoPhasePlan, dir, nil)
	res, err := f2.orch.Run(context.Background(), f2.ix)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if firstCalls != 4 {
		t.Errorf("first run executed %d tasks, want 4", firstCalls)
	}
	if got := f2.exec.totalCalls(); got != 0 {
		t.Errorf("resume executed %d tasks, want 0", got)
	}
}

func TestResumeRerunsInterruptedTasks(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, twoPhasePlan, dir, nil)

	// Seed a checkpoint as if the run died mid-phase-2: 2.1 done, 2.2
	// still marked in progress.
	cp := checkpoint.New(f.ix.Name, "plan.md", f.ix.ContentHash)
	p1, _ := f.ix.Phase("1")
	p2, _ := f.ix.Phase("2")
	r1 := cp.EnsurePhase("1", p1.ContentHash)
	r1.Status = plan.PhaseCompleted
	r1.Tasks = []checkpoint.TaskRecord{
		{ID: "1.1", Status: plan.TaskCompleted, Attempts: 1},
		{ID: "1.2", Status: plan.TaskCompleted, Attempts: 1},
	}
	r2 := cp.EnsurePhase("2", p2.ContentHash)
	r2.Status = plan.PhaseInProgress
	r2.Tasks = []checkpoint.TaskRecord{
		{ID: "2.1", Status: plan.TaskCompleted, Attempts: 1},
		{ID: "2.2", Status: plan.TaskInProgress},
	}
	if err := f.store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := f.orch.Run(context.Background(), f.ix)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if n := f.exec.callCount("2.2"); n != 1 {
		t.Errorf("task 2.2 ran %d times, want 1", n)
	}
	for _, id := range []string{"1.1", "1.2", "2.1"} {
		if n := f.exec.callCount(id); n != 0 {
			t.Errorf("task %s ran %d times, want 0", id, n)
		}
	}
}

// A checkpoint saved before any artifact existed omits the registry from
// its JSON. A run resumed from it must still register artifacts produced
// after the resume.
func TestResumeRegistersNewArtifacts(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, twoPhasePlan, dir, nil)

	// Run died mid-phase-1 before 1.1 ever published its artifact.
	cp := checkpoint.New(f.ix.Name, "plan.md", f.ix.ContentHash)
	p1, _ := f.ix.Phase("1")
	r1 := cp.EnsurePhase("1", p1.ContentHash)
	r1.Status = plan.PhaseInProgress
	r1.Tasks = []checkpoint.TaskRecord{
		{ID: "1.1", Status: plan.TaskInProgress},
		{ID: "1.2", Status: plan.TaskCompleted, Attempts: 1},
	}
	if err := f.store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := f.orch.Run(context.Background(), f.ix)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if n := f.exec.callCount("1.1"); n != 1 {
		t.Errorf("task 1.1 ran %d times, want 1", n)
	}

	loaded, found, err := f.store.Load(f.ix.ContentHash)
	if err != nil || !found {
		t.Fatalf("Load: found=%v, err=%v", found, err)
	}
	if got := loaded.Artifacts["bundle"]; got != "v1" {
		t.Errorf("artifact bundle = %q, want v1", got)
	}
}

// A stale checkpoint whose changed phase never completed is reconciled:
// untouched completed phases survive, the changed one re-runs in full.
func TestStaleCheckpointKeepsUnchangedPhases(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, twoPhasePlan, dir, nil)

	// Seed as if the plan was edited while the run sat interrupted
	// mid-phase-2: phase 1's source still matches, phase 2's does not.
	cp := checkpoint.New(f.ix.Name, "plan.md", "old-hash")
	p1, _ := f.ix.Phase("1")
	r1 := cp.EnsurePhase("1", p1.ContentHash)
	r1.Status = plan.PhaseCompleted
	r1.Tasks = []checkpoint.TaskRecord{
		{ID: "1.1", Status: plan.TaskCompleted, Attempts: 1},
		{ID: "1.2", Status: plan.TaskCompleted, Attempts: 1},
	}
	r2 := cp.EnsurePhase("2", "outdated-hash")
	r2.Status = plan.PhaseInProgress
	r2.Tasks = []checkpoint.TaskRecord{
		{ID: "2.1", Status: plan.TaskCompleted, Attempts: 1},
		{ID: "2.2", Status: plan.TaskInProgress},
	}
	if err := f.store.Save(cp); err != nil {
		t.Fatalf("Save: %v", err)
	}

	res, err := f.orch.Run(context.Background(), f.ix)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	for _, id := range []string{"1.1", "1.2"} {
		if n := f.exec.callCount(id); n != 0 {
			t.Errorf("task %s re-ran %d times after stale resume, want 0", id, n)
		}
	}
	for _, id := range []string{"2.1", "2.2"} {
		if n := f.exec.callCount(id); n != 1 {
			t.Errorf("task %s ran %d times, want 1", id, n)
		}
	}
}

// Changed source under a phase already marked completed is never
// silently re-run. The run stops before dispatching anything and names
// the conflicting phase.
func TestStaleCheckpointConflictOnCompletedPhase(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, twoPhasePlan, dir, nil)
	if _, err := f.orch.Run(context.Background(), f.ix); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Edit phase 2's task body. Phase 2 completed in the first run, so
	// the resume must surface the conflict instead of reconciling.
	edited := twoPhasePlan[:len(twoPhasePlan)-1] + "\nUpdated instructions.\n"
	f2 := newFixture(t, edited, dir, nil)
	res, err := f2.orch.Run(context.Background(), f2.ix)
	if res != nil || err == nil {
		t.Fatalf("Run = %+v, %v; want nil result and conflict error", res, err)
	}
	var conflict *StaleConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want *StaleConflictError", err)
	}
	if len(conflict.PhaseIDs) != 1 || conflict.PhaseIDs[0] != "2" {
		t.Errorf("conflicting phases = %v, want [2]", conflict.PhaseIDs)
	}
	if n := f2.exec.totalCalls(); n != 0 {
		t.Errorf("%d tasks ran despite the conflict, want 0", n)
	}

	// Discarding the checkpoint is the explicit override.
	if err := f2.store.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	res, err = f2.orch.Run(context.Background(), f2.ix)
	if err != nil {
		t.Fatalf("Run after discard: %v", err)
	}
	if res.Status != RunCompleted {
		t.Errorf("status after discard = %s, want completed", res.Status)
	}
}

func TestCancellationCheckpointsAfterWave(t *testing.T) {
	f := newFixture(t, twoPhasePlan, t.TempDir(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.exec.onCall = func(taskID string) {
		if taskID == "1.1" {
			cancel()
		}
	}

	res, err := f.orch.Run(ctx, f.ix)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != RunCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}

	// The in-flight wave was finished and checkpointed before stopping.
	if _, err := os.Stat(f.store.Path()); err != nil {
		t.Errorf("no checkpoint written: %v", err)
	}
	p1, ok := res.Checkpoint.Phase("1")
	if !ok {
		t.Fatal("phase 1 missing from checkpoint")
	}
	if p1.Status == plan.PhaseCompleted {
		t.Error("cancelled phase marked completed")
	}
}
