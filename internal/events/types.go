// Package events carries run progress notifications over a channel-based
// pub-sub bus. Consumers such as the CLI progress printer subscribe;
// the orchestrator publishes.
package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Subject() string // run, phase or task id the event is about
}

// Topic constants
const (
	TopicRun   = "run"
	TopicPhase = "phase"
	TopicTask  = "task"
	TopicGate  = "gate"
)

// Event type constants
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunFinished     = "run.finished"
	EventTypeRunResumed      = "run.resumed"
	EventTypeCheckpointSaved = "run.checkpoint_saved"
	EventTypePhaseStarted    = "phase.started"
	EventTypePhaseCompleted  = "phase.completed"
	EventTypePhaseBlocked    = "phase.blocked"
	EventTypeWaveCompleted   = "phase.wave_completed"
	EventTypeTaskDispatched  = "task.dispatched"
	EventTypeTaskFinished    = "task.finished"
	EventTypeTaskEscalated   = "task.escalated"
	EventTypeGateDecided     = "gate.decided"
)

// RunStartedEvent is published when a plan run begins.
type RunStartedEvent struct {
	RunID     string
	PlanName  string
	Phases    int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) Subject() string   { return e.RunID }

// RunResumedEvent is published when a run continues from a checkpoint.
type RunResumedEvent struct {
	RunID     string
	FromPhase string
	Stale     bool
	Timestamp time.Time
}

func (e RunResumedEvent) EventType() string { return EventTypeRunResumed }
func (e RunResumedEvent) Subject() string   { return e.RunID }

// RunFinishedEvent is published when a run reaches a terminal state.
type RunFinishedEvent struct {
	RunID     string
	Status    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) Subject() string   { return e.RunID }

// CheckpointSavedEvent is published after each checkpoint write.
type CheckpointSavedEvent struct {
	RunID     string
	PhaseID   string
	Path      string
	Timestamp time.Time
}

func (e CheckpointSavedEvent) EventType() string { return EventTypeCheckpointSaved }
func (e CheckpointSavedEvent) Subject() string   { return e.RunID }

// PhaseStartedEvent is published when a phase enters execution.
type PhaseStartedEvent struct {
	PhaseID   string
	Name      string
	Waves     int
	Timestamp time.Time
}

func (e PhaseStartedEvent) EventType() string { return EventTypePhaseStarted }
func (e PhaseStartedEvent) Subject() string   { return e.PhaseID }

// PhaseCompletedEvent is published when a phase passes its gate.
type PhaseCompletedEvent struct {
	PhaseID   string
	Timestamp time.Time
}

func (e PhaseCompletedEvent) EventType() string { return EventTypePhaseCompleted }
func (e PhaseCompletedEvent) Subject() string   { return e.PhaseID }

// PhaseBlockedEvent is published when a phase's gate fails terminally.
type PhaseBlockedEvent struct {
	PhaseID   string
	Reason    string
	Timestamp time.Time
}

func (e PhaseBlockedEvent) EventType() string { return EventTypePhaseBlocked }
func (e PhaseBlockedEvent) Subject() string   { return e.PhaseID }

// WaveCompletedEvent is published after each intra-phase wave settles.
type WaveCompletedEvent struct {
	PhaseID   string
	Wave      int
	Tasks     int
	Timestamp time.Time
}

func (e WaveCompletedEvent) EventType() string { return EventTypeWaveCompleted }
func (e WaveCompletedEvent) Subject() string   { return e.PhaseID }

// TaskDispatchedEvent is published when a task is handed to an executor.
type TaskDispatchedEvent struct {
	ID        string
	Kind      string
	Timestamp time.Time
}

func (e TaskDispatchedEvent) EventType() string { return EventTypeTaskDispatched }
func (e TaskDispatchedEvent) Subject() string   { return e.ID }

// TaskFinishedEvent is published when a task reaches a terminal status.
type TaskFinishedEvent struct {
	ID        string
	Status    string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) Subject() string   { return e.ID }

// TaskEscalatedEvent is published when a task exhausts its retries or
// requires a human decision.
type TaskEscalatedEvent struct {
	ID        string
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e TaskEscalatedEvent) EventType() string { return EventTypeTaskEscalated }
func (e TaskEscalatedEvent) Subject() string   { return e.ID }

// GateDecidedEvent is published after each gate evaluation.
type GateDecidedEvent struct {
	PhaseID   string
	Status    string
	Depth     string
	Risks     int
	Timestamp time.Time
}

func (e GateDecidedEvent) EventType() string { return EventTypeGateDecided }
func (e GateDecidedEvent) Subject() string   { return e.PhaseID }
