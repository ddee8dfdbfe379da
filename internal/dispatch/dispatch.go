// Package dispatch runs waves of tasks concurrently: bounded parallelism,
// per-task timeouts, bounded retry with exponential backoff, and circuit
// breaking per executor kind. Task failures are contained to the task;
// the wave always runs to completion.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/phaserun/phaserun/internal/classify"
	"github.com/phaserun/phaserun/internal/executor"
	"github.com/phaserun/phaserun/internal/plan"
)

// RetryConfig bounds the retry policy for transient task failures.
// Exposed as configuration rather than constants; the shipped defaults
// are 3 attempts at 1s/2s/4s.
type RetryConfig struct {
	MaxAttempts     int           // Total attempts including the first
	InitialInterval time.Duration // First backoff interval
	MaxInterval     time.Duration // Backoff cap
	Multiplier      float64       // Interval growth factor
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     4 * time.Second,
		Multiplier:      2.0,
	}
}

// Config configures the dispatcher.
type Config struct {
	MaxParallel int           // Bounded wave parallelism (default 4)
	TaskTimeout time.Duration // Per-task attempt timeout (default 10m)
	Retry       RetryConfig
}

// TaskResult is the buffered outcome of one task, written to the
// checkpoint store only at wave boundaries.
type TaskResult struct {
	TaskID    string
	PhaseID   string
	Kind      classify.TaskKind
	Status    plan.TaskStatus
	Attempts  int
	Output    string
	Artifacts []executor.Artifact
	Note      string // Confirmation note for human-required tasks
	Err       error
	Duration  time.Duration
}

// Dispatcher executes waves against the executor registry.
type Dispatcher struct {
	cfg      Config
	registry *executor.Registry
	gate     *executor.ConfirmationGate
	breakers *breakerRegistry
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfirmationGate wires the gate that answers human-required tasks.
// Without one, human-required tasks escalate immediately.
func WithConfirmationGate(g *executor.ConfirmationGate) Option {
	return func(d *Dispatcher) { d.gate = g }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher. Zero config fields fall back to defaults.
func New(cfg Config, registry *executor.Registry, opts ...Option) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	d := &Dispatcher{
		cfg:      cfg,
		registry: registry,
		breakers: newBreakerRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// RunWave executes all tasks of one wave concurrently, bounded by
// MaxParallel. Tasks in a wave are independent by construction, so no
// ordering is guaranteed among them. The returned slice matches the
// input order; results are buffered here and never written to durable
// state from worker goroutines.
func (d *Dispatcher) RunWave(ctx context.Context, tasks []executor.Task) []TaskResult {
	results := make([]TaskResult, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxParallel)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = d.runTask(gctx, task)
			return nil // Task failures live in the result, never abort the wave
		})
	}
	g.Wait()

	return results
}

func (d *Dispatcher) runTask(ctx context.Context, task executor.Task) TaskResult {
	start := time.Now()

	if task.Kind == classify.KindHumanRequired {
		res := d.runHumanTask(ctx, task)
		res.Duration = time.Since(start)
		return res
	}

	ex, err := d.registry.Lookup(task.Kind)
	if err != nil {
		return TaskResult{
			TaskID: task.ID, PhaseID: task.PhaseID, Kind: task.Kind,
			Status: plan.TaskEscalated, Attempts: 0, Err: err,
			Duration: time.Since(start),
		}
	}

	res := TaskResult{TaskID: task.ID, PhaseID: task.PhaseID, Kind: task.Kind}
	cb := d.breakers.get(string(task.Kind))

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		res.Attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()

		out, err := cb.Execute(func() (interface{}, error) {
			return ex.Execute(attemptCtx, task)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				res.Attempts-- // Breaker refused; no attempt was made
				return backoff.Permanent(err)
			}
			if executor.IsPermanent(err) {
				d.logger.Warn("permanent task failure, not retrying",
					"task", task.ID, "attempt", res.Attempts, "error", err)
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			d.logger.Info("transient task failure",
				"task", task.ID, "attempt", res.Attempts, "error", err)
			return err
		}

		er := out.(executor.Result)
		res.Output = er.Output
		res.Artifacts = er.Artifacts
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.Retry.InitialInterval
	policy.MaxInterval = d.cfg.Retry.MaxInterval
	policy.Multiplier = d.cfg.Retry.Multiplier
	policy.RandomizationFactor = 0 // Deterministic 1s, 2s, 4s progression
	policy.MaxElapsedTime = 0

	bounded := backoff.WithMaxRetries(policy, uint64(d.cfg.Retry.MaxAttempts-1))
	err = backoff.Retry(operation, backoff.WithContext(bounded, ctx))

	res.Duration = time.Since(start)
	if err != nil {
		res.Status = plan.TaskEscalated
		res.Err = err
		d.logger.Warn("task escalated",
			"task", task.ID, "attempts", res.Attempts, "error", err)
		return res
	}
	res.Status = plan.TaskCompleted
	return res
}

// runHumanTask suspends on the confirmation gate. Human-required tasks
// are never retried and never timed out by the task clock; only run
// cancellation unblocks them.
func (d *Dispatcher) runHumanTask(ctx context.Context, task executor.Task) TaskResult {
	res := TaskResult{TaskID: task.ID, PhaseID: task.PhaseID, Kind: task.Kind, Attempts: 1}
	if d.gate == nil {
		res.Status = plan.TaskEscalated
		res.Err = fmt.Errorf("task %s requires human confirmation but no confirmation gate is configured", task.ID)
		return res
	}

	approved, note, err := d.gate.Confirm(ctx, task.ID, task.Body)
	res.Note = note
	if err != nil {
		res.Status = plan.TaskEscalated
		res.Err = err
		return res
	}
	if !approved {
		res.Status = plan.TaskFailed
		res.Err = fmt.Errorf("task %s: confirmation denied", task.ID)
		return res
	}
	res.Status = plan.TaskCompleted
	return res
}
