// Package executor defines the capability contract the engine invokes to
// perform task work, plus the kind-to-executor registry and the local
// command executor shipped with the binary. The engine never defines how
// an executor does its work, only the contract it must satisfy.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/phaserun/phaserun/internal/classify"
)

// Task is the unit of work handed to an executor.
type Task struct {
	ID      string
	PhaseID string
	Title   string
	Kind    classify.TaskKind
	Body    string
}

// Artifact is a value or file produced by a task, visible to later phases
// through the shared artifact registry.
type Artifact struct {
	Name  string
	Path  string // File artifact, empty for declared values
	Value string // Declared value (generated id, deployed resource ref)
}

// Result is the outcome of a single execution attempt.
type Result struct {
	TaskID    string
	Output    string
	Artifacts []Artifact
}

// Executor performs the actual work of a task.
type Executor interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

// PermanentError marks a failure that retrying cannot fix (malformed
// input, missing prerequisite). The dispatcher escalates it without
// further attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Registry maps task kinds to executors. The mapping is external
// configuration: the engine only looks capabilities up. Kinds without a
// binding route to the generic executor when one is set.
type Registry struct {
	executors map[classify.TaskKind]Executor
	generic   Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[classify.TaskKind]Executor)}
}

// Register binds an executor to a task kind.
func (r *Registry) Register(kind classify.TaskKind, ex Executor) {
	r.executors[kind] = ex
}

// SetGeneric sets the fallback executor for unbound kinds, including
// KindUnclassified.
func (r *Registry) SetGeneric(ex Executor) {
	r.generic = ex
}

// Lookup returns the executor bound to kind, falling back to the generic
// executor. An unbound kind with no generic fallback is an error.
func (r *Registry) Lookup(kind classify.TaskKind) (Executor, error) {
	if ex, ok := r.executors[kind]; ok {
		return ex, nil
	}
	if r.generic != nil {
		return r.generic, nil
	}
	return nil, fmt.Errorf("no executor registered for task kind %q", kind)
}
