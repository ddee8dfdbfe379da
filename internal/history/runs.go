package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/phaserun/phaserun/internal/dispatch"
	"github.com/phaserun/phaserun/internal/gate"
)

// Attempt is the audit record of one dispatched task.
type Attempt struct {
	TaskID   string
	PhaseID  string
	Kind     string
	Status   string
	Attempts int
	Duration time.Duration
	Error    string
}

// AttemptFromResult converts a dispatch result into its audit record.
// Task output is not stored here; the checkpoint store writes it to an
// artifact file.
func AttemptFromResult(r dispatch.TaskResult) Attempt {
	errStr := ""
	if r.Err != nil {
		errStr = r.Err.Error()
	}
	return Attempt{
		TaskID:   r.TaskID,
		PhaseID:  r.PhaseID,
		Kind:     string(r.Kind),
		Status:   string(r.Status),
		Attempts: r.Attempts,
		Duration: r.Duration,
		Error:    errStr,
	}
}

// RiskRecord is a persisted gate risk.
type RiskRecord struct {
	RiskID      string
	Severity    string
	Category    string
	Description string
	TaskID      string
}

// GateDecision is the audit record of one gate evaluation.
type GateDecision struct {
	PhaseID   string
	Status    string
	Depth     string
	DecidedAt time.Time
	Risks     []RiskRecord
}

// GateDecisionFromDecision flattens a gate decision for storage.
func GateDecisionFromDecision(d *gate.Decision) GateDecision {
	rec := GateDecision{
		PhaseID:   d.PhaseID,
		Status:    string(d.Status),
		Depth:     string(d.Depth),
		DecidedAt: d.Timestamp,
	}
	for _, r := range d.Risks {
		rec.Risks = append(rec.Risks, RiskRecord{
			RiskID:      r.ID,
			Severity:    string(r.Severity),
			Category:    r.Category,
			Description: r.Description,
			TaskID:      r.TaskID,
		})
	}
	return rec
}

// BeginRun inserts a run row in "running" state. A resumed run reuses
// its checkpoint id, so the insert is idempotent.
func (s *SQLiteStore) BeginRun(ctx context.Context, run Run) error {
	status := run.Status
	if status == "" {
		status = "running"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, plan_name, plan_hash, status)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_hash = excluded.plan_hash,
			status = excluded.status,
			finished_at = NULL
	`, run.ID, run.PlanName, run.PlanHash, status)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run finished with the given terminal status.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status, runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// RecordAttempt appends one task attempt record to the run.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, runID string, att Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_attempts (run_id, task_id, phase_id, kind, status, attempts, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, att.TaskID, att.PhaseID, att.Kind, att.Status, att.Attempts, att.Duration.Milliseconds(), att.Error)
	if err != nil {
		return fmt.Errorf("failed to insert task attempt: %w", err)
	}
	return nil
}

// RecordGate appends a gate decision and its risks in one transaction.
func (s *SQLiteStore) RecordGate(ctx context.Context, runID string, rec GateDecision) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO gate_decisions (run_id, phase_id, status, depth, decided_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, rec.PhaseID, rec.Status, rec.Depth, rec.DecidedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert gate decision: %w", err)
	}
	decisionID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get decision id: %w", err)
	}

	for _, r := range rec.Risks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gate_risks (decision_id, risk_id, severity, category, description, task_id)
			VALUES (?, ?, ?, ?, ?, ?)
		`, decisionID, r.RiskID, r.Severity, r.Category, r.Description, r.TaskID)
		if err != nil {
			return fmt.Errorf("failed to insert gate risk %s: %w", r.RiskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Runs returns all runs, oldest first.
func (s *SQLiteStore) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan_name, plan_hash, status, started_at, finished_at
		FROM runs
		ORDER BY started_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.PlanName, &r.PlanHash, &r.Status, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Attempts returns the task attempt records of a run in recording order.
func (s *SQLiteStore) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, phase_id, kind, status, attempts, duration_ms, error
		FROM task_attempts
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var ms int64
		if err := rows.Scan(&a.TaskID, &a.PhaseID, &a.Kind, &a.Status, &a.Attempts, &ms, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return out, nil
}

// GateDecisions returns the gate decisions of a run with their risks,
// oldest first.
func (s *SQLiteStore) GateDecisions(ctx context.Context, runID string) ([]GateDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, phase_id, status, depth, decided_at
		FROM gate_decisions
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate decisions: %w", err)
	}
	defer rows.Close()

	var decisions []GateDecision
	var ids []int64
	for rows.Next() {
		var d GateDecision
		var id int64
		if err := rows.Scan(&id, &d.PhaseID, &d.Status, &d.Depth, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate decision: %w", err)
		}
		decisions = append(decisions, d)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating gate decisions: %w", err)
	}

	for i, id := range ids {
		riskRows, err := s.db.QueryContext(ctx, `
			SELECT risk_id, severity, category, description, task_id
			FROM gate_risks
			WHERE decision_id = ?
			ORDER BY id
		`, id)
		if err != nil {
			return nil, fmt.Errorf("failed to query risks for decision %d: %w", id, err)
		}
		for riskRows.Next() {
			var r RiskRecord
			if err := riskRows.Scan(&r.RiskID, &r.Severity, &r.Category, &r.Description, &r.TaskID); err != nil {
				riskRows.Close()
				return nil, fmt.Errorf("failed to scan risk: %w", err)
			}
			decisions[i].Risks = append(decisions[i].Risks, r)
		}
		riskRows.Close()
		if err := riskRows.Err(); err != nil {
			return nil, fmt.Errorf("error iterating risks: %w", err)
		}
	}

	return decisions, nil
}
