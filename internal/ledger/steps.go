package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/KafClaw/synapse/internal/store"
)

// RecordStep appends an execution step. Step numbers are strictly increasing
// within a task; gaps are allowed. The executing agent's last_activity is
// touched in the same transaction.
func (l *Ledger) RecordStep(ctx context.Context, in StepInput) (*Step, error) {
	if in.Status == "" {
		in.Status = StepPending
	}
	if !in.Status.Valid() {
		return nil, store.Validationf("unknown step status %q", in.Status)
	}
	if in.StepNumber < 0 {
		return nil, store.Validationf("step number must be positive")
	}
	if in.ExecutionTimeMs < 0 {
		return nil, store.Validationf("execution time must be >= 0")
	}
	input, err := store.JSONText(in.Input, "{}")
	if err != nil {
		return nil, err
	}
	output, err := store.JSONText(in.Output, "")
	if err != nil {
		return nil, err
	}

	now := l.now()
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := taskExists(ctx, tx, in.TaskID); err != nil {
			return err
		}
		if in.AgentID != "" {
			if err := l.agents.EnsureExists(ctx, tx, in.AgentID); err != nil {
				return err
			}
		}
		var maxStep int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(step_number), 0) FROM task_execution_steps WHERE task_id = ?`,
			in.TaskID).Scan(&maxStep); err != nil {
			return fmt.Errorf("load step numbers: %w", err)
		}
		switch {
		case in.StepNumber == 0:
			in.StepNumber = maxStep + 1
		case in.StepNumber == maxStep:
			return store.Conflictf("step %d already recorded for task %s", in.StepNumber, in.TaskID)
		case in.StepNumber < maxStep:
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_execution_steps WHERE task_id = ? AND step_number = ?`,
				in.TaskID, in.StepNumber).Scan(&one)
			if err == nil {
				return store.Conflictf("step %d already recorded for task %s", in.StepNumber, in.TaskID)
			}
			return store.Validationf("step %d is below the latest step %d of task %s", in.StepNumber, maxStep, in.TaskID)
		}

		started := in.StartedAt
		if started == nil && in.Status != StepPending {
			started = &now
		}
		ended := in.EndedAt
		if ended == nil && in.Status.finished() {
			ended = &now
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO task_execution_steps (task_id, step_number, description, step_type,
			agent_id, status, input, output, execution_time_ms, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.TaskID, in.StepNumber, in.Description, in.Type, store.NullString(in.AgentID), string(in.Status),
			input, store.NullString(output), in.ExecutionTimeMs, store.NullTime(started), store.NullTime(ended))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflictf("step %d already recorded for task %s", in.StepNumber, in.TaskID)
			}
			return fmt.Errorf("insert step: %w", err)
		}
		if in.AgentID != "" {
			return l.agents.Touch(ctx, tx, in.AgentID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("Execution step recorded", "task", in.TaskID, "step", in.StepNumber, "agent", in.AgentID)
	return l.getStep(ctx, in.TaskID, in.StepNumber)
}

// UpdateStep changes a step's status, output and execution time.
func (l *Ledger) UpdateStep(ctx context.Context, u StepUpdate) (*Step, error) {
	if !u.Status.Valid() {
		return nil, store.Validationf("unknown step status %q", u.Status)
	}
	if u.ExecutionTimeMs < 0 {
		return nil, store.Validationf("execution time must be >= 0")
	}
	output, err := store.JSONText(u.Output, "")
	if err != nil {
		return nil, err
	}
	now := store.FormatTime(l.now())
	var ended any
	if u.Status.finished() {
		ended = now
	}
	res, err := l.db.ExecContext(ctx, `UPDATE task_execution_steps SET status = ?,
		output = COALESCE(?, output),
		execution_time_ms = CASE WHEN ? > 0 THEN ? ELSE execution_time_ms END,
		started_at = COALESCE(started_at, ?),
		ended_at = COALESCE(?, ended_at)
		WHERE task_id = ? AND step_number = ?`,
		string(u.Status), store.NullString(output), u.ExecutionTimeMs, u.ExecutionTimeMs, now, ended,
		u.TaskID, u.StepNumber)
	if err != nil {
		return nil, fmt.Errorf("update step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.NotFoundf("step %d of task %s", u.StepNumber, u.TaskID)
	}
	return l.getStep(ctx, u.TaskID, u.StepNumber)
}

// ListSteps returns a task's steps ordered by step number.
func (l *Ledger) ListSteps(ctx context.Context, taskID string) ([]Step, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM task_execution_steps
		WHERE task_id = ? ORDER BY step_number ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

const stepColumns = `task_id, step_number, description, step_type, agent_id, status, input, output,
	execution_time_ms, started_at, ended_at`

func (l *Ledger) getStep(ctx context.Context, taskID string, number int) (*Step, error) {
	s, err := scanStep(l.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM task_execution_steps
		WHERE task_id = ? AND step_number = ?`, taskID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("step %d of task %s", number, taskID)
	}
	return s, err
}

func scanStep(s scanner) (*Step, error) {
	var st Step
	var status, input string
	var agent, output, started, ended sql.NullString
	if err := s.Scan(&st.TaskID, &st.StepNumber, &st.Description, &st.Type, &agent, &status, &input, &output,
		&st.ExecutionTimeMs, &started, &ended); err != nil {
		return nil, err
	}
	st.AgentID = agent.String
	st.Status = StepStatus(status)
	st.Input = store.RawJSON(input)
	if output.Valid {
		st.Output = store.RawJSON(output.String)
	}
	st.StartedAt = store.TimePtr(started)
	st.EndedAt = store.TimePtr(ended)
	return &st, nil
}
