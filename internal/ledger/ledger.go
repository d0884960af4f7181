package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/store"
)

// Ledger persists tasks, dependencies and execution steps.
type Ledger struct {
	db        *sql.DB
	agents    *agents.Registry
	limit     func() int
	evaluator ConditionEvaluator
	now       func() time.Time
}

// New creates a Ledger. Agent references are validated through reg.
func New(db *sql.DB, reg *agents.Registry) *Ledger {
	return &Ledger{db: db, agents: reg, now: time.Now}
}

// SetConcurrencyLimit installs the source of max_concurrent_tasks. The
// function is read on every transition to running; values <= 0 disable the limit.
func (l *Ledger) SetConcurrencyLimit(fn func() int) { l.limit = fn }

// SetConditionEvaluator installs the hook that approves conditional dependencies.
func (l *Ledger) SetConditionEvaluator(fn ConditionEvaluator) { l.evaluator = fn }

const taskColumns = `id, task_key, description, task_type, priority, status, assigned_agent_id,
	parent_task_id, parameters, result, error_message, estimated_duration_ms, actual_duration_ms,
	complexity, created_at, started_at, completed_at`

// CreateTask inserts a pending task. An assignee must exist and be assignable;
// its last_activity is touched in the same transaction.
func (l *Ledger) CreateTask(ctx context.Context, in CreateTaskInput) (*Task, error) {
	if in.Priority == 0 {
		in.Priority = 5
	}
	if in.Priority < 1 || in.Priority > 10 {
		return nil, store.Validationf("priority must be within [1, 10], got %d", in.Priority)
	}
	if err := store.CheckUnit("complexity", in.Complexity); err != nil {
		return nil, err
	}
	if in.EstimatedDurationMs != nil && *in.EstimatedDurationMs < 0 {
		return nil, store.Validationf("estimated duration must be >= 0")
	}
	params, err := store.JSONText(in.Parameters, "{}")
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Key == "" {
		in.Key = defaultKey(in.ID)
	}

	now := l.now()
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		if in.ParentTaskID != "" {
			if err := taskExists(ctx, tx, in.ParentTaskID); err != nil {
				return err
			}
		}
		if in.AssignedAgentID != "" {
			if err := l.agents.EnsureAssignable(ctx, tx, in.AssignedAgentID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks (id, task_key, description, task_type, priority, status,
			assigned_agent_id, parent_task_id, parameters, estimated_duration_ms, complexity, created_at)
			VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)`,
			in.ID, in.Key, in.Description, in.Type, in.Priority,
			store.NullString(in.AssignedAgentID), store.NullString(in.ParentTaskID), params,
			nullInt(in.EstimatedDurationMs), in.Complexity, store.FormatTime(now))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflictf("task %s or key %s already exists", in.ID, in.Key)
			}
			return fmt.Errorf("insert task: %w", err)
		}
		if in.AssignedAgentID != "" {
			return l.agents.Touch(ctx, tx, in.AssignedAgentID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Task created", "task", in.ID, "key", in.Key, "priority", in.Priority, "agent", in.AssignedAgentID)
	return l.GetTask(ctx, in.ID)
}

// Assign sets the task's agent and touches the agent's last_activity atomically.
func (l *Ledger) Assign(ctx context.Context, taskID, agentID string) error {
	now := l.now()
	return store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		status, err := statusOf(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return store.Conflictf("task %s is %s and cannot be reassigned", taskID, status)
		}
		if err := l.agents.EnsureAssignable(ctx, tx, agentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_agent_id = ? WHERE id = ?`, agentID, taskID); err != nil {
			return fmt.Errorf("assign task: %w", err)
		}
		return l.agents.Touch(ctx, tx, agentID, now)
	})
}

// AddDependency declares that taskID depends on dependsOn. Self edges,
// duplicates and edges that would close a cycle are rejected.
func (l *Ledger) AddDependency(ctx context.Context, taskID, dependsOn string, kind DependencyKind) (*Dependency, error) {
	if kind == "" {
		kind = DepSequential
	}
	if !kind.Valid() {
		return nil, store.Validationf("unknown dependency kind %q", kind)
	}
	if taskID == dependsOn {
		return nil, store.Validationf("task %s cannot depend on itself", taskID)
	}
	now := l.now()
	err := store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		for _, id := range []string{taskID, dependsOn} {
			if err := taskExists(ctx, tx, id); err != nil {
				return err
			}
		}
		var one int
		err := tx.QueryRowContext(ctx, `WITH RECURSIVE upstream(id) AS (
				SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?
				UNION
				SELECT d.depends_on_task_id FROM task_dependencies d JOIN upstream u ON d.task_id = u.id
			) SELECT 1 FROM upstream WHERE id = ? LIMIT 1`, dependsOn, taskID).Scan(&one)
		if err == nil {
			return store.Validationf("dependency %s -> %s would create a cycle", taskID, dependsOn)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cycle check: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO task_dependencies (task_id, depends_on_task_id, kind, created_at)
			VALUES (?, ?, ?, ?)`, taskID, dependsOn, string(kind), store.FormatTime(now))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflictf("dependency %s -> %s already exists", taskID, dependsOn)
			}
			return fmt.Errorf("insert dependency: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Dependency{TaskID: taskID, DependsOnTaskID: dependsOn, Kind: kind, CreatedAt: now.UTC()}, nil
}

// Transition moves a task to a new status. The readiness check and the
// concurrency limit for running are evaluated in the same transaction as the write.
func (l *Ledger) Transition(ctx context.Context, taskID string, to Status, opts TransitionOptions) (*Task, error) {
	if !to.Valid() {
		return nil, store.Validationf("unknown task status %q", to)
	}
	result, err := store.JSONText(opts.Result, "")
	if err != nil {
		return nil, err
	}
	now := l.now()
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		var from string
		var startedAt sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT status, started_at FROM tasks WHERE id = ?`, taskID).Scan(&from, &startedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFoundf("task %s", taskID)
		}
		if err != nil {
			return fmt.Errorf("load task: %w", err)
		}
		if !CanTransition(Status(from), to) {
			return store.Conflictf("task %s cannot move from %s to %s", taskID, from, to)
		}

		ts := store.FormatTime(now)
		switch to {
		case StatusRunning:
			r, err := l.readiness(ctx, tx, taskID, opts.ConditionApproved)
			if err != nil {
				return err
			}
			if !r.Ready {
				return fmt.Errorf("%w: %w: task %s blocked by %s", ErrNotReady, store.ErrValidation, taskID, describeBlockers(r.Blocking))
			}
			if err := l.checkConcurrency(ctx, tx); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
				string(to), ts, taskID, from)
			if err != nil {
				return fmt.Errorf("start task: %w", err)
			}
		default:
			var duration any
			if started := store.TimePtr(startedAt); started != nil {
				duration = now.Sub(*started).Milliseconds()
			}
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, completed_at = ?, actual_duration_ms = ?,
				result = COALESCE(?, result), error_message = COALESCE(?, error_message)
				WHERE id = ? AND status = ?`,
				string(to), ts, duration, store.NullString(result), store.NullString(opts.ErrorMessage), taskID, from)
			if err != nil {
				return fmt.Errorf("finish task: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Task transitioned", "task", taskID, "status", to)
	return l.GetTask(ctx, taskID)
}

func (l *Ledger) checkConcurrency(ctx context.Context, q store.Querier) error {
	if l.limit == nil {
		return nil
	}
	limit := l.limit()
	if limit <= 0 {
		return nil
	}
	var running int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = 'running'`).Scan(&running); err != nil {
		return fmt.Errorf("count running tasks: %w", err)
	}
	if running >= limit {
		return fmt.Errorf("%w: %w: %d tasks running, limit %d", ErrConcurrencyLimit, store.ErrConflict, running, limit)
	}
	return nil
}

// CheckReadiness reports whether the task could enter running now.
func (l *Ledger) CheckReadiness(ctx context.Context, taskID string) (*Readiness, error) {
	if err := taskExists(ctx, l.db, taskID); err != nil {
		return nil, store.NotFoundf("task %s", taskID)
	}
	return l.readiness(ctx, l.db, taskID, false)
}

func (l *Ledger) readiness(ctx context.Context, q store.Querier, taskID string, approved bool) (*Readiness, error) {
	rows, err := q.QueryContext(ctx, `SELECT d.depends_on_task_id, d.kind, t.status
		FROM task_dependencies d JOIN tasks t ON t.id = d.depends_on_task_id
		WHERE d.task_id = ? ORDER BY d.id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load dependencies: %w", err)
	}
	var deps []Blocker
	for rows.Next() {
		var b Blocker
		var kind, status string
		if err := rows.Scan(&b.DependsOnTaskID, &kind, &status); err != nil {
			rows.Close()
			return nil, err
		}
		b.Kind = DependencyKind(kind)
		b.Status = Status(status)
		deps = append(deps, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	r := &Readiness{TaskID: taskID}
	for _, d := range deps {
		switch d.Kind {
		case DepSequential:
			if d.Status != StatusCompleted {
				d.Reason = "upstream not completed"
				r.Blocking = append(r.Blocking, d)
			}
		case DepConditional:
			if approved {
				continue
			}
			ok := false
			if l.evaluator != nil {
				ok, err = l.evaluator(ctx, taskID, d.DependsOnTaskID, d.Status)
				if err != nil {
					return nil, fmt.Errorf("evaluate condition %s: %w", d.DependsOnTaskID, err)
				}
			}
			if !ok {
				d.Reason = "condition not approved"
				r.Blocking = append(r.Blocking, d)
			}
		}
	}
	r.Ready = len(r.Blocking) == 0
	return r, nil
}

// HasFailedUpstream reports whether any transitive upstream dependency failed.
func (l *Ledger) HasFailedUpstream(ctx context.Context, taskID string) (bool, error) {
	if err := taskExists(ctx, l.db, taskID); err != nil {
		return false, store.NotFoundf("task %s", taskID)
	}
	var one int
	err := l.db.QueryRowContext(ctx, `WITH RECURSIVE upstream(id) AS (
			SELECT depends_on_task_id FROM task_dependencies WHERE task_id = ?
			UNION
			SELECT d.depends_on_task_id FROM task_dependencies d JOIN upstream u ON d.task_id = u.id
		) SELECT 1 FROM upstream u JOIN tasks t ON t.id = u.id WHERE t.status = 'failed' LIMIT 1`, taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upstream failure check: %w", err)
	}
	return true, nil
}

// GetTask returns a task by id.
func (l *Ledger) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(l.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("task %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns tasks by priority then age.
func (l *Ledger) ListTasks(ctx context.Context, f ListFilter) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.AgentID != "" {
		query += ` AND assigned_agent_id = ?`
		args = append(args, f.AgentID)
	}
	if f.ParentID != "" {
		query += ` AND parent_task_id = ?`
		args = append(args, f.ParentID)
	}
	query += ` ORDER BY priority ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Children returns the direct sub-tasks of parentID.
func (l *Ledger) Children(ctx context.Context, parentID string) ([]Task, error) {
	return l.ListTasks(ctx, ListFilter{ParentID: parentID})
}

// ListDependencies returns the upstream edges of taskID.
func (l *Ledger) ListDependencies(ctx context.Context, taskID string) ([]Dependency, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT task_id, depends_on_task_id, kind, created_at
		FROM task_dependencies WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies: %w", err)
	}
	defer rows.Close()
	var out []Dependency
	for rows.Next() {
		var d Dependency
		var kind, created string
		if err := rows.Scan(&d.TaskID, &d.DependsOnTaskID, &kind, &created); err != nil {
			return nil, err
		}
		d.Kind = DependencyKind(kind)
		d.CreatedAt = store.ParseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteTask removes a task, its sub-tasks, their dependency edges in both
// directions and their execution steps. Learning events and knowledge entries
// that reference a removed task keep their row with the reference cleared.
func (l *Ledger) DeleteTask(ctx context.Context, id string) error {
	return store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		if err := taskExists(ctx, tx, id); err != nil {
			return store.NotFoundf("task %s", id)
		}
		rows, err := tx.QueryContext(ctx, `WITH RECURSIVE tree(id, depth) AS (
				SELECT id, 0 FROM tasks WHERE id = ?
				UNION ALL
				SELECT t.id, tree.depth + 1 FROM tasks t JOIN tree ON t.parent_task_id = tree.id
			) SELECT id FROM tree ORDER BY depth DESC`, id)
		if err != nil {
			return fmt.Errorf("collect sub-tasks: %w", err)
		}
		var ids []string
		for rows.Next() {
			var tid string
			if err := rows.Scan(&tid); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, tid)
		}
		rows.Close()

		for _, tid := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_task_id = ?`, tid, tid); err != nil {
				return fmt.Errorf("delete dependencies: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_execution_steps WHERE task_id = ?`, tid); err != nil {
				return fmt.Errorf("delete steps: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE learning_events SET task_id = NULL WHERE task_id = ?`, tid); err != nil {
				return fmt.Errorf("orphan learning events: %w", err)
			}
			if err := unlinkKnowledge(ctx, tx, tid); err != nil {
				return err
			}
		}
		for _, tid := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, tid); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
		}
		slog.Info("Task deleted", "task", id, "subtasks", len(ids)-1)
		return nil
	})
}

// unlinkKnowledge drops taskID from every knowledge entry's related set.
func unlinkKnowledge(ctx context.Context, tx *sql.Tx, taskID string) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, related_task_ids FROM knowledge_entries WHERE related_task_ids LIKE ?`,
		`%"`+taskID+`"%`)
	if err != nil {
		return fmt.Errorf("find related knowledge: %w", err)
	}
	updates := map[string]string{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var related []string
		if err := json.Unmarshal([]byte(raw), &related); err != nil {
			continue
		}
		kept := related[:0]
		for _, r := range related {
			if r != taskID {
				kept = append(kept, r)
			}
		}
		b, _ := json.Marshal(kept)
		updates[id] = string(b)
	}
	rows.Close()
	for id, related := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE knowledge_entries SET related_task_ids = ? WHERE id = ?`, related, id); err != nil {
			return fmt.Errorf("unlink knowledge: %w", err)
		}
	}
	return nil
}

func taskExists(ctx context.Context, q store.Querier, id string) error {
	_, err := statusOf(ctx, q, id)
	return err
}

func statusOf(ctx context.Context, q store.Querier, id string) (Status, error) {
	var s string
	err := q.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.Validationf("task %s does not exist", id)
	}
	if err != nil {
		return "", fmt.Errorf("lookup task: %w", err)
	}
	return Status(s), nil
}

func describeBlockers(bs []Blocker) string {
	parts := make([]string, 0, len(bs))
	for _, b := range bs {
		parts = append(parts, fmt.Sprintf("%s (%s, %s)", b.DependsOnTaskID, b.Kind, b.Status))
	}
	return strings.Join(parts, ", ")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, params, created string
	var agent, parent, result, errMsg, started, completed sql.NullString
	var est, actual sql.NullInt64
	if err := s.Scan(&t.ID, &t.Key, &t.Description, &t.Type, &t.Priority, &status, &agent, &parent,
		&params, &result, &errMsg, &est, &actual, &t.Complexity, &created, &started, &completed); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.AssignedAgentID = agent.String
	t.ParentTaskID = parent.String
	t.Parameters = store.RawJSON(params)
	if result.Valid {
		t.Result = store.RawJSON(result.String)
	}
	t.ErrorMessage = errMsg.String
	t.EstimatedDurationMs = intPtr(est)
	t.ActualDurationMs = intPtr(actual)
	t.CreatedAt = store.ParseTime(created)
	t.StartedAt = store.TimePtr(started)
	t.CompletedAt = store.TimePtr(completed)
	return &t, nil
}

func defaultKey(id string) string {
	short := strings.ReplaceAll(id, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return "task-" + short
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
