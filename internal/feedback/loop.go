package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/notify"
	"github.com/KafClaw/synapse/internal/store"
)

// Loop owns feedback events, improvement actions and evolution records.
type Loop struct {
	db       *sql.DB
	config   ConfigApplier
	notifier notify.Notifier
	now      func() time.Time
}

// New creates a Loop. config may be nil when no action carries config
// changes; a nil notifier discards notifications.
func New(db *sql.DB, config ConfigApplier, n notify.Notifier) *Loop {
	if n == nil {
		n = notify.Nop{}
	}
	return &Loop{db: db, config: config, notifier: n, now: time.Now}
}

// Submit records a feedback event.
func (l *Loop) Submit(ctx context.Context, in FeedbackInput) (*Feedback, error) {
	in.Kind = strings.TrimSpace(in.Kind)
	if in.Kind == "" {
		return nil, store.Validationf("feedback kind is required")
	}
	if err := store.CheckRange("sentiment", in.Sentiment, -1, 1); err != nil {
		return nil, err
	}
	content, err := store.JSONText(in.Content, "{}")
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO feedback_events (id, kind, source_kind, source_id, target_component,
		content, sentiment, actionable, processed, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		in.ID, in.Kind, in.SourceKind, in.SourceID, in.TargetComponent, content, in.Sentiment, in.Actionable,
		store.FormatTime(l.now()))
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, store.Conflictf("feedback %s already exists", in.ID)
		}
		return nil, fmt.Errorf("submit feedback: %w", err)
	}
	slog.Debug("Feedback submitted", "id", in.ID, "kind", in.Kind, "target", in.TargetComponent)
	return l.GetFeedback(ctx, in.ID)
}

// MarkProcessed flags feedback as handled. Marking twice is a no-op.
func (l *Loop) MarkProcessed(ctx context.Context, id string) (*Feedback, error) {
	if err := markProcessed(ctx, l.db, id, l.now()); err != nil {
		return nil, err
	}
	return l.GetFeedback(ctx, id)
}

func markProcessed(ctx context.Context, q store.Querier, id string, at time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE feedback_events SET processed = 1, processed_at = COALESCE(processed_at, ?)
		WHERE id = ?`, store.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark feedback processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("feedback %s", id)
	}
	return nil
}

// GetFeedback loads one feedback event.
func (l *Loop) GetFeedback(ctx context.Context, id string) (*Feedback, error) {
	items, err := l.queryFeedback(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, store.NotFoundf("feedback %s", id)
	}
	return &items[0], nil
}

// ListFeedback returns feedback oldest first. A nil processed matches both.
func (l *Loop) ListFeedback(ctx context.Context, processed *bool) ([]Feedback, error) {
	if processed == nil {
		return l.queryFeedback(ctx, `ORDER BY created_at ASC, id ASC`)
	}
	return l.queryFeedback(ctx, `WHERE processed = ? ORDER BY created_at ASC, id ASC`, *processed)
}

func (l *Loop) queryFeedback(ctx context.Context, clause string, args ...any) ([]Feedback, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, kind, source_kind, source_id, target_component, content, sentiment,
		actionable, processed, created_at, processed_at FROM feedback_events `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()
	var out []Feedback
	for rows.Next() {
		var f Feedback
		var content, created string
		var processedAt sql.NullString
		if err := rows.Scan(&f.ID, &f.Kind, &f.SourceKind, &f.SourceID, &f.TargetComponent, &content, &f.Sentiment,
			&f.Actionable, &f.Processed, &created, &processedAt); err != nil {
			return nil, err
		}
		f.Content = store.RawJSON(content)
		f.CreatedAt = store.ParseTime(created)
		f.ProcessedAt = store.TimePtr(processedAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// ProposeAction plans an improvement. When it names a feedback event, that
// event must exist and is marked processed in the same transaction.
func (l *Loop) ProposeAction(ctx context.Context, in ActionInput) (*Action, error) {
	in.Kind = strings.TrimSpace(in.Kind)
	in.TargetComponent = strings.TrimSpace(in.TargetComponent)
	if in.Kind == "" || in.TargetComponent == "" {
		return nil, store.Validationf("action kind and target component are required")
	}
	if in.ExpectedImprovement != nil {
		if err := store.CheckRange("expected_improvement", *in.ExpectedImprovement, -1, 1); err != nil {
			return nil, err
		}
	}
	if in.Risk == "" {
		in.Risk = "medium"
	}
	switch in.Risk {
	case "low", "medium", "high":
	default:
		return nil, store.Validationf("unknown risk tier %q", in.Risk)
	}
	impl, err := store.JSONText(in.Implementation, "{}")
	if err != nil {
		return nil, err
	}
	changes, err := store.JSONText(in.ConfigChanges, "{}")
	if err != nil {
		return nil, err
	}
	plan, err := encodePlan(in.RollbackPlan)
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := l.now()
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		if in.FeedbackID != "" {
			if err := markProcessed(ctx, tx, in.FeedbackID, now); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return store.Validationf("feedback %s does not exist", in.FeedbackID)
				}
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO improvement_actions (id, kind, target_component, description,
			implementation, config_changes, feedback_id, expected_improvement, status, risk, rollback_plan, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'planned', ?, ?, ?)`,
			in.ID, in.Kind, in.TargetComponent, in.Description, impl, changes, store.NullString(in.FeedbackID),
			store.NullFloat(in.ExpectedImprovement), in.Risk, plan, store.FormatTime(now))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflictf("improvement action %s already exists", in.ID)
			}
			return fmt.Errorf("propose action: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Improvement action proposed", "id", in.ID, "kind", in.Kind, "target", in.TargetComponent)
	return l.GetAction(ctx, in.ID)
}

// SetRollbackPlan replaces the rollback plan of a planned action.
func (l *Loop) SetRollbackPlan(ctx context.Context, id string, plan *RollbackPlan) (*Action, error) {
	if plan.empty() {
		return nil, store.Validationf("rollback plan is empty")
	}
	text, err := encodePlan(plan)
	if err != nil {
		return nil, err
	}
	res, err := l.db.ExecContext(ctx, `UPDATE improvement_actions SET rollback_plan = ? WHERE id = ? AND status = 'planned'`,
		text, id)
	if err != nil {
		return nil, fmt.Errorf("set rollback plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		a, err := l.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, store.Conflictf("action %s is %s; rollback plans can only change while planned", id, a.Status)
	}
	return l.GetAction(ctx, id)
}

// CaptureRollback snapshots the current values of every key the action
// changes and stores them as its rollback plan.
func (l *Loop) CaptureRollback(ctx context.Context, id string) (*Action, error) {
	a, err := l.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != ActionPlanned {
		return nil, store.Conflictf("action %s is %s; rollback plans can only change while planned", id, a.Status)
	}
	if len(a.ConfigChanges) == 0 {
		return nil, store.Validationf("action %s changes no configuration to capture", id)
	}
	if l.config == nil {
		return nil, store.Validationf("no configuration applier is wired")
	}
	snap, err := l.config.Snapshot(ctx, sortedKeys(a.ConfigChanges))
	if err != nil {
		return nil, fmt.Errorf("snapshot config: %w", err)
	}
	plan := &RollbackPlan{ConfigRestore: snap, Notes: "captured before implementation"}
	if a.RollbackPlan != nil {
		plan.Steps = a.RollbackPlan.Steps
	}
	return l.SetRollbackPlan(ctx, id, plan)
}

// StartImplementing moves a planned action to implementing and applies its
// configuration changes. An action without a rollback plan is rejected with
// ErrMissingRollbackPlan.
//
// The transition is claimed before any configuration is touched, so of
// several concurrent callers exactly one applies the changes. implemented_at
// stays NULL until the changes are applied; Complete and Revert wait for it.
func (l *Loop) StartImplementing(ctx context.Context, id string) (*Action, error) {
	a, err := l.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != ActionPlanned {
		return nil, store.Conflictf("action %s is %s, not planned", id, a.Status)
	}
	if a.RollbackPlan.empty() {
		return nil, missingPlan(id)
	}
	if len(a.ConfigChanges) > 0 && l.config == nil {
		return nil, store.Validationf("no configuration applier is wired")
	}

	res, err := l.db.ExecContext(ctx, `UPDATE improvement_actions SET status = 'implementing', implemented_at = NULL
		WHERE id = ? AND status = 'planned'`, id)
	if err != nil {
		return nil, fmt.Errorf("start implementing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.Conflictf("action %s changed status concurrently", id)
	}
	// Rollback plans are frozen once the action leaves planned.
	if a, err = l.GetAction(ctx, id); err == nil && a.RollbackPlan.empty() {
		err = missingPlan(id)
	}
	if err == nil && len(a.ConfigChanges) > 0 {
		if aerr := l.config.Apply(ctx, a.ConfigChanges); aerr != nil {
			err = fmt.Errorf("apply config changes: %w", aerr)
		}
	}
	if err != nil {
		if _, uerr := l.db.ExecContext(ctx, `UPDATE improvement_actions SET status = 'planned'
			WHERE id = ? AND status = 'implementing' AND implemented_at IS NULL`, id); uerr != nil {
			slog.Warn("Failed to return action to planned", "action", id, "error", uerr)
		}
		return nil, err
	}
	if _, err := l.db.ExecContext(ctx, `UPDATE improvement_actions SET implemented_at = ? WHERE id = ?`,
		store.FormatTime(l.now()), id); err != nil {
		return nil, fmt.Errorf("mark action implemented: %w", err)
	}
	slog.Info("Improvement action implementing", "id", id, "config_keys", len(a.ConfigChanges))
	return l.GetAction(ctx, id)
}

func missingPlan(id string) error {
	return fmt.Errorf("%w: %w: action %s has no rollback plan", store.ErrMissingRollbackPlan, store.ErrValidation, id)
}

// Complete records the measured improvement of an implementing action.
func (l *Loop) Complete(ctx context.Context, id string, actual float64) (*Action, error) {
	if err := store.CheckRange("actual_improvement", actual, -1, 1); err != nil {
		return nil, err
	}
	res, err := l.db.ExecContext(ctx, `UPDATE improvement_actions SET status = 'completed', actual_improvement = ?,
		measured_at = ? WHERE id = ? AND status = 'implementing' AND implemented_at IS NOT NULL`,
		actual, store.FormatTime(l.now()), id)
	if err != nil {
		return nil, fmt.Errorf("complete action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, l.statusConflict(ctx, id, "not implementing")
	}
	return l.GetAction(ctx, id)
}

// Revert restores the state described by the rollback plan and moves the
// action to reverted, clearing its actual improvement. Like
// StartImplementing, the transition is claimed first and undone when the
// restore fails.
func (l *Loop) Revert(ctx context.Context, id string) (*Action, error) {
	a, err := l.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != ActionImplementing && a.Status != ActionCompleted {
		return nil, store.Conflictf("action %s is %s; only implementing or completed actions can be reverted", id, a.Status)
	}
	if a.ImplementedAt == nil {
		return nil, store.Conflictf("action %s is still being applied", id)
	}
	if a.RollbackPlan.empty() {
		return nil, fmt.Errorf("%w: action %s has no rollback plan", store.ErrMissingRollbackPlan, id)
	}
	if len(a.RollbackPlan.ConfigRestore) > 0 && l.config == nil {
		return nil, store.Validationf("no configuration applier is wired")
	}

	res, err := l.db.ExecContext(ctx, `UPDATE improvement_actions SET status = 'reverted', actual_improvement = NULL
		WHERE id = ? AND status = ? AND implemented_at IS NOT NULL`, id, string(a.Status))
	if err != nil {
		return nil, fmt.Errorf("revert action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.Conflictf("action %s changed status concurrently", id)
	}
	if len(a.RollbackPlan.ConfigRestore) > 0 {
		if err := l.config.Apply(ctx, a.RollbackPlan.ConfigRestore); err != nil {
			if _, uerr := l.db.ExecContext(ctx, `UPDATE improvement_actions SET status = ?, actual_improvement = ?
				WHERE id = ? AND status = 'reverted'`, string(a.Status), store.NullFloat(a.ActualImprovement), id); uerr != nil {
				slog.Warn("Failed to restore action status", "action", id, "error", uerr)
			}
			return nil, fmt.Errorf("restore config: %w", err)
		}
	}
	slog.Info("Improvement action reverted", "id", id, "target", a.TargetComponent)
	err = l.notifier.Notify(ctx, notify.Notification{
		Title:    "Improvement action reverted",
		Text:     a.Description,
		Severity: notify.SeverityWarning,
		Source:   "feedback",
		Fields:   map[string]string{"id": id, "kind": a.Kind, "target": a.TargetComponent},
	})
	if err != nil {
		slog.Warn("Revert notification failed", "id", id, "error", err)
	}
	return l.GetAction(ctx, id)
}

func (l *Loop) statusConflict(ctx context.Context, id, want string) error {
	a, err := l.GetAction(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == ActionImplementing && a.ImplementedAt == nil {
		return store.Conflictf("action %s is still being applied", id)
	}
	return store.Conflictf("action %s is %s, %s", id, a.Status, want)
}

// GetAction loads one action.
func (l *Loop) GetAction(ctx context.Context, id string) (*Action, error) {
	items, err := l.queryActions(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, store.NotFoundf("improvement action %s", id)
	}
	return &items[0], nil
}

// ListActions returns actions oldest first; an empty status matches all.
func (l *Loop) ListActions(ctx context.Context, status ActionStatus) ([]Action, error) {
	if status == "" {
		return l.queryActions(ctx, `ORDER BY created_at ASC, id ASC`)
	}
	return l.queryActions(ctx, `WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
}

func (l *Loop) queryActions(ctx context.Context, clause string, args ...any) ([]Action, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, kind, target_component, description, implementation, config_changes,
		feedback_id, expected_improvement, actual_improvement, status, risk, rollback_plan, created_at, implemented_at,
		measured_at FROM improvement_actions `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	var out []Action
	for rows.Next() {
		var a Action
		var impl, changes, status, created string
		var fb, plan, implemented, measured sql.NullString
		var expected, actual sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.Kind, &a.TargetComponent, &a.Description, &impl, &changes, &fb, &expected,
			&actual, &status, &a.Risk, &plan, &created, &implemented, &measured); err != nil {
			return nil, err
		}
		a.Implementation = store.RawJSON(impl)
		if err := json.Unmarshal([]byte(changes), &a.ConfigChanges); err != nil {
			return nil, fmt.Errorf("decode config changes of %s: %w", a.ID, err)
		}
		if len(a.ConfigChanges) == 0 {
			a.ConfigChanges = nil
		}
		if plan.Valid {
			a.RollbackPlan = &RollbackPlan{}
			if err := json.Unmarshal([]byte(plan.String), a.RollbackPlan); err != nil {
				return nil, fmt.Errorf("decode rollback plan of %s: %w", a.ID, err)
			}
		}
		a.FeedbackID = fb.String
		a.ExpectedImprovement = store.FloatPtr(expected)
		a.ActualImprovement = store.FloatPtr(actual)
		a.Status = ActionStatus(status)
		a.CreatedAt = store.ParseTime(created)
		a.ImplementedAt = store.TimePtr(implemented)
		a.MeasuredAt = store.TimePtr(measured)
		out = append(out, a)
	}
	return out, rows.Err()
}

func encodePlan(p *RollbackPlan) (any, error) {
	if p.empty() {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, store.Validationf("rollback plan cannot be encoded: %v", err)
	}
	return string(b), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
