package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/notify"
	"github.com/KafClaw/synapse/internal/store"
)

// Rule thresholds.
const (
	minFinishedForScore     = 5
	minFinishedForRate      = 5
	heavyKnowledgeUsage     = 10
	ineffectiveKnowledge    = 0.3
	recommendationLookback  = 24 * time.Hour
	defaultRecommendEffort  = "medium"
	defaultRecommendListCap = 100
)

// CreateRecommendation stores a pending recommendation. Priority 1 ones are
// sent to the notifier.
func (e *Engine) CreateRecommendation(ctx context.Context, in RecommendationInput) (*Recommendation, error) {
	r, err := e.insertRecommendation(ctx, e.db, in)
	if err != nil {
		return nil, err
	}
	e.notifyUrgent(ctx, []Recommendation{*r})
	return r, nil
}

func (e *Engine) insertRecommendation(ctx context.Context, q store.Querier, in RecommendationInput) (*Recommendation, error) {
	in.Kind = strings.TrimSpace(in.Kind)
	in.TargetComponent = strings.TrimSpace(in.TargetComponent)
	if in.Kind == "" || in.TargetComponent == "" || strings.TrimSpace(in.Text) == "" {
		return nil, store.Validationf("recommendation kind, target and text are required")
	}
	if in.Priority < 1 || in.Priority > 5 {
		return nil, store.Validationf("recommendation priority must be within [1, 5], got %d", in.Priority)
	}
	if err := store.CheckUnit("estimated_impact", in.EstimatedImpact); err != nil {
		return nil, err
	}
	if in.Effort == "" {
		in.Effort = defaultRecommendEffort
	}
	details, err := store.JSONText(in.Details, "{}")
	if err != nil {
		return nil, err
	}
	now := e.now()
	r := &Recommendation{
		ID: uuid.NewString(), Kind: in.Kind, TargetComponent: in.TargetComponent, Text: in.Text,
		Details: store.RawJSON(details), Priority: in.Priority, EstimatedImpact: in.EstimatedImpact,
		Effort: in.Effort, Status: RecPending, CreatedAt: now.UTC(),
	}
	_, err = q.ExecContext(ctx, `INSERT INTO optimization_recommendations (id, kind, target_component, recommendation,
		details, priority, estimated_impact, effort, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		r.ID, r.Kind, r.TargetComponent, r.Text, details, r.Priority, r.EstimatedImpact, r.Effort, store.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create recommendation: %w", err)
	}
	return r, nil
}

// ListRecommendations returns recommendations by priority then impact. An
// empty status matches all; maxPriority <= 0 matches all priorities.
func (e *Engine) ListRecommendations(ctx context.Context, status RecStatus, maxPriority int) ([]Recommendation, error) {
	query := `SELECT id, kind, target_component, recommendation, details, priority, estimated_impact, effort, status,
		created_at, implemented_at FROM optimization_recommendations WHERE 1 = 1`
	var args []any
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	if maxPriority > 0 {
		query += ` AND priority <= ?`
		args = append(args, maxPriority)
	}
	query += ` ORDER BY priority ASC, estimated_impact DESC, created_at ASC LIMIT ` + strconv.Itoa(defaultRecommendListCap)
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()
	var out []Recommendation
	for rows.Next() {
		r, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateRecommendationStatus moves a recommendation forward:
// pending → in_progress → implemented | rejected, or pending → rejected.
func (e *Engine) UpdateRecommendationStatus(ctx context.Context, id string, to RecStatus) (*Recommendation, error) {
	if !to.Valid() {
		return nil, store.Validationf("unknown recommendation status %q", to)
	}
	var out *Recommendation
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		r, err := scanRecommendation(tx.QueryRowContext(ctx, `SELECT id, kind, target_component, recommendation, details,
			priority, estimated_impact, effort, status, created_at, implemented_at
			FROM optimization_recommendations WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return store.NotFoundf("recommendation %s", id)
		}
		if err != nil {
			return fmt.Errorf("load recommendation: %w", err)
		}
		if !canMoveRecommendation(r.Status, to) {
			return store.Conflictf("recommendation %s cannot move from %s to %s", id, r.Status, to)
		}
		var implemented any
		if to == RecImplemented {
			now := e.now()
			implemented = store.FormatTime(now)
			t := now.UTC()
			r.ImplementedAt = &t
		}
		if _, err := tx.ExecContext(ctx, `UPDATE optimization_recommendations SET status = ?,
			implemented_at = COALESCE(?, implemented_at) WHERE id = ?`, string(to), implemented, id); err != nil {
			return fmt.Errorf("update recommendation: %w", err)
		}
		r.Status = to
		out = r
		return nil
	})
	return out, err
}

// GenerateRecommendations evaluates the rule set and stores a recommendation
// for every finding that has no open (pending or in progress) recommendation
// of the same kind and target yet.
func (e *Engine) GenerateRecommendations(ctx context.Context, now time.Time) ([]Recommendation, error) {
	findings, err := e.evaluateRules(ctx, now)
	if err != nil {
		return nil, err
	}
	var created []Recommendation
	err = store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		created = created[:0]
		for _, f := range findings {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM optimization_recommendations
				WHERE kind = ? AND target_component = ? AND status IN ('pending', 'in_progress') LIMIT 1`,
				f.Kind, f.TargetComponent).Scan(&one)
			if err == nil {
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check open recommendation: %w", err)
			}
			r, err := e.insertRecommendation(ctx, tx, f)
			if err != nil {
				return err
			}
			created = append(created, *r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(created) > 0 {
		slog.Info("Recommendations generated", "count", len(created))
	}
	e.notifyUrgent(ctx, created)
	return created, nil
}

func (e *Engine) evaluateRules(ctx context.Context, now time.Time) ([]RecommendationInput, error) {
	var out []RecommendationInput

	rows, err := e.db.QueryContext(ctx, `SELECT a.id, a.name, a.performance_score, COUNT(t.id)
		FROM agents a JOIN tasks t ON t.assigned_agent_id = a.id AND t.status IN ('completed', 'failed')
		WHERE a.status = 'active'
		GROUP BY a.id HAVING COUNT(t.id) >= ? AND a.performance_score < ?
		ORDER BY a.id`, minFinishedForScore, lowPerformance)
	if err != nil {
		return nil, fmt.Errorf("rule agent performance: %w", err)
	}
	for rows.Next() {
		var id, name string
		var score float64
		var finished int
		if err := rows.Scan(&id, &name, &score, &finished); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, RecommendationInput{
			Kind: RecAgentPerformance, TargetComponent: "agent:" + id, Priority: 2, EstimatedImpact: 0.6,
			Text:    fmt.Sprintf("Agent %s succeeds on %.0f%% of its tasks; review its capabilities or reassign work", name, score*100),
			Details: map[string]any{"agent_id": id, "performance_score": score, "finished_tasks": finished},
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var completed, failed int
	err = e.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE status IN ('completed', 'failed') AND completed_at > ? AND completed_at <= ?`,
		store.FormatTime(now.Add(-recommendationLookback)), store.FormatTime(now)).Scan(&completed, &failed)
	if err != nil {
		return nil, fmt.Errorf("rule failure rate: %w", err)
	}
	if finished := completed + failed; finished >= minFinishedForRate {
		if rate := float64(failed) / float64(finished); rate > degradedFailureRate {
			out = append(out, RecommendationInput{
				Kind: RecTaskFailureRate, TargetComponent: "ledger", Priority: 1, EstimatedImpact: 0.8, Effort: "high",
				Text:    fmt.Sprintf("%.0f%% of tasks finished in the last 24h failed; analyse failure patterns", rate*100),
				Details: map[string]any{"completed": completed, "failed": failed, "failure_rate": rate},
			})
		}
	}

	rows, err = e.db.QueryContext(ctx, `SELECT id, name, current_size_bytes, max_size_bytes FROM memory_banks
		WHERE max_size_bytes > 0 AND current_size_bytes > ? * max_size_bytes ORDER BY name`, nearQuotaRatio)
	if err != nil {
		return nil, fmt.Errorf("rule bank quota: %w", err)
	}
	for rows.Next() {
		var id, name string
		var cur, limit int64
		if err := rows.Scan(&id, &name, &cur, &limit); err != nil {
			rows.Close()
			return nil, err
		}
		ratio := float64(cur) / float64(limit)
		out = append(out, RecommendationInput{
			Kind: RecMemoryQuota, TargetComponent: "memory_bank:" + name, Priority: 3, EstimatedImpact: 0.4, Effort: "low",
			Text:    fmt.Sprintf("Memory bank %s is at %.0f%% of its quota; raise the quota or tighten retention", name, ratio*100),
			Details: map[string]any{"bank_id": id, "current_size_bytes": cur, "max_size_bytes": limit},
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = e.db.QueryContext(ctx, `SELECT id, title, usage_count, effectiveness FROM knowledge_entries
		WHERE usage_count >= ? AND effectiveness < ? ORDER BY usage_count DESC, id`, heavyKnowledgeUsage, ineffectiveKnowledge)
	if err != nil {
		return nil, fmt.Errorf("rule knowledge effectiveness: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, title string
		var usage int
		var eff float64
		if err := rows.Scan(&id, &title, &usage, &eff); err != nil {
			return nil, err
		}
		out = append(out, RecommendationInput{
			Kind: RecKnowledgeEffectiveness, TargetComponent: "knowledge:" + id, Priority: 4, EstimatedImpact: 0.3, Effort: "low",
			Text:    fmt.Sprintf("Knowledge %q was used %d times but is only %.0f%% effective; revise or retire it", title, usage, eff*100),
			Details: map[string]any{"knowledge_id": id, "usage_count": usage, "effectiveness": eff},
		})
	}
	return out, rows.Err()
}

func (e *Engine) notifyUrgent(ctx context.Context, recs []Recommendation) {
	for _, r := range recs {
		if r.Priority != 1 {
			continue
		}
		err := e.notifier.Notify(ctx, notify.Notification{
			Title:    "Urgent optimisation recommendation",
			Text:     r.Text,
			Severity: notify.SeverityCritical,
			Source:   "analytics",
			Fields:   map[string]string{"kind": r.Kind, "target": r.TargetComponent, "id": r.ID},
		})
		if err != nil {
			slog.Warn("Recommendation notification failed", "id", r.ID, "error", err)
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecommendation(s scanner) (*Recommendation, error) {
	var r Recommendation
	var details, status, created string
	var implemented sql.NullString
	if err := s.Scan(&r.ID, &r.Kind, &r.TargetComponent, &r.Text, &details, &r.Priority, &r.EstimatedImpact,
		&r.Effort, &status, &created, &implemented); err != nil {
		return nil, err
	}
	r.Details = store.RawJSON(details)
	r.Status = RecStatus(status)
	r.CreatedAt = store.ParseTime(created)
	r.ImplementedAt = store.TimePtr(implemented)
	return &r, nil
}
