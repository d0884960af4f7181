package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/store"
)

// RecordEvolution appends a system evolution record.
func (l *Loop) RecordEvolution(ctx context.Context, in EvolutionInput) (*Evolution, error) {
	in.Kind = strings.TrimSpace(in.Kind)
	if in.Kind == "" {
		return nil, store.Validationf("evolution kind is required")
	}
	components := dedupe(in.AffectedComponents)
	compText, err := store.JSONText(components, "[]")
	if err != nil {
		return nil, err
	}
	metrics, err := store.JSONText(in.ImprovementMetrics, "{}")
	if err != nil {
		return nil, err
	}
	var rollback any
	if in.RollbackData != nil {
		text, err := store.JSONText(in.RollbackData, "")
		if err != nil {
			return nil, err
		}
		if text != "" {
			rollback = text
		}
	}
	if in.RollbackAvailable && rollback == nil {
		return nil, store.Validationf("rollback_available needs rollback data")
	}
	id := uuid.NewString()
	_, err = l.db.ExecContext(ctx, `INSERT INTO system_evolution (id, kind, description, before_version, after_version,
		affected_components, improvement_metrics, rollback_available, rollback_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Kind, in.Description, in.BeforeVersion, in.AfterVersion, compText, metrics, in.RollbackAvailable,
		rollback, store.FormatTime(l.now()))
	if err != nil {
		return nil, fmt.Errorf("record evolution: %w", err)
	}
	items, err := l.queryEvolution(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &items[0], nil
}

// RecordEvolutionFromActions aggregates the named actions into one evolution
// record: their target components, their improvements (actual when measured,
// expected otherwise) and their rollback plans. Rollback is available only
// when every action has a plan.
func (l *Loop) RecordEvolutionFromActions(ctx context.Context, actionIDs []string, kind, description, before, after string) (*Evolution, error) {
	if len(actionIDs) == 0 {
		return nil, store.Validationf("at least one action is required")
	}
	in := EvolutionInput{
		Kind: kind, Description: description, BeforeVersion: before, AfterVersion: after,
		ImprovementMetrics: map[string]float64{}, RollbackAvailable: true,
	}
	plans := map[string]*RollbackPlan{}
	for _, id := range actionIDs {
		a, err := l.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}
		in.AffectedComponents = append(in.AffectedComponents, a.TargetComponent)
		switch {
		case a.ActualImprovement != nil:
			in.ImprovementMetrics[a.ID] = *a.ActualImprovement
		case a.ExpectedImprovement != nil:
			in.ImprovementMetrics[a.ID] = *a.ExpectedImprovement
		}
		if a.RollbackPlan.empty() {
			in.RollbackAvailable = false
			continue
		}
		plans[a.ID] = a.RollbackPlan
	}
	in.RollbackData = map[string]any{"actions": plans}
	return l.RecordEvolution(ctx, in)
}

// ListEvolution returns evolution records oldest first.
func (l *Loop) ListEvolution(ctx context.Context, limit int) ([]Evolution, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.queryEvolution(ctx, fmt.Sprintf(`ORDER BY created_at ASC, id ASC LIMIT %d`, limit))
}

func (l *Loop) queryEvolution(ctx context.Context, clause string, args ...any) ([]Evolution, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, kind, description, before_version, after_version,
		affected_components, improvement_metrics, rollback_available, rollback_data, created_at
		FROM system_evolution `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query evolution: %w", err)
	}
	defer rows.Close()
	var out []Evolution
	for rows.Next() {
		var e Evolution
		var comps, metrics, created string
		var rollback *string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Description, &e.BeforeVersion, &e.AfterVersion, &comps, &metrics,
			&e.RollbackAvailable, &rollback, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(comps), &e.AffectedComponents); err != nil {
			return nil, fmt.Errorf("decode components of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(metrics), &e.ImprovementMetrics); err != nil {
			return nil, fmt.Errorf("decode metrics of %s: %w", e.ID, err)
		}
		if rollback != nil {
			e.RollbackData = store.RawJSON(*rollback)
		}
		e.CreatedAt = store.ParseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
