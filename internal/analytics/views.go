package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/store"
)

// Health thresholds.
const (
	degradedFailureRate = 0.3
	criticalFailureRate = 0.5
	lowPerformance      = 0.5
	nearQuotaRatio      = 0.9
	healthWindow        = 24 * time.Hour
)

// AgentPerformanceSummary returns one row per agent, best score first.
func (e *Engine) AgentPerformanceSummary(ctx context.Context) ([]AgentSummary, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT a.id, a.name, a.status, a.performance_score, a.last_activity,
			COALESCE(SUM(CASE WHEN t.status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN t.status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN t.status = 'completed' THEN t.actual_duration_ms END), 0),
			(SELECT COUNT(*) FROM learning_events le WHERE le.source_agent_id = a.id)
		FROM agents a
		LEFT JOIN tasks t ON t.assigned_agent_id = a.id
		GROUP BY a.id
		ORDER BY a.performance_score DESC, a.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("agent performance summary: %w", err)
	}
	defer rows.Close()
	var out []AgentSummary
	for rows.Next() {
		var s AgentSummary
		var last sql.NullString
		if err := rows.Scan(&s.AgentID, &s.Name, &s.Status, &s.PerformanceScore, &last,
			&s.Completed, &s.Failed, &s.Running, &s.AvgDurationMs, &s.LearningEvents); err != nil {
			return nil, err
		}
		s.LastActivity = store.TimePtr(last)
		if finished := s.Completed + s.Failed; finished > 0 {
			s.SuccessRate = float64(s.Completed) / float64(finished)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LearningProgress summarises learning per domain; an empty domain covers all.
func (e *Engine) LearningProgress(ctx context.Context, domain string) ([]learning.DomainSummary, error) {
	return e.learning.DomainRollup(ctx, domain)
}

// SystemHealth builds a point-in-time health view.
func (e *Engine) SystemHealth(ctx context.Context) (*SystemHealth, error) {
	now := e.now()
	h := &SystemHealth{
		AgentsByStatus: map[string]int{},
		TasksByStatus:  map[string]int{},
		CheckedAt:      now.UTC(),
	}
	if err := countBy(ctx, e.db, `SELECT status, COUNT(*) FROM agents GROUP BY status`, h.AgentsByStatus); err != nil {
		return nil, err
	}
	if err := countBy(ctx, e.db, `SELECT status, COUNT(*) FROM tasks GROUP BY status`, h.TasksByStatus); err != nil {
		return nil, err
	}
	for _, n := range h.AgentsByStatus {
		h.TotalAgents += n
	}
	h.ActiveAgents = h.AgentsByStatus["active"]
	h.PendingTasks = h.TasksByStatus["pending"]
	h.RunningTasks = h.TasksByStatus["running"]

	since := store.FormatTime(now.Add(-healthWindow))
	var completed, failed int
	err := e.db.QueryRowContext(ctx, `SELECT
			COALESCE((SELECT AVG(performance_score) FROM agents WHERE status = 'active'), 0),
			(SELECT COUNT(*) FROM tasks WHERE status = 'completed' AND completed_at >= ?),
			(SELECT COUNT(*) FROM tasks WHERE status = 'failed' AND completed_at >= ?),
			(SELECT COUNT(*) FROM knowledge_entries),
			(SELECT COUNT(*) FROM memory_banks),
			(SELECT COUNT(*) FROM memory_entries),
			(SELECT COUNT(*) FROM memory_banks WHERE max_size_bytes > 0 AND current_size_bytes >= ? * max_size_bytes),
			(SELECT COUNT(*) FROM optimization_recommendations WHERE status = 'pending'),
			(SELECT COUNT(*) FROM feedback_events WHERE processed = 0),
			(SELECT COUNT(*) FROM analytics_metrics WHERE aggregation_window = 'raw' AND recorded_at >= ?)`,
		since, since, nearQuotaRatio, store.FormatTime(now.Add(-time.Hour))).Scan(
		&h.AvgActivePerformance, &completed, &failed, &h.KnowledgeEntries, &h.MemoryBanks, &h.MemoryEntries,
		&h.BanksNearQuota, &h.PendingRecommendations, &h.UnprocessedFeedback, &h.MetricsLastHour)
	if err != nil {
		return nil, fmt.Errorf("system health: %w", err)
	}
	if finished := completed + failed; finished > 0 {
		h.FailureRate = float64(failed) / float64(finished)
	}

	switch {
	case h.TotalAgents > 0 && h.ActiveAgents == 0, h.FailureRate > criticalFailureRate:
		h.Status = HealthCritical
	case h.FailureRate > degradedFailureRate, h.BanksNearQuota > 0,
		h.ActiveAgents > 0 && h.AvgActivePerformance < lowPerformance && completed+failed > 0:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
	return h, nil
}

// RecomputePerformanceScores sets every agent with finished tasks to its
// completed / (completed + failed) ratio.
func (e *Engine) RecomputePerformanceScores(ctx context.Context) (int, error) {
	type score struct {
		id    string
		value float64
	}
	var scores []score
	updated := 0
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		scores = scores[:0]
		rows, err := tx.QueryContext(ctx, `SELECT assigned_agent_id,
				SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
				SUM(CASE WHEN status IN ('completed', 'failed') THEN 1 ELSE 0 END)
			FROM tasks WHERE assigned_agent_id IS NOT NULL AND status IN ('completed', 'failed')
			GROUP BY assigned_agent_id`)
		if err != nil {
			return fmt.Errorf("select finished tasks: %w", err)
		}
		for rows.Next() {
			var s score
			var done, finished int
			if err := rows.Scan(&s.id, &done, &finished); err != nil {
				rows.Close()
				return err
			}
			s.value = float64(done) / float64(finished)
			scores = append(scores, s)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, s := range scores {
			if err := e.agents.SetPerformanceScore(ctx, tx, s.id, s.value); err != nil {
				return err
			}
		}
		updated = len(scores)
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Debug("Performance scores recomputed", "agents", updated)
	return updated, nil
}

func countBy(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
