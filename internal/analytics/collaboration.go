package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/store"
)

// CollaborationStrength is min(1, n/10 × s) where n is the number of shared
// finished tasks and s the fraction of them that completed. Zero shared tasks
// yield 0.
func CollaborationStrength(n, successes int) float64 {
	if n <= 0 {
		return 0
	}
	s := float64(successes) / float64(n)
	return math.Min(1, float64(n)/10*s)
}

// sharedTasks holds the finished tasks in (since, until] on which both
// agents executed steps. Cancelled tasks are not finished.
const sharedTasks = `SELECT DISTINCT t.id, t.status, t.completed_at,
		s1.agent_id AS agent_a, s2.agent_id AS agent_b
	FROM tasks t
	JOIN task_execution_steps s1 ON s1.task_id = t.id
	JOIN task_execution_steps s2 ON s2.task_id = t.id AND s1.agent_id < s2.agent_id
	WHERE t.status IN ('completed', 'failed') AND t.completed_at > ? AND t.completed_at <= ?`

// PairStrength computes the collaboration of a and b over the window ending at now.
func (e *Engine) PairStrength(ctx context.Context, a, b string, window time.Duration, now time.Time) (*PairCollaboration, error) {
	if a == b {
		return nil, store.Validationf("collaboration needs two distinct agents")
	}
	if a > b {
		a, b = b, a
	}
	p := &PairCollaboration{AgentA: a, AgentB: b}
	err := e.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0)
		FROM (`+sharedTasks+`) WHERE agent_a = ? AND agent_b = ?`,
		store.FormatTime(now.Add(-window)), store.FormatTime(now), a, b).Scan(&p.SharedTasks, &p.Successes)
	if err != nil {
		return nil, fmt.Errorf("pair strength: %w", err)
	}
	p.Strength = CollaborationStrength(p.SharedTasks, p.Successes)
	return p, nil
}

// RecomputeCollaboration derives collaboration relationships for every pair
// that shared a finished task in the window. Existing collaboration
// relationships of pairs that no longer share any task are reset to 0.
func (e *Engine) RecomputeCollaboration(ctx context.Context, window time.Duration, now time.Time) ([]PairCollaboration, error) {
	if window <= 0 {
		return nil, store.Validationf("collaboration window must be positive")
	}
	var pairs []PairCollaboration
	err := store.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		pairs = pairs[:0]
		rows, err := tx.QueryContext(ctx, `SELECT agent_a, agent_b, COUNT(*),
				COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0), MAX(completed_at)
			FROM (`+sharedTasks+`) GROUP BY agent_a, agent_b ORDER BY agent_a, agent_b`,
			store.FormatTime(now.Add(-window)), store.FormatTime(now))
		if err != nil {
			return fmt.Errorf("select shared tasks: %w", err)
		}
		last := map[[2]string]*time.Time{}
		for rows.Next() {
			var p PairCollaboration
			var at sql.NullString
			if err := rows.Scan(&p.AgentA, &p.AgentB, &p.SharedTasks, &p.Successes, &at); err != nil {
				rows.Close()
				return err
			}
			p.Strength = CollaborationStrength(p.SharedTasks, p.Successes)
			last[[2]string{p.AgentA, p.AgentB}] = store.TimePtr(at)
			pairs = append(pairs, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		seen := map[[2]string]bool{}
		for _, p := range pairs {
			key := [2]string{p.AgentA, p.AgentB}
			seen[key] = true
			err := e.agents.UpsertRelationship(ctx, tx, agents.Relationship{
				PrimaryAgentID: p.AgentA, SecondaryAgentID: p.AgentB, Kind: agents.KindCollaboration,
				Strength: p.Strength, LastInteraction: last[key],
			})
			if err != nil {
				return err
			}
		}

		stale, err := tx.QueryContext(ctx, `SELECT primary_agent_id, secondary_agent_id FROM agent_relationships
			WHERE kind = ? AND strength > 0`, string(agents.KindCollaboration))
		if err != nil {
			return fmt.Errorf("select collaborations: %w", err)
		}
		var reset [][2]string
		for stale.Next() {
			var k [2]string
			if err := stale.Scan(&k[0], &k[1]); err != nil {
				stale.Close()
				return err
			}
			if !seen[k] {
				reset = append(reset, k)
			}
		}
		if err := stale.Err(); err != nil {
			stale.Close()
			return err
		}
		stale.Close()
		for _, k := range reset {
			if _, err := tx.ExecContext(ctx, `UPDATE agent_relationships SET strength = 0
				WHERE primary_agent_id = ? AND secondary_agent_id = ? AND kind = ?`,
				k[0], k[1], string(agents.KindCollaboration)); err != nil {
				return fmt.Errorf("reset collaboration: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Collaboration recomputed", "pairs", len(pairs), "window", window)
	return pairs, nil
}
