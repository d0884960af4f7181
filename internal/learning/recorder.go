// Package learning records cross-agent learning events and the per-domain
// progress they produce.
package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/store"
)

// Well-known event kinds. Kind is free-form; these are the ones agents emit today.
const (
	KindSuccessPattern    = "success_pattern"
	KindFailureAnalysis   = "failure_analysis"
	KindOptimization      = "optimization"
	KindKnowledgeTransfer = "knowledge_transfer"
)

// Event is an immutable learning record. Only AppliedAt is ever set after creation.
type Event struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Domain        string          `json:"domain"`
	SourceAgentID string          `json:"source_agent_id,omitempty"`
	TargetAgentID string          `json:"target_agent_id,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Confidence    float64         `json:"confidence"`
	Impact        float64         `json:"impact"`
	CreatedAt     time.Time       `json:"created_at"`
	AppliedAt     *time.Time      `json:"applied_at,omitempty"`
}

// EventInput describes a new learning event. Domain defaults to Kind.
type EventInput struct {
	ID            string          `json:"id,omitempty"`
	Kind          string          `json:"kind"`
	Domain        string          `json:"domain,omitempty"`
	SourceAgentID string          `json:"source_agent_id"`
	TargetAgentID string          `json:"target_agent_id,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	Context       json.RawMessage `json:"context,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Confidence    float64         `json:"confidence"`
	Impact        float64         `json:"impact"`
}

// ListFilter narrows List. Applied nil matches both states.
type ListFilter struct {
	AgentID string
	Kind    string
	TaskID  string
	Domain  string
	Applied *bool
	Limit   int
}

// Progress is an agent's standing in one learning domain.
type Progress struct {
	AgentID           string     `json:"agent_id"`
	Domain            string     `json:"domain"`
	SkillLevel        float64    `json:"skill_level"`
	EventsCount       int        `json:"events_count"`
	Velocity          float64    `json:"velocity"`
	LastImprovementAt *time.Time `json:"last_improvement_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DomainSummary aggregates learning activity for one domain.
type DomainSummary struct {
	Domain        string  `json:"domain"`
	Agents        int     `json:"agents"`
	Events        int     `json:"events"`
	AppliedEvents int     `json:"applied_events"`
	AvgSkill      float64 `json:"avg_skill"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgImpact     float64 `json:"avg_impact"`
}

// Recorder is the append-only learning event log.
type Recorder struct {
	db      *sql.DB
	agents  *agents.Registry
	enabled func() bool
	now     func() time.Time
}

// NewRecorder creates a Recorder. Progress tracking is on until SetEnabled
// installs a different source.
func NewRecorder(db *sql.DB, reg *agents.Registry) *Recorder {
	return &Recorder{db: db, agents: reg, enabled: func() bool { return true }, now: time.Now}
}

// SetEnabled installs the learning_enabled flag source.
func (r *Recorder) SetEnabled(fn func() bool) {
	if fn != nil {
		r.enabled = fn
	}
}

// Record appends an event. When learning is enabled the beneficiary's
// (target, else source) progress in the event domain advances by
// impact x confidence x 0.1, capped at 1.0.
func (r *Recorder) Record(ctx context.Context, in EventInput) (*Event, error) {
	in.Kind = strings.TrimSpace(in.Kind)
	if in.Kind == "" {
		return nil, store.Validationf("learning event kind is required")
	}
	if in.SourceAgentID == "" {
		return nil, store.Validationf("learning event source agent is required")
	}
	if err := store.CheckUnit("confidence", in.Confidence); err != nil {
		return nil, err
	}
	if err := store.CheckUnit("impact", in.Impact); err != nil {
		return nil, err
	}
	if in.Domain == "" {
		in.Domain = in.Kind
	}
	ctxText, err := store.JSONText(in.Context, "{}")
	if err != nil {
		return nil, err
	}
	payload, err := store.JSONText(in.Payload, "{}")
	if err != nil {
		return nil, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	now := r.now()
	trackProgress := r.enabled()
	err = store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.agents.EnsureExists(ctx, tx, in.SourceAgentID); err != nil {
			return err
		}
		if in.TargetAgentID != "" {
			if err := r.agents.EnsureExists(ctx, tx, in.TargetAgentID); err != nil {
				return err
			}
		}
		if in.TaskID != "" {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, in.TaskID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return store.Validationf("task %s does not exist", in.TaskID)
			}
			if err != nil {
				return fmt.Errorf("lookup task: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO learning_events (id, kind, domain, source_agent_id, target_agent_id,
			task_id, context, payload, confidence, impact, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.Kind, in.Domain, in.SourceAgentID, store.NullString(in.TargetAgentID),
			store.NullString(in.TaskID), ctxText, payload, in.Confidence, in.Impact, store.FormatTime(now))
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflictf("learning event %s already recorded", in.ID)
			}
			return fmt.Errorf("insert learning event: %w", err)
		}
		if !trackProgress {
			return nil
		}
		beneficiary := in.TargetAgentID
		if beneficiary == "" {
			beneficiary = in.SourceAgentID
		}
		return upsertProgress(ctx, tx, beneficiary, in.Domain, SkillGain(in.Impact, in.Confidence), now)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Learning event recorded", "event", in.ID, "kind", in.Kind, "source", in.SourceAgentID, "target", in.TargetAgentID)
	return r.Get(ctx, in.ID)
}

// SkillGain is the progress increment produced by one event.
func SkillGain(impact, confidence float64) float64 {
	return impact * confidence * 0.1
}

func upsertProgress(ctx context.Context, tx *sql.Tx, agentID, domain string, gain float64, at time.Time) error {
	ts := store.FormatTime(at)
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_learning_progress
		(agent_id, domain, skill_level, events_count, velocity, last_improvement_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(agent_id, domain) DO UPDATE SET
			skill_level = MIN(1.0, agent_learning_progress.skill_level + excluded.skill_level),
			events_count = agent_learning_progress.events_count + 1,
			velocity = excluded.velocity,
			last_improvement_at = excluded.last_improvement_at,
			updated_at = excluded.updated_at`,
		agentID, domain, math.Min(1, gain), gain, ts, ts)
	if err != nil {
		return fmt.Errorf("update learning progress: %w", err)
	}
	return nil
}

// MarkApplied sets applied_at. It succeeds exactly once per event.
func (r *Recorder) MarkApplied(ctx context.Context, id string) (*Event, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE learning_events SET applied_at = ? WHERE id = ? AND applied_at IS NULL`,
		store.FormatTime(r.now()), id)
	if err != nil {
		return nil, fmt.Errorf("mark applied: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, store.Conflictf("learning event %s already applied", id)
	}
	return r.Get(ctx, id)
}

const eventColumns = `id, kind, domain, source_agent_id, target_agent_id, task_id, context, payload,
	confidence, impact, created_at, applied_at`

// Get returns one event.
func (r *Recorder) Get(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM learning_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("learning event %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get learning event: %w", err)
	}
	return e, nil
}

// List returns events oldest first.
func (r *Recorder) List(ctx context.Context, f ListFilter) ([]Event, error) {
	query := `SELECT ` + eventColumns + ` FROM learning_events WHERE 1=1`
	var args []any
	if f.AgentID != "" {
		query += ` AND (source_agent_id = ? OR target_agent_id = ?)`
		args = append(args, f.AgentID, f.AgentID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, f.Domain)
	}
	if f.Applied != nil {
		if *f.Applied {
			query += ` AND applied_at IS NOT NULL`
		} else {
			query += ` AND applied_at IS NULL`
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list learning events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Progress returns an agent's per-domain progress, strongest domain first.
func (r *Recorder) Progress(ctx context.Context, agentID string) ([]Progress, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT agent_id, domain, skill_level, events_count, velocity,
		last_improvement_at, updated_at FROM agent_learning_progress
		WHERE agent_id = ? ORDER BY skill_level DESC, domain ASC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("learning progress: %w", err)
	}
	defer rows.Close()
	var out []Progress
	for rows.Next() {
		var p Progress
		var last sql.NullString
		var updated string
		if err := rows.Scan(&p.AgentID, &p.Domain, &p.SkillLevel, &p.EventsCount, &p.Velocity, &last, &updated); err != nil {
			return nil, err
		}
		p.LastImprovementAt = store.TimePtr(last)
		p.UpdatedAt = store.ParseTime(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DomainRollup aggregates learning per domain. An empty domain returns all domains.
func (r *Recorder) DomainRollup(ctx context.Context, domain string) ([]DomainSummary, error) {
	query := `SELECT e.domain,
			COUNT(*),
			COALESCE(SUM(CASE WHEN e.applied_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(e.confidence), 0),
			COALESCE(AVG(e.impact), 0)
		FROM learning_events e`
	var args []any
	if domain != "" {
		query += ` WHERE e.domain = ?`
		args = append(args, domain)
	}
	query += ` GROUP BY e.domain ORDER BY e.domain`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("domain rollup: %w", err)
	}
	var out []DomainSummary
	for rows.Next() {
		var s DomainSummary
		if err := rows.Scan(&s.Domain, &s.Events, &s.AppliedEvents, &s.AvgConfidence, &s.AvgImpact); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range out {
		err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(AVG(skill_level), 0)
			FROM agent_learning_progress WHERE domain = ?`, out[i].Domain).Scan(&out[i].Agents, &out[i].AvgSkill)
		if err != nil {
			return nil, fmt.Errorf("domain progress: %w", err)
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	var e Event
	var source, target, task, applied sql.NullString
	var ctxText, payload, created string
	if err := s.Scan(&e.ID, &e.Kind, &e.Domain, &source, &target, &task, &ctxText, &payload,
		&e.Confidence, &e.Impact, &created, &applied); err != nil {
		return nil, err
	}
	e.SourceAgentID = source.String
	e.TargetAgentID = target.String
	e.TaskID = task.String
	e.Context = store.RawJSON(ctxText)
	e.Payload = store.RawJSON(payload)
	e.CreatedAt = store.ParseTime(created)
	e.AppliedAt = store.TimePtr(applied)
	return &e, nil
}
