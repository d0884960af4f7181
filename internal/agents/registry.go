package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/store"
)

// Registry persists agents and relationships.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// NewRegistry creates a Registry on the shared database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

const agentColumns = `id, name, agent_type, capabilities, status, version, architecture,
	performance_score, created_at, updated_at, last_activity`

// Register inserts a new agent.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*Agent, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, store.Validationf("agent name is required")
	}
	if in.Status == "" {
		in.Status = StatusActive
	}
	if !in.Status.Valid() {
		return nil, store.Validationf("unknown agent status %q", in.Status)
	}
	if in.PerformanceScore < 0 || math.IsNaN(in.PerformanceScore) || math.IsInf(in.PerformanceScore, 0) {
		return nil, store.Validationf("performance score must be a finite value >= 0")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Version == "" {
		in.Version = "1.0.0"
	}
	caps, err := json.Marshal(normalizeCapabilities(in.Capabilities))
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}

	now := store.FormatTime(r.now())
	_, err = r.db.ExecContext(ctx, `INSERT INTO agents (id, name, agent_type, capabilities, status, version,
		architecture, performance_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, name, in.Type, string(caps), string(in.Status), in.Version, in.Architecture,
		in.PerformanceScore, now, now)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return nil, store.Conflictf("agent %s already registered", in.ID)
		}
		return nil, fmt.Errorf("register agent: %w", err)
	}
	slog.Info("Agent registered", "agent", in.ID, "name", name, "type", in.Type)
	return r.Get(ctx, in.ID)
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("agent %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// List returns agents ordered by creation time.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += " AND agent_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateStatus moves an agent to any status. Transitions are unrestricted.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status Status) (*Agent, error) {
	if !status.Valid() {
		return nil, store.Validationf("unknown agent status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), store.FormatTime(r.now()), id)
	if err != nil {
		return nil, fmt.Errorf("update agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.NotFoundf("agent %s", id)
	}
	slog.Info("Agent status changed", "agent", id, "status", status)
	return r.Get(ctx, id)
}

// UpdateCapabilities replaces an agent's capability set.
func (r *Registry) UpdateCapabilities(ctx context.Context, id string, capabilities []string) error {
	caps, err := json.Marshal(normalizeCapabilities(capabilities))
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE agents SET capabilities = ?, updated_at = ? WHERE id = ?`,
		string(caps), store.FormatTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("update capabilities: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("agent %s", id)
	}
	return nil
}

// SetPerformanceScore stores a recomputed performance score.
func (r *Registry) SetPerformanceScore(ctx context.Context, q store.Querier, id string, score float64) error {
	if score < 0 || math.IsNaN(score) || math.IsInf(score, 0) {
		return store.Validationf("performance score must be a finite value >= 0, got %v", score)
	}
	if q == nil {
		q = r.db
	}
	res, err := q.ExecContext(ctx, `UPDATE agents SET performance_score = ?, updated_at = ? WHERE id = ?`,
		score, store.FormatTime(r.now()), id)
	if err != nil {
		return fmt.Errorf("update performance score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("agent %s", id)
	}
	return nil
}

// Touch sets last_activity. It is the write-path hook run by task assignment
// and step recording inside their own transaction.
func (r *Registry) Touch(ctx context.Context, q store.Querier, id string, at time.Time) error {
	ts := store.FormatTime(at)
	res, err := q.ExecContext(ctx, `UPDATE agents SET last_activity = ?, updated_at = ? WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("touch agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.Validationf("agent %s does not exist", id)
	}
	return nil
}

// EnsureExists fails with a validation error when the referenced agent is missing.
func (r *Registry) EnsureExists(ctx context.Context, q store.Querier, id string) error {
	_, err := r.statusOf(ctx, q, id)
	return err
}

// EnsureAssignable fails unless the agent exists and is not inactive.
func (r *Registry) EnsureAssignable(ctx context.Context, q store.Querier, id string) error {
	status, err := r.statusOf(ctx, q, id)
	if err != nil {
		return err
	}
	if status == StatusInactive {
		return store.Validationf("agent %s is inactive and cannot take new tasks", id)
	}
	return nil
}

func (r *Registry) statusOf(ctx context.Context, q store.Querier, id string) (Status, error) {
	if q == nil {
		q = r.db
	}
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.Validationf("agent %s does not exist", id)
	}
	if err != nil {
		return "", fmt.Errorf("lookup agent: %w", err)
	}
	return Status(status), nil
}

// Delete hard-deletes an agent. Owned rows (relationships, steps it executed,
// its access-log rows, learning progress, bank grants) are removed first;
// learning events, knowledge and memory entries keep an orphaned NULL reference.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return store.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.EnsureExists(ctx, tx, id); err != nil {
			return store.NotFoundf("agent %s", id)
		}
		steps := []struct {
			query string
			args  int
		}{
			{`DELETE FROM agent_relationships WHERE primary_agent_id = ? OR secondary_agent_id = ?`, 2},
			{`DELETE FROM task_execution_steps WHERE agent_id = ?`, 1},
			{`DELETE FROM memory_access_log WHERE agent_id = ?`, 1},
			{`DELETE FROM agent_learning_progress WHERE agent_id = ?`, 1},
			{`DELETE FROM memory_bank_grants WHERE agent_id = ?`, 1},
			{`UPDATE tasks SET assigned_agent_id = NULL WHERE assigned_agent_id = ?`, 1},
			{`UPDATE learning_events SET source_agent_id = NULL WHERE source_agent_id = ?`, 1},
			{`UPDATE learning_events SET target_agent_id = NULL WHERE target_agent_id = ?`, 1},
			{`UPDATE knowledge_entries SET source_agent_id = NULL WHERE source_agent_id = ?`, 1},
			{`UPDATE memory_entries SET created_by_agent_id = NULL WHERE created_by_agent_id = ?`, 1},
			{`UPDATE memory_banks SET owner_agent_id = NULL WHERE owner_agent_id = ?`, 1},
			{`DELETE FROM agents WHERE id = ?`, 1},
		}
		for _, s := range steps {
			args := make([]any, s.args)
			for i := range args {
				args[i] = id
			}
			if _, err := tx.ExecContext(ctx, s.query, args...); err != nil {
				return fmt.Errorf("delete agent cascade: %w", err)
			}
		}
		slog.Info("Agent deleted", "agent", id)
		return nil
	})
}

// UpsertRelationship creates or refreshes a relationship triple.
func (r *Registry) UpsertRelationship(ctx context.Context, q store.Querier, rel Relationship) error {
	if !rel.Kind.Valid() {
		return store.Validationf("unknown relationship kind %q", rel.Kind)
	}
	if rel.PrimaryAgentID == "" || rel.SecondaryAgentID == "" || rel.PrimaryAgentID == rel.SecondaryAgentID {
		return store.Validationf("relationship needs two distinct agents")
	}
	if err := store.CheckUnit("strength", rel.Strength); err != nil {
		return err
	}
	if q == nil {
		q = r.db
	}
	now := store.FormatTime(r.now())
	_, err := q.ExecContext(ctx, `INSERT INTO agent_relationships
		(primary_agent_id, secondary_agent_id, kind, strength, created_at, last_interaction)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(primary_agent_id, secondary_agent_id, kind) DO UPDATE SET
			strength = excluded.strength,
			last_interaction = COALESCE(excluded.last_interaction, agent_relationships.last_interaction)`,
		rel.PrimaryAgentID, rel.SecondaryAgentID, string(rel.Kind), rel.Strength, now, store.NullTime(rel.LastInteraction))
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return store.Validationf("relationship references an unknown agent")
		}
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// GetRelationship returns one relationship triple.
func (r *Registry) GetRelationship(ctx context.Context, primary, secondary string, kind RelationshipKind) (*Relationship, error) {
	row := r.db.QueryRowContext(ctx, `SELECT primary_agent_id, secondary_agent_id, kind, strength, created_at, last_interaction
		FROM agent_relationships WHERE primary_agent_id = ? AND secondary_agent_id = ? AND kind = ?`,
		primary, secondary, string(kind))
	rel, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("relationship %s/%s/%s", primary, secondary, kind)
	}
	return rel, err
}

// ListRelationships returns every relationship the agent takes part in,
// strongest first. An empty agentID lists all relationships.
func (r *Registry) ListRelationships(ctx context.Context, agentID string) ([]Relationship, error) {
	query := `SELECT primary_agent_id, secondary_agent_id, kind, strength, created_at, last_interaction
		FROM agent_relationships`
	var args []any
	if agentID != "" {
		query += ` WHERE primary_agent_id = ? OR secondary_agent_id = ?`
		args = append(args, agentID, agentID)
	}
	query += ` ORDER BY strength DESC, primary_agent_id, secondary_agent_id`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	var out []Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rel)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(s scanner) (*Agent, error) {
	var a Agent
	var caps, status, createdAt, updatedAt string
	var lastActivity sql.NullString
	if err := s.Scan(&a.ID, &a.Name, &a.Type, &caps, &status, &a.Version, &a.Architecture,
		&a.PerformanceScore, &createdAt, &updatedAt, &lastActivity); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		a.Capabilities = nil
	}
	a.CreatedAt = store.ParseTime(createdAt)
	a.UpdatedAt = store.ParseTime(updatedAt)
	a.LastActivity = store.TimePtr(lastActivity)
	return &a, nil
}

func scanRelationship(s scanner) (*Relationship, error) {
	var rel Relationship
	var kind, createdAt string
	var last sql.NullString
	if err := s.Scan(&rel.PrimaryAgentID, &rel.SecondaryAgentID, &kind, &rel.Strength, &createdAt, &last); err != nil {
		return nil, err
	}
	rel.Kind = RelationshipKind(kind)
	rel.CreatedAt = store.ParseTime(createdAt)
	rel.LastInteraction = store.TimePtr(last)
	return &rel, nil
}

func normalizeCapabilities(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
