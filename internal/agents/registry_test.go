package agents_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/store/storetest"
)

func newTestRegistry(t *testing.T) (*agents.Registry, *store.Store) {
	t.Helper()
	st := storetest.Open(t)
	return agents.NewRegistry(st.DB()), st
}

func TestRegisterDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.Register(ctx, agents.RegisterInput{
		Name:         "planner",
		Type:         "llm",
		Capabilities: []string{"plan", "code", "plan", " "},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, agents.StatusActive, a.Status)
	assert.Equal(t, "1.0.0", a.Version)
	assert.Equal(t, []string{"code", "plan"}, a.Capabilities)
	assert.Nil(t, a.LastActivity)
}

func TestRegisterValidation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, agents.RegisterInput{Name: " "})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = reg.Register(ctx, agents.RegisterInput{Name: "x", Status: "sleeping"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = reg.Register(ctx, agents.RegisterInput{Name: "x", PerformanceScore: -1})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = reg.Register(ctx, agents.RegisterInput{ID: "a1", Name: "x"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, agents.RegisterInput{ID: "a1", Name: "y"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestUpdateStatusAnyToAny(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	a, err := reg.Register(ctx, agents.RegisterInput{ID: "a1", Name: "worker"})
	require.NoError(t, err)

	for _, s := range []agents.Status{agents.StatusUpgrading, agents.StatusInactive, agents.StatusLearning, agents.StatusActive} {
		got, err := reg.UpdateStatus(ctx, a.ID, s)
		require.NoError(t, err)
		assert.Equal(t, s, got.Status)
	}

	_, err = reg.UpdateStatus(ctx, a.ID, "bogus")
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = reg.UpdateStatus(ctx, "missing", agents.StatusActive)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnsureAssignableRejectsInactive(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, agents.RegisterInput{ID: "a1", Name: "worker"})
	require.NoError(t, err)

	require.NoError(t, reg.EnsureAssignable(ctx, st.DB(), "a1"))

	_, err = reg.UpdateStatus(ctx, "a1", agents.StatusInactive)
	require.NoError(t, err)
	assert.ErrorIs(t, reg.EnsureAssignable(ctx, st.DB(), "a1"), store.ErrValidation)
	assert.ErrorIs(t, reg.EnsureAssignable(ctx, st.DB(), "ghost"), store.ErrValidation)
}

func TestTouchSetsLastActivity(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, agents.RegisterInput{ID: "a1", Name: "worker"})
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, reg.Touch(ctx, st.DB(), "a1", at))

	a, err := reg.Get(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, a.LastActivity)
	assert.True(t, a.LastActivity.Equal(at))
}

func TestRelationshipUpsert(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2"} {
		_, err := reg.Register(ctx, agents.RegisterInput{ID: id, Name: id})
		require.NoError(t, err)
	}

	rel := agents.Relationship{PrimaryAgentID: "a1", SecondaryAgentID: "a2", Kind: agents.KindCollaboration, Strength: 0.4}
	require.NoError(t, reg.UpsertRelationship(ctx, nil, rel))
	rel.Strength = 0.9
	require.NoError(t, reg.UpsertRelationship(ctx, nil, rel))

	got, err := reg.GetRelationship(ctx, "a1", "a2", agents.KindCollaboration)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, got.Strength, 1e-9)

	all, err := reg.ListRelationships(ctx, "a2")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	rel.Strength = 1.5
	assert.ErrorIs(t, reg.UpsertRelationship(ctx, nil, rel), store.ErrValidation)
	rel.Strength = 0.5
	rel.Kind = "rivalry"
	assert.ErrorIs(t, reg.UpsertRelationship(ctx, nil, rel), store.ErrValidation)
	rel.Kind = agents.KindDelegation
	rel.SecondaryAgentID = "ghost"
	assert.ErrorIs(t, reg.UpsertRelationship(ctx, nil, rel), store.ErrValidation)
}

func TestDeleteCascadesOwnedRowsAndOrphansReferences(t *testing.T) {
	reg, st := newTestRegistry(t)
	ctx := context.Background()
	db := st.DB()
	for _, id := range []string{"a1", "a2"} {
		_, err := reg.Register(ctx, agents.RegisterInput{ID: id, Name: id})
		require.NoError(t, err)
	}
	require.NoError(t, reg.UpsertRelationship(ctx, nil, agents.Relationship{
		PrimaryAgentID: "a1", SecondaryAgentID: "a2", Kind: agents.KindCollaboration, Strength: 0.5,
	}))

	now := store.FormatTime(time.Now())
	_, err := db.ExecContext(ctx, `INSERT INTO tasks (id, task_key, assigned_agent_id, created_at) VALUES ('t1', 'k1', 'a1', ?)`, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO task_execution_steps (task_id, step_number, agent_id) VALUES ('t1', 1, 'a1')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO learning_events (id, kind, source_agent_id, created_at) VALUES ('e1', 'optimization', 'a1', ?)`, now)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO knowledge_entries (id, kind, title, content, source_agent_id, created_at, updated_at)
		VALUES ('k1', 'pattern', 't', 'c', 'a1', ?, ?)`, now, now)
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, "a1"))

	_, err = reg.Get(ctx, "a1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	count := func(query string) int {
		var n int
		require.NoError(t, db.QueryRowContext(ctx, query).Scan(&n))
		return n
	}
	assert.Equal(t, 0, count(`SELECT COUNT(*) FROM agent_relationships`))
	assert.Equal(t, 0, count(`SELECT COUNT(*) FROM task_execution_steps`))
	assert.Equal(t, 1, count(`SELECT COUNT(*) FROM tasks WHERE assigned_agent_id IS NULL`))
	assert.Equal(t, 1, count(`SELECT COUNT(*) FROM learning_events WHERE source_agent_id IS NULL`))
	assert.Equal(t, 1, count(`SELECT COUNT(*) FROM knowledge_entries WHERE source_agent_id IS NULL`))

	assert.ErrorIs(t, reg.Delete(ctx, "a1"), store.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, agents.RegisterInput{ID: "a1", Name: "one", Type: "coder"})
	require.NoError(t, err)
	_, err = reg.Register(ctx, agents.RegisterInput{ID: "a2", Name: "two", Type: "reviewer", Status: agents.StatusLearning})
	require.NoError(t, err)

	all, err := reg.List(ctx, agents.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	learning, err := reg.List(ctx, agents.ListFilter{Status: agents.StatusLearning})
	require.NoError(t, err)
	require.Len(t, learning, 1)
	assert.Equal(t, "a2", learning[0].ID)

	coders, err := reg.List(ctx, agents.ListFilter{Type: "coder"})
	require.NoError(t, err)
	require.Len(t, coders, 1)
	assert.Equal(t, "a1", coders[0].ID)
}
