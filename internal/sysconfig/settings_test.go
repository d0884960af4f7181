package sysconfig_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/store/storetest"
	"github.com/KafClaw/synapse/internal/sysconfig"
)

func newManager(t *testing.T) *sysconfig.Manager {
	t.Helper()
	st := storetest.Open(t)
	s, err := sysconfig.NewStore(st.DB(), 0)
	require.NoError(t, err)
	m := sysconfig.NewManager(s)
	t.Cleanup(m.Close)
	return m
}

func TestLoadSeedsDefaults(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	got, err := m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sysconfig.DefaultSettings(), got)
	assert.Equal(t, got, m.Current())

	e, err := m.Store().Get(ctx, sysconfig.KeyMaxConcurrentTasks)
	require.NoError(t, err)
	assert.Equal(t, sysconfig.TypeNumber, e.Type)
	assert.Equal(t, float64(5), e.Value)
	assert.NotEmpty(t, e.Description)

	_, err = m.Set(ctx, sysconfig.KeyMaxConcurrentTasks, 8)
	require.NoError(t, err)
	got, err = m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, got.MaxConcurrentTasks)
}

func TestSetValidatesKnownKeys(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.Load(ctx)
	require.NoError(t, err)

	cases := []struct {
		key   string
		value any
	}{
		{sysconfig.KeySystemVersion, 2},
		{sysconfig.KeyLearningEnabled, "yes"},
		{sysconfig.KeyMaxConcurrentTasks, 2.5},
		{sysconfig.KeyMaxConcurrentTasks, -1},
		{sysconfig.KeyAnalyticsRetentionDays, "90"},
		{sysconfig.KeyDefaultSimilarityThreshold, 1.5},
		{"custom", nil},
		{"", "x"},
	}
	for _, tc := range cases {
		_, err := m.Set(ctx, tc.key, tc.value)
		assert.ErrorIs(t, err, store.ErrValidation, "%s=%v", tc.key, tc.value)
	}
	assert.Equal(t, sysconfig.DefaultSettings(), m.Current())
}

func TestCustomKeysKeepTheirType(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	e, err := m.Set(ctx, "routing", map[string]any{"weights": []any{1, 2}, "mode": "rr"})
	require.NoError(t, err)
	assert.Equal(t, sysconfig.TypeStructured, e.Type)
	assert.Equal(t, map[string]any{"weights": []any{float64(1), float64(2)}, "mode": "rr"}, e.Value)

	e, err = m.Set(ctx, "banner", "hello")
	require.NoError(t, err)
	assert.Equal(t, sysconfig.TypeString, e.Type)

	require.NoError(t, m.Store().Delete(ctx, "banner"))
	_, err = m.Store().Get(ctx, "banner")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, m.Store().Delete(ctx, "banner"), store.ErrNotFound)
}

func TestApplyAndSnapshot(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.Load(ctx)
	require.NoError(t, err)

	before, err := m.Snapshot(ctx, []string{sysconfig.KeyAutoOptimization, "extra"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{sysconfig.KeyAutoOptimization: false, "extra": nil}, before)

	require.NoError(t, m.Apply(ctx, map[string]any{sysconfig.KeyAutoOptimization: true, "extra": "on"}))
	assert.True(t, m.Current().AutoOptimization)

	require.NoError(t, m.Apply(ctx, before))
	assert.False(t, m.Current().AutoOptimization)
	_, err = m.Store().Get(ctx, "extra")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = m.Apply(ctx, map[string]any{sysconfig.KeyAutoOptimization: true, sysconfig.KeyLearningEnabled: "bad"})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.False(t, m.Current().AutoOptimization)
	e, err := m.Store().Get(ctx, sysconfig.KeyAutoOptimization)
	require.NoError(t, err)
	assert.Equal(t, false, e.Value)
}

func TestImportYAML(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	_, err := m.Load(ctx)
	require.NoError(t, err)

	doc := `
max_concurrent_tasks: 12
default_similarity_threshold: 0.65
learning_enabled: false
tiers:
  gold: [a, b]
`
	n, err := m.ImportYAML(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	cur := m.Current()
	assert.Equal(t, 12, cur.MaxConcurrentTasks)
	assert.InDelta(t, 0.65, cur.DefaultSimilarityThreshold, 1e-12)
	assert.False(t, cur.LearningEnabled)

	e, err := m.Store().Get(ctx, "tiers")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"gold": []any{"a", "b"}}, e.Value)

	_, err = m.ImportYAML(ctx, strings.NewReader("max_concurrent_tasks: lots\n"))
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Equal(t, 12, m.Current().MaxConcurrentTasks)

	n, err = m.ImportYAML(ctx, strings.NewReader(""))
	require.NoError(t, err)
	assert.Zero(t, n)
}
