package learning_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/store/storetest"
)

func newTestRecorder(t *testing.T) *learning.Recorder {
	t.Helper()
	st := storetest.OpenWithDriver(t, store.DriverMattn)
	reg := agents.NewRegistry(st.DB())
	for _, id := range []string{"a1", "a2"} {
		_, err := reg.Register(context.Background(), agents.RegisterInput{ID: id, Name: id})
		require.NoError(t, err)
	}
	return learning.NewRecorder(st.DB(), reg)
}

func TestRecordValidatesReferencesAndScores(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	cases := []learning.EventInput{
		{SourceAgentID: "a1"},
		{Kind: "optimization"},
		{Kind: "optimization", SourceAgentID: "ghost"},
		{Kind: "optimization", SourceAgentID: "a1", TargetAgentID: "ghost"},
		{Kind: "optimization", SourceAgentID: "a1", TaskID: "ghost"},
		{Kind: "optimization", SourceAgentID: "a1", Confidence: 1.5},
		{Kind: "optimization", SourceAgentID: "a1", Impact: -0.1},
		{Kind: "optimization", SourceAgentID: "a1", Payload: json.RawMessage(`{broken`)},
	}
	for i, in := range cases {
		_, err := rec.Record(ctx, in)
		assert.ErrorIs(t, err, store.ErrValidation, "case %d", i)
	}
}

func TestRecordAndApplyOnce(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	ev, err := rec.Record(ctx, learning.EventInput{
		Kind:          learning.KindSuccessPattern,
		SourceAgentID: "a1",
		TargetAgentID: "a2",
		Payload:       json.RawMessage(`{"pattern":"retry with backoff"}`),
		Confidence:    0.8,
		Impact:        0.5,
	})
	require.NoError(t, err)
	assert.Equal(t, learning.KindSuccessPattern, ev.Domain)
	assert.Nil(t, ev.AppliedAt)
	assert.JSONEq(t, `{"pattern":"retry with backoff"}`, string(ev.Payload))

	applied, err := rec.MarkApplied(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, applied.AppliedAt)

	_, err = rec.MarkApplied(ctx, ev.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = rec.MarkApplied(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	yes := true
	list, err := rec.List(ctx, learning.ListFilter{AgentID: "a2", Applied: &yes})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestProgressAccumulatesForBeneficiary(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := rec.Record(ctx, learning.EventInput{
			Kind: learning.KindOptimization, Domain: "sql", SourceAgentID: "a1", TargetAgentID: "a2",
			Confidence: 1, Impact: 0.5,
		})
		require.NoError(t, err)
	}

	progress, err := rec.Progress(ctx, "a2")
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.Equal(t, "sql", progress[0].Domain)
	assert.Equal(t, 3, progress[0].EventsCount)
	assert.InDelta(t, 0.15, progress[0].SkillLevel, 1e-9)
	assert.InDelta(t, 0.05, progress[0].Velocity, 1e-9)

	none, err := rec.Progress(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, none)

	rollup, err := rec.DomainRollup(ctx, "sql")
	require.NoError(t, err)
	require.Len(t, rollup, 1)
	assert.Equal(t, 3, rollup[0].Events)
	assert.Equal(t, 1, rollup[0].Agents)
	assert.InDelta(t, 0.15, rollup[0].AvgSkill, 1e-9)
}

func TestSkillLevelCapsAtOne(t *testing.T) {
	rec := newTestRecorder(t)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := rec.Record(ctx, learning.EventInput{Kind: "k", SourceAgentID: "a1", Confidence: 1, Impact: 1})
		require.NoError(t, err)
	}
	progress, err := rec.Progress(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, progress, 1)
	assert.InDelta(t, 1.0, progress[0].SkillLevel, 1e-9)
}

func TestDisabledLearningSkipsProgress(t *testing.T) {
	rec := newTestRecorder(t)
	rec.SetEnabled(func() bool { return false })
	ctx := context.Background()

	_, err := rec.Record(ctx, learning.EventInput{Kind: "k", SourceAgentID: "a1", Confidence: 1, Impact: 1})
	require.NoError(t, err)

	progress, err := rec.Progress(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, progress)
}
