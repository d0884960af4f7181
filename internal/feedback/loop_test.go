package feedback_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/feedback"
	"github.com/KafClaw/synapse/internal/notify"
	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/store/storetest"
)

type memConfig struct {
	mu     sync.Mutex
	values map[string]any
}

func (m *memConfig) Snapshot(_ context.Context, keys []string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]any{}
	for _, k := range keys {
		out[k] = m.values[k]
	}
	return out, nil
}

func (m *memConfig) Apply(_ context.Context, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		if v == nil {
			delete(m.values, k)
			continue
		}
		m.values[k] = v
	}
	return nil
}

func newLoop(t *testing.T) (*feedback.Loop, *memConfig, *notify.Recorder) {
	t.Helper()
	st := storetest.Open(t)
	cfg := &memConfig{values: map[string]any{"max_concurrent_tasks": float64(10)}}
	rec := &notify.Recorder{}
	return feedback.New(st.DB(), cfg, rec), cfg, rec
}

func ptr(f float64) *float64 { return &f }

// gatedConfig counts Apply calls and holds each one until release is closed.
type gatedConfig struct {
	memConfig
	applies atomic.Int32
	release chan struct{}
	fail    error
}

func (g *gatedConfig) Apply(ctx context.Context, values map[string]any) error {
	g.applies.Add(1)
	if g.release != nil {
		<-g.release
	}
	if g.fail != nil {
		return g.fail
	}
	return g.memConfig.Apply(ctx, values)
}

// plannedAction proposes an action raising max_concurrent_tasks to 20 with a
// captured rollback plan.
func plannedAction(t *testing.T, l *feedback.Loop) *feedback.Action {
	t.Helper()
	ctx := context.Background()
	fb, err := l.Submit(ctx, feedback.FeedbackInput{Kind: "analytics", Actionable: true})
	require.NoError(t, err)
	a, err := l.ProposeAction(ctx, feedback.ActionInput{
		Kind: "config_tuning", TargetComponent: "ledger", Description: "raise the task limit", FeedbackID: fb.ID,
		ConfigChanges: map[string]any{"max_concurrent_tasks": float64(20)},
	})
	require.NoError(t, err)
	a, err = l.CaptureRollback(ctx, a.ID)
	require.NoError(t, err)
	return a
}

// race runs fn from n goroutines at once. It returns the errors of the n-1
// callers that finish first, then opens gate so the last one can finish.
func race(t *testing.T, n int, gate chan struct{}, fn func() error) []error {
	t.Helper()
	start := make(chan struct{})
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			<-start
			results <- fn()
		}()
	}
	close(start)
	var errs []error
	timeout := time.After(5 * time.Second)
	for len(errs) < n-1 {
		select {
		case err := <-results:
			errs = append(errs, err)
		case <-timeout:
			close(gate)
			t.Fatalf("only %d of %d callers returned while one change was being applied", len(errs), n)
		}
	}
	close(gate)
	return append(errs, <-results)
}

func TestSubmitAndProcessFeedback(t *testing.T) {
	l, _, _ := newLoop(t)
	ctx := context.Background()

	_, err := l.Submit(ctx, feedback.FeedbackInput{Kind: "user", Sentiment: 1.5})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.Submit(ctx, feedback.FeedbackInput{Sentiment: 0})
	assert.ErrorIs(t, err, store.ErrValidation)

	fb, err := l.Submit(ctx, feedback.FeedbackInput{Kind: "user", TargetComponent: "ledger", Sentiment: -0.8,
		Actionable: true, Content: json.RawMessage(`{"msg":"too slow"}`)})
	require.NoError(t, err)
	assert.False(t, fb.Processed)
	assert.True(t, fb.Actionable)
	assert.JSONEq(t, `{"msg":"too slow"}`, string(fb.Content))

	unprocessed := false
	open, err := l.ListFeedback(ctx, &unprocessed)
	require.NoError(t, err)
	require.Len(t, open, 1)

	done, err := l.MarkProcessed(ctx, fb.ID)
	require.NoError(t, err)
	assert.True(t, done.Processed)
	require.NotNil(t, done.ProcessedAt)

	open, err = l.ListFeedback(ctx, &unprocessed)
	require.NoError(t, err)
	assert.Empty(t, open)
	_, err = l.MarkProcessed(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImplementingNeedsRollbackPlan(t *testing.T) {
	l, cfg, rec := newLoop(t)
	ctx := context.Background()
	fb, err := l.Submit(ctx, feedback.FeedbackInput{Kind: "analytics", Sentiment: -0.5, Actionable: true})
	require.NoError(t, err)

	a, err := l.ProposeAction(ctx, feedback.ActionInput{
		Kind: "config_tuning", TargetComponent: "ledger", Description: "allow more parallel tasks",
		FeedbackID: fb.ID, ExpectedImprovement: ptr(0.2),
		ConfigChanges: map[string]any{"max_concurrent_tasks": float64(20), "auto_optimization": true},
	})
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionPlanned, a.Status)

	got, err := l.GetFeedback(ctx, fb.ID)
	require.NoError(t, err)
	assert.True(t, got.Processed)

	_, err = l.StartImplementing(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrMissingRollbackPlan)
	assert.Equal(t, float64(10), cfg.values["max_concurrent_tasks"])

	a, err = l.CaptureRollback(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, a.RollbackPlan)
	assert.Equal(t, float64(10), a.RollbackPlan.ConfigRestore["max_concurrent_tasks"])
	assert.Contains(t, a.RollbackPlan.ConfigRestore, "auto_optimization")
	assert.Nil(t, a.RollbackPlan.ConfigRestore["auto_optimization"])

	a, err = l.StartImplementing(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionImplementing, a.Status)
	assert.NotNil(t, a.ImplementedAt)
	assert.Equal(t, float64(20), cfg.values["max_concurrent_tasks"])
	assert.Equal(t, true, cfg.values["auto_optimization"])

	_, err = l.StartImplementing(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrConflict)

	a, err = l.Complete(ctx, a.ID, 0.15)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionCompleted, a.Status)
	require.NotNil(t, a.ActualImprovement)
	assert.InDelta(t, 0.15, *a.ActualImprovement, 1e-12)

	a, err = l.Revert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionReverted, a.Status)
	assert.Nil(t, a.ActualImprovement)
	assert.Equal(t, float64(10), cfg.values["max_concurrent_tasks"])
	assert.NotContains(t, cfg.values, "auto_optimization")
	require.Len(t, rec.Sent(), 1)

	_, err = l.Revert(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestProposeActionValidation(t *testing.T) {
	l, _, _ := newLoop(t)
	ctx := context.Background()

	_, err := l.ProposeAction(ctx, feedback.ActionInput{Kind: "x"})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.ProposeAction(ctx, feedback.ActionInput{Kind: "x", TargetComponent: "y", FeedbackID: "ghost"})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.ProposeAction(ctx, feedback.ActionInput{Kind: "x", TargetComponent: "y", Risk: "extreme"})
	assert.ErrorIs(t, err, store.ErrValidation)

	a, err := l.ProposeAction(ctx, feedback.ActionInput{Kind: "x", TargetComponent: "y",
		RollbackPlan: &feedback.RollbackPlan{Steps: []string{"redeploy previous build"}}})
	require.NoError(t, err)
	_, err = l.SetRollbackPlan(ctx, a.ID, &feedback.RollbackPlan{})
	assert.ErrorIs(t, err, store.ErrValidation)
	_, err = l.CaptureRollback(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrValidation)

	a, err = l.StartImplementing(ctx, a.ID)
	require.NoError(t, err)
	_, err = l.SetRollbackPlan(ctx, a.ID, &feedback.RollbackPlan{Notes: "late"})
	assert.ErrorIs(t, err, store.ErrConflict)

	a, err = l.Revert(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionReverted, a.Status)
}

func TestEvolutionFromActions(t *testing.T) {
	l, _, _ := newLoop(t)
	ctx := context.Background()
	plan := &feedback.RollbackPlan{ConfigRestore: map[string]any{"learning_enabled": true}}

	a1, err := l.ProposeAction(ctx, feedback.ActionInput{Kind: "tune", TargetComponent: "learning",
		ExpectedImprovement: ptr(0.1), RollbackPlan: plan})
	require.NoError(t, err)
	a2, err := l.ProposeAction(ctx, feedback.ActionInput{Kind: "tune", TargetComponent: "analytics",
		ExpectedImprovement: ptr(0.3), RollbackPlan: plan})
	require.NoError(t, err)
	a3, err := l.ProposeAction(ctx, feedback.ActionInput{Kind: "tune", TargetComponent: "learning"})
	require.NoError(t, err)

	_, err = l.StartImplementing(ctx, a1.ID)
	require.NoError(t, err)
	_, err = l.Complete(ctx, a1.ID, 0.25)
	require.NoError(t, err)

	ev, err := l.RecordEvolutionFromActions(ctx, []string{a1.ID, a2.ID}, "release", "tuning batch", "1.0.0", "1.1.0")
	require.NoError(t, err)
	assert.Equal(t, []string{"analytics", "learning"}, ev.AffectedComponents)
	assert.InDelta(t, 0.25, ev.ImprovementMetrics[a1.ID], 1e-12)
	assert.InDelta(t, 0.3, ev.ImprovementMetrics[a2.ID], 1e-12)
	assert.True(t, ev.RollbackAvailable)
	assert.Contains(t, string(ev.RollbackData), a1.ID)

	ev, err = l.RecordEvolutionFromActions(ctx, []string{a1.ID, a3.ID}, "release", "", "1.1.0", "1.2.0")
	require.NoError(t, err)
	assert.False(t, ev.RollbackAvailable)

	_, err = l.RecordEvolution(ctx, feedback.EvolutionInput{Kind: "manual", RollbackAvailable: true})
	assert.ErrorIs(t, err, store.ErrValidation)

	all, err := l.ListEvolution(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConcurrentStartsApplyConfigOnce(t *testing.T) {
	st := storetest.Open(t)
	cfg := &gatedConfig{memConfig: memConfig{values: map[string]any{"max_concurrent_tasks": float64(10)}}}
	l := feedback.New(st.DB(), cfg, nil)
	ctx := context.Background()
	a := plannedAction(t, l)

	cfg.release = make(chan struct{})
	errs := race(t, 6, cfg.release, func() error {
		_, err := l.StartImplementing(ctx, a.ID)
		return err
	})

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, store.ErrConflict)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int32(1), cfg.applies.Load())
	assert.Equal(t, float64(20), cfg.values["max_concurrent_tasks"])

	got, err := l.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionImplementing, got.Status)
	assert.NotNil(t, got.ImplementedAt)
}

func TestConcurrentRevertsRestoreOnce(t *testing.T) {
	st := storetest.Open(t)
	cfg := &gatedConfig{memConfig: memConfig{values: map[string]any{"max_concurrent_tasks": float64(10)}}}
	l := feedback.New(st.DB(), cfg, nil)
	ctx := context.Background()
	a := plannedAction(t, l)
	_, err := l.StartImplementing(ctx, a.ID)
	require.NoError(t, err)
	_, err = l.Complete(ctx, a.ID, 0.1)
	require.NoError(t, err)

	cfg.applies.Store(0)
	cfg.release = make(chan struct{})
	errs := race(t, 6, cfg.release, func() error {
		_, err := l.Revert(ctx, a.ID)
		return err
	})

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int32(1), cfg.applies.Load())
	assert.Equal(t, float64(10), cfg.values["max_concurrent_tasks"])

	got, err := l.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionReverted, got.Status)
	assert.Nil(t, got.ActualImprovement)
}

func TestFailedApplyReturnsActionToPlanned(t *testing.T) {
	st := storetest.Open(t)
	cfg := &gatedConfig{memConfig: memConfig{values: map[string]any{"max_concurrent_tasks": float64(10)}}}
	l := feedback.New(st.DB(), cfg, nil)
	ctx := context.Background()
	a := plannedAction(t, l)

	cfg.fail = errors.New("settings store offline")
	_, err := l.StartImplementing(ctx, a.ID)
	require.Error(t, err)
	got, err := l.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionPlanned, got.Status)
	assert.Nil(t, got.ImplementedAt)
	assert.Equal(t, float64(10), cfg.values["max_concurrent_tasks"])

	cfg.fail = nil
	got, err = l.StartImplementing(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionImplementing, got.Status)

	cfg.fail = errors.New("settings store offline")
	_, err = l.Revert(ctx, a.ID)
	require.Error(t, err)
	got, err = l.GetAction(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, feedback.ActionImplementing, got.Status)
	assert.Equal(t, float64(20), cfg.values["max_concurrent_tasks"])
}
