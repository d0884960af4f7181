package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/feedback"
	"github.com/KafClaw/synapse/internal/knowledge"
	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/ledger"
	"github.com/KafClaw/synapse/internal/sharedmem"
	"github.com/KafClaw/synapse/internal/store"
)

type fakeIngestor struct {
	mu    sync.Mutex
	calls []string
	last  any
	fail  error
}

func (f *fakeIngestor) record(name string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.last = v
	return f.fail
}

func (f *fakeIngestor) snapshot() ([]string, any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...), f.last
}

func (f *fakeIngestor) RegisterAgent(_ context.Context, in agents.RegisterInput) (*agents.Agent, error) {
	return &agents.Agent{}, f.record(TypeRegisterAgent, in)
}

func (f *fakeIngestor) UpdateAgentStatus(_ context.Context, id string, status agents.Status) (*agents.Agent, error) {
	return &agents.Agent{}, f.record(TypeUpdateAgentStatus, AgentStatusPayload{AgentID: id, Status: status})
}

func (f *fakeIngestor) CreateTask(_ context.Context, in ledger.CreateTaskInput) (*ledger.Task, error) {
	return &ledger.Task{}, f.record(TypeCreateTask, in)
}

func (f *fakeIngestor) AddTaskDependency(_ context.Context, taskID, dependsOn string, kind ledger.DependencyKind) (*ledger.Dependency, error) {
	return &ledger.Dependency{}, f.record(TypeAddTaskDependency, DependencyPayload{TaskID: taskID, DependsOnTaskID: dependsOn, Kind: kind})
}

func (f *fakeIngestor) RecordExecutionStep(_ context.Context, in ledger.StepInput) (*ledger.Step, error) {
	return &ledger.Step{}, f.record(TypeRecordExecutionStep, in)
}

func (f *fakeIngestor) TransitionTask(_ context.Context, taskID string, to ledger.Status, opts ledger.TransitionOptions) (*ledger.Task, error) {
	return &ledger.Task{}, f.record(TypeTransitionTask, TransitionPayload{TaskID: taskID, Status: to, TransitionOptions: opts})
}

func (f *fakeIngestor) RecordLearningEvent(_ context.Context, in learning.EventInput) (*learning.Event, error) {
	return &learning.Event{}, f.record(TypeRecordLearning, in)
}

func (f *fakeIngestor) PutKnowledgeEntry(_ context.Context, in knowledge.EntryInput) (*knowledge.Entry, error) {
	return &knowledge.Entry{}, f.record(TypePutKnowledge, in)
}

func (f *fakeIngestor) WriteMemoryEntry(_ context.Context, in sharedmem.WriteInput) (*sharedmem.WriteResult, error) {
	return &sharedmem.WriteResult{}, f.record(TypeWriteMemory, in)
}

func (f *fakeIngestor) SubmitFeedback(_ context.Context, in feedback.FeedbackInput) (*feedback.Feedback, error) {
	return &feedback.Feedback{}, f.record(TypeSubmitFeedback, in)
}

func envelope(t *testing.T, typ string, payload any) Message {
	t.Helper()
	p, err := json.Marshal(payload)
	require.NoError(t, err)
	v, err := json.Marshal(Envelope{SchemaVersion: CurrentSchemaVersion, Type: typ, Payload: p})
	require.NoError(t, err)
	return Message{Topic: "synapse.ingest", Value: v}
}

func TestHandleDispatchesByType(t *testing.T) {
	f := &fakeIngestor{}
	r := NewRouter(f, NewChannelConsumer())
	ctx := context.Background()

	require.NoError(t, r.Handle(ctx, envelope(t, TypeRegisterAgent, map[string]any{"name": "planner", "type": "llm"})))
	_, last := f.snapshot()
	assert.Equal(t, "planner", last.(agents.RegisterInput).Name)

	require.NoError(t, r.Handle(ctx, envelope(t, TypeTransitionTask, map[string]any{
		"task_id": "t1", "status": "failed", "error_message": "boom"})))
	_, last = f.snapshot()
	tr := last.(TransitionPayload)
	assert.Equal(t, ledger.StatusFailed, tr.Status)
	assert.Equal(t, "boom", tr.ErrorMessage)

	require.NoError(t, r.Handle(ctx, envelope(t, TypeWriteMemory, map[string]any{
		"bank": "global", "key": "k", "content": map[string]any{"a": 1}})))
	_, last = f.snapshot()
	assert.JSONEq(t, `{"a":1}`, string(last.(sharedmem.WriteInput).Content))

	require.NoError(t, r.Handle(ctx, envelope(t, TypeAddTaskDependency, map[string]any{
		"task_id": "b", "depends_on_task_id": "a", "kind": "sequential"})))
	calls, _ := f.snapshot()
	assert.Equal(t, []string{TypeRegisterAgent, TypeTransitionTask, TypeWriteMemory, TypeAddTaskDependency}, calls)
}

func TestHandleRejectsBadEnvelopes(t *testing.T) {
	f := &fakeIngestor{}
	r := NewRouter(f, NewChannelConsumer())
	ctx := context.Background()

	assert.ErrorIs(t, r.Handle(ctx, Message{Value: []byte("{")}), store.ErrValidation)
	assert.ErrorIs(t, r.Handle(ctx, Message{Value: []byte(`{"type":"drop_tables","payload":{}}`)}), store.ErrValidation)
	assert.ErrorIs(t, r.Handle(ctx, Message{Value: []byte(`{"type":"create_task"}`)}), store.ErrValidation)
	assert.ErrorIs(t, r.Handle(ctx, Message{Value: []byte(`{"schemaVersion":"v9","type":"create_task","payload":{}}`)}), store.ErrValidation)
	assert.ErrorIs(t, r.Handle(ctx, Message{Value: []byte(`{"type":"create_task","payload":{"priority":"high"}}`)}), store.ErrValidation)

	calls, _ := f.snapshot()
	assert.Empty(t, calls)
}

func TestRunCountsAcceptedAndRejected(t *testing.T) {
	f := &fakeIngestor{}
	c := NewChannelConsumer()
	r := NewRouter(f, c)

	c.Send(envelope(t, TypeSubmitFeedback, map[string]any{"kind": "user", "sentiment": 0.5}))
	c.Send(Message{Value: []byte("not json")})
	c.Send(envelope(t, TypeCreateTask, map[string]any{"description": "x"}))
	require.NoError(t, c.Close())

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not stop after consumer closed")
	}
	assert.Equal(t, Stats{Accepted: 2, Rejected: 1}, r.Stats())

	f.fail = store.Validationf("nope")
	err := r.Handle(context.Background(), envelope(t, TypeCreateTask, map[string]any{"description": "y"}))
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Contains(t, err.Error(), TypeCreateTask)
}
