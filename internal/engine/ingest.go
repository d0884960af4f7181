package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/analytics"
	"github.com/KafClaw/synapse/internal/events"
	"github.com/KafClaw/synapse/internal/feedback"
	"github.com/KafClaw/synapse/internal/ingest"
	"github.com/KafClaw/synapse/internal/knowledge"
	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/ledger"
	"github.com/KafClaw/synapse/internal/sharedmem"
)

var _ ingest.Ingestor = (*Engine)(nil)

// Task metric names recorded on terminal transitions.
const (
	MetricCategoryTasks = "tasks"
	MetricTaskDuration  = "duration_ms"
	MetricTaskFinished  = "finished"
)

// RegisterAgent adds an agent to the registry.
func (e *Engine) RegisterAgent(ctx context.Context, in agents.RegisterInput) (*agents.Agent, error) {
	a, err := e.agents.Register(ctx, in)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeAgentRegistered, a.ID, a)
	return a, nil
}

// UpdateAgentStatus moves an agent to any status.
func (e *Engine) UpdateAgentStatus(ctx context.Context, id string, status agents.Status) (*agents.Agent, error) {
	a, err := e.agents.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeAgentStatusChanged, a.ID, map[string]any{"status": a.Status})
	return a, nil
}

// CreateTask inserts a pending task.
func (e *Engine) CreateTask(ctx context.Context, in ledger.CreateTaskInput) (*ledger.Task, error) {
	t, err := e.ledger.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeTaskCreated, t.ID, t)
	return t, nil
}

// AssignTask sets a task's assignee.
func (e *Engine) AssignTask(ctx context.Context, taskID, agentID string) (*ledger.Task, error) {
	if err := e.ledger.Assign(ctx, taskID, agentID); err != nil {
		return nil, err
	}
	return e.ledger.GetTask(ctx, taskID)
}

// AddTaskDependency adds the edge taskID -> dependsOn.
func (e *Engine) AddTaskDependency(ctx context.Context, taskID, dependsOn string, kind ledger.DependencyKind) (*ledger.Dependency, error) {
	return e.ledger.AddDependency(ctx, taskID, dependsOn, kind)
}

// RecordExecutionStep appends or inserts a step of a task's plan.
func (e *Engine) RecordExecutionStep(ctx context.Context, in ledger.StepInput) (*ledger.Step, error) {
	s, err := e.ledger.RecordStep(ctx, in)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeTaskStepRecorded, s.TaskID, s)
	return s, nil
}

// TransitionTask changes a task's status. Terminal transitions also record
// raw task metrics for the rollup jobs.
func (e *Engine) TransitionTask(ctx context.Context, taskID string, to ledger.Status, opts ledger.TransitionOptions) (*ledger.Task, error) {
	t, err := e.ledger.Transition(ctx, taskID, to, opts)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeTaskTransitioned, t.ID, map[string]any{
		"status":            t.Status,
		"assigned_agent_id": t.AssignedAgentID,
		"error_message":     t.ErrorMessage,
	})
	if t.Status.Terminal() {
		e.recordTaskMetrics(ctx, t)
	}
	return t, nil
}

func (e *Engine) recordTaskMetrics(ctx context.Context, t *ledger.Task) {
	meta, _ := json.Marshal(map[string]string{
		"task_id":  t.ID,
		"agent_id": t.AssignedAgentID,
		"status":   string(t.Status),
	})
	inputs := []analytics.MetricInput{{
		Category: MetricCategoryTasks,
		Name:     MetricTaskFinished + "." + string(t.Status),
		Value:    1,
		Unit:     "count",
		Metadata: meta,
	}}
	if t.ActualDurationMs != nil {
		inputs = append(inputs, analytics.MetricInput{
			Category: MetricCategoryTasks,
			Name:     MetricTaskDuration,
			Value:    float64(*t.ActualDurationMs),
			Unit:     "ms",
			Metadata: meta,
		})
	}
	for _, in := range inputs {
		if _, err := e.analytics.RecordMetric(ctx, in); err != nil {
			slog.Warn("Task metric not recorded", "task", t.ID, "metric", in.Name, "error", err)
		}
	}
}

// RecordLearningEvent appends a learning event.
func (e *Engine) RecordLearningEvent(ctx context.Context, in learning.EventInput) (*learning.Event, error) {
	ev, err := e.learning.Record(ctx, in)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeLearningRecorded, ev.ID, ev)
	return ev, nil
}

// PutKnowledgeEntry stores a knowledge entry. Entries without an embedding
// are picked up by BackfillEmbeddings.
func (e *Engine) PutKnowledgeEntry(ctx context.Context, in knowledge.EntryInput) (*knowledge.Entry, error) {
	entry, err := e.knowledge.Put(ctx, in)
	if err != nil {
		return nil, err
	}
	summary := *entry
	summary.Embedding = nil
	e.publish(ctx, events.TypeKnowledgePut, entry.ID, summary)
	return entry, nil
}

// WriteMemoryEntry upserts (bank, key).
func (e *Engine) WriteMemoryEntry(ctx context.Context, in sharedmem.WriteInput) (*sharedmem.WriteResult, error) {
	res, err := e.memory.Write(ctx, in)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeMemoryWritten, in.Bank+"/"+res.Entry.Key, map[string]any{
		"bank":       in.Bank,
		"key":        res.Entry.Key,
		"created":    res.Created,
		"size_bytes": res.Entry.SizeBytes,
		"evicted":    res.Evicted,
		"agent_id":   in.AgentID,
	})
	return res, nil
}

// SubmitFeedback records a feedback event.
func (e *Engine) SubmitFeedback(ctx context.Context, in feedback.FeedbackInput) (*feedback.Feedback, error) {
	fb, err := e.feedback.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	e.publish(ctx, events.TypeFeedbackSubmitted, fb.ID, fb)
	return fb, nil
}

// ProposeAction records a planned improvement action.
func (e *Engine) ProposeAction(ctx context.Context, in feedback.ActionInput) (*feedback.Action, error) {
	return e.actionChanged(ctx)(e.feedback.ProposeAction(ctx, in))
}

// ImplementAction applies an action's config changes. It needs a rollback plan.
func (e *Engine) ImplementAction(ctx context.Context, id string) (*feedback.Action, error) {
	return e.actionChanged(ctx)(e.feedback.StartImplementing(ctx, id))
}

// CompleteAction records the measured improvement.
func (e *Engine) CompleteAction(ctx context.Context, id string, actual float64) (*feedback.Action, error) {
	return e.actionChanged(ctx)(e.feedback.Complete(ctx, id, actual))
}

// RevertAction restores the configuration captured in the rollback plan.
func (e *Engine) RevertAction(ctx context.Context, id string) (*feedback.Action, error) {
	return e.actionChanged(ctx)(e.feedback.Revert(ctx, id))
}

func (e *Engine) actionChanged(ctx context.Context) func(*feedback.Action, error) (*feedback.Action, error) {
	return func(a *feedback.Action, err error) (*feedback.Action, error) {
		if err != nil {
			return nil, err
		}
		e.publish(ctx, events.TypeActionStatusChanged, a.ID, map[string]any{
			"status":           a.Status,
			"target_component": a.TargetComponent,
		})
		return a, nil
	}
}
