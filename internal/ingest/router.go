// Package ingest feeds engine writes from message topics. Each message is a
// JSON envelope naming one Ingestion API operation and carrying its input.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/feedback"
	"github.com/KafClaw/synapse/internal/knowledge"
	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/ledger"
	"github.com/KafClaw/synapse/internal/sharedmem"
	"github.com/KafClaw/synapse/internal/store"
)

const CurrentSchemaVersion = "v1"

// Envelope types, one per Ingestion API operation.
const (
	TypeRegisterAgent       = "register_agent"
	TypeUpdateAgentStatus   = "update_agent_status"
	TypeCreateTask          = "create_task"
	TypeAddTaskDependency   = "add_task_dependency"
	TypeRecordExecutionStep = "record_execution_step"
	TypeTransitionTask      = "transition_task"
	TypeRecordLearning      = "record_learning_event"
	TypePutKnowledge        = "put_knowledge_entry"
	TypeWriteMemory         = "write_memory_entry"
	TypeSubmitFeedback      = "submit_feedback"
)

// Envelope wraps one ingestion message.
type Envelope struct {
	SchemaVersion string          `json:"schemaVersion"`
	Type          string          `json:"type"`
	TraceID       string          `json:"traceId,omitempty"`
	Timestamp     time.Time       `json:"timestamp,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// ValidateBase checks the envelope fields shared by every type.
func (e Envelope) ValidateBase() error {
	if v := strings.TrimSpace(e.SchemaVersion); v != "" && v != CurrentSchemaVersion {
		return fmt.Errorf("unsupported schemaVersion: %s", v)
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("type is required")
	}
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return fmt.Errorf("payload is required")
	}
	switch e.Type {
	case TypeRegisterAgent, TypeUpdateAgentStatus, TypeCreateTask, TypeAddTaskDependency,
		TypeRecordExecutionStep, TypeTransitionTask, TypeRecordLearning, TypePutKnowledge,
		TypeWriteMemory, TypeSubmitFeedback:
		return nil
	default:
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
}

// AgentStatusPayload is the payload of update_agent_status.
type AgentStatusPayload struct {
	AgentID string        `json:"agent_id"`
	Status  agents.Status `json:"status"`
}

// DependencyPayload is the payload of add_task_dependency.
type DependencyPayload struct {
	TaskID          string                `json:"task_id"`
	DependsOnTaskID string                `json:"depends_on_task_id"`
	Kind            ledger.DependencyKind `json:"kind"`
}

// TransitionPayload is the payload of transition_task.
type TransitionPayload struct {
	TaskID string        `json:"task_id"`
	Status ledger.Status `json:"status"`
	ledger.TransitionOptions
}

// Ingestor is the engine's Ingestion API.
type Ingestor interface {
	RegisterAgent(ctx context.Context, in agents.RegisterInput) (*agents.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status agents.Status) (*agents.Agent, error)
	CreateTask(ctx context.Context, in ledger.CreateTaskInput) (*ledger.Task, error)
	AddTaskDependency(ctx context.Context, taskID, dependsOn string, kind ledger.DependencyKind) (*ledger.Dependency, error)
	RecordExecutionStep(ctx context.Context, in ledger.StepInput) (*ledger.Step, error)
	TransitionTask(ctx context.Context, taskID string, to ledger.Status, opts ledger.TransitionOptions) (*ledger.Task, error)
	RecordLearningEvent(ctx context.Context, in learning.EventInput) (*learning.Event, error)
	PutKnowledgeEntry(ctx context.Context, in knowledge.EntryInput) (*knowledge.Entry, error)
	WriteMemoryEntry(ctx context.Context, in sharedmem.WriteInput) (*sharedmem.WriteResult, error)
	SubmitFeedback(ctx context.Context, in feedback.FeedbackInput) (*feedback.Feedback, error)
}

// Stats counts routed messages.
type Stats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
}

// Router consumes messages and dispatches them to the Ingestor. Rejected
// messages are logged and counted, never retried.
type Router struct {
	target   Ingestor
	consumer Consumer
	accepted atomic.Int64
	rejected atomic.Int64
}

// NewRouter creates a router.
func NewRouter(target Ingestor, consumer Consumer) *Router {
	return &Router{target: target, consumer: consumer}
}

// Stats returns the current counters.
func (r *Router) Stats() Stats {
	return Stats{Accepted: r.accepted.Load(), Rejected: r.rejected.Load()}
}

// Run starts consuming and routing messages. Blocks until ctx is cancelled
// or the consumer closes its channel.
func (r *Router) Run(ctx context.Context) error {
	if err := r.consumer.Start(ctx); err != nil {
		return fmt.Errorf("ingest router: start consumer: %w", err)
	}
	defer r.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-r.consumer.Messages():
			if !ok {
				return nil
			}
			if err := r.Handle(ctx, msg); err != nil {
				r.rejected.Add(1)
				slog.Warn("Ingest message rejected", "topic", msg.Topic, "error", err)
				continue
			}
			r.accepted.Add(1)
		}
	}
}

// Handle decodes and dispatches one message.
func (r *Router) Handle(ctx context.Context, msg Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", store.ErrValidation, err)
	}
	if err := env.ValidateBase(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrValidation, err)
	}
	err := r.dispatch(ctx, env)
	if err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	slog.Debug("Ingest message applied", "type", env.Type, "trace_id", env.TraceID)
	return nil
}

func (r *Router) dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeRegisterAgent:
		var in agents.RegisterInput
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.RegisterAgent(ctx, in)
		return err
	case TypeUpdateAgentStatus:
		var in AgentStatusPayload
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.UpdateAgentStatus(ctx, in.AgentID, in.Status)
		return err
	case TypeCreateTask:
		var in ledger.CreateTaskInput
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.CreateTask(ctx, in)
		return err
	case TypeAddTaskDependency:
		var in DependencyPayload
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.AddTaskDependency(ctx, in.TaskID, in.DependsOnTaskID, in.Kind)
		return err
	case TypeRecordExecutionStep:
		var in ledger.StepInput
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.RecordExecutionStep(ctx, in)
		return err
	case TypeTransitionTask:
		var in TransitionPayload
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.TransitionTask(ctx, in.TaskID, in.Status, in.TransitionOptions)
		return err
	case TypeRecordLearning:
		var in learning.EventInput
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.RecordLearningEvent(ctx, in)
		return err
	case TypePutKnowledge:
		var in knowledge.EntryInput
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.PutKnowledgeEntry(ctx, in)
		return err
	case TypeWriteMemory:
		var in sharedmem.WriteInput
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.WriteMemoryEntry(ctx, in)
		return err
	case TypeSubmitFeedback:
		var in feedback.FeedbackInput
		if err := decode(env.Payload, &in); err != nil {
			return err
		}
		_, err := r.target.SubmitFeedback(ctx, in)
		return err
	}
	return store.Validationf("unsupported type: %s", env.Type)
}

func decode(payload json.RawMessage, into any) error {
	if err := json.Unmarshal(payload, into); err != nil {
		return store.Validationf("decode payload: %v", err)
	}
	return nil
}
