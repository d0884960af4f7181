// Package ledger tracks tasks, their dependency graph and ordered execution
// steps, and owns every task status transition.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is a task lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is a known task status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions lists the legal forward moves.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// DependencyKind describes how a dependency gates its task.
type DependencyKind string

const (
	DepSequential  DependencyKind = "sequential"
	DepParallel    DependencyKind = "parallel"
	DepConditional DependencyKind = "conditional"
)

// Valid reports whether k is a known dependency kind.
func (k DependencyKind) Valid() bool {
	return k == DepSequential || k == DepParallel || k == DepConditional
}

// StepStatus is the state of one execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

func (s StepStatus) finished() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Task is a unit of work tracked by the ledger.
type Task struct {
	ID                  string          `json:"id"`
	Key                 string          `json:"task_key"`
	Description         string          `json:"description"`
	Type                string          `json:"type"`
	Priority            int             `json:"priority"`
	Status              Status          `json:"status"`
	AssignedAgentID     string          `json:"assigned_agent_id,omitempty"`
	ParentTaskID        string          `json:"parent_task_id,omitempty"`
	Parameters          json.RawMessage `json:"parameters,omitempty"`
	Result              json.RawMessage `json:"result,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	EstimatedDurationMs *int64          `json:"estimated_duration_ms,omitempty"`
	ActualDurationMs    *int64          `json:"actual_duration_ms,omitempty"`
	Complexity          float64         `json:"complexity"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// CreateTaskInput describes a new task.
type CreateTaskInput struct {
	ID                  string          `json:"id,omitempty"`
	Key                 string          `json:"task_key,omitempty"`
	Description         string          `json:"description"`
	Type                string          `json:"type,omitempty"`
	Priority            int             `json:"priority,omitempty"`
	AssignedAgentID     string          `json:"assigned_agent_id,omitempty"`
	ParentTaskID        string          `json:"parent_task_id,omitempty"`
	Parameters          json.RawMessage `json:"parameters,omitempty"`
	EstimatedDurationMs *int64          `json:"estimated_duration_ms,omitempty"`
	Complexity          float64         `json:"complexity,omitempty"`
}

// Dependency is an edge task -> depends_on.
type Dependency struct {
	TaskID          string         `json:"task_id"`
	DependsOnTaskID string         `json:"depends_on_task_id"`
	Kind            DependencyKind `json:"kind"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Step is one entry of a task's internal plan.
type Step struct {
	TaskID          string          `json:"task_id"`
	StepNumber      int             `json:"step_number"`
	Description     string          `json:"description"`
	Type            string          `json:"type"`
	AgentID         string          `json:"agent_id,omitempty"`
	Status          StepStatus      `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// StepInput records a step. A zero StepNumber appends after the current maximum.
type StepInput struct {
	TaskID          string          `json:"task_id"`
	StepNumber      int             `json:"step_number,omitempty"`
	Description     string          `json:"description"`
	Type            string          `json:"type,omitempty"`
	AgentID         string          `json:"agent_id,omitempty"`
	Status          StepStatus      `json:"status,omitempty"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	EndedAt         *time.Time      `json:"ended_at,omitempty"`
}

// StepUpdate changes the state of an existing step.
type StepUpdate struct {
	TaskID          string          `json:"task_id"`
	StepNumber      int             `json:"step_number"`
	Status          StepStatus      `json:"status"`
	Output          json.RawMessage `json:"output,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
}

// TransitionOptions carries the payload written with a status change.
type TransitionOptions struct {
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	// ConditionApproved approves every conditional dependency of the task.
	ConditionApproved bool `json:"condition_approved,omitempty"`
}

// Blocker is a dependency that keeps a task from running.
type Blocker struct {
	DependsOnTaskID string         `json:"depends_on_task_id"`
	Kind            DependencyKind `json:"kind"`
	Status          Status         `json:"status"`
	Reason          string         `json:"reason"`
}

// Readiness is the result of a readiness check.
type Readiness struct {
	TaskID   string    `json:"task_id"`
	Ready    bool      `json:"ready"`
	Blocking []Blocker `json:"blocking,omitempty"`
}

// ListFilter narrows ListTasks. Zero values match everything.
type ListFilter struct {
	Status   Status
	AgentID  string
	ParentID string
	Limit    int
}

// ConditionEvaluator approves conditional dependencies. It runs inside the
// transition transaction and must not use the engine database.
type ConditionEvaluator func(ctx context.Context, taskID, dependsOnTaskID string, upstream Status) (bool, error)

var (
	// ErrNotReady is returned when a task cannot start because of its dependencies.
	ErrNotReady = errors.New("task not ready")
	// ErrConcurrencyLimit is returned when max_concurrent_tasks tasks are already running.
	ErrConcurrencyLimit = errors.New("concurrent task limit reached")
)
