// Package feedback records feedback about the system, derives improvement
// actions from it and tracks each action through implementation and revert.
package feedback

import (
	"context"
	"encoding/json"
	"time"
)

// Feedback is an external or internal signal about a component.
type Feedback struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	SourceKind      string          `json:"source_kind,omitempty"`
	SourceID        string          `json:"source_id,omitempty"`
	TargetComponent string          `json:"target_component,omitempty"`
	Content         json.RawMessage `json:"content"`
	Sentiment       float64         `json:"sentiment"`
	Actionable      bool            `json:"actionable"`
	Processed       bool            `json:"processed"`
	CreatedAt       time.Time       `json:"created_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
}

// FeedbackInput describes new feedback. Sentiment lies in [-1, 1].
type FeedbackInput struct {
	ID              string          `json:"id,omitempty"`
	Kind            string          `json:"kind"`
	SourceKind      string          `json:"source_kind,omitempty"`
	SourceID        string          `json:"source_id,omitempty"`
	TargetComponent string          `json:"target_component,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	Sentiment       float64         `json:"sentiment"`
	Actionable      bool            `json:"actionable"`
}

// ActionStatus is an improvement action lifecycle state.
type ActionStatus string

const (
	ActionPlanned      ActionStatus = "planned"
	ActionImplementing ActionStatus = "implementing"
	ActionCompleted    ActionStatus = "completed"
	ActionReverted     ActionStatus = "reverted"
)

// RollbackPlan holds everything needed to undo an action. ConfigRestore maps
// configuration keys to the values they had before; a nil value means the
// key did not exist and is deleted on revert.
type RollbackPlan struct {
	ConfigRestore map[string]any `json:"config_restore,omitempty"`
	Steps         []string       `json:"steps,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

func (p *RollbackPlan) empty() bool {
	return p == nil || (len(p.ConfigRestore) == 0 && len(p.Steps) == 0 && p.Notes == "")
}

// Action is a proposed or applied improvement.
type Action struct {
	ID                  string          `json:"id"`
	Kind                string          `json:"kind"`
	TargetComponent     string          `json:"target_component"`
	Description         string          `json:"description"`
	Implementation      json.RawMessage `json:"implementation,omitempty"`
	ConfigChanges       map[string]any  `json:"config_changes,omitempty"`
	FeedbackID          string          `json:"feedback_id,omitempty"`
	ExpectedImprovement *float64        `json:"expected_improvement,omitempty"`
	ActualImprovement   *float64        `json:"actual_improvement,omitempty"`
	Status              ActionStatus    `json:"status"`
	Risk                string          `json:"risk"`
	RollbackPlan        *RollbackPlan   `json:"rollback_plan,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ImplementedAt       *time.Time      `json:"implemented_at,omitempty"`
	MeasuredAt          *time.Time      `json:"measured_at,omitempty"`
}

// ActionInput describes a new improvement action.
type ActionInput struct {
	ID                  string          `json:"id,omitempty"`
	Kind                string          `json:"kind"`
	TargetComponent     string          `json:"target_component"`
	Description         string          `json:"description"`
	Implementation      json.RawMessage `json:"implementation,omitempty"`
	ConfigChanges       map[string]any  `json:"config_changes,omitempty"`
	FeedbackID          string          `json:"feedback_id,omitempty"`
	ExpectedImprovement *float64        `json:"expected_improvement,omitempty"`
	Risk                string          `json:"risk,omitempty"`
	RollbackPlan        *RollbackPlan   `json:"rollback_plan,omitempty"`
}

// Evolution is one append-only record of a system-level change.
type Evolution struct {
	ID                 string             `json:"id"`
	Kind               string             `json:"kind"`
	Description        string             `json:"description"`
	BeforeVersion      string             `json:"before_version,omitempty"`
	AfterVersion       string             `json:"after_version,omitempty"`
	AffectedComponents []string           `json:"affected_components"`
	ImprovementMetrics map[string]float64 `json:"improvement_metrics,omitempty"`
	RollbackAvailable  bool               `json:"rollback_available"`
	RollbackData       json.RawMessage    `json:"rollback_data,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// EvolutionInput describes a system-level change.
type EvolutionInput struct {
	Kind               string             `json:"kind"`
	Description        string             `json:"description"`
	BeforeVersion      string             `json:"before_version,omitempty"`
	AfterVersion       string             `json:"after_version,omitempty"`
	AffectedComponents []string           `json:"affected_components,omitempty"`
	ImprovementMetrics map[string]float64 `json:"improvement_metrics,omitempty"`
	RollbackAvailable  bool               `json:"rollback_available"`
	RollbackData       any                `json:"rollback_data,omitempty"`
}

// ConfigApplier reads and writes the persisted system configuration.
type ConfigApplier interface {
	// Snapshot returns the current values of keys; missing keys map to nil.
	Snapshot(ctx context.Context, keys []string) (map[string]any, error)
	// Apply writes values; a nil value deletes the key.
	Apply(ctx context.Context, values map[string]any) error
}
