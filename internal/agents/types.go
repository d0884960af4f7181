// Package agents is the entity store for agents and their derived
// relationships.
package agents

import "time"

// Status is an agent lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusLearning  Status = "learning"
	StatusUpgrading Status = "upgrading"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusLearning, StatusUpgrading:
		return true
	}
	return false
}

// Agent is a registered autonomous executor.
type Agent struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	Capabilities     []string   `json:"capabilities"`
	Status           Status     `json:"status"`
	Version          string     `json:"version"`
	Architecture     string     `json:"architecture"`
	PerformanceScore float64    `json:"performance_score"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

// RelationshipKind classifies an agent pair.
type RelationshipKind string

const (
	KindCollaboration RelationshipKind = "collaboration"
	KindDelegation    RelationshipKind = "delegation"
	KindLearningFrom  RelationshipKind = "learning_from"
)

// Valid reports whether k is a known relationship kind.
func (k RelationshipKind) Valid() bool {
	switch k {
	case KindCollaboration, KindDelegation, KindLearningFrom:
		return true
	}
	return false
}

// Relationship is a directed, typed link between two agents.
type Relationship struct {
	PrimaryAgentID   string           `json:"primary_agent_id"`
	SecondaryAgentID string           `json:"secondary_agent_id"`
	Kind             RelationshipKind `json:"kind"`
	Strength         float64          `json:"strength"`
	CreatedAt        time.Time        `json:"created_at"`
	LastInteraction  *time.Time       `json:"last_interaction,omitempty"`
}

// RegisterInput describes a new agent.
type RegisterInput struct {
	ID               string   `json:"id,omitempty"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Status           Status   `json:"status,omitempty"`
	Version          string   `json:"version,omitempty"`
	Architecture     string   `json:"architecture,omitempty"`
	PerformanceScore float64  `json:"performance_score,omitempty"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status Status
	Type   string
}
