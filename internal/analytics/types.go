// Package analytics derives metrics, rollups, collaboration strengths and
// optimisation recommendations from the ledger, the memory banks and the
// knowledge base.
package analytics

import (
	"encoding/json"
	"time"
)

// Window is a rollup bucket width. WindowRaw marks unaggregated facts.
type Window string

const (
	WindowRaw    Window = "raw"
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
	WindowWeek   Window = "week"
)

// Duration returns the bucket width, zero for raw or unknown windows.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	}
	return 0
}

// AggKind is the aggregation applied to a bucket.
type AggKind string

const (
	AggAvg   AggKind = "avg"
	AggSum   AggKind = "sum"
	AggMin   AggKind = "min"
	AggMax   AggKind = "max"
	AggCount AggKind = "count"
)

func (k AggKind) Valid() bool {
	switch k {
	case AggAvg, AggSum, AggMin, AggMax, AggCount:
		return true
	}
	return false
}

// Metric is a raw fact or a rollup row.
type Metric struct {
	ID          int64           `json:"id"`
	Category    string          `json:"category"`
	Name        string          `json:"name"`
	Value       float64         `json:"value"`
	Unit        string          `json:"unit,omitempty"`
	Window      Window          `json:"window"`
	Kind        AggKind         `json:"kind,omitempty"`
	BucketStart *time.Time      `json:"bucket_start,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// MetricInput is a raw fact. RecordedAt defaults to now.
type MetricInput struct {
	Category   string          `json:"category"`
	Name       string          `json:"name"`
	Value      float64         `json:"value"`
	Unit       string          `json:"unit,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	RecordedAt time.Time       `json:"recorded_at,omitempty"`
}

// MetricFilter narrows ListMetrics. Zero values match everything.
type MetricFilter struct {
	Category string
	Name     string
	Window   Window
	Kind     AggKind
	Since    time.Time
	Until    time.Time
	Limit    int
}

// RollupResult reports one rollup pass.
type RollupResult struct {
	Window  Window  `json:"window"`
	Kind    AggKind `json:"kind"`
	Buckets int     `json:"buckets"`
	Pruned  int64   `json:"pruned"`
}

// AgentSummary is one row of the agent performance view.
type AgentSummary struct {
	AgentID          string     `json:"agent_id"`
	Name             string     `json:"name"`
	Status           string     `json:"status"`
	PerformanceScore float64    `json:"performance_score"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	Running          int        `json:"running"`
	SuccessRate      float64    `json:"success_rate"`
	AvgDurationMs    float64    `json:"avg_duration_ms"`
	LearningEvents   int        `json:"learning_events"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

// Health verdicts.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// SystemHealth is a point-in-time view of the whole engine.
type SystemHealth struct {
	Status                 string         `json:"status"`
	AgentsByStatus         map[string]int `json:"agents_by_status"`
	TotalAgents            int            `json:"total_agents"`
	ActiveAgents           int            `json:"active_agents"`
	AvgActivePerformance   float64        `json:"avg_active_performance"`
	TasksByStatus          map[string]int `json:"tasks_by_status"`
	PendingTasks           int            `json:"pending_tasks"`
	RunningTasks           int            `json:"running_tasks"`
	FailureRate            float64        `json:"failure_rate"`
	KnowledgeEntries       int            `json:"knowledge_entries"`
	MemoryBanks            int            `json:"memory_banks"`
	MemoryEntries          int            `json:"memory_entries"`
	BanksNearQuota         int            `json:"banks_near_quota"`
	PendingRecommendations int            `json:"pending_recommendations"`
	UnprocessedFeedback    int            `json:"unprocessed_feedback"`
	MetricsLastHour        int            `json:"metrics_last_hour"`
	CheckedAt              time.Time      `json:"checked_at"`
}

// RecStatus is a recommendation lifecycle state.
type RecStatus string

const (
	RecPending     RecStatus = "pending"
	RecInProgress  RecStatus = "in_progress"
	RecImplemented RecStatus = "implemented"
	RecRejected    RecStatus = "rejected"
)

func (s RecStatus) Valid() bool {
	switch s {
	case RecPending, RecInProgress, RecImplemented, RecRejected:
		return true
	}
	return false
}

func canMoveRecommendation(from, to RecStatus) bool {
	switch from {
	case RecPending:
		return to == RecInProgress || to == RecRejected
	case RecInProgress:
		return to == RecImplemented || to == RecRejected
	}
	return false
}

// Recommendation kinds produced by GenerateRecommendations.
const (
	RecAgentPerformance       = "agent_performance"
	RecTaskFailureRate        = "task_failure_rate"
	RecMemoryQuota            = "memory_quota"
	RecKnowledgeEffectiveness = "knowledge_effectiveness"
)

// Recommendation is an optimisation suggestion. Priority 1 is most urgent.
type Recommendation struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	TargetComponent string          `json:"target_component"`
	Text            string          `json:"recommendation"`
	Details         json.RawMessage `json:"details,omitempty"`
	Priority        int             `json:"priority"`
	EstimatedImpact float64         `json:"estimated_impact"`
	Effort          string          `json:"effort"`
	Status          RecStatus       `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ImplementedAt   *time.Time      `json:"implemented_at,omitempty"`
}

// RecommendationInput describes a new recommendation.
type RecommendationInput struct {
	Kind            string  `json:"kind"`
	TargetComponent string  `json:"target_component"`
	Text            string  `json:"recommendation"`
	Details         any     `json:"details,omitempty"`
	Priority        int     `json:"priority"`
	EstimatedImpact float64 `json:"estimated_impact"`
	Effort          string  `json:"effort,omitempty"`
}

// PairCollaboration is the derived strength of one agent pair.
type PairCollaboration struct {
	AgentA      string  `json:"agent_a"`
	AgentB      string  `json:"agent_b"`
	SharedTasks int     `json:"shared_tasks"`
	Successes   int     `json:"successes"`
	Strength    float64 `json:"strength"`
}
