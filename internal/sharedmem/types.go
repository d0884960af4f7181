// Package sharedmem manages named memory banks: keyed entries agents read
// and write to coordinate, per-access logging, quotas and retention.
package sharedmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KafClaw/synapse/internal/store"
)

// MB is the quota unit.
const MB int64 = 1 << 20

// DefaultQuotaMB is used when a bank is created without a quota.
const DefaultQuotaMB = 1024

type BankKind string

const (
	BankGlobal     BankKind = "global"
	BankAgentGroup BankKind = "agent_group"
	BankTemporary  BankKind = "temporary"
	BankPersistent BankKind = "persistent"
)

func (k BankKind) Valid() bool {
	switch k {
	case BankGlobal, BankAgentGroup, BankTemporary, BankPersistent:
		return true
	}
	return false
}

type AccessLevel string

const (
	AccessPublic     AccessLevel = "public"
	AccessPrivate    AccessLevel = "private"
	AccessRestricted AccessLevel = "restricted"
)

func (a AccessLevel) Valid() bool {
	return a == AccessPublic || a == AccessPrivate || a == AccessRestricted
}

type Retention string

const (
	RetentionPermanent Retention = "permanent"
	RetentionTimeBased Retention = "time_based"
	RetentionUsage     Retention = "usage_based"
)

func (r Retention) Valid() bool {
	return r == RetentionPermanent || r == RetentionTimeBased || r == RetentionUsage
}

// AccessKind is the verb recorded in the access log.
type AccessKind string

const (
	AccessRead   AccessKind = "read"
	AccessWrite  AccessKind = "write"
	AccessUpdate AccessKind = "update"
	AccessDelete AccessKind = "delete"
)

// Entry kinds.
const (
	EntryExperience = "experience"
	EntryPattern    = "pattern"
	EntrySolution   = "solution"
	EntryCache      = "cache"
)

func validEntryKind(k string) bool {
	switch k {
	case EntryExperience, EntryPattern, EntrySolution, EntryCache:
		return true
	}
	return false
}

// ErrAccessDenied is returned when an agent may not use a bank.
var ErrAccessDenied = errors.New("access denied")

func accessDenied(bank, agentID string) error {
	return fmt.Errorf("%w: %w: agent %q may not access bank %s", ErrAccessDenied, store.ErrValidation, agentID, bank)
}

// Bank is a quota-bound container of keyed entries.
type Bank struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Kind             BankKind    `json:"kind"`
	AccessLevel      AccessLevel `json:"access_level"`
	Retention        Retention   `json:"retention"`
	MaxSizeBytes     int64       `json:"max_size_bytes"`
	CurrentSizeBytes int64       `json:"current_size_bytes"`
	OwnerAgentID     string      `json:"owner_agent_id,omitempty"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// MaxSizeMB returns the quota in MB.
func (b Bank) MaxSizeMB() float64 { return float64(b.MaxSizeBytes) / float64(MB) }

// CurrentSizeMB returns the tracked size in MB.
func (b Bank) CurrentSizeMB() float64 { return float64(b.CurrentSizeBytes) / float64(MB) }

func (b Bank) expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// BankInput describes a new bank.
type BankInput struct {
	ID           string      `json:"id,omitempty"`
	Name         string      `json:"name"`
	Kind         BankKind    `json:"kind,omitempty"`
	AccessLevel  AccessLevel `json:"access_level,omitempty"`
	Retention    Retention   `json:"retention,omitempty"`
	MaxSizeMB    float64     `json:"max_size_mb,omitempty"`
	OwnerAgentID string      `json:"owner_agent_id,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
}

// Entry is one keyed value in a bank.
type Entry struct {
	ID               string          `json:"id"`
	BankID           string          `json:"bank_id"`
	Key              string          `json:"key"`
	Kind             string          `json:"kind"`
	Content          json.RawMessage `json:"content"`
	Embedding        []float32       `json:"embedding,omitempty"`
	SizeBytes        int64           `json:"size_bytes"`
	CreatedByAgentID string          `json:"created_by_agent_id,omitempty"`
	AccessCount      int             `json:"access_count"`
	Relevance        float64         `json:"relevance"`
	LastAccessed     time.Time       `json:"last_accessed"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
}

// WriteInput is an upsert of (Bank, Key). SizeBytes overrides the encoded
// size when the payload lives elsewhere. TTL sets ExpiresAt when that is nil.
type WriteInput struct {
	Bank      string          `json:"bank"`
	Key       string          `json:"key"`
	Kind      string          `json:"kind,omitempty"`
	Content   json.RawMessage `json:"content"`
	Embedding []float32       `json:"embedding,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Relevance float64         `json:"relevance,omitempty"`
	SizeBytes int64           `json:"size_bytes,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	TTL       time.Duration   `json:"ttl,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// WriteResult reports what a write did.
type WriteResult struct {
	Entry   *Entry   `json:"entry"`
	Created bool     `json:"created"`
	Evicted []string `json:"evicted,omitempty"`
}

// Access is one access log row.
type Access struct {
	ID         int64           `json:"id"`
	EntryID    string          `json:"entry_id"`
	BankID     string          `json:"bank_id"`
	Key        string          `json:"key"`
	AgentID    string          `json:"agent_id,omitempty"`
	Kind       AccessKind      `json:"kind"`
	Context    json.RawMessage `json:"context,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	AccessedAt time.Time       `json:"accessed_at"`
}

// SearchHit is an entry ranked by cosine similarity.
type SearchHit struct {
	Entry
	Similarity float64 `json:"similarity"`
}

// SweepResult summarises one retention pass over a bank.
type SweepResult struct {
	Bank       string    `json:"bank"`
	Retention  Retention `json:"retention"`
	Removed    []string  `json:"removed,omitempty"`
	FreedBytes int64     `json:"freed_bytes"`
}

// Stats summarises a bank.
type Stats struct {
	Bank             string  `json:"bank"`
	Entries          int     `json:"entries"`
	ActiveEntries    int     `json:"active_entries"`
	AvgRelevance     float64 `json:"avg_relevance"`
	TotalAccesses    int     `json:"total_accesses"`
	CurrentSizeBytes int64   `json:"current_size_bytes"`
	MaxSizeBytes     int64   `json:"max_size_bytes"`
	Utilization      float64 `json:"utilization"`
}
