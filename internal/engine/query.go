package engine

import (
	"context"
	"errors"

	"github.com/KafClaw/synapse/internal/analytics"
	"github.com/KafClaw/synapse/internal/knowledge"
	"github.com/KafClaw/synapse/internal/learning"
	"github.com/KafClaw/synapse/internal/sharedmem"
	"github.com/KafClaw/synapse/internal/store"
)

// ErrNoEmbedder is returned by text queries when no embedder is configured.
var ErrNoEmbedder = errors.New("no embedder configured")

// FindSimilarKnowledge ranks knowledge entries by cosine similarity to vec.
// A nil threshold uses default_similarity_threshold.
func (e *Engine) FindSimilarKnowledge(ctx context.Context, vec []float32, threshold *float64, limit int) ([]knowledge.Match, error) {
	t := e.config.Current().DefaultSimilarityThreshold
	if threshold != nil {
		t = *threshold
	}
	return e.knowledge.FindSimilar(ctx, vec, t, limit)
}

// FindSimilarKnowledgeText embeds text and runs FindSimilarKnowledge.
func (e *Engine) FindSimilarKnowledgeText(ctx context.Context, text string, threshold *float64, limit int) ([]knowledge.Match, error) {
	vec, err := e.embedOne(ctx, text)
	if err != nil {
		return nil, err
	}
	return e.FindSimilarKnowledge(ctx, vec, threshold, limit)
}

func (e *Engine) embedOne(ctx context.Context, text string) ([]float32, error) {
	if e.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vecs, err := e.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, store.Validationf("embedder returned %d vectors for 1 text", len(vecs))
	}
	return vecs[0], nil
}

// GetAgentPerformanceSummary returns one row per agent, best score first.
func (e *Engine) GetAgentPerformanceSummary(ctx context.Context) ([]analytics.AgentSummary, error) {
	return e.analytics.AgentPerformanceSummary(ctx)
}

// GetLearningProgress summarises learning per domain; empty covers all domains.
func (e *Engine) GetLearningProgress(ctx context.Context, domain string) ([]learning.DomainSummary, error) {
	return e.analytics.LearningProgress(ctx, domain)
}

// GetSystemHealth returns a point-in-time health view.
func (e *Engine) GetSystemHealth(ctx context.Context) (*analytics.SystemHealth, error) {
	return e.analytics.SystemHealth(ctx)
}

// ReadMemoryEntry reads (bank, key) without an agent identity, so only
// public banks are readable.
func (e *Engine) ReadMemoryEntry(ctx context.Context, bank, key string) (*sharedmem.Entry, error) {
	return e.memory.Read(ctx, bank, key, "")
}

// ReadMemoryEntryAs reads (bank, key) on behalf of agentID.
func (e *Engine) ReadMemoryEntryAs(ctx context.Context, bank, key, agentID string) (*sharedmem.Entry, error) {
	return e.memory.Read(ctx, bank, key, agentID)
}

// SearchMemory ranks a bank's entries by similarity to vec. A nil threshold
// uses default_similarity_threshold.
func (e *Engine) SearchMemory(ctx context.Context, bank, agentID string, vec []float32, threshold *float64, limit int) ([]sharedmem.SearchHit, error) {
	t := e.config.Current().DefaultSimilarityThreshold
	if threshold != nil {
		t = *threshold
	}
	return e.memory.Search(ctx, bank, agentID, vec, t, limit)
}
