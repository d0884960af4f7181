// Package knowledge stores embedded knowledge entries and answers
// similarity queries through a pluggable vector index.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/store"
)

// Entry kinds.
const (
	KindPattern      = "pattern"
	KindSolution     = "solution"
	KindBestPractice = "best_practice"
	KindFailureCase  = "failure_case"
)

// ValidKind reports whether k is a known knowledge kind.
func ValidKind(k string) bool {
	switch k {
	case KindPattern, KindSolution, KindBestPractice, KindFailureCase:
		return true
	}
	return false
}

// candidateSlack widens the index threshold so float32 index scores never
// drop an entry whose exact score is above the caller's threshold.
const candidateSlack = 1e-3

// recommendEffectiveness is the floor for RecommendForAgent.
const recommendEffectiveness = 0.7

// Entry is a unit of reusable knowledge.
type Entry struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding,omitempty"`
	SourceAgentID  string    `json:"source_agent_id,omitempty"`
	RelatedTaskIDs []string  `json:"related_task_ids"`
	Tags           []string  `json:"tags"`
	Confidence     float64   `json:"confidence"`
	UsageCount     int       `json:"usage_count"`
	Effectiveness  float64   `json:"effectiveness"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EntryInput describes a new entry. Embedding may be omitted and filled in
// later with SetEmbedding.
type EntryInput struct {
	ID             string    `json:"id,omitempty"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding,omitempty"`
	SourceAgentID  string    `json:"source_agent_id,omitempty"`
	RelatedTaskIDs []string  `json:"related_task_ids,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Confidence     float64   `json:"confidence"`
	Effectiveness  float64   `json:"effectiveness"`
}

// Match is a similarity query result.
type Match struct {
	Entry
	Similarity float64 `json:"similarity"`
}

// ListFilter narrows List.
type ListFilter struct {
	Kind          string
	SourceAgentID string
	Tag           string
	Limit         int
}

// Base is the knowledge store plus its vector index. The index follows the
// knowledge_index_log, so entries written by other processes become
// searchable on the next query.
type Base struct {
	db        *sql.DB
	agents    *agents.Registry
	index     Index
	dimension int
	now       func() time.Time

	mu      sync.Mutex // guards mark, indexed and index mutations
	mark    int64
	indexed map[string]struct{}
}

// Open binds the knowledge base to db. The embedding dimension is fixed the
// first time the base is opened; later opens must pass the same value or 0.
// The index is warmed from stored embeddings.
func Open(ctx context.Context, db *sql.DB, reg *agents.Registry, dimension int, index Index) (*Base, error) {
	if dimension < 0 {
		return nil, store.Validationf("embedding dimension must be positive")
	}
	if index == nil {
		index = NewExactIndex()
	}
	var stored int
	err := db.QueryRowContext(ctx, `SELECT dimension FROM knowledge_meta WHERE id = 1`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if dimension == 0 {
			return nil, store.Validationf("embedding dimension must be set when creating the knowledge base")
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO knowledge_meta (id, dimension, created_at) VALUES (1, ?, ?)`,
			dimension, store.FormatTime(time.Now())); err != nil {
			return nil, fmt.Errorf("store knowledge dimension: %w", err)
		}
		stored = dimension
	case err != nil:
		return nil, fmt.Errorf("load knowledge dimension: %w", err)
	case dimension != 0 && dimension != stored:
		return nil, store.DimensionMismatch(stored, dimension)
	}

	b := &Base{db: db, agents: reg, index: index, dimension: stored, now: time.Now, indexed: make(map[string]struct{})}
	b.mu.Lock()
	n, err := b.rebuildLocked(ctx)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("Knowledge base opened", "dimension", stored, "indexed", n)
	return b, nil
}

// Dimension returns the fixed embedding dimension.
func (b *Base) Dimension() int { return b.dimension }

func (b *Base) checkVector(vec []float32) error {
	if len(vec) != b.dimension {
		return store.DimensionMismatch(b.dimension, len(vec))
	}
	return nil
}

// Put inserts a knowledge entry.
func (b *Base) Put(ctx context.Context, in EntryInput) (*Entry, error) {
	if !ValidKind(in.Kind) {
		return nil, store.Validationf("unknown knowledge kind %q", in.Kind)
	}
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Content) == "" {
		return nil, store.Validationf("knowledge title and content are required")
	}
	if in.Embedding != nil {
		if err := b.checkVector(in.Embedding); err != nil {
			return nil, err
		}
	}
	if err := store.CheckUnit("confidence", in.Confidence); err != nil {
		return nil, err
	}
	if err := store.CheckUnit("effectiveness", in.Effectiveness); err != nil {
		return nil, err
	}
	related, _ := json.Marshal(normalizeSet(in.RelatedTaskIDs))
	tags, _ := json.Marshal(normalizeSet(in.Tags))
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	var blob any
	if in.Embedding != nil {
		blob = store.EncodeVector(in.Embedding)
	}
	now := store.FormatTime(b.now())
	err := store.WithTx(ctx, b.db, func(tx *sql.Tx) error {
		if in.SourceAgentID != "" {
			if err := b.agents.EnsureExists(ctx, tx, in.SourceAgentID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO knowledge_entries (id, kind, title, content, embedding, source_agent_id,
			related_task_ids, tags, confidence, effectiveness, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.Kind, in.Title, in.Content, blob, store.NullString(in.SourceAgentID),
			string(related), string(tags), in.Confidence, in.Effectiveness, now, now)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return store.Conflictf("knowledge entry %s already exists", in.ID)
			}
			return fmt.Errorf("insert knowledge entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if in.Embedding != nil {
		b.indexNow(ctx, in.ID, indexable(in.Embedding))
	}
	slog.Info("Knowledge entry stored", "entry", in.ID, "kind", in.Kind, "source", in.SourceAgentID)
	return b.Get(ctx, in.ID)
}

// SetEmbedding stores (or replaces) an entry's embedding and re-indexes it.
func (b *Base) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	if err := b.checkVector(vec); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `UPDATE knowledge_entries SET embedding = ?, updated_at = ? WHERE id = ?`,
		store.EncodeVector(vec), store.FormatTime(b.now()), id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("knowledge entry %s", id)
	}
	b.indexNow(ctx, id, indexable(vec))
	return nil
}

// MissingEmbeddings returns entries stored without an embedding, oldest first.
func (b *Base) MissingEmbeddings(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return b.query(ctx, `WHERE embedding IS NULL ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
}

// Get returns an entry with its embedding exactly as written.
func (b *Base) Get(ctx context.Context, id string) (*Entry, error) {
	entries, err := b.query(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.NotFoundf("knowledge entry %s", id)
	}
	return &entries[0], nil
}

// List returns entries newest first.
func (b *Base) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	clause := `WHERE 1=1`
	var args []any
	if f.Kind != "" {
		clause += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.SourceAgentID != "" {
		clause += ` AND source_agent_id = ?`
		args = append(args, f.SourceAgentID)
	}
	if f.Tag != "" {
		clause += ` AND tags LIKE ?`
		args = append(args, `%"`+f.Tag+`"%`)
	}
	clause += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		clause += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return b.query(ctx, clause, args...)
}

// FindSimilar returns entries whose cosine similarity to vec is strictly
// above threshold, ordered by similarity, then effectiveness, then age.
// Every returned entry's usage counter is incremented.
func (b *Base) FindSimilar(ctx context.Context, vec []float32, threshold float64, limit int) ([]Match, error) {
	if err := b.checkVector(vec); err != nil {
		return nil, err
	}
	if isZero(vec) {
		return nil, store.Validationf("query embedding must not be the zero vector")
	}
	if threshold != threshold {
		return nil, store.Validationf("threshold must be a number")
	}
	if limit <= 0 {
		limit = 10
	}
	if err := b.syncIndex(ctx); err != nil {
		return nil, err
	}
	hits, err := b.index.Search(ctx, vec, threshold-candidateSlack)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	entries, err := b.byIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		sim := store.CosineSimilarity(vec, e.Embedding)
		if sim > threshold {
			matches = append(matches, Match{Entry: e, Similarity: sim})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		a, c := matches[i], matches[j]
		if a.Similarity != c.Similarity {
			return a.Similarity > c.Similarity
		}
		if a.Effectiveness != c.Effectiveness {
			return a.Effectiveness > c.Effectiveness
		}
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.Before(c.CreatedAt)
		}
		return a.ID < c.ID
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	if len(matches) == 0 {
		return nil, nil
	}

	err = store.WithTx(ctx, b.db, func(tx *sql.Tx) error {
		for _, m := range matches {
			if _, err := tx.ExecContext(ctx, `UPDATE knowledge_entries SET usage_count = usage_count + 1 WHERE id = ?`, m.ID); err != nil {
				return fmt.Errorf("increment usage: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range matches {
		matches[i].UsageCount++
	}
	return matches, nil
}

// RecordEffectiveness stores externally measured effectiveness.
func (b *Base) RecordEffectiveness(ctx context.Context, id string, score float64) error {
	if err := store.CheckUnit("effectiveness", score); err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx, `UPDATE knowledge_entries SET effectiveness = ?, updated_at = ? WHERE id = ?`,
		score, store.FormatTime(b.now()), id)
	if err != nil {
		return fmt.Errorf("update effectiveness: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("knowledge entry %s", id)
	}
	return nil
}

// RecommendForAgent returns highly effective entries contributed by other agents.
func (b *Base) RecommendForAgent(ctx context.Context, agentID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	return b.query(ctx, `WHERE (source_agent_id IS NULL OR source_agent_id != ?) AND effectiveness > ?
		ORDER BY effectiveness DESC, confidence DESC, created_at ASC LIMIT ?`, agentID, recommendEffectiveness, limit)
}

// Delete removes an entry and its index vector.
func (b *Base) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM knowledge_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete knowledge entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("knowledge entry %s", id)
	}
	b.indexNow(ctx, id, nil)
	return nil
}

// IndexLen reports how many vectors the index holds.
func (b *Base) IndexLen() int { return b.index.Len() }

// indexable returns vec unless it is the zero vector, which is stored but
// never indexed.
func indexable(vec []float32) []float32 {
	if isZero(vec) {
		return nil
	}
	return vec
}

const entryColumns = `id, kind, title, content, embedding, source_agent_id, related_task_ids, tags,
	confidence, usage_count, effectiveness, created_at, updated_at`

func (b *Base) byIDs(ctx context.Context, ids []string) ([]Entry, error) {
	const batch = 500
	var out []Entry
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		entries, err := b.query(ctx, `WHERE id IN (`+placeholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (b *Base) query(ctx context.Context, clause string, args ...any) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM knowledge_entries `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var blob []byte
		var source sql.NullString
		var related, tags, created, updated string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Title, &e.Content, &blob, &source, &related, &tags,
			&e.Confidence, &e.UsageCount, &e.Effectiveness, &created, &updated); err != nil {
			return nil, err
		}
		e.Embedding = store.DecodeVector(blob)
		e.SourceAgentID = source.String
		_ = json.Unmarshal([]byte(related), &e.RelatedTaskIDs)
		_ = json.Unmarshal([]byte(tags), &e.Tags)
		e.CreatedAt = store.ParseTime(created)
		e.UpdatedAt = store.ParseTime(updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func normalizeSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
