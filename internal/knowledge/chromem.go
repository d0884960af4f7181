package knowledge

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex keeps vectors in an embedded chromem-go collection.
type ChromemIndex struct {
	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
}

// NewChromemIndex creates an in-memory chromem collection. Embeddings are
// always supplied by the caller, so no embedding function is configured.
func NewChromemIndex(name string) (*ChromemIndex, error) {
	if name == "" {
		name = "knowledge"
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemIndex{db: db, col: col}, nil
}

func (c *ChromemIndex) Add(ctx context.Context, id string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	c.mu.Lock()
	defer c.mu.Unlock()
	// AddDocument overwrites by ID.
	if err := c.col.AddDocument(ctx, chromem.Document{ID: id, Embedding: cp, Content: id}); err != nil {
		return fmt.Errorf("add document: %w", err)
	}
	return nil
}

func (c *ChromemIndex) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, vec []float32, threshold float64) ([]Hit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	// chromem-go requires nResults <= collection size.
	n := c.col.Count()
	if n == 0 || isZero(vec) {
		return nil, nil
	}
	results, err := c.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim > threshold {
			hits = append(hits, Hit{ID: r.ID, Similarity: sim})
		}
	}
	return hits, nil
}

func (c *ChromemIndex) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col.Count()
}

func isZero(vec []float32) bool {
	for _, f := range vec {
		if f != 0 {
			return false
		}
	}
	return true
}
