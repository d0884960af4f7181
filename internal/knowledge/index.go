package knowledge

import (
	"context"
	"sort"
	"sync"

	"github.com/KafClaw/synapse/internal/store"
)

// Hit is a candidate returned by an Index.
type Hit struct {
	ID         string
	Similarity float64
}

// Index is a nearest-neighbour index over fixed-dimension vectors under
// cosine similarity. Implementations must be safe for concurrent use.
type Index interface {
	Add(ctx context.Context, id string, vec []float32) error
	Remove(ctx context.Context, id string) error
	// Search returns every vector whose similarity to vec is above threshold,
	// most similar first.
	Search(ctx context.Context, vec []float32, threshold float64) ([]Hit, error)
	Len() int
}

// ExactIndex is a brute-force Index. It scores every stored vector.
type ExactIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewExactIndex creates an empty ExactIndex.
func NewExactIndex() *ExactIndex {
	return &ExactIndex{vectors: make(map[string][]float32)}
}

func (x *ExactIndex) Add(_ context.Context, id string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	x.mu.Lock()
	x.vectors[id] = cp
	x.mu.Unlock()
	return nil
}

func (x *ExactIndex) Remove(_ context.Context, id string) error {
	x.mu.Lock()
	delete(x.vectors, id)
	x.mu.Unlock()
	return nil
}

func (x *ExactIndex) Search(ctx context.Context, vec []float32, threshold float64) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var hits []Hit
	for id, v := range x.vectors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sim := store.CosineSimilarity(vec, v)
		if sim > threshold {
			hits = append(hits, Hit{ID: id, Similarity: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID < hits[j].ID
	})
	return hits, nil
}

func (x *ExactIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}
