package knowledge_test

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/agents"
	"github.com/KafClaw/synapse/internal/knowledge"
	"github.com/KafClaw/synapse/internal/store"
	"github.com/KafClaw/synapse/internal/store/storetest"
)

const dim = 8

func newTestBase(t *testing.T, index knowledge.Index) (*knowledge.Base, *store.Store, *agents.Registry) {
	t.Helper()
	st := storetest.Open(t)
	reg := agents.NewRegistry(st.DB())
	for _, id := range []string{"a1", "a2"} {
		_, err := reg.Register(context.Background(), agents.RegisterInput{ID: id, Name: id})
		require.NoError(t, err)
	}
	kb, err := knowledge.Open(context.Background(), st.DB(), reg, dim, index)
	require.NoError(t, err)
	return kb, st, reg
}

func unit(i int) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	return v
}

func randomVector(r *rand.Rand) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func indexes(t *testing.T) map[string]func() knowledge.Index {
	return map[string]func() knowledge.Index{
		"exact": func() knowledge.Index { return knowledge.NewExactIndex() },
		"chromem": func() knowledge.Index {
			idx, err := knowledge.NewChromemIndex("test")
			require.NoError(t, err)
			return idx
		},
	}
}

func TestEmbeddingRoundTripAndDimension(t *testing.T) {
	kb, _, _ := newTestBase(t, nil)
	ctx := context.Background()

	vec := []float32{0.1, -0.25, 3.5e-8, 1, float32(math.Pi), -0, 42, 1e-30}
	e, err := kb.Put(ctx, knowledge.EntryInput{Kind: knowledge.KindSolution, Title: "t", Content: "c", Embedding: vec})
	require.NoError(t, err)

	got, err := kb.Get(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, got.Embedding, dim)
	for i := range vec {
		assert.Equal(t, math.Float32bits(vec[i]), math.Float32bits(got.Embedding[i]), "component %d", i)
	}

	_, err = kb.Put(ctx, knowledge.EntryInput{Kind: knowledge.KindSolution, Title: "t", Content: "c", Embedding: make([]float32, dim+1)})
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
	_, err = kb.FindSimilar(ctx, make([]float32, dim-1), 0, 5)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)
}

func TestOpenRejectsDifferentDimension(t *testing.T) {
	_, st, reg := newTestBase(t, nil)
	ctx := context.Background()

	_, err := knowledge.Open(ctx, st.DB(), reg, dim*2, nil)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)

	kb, err := knowledge.Open(ctx, st.DB(), reg, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, dim, kb.Dimension())
}

func TestPutValidation(t *testing.T) {
	kb, _, _ := newTestBase(t, nil)
	ctx := context.Background()

	bad := []knowledge.EntryInput{
		{Kind: "rumour", Title: "t", Content: "c"},
		{Kind: knowledge.KindPattern, Content: "c"},
		{Kind: knowledge.KindPattern, Title: "t", Content: "c", Confidence: 2},
		{Kind: knowledge.KindPattern, Title: "t", Content: "c", Effectiveness: -1},
		{Kind: knowledge.KindPattern, Title: "t", Content: "c", SourceAgentID: "ghost"},
	}
	for i, in := range bad {
		_, err := kb.Put(ctx, in)
		assert.ErrorIs(t, err, store.ErrValidation, "case %d", i)
	}

	_, err := kb.Put(ctx, knowledge.EntryInput{ID: "k1", Kind: knowledge.KindPattern, Title: "t", Content: "c"})
	require.NoError(t, err)
	_, err = kb.Put(ctx, knowledge.EntryInput{ID: "k1", Kind: knowledge.KindPattern, Title: "t", Content: "c"})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestZeroEmbeddingIsStoredButNeverMatches(t *testing.T) {
	kb, _, _ := newTestBase(t, nil)
	ctx := context.Background()

	zero := make([]float32, dim)
	e, err := kb.Put(ctx, knowledge.EntryInput{Kind: knowledge.KindPattern, Title: "t", Content: "c", Embedding: zero})
	require.NoError(t, err)
	got, err := kb.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, zero, got.Embedding)
	assert.Equal(t, 0, kb.IndexLen())

	matches, err := kb.FindSimilar(ctx, unit(0), -1, 10)
	require.NoError(t, err)
	assert.Empty(t, matches)
	_, err = kb.FindSimilar(ctx, zero, 0, 10)
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestSearchSeesWritesFromOtherHandles(t *testing.T) {
	for name, mk := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := storetest.OpenShared(t, 2)
			reader, err := knowledge.Open(ctx, stores[0].DB(), agents.NewRegistry(stores[0].DB()), dim, mk())
			require.NoError(t, err)
			writer, err := knowledge.Open(ctx, stores[1].DB(), agents.NewRegistry(stores[1].DB()), dim, nil)
			require.NoError(t, err)

			_, err = writer.Put(ctx, knowledge.EntryInput{ID: "k1", Kind: knowledge.KindSolution, Title: "t", Content: "c", Embedding: unit(0)})
			require.NoError(t, err)
			for _, kb := range []*knowledge.Base{writer, reader} {
				matches, err := kb.FindSimilar(ctx, unit(0), 0.5, 10)
				require.NoError(t, err)
				require.Len(t, matches, 1)
				assert.Equal(t, "k1", matches[0].ID)
			}

			require.NoError(t, writer.SetEmbedding(ctx, "k1", unit(1)))
			matches, err := reader.FindSimilar(ctx, unit(0), 0.5, 10)
			require.NoError(t, err)
			assert.Empty(t, matches)
			matches, err = reader.FindSimilar(ctx, unit(1), 0.5, 10)
			require.NoError(t, err)
			require.Len(t, matches, 1)

			require.NoError(t, writer.Delete(ctx, "k1"))
			matches, err = reader.FindSimilar(ctx, unit(1), 0.5, 10)
			require.NoError(t, err)
			assert.Empty(t, matches)
			assert.Equal(t, 0, reader.IndexLen())
		})
	}
}

func TestCompactedIndexLogRebuildsLaggingIndex(t *testing.T) {
	ctx := context.Background()
	stores := storetest.OpenShared(t, 2)
	reader, err := knowledge.Open(ctx, stores[0].DB(), agents.NewRegistry(stores[0].DB()), dim, nil)
	require.NoError(t, err)
	writer, err := knowledge.Open(ctx, stores[1].DB(), agents.NewRegistry(stores[1].DB()), dim, nil)
	require.NoError(t, err)

	for i, id := range []string{"gone", "kept"} {
		_, err := writer.Put(ctx, knowledge.EntryInput{ID: id, Kind: knowledge.KindPattern, Title: id, Content: "c", Embedding: unit(i)})
		require.NoError(t, err)
	}
	require.NoError(t, writer.Delete(ctx, "gone"))

	n, err := writer.CompactIndexLog(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "newest log row survives compaction")

	matches, err := reader.FindSimilar(ctx, unit(1), 0.5, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "kept", matches[0].ID)
	assert.Equal(t, 1, reader.IndexLen())
}

func TestFindSimilarOrderingAndThreshold(t *testing.T) {
	for name, mk := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			kb, _, _ := newTestBase(t, mk())
			ctx := context.Background()
			r := rand.New(rand.NewSource(7))

			for i := 0; i < 40; i++ {
				_, err := kb.Put(ctx, knowledge.EntryInput{
					Kind: knowledge.KindPattern, Title: "t", Content: "c",
					Embedding: randomVector(r), Effectiveness: r.Float64(),
				})
				require.NoError(t, err)
			}

			for q := 0; q < 10; q++ {
				query := randomVector(r)
				threshold := r.Float64()*1.2 - 0.6
				matches, err := kb.FindSimilar(ctx, query, threshold, 15)
				require.NoError(t, err)
				assert.LessOrEqual(t, len(matches), 15)
				for i, m := range matches {
					assert.Greater(t, m.Similarity, threshold)
					if i > 0 {
						assert.LessOrEqual(t, m.Similarity, matches[i-1].Similarity)
					}
				}
			}
		})
	}
}

func TestFindSimilarTieBreaksAndCountsUsage(t *testing.T) {
	kb, _, _ := newTestBase(t, nil)
	ctx := context.Background()

	first, err := kb.Put(ctx, knowledge.EntryInput{ID: "old", Kind: knowledge.KindPattern, Title: "a", Content: "c", Embedding: unit(0), Effectiveness: 0.5})
	require.NoError(t, err)
	_, err = kb.Put(ctx, knowledge.EntryInput{ID: "best", Kind: knowledge.KindPattern, Title: "b", Content: "c", Embedding: unit(0), Effectiveness: 0.9})
	require.NoError(t, err)
	_, err = kb.Put(ctx, knowledge.EntryInput{ID: "new", Kind: knowledge.KindPattern, Title: "c", Content: "c", Embedding: unit(0), Effectiveness: 0.5})
	require.NoError(t, err)
	_, err = kb.Put(ctx, knowledge.EntryInput{ID: "orthogonal", Kind: knowledge.KindPattern, Title: "d", Content: "c", Embedding: unit(1)})
	require.NoError(t, err)

	matches, err := kb.FindSimilar(ctx, unit(0), 0.5, 10)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, []string{"best", "old", "new"}, []string{matches[0].ID, matches[1].ID, matches[2].ID})
	assert.Equal(t, 1, matches[0].UsageCount)

	again, err := kb.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, again.UsageCount)

	orth, err := kb.Get(ctx, "orthogonal")
	require.NoError(t, err)
	assert.Equal(t, 0, orth.UsageCount)

	none, err := kb.FindSimilar(ctx, unit(0), 1.0, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := kb.FindSimilar(ctx, unit(0), 0.5, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "best", limited[0].ID)
}

func TestIndexWarmsFromStore(t *testing.T) {
	kb, st, reg := newTestBase(t, nil)
	ctx := context.Background()
	_, err := kb.Put(ctx, knowledge.EntryInput{ID: "k1", Kind: knowledge.KindSolution, Title: "t", Content: "c", Embedding: unit(2)})
	require.NoError(t, err)

	idx, err := knowledge.NewChromemIndex("")
	require.NoError(t, err)
	reopened, err := knowledge.Open(ctx, st.DB(), reg, dim, idx)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.IndexLen())

	matches, err := reopened.FindSimilar(ctx, unit(2), 0.9, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "k1", matches[0].ID)
}

func TestEmbeddingBackfillAndDelete(t *testing.T) {
	kb, _, _ := newTestBase(t, nil)
	ctx := context.Background()
	_, err := kb.Put(ctx, knowledge.EntryInput{ID: "k1", Kind: knowledge.KindSolution, Title: "t", Content: "c"})
	require.NoError(t, err)

	missing, err := kb.MissingEmbeddings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, 0, kb.IndexLen())

	require.NoError(t, kb.SetEmbedding(ctx, "k1", unit(3)))
	assert.Equal(t, 1, kb.IndexLen())
	assert.ErrorIs(t, kb.SetEmbedding(ctx, "k1", unit(3)[:4]), store.ErrDimensionMismatch)
	assert.ErrorIs(t, kb.SetEmbedding(ctx, "nope", unit(3)), store.ErrNotFound)

	missing, err = kb.MissingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, kb.Delete(ctx, "k1"))
	assert.Equal(t, 0, kb.IndexLen())
	assert.ErrorIs(t, kb.Delete(ctx, "k1"), store.ErrNotFound)
}

func TestRecommendForAgent(t *testing.T) {
	kb, _, _ := newTestBase(t, nil)
	ctx := context.Background()
	put := func(id, source string, eff float64) {
		_, err := kb.Put(ctx, knowledge.EntryInput{ID: id, Kind: knowledge.KindBestPractice, Title: id, Content: "c",
			SourceAgentID: source, Effectiveness: eff})
		require.NoError(t, err)
	}
	put("mine", "a1", 0.95)
	put("theirs-high", "a2", 0.9)
	put("theirs-mid", "a2", 0.8)
	put("theirs-low", "a2", 0.7)

	recs, err := kb.RecommendForAgent(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "theirs-high", recs[0].ID)
	assert.Equal(t, "theirs-mid", recs[1].ID)

	require.NoError(t, kb.RecordEffectiveness(ctx, "theirs-low", 0.99))
	recs, err = kb.RecommendForAgent(ctx, "a1", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "theirs-low", recs[0].ID)
	assert.ErrorIs(t, kb.RecordEffectiveness(ctx, "theirs-low", 1.01), store.ErrValidation)
}
