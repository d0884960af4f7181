package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/synapse/internal/store"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	h := NewHash(32)
	ctx := context.Background()
	vecs, err := h.Embed(ctx, []string{"Retry with backoff", "retry, WITH backoff!", "database schema", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	for _, v := range vecs {
		assert.Len(t, v, 32)
	}
	assert.Equal(t, vecs[0], vecs[1])
	assert.InDelta(t, 1.0, store.CosineSimilarity(vecs[0], vecs[1]), 1e-6)
	assert.Less(t, store.CosineSimilarity(vecs[0], vecs[2]), float64(0.99))
	assert.Equal(t, float32(1), vecs[3][0])
}

func TestHashEmbedderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHash(8).Embed(ctx, []string{"a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	var gotModel string
	var gotDims float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		gotDims, _ = body["dimensions"].(float64)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","usage":{"prompt_tokens":2,"total_tokens":2},
			"data":[{"object":"embedding","index":1,"embedding":[0,1,0]},{"object":"embedding","index":0,"embedding":[1,0,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL + "/v1", Dimensions: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, e.Dimensions())

	vecs, err := e.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
	assert.Equal(t, string(DefaultModel), gotModel)
	assert.Equal(t, float64(3), gotDims)
}

func TestOpenAIEmbedderRejectsWrongDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","usage":{"prompt_tokens":1,"total_tokens":1},
			"data":[{"object":"embedding","index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAI(OpenAIConfig{APIKey: "k", APIBase: srv.URL, Dimensions: 3})
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), []string{"x"})
	assert.ErrorContains(t, err, "dimensions")

	_, err = NewOpenAI(OpenAIConfig{})
	assert.Error(t, err)
}
