package embeddings

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	var norm float64
	for _, f := range v {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)

	zero := Normalize([]float32{0, 0})
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{1, 0}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0})) // mismatched dims
}

func TestLocalLRUEviction(t *testing.T) {
	lru := NewLocalLRU(2)
	ctx := context.Background()

	lru.Set(ctx, "a", []float32{1}, time.Minute)
	lru.Set(ctx, "b", []float32{2}, time.Minute)
	lru.Set(ctx, "c", []float32{3}, time.Minute) // evicts a

	_, ok := lru.Get(ctx, "a")
	assert.False(t, ok)
	v, ok := lru.Get(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, []float32{2}, v)
}

func TestLocalLRUTTL(t *testing.T) {
	lru := NewLocalLRU(10)
	ctx := context.Background()
	lru.Set(ctx, "k", []float32{1}, -time.Second) // already expired
	_, ok := lru.Get(ctx, "k")
	assert.False(t, ok)
}

func TestHTTPEmbedderCachesAndNormalizes(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := make([][]float64, len(req.Texts))
		for i := range req.Texts {
			out[i] = []float64{3, 4}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: out, Dimensions: 2})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(Config{BaseURL: srv.URL, Model: "test-model"}, nil)
	vecs, err := e.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.InDelta(t, 0.6, vecs[0][0], 1e-6)
	assert.Equal(t, 2, e.Dimensions())

	// Second call for the same text hits the LRU.
	_, err = e.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestHTTPEmbedderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(Config{BaseURL: srv.URL}, nil)
	_, err := e.Embed(context.Background(), []string{"hello"})
	assert.Error(t, err)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(mr.Addr())
	require.NoError(t, err)

	ctx := context.Background()
	cache.Set(ctx, "k", []float32{1.5, -2.25}, time.Minute)
	v, ok := cache.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []float32{1.5, -2.25}, v)

	_, ok = cache.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestHTTPRerankerScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		scores := make([]float64, len(req.Documents))
		for i := range scores {
			scores[i] = float64(len(req.Documents) - i)
		}
		json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer srv.Close()

	rr := NewHTTPReranker(RerankerConfig{BaseURL: srv.URL, Model: "cross-encoder"})
	scores, err := rr.Score(context.Background(), "query", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 2, 1}, scores)

	empty, err := rr.Score(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
