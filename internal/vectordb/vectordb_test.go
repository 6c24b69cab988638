package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func floatPtr(f float64) *float64 { return &f }

func TestMemoryIndexSearchRanksByCosine(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.EnsureCollection(ctx, "alice", 2))

	require.NoError(t, idx.Upsert(ctx, "alice", []Point{
		{ID: "close", Vector: []float32{1, 0}, Payload: map[string]interface{}{PayloadKey: "close"}},
		{ID: "far", Vector: []float32{0, 1}, Payload: map[string]interface{}{PayloadKey: "far"}},
		{ID: "mid", Vector: []float32{0.7, 0.7}, Payload: map[string]interface{}{PayloadKey: "mid"}},
	}))

	hits, err := idx.Search(ctx, "alice", []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "close", hits[0].ID)
	assert.Equal(t, "mid", hits[1].ID)
}

func TestMemoryIndexPersonaIsolation(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, "alice", []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]interface{}{}},
	}))

	hits, err := idx.Search(ctx, "bob", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	n, err := idx.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryIndexFilter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Upsert(ctx, "p", []Point{
		{ID: "tagged", Vector: []float32{1, 0}, Payload: map[string]interface{}{
			PayloadTags:        []string{"work", "urgent"},
			PayloadImportance:  0.9,
			PayloadCreatedAtTS: float64(recent.Unix()),
		}},
		{ID: "other", Vector: []float32{1, 0}, Payload: map[string]interface{}{
			PayloadTags:        []string{"hobby"},
			PayloadImportance:  0.2,
			PayloadCreatedAtTS: float64(old.Unix()),
		}},
	}))

	hits, err := idx.Search(ctx, "p", []float32{1, 0}, 10, &Filter{TagsAny: []string{"work"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tagged", hits[0].ID)

	hits, err = idx.Search(ctx, "p", []float32{1, 0}, 10, &Filter{TagsAll: []string{"work", "urgent"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = idx.Search(ctx, "p", []float32{1, 0}, 10, &Filter{MinImportance: floatPtr(0.5)})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tagged", hits[0].ID)

	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	hits, err = idx.Search(ctx, "p", []float32{1, 0}, 10, &Filter{CreatedFrom: &from})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tagged", hits[0].ID)
}

func TestMemoryIndexRebuildFrom(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	require.NoError(t, idx.Upsert(ctx, "p", []Point{
		{ID: "stale", Vector: []float32{1, 0}, Payload: map[string]interface{}{}},
	}))

	require.NoError(t, idx.RebuildFrom(ctx, "p", 2, []Point{
		{ID: "fresh", Vector: []float32{0, 1}, Payload: map[string]interface{}{}},
	}))

	points, err := idx.Scroll(ctx, "p", true)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "fresh", points[0].ID)
	assert.Equal(t, []float32{0, 1}, points[0].Vector)
}

// fakeQdrant emulates the subset of the HTTP API the client touches.
type fakeQdrant struct {
	t           *testing.T
	dim         int
	exists      bool
	points      map[string]upsertPoint
	legacyOnly  bool
	recreations int
}

func (f *fakeQdrant) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collections/memory_test", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if !f.exists {
				http.NotFound(w, r)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"config": map[string]interface{}{
						"params": map[string]interface{}{
							"vectors": map[string]interface{}{"size": f.dim, "distance": "Cosine"},
						},
					},
				},
			})
		case http.MethodPut:
			var body struct {
				Vectors struct {
					Size int `json:"size"`
				} `json:"vectors"`
			}
			require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
			f.exists = true
			f.dim = body.Vectors.Size
			f.points = map[string]upsertPoint{}
			f.recreations++
			w.WriteHeader(http.StatusOK)
		case http.MethodDelete:
			f.exists = false
			f.points = nil
			w.WriteHeader(http.StatusOK)
		}
	})
	mux.HandleFunc("/collections/memory_test/points", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []upsertPoint `json:"points"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		if f.points == nil {
			f.points = map[string]upsertPoint{}
		}
		for _, p := range body.Points {
			f.points[p.ID] = p
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections/memory_test/points/delete", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Points []string `json:"points"`
		}
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		for _, id := range body.Points {
			delete(f.points, id)
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collections/memory_test/points/query", func(w http.ResponseWriter, r *http.Request) {
		if f.legacyOnly {
			http.NotFound(w, r)
			return
		}
		f.writeSearchResult(w, true)
	})
	mux.HandleFunc("/collections/memory_test/points/search", func(w http.ResponseWriter, r *http.Request) {
		f.writeSearchResult(w, false)
	})
	mux.HandleFunc("/collections/memory_test/points/count", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"count": len(f.points)},
		})
	})
	return mux
}

func (f *fakeQdrant) writeSearchResult(w http.ResponseWriter, modern bool) {
	results := []map[string]interface{}{}
	for _, p := range f.points {
		results = append(results, map[string]interface{}{
			"id":      p.ID,
			"score":   0.9,
			"payload": p.Payload,
		})
	}
	if modern {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"points": results},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"result": results})
}

func newTestClient(t *testing.T, f *fakeQdrant) (*Client, func()) {
	srv := httptest.NewServer(f.handler())
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	c := NewClient(Config{Host: u.Hostname(), Port: port}, zap.NewNop())
	return c, srv.Close
}

func TestClientEnsureCollectionCreatesAndRecreates(t *testing.T) {
	f := &fakeQdrant{t: t}
	c, done := newTestClient(t, f)
	defer done()
	ctx := context.Background()

	require.NoError(t, c.EnsureCollection(ctx, "test", 4))
	assert.True(t, f.exists)
	assert.Equal(t, 4, f.dim)
	assert.Equal(t, 1, f.recreations)

	// Same dimension is a no-op.
	require.NoError(t, c.EnsureCollection(ctx, "test", 4))
	assert.Equal(t, 1, f.recreations)

	// Dimension change drops and recreates.
	require.NoError(t, c.EnsureCollection(ctx, "test", 8))
	assert.Equal(t, 8, f.dim)
	assert.Equal(t, 2, f.recreations)
}

func TestClientUpsertSearchDelete(t *testing.T) {
	f := &fakeQdrant{t: t}
	c, done := newTestClient(t, f)
	defer done()
	ctx := context.Background()

	require.NoError(t, c.EnsureCollection(ctx, "test", 2))
	require.NoError(t, c.Upsert(ctx, "test", []Point{
		{ID: "memory_1", Vector: []float32{1, 0}, Payload: map[string]interface{}{PayloadKey: "memory_1"}},
	}))
	require.Len(t, f.points, 1)
	// Point IDs are derived UUIDs, not raw keys.
	assert.NotContains(t, f.points, "memory_1")

	hits, err := c.Search(ctx, "test", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "memory_1", hits[0].ID)

	n, err := c.Count(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Delete(ctx, "test", []string{"memory_1"}))
	assert.Empty(t, f.points)
}

func TestClientSearchFallsBackToLegacyEndpoint(t *testing.T) {
	f := &fakeQdrant{t: t, legacyOnly: true}
	c, done := newTestClient(t, f)
	defer done()
	ctx := context.Background()

	require.NoError(t, c.EnsureCollection(ctx, "test", 2))
	require.NoError(t, c.Upsert(ctx, "test", []Point{
		{ID: "k", Vector: []float32{1, 0}, Payload: map[string]interface{}{PayloadKey: "k"}},
	}))

	hits, err := c.Search(ctx, "test", []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "k", hits[0].ID)
}

func TestClientCountMissingCollection(t *testing.T) {
	f := &fakeQdrant{t: t}
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_ = f

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	c := NewClient(Config{Host: u.Hostname(), Port: port}, zap.NewNop())

	n, err := c.Count(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBuildFilterClauses(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := &Filter{
		TagsAny:       []string{"a", "b"},
		TagsAll:       []string{"c"},
		CreatedFrom:   &from,
		MinImportance: floatPtr(0.5),
	}
	built := buildFilter(f)
	require.NotNil(t, built)
	must := built["must"].([]map[string]interface{})
	assert.Len(t, must, 4)

	assert.Nil(t, buildFilter(nil))
	assert.Nil(t, buildFilter(&Filter{}))
}
