package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/engine"
	"github.com/memoryd/memoryd/internal/oplog"
	"github.com/memoryd/memoryd/internal/registry"
	"github.com/memoryd/memoryd/internal/vectordb"
	"github.com/memoryd/memoryd/internal/workers"
)

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}
func (fixedEmbedder) Dimensions() int { return 2 }
func (fixedEmbedder) Model() string   { return "fixed" }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(dir, zap.NewNop())
	t.Cleanup(func() { reg.Close() })

	log, err := oplog.Open(filepath.Join(dir, "operations.log"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	eng := engine.New(reg, vectordb.NewMemoryIndex(), fixedEmbedder{}, nil, log,
		zap.NewNop(), engine.Options{Location: time.UTC})
	mgr := workers.NewManager(eng, zap.NewNop(), workers.Options{Mode: workers.ModeManual})

	srv := httptest.NewServer(New(eng, mgr, zap.NewNop()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}, headers map[string]string) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
}

func TestCreateSearchDeleteFlow(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]interface{}{
		"persona":    "alice",
		"content":    "likes strawberries",
		"tags":       []string{"food"},
		"importance": 0.8,
		"emotion":    "joy",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var key string
	require.NoError(t, json.Unmarshal(body["key"], &key))
	require.NotEmpty(t, key)

	// Exact key fetch.
	resp, body = doJSON(t, http.MethodGet,
		srv.URL+"/api/v1/memories/"+key+"?persona=alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hit struct {
		Memory struct {
			Content string  `json:"content"`
			Emotion string  `json:"emotion"`
			Score   float64 `json:"-"`
		} `json:"memory"`
	}
	raw, _ := json.Marshal(body)
	require.NoError(t, json.Unmarshal(raw, &hit))
	assert.Equal(t, "likes strawberries", hit.Memory.Content)
	assert.Equal(t, "joy", hit.Memory.Emotion)

	// Query search.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories/search", map[string]interface{}{
		"persona":  "alice",
		"selector": "strawberries",
		"k":        5,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results []json.RawMessage
	require.NoError(t, json.Unmarshal(body["results"], &results))
	assert.Len(t, results, 1)

	// Delete by key.
	resp, body = doJSON(t, http.MethodDelete,
		srv.URL+"/api/v1/memories/"+key+"?persona=alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var deleted []string
	require.NoError(t, json.Unmarshal(body["deleted_keys"], &deleted))
	assert.Equal(t, []string{key}, deleted)

	// Second delete is a 404.
	resp, _ = doJSON(t, http.MethodDelete,
		srv.URL+"/api/v1/memories/"+key+"?persona=alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestValidationMapsTo400(t *testing.T) {
	srv := newTestServer(t)
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]interface{}{
		"content": "",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.JSONEq(t, `"validation"`, string(body["kind"]))
}

func TestPersonaFromHeaders(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]interface{}{
		"content": "header persona memory",
	}, map[string]string{"X-Persona": "carol"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Visible under carol, invisible under the default persona.
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats", nil,
		map[string]string{"X-Persona": "carol"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var store struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body["store"], &store))
	assert.Equal(t, 1, store.Count)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body["store"], &store))
	assert.Equal(t, 0, store.Count)

	// Bearer token wins over X-Persona.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats", nil, map[string]string{
		"Authorization": "Bearer carol",
		"X-Persona":     "dave",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body["store"], &store))
	assert.Equal(t, 1, store.Count)
}

func TestUpdateEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]interface{}{
		"persona": "alice",
		"content": "original note",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var key string
	require.NoError(t, json.Unmarshal(body["key"], &key))

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories/update", map[string]interface{}{
		"persona":  "alice",
		"selector": key,
		"content":  "revised note",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created bool
	require.NoError(t, json.Unmarshal(body["created"], &created))
	assert.False(t, created)
}

func TestContextEndpoints(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/v1/context"
	hdr := map[string]string{"X-Persona": "alice"}

	resp, _ := doJSON(t, http.MethodPost, base, map[string]interface{}{
		"updates": map[string]string{"user_name": "sam", "emotion": "happy"},
	}, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, base+"/promises", map[string]interface{}{
		"promise": "call on sunday",
	}, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, base+"/favourites", map[string]interface{}{
		"item": "coffee",
	}, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, http.MethodGet, base, nil, hdr)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pc struct {
		UserName   string   `json:"user_name"`
		Emotion    string   `json:"emotion"`
		Promises   []string `json:"promises"`
		Favourites []string `json:"favourites"`
	}
	require.NoError(t, json.Unmarshal(body["context"], &pc))
	assert.Equal(t, "sam", pc.UserName)
	assert.Equal(t, "happy", pc.Emotion)
	assert.Equal(t, []string{"call on sunday"}, pc.Promises)
	assert.Equal(t, []string{"coffee"}, pc.Favourites)

	// Empty promise is rejected.
	resp, _ = doJSON(t, http.MethodPost, base+"/promises", map[string]interface{}{
		"promise": " ",
	}, hdr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRebuildEndpoint(t *testing.T) {
	srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/v1/memories", map[string]interface{}{
			"persona": "alice",
			"content": fmt.Sprintf("note %d", i),
		}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rebuild", map[string]interface{}{
		"persona": "alice",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `"rebuilt"`, string(body["status"]))

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/stats?persona=alice", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var indexCount int
	require.NoError(t, json.Unmarshal(body["index_count"], &indexCount))
	assert.Equal(t, 3, indexCount)
	var dirty bool
	require.NoError(t, json.Unmarshal(body["index_dirty"], &dirty))
	assert.False(t, dirty)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
