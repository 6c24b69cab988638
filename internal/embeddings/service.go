package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	ometrics "github.com/memoryd/memoryd/internal/metrics"
)

// HTTPEmbedder calls a local model service exposing POST /embeddings. It
// layers an in-process LRU and an optional shared cache in front of the
// service.
type HTTPEmbedder struct {
	cfg   Config
	http  *http.Client
	cache Cache
	lru   *LocalLRU
	dims  atomic.Int32
}

// NewHTTPEmbedder creates the client. cache may be nil.
func NewHTTPEmbedder(cfg Config, cache Cache) *HTTPEmbedder {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxLRU == 0 {
		c.MaxLRU = 2048
	}
	return &HTTPEmbedder{
		cfg:   c,
		http:  &http.Client{Timeout: c.Timeout},
		cache: cache,
		lru:   NewLocalLRU(c.MaxLRU),
	}
}

func (e *HTTPEmbedder) Model() string { return e.cfg.Model }

// Dimensions returns the vector width once known (after Probe or the first
// successful Embed).
func (e *HTTPEmbedder) Dimensions() int { return int(e.dims.Load()) }

// Probe embeds a fixed sentinel to verify the backend is reachable and to
// learn the vector dimension.
func (e *HTTPEmbedder) Probe(ctx context.Context) (int, error) {
	vecs, err := e.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, err
	}
	return len(vecs[0]), nil
}

type embedRequest struct {
	Texts  []string `json:"texts"`
	Model  string   `json:"model"`
	Device string   `json:"device,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns unit-normalized vectors for the given texts, consulting the
// caches first.
func (e *HTTPEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedTexts := []string{}
	uncachedIndices := []int{}

	for i, text := range texts {
		key := MakeKey(e.cfg.Model, text)
		if v, ok := e.lru.Get(ctx, key); ok {
			results[i] = v
			ometrics.EmbeddingRequests.WithLabelValues(e.cfg.Model, "lru_hit").Inc()
			continue
		}
		if e.cache != nil {
			if v, ok := e.cache.Get(ctx, key); ok {
				results[i] = v
				e.lru.Set(ctx, key, v, 30*time.Minute)
				ometrics.EmbeddingRequests.WithLabelValues(e.cfg.Model, "cache_hit").Inc()
				continue
			}
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	start := time.Now()
	url := fmt.Sprintf("%s/embeddings", e.cfg.BaseURL)
	payload := embedRequest{Texts: uncachedTexts, Model: e.cfg.Model, Device: e.cfg.Device}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		ometrics.EmbeddingRequests.WithLabelValues(e.cfg.Model, "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ometrics.EmbeddingRequests.WithLabelValues(e.cfg.Model, "error").Inc()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(body))
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		ometrics.EmbeddingRequests.WithLabelValues(e.cfg.Model, "error").Inc()
		return nil, err
	}
	if len(er.Embeddings) != len(uncachedTexts) {
		return nil, fmt.Errorf("embedding service returned %d embeddings for %d texts",
			len(er.Embeddings), len(uncachedTexts))
	}

	for i, embedding := range er.Embeddings {
		out := make([]float32, len(embedding))
		for j, f := range embedding {
			out[j] = float32(f)
		}
		Normalize(out)
		e.dims.Store(int32(len(out)))

		idx := uncachedIndices[i]
		results[idx] = out

		key := MakeKey(e.cfg.Model, uncachedTexts[i])
		e.lru.Set(ctx, key, out, 30*time.Minute)
		if e.cache != nil {
			e.cache.Set(ctx, key, out, e.cfg.CacheTTL)
		}
	}

	ometrics.EmbeddingRequests.WithLabelValues(e.cfg.Model, "ok").Inc()
	ometrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	return results, nil
}
