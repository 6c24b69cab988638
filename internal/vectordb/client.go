package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	ometrics "github.com/memoryd/memoryd/internal/metrics"
)

// Client is a minimal Qdrant HTTP client implementing Index. One collection
// per persona, cosine distance.
type Client struct {
	cfg  Config
	http *http.Client
	base string
	log  *zap.Logger
}

// NewClient builds the client; it does not touch the network.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	c := cfg
	if c.Port == 0 {
		c.Port = 6333
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = "memory_"
	}
	if c.UpsertBatch == 0 {
		c.UpsertBatch = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:  c,
		http: &http.Client{Timeout: c.Timeout},
		base: fmt.Sprintf("http://%s:%d", c.Host, c.Port),
		log:  logger,
	}
}

func (c *Client) collection(persona string) string {
	return c.cfg.CollectionPrefix + persona
}

// pointID derives the deterministic Qdrant point UUID for a memory key.
// Qdrant only accepts UUIDs or unsigned integers as point IDs, so the key
// itself travels in the payload.
func pointID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var rd *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

type collectionInfoResponse struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
	Status string `json:"status"`
}

// EnsureCollection creates the persona collection if missing. An existing
// collection with a different vector size is dropped and recreated; the
// rebuild worker repopulates it from the relational store.
func (c *Client) EnsureCollection(ctx context.Context, persona string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("vectordb: invalid dimension %d", dim)
	}
	name := c.collection(persona)

	var info collectionInfoResponse
	status, err := c.do(ctx, http.MethodGet, "/collections/"+name, nil, &info)
	if err != nil {
		return fmt.Errorf("vectordb: get collection %s: %w", name, err)
	}
	switch {
	case status == http.StatusNotFound:
		return c.createCollection(ctx, name, dim)
	case status >= 200 && status < 300:
		if info.Result.Config.Params.Vectors.Size == dim {
			return nil
		}
		c.log.Warn("Vector collection dimension mismatch, recreating",
			zap.String("collection", name),
			zap.Int("existing", info.Result.Config.Params.Vectors.Size),
			zap.Int("expected", dim),
		)
		if st, err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil); err != nil || st >= 300 {
			return fmt.Errorf("vectordb: drop collection %s: status %d err %v", name, st, err)
		}
		return c.createCollection(ctx, name, dim)
	default:
		return fmt.Errorf("vectordb: get collection %s: status %d", name, status)
	}
}

func (c *Client) createCollection(ctx context.Context, name string, dim int) error {
	body := map[string]interface{}{
		"vectors": map[string]interface{}{"size": dim, "distance": "Cosine"},
	}
	st, err := c.do(ctx, http.MethodPut, "/collections/"+name, body, nil)
	if err != nil {
		return fmt.Errorf("vectordb: create collection %s: %w", name, err)
	}
	if st >= 300 {
		return fmt.Errorf("vectordb: create collection %s: status %d", name, st)
	}
	return nil
}

type upsertPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Upsert inserts or replaces points, idempotent on the derived point ID.
func (c *Client) Upsert(ctx context.Context, persona string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	name := c.collection(persona)
	for start := 0; start < len(points); start += c.cfg.UpsertBatch {
		end := start + c.cfg.UpsertBatch
		if end > len(points) {
			end = len(points)
		}
		batch := make([]upsertPoint, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, upsertPoint{ID: pointID(p.ID), Vector: p.Vector, Payload: p.Payload})
		}
		st, err := c.do(ctx, http.MethodPut, "/collections/"+name+"/points?wait=true",
			map[string]interface{}{"points": batch}, nil)
		if err != nil {
			ometrics.VectorUpserts.WithLabelValues("error").Inc()
			return fmt.Errorf("vectordb: upsert into %s: %w", name, err)
		}
		if st >= 300 {
			ometrics.VectorUpserts.WithLabelValues("error").Inc()
			return fmt.Errorf("vectordb: upsert into %s: status %d", name, st)
		}
	}
	ometrics.VectorUpserts.WithLabelValues("ok").Inc()
	return nil
}

// Delete removes points by memory key.
func (c *Client) Delete(ctx context.Context, persona string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = pointID(k)
	}
	name := c.collection(persona)
	st, err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/delete?wait=true",
		map[string]interface{}{"points": ids}, nil)
	if err != nil {
		return fmt.Errorf("vectordb: delete from %s: %w", name, err)
	}
	if st >= 300 {
		return fmt.Errorf("vectordb: delete from %s: status %d", name, st)
	}
	return nil
}

// SetPayload overwrites the payload of one point without touching its vector.
func (c *Client) SetPayload(ctx context.Context, persona string, key string, payload map[string]interface{}) error {
	name := c.collection(persona)
	body := map[string]interface{}{
		"payload": payload,
		"points":  []string{pointID(key)},
	}
	st, err := c.do(ctx, http.MethodPut, "/collections/"+name+"/points/payload?wait=true", body, nil)
	if err != nil {
		return fmt.Errorf("vectordb: set payload in %s: %w", name, err)
	}
	if st >= 300 {
		return fmt.Errorf("vectordb: set payload in %s: status %d", name, st)
	}
	return nil
}

// buildFilter maps the conjunctive Filter onto Qdrant must clauses.
func buildFilter(f *Filter) map[string]interface{} {
	if f.Empty() {
		return nil
	}
	must := []map[string]interface{}{}
	if len(f.TagsAny) > 0 {
		must = append(must, map[string]interface{}{
			"key":   PayloadTags,
			"match": map[string]interface{}{"any": f.TagsAny},
		})
	}
	for _, tag := range f.TagsAll {
		must = append(must, map[string]interface{}{
			"key":   PayloadTags,
			"match": map[string]interface{}{"value": tag},
		})
	}
	if f.CreatedFrom != nil || f.CreatedTo != nil {
		rng := map[string]interface{}{}
		if f.CreatedFrom != nil {
			rng["gte"] = float64(f.CreatedFrom.Unix())
		}
		if f.CreatedTo != nil {
			rng["lte"] = float64(f.CreatedTo.Unix())
		}
		must = append(must, map[string]interface{}{"key": PayloadCreatedAtTS, "range": rng})
	}
	if f.MinImportance != nil {
		must = append(must, map[string]interface{}{
			"key":   PayloadImportance,
			"range": map[string]interface{}{"gte": *f.MinImportance},
		})
	}
	return map[string]interface{}{"must": must}
}

type qdrantPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float64              `json:"vector,omitempty"`
}

type queryResponse struct {
	Result struct {
		Points []qdrantPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

type searchResponse struct {
	Result []qdrantPoint `json:"result"`
	Status string        `json:"status"`
}

// Search queries the persona collection. Prefers the modern /points/query
// endpoint and falls back to /points/search for older Qdrant versions.
func (c *Client) Search(ctx context.Context, persona string, vector []float32, limit int, filter *Filter) ([]ScoredPoint, error) {
	name := c.collection(persona)
	qf := buildFilter(filter)

	body := map[string]interface{}{
		"query":        vector,
		"limit":        limit,
		"with_payload": true,
	}
	if qf != nil {
		body["filter"] = qf
	}
	var qr queryResponse
	st, err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/query", body, &qr)
	if err == nil && st == http.StatusOK {
		ometrics.VectorSearches.WithLabelValues("ok").Inc()
		return toScoredPoints(qr.Result.Points), nil
	}
	if err != nil {
		ometrics.VectorSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("vectordb: query %s: %w", name, err)
	}

	// Legacy fallback.
	legacy := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if qf != nil {
		legacy["filter"] = qf
	}
	var sr searchResponse
	st, err = c.do(ctx, http.MethodPost, "/collections/"+name+"/points/search", legacy, &sr)
	if err != nil {
		ometrics.VectorSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("vectordb: search %s: %w", name, err)
	}
	if st != http.StatusOK {
		ometrics.VectorSearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("vectordb: search %s: status %d", name, st)
	}
	ometrics.VectorSearches.WithLabelValues("ok").Inc()
	return toScoredPoints(sr.Result), nil
}

func toScoredPoints(points []qdrantPoint) []ScoredPoint {
	out := make([]ScoredPoint, 0, len(points))
	for _, p := range points {
		sp := ScoredPoint{Score: p.Score, Payload: p.Payload}
		if key, ok := p.Payload[PayloadKey].(string); ok {
			sp.ID = key
		} else {
			sp.ID = fmt.Sprintf("%v", p.ID)
		}
		if len(p.Vector) > 0 {
			v := make([]float32, len(p.Vector))
			for i, f := range p.Vector {
				v[i] = float32(f)
			}
			sp.Vector = v
		}
		out = append(out, sp)
	}
	return out
}

type countResponse struct {
	Result struct {
		Count int `json:"count"`
	} `json:"result"`
}

// Count returns the exact number of points in the persona collection. A
// missing collection counts as zero.
func (c *Client) Count(ctx context.Context, persona string) (int, error) {
	name := c.collection(persona)
	var cr countResponse
	st, err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/count",
		map[string]interface{}{"exact": true}, &cr)
	if err != nil {
		return 0, fmt.Errorf("vectordb: count %s: %w", name, err)
	}
	if st == http.StatusNotFound {
		return 0, nil
	}
	if st != http.StatusOK {
		return 0, fmt.Errorf("vectordb: count %s: status %d", name, st)
	}
	return cr.Result.Count, nil
}

type scrollResponse struct {
	Result struct {
		Points         []qdrantPoint `json:"points"`
		NextPageOffset interface{}   `json:"next_page_offset"`
	} `json:"result"`
}

// Scroll pages through every point in the persona collection.
func (c *Client) Scroll(ctx context.Context, persona string, withVectors bool) ([]ScoredPoint, error) {
	name := c.collection(persona)
	var out []ScoredPoint
	var offset interface{}
	for {
		body := map[string]interface{}{
			"limit":        256,
			"with_payload": true,
			"with_vector":  withVectors,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var sr scrollResponse
		st, err := c.do(ctx, http.MethodPost, "/collections/"+name+"/points/scroll", body, &sr)
		if err != nil {
			return nil, fmt.Errorf("vectordb: scroll %s: %w", name, err)
		}
		if st == http.StatusNotFound {
			return out, nil
		}
		if st != http.StatusOK {
			return nil, fmt.Errorf("vectordb: scroll %s: status %d", name, st)
		}
		out = append(out, toScoredPoints(sr.Result.Points)...)
		if sr.Result.NextPageOffset == nil {
			return out, nil
		}
		offset = sr.Result.NextPageOffset
	}
}

// RebuildFrom wipes the persona collection and reinserts all points.
func (c *Client) RebuildFrom(ctx context.Context, persona string, dim int, points []Point) error {
	name := c.collection(persona)
	if st, err := c.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil); err != nil {
		return fmt.Errorf("vectordb: drop collection %s: %w", name, err)
	} else if st >= 300 && st != http.StatusNotFound {
		return fmt.Errorf("vectordb: drop collection %s: status %d", name, st)
	}
	if err := c.createCollection(ctx, name, dim); err != nil {
		return err
	}
	return c.Upsert(ctx, persona, points)
}
