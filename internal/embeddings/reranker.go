package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	ometrics "github.com/memoryd/memoryd/internal/metrics"
)

// HTTPReranker calls a local cross-encoder service exposing POST /rerank.
type HTTPReranker struct {
	cfg  RerankerConfig
	http *http.Client
}

func NewHTTPReranker(cfg RerankerConfig) *HTTPReranker {
	c := cfg
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TopN == 0 {
		c.TopN = 10
	}
	return &HTTPReranker{cfg: c, http: &http.Client{Timeout: c.Timeout}}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one relevance score per document, in input order.
func (r *HTTPReranker) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return []float64{}, nil
	}
	payload := rerankRequest{Query: query, Documents: docs, Model: r.cfg.Model, TopN: r.cfg.TopN}
	buf, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/rerank", r.cfg.BaseURL), bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		ometrics.RerankRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		ometrics.RerankRequests.WithLabelValues("error").Inc()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank service returned %d: %s", resp.StatusCode, string(body))
	}

	var rr rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		ometrics.RerankRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(rr.Scores) != len(docs) {
		return nil, fmt.Errorf("rerank service returned %d scores for %d documents", len(rr.Scores), len(docs))
	}
	ometrics.RerankRequests.WithLabelValues("ok").Inc()
	return rr.Scores, nil
}
