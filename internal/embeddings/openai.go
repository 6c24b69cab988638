package embeddings

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	ometrics "github.com/memoryd/memoryd/internal/metrics"
)

// OpenAIEmbedder backs the embedder port with the OpenAI embeddings API.
// Selected when embeddings_provider=openai.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	cache  Cache
	lru    *LocalLRU
	ttl    time.Duration
	dims   atomic.Int32
}

// NewOpenAIEmbedder builds the client from OPENAI_API_KEY. cache may be nil.
func NewOpenAIEmbedder(apiKey, model string, cache Cache) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder requires an API key")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  model,
		cache:  cache,
		lru:    NewLocalLRU(2048),
		ttl:    time.Hour,
	}, nil
}

func (e *OpenAIEmbedder) Model() string   { return e.model }
func (e *OpenAIEmbedder) Dimensions() int { return int(e.dims.Load()) }

// Probe embeds a sentinel to learn the vector dimension.
func (e *OpenAIEmbedder) Probe(ctx context.Context) (int, error) {
	vecs, err := e.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, err
	}
	return len(vecs[0]), nil
}

// Embed returns unit-normalized vectors for the given texts.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncached := []string{}
	uncachedIdx := []int{}
	for i, text := range texts {
		key := MakeKey(e.model, text)
		if v, ok := e.lru.Get(ctx, key); ok {
			results[i] = v
			ometrics.EmbeddingRequests.WithLabelValues(e.model, "lru_hit").Inc()
			continue
		}
		if e.cache != nil {
			if v, ok := e.cache.Get(ctx, key); ok {
				results[i] = v
				e.lru.Set(ctx, key, v, 30*time.Minute)
				ometrics.EmbeddingRequests.WithLabelValues(e.model, "cache_hit").Inc()
				continue
			}
		}
		uncached = append(uncached, text)
		uncachedIdx = append(uncachedIdx, i)
	}
	if len(uncached) == 0 {
		return results, nil
	}

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: uncached,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		ometrics.EmbeddingRequests.WithLabelValues(e.model, "error").Inc()
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(uncached) {
		return nil, fmt.Errorf("openai returned %d embeddings for %d texts", len(resp.Data), len(uncached))
	}

	for i, d := range resp.Data {
		out := make([]float32, len(d.Embedding))
		copy(out, d.Embedding)
		Normalize(out)
		e.dims.Store(int32(len(out)))

		idx := uncachedIdx[i]
		results[idx] = out

		key := MakeKey(e.model, uncached[i])
		e.lru.Set(ctx, key, out, 30*time.Minute)
		if e.cache != nil {
			e.cache.Set(ctx, key, out, e.ttl)
		}
	}

	ometrics.EmbeddingRequests.WithLabelValues(e.model, "ok").Inc()
	ometrics.EmbeddingDuration.Observe(time.Since(start).Seconds())
	return results, nil
}
