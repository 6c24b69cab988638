package embeddings

import (
	"context"
	"math"
	"time"
)

// Embedder turns texts into fixed-dimension vectors. Implementations must be
// deterministic for a given model version and return unit-normalized
// vectors. An Embedder may be absent at runtime; callers degrade to
// keyword-only search.
type Embedder interface {
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the vector width, or 0 before the first
	// successful call when the backend does not declare it up front.
	Dimensions() int
	// Model identifies the backing model version.
	Model() string
}

// Reranker scores query/document pairs with a cross-encoder; higher is more
// relevant. May be absent.
type Reranker interface {
	Score(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Config controls the embedding client behavior.
type Config struct {
	// BaseURL points to the local model service providing /embeddings.
	BaseURL string
	// Model is the embedding model identifier.
	Model string
	// Device is forwarded to the local service (cpu, cuda, mps).
	Device string
	// Timeout bounds each outbound call.
	Timeout time.Duration
	// CacheTTL sets TTL for cache entries.
	CacheTTL time.Duration
	// MaxLRU controls the in-process LRU size.
	MaxLRU int
}

// RerankerConfig controls the reranker client.
type RerankerConfig struct {
	BaseURL string
	Model   string
	TopN    int
	Timeout time.Duration
}

// Normalize scales a vector to unit L2 norm in place and returns it. A zero
// vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return v
}

// Cosine computes cosine similarity between two vectors of equal length.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
