package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/embeddings"
	ometrics "github.com/memoryd/memoryd/internal/metrics"
	"github.com/memoryd/memoryd/internal/models"
	"github.com/memoryd/memoryd/internal/store"
	"github.com/memoryd/memoryd/internal/vectordb"
)

const (
	// DefaultK is the result count when the caller does not specify one.
	DefaultK = 5
	// overFetchFactor compensates for candidates dropped by the
	// post-retrieval text filters.
	overFetchFactor = 3
	// DefaultFuzzyThreshold is the minimum 0..100 ratio for fuzzy matches.
	DefaultFuzzyThreshold = 70
	// recencyWindowDays is the horizon of the linear recency bonus.
	recencyWindowDays = 30
)

// Result is one scored search hit.
type Result struct {
	Memory *models.Memory
	// Base is the similarity before importance and recency weighting.
	Base float64
	// Score is the final composed score the ordering uses.
	Score float64
}

// Pipeline runs semantic retrieval with keyword degradation. Embedder and
// Reranker may be nil; a nil Embedder forces the keyword path.
type Pipeline struct {
	Index    vectordb.Index
	Embedder embeddings.Embedder
	Reranker embeddings.Reranker
	Location *time.Location
	Logger   *zap.Logger
}

func (p *Pipeline) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Pipeline) location() *time.Location {
	if p.Location == nil {
		return time.Local
	}
	return p.Location
}

// Search returns the top k memories for the query. The semantic path is
// used when an embedder is available; embedding failures degrade to the
// keyword path unless the request context is already done.
func (p *Pipeline) Search(ctx context.Context, persona string, st *store.Store, query string, k int, f *Filters) ([]Result, error) {
	if k <= 0 {
		k = DefaultK
	}
	start := time.Now()

	if p.Embedder != nil && p.Index != nil {
		results, err := p.semantic(ctx, persona, query, k, f)
		if err == nil {
			ometrics.SearchesTotal.WithLabelValues("semantic", "ok").Inc()
			ometrics.SearchDuration.Observe(time.Since(start).Seconds())
			return results, nil
		}
		if ctx.Err() != nil {
			ometrics.SearchesTotal.WithLabelValues("semantic", "cancelled").Inc()
			return nil, ctx.Err()
		}
		ometrics.SearchesTotal.WithLabelValues("semantic", "degraded").Inc()
		p.logger().Warn("Semantic search unavailable, using keyword path",
			zap.String("persona", persona),
			zap.Error(err),
		)
	}

	results, err := p.Keyword(ctx, st, query, k, f)
	if err != nil {
		ometrics.SearchesTotal.WithLabelValues("keyword", "error").Inc()
		return nil, err
	}
	ometrics.SearchesTotal.WithLabelValues("keyword", "ok").Inc()
	ometrics.SearchDuration.Observe(time.Since(start).Seconds())
	return results, nil
}

func (p *Pipeline) semantic(ctx context.Context, persona, query string, k int, f *Filters) ([]Result, error) {
	vecs, err := p.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}

	now := time.Now().In(p.location())
	vf, err := f.VectorFilter(now, p.location())
	if err != nil {
		return nil, err
	}

	hits, err := p.Index.Search(ctx, persona, vecs[0], k*overFetchFactor, vf)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		m := PayloadMemory(h.Payload)
		if !f.MatchText(m) {
			continue
		}
		results = append(results, Result{Memory: m, Base: h.Score})
	}

	if p.Reranker != nil && len(results) > 0 {
		docs := make([]string, len(results))
		for i, r := range results {
			docs[i] = r.Memory.Content
		}
		scores, err := p.Reranker.Score(ctx, query, docs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger().Warn("Reranker unavailable, keeping similarity order", zap.Error(err))
		} else {
			for i := range results {
				results[i].Base = scores[i]
			}
		}
	}

	p.compose(results, now, f)
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Keyword scans the relational store, matching the query against memory
// content by substring or fuzzy ratio. An empty query matches everything.
func (p *Pipeline) Keyword(ctx context.Context, st *store.Store, query string, k int, f *Filters) ([]Result, error) {
	if k <= 0 {
		k = DefaultK
	}
	now := time.Now().In(p.location())
	threshold := DefaultFuzzyThreshold
	if f != nil && f.FuzzyThreshold > 0 {
		threshold = f.FuzzyThreshold
	}
	fuzzy := f != nil && f.FuzzyMatch
	queryLower := strings.ToLower(query)

	var results []Result
	err := st.ForEachBatch(ctx, 256, func(batch []*models.Memory) error {
		for _, m := range batch {
			var base float64
			switch {
			case query == "":
				base = 0
			case fuzzy:
				r := PartialRatio(query, m.Content)
				if r < threshold {
					continue
				}
				base = float64(r) / 100
			default:
				if !strings.Contains(strings.ToLower(m.Content), queryLower) {
					continue
				}
				base = 1
			}
			ok, err := f.MatchRecord(m, now, p.location())
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			results = append(results, Result{Memory: m, Base: base})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.compose(results, now, f)
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// compose folds importance and recency bonuses into the final score.
func (p *Pipeline) compose(results []Result, now time.Time, f *Filters) {
	var iw, rw float64
	if f != nil {
		iw = f.ImportanceWeight
		rw = f.RecencyWeight
	}
	for i := range results {
		m := results[i].Memory
		score := results[i].Base
		if iw > 0 {
			score += iw * m.Importance
		}
		if rw > 0 {
			ageDays := now.Sub(m.CreatedAt).Hours() / 24
			recency := 1 - ageDays/recencyWindowDays
			if recency < 0 {
				recency = 0
			}
			score += rw * recency
		}
		results[i].Score = score
	}
}

// sortResults orders by final score descending, breaking ties by newer
// created_at and then by key for determinism.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.Memory.Key < b.Memory.Key
	})
}
