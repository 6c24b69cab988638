package search

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/models"
	"github.com/memoryd/memoryd/internal/store"
	"github.com/memoryd/memoryd/internal/vectordb"
)

func TestResolveDateExpr(t *testing.T) {
	loc := time.UTC
	// Wednesday.
	now := time.Date(2026, 8, 19, 15, 30, 0, 0, loc)

	cases := []struct {
		expr string
		from time.Time
		to   time.Time
	}{
		{"today",
			time.Date(2026, 8, 19, 0, 0, 0, 0, loc),
			time.Date(2026, 8, 20, 0, 0, 0, 0, loc).Add(-time.Nanosecond)},
		{"yesterday",
			time.Date(2026, 8, 18, 0, 0, 0, 0, loc),
			time.Date(2026, 8, 19, 0, 0, 0, 0, loc).Add(-time.Nanosecond)},
		{"this week",
			time.Date(2026, 8, 17, 0, 0, 0, 0, loc),
			time.Date(2026, 8, 20, 0, 0, 0, 0, loc).Add(-time.Nanosecond)},
		{"last week",
			time.Date(2026, 8, 10, 0, 0, 0, 0, loc),
			time.Date(2026, 8, 17, 0, 0, 0, 0, loc).Add(-time.Nanosecond)},
		{"this month",
			time.Date(2026, 8, 1, 0, 0, 0, 0, loc),
			time.Date(2026, 8, 20, 0, 0, 0, 0, loc).Add(-time.Nanosecond)},
		{"last month",
			time.Date(2026, 7, 1, 0, 0, 0, 0, loc),
			time.Date(2026, 8, 1, 0, 0, 0, 0, loc).Add(-time.Nanosecond)},
		{"2026-08-01",
			time.Date(2026, 8, 1, 0, 0, 0, 0, loc),
			time.Date(2026, 8, 2, 0, 0, 0, 0, loc).Add(-time.Nanosecond)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			from, to, err := ResolveDateExpr(tc.expr, now, loc)
			require.NoError(t, err)
			assert.True(t, from.Equal(tc.from), "from: got %v want %v", from, tc.from)
			assert.True(t, to.Equal(tc.to), "to: got %v want %v", to, tc.to)
		})
	}

	_, _, err := ResolveDateExpr("fortnight ago", now, loc)
	assert.Error(t, err)
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 100, Ratio("hello", "hello"))
	assert.Equal(t, 100, Ratio("Hello", "hello"))
	assert.Equal(t, 0, Ratio("abc", "xyz"))
	assert.Greater(t, Ratio("cooking", "cookign"), 70)
}

func TestPartialRatio(t *testing.T) {
	assert.Equal(t, 100, PartialRatio("pasta", "we cooked pasta last night"))
	assert.Greater(t, PartialRatio("psata", "we cooked pasta last night"), 50)
	assert.Equal(t, 100, PartialRatio("", "anything"))
}

func TestSubstringTextFilters(t *testing.T) {
	m := &models.Memory{Emotion: "happy", ActionTag: "cooking dinner"}
	f := &Filters{ActionTag: "cook"}
	assert.True(t, f.MatchText(m))

	f = &Filters{Emotion: "HAPPY"}
	assert.True(t, f.MatchText(m))

	f = &Filters{Emotion: "sad"}
	assert.False(t, f.MatchText(m))
}

func TestPayloadRoundTrip(t *testing.T) {
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	m := &models.Memory{
		Key: "memory_1", Content: "went hiking", Tags: []string{"outdoors"},
		Importance: 0.7, Emotion: "happy", PhysicalState: "tired",
		MentalState: "calm", Environment: "mountains", RelationshipStatus: "friend",
		ActionTag: "hiking", CreatedAt: created, UpdatedAt: created,
	}
	got := PayloadMemory(MemoryPayload(m))
	assert.Equal(t, m.Key, got.Key)
	assert.Equal(t, m.Content, got.Content)
	assert.Equal(t, m.Tags, got.Tags)
	assert.Equal(t, m.Importance, got.Importance)
	assert.Equal(t, m.ActionTag, got.ActionTag)
	assert.True(t, got.CreatedAt.Equal(created))
}

// stubEmbedder maps exact texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	dim     int
	fail    bool
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if s.fail {
		return nil, fmt.Errorf("embedder offline")
	}
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		v, ok := s.vectors[txt]
		if !ok {
			v = make([]float32, s.dim)
			v[0] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return s.dim }
func (s *stubEmbedder) Model() string   { return "stub" }

func newTestStore(t *testing.T) *store.Store {
	st, err := store.Open(filepath.Join(t.TempDir(), "memories.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func seedMemory(t *testing.T, st *store.Store, key, content string, created time.Time, importance float64) *models.Memory {
	m := &models.Memory{
		Key: key, Content: content, CreatedAt: created, UpdatedAt: created,
		Importance: importance,
	}
	m.ApplyDefaults()
	require.NoError(t, st.Put(context.Background(), m))
	return m
}

func TestSemanticSearchRanksAndFilters(t *testing.T) {
	ctx := context.Background()
	idx := vectordb.NewMemoryIndex()
	emb := &stubEmbedder{dim: 2, vectors: map[string][]float32{
		"food":   {1, 0},
		"pasta":  {0.95, float32(0.3122499)},
		"hiking": {0, 1},
	}}

	now := time.Now().UTC()
	pasta := &models.Memory{Key: "memory_a", Content: "pasta", CreatedAt: now, UpdatedAt: now, Emotion: "happy"}
	hiking := &models.Memory{Key: "memory_b", Content: "hiking", CreatedAt: now, UpdatedAt: now, Emotion: "tired"}
	for _, m := range []*models.Memory{pasta, hiking} {
		vecs, err := emb.Embed(ctx, []string{m.Content})
		require.NoError(t, err)
		require.NoError(t, idx.Upsert(ctx, "p", []vectordb.Point{
			{ID: m.Key, Vector: vecs[0], Payload: MemoryPayload(m)},
		}))
	}

	p := &Pipeline{Index: idx, Embedder: emb, Location: time.UTC, Logger: zap.NewNop()}
	results, err := p.Search(ctx, "p", nil, "food", 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "memory_a", results[0].Memory.Key)

	// Text filter drops the non-matching candidate entirely.
	results, err = p.Search(ctx, "p", nil, "food", 5, &Filters{Emotion: "tired"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "memory_b", results[0].Memory.Key)
}

func TestSearchDegradesToKeywordWhenEmbedderFails(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedMemory(t, st, "memory_1", "we cooked pasta", time.Now().UTC(), 0.5)

	p := &Pipeline{
		Index:    vectordb.NewMemoryIndex(),
		Embedder: &stubEmbedder{dim: 2, fail: true},
		Location: time.UTC,
		Logger:   zap.NewNop(),
	}
	results, err := p.Search(ctx, "p", st, "pasta", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "memory_1", results[0].Memory.Key)
}

func TestKeywordFuzzyMatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	seedMemory(t, st, "memory_1", "we cooked pasta", time.Now().UTC(), 0.5)
	seedMemory(t, st, "memory_2", "went swimming", time.Now().UTC(), 0.5)

	p := &Pipeline{Location: time.UTC, Logger: zap.NewNop()}

	// Exact substring misses the typo.
	results, err := p.Keyword(ctx, st, "psata", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	// Fuzzy matching finds it.
	results, err = p.Keyword(ctx, st, "psata", 5, &Filters{FuzzyMatch: true, FuzzyThreshold: 50})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "memory_1", results[0].Memory.Key)
}

func TestScoreCompositionAndTieBreaks(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -60)

	seedMemory(t, st, "memory_old", "pasta dinner", old, 0.9)
	seedMemory(t, st, "memory_new", "pasta lunch", now, 0.1)

	p := &Pipeline{Location: time.UTC, Logger: zap.NewNop()}

	// Importance weighting favours the old, important memory.
	results, err := p.Keyword(ctx, st, "pasta", 5, &Filters{ImportanceWeight: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "memory_old", results[0].Memory.Key)

	// Recency weighting favours the fresh one; the 60-day-old memory gets
	// no recency bonus at all.
	results, err = p.Keyword(ctx, st, "pasta", 5, &Filters{RecencyWeight: 1})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "memory_new", results[0].Memory.Key)

	// Equal scores break ties by freshness.
	results, err = p.Keyword(ctx, st, "pasta", 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "memory_new", results[0].Memory.Key)
}

func TestKeywordAppliesFilters(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	now := time.Now().UTC()

	important := seedMemory(t, st, "memory_1", "project deadline", now, 0.9)
	require.NoError(t, st.Put(ctx, &models.Memory{
		Key: "memory_2", Content: "project notes", CreatedAt: now, UpdatedAt: now,
		Importance: 0.2, Tags: []string{"work"},
		Emotion: models.DefaultEmotion, PhysicalState: models.DefaultPhysicalState,
		MentalState: models.DefaultMentalState, Environment: models.DefaultEnvironment,
		RelationshipStatus: models.DefaultRelationshipStatus,
	}))

	min := 0.5
	p := &Pipeline{Location: time.UTC, Logger: zap.NewNop()}
	results, err := p.Keyword(ctx, st, "project", 5, &Filters{MinImportance: &min})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, important.Key, results[0].Memory.Key)

	results, err = p.Keyword(ctx, st, "project", 5, &Filters{TagsAny: []string{"work"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "memory_2", results[0].Memory.Key)
}
