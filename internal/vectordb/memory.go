package vectordb

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/memoryd/memoryd/internal/embeddings"
)

// MemoryIndex is an in-process Index over a cosine brute-force scan. It backs
// the service when vector.enabled=false and the test suite. Collections are
// persona-keyed maps guarded by one RWMutex.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dim    int
	points map[string]Point // keyed by memory key
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memCollection)}
}

func (m *MemoryIndex) EnsureCollection(_ context.Context, persona string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.collections[persona]
	if !ok || col.dim != dim {
		m.collections[persona] = &memCollection{dim: dim, points: make(map[string]Point)}
	}
	return nil
}

func (m *MemoryIndex) Upsert(_ context.Context, persona string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collections[persona]
	if col == nil {
		col = &memCollection{points: make(map[string]Point)}
		m.collections[persona] = col
	}
	for _, p := range points {
		if col.dim == 0 {
			col.dim = len(p.Vector)
		}
		col.points[p.ID] = p
	}
	return nil
}

func (m *MemoryIndex) Delete(_ context.Context, persona string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collections[persona]
	if col == nil {
		return nil
	}
	for _, k := range keys {
		delete(col.points, k)
	}
	return nil
}

func (m *MemoryIndex) SetPayload(_ context.Context, persona string, key string, payload map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	col := m.collections[persona]
	if col == nil {
		return nil
	}
	if p, ok := col.points[key]; ok {
		p.Payload = payload
		col.points[key] = p
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, persona string, vector []float32, limit int, filter *Filter) ([]ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.collections[persona]
	if col == nil {
		return nil, nil
	}
	out := make([]ScoredPoint, 0, len(col.points))
	for _, p := range col.points {
		if !matchFilter(p.Payload, filter) {
			continue
		}
		out = append(out, ScoredPoint{
			ID:      p.ID,
			Score:   embeddings.Cosine(vector, p.Vector),
			Payload: p.Payload,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryIndex) Count(_ context.Context, persona string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.collections[persona]
	if col == nil {
		return 0, nil
	}
	return len(col.points), nil
}

func (m *MemoryIndex) Scroll(_ context.Context, persona string, withVectors bool) ([]ScoredPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	col := m.collections[persona]
	if col == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(col.points))
	for k := range col.points {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ScoredPoint, 0, len(keys))
	for _, k := range keys {
		p := col.points[k]
		sp := ScoredPoint{ID: p.ID, Payload: p.Payload}
		if withVectors {
			sp.Vector = p.Vector
		}
		out = append(out, sp)
	}
	return out, nil
}

func (m *MemoryIndex) RebuildFrom(ctx context.Context, persona string, dim int, points []Point) error {
	m.mu.Lock()
	m.collections[persona] = &memCollection{dim: dim, points: make(map[string]Point)}
	m.mu.Unlock()
	return m.Upsert(ctx, persona, points)
}

// matchFilter evaluates the conjunctive filter against a point payload,
// mirroring the clauses buildFilter sends to Qdrant.
func matchFilter(payload map[string]interface{}, f *Filter) bool {
	if f.Empty() {
		return true
	}
	tags := payloadTags(payload)
	if len(f.TagsAny) > 0 {
		found := false
		for _, want := range f.TagsAny {
			if tags[want] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, want := range f.TagsAll {
		if !tags[want] {
			return false
		}
	}
	if f.CreatedFrom != nil || f.CreatedTo != nil {
		ts, ok := payloadCreatedAt(payload)
		if !ok {
			return false
		}
		if f.CreatedFrom != nil && ts.Before(*f.CreatedFrom) {
			return false
		}
		if f.CreatedTo != nil && ts.After(*f.CreatedTo) {
			return false
		}
	}
	if f.MinImportance != nil {
		imp, ok := payload[PayloadImportance].(float64)
		if !ok || imp < *f.MinImportance {
			return false
		}
	}
	return true
}

func payloadTags(payload map[string]interface{}) map[string]bool {
	out := map[string]bool{}
	switch v := payload[PayloadTags].(type) {
	case []string:
		for _, t := range v {
			out[t] = true
		}
	case []interface{}:
		for _, t := range v {
			if s, ok := t.(string); ok {
				out[s] = true
			}
		}
	}
	return out
}

func payloadCreatedAt(payload map[string]interface{}) (time.Time, bool) {
	if ts, ok := payload[PayloadCreatedAtTS].(float64); ok {
		return time.Unix(int64(ts), 0), true
	}
	if s, ok := payload[PayloadCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
