package vectordb

import (
	"context"
	"time"
)

// Config controls the Qdrant client behavior.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration
	// CollectionPrefix prepends persona collection names (memory_<persona>).
	CollectionPrefix string
	// UpsertBatch bounds the number of points per rebuild upsert request.
	UpsertBatch int
}

// Point is one indexed memory: id = memory key, vector = embed(content),
// payload = the full metadata from the relational record.
type Point struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// ScoredPoint is a search or scroll result.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload map[string]interface{}
	Vector  []float32
}

// Filter is a conjunction of payload predicates. Text-field substring
// filters are applied by the search pipeline after retrieval, so they do not
// appear here.
type Filter struct {
	TagsAny       []string
	TagsAll       []string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
	MinImportance *float64
}

// Empty reports whether the filter constrains nothing.
func (f *Filter) Empty() bool {
	if f == nil {
		return true
	}
	return len(f.TagsAny) == 0 && len(f.TagsAll) == 0 &&
		f.CreatedFrom == nil && f.CreatedTo == nil && f.MinImportance == nil
}

// Index is the persona-scoped approximate-nearest-neighbour index over
// memory embeddings. The relational store is authoritative; an Index is a
// derived structure that can always be rebuilt from it.
type Index interface {
	// EnsureCollection creates the persona collection with the given
	// dimension, rebuilding it destructively when an existing collection
	// reports a different dimension.
	EnsureCollection(ctx context.Context, persona string, dim int) error
	// Upsert inserts or replaces points, idempotent on point ID.
	Upsert(ctx context.Context, persona string, points []Point) error
	// Delete removes points by memory key.
	Delete(ctx context.Context, persona string, keys []string) error
	// SetPayload replaces the payload of one point without re-embedding.
	SetPayload(ctx context.Context, persona string, key string, payload map[string]interface{}) error
	// Search returns the top-limit points by cosine similarity, subject
	// to the conjunctive filter.
	Search(ctx context.Context, persona string, vector []float32, limit int, filter *Filter) ([]ScoredPoint, error)
	// Count returns the number of points in the persona collection.
	Count(ctx context.Context, persona string) (int, error)
	// Scroll returns every point in the persona collection; withVectors
	// controls whether vectors are included.
	Scroll(ctx context.Context, persona string, withVectors bool) ([]ScoredPoint, error)
	// RebuildFrom wipes the persona collection and reinserts all points.
	RebuildFrom(ctx context.Context, persona string, dim int, points []Point) error
}

// Payload field names shared by producers and consumers of index points.
const (
	PayloadKey                = "key"
	PayloadContent            = "content"
	PayloadTags               = "tags"
	PayloadImportance         = "importance"
	PayloadEmotion            = "emotion"
	PayloadPhysicalState      = "physical_state"
	PayloadMentalState        = "mental_state"
	PayloadEnvironment        = "environment"
	PayloadRelationshipStatus = "relationship_status"
	PayloadActionTag          = "action_tag"
	PayloadCreatedAt          = "created_at"
	PayloadUpdatedAt          = "updated_at"
	PayloadCreatedAtTS        = "created_at_ts"
)
