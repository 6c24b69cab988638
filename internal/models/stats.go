package models

import "time"

// StoreStats summarizes the relational store contents for one persona.
type StoreStats struct {
	Count             int               `json:"count"`
	TotalChars        int               `json:"total_chars"`
	Earliest          *time.Time        `json:"earliest,omitempty"`
	Latest            *time.Time        `json:"latest,omitempty"`
	TagHistogram      map[string]int    `json:"tag_histogram"`
	EmotionHistogram  map[string]int    `json:"emotion_histogram"`
	ImportanceBuckets map[string]int    `json:"importance_buckets"`
}

// MemoryPreview is a truncated view of a memory used in stats reports.
type MemoryPreview struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// StatsReport composes store stats with engine-level state for one persona.
type StatsReport struct {
	Persona     string          `json:"persona"`
	Store       StoreStats      `json:"store"`
	Recent      []MemoryPreview `json:"recent"`
	LastWrite   *time.Time      `json:"last_write,omitempty"`
	LastRebuild *time.Time      `json:"last_rebuild,omitempty"`
	IndexCount  int             `json:"index_count"`
	IndexDirty  bool            `json:"index_dirty"`
}

// CleanupSuggestion is one group of near-duplicate memories proposed for
// manual review. The detector only proposes; it never deletes or merges.
type CleanupSuggestion struct {
	Keys     []string `json:"keys"`
	Score    float64  `json:"score"`
	Priority string   `json:"priority"` // high, medium, low
}

// CleanupReport is the durable output of one duplicate-detector run.
type CleanupReport struct {
	Persona     string              `json:"persona"`
	GeneratedAt time.Time           `json:"generated_at"`
	Suggestions []CleanupSuggestion `json:"suggestions"`
}
