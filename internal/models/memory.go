package models

import (
	"sort"
	"strings"
	"time"
)

// Default metadata values applied when a caller omits a field.
const (
	DefaultImportance         = 0.5
	DefaultEmotion            = "neutral"
	DefaultPhysicalState      = "normal"
	DefaultMentalState        = "calm"
	DefaultEnvironment        = "unknown"
	DefaultRelationshipStatus = "normal"
)

// Memory is a single recorded observation owned by exactly one persona.
// The key is assigned at creation and never changes.
type Memory struct {
	Key                string    `json:"key"`
	Content            string    `json:"content"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Tags               []string  `json:"tags"`
	Importance         float64   `json:"importance"`
	Emotion            string    `json:"emotion"`
	PhysicalState      string    `json:"physical_state"`
	MentalState        string    `json:"mental_state"`
	Environment        string    `json:"environment"`
	RelationshipStatus string    `json:"relationship_status"`
	ActionTag          string    `json:"action_tag,omitempty"`
}

// ApplyDefaults fills zero-valued metadata fields with the documented defaults.
func (m *Memory) ApplyDefaults() {
	if m.Emotion == "" {
		m.Emotion = DefaultEmotion
	}
	if m.PhysicalState == "" {
		m.PhysicalState = DefaultPhysicalState
	}
	if m.MentalState == "" {
		m.MentalState = DefaultMentalState
	}
	if m.Environment == "" {
		m.Environment = DefaultEnvironment
	}
	if m.RelationshipStatus == "" {
		m.RelationshipStatus = DefaultRelationshipStatus
	}
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ClampImportance clamps an importance value into [0, 1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// NormalizeTags trims, drops empties, collapses duplicates, and sorts tags
// for a stable representation.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
