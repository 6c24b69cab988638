package search

import (
	"time"

	"github.com/memoryd/memoryd/internal/models"
	"github.com/memoryd/memoryd/internal/vectordb"
)

// MemoryPayload flattens a memory record into the index point payload.
func MemoryPayload(m *models.Memory) map[string]interface{} {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]interface{}{
		vectordb.PayloadKey:                m.Key,
		vectordb.PayloadContent:            m.Content,
		vectordb.PayloadTags:               tags,
		vectordb.PayloadImportance:         m.Importance,
		vectordb.PayloadEmotion:            m.Emotion,
		vectordb.PayloadPhysicalState:      m.PhysicalState,
		vectordb.PayloadMentalState:        m.MentalState,
		vectordb.PayloadEnvironment:        m.Environment,
		vectordb.PayloadRelationshipStatus: m.RelationshipStatus,
		vectordb.PayloadActionTag:          m.ActionTag,
		vectordb.PayloadCreatedAt:          m.CreatedAt.UTC().Format(time.RFC3339),
		vectordb.PayloadUpdatedAt:          m.UpdatedAt.UTC().Format(time.RFC3339),
		vectordb.PayloadCreatedAtTS:        float64(m.CreatedAt.Unix()),
	}
}

// PayloadMemory reconstructs a memory record from an index point payload.
func PayloadMemory(payload map[string]interface{}) *models.Memory {
	m := &models.Memory{}
	str := func(key string) string {
		if v, ok := payload[key].(string); ok {
			return v
		}
		return ""
	}
	m.Key = str(vectordb.PayloadKey)
	m.Content = str(vectordb.PayloadContent)
	m.Emotion = str(vectordb.PayloadEmotion)
	m.PhysicalState = str(vectordb.PayloadPhysicalState)
	m.MentalState = str(vectordb.PayloadMentalState)
	m.Environment = str(vectordb.PayloadEnvironment)
	m.RelationshipStatus = str(vectordb.PayloadRelationshipStatus)
	m.ActionTag = str(vectordb.PayloadActionTag)
	if v, ok := payload[vectordb.PayloadImportance].(float64); ok {
		m.Importance = v
	}
	switch tags := payload[vectordb.PayloadTags].(type) {
	case []string:
		m.Tags = tags
	case []interface{}:
		for _, t := range tags {
			if s, ok := t.(string); ok {
				m.Tags = append(m.Tags, s)
			}
		}
	}
	if ts, ok := payload[vectordb.PayloadCreatedAtTS].(float64); ok {
		m.CreatedAt = time.Unix(int64(ts), 0).UTC()
	} else if t, err := time.Parse(time.RFC3339, str(vectordb.PayloadCreatedAt)); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, str(vectordb.PayloadUpdatedAt)); err == nil {
		m.UpdatedAt = t
	}
	return m
}
