package personastate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApplyUpdatesScalarsOverwrite(t *testing.T) {
	c := NewContext()
	c.ApplyUpdates(map[string]string{
		"emotion":             "happy",
		"relationship_status": "friend",
	})
	assert.Equal(t, "happy", c.Emotion)
	assert.Equal(t, "friend", c.RelationshipStatus)

	c.ApplyUpdates(map[string]string{"emotion": "sad"})
	assert.Equal(t, "sad", c.Emotion)
	assert.Equal(t, "friend", c.RelationshipStatus)

	// Empty values never clear existing state.
	c.ApplyUpdates(map[string]string{"emotion": ""})
	assert.Equal(t, "sad", c.Emotion)
}

func TestApplyUpdatesUnknownKeyPreserved(t *testing.T) {
	c := NewContext()
	c.ApplyUpdates(map[string]string{"custom_field": "value"})

	buf, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"custom_field":"value"`)
}

func TestAddFavouriteDeduplicates(t *testing.T) {
	c := NewContext()
	assert.True(t, c.AddFavourite("coffee"))
	assert.False(t, c.AddFavourite("Coffee"))
	assert.False(t, c.AddFavourite("  coffee  "))
	assert.True(t, c.AddFavourite("tea"))
	assert.Equal(t, []string{"coffee", "tea"}, c.Favourites)
}

func TestPromisesAndGoalsAppend(t *testing.T) {
	c := NewContext()
	c.AddPromise("call on sunday")
	c.AddPromise("call on sunday")
	c.AddGoal("learn piano")
	assert.Len(t, c.Promises, 2)
	assert.Equal(t, []string{"learn piano"}, c.Goals)
}

func TestSetAnniversaryOverwritesByName(t *testing.T) {
	c := NewContext()
	c.SetAnniversary("first met", "2024-03-01")
	c.SetAnniversary("first met", "2024-03-02")
	assert.Equal(t, "2024-03-02", c.Anniversaries["first met"])
}

func TestRecordEmotionFlowCapAndMirror(t *testing.T) {
	c := NewContext()
	now := time.Now()
	for i := 0; i < emotionFlowCap+10; i++ {
		c.RecordEmotionFlow("curious", "", now)
	}
	c.RecordEmotionFlow("excited", "good news", now)

	assert.Len(t, c.EmotionFlow, emotionFlowCap)
	assert.Equal(t, "excited", c.EmotionFlow[len(c.EmotionFlow)-1].Emotion)
	assert.Equal(t, "excited", c.Emotion)
}

func TestUnknownFieldsSurviveRoundTrip(t *testing.T) {
	raw := `{
		"emotion": "calm",
		"favourites": ["tea"],
		"legacy_block": {"nested": [1, 2, 3]}
	}`
	c := NewContext()
	require.NoError(t, json.Unmarshal([]byte(raw), c))
	assert.Equal(t, "calm", c.Emotion)

	c.AddFavourite("coffee")
	buf, err := json.Marshal(c)
	require.NoError(t, err)

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(buf, &out))
	assert.JSONEq(t, `{"nested":[1,2,3]}`, string(out["legacy_block"]))
}

func TestStoreLoadMissingReturnsFresh(t *testing.T) {
	s := NewStore(t.TempDir(), zap.NewNop())
	c, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, c.Emotion)
	assert.NotNil(t, c.Anniversaries)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, zap.NewNop())

	c := NewContext()
	c.ApplyUpdates(map[string]string{"emotion": "happy", "user_name": "sam"})
	c.Touch(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.Save(c))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "happy", loaded.Emotion)
	assert.Equal(t, "sam", loaded.UserName)
	require.NotNil(t, loaded.LastConversationTime)
	assert.True(t, loaded.LastConversationTime.Equal(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)))

	// No stray temp file left behind.
	_, err = os.Stat(filepath.Join(dir, FileName+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestStoreCorruptFileMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := NewStore(dir, zap.NewNop())
	c, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, c.Emotion)

	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}

func TestStoreUpdate(t *testing.T) {
	s := NewStore(t.TempDir(), zap.NewNop())
	_, err := s.Update(func(c *Context) error {
		c.AddFavourite("hiking")
		return nil
	})
	require.NoError(t, err)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"hiking"}, loaded.Favourites)
}
