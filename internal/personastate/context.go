package personastate

import (
	"encoding/json"
	"strings"
	"time"
)

// emotionFlowCap bounds the rolling emotion history per persona.
const emotionFlowCap = 50

// Sensation is one recorded physical or mental sensation.
type Sensation struct {
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// EmotionEvent is one entry in the rolling emotion flow.
type EmotionEvent struct {
	Emotion   string    `json:"emotion"`
	Trigger   string    `json:"trigger,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the mutable per-persona state record. Unknown JSON fields
// written by other tools survive load/save cycles untouched.
type Context struct {
	UserName             string            `json:"-"`
	PersonaName          string            `json:"-"`
	Emotion              string            `json:"-"`
	PhysicalState        string            `json:"-"`
	MentalState          string            `json:"-"`
	Environment          string            `json:"-"`
	RelationshipStatus   string            `json:"-"`
	LastConversationTime *time.Time        `json:"-"`
	Favourites           []string          `json:"-"`
	Promises             []string          `json:"-"`
	Goals                []string          `json:"-"`
	Anniversaries        map[string]string `json:"-"`
	Sensations           []Sensation       `json:"-"`
	EmotionFlow          []EmotionEvent    `json:"-"`

	// extra holds fields this version does not model.
	extra map[string]json.RawMessage
}

// NewContext returns an empty context with initialised containers.
func NewContext() *Context {
	return &Context{
		Anniversaries: map[string]string{},
		extra:         map[string]json.RawMessage{},
	}
}

// scalar context fields addressable through ApplyUpdates.
var scalarFields = map[string]func(c *Context, v string){
	"user_name":           func(c *Context, v string) { c.UserName = v },
	"persona_name":        func(c *Context, v string) { c.PersonaName = v },
	"emotion":             func(c *Context, v string) { c.Emotion = v },
	"physical_state":      func(c *Context, v string) { c.PhysicalState = v },
	"mental_state":        func(c *Context, v string) { c.MentalState = v },
	"environment":         func(c *Context, v string) { c.Environment = v },
	"relationship_status": func(c *Context, v string) { c.RelationshipStatus = v },
}

// ApplyUpdates overwrites the named scalar fields. Unrecognised keys are
// stored verbatim so callers can extend the record. Empty string values
// are ignored rather than clearing state.
func (c *Context) ApplyUpdates(updates map[string]string) {
	for k, v := range updates {
		if v == "" {
			continue
		}
		if k == "last_conversation_time" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				c.LastConversationTime = &t
			}
			continue
		}
		if set, ok := scalarFields[k]; ok {
			set(c, v)
			continue
		}
		raw, _ := json.Marshal(v)
		if c.extra == nil {
			c.extra = map[string]json.RawMessage{}
		}
		c.extra[k] = raw
	}
}

// AddFavourite appends a favourite unless an equal entry already exists.
// Comparison ignores case and surrounding whitespace.
func (c *Context) AddFavourite(item string) bool {
	item = strings.TrimSpace(item)
	if item == "" {
		return false
	}
	for _, f := range c.Favourites {
		if strings.EqualFold(strings.TrimSpace(f), item) {
			return false
		}
	}
	c.Favourites = append(c.Favourites, item)
	return true
}

// AddPromise appends a promise. Promises are an ordered log, duplicates
// allowed.
func (c *Context) AddPromise(promise string) {
	promise = strings.TrimSpace(promise)
	if promise != "" {
		c.Promises = append(c.Promises, promise)
	}
}

// AddGoal appends a goal, same semantics as promises.
func (c *Context) AddGoal(goal string) {
	goal = strings.TrimSpace(goal)
	if goal != "" {
		c.Goals = append(c.Goals, goal)
	}
}

// SetAnniversary records or overwrites an anniversary by name.
func (c *Context) SetAnniversary(name, date string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if c.Anniversaries == nil {
		c.Anniversaries = map[string]string{}
	}
	c.Anniversaries[name] = date
}

// RecordSensation appends a sensation entry.
func (c *Context) RecordSensation(kind, description string, at time.Time) {
	c.Sensations = append(c.Sensations, Sensation{Kind: kind, Description: description, Timestamp: at})
}

// RecordEmotionFlow appends an emotion event, dropping the oldest entries
// beyond the cap, and mirrors the emotion into the current scalar.
func (c *Context) RecordEmotionFlow(emotion, trigger string, at time.Time) {
	c.EmotionFlow = append(c.EmotionFlow, EmotionEvent{Emotion: emotion, Trigger: trigger, Timestamp: at})
	if len(c.EmotionFlow) > emotionFlowCap {
		c.EmotionFlow = c.EmotionFlow[len(c.EmotionFlow)-emotionFlowCap:]
	}
	if emotion != "" {
		c.Emotion = emotion
	}
}

// Touch updates the last conversation timestamp.
func (c *Context) Touch(at time.Time) {
	t := at
	c.LastConversationTime = &t
}

// Extra returns the raw value of an unmodelled field, if present.
func (c *Context) Extra(key string) (json.RawMessage, bool) {
	v, ok := c.extra[key]
	return v, ok
}

// knownKeys are the JSON fields owned by this version of the record.
var knownKeys = map[string]struct{}{
	"user_name": {}, "persona_name": {}, "emotion": {}, "physical_state": {},
	"mental_state": {}, "environment": {}, "relationship_status": {},
	"last_conversation_time": {}, "favourites": {}, "promises": {},
	"goals": {}, "anniversaries": {}, "sensations": {}, "emotion_flow": {},
}

type contextWire struct {
	UserName             string            `json:"user_name,omitempty"`
	PersonaName          string            `json:"persona_name,omitempty"`
	Emotion              string            `json:"emotion,omitempty"`
	PhysicalState        string            `json:"physical_state,omitempty"`
	MentalState          string            `json:"mental_state,omitempty"`
	Environment          string            `json:"environment,omitempty"`
	RelationshipStatus   string            `json:"relationship_status,omitempty"`
	LastConversationTime *time.Time        `json:"last_conversation_time,omitempty"`
	Favourites           []string          `json:"favourites,omitempty"`
	Promises             []string          `json:"promises,omitempty"`
	Goals                []string          `json:"goals,omitempty"`
	Anniversaries        map[string]string `json:"anniversaries,omitempty"`
	Sensations           []Sensation       `json:"sensations,omitempty"`
	EmotionFlow          []EmotionEvent    `json:"emotion_flow,omitempty"`
}

// MarshalJSON serialises known fields alongside preserved unknown fields.
func (c *Context) MarshalJSON() ([]byte, error) {
	wire := contextWire{
		UserName:             c.UserName,
		PersonaName:          c.PersonaName,
		Emotion:              c.Emotion,
		PhysicalState:        c.PhysicalState,
		MentalState:          c.MentalState,
		Environment:          c.Environment,
		RelationshipStatus:   c.RelationshipStatus,
		LastConversationTime: c.LastConversationTime,
		Favourites:           c.Favourites,
		Promises:             c.Promises,
		Goals:                c.Goals,
		Anniversaries:        c.Anniversaries,
		Sensations:           c.Sensations,
		EmotionFlow:          c.EmotionFlow,
	}
	buf, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if len(c.extra) == 0 {
		return buf, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(buf, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.extra {
		if _, known := knownKeys[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON splits the document into modelled fields and preserved
// unknown fields.
func (c *Context) UnmarshalJSON(data []byte) error {
	var wire contextWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*c = Context{
		UserName:             wire.UserName,
		PersonaName:          wire.PersonaName,
		Emotion:              wire.Emotion,
		PhysicalState:        wire.PhysicalState,
		MentalState:          wire.MentalState,
		Environment:          wire.Environment,
		RelationshipStatus:   wire.RelationshipStatus,
		LastConversationTime: wire.LastConversationTime,
		Favourites:           wire.Favourites,
		Promises:             wire.Promises,
		Goals:                wire.Goals,
		Anniversaries:        wire.Anniversaries,
		Sensations:           wire.Sensations,
		EmotionFlow:          wire.EmotionFlow,
		extra:                map[string]json.RawMessage{},
	}
	if c.Anniversaries == nil {
		c.Anniversaries = map[string]string{}
	}
	for k, v := range all {
		if _, known := knownKeys[k]; !known {
			c.extra[k] = v
		}
	}
	return nil
}
