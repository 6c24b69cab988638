package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/memoryd/memoryd/internal/personastate"
)

// mutateContext runs fn against the persona context under the persona
// mutex and appends one op record.
func (e *Engine) mutateContext(persona, op string, md map[string]interface{},
	fn func(*personastate.Context) error) (res *personastate.Context, err error) {
	start := e.now()
	defer func() { e.observe(op, start, err) }()

	b, err := e.registry.Get(persona)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, op, "", false, err, nil, nil, md)
		return nil, err
	}

	b.Mu.Lock()
	defer b.Mu.Unlock()

	res, err = b.State.Update(fn)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, op, "", false, err, nil, nil, md)
		return nil, err
	}
	e.logOp(persona, op, "", true, nil, nil, nil, md)
	return res, nil
}

// UpdateContext applies scalar context assignments.
func (e *Engine) UpdateContext(_ context.Context, persona string, updates map[string]string) (*personastate.Context, error) {
	if len(updates) == 0 {
		return nil, &ValidationError{Field: "updates", Reason: "must not be empty"}
	}
	now := e.now().In(e.options().Location)
	return e.mutateContext(persona, "update_context",
		map[string]interface{}{"fields": len(updates)},
		func(c *personastate.Context) error {
			c.ApplyUpdates(updates)
			c.Touch(now)
			return nil
		})
}

// SetPromise appends a promise to the persona context.
func (e *Engine) SetPromise(_ context.Context, persona, promise string) (*personastate.Context, error) {
	if strings.TrimSpace(promise) == "" {
		return nil, &ValidationError{Field: "promise", Reason: "must not be empty"}
	}
	return e.mutateContext(persona, "set_promise", nil,
		func(c *personastate.Context) error {
			c.AddPromise(promise)
			return nil
		})
}

// SetGoal appends a goal to the persona context.
func (e *Engine) SetGoal(_ context.Context, persona, goal string) (*personastate.Context, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, &ValidationError{Field: "goal", Reason: "must not be empty"}
	}
	return e.mutateContext(persona, "set_goal", nil,
		func(c *personastate.Context) error {
			c.AddGoal(goal)
			return nil
		})
}

// AddFavourite records a favourite, ignoring case-insensitive duplicates.
func (e *Engine) AddFavourite(_ context.Context, persona, item string) (*personastate.Context, error) {
	if strings.TrimSpace(item) == "" {
		return nil, &ValidationError{Field: "item", Reason: "must not be empty"}
	}
	return e.mutateContext(persona, "add_favourite", nil,
		func(c *personastate.Context) error {
			c.AddFavourite(item)
			return nil
		})
}

// AddAnniversary records or overwrites an anniversary by name.
func (e *Engine) AddAnniversary(_ context.Context, persona, name, date string) (*personastate.Context, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	return e.mutateContext(persona, "add_anniversary",
		map[string]interface{}{"name": name},
		func(c *personastate.Context) error {
			c.SetAnniversary(name, date)
			return nil
		})
}

// RecordSensation appends a sensation entry.
func (e *Engine) RecordSensation(_ context.Context, persona, kind, description string) (*personastate.Context, error) {
	if strings.TrimSpace(description) == "" {
		return nil, &ValidationError{Field: "description", Reason: "must not be empty"}
	}
	now := e.now().In(e.options().Location)
	return e.mutateContext(persona, "record_sensation", nil,
		func(c *personastate.Context) error {
			c.RecordSensation(kind, description, now)
			return nil
		})
}

// RecordEmotionFlow appends to the rolling emotion history.
func (e *Engine) RecordEmotionFlow(_ context.Context, persona, emotion, trigger string) (*personastate.Context, error) {
	if strings.TrimSpace(emotion) == "" {
		return nil, &ValidationError{Field: "emotion", Reason: "must not be empty"}
	}
	now := e.now().In(e.options().Location)
	return e.mutateContext(persona, "record_emotion_flow", nil,
		func(c *personastate.Context) error {
			c.RecordEmotionFlow(emotion, trigger, now)
			return nil
		})
}

// SessionContext is the session snapshot handed to a conversational caller
// at session start.
type SessionContext struct {
	Persona     string                `json:"persona"`
	Context     *personastate.Context `json:"context"`
	MemoryCount int                   `json:"memory_count"`
	LastWrite   *time.Time            `json:"last_write,omitempty"`
}

// GetSessionContext reads the persona context plus a couple of cheap
// engine-side facts. Non-mutating; no op record.
func (e *Engine) GetSessionContext(ctx context.Context, persona string) (*SessionContext, error) {
	start := e.now()
	var err error
	defer func() { e.observe("get_session_context", start, err) }()

	b, err := e.registry.Get(persona)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
	}
	pc, err := b.State.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
	}
	count, err := b.Store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
	}
	sc := &SessionContext{Persona: persona, Context: pc, MemoryCount: count}
	if t := b.Flags.LastWrite(); !t.IsZero() {
		sc.LastWrite = &t
	}
	return sc, nil
}
