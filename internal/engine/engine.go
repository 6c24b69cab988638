package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/embeddings"
	ometrics "github.com/memoryd/memoryd/internal/metrics"
	"github.com/memoryd/memoryd/internal/models"
	"github.com/memoryd/memoryd/internal/oplog"
	"github.com/memoryd/memoryd/internal/personastate"
	"github.com/memoryd/memoryd/internal/registry"
	"github.com/memoryd/memoryd/internal/search"
	"github.com/memoryd/memoryd/internal/vectordb"
)

// Thresholds and limits the operations default to.
const (
	// DefaultUpdateThreshold gates upsert-by-meaning: a query selector
	// updates an existing memory only at or above this similarity.
	DefaultUpdateThreshold = 0.80
	// DefaultDeleteThreshold gates delete-by-query.
	DefaultDeleteThreshold = 0.90
	// DefaultStatsRecentCount is the preview count in stats reports.
	DefaultStatsRecentCount = 10

	previewChars     = 80
	keyTimeLayout    = "20060102150405"
	rebuildBatch     = 256
	deleteCandidates = 5
)

// keyPattern matches generated memory keys: the timestamp form plus the
// optional collision suffix. A selector that merely starts with the prefix
// is a query, not a key.
var keyPattern = regexp.MustCompile(`^memory_[0-9]{14}(_[0-9a-f]{4})?$`)

// Options tunes engine behaviour; zero values take the defaults above.
type Options struct {
	UpdateThreshold  float64
	DeleteThreshold  float64
	StatsRecentCount int
	Location         *time.Location
}

func (o Options) withDefaults() Options {
	if o.UpdateThreshold == 0 {
		o.UpdateThreshold = DefaultUpdateThreshold
	}
	if o.DeleteThreshold == 0 {
		o.DeleteThreshold = DefaultDeleteThreshold
	}
	if o.StatsRecentCount == 0 {
		o.StatsRecentCount = DefaultStatsRecentCount
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Engine executes the operation surface over the per-persona stores, the
// shared vector index, and the audit log. The relational store is
// authoritative; index durability is eventual.
type Engine struct {
	registry *registry.Registry
	index    vectordb.Index
	embedder embeddings.Embedder
	pipeline *search.Pipeline
	oplog    *oplog.Log
	logger   *zap.Logger

	optsMu sync.RWMutex
	opts   Options

	now func() time.Time
}

// New wires the engine. embedder and reranker may be nil; the engine then
// serves keyword-only search and skips index maintenance.
func New(reg *registry.Registry, index vectordb.Index, embedder embeddings.Embedder,
	reranker embeddings.Reranker, log *oplog.Log, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := opts.withDefaults()
	return &Engine{
		registry: reg,
		index:    index,
		embedder: embedder,
		pipeline: &search.Pipeline{
			Index:    index,
			Embedder: embedder,
			Reranker: reranker,
			Location: o.Location,
			Logger:   logger,
		},
		oplog:  log,
		logger: logger,
		opts:   o,
		now:    time.Now,
	}
}

func (e *Engine) options() Options {
	e.optsMu.RLock()
	defer e.optsMu.RUnlock()
	return e.opts
}

// Reconfigure applies updated tunables from a config reload. The location
// stays as bound at startup.
func (e *Engine) Reconfigure(opts Options) {
	e.optsMu.Lock()
	defer e.optsMu.Unlock()
	opts.Location = e.opts.Location
	e.opts = opts.withDefaults()
}

// Registry exposes the persona registry to collaborators (workers, server).
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Index exposes the shared vector index.
func (e *Engine) Index() vectordb.Index { return e.index }

// SemanticAvailable reports whether the embedder path is wired.
func (e *Engine) SemanticAvailable() bool { return e.embedder != nil && e.index != nil }

func (e *Engine) logOp(persona, op, key string, success bool, opErr error,
	before, after *models.Memory, md map[string]interface{}) {
	if e.oplog == nil {
		return
	}
	rec := oplog.Record{
		Persona:  persona,
		Op:       op,
		Key:      key,
		Success:  success,
		Metadata: md,
	}
	if opErr != nil {
		rec.Error = fmt.Sprintf("%s: %v", Kind(opErr), opErr)
	}
	if before != nil {
		rec.Before = search.MemoryPayload(before)
	}
	if after != nil {
		rec.After = search.MemoryPayload(after)
	}
	if err := e.oplog.Append(rec); err != nil {
		ometrics.OpLogAppends.WithLabelValues("error").Inc()
		e.logger.Error("Op log append failed", zap.String("op", op), zap.Error(err))
		return
	}
	ometrics.OpLogAppends.WithLabelValues("ok").Inc()
}

func (e *Engine) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = Kind(err)
	}
	ometrics.OperationsTotal.WithLabelValues(op, status).Inc()
	ometrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// CreateRequest carries the caller-supplied fields for a new memory.
type CreateRequest struct {
	Content            string
	Tags               []string
	Importance         *float64
	Emotion            string
	PhysicalState      string
	MentalState        string
	Environment        string
	RelationshipStatus string
	ActionTag          string
	// ContextUpdates are extra persona-context scalar assignments applied
	// alongside the state fields above.
	ContextUpdates map[string]string
}

// CreateResult is the outcome of a create.
type CreateResult struct {
	Key     string         `json:"key"`
	Memory  *models.Memory `json:"memory"`
	Message string         `json:"message"`
	// Warning is set when the record is durable but the index update was
	// deferred to the next rebuild.
	Warning string `json:"warning,omitempty"`
}

// Create stores a new memory and returns its generated key.
func (e *Engine) Create(ctx context.Context, persona string, req CreateRequest) (res *CreateResult, err error) {
	start := e.now()
	defer func() { e.observe("create", start, err) }()

	if strings.TrimSpace(req.Content) == "" {
		err = &ValidationError{Field: "content", Reason: "must not be empty"}
		e.logOp(persona, "create", "", false, err, nil, nil, nil)
		return nil, err
	}

	b, err := e.registry.Get(persona)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "create", "", false, err, nil, nil, nil)
		return nil, err
	}

	b.Mu.Lock()
	defer b.Mu.Unlock()

	now := e.now().In(e.options().Location)
	key, err := e.generateKey(ctx, b, now)
	if err != nil {
		e.logOp(persona, "create", "", false, err, nil, nil, nil)
		return nil, err
	}

	m := &models.Memory{
		Key:                key,
		Content:            req.Content,
		CreatedAt:          now,
		UpdatedAt:          now,
		Tags:               models.NormalizeTags(req.Tags),
		Importance:         models.DefaultImportance,
		Emotion:            req.Emotion,
		PhysicalState:      req.PhysicalState,
		MentalState:        req.MentalState,
		Environment:        req.Environment,
		RelationshipStatus: req.RelationshipStatus,
		ActionTag:          req.ActionTag,
	}
	if req.Importance != nil {
		m.Importance = models.ClampImportance(*req.Importance)
	}
	m.ApplyDefaults()

	if err = b.Store.Put(ctx, m); err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "create", key, false, err, nil, nil, nil)
		return nil, err
	}
	b.Flags.MarkWrite(now)

	warning := e.indexUpsert(ctx, persona, m)
	e.applyContextFields(b, req, now)

	e.logOp(persona, "create", key, true, nil, nil, m, nil)
	return &CreateResult{
		Key:     key,
		Memory:  m,
		Message: fmt.Sprintf("Remembered as %s.", key),
		Warning: warning,
	}, nil
}

// generateKey builds memory_<timestamp>, disambiguating collisions with a
// short random suffix.
func (e *Engine) generateKey(ctx context.Context, b *registry.Bundle, now time.Time) (string, error) {
	base := "memory_" + now.Format(keyTimeLayout)
	existing, err := b.Store.Get(ctx, base)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDataStore, err)
	}
	if existing == nil {
		return base, nil
	}
	for attempt := 0; attempt < 8; attempt++ {
		key := base + "_" + uuid.NewString()[:4]
		existing, err = b.Store.Get(ctx, key)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrDataStore, err)
		}
		if existing == nil {
			return key, nil
		}
	}
	return "", fmt.Errorf("%w: key disambiguation exhausted for %s", ErrConflict, base)
}

// indexUpsert embeds and indexes one memory. Failures are absorbed: the
// persona is already marked dirty, so a later rebuild reconciles. Returns a
// user-visible warning string on deferral.
func (e *Engine) indexUpsert(ctx context.Context, persona string, m *models.Memory) string {
	if !e.SemanticAvailable() {
		return ""
	}
	vecs, err := e.embedder.Embed(ctx, []string{m.Content})
	if err != nil {
		e.logger.Warn("Embedding failed, index update deferred to rebuild",
			zap.String("persona", persona), zap.String("key", m.Key), zap.Error(err))
		return "index update deferred: embedding unavailable"
	}
	if err := e.index.EnsureCollection(ctx, persona, len(vecs[0])); err != nil {
		e.logger.Warn("Vector collection unavailable, index update deferred",
			zap.String("persona", persona), zap.Error(err))
		return "index update deferred: vector store unavailable"
	}
	point := vectordb.Point{ID: m.Key, Vector: vecs[0], Payload: search.MemoryPayload(m)}
	if err := e.index.Upsert(ctx, persona, []vectordb.Point{point}); err != nil {
		e.logger.Warn("Vector upsert failed, index update deferred",
			zap.String("persona", persona), zap.String("key", m.Key), zap.Error(err))
		return "index update deferred: vector store unavailable"
	}
	return ""
}

// contextBearing lists the create-request fields mirrored into the persona
// context when supplied.
func (e *Engine) applyContextFields(b *registry.Bundle, req CreateRequest, now time.Time) {
	updates := map[string]string{}
	for k, v := range req.ContextUpdates {
		updates[k] = v
	}
	if req.Emotion != "" {
		updates["emotion"] = req.Emotion
	}
	if req.PhysicalState != "" {
		updates["physical_state"] = req.PhysicalState
	}
	if req.MentalState != "" {
		updates["mental_state"] = req.MentalState
	}
	if req.Environment != "" {
		updates["environment"] = req.Environment
	}
	if req.RelationshipStatus != "" {
		updates["relationship_status"] = req.RelationshipStatus
	}
	if len(updates) == 0 {
		return
	}
	if _, err := b.State.Update(func(c *personastate.Context) error {
		c.ApplyUpdates(updates)
		c.Touch(now)
		return nil
	}); err != nil {
		e.logger.Warn("Persona context update failed",
			zap.String("persona", b.Persona), zap.Error(err))
	}
}

// UpdateRequest carries a selector plus the fields to change. Nil pointers
// leave the stored value untouched.
type UpdateRequest struct {
	Selector           string
	Content            *string
	Tags               []string
	Importance         *float64
	Emotion            *string
	PhysicalState      *string
	MentalState        *string
	Environment        *string
	RelationshipStatus *string
	ActionTag          *string
}

// UpdateResult reports which memory changed, or that a new one was created
// by the upsert-by-meaning fallback.
type UpdateResult struct {
	Key     string         `json:"key"`
	Created bool           `json:"created"`
	Memory  *models.Memory `json:"memory"`
	Warning string         `json:"warning,omitempty"`
}

// Update modifies the memory addressed by key or by meaning. A query
// selector whose best match scores below the update threshold creates a new
// memory when content is provided.
func (e *Engine) Update(ctx context.Context, persona string, req UpdateRequest) (res *UpdateResult, err error) {
	start := e.now()
	defer func() { e.observe("update", start, err) }()

	if strings.TrimSpace(req.Selector) == "" {
		err = &ValidationError{Field: "selector", Reason: "must not be empty"}
		e.logOp(persona, "update", "", false, err, nil, nil, nil)
		return nil, err
	}
	if req.Importance != nil {
		clamped := models.ClampImportance(*req.Importance)
		req.Importance = &clamped
	}

	b, err := e.registry.Get(persona)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "update", "", false, err, nil, nil, nil)
		return nil, err
	}

	target, err := b.Store.Get(ctx, req.Selector)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "update", req.Selector, false, err, nil, nil, nil)
		return nil, err
	}

	if target == nil {
		// Query selector: upsert by meaning.
		match, sim, matchErr := e.topMatch(ctx, persona, req.Selector)
		if matchErr != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrCancelled, matchErr)
			e.logOp(persona, "update", "", false, err, nil, nil, nil)
			return nil, err
		}
		if matchErr != nil {
			e.logger.Warn("Upsert match check unavailable, falling back to create",
				zap.String("persona", persona), zap.Error(matchErr))
		}
		if match != nil && sim >= e.options().UpdateThreshold {
			target, err = b.Store.Get(ctx, match.Key)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrDataStore, err)
				e.logOp(persona, "update", match.Key, false, err, nil, nil, nil)
				return nil, err
			}
		}
		if target == nil {
			if req.Content == nil {
				err = &NotFoundError{Persona: persona, Selector: req.Selector}
				e.logOp(persona, "update", "", false, err, nil, nil, nil)
				return nil, err
			}
			created, createErr := e.Create(ctx, persona, CreateRequest{
				Content:            *req.Content,
				Tags:               req.Tags,
				Importance:         req.Importance,
				Emotion:            deref(req.Emotion),
				PhysicalState:      deref(req.PhysicalState),
				MentalState:        deref(req.MentalState),
				Environment:        deref(req.Environment),
				RelationshipStatus: deref(req.RelationshipStatus),
				ActionTag:          deref(req.ActionTag),
			})
			if createErr != nil {
				return nil, createErr
			}
			warning := created.Warning
			if matchErr != nil {
				if warning != "" {
					warning += "; "
				}
				warning += "match check skipped: similarity search unavailable, a duplicate may have been created"
			}
			return &UpdateResult{
				Key: created.Key, Created: true, Memory: created.Memory,
				Warning: warning,
			}, nil
		}
	}

	b.Mu.Lock()
	defer b.Mu.Unlock()

	// Re-read under the lock so concurrent updates are not lost.
	target, err = b.Store.Get(ctx, target.Key)
	if err != nil || target == nil {
		if err == nil {
			err = &NotFoundError{Persona: persona, Selector: req.Selector}
		} else {
			err = fmt.Errorf("%w: %v", ErrDataStore, err)
		}
		e.logOp(persona, "update", req.Selector, false, err, nil, nil, nil)
		return nil, err
	}

	before := *target
	contentChanged := req.Content != nil && *req.Content != target.Content
	if req.Content != nil {
		target.Content = *req.Content
	}
	if req.Tags != nil {
		target.Tags = models.NormalizeTags(req.Tags)
	}
	if req.Importance != nil {
		target.Importance = *req.Importance
	}
	applyIfSet(&target.Emotion, req.Emotion)
	applyIfSet(&target.PhysicalState, req.PhysicalState)
	applyIfSet(&target.MentalState, req.MentalState)
	applyIfSet(&target.Environment, req.Environment)
	applyIfSet(&target.RelationshipStatus, req.RelationshipStatus)
	applyIfSet(&target.ActionTag, req.ActionTag)

	now := e.now().In(e.options().Location)
	if !now.After(target.UpdatedAt) {
		now = target.UpdatedAt.Add(time.Millisecond)
	}
	target.UpdatedAt = now

	if err = b.Store.Put(ctx, target); err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "update", target.Key, false, err, &before, nil, nil)
		return nil, err
	}
	b.Flags.MarkWrite(now)

	var warning string
	if contentChanged {
		warning = e.indexUpsert(ctx, persona, target)
	} else if e.SemanticAvailable() {
		if err := e.index.SetPayload(ctx, persona, target.Key, search.MemoryPayload(target)); err != nil {
			e.logger.Warn("Index payload refresh failed, deferred to rebuild",
				zap.String("persona", persona), zap.String("key", target.Key), zap.Error(err))
			warning = "index update deferred: vector store unavailable"
		}
	}

	e.logOp(persona, "update", target.Key, true, nil, &before, target, nil)
	return &UpdateResult{Key: target.Key, Memory: target, Warning: warning}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func applyIfSet(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// topMatch returns the best semantic hit for a query and its similarity.
// Rerank scores are deliberately not used here: the 0.80/0.90 thresholds
// are defined over cosine similarity.
func (e *Engine) topMatch(ctx context.Context, persona, query string) (*models.Memory, float64, error) {
	if !e.SemanticAvailable() {
		return nil, 0, fmt.Errorf("%w: embedder unavailable", ErrModel)
	}
	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrModel, err)
	}
	hits, err := e.index.Search(ctx, persona, vecs[0], 1, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrVectorStore, err)
	}
	if len(hits) == 0 {
		return nil, 0, nil
	}
	return search.PayloadMemory(hits[0].Payload), hits[0].Score, nil
}

// Read returns memories for a key or query selector. Key lookups bypass
// the pipeline; reads never refresh updated_at.
func (e *Engine) Read(ctx context.Context, persona, selector string, k int, filters *search.Filters) (res []search.Result, err error) {
	start := e.now()
	defer func() { e.observe("read", start, err) }()

	b, err := e.registry.Get(persona)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
	}

	if selector != "" {
		m, err := b.Store.Get(ctx, selector)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
		}
		if m != nil {
			return []search.Result{{Memory: m, Base: 1, Score: 1}}, nil
		}
		if keyPattern.MatchString(selector) {
			return nil, &NotFoundError{Persona: persona, Selector: selector}
		}
	}

	results, err := e.pipeline.Search(ctx, persona, b.Store, selector, k, filters)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return results, nil
}

// DeleteResult reports deleted keys, or the candidates that were close but
// below the safety threshold.
type DeleteResult struct {
	DeletedKeys []string        `json:"deleted_keys"`
	Candidates  []search.Result `json:"candidates,omitempty"`
	Message     string          `json:"message"`
}

// Delete removes a memory by key, or by query when the best match clears
// the safety threshold. Below the threshold nothing is deleted and the
// candidates are returned for the caller to choose from.
func (e *Engine) Delete(ctx context.Context, persona, selector string) (res *DeleteResult, err error) {
	start := e.now()
	defer func() { e.observe("delete", start, err) }()

	if strings.TrimSpace(selector) == "" {
		err = &ValidationError{Field: "selector", Reason: "must not be empty"}
		e.logOp(persona, "delete", "", false, err, nil, nil, nil)
		return nil, err
	}

	b, err := e.registry.Get(persona)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "delete", "", false, err, nil, nil, nil)
		return nil, err
	}

	target, err := b.Store.Get(ctx, selector)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "delete", selector, false, err, nil, nil, nil)
		return nil, err
	}

	if target == nil {
		if keyPattern.MatchString(selector) {
			err = &NotFoundError{Persona: persona, Selector: selector}
			e.logOp(persona, "delete", selector, false, err, nil, nil, nil)
			return nil, err
		}
		match, sim, matchErr := e.topMatch(ctx, persona, selector)
		if matchErr != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrCancelled, matchErr)
			e.logOp(persona, "delete", "", false, err, nil, nil, nil)
			return nil, err
		}
		if match == nil || sim < e.options().DeleteThreshold {
			candidates, _ := e.pipeline.Search(ctx, persona, b.Store, selector, deleteCandidates, nil)
			e.logOp(persona, "delete", "", true, nil, nil, nil, map[string]interface{}{
				"deleted":        false,
				"top_similarity": sim,
				"candidates":     len(candidates),
			})
			return &DeleteResult{
				Candidates: candidates,
				Message:    "no match above the safety threshold; nothing deleted",
			}, nil
		}
		target, err = b.Store.Get(ctx, match.Key)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrDataStore, err)
			e.logOp(persona, "delete", match.Key, false, err, nil, nil, nil)
			return nil, err
		}
		if target == nil {
			// Index lagging behind the store; treat as no viable match.
			err = &NotFoundError{Persona: persona, Selector: selector}
			e.logOp(persona, "delete", match.Key, false, err, nil, nil, nil)
			return nil, err
		}
	}

	b.Mu.Lock()
	defer b.Mu.Unlock()

	deleted, err := b.Store.Delete(ctx, target.Key)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDataStore, err)
		e.logOp(persona, "delete", target.Key, false, err, target, nil, nil)
		return nil, err
	}
	if !deleted {
		err = &NotFoundError{Persona: persona, Selector: target.Key}
		e.logOp(persona, "delete", target.Key, false, err, nil, nil, nil)
		return nil, err
	}
	now := e.now().In(e.options().Location)
	b.Flags.MarkWrite(now)

	if e.index != nil {
		if idxErr := e.index.Delete(ctx, persona, []string{target.Key}); idxErr != nil {
			e.logger.Warn("Index delete failed, deferred to rebuild",
				zap.String("persona", persona), zap.String("key", target.Key), zap.Error(idxErr))
		}
	}

	e.logOp(persona, "delete", target.Key, true, nil, target, nil, nil)
	return &DeleteResult{
		DeletedKeys: []string{target.Key},
		Message:     fmt.Sprintf("Deleted %s.", target.Key),
	}, nil
}

// Stats composes store statistics with recent previews and engine state.
func (e *Engine) Stats(ctx context.Context, persona string) (*models.StatsReport, error) {
	start := e.now()
	var err error
	defer func() { e.observe("stats", start, err) }()

	b, err := e.registry.Get(persona)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
	}

	storeStats, err := b.Store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
	}

	recent, err := b.Store.List(ctx, e.options().StatsRecentCount, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataStore, err)
	}
	previews := make([]models.MemoryPreview, 0, len(recent))
	for _, m := range recent {
		content := m.Content
		if len([]rune(content)) > previewChars {
			content = string([]rune(content)[:previewChars]) + "..."
		}
		previews = append(previews, models.MemoryPreview{
			Key: m.Key, Content: content, CreatedAt: m.CreatedAt,
		})
	}

	report := &models.StatsReport{
		Persona:    persona,
		Store:      *storeStats,
		Recent:     previews,
		IndexDirty: b.Flags.Dirty(),
	}
	if t := b.Flags.LastWrite(); !t.IsZero() {
		report.LastWrite = &t
	}
	if t := b.Flags.LastRebuild(); !t.IsZero() {
		report.LastRebuild = &t
	}
	if e.index != nil {
		if n, err := e.index.Count(ctx, persona); err == nil {
			report.IndexCount = n
		}
	}
	return report, nil
}

// Rebuild drains the relational store, re-embeds every memory, and swaps
// the persona collection. Safe to call concurrently; overlapping calls for
// the same persona coalesce.
func (e *Engine) Rebuild(ctx context.Context, persona string) (err error) {
	start := e.now()
	defer func() { e.observe("rebuild", start, err) }()

	if !e.SemanticAvailable() {
		return fmt.Errorf("%w: embedder unavailable, cannot rebuild index", ErrModel)
	}
	b, err := e.registry.Get(persona)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataStore, err)
	}

	b.Flags.RebuildMu.Lock()
	defer b.Flags.RebuildMu.Unlock()
	if !b.Flags.BeginRebuild() {
		return nil
	}

	success := false
	defer func() {
		b.Flags.FinishRebuild(success, e.now())
		status := "ok"
		if !success {
			status = "error"
		}
		ometrics.RebuildsTotal.WithLabelValues(status).Inc()
		ometrics.RebuildDuration.Observe(time.Since(start).Seconds())
	}()

	var points []vectordb.Point
	dim := 0
	err = b.Store.ForEachBatch(ctx, rebuildBatch, func(batch []*models.Memory) error {
		texts := make([]string, len(batch))
		for i, m := range batch {
			texts[i] = m.Content
		}
		vecs, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrModel, err)
		}
		for i, m := range batch {
			if dim == 0 {
				dim = len(vecs[i])
			}
			points = append(points, vectordb.Point{
				ID: m.Key, Vector: vecs[i], Payload: search.MemoryPayload(m),
			})
		}
		return nil
	})
	if err != nil {
		e.logger.Error("Rebuild aborted", zap.String("persona", persona), zap.Error(err))
		return err
	}
	if dim == 0 {
		dim = e.embedder.Dimensions()
	}
	if dim == 0 {
		// Empty store and unprobed embedder; nothing to rebuild.
		success = true
		return nil
	}

	if err = e.index.RebuildFrom(ctx, persona, dim, points); err != nil {
		err = fmt.Errorf("%w: %v", ErrVectorStore, err)
		e.logger.Error("Rebuild failed", zap.String("persona", persona), zap.Error(err))
		return err
	}

	success = true
	e.logger.Info("Index rebuilt",
		zap.String("persona", persona),
		zap.Int("points", len(points)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
