package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/models"
)

// Store is the durable per-persona record of memories. It is the source of
// truth; the vector index is derived from it and can always be rebuilt.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *zap.Logger
}

// migrationColumn describes one column of the canonical schema that may be
// missing from an older database file.
type migrationColumn struct {
	name string
	ddl  string
}

// Columns added by detect-and-patch migration. ALTER TABLE ADD COLUMN with a
// DEFAULT backfills existing rows in SQLite, which is exactly what the
// migration contract requires.
var canonicalColumns = []migrationColumn{
	{"tags", "tags TEXT NOT NULL DEFAULT '[]'"},
	{"importance", "importance REAL NOT NULL DEFAULT 0.5"},
	{"emotion", "emotion TEXT NOT NULL DEFAULT 'neutral'"},
	{"physical_state", "physical_state TEXT NOT NULL DEFAULT 'normal'"},
	{"mental_state", "mental_state TEXT NOT NULL DEFAULT 'calm'"},
	{"environment", "environment TEXT NOT NULL DEFAULT 'unknown'"},
	{"relationship_status", "relationship_status TEXT NOT NULL DEFAULT 'normal'"},
	{"action_tag", "action_tag TEXT"},
}

// Open opens (creating if necessary) the memories database at path and runs
// the idempotent schema migration.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memories db: %w", err)
	}
	// Single-writer discipline is enforced by the persona mutex above this
	// layer; one connection keeps SQLite happy under WAL.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the base table and patches in any missing columns with
// their documented defaults. Safe to run on every startup.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS memories (
            key        TEXT PRIMARY KEY,
            content    TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        )
    `)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}

	existing := make(map[string]bool)
	rows, err := s.db.QueryxContext(ctx, `PRAGMA table_info(memories)`)
	if err != nil {
		return fmt.Errorf("inspect memories schema: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan column info: %w", err)
		}
		existing[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range canonicalColumns {
		if existing[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE memories ADD COLUMN "+col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
		s.logger.Info("Patched memories schema",
			zap.String("path", s.path),
			zap.String("column", col.name),
		)
	}

	_, err = s.db.ExecContext(ctx, `
        CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at DESC)
    `)
	if err != nil {
		return fmt.Errorf("create created_at index: %w", err)
	}
	return nil
}

// memoryRow is the scan target; tags are a JSON array string and action_tag
// is nullable.
type memoryRow struct {
	Key                string         `db:"key"`
	Content            string         `db:"content"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	Tags               string         `db:"tags"`
	Importance         float64        `db:"importance"`
	Emotion            string         `db:"emotion"`
	PhysicalState      string         `db:"physical_state"`
	MentalState        string         `db:"mental_state"`
	Environment        string         `db:"environment"`
	RelationshipStatus string         `db:"relationship_status"`
	ActionTag          sql.NullString `db:"action_tag"`
}

func (r *memoryRow) toMemory() (*models.Memory, error) {
	var tags []string
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", r.Key, err)
		}
	}
	m := &models.Memory{
		Key:                r.Key,
		Content:            r.Content,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		Tags:               tags,
		Importance:         r.Importance,
		Emotion:            r.Emotion,
		PhysicalState:      r.PhysicalState,
		MentalState:        r.MentalState,
		Environment:        r.Environment,
		RelationshipStatus: r.RelationshipStatus,
	}
	if r.ActionTag.Valid {
		m.ActionTag = r.ActionTag.String
	}
	return m, nil
}

// Put inserts or replaces a memory by key.
func (s *Store) Put(ctx context.Context, m *models.Memory) error {
	tags, err := json.Marshal(models.NormalizeTags(m.Tags))
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	var actionTag interface{}
	if m.ActionTag != "" {
		actionTag = m.ActionTag
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO memories (
            key, content, created_at, updated_at, tags, importance,
            emotion, physical_state, mental_state, environment,
            relationship_status, action_tag
        ) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
    `, m.Key, m.Content, m.CreatedAt.UTC(), m.UpdatedAt.UTC(), string(tags), m.Importance,
		m.Emotion, m.PhysicalState, m.MentalState, m.Environment,
		m.RelationshipStatus, actionTag)
	if err != nil {
		return fmt.Errorf("put memory %s: %w", m.Key, err)
	}
	return nil
}

// Get returns the memory with the given key, or nil when absent.
func (s *Store) Get(ctx context.Context, key string) (*models.Memory, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM memories WHERE key = ?`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", key, err)
	}
	return row.toMemory()
}

// Delete removes the memory with the given key, reporting whether a row was
// actually deleted.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete memory %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns memories ordered newest first. Used for statistics, keyword
// scans, and rebuild batching.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*models.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []memoryRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT * FROM memories ORDER BY created_at DESC, key DESC LIMIT ? OFFSET ?
    `, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	out := make([]*models.Memory, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMemory()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// ForEachBatch streams all memories in batches, newest first. The callback
// may return an error to abort iteration.
func (s *Store) ForEachBatch(ctx context.Context, batchSize int, fn func([]*models.Memory) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	for offset := 0; ; offset += batchSize {
		batch, err := s.List(ctx, batchSize, offset)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

// Count returns the number of stored memories.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM memories`); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// Stats computes aggregate statistics across all memories.
func (s *Store) Stats(ctx context.Context) (*models.StoreStats, error) {
	stats := &models.StoreStats{
		TagHistogram:      make(map[string]int),
		EmotionHistogram:  make(map[string]int),
		ImportanceBuckets: make(map[string]int),
	}
	err := s.ForEachBatch(ctx, 500, func(batch []*models.Memory) error {
		for _, m := range batch {
			stats.Count++
			stats.TotalChars += len([]rune(m.Content))
			created := m.CreatedAt
			if stats.Earliest == nil || created.Before(*stats.Earliest) {
				t := created
				stats.Earliest = &t
			}
			if stats.Latest == nil || created.After(*stats.Latest) {
				t := created
				stats.Latest = &t
			}
			for _, tag := range m.Tags {
				stats.TagHistogram[tag]++
			}
			stats.EmotionHistogram[m.Emotion]++
			stats.ImportanceBuckets[importanceBucket(m.Importance)]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func importanceBucket(v float64) string {
	switch {
	case v < 0.2:
		return "0.0-0.2"
	case v < 0.4:
		return "0.2-0.4"
	case v < 0.6:
		return "0.4-0.6"
	case v < 0.8:
		return "0.6-0.8"
	default:
		return "0.8-1.0"
	}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
