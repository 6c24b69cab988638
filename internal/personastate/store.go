package personastate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FileName is the per-persona context file inside the persona data dir.
const FileName = "persona_context"

// Store persists one Context as a human-readable JSON file. Callers
// serialise writes through the persona mutex; the store itself only
// guarantees that each save is atomic (write to temp file, then rename).
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore roots the store at dir/persona_context.
func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: filepath.Join(dir, FileName), logger: logger}
}

// Load reads the context file. A missing file yields a fresh context.
func (s *Store) Load() (*Context, error) {
	buf, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return NewContext(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persona context: %w", err)
	}
	ctx := NewContext()
	if err := json.Unmarshal(buf, ctx); err != nil {
		// A corrupt file must not brick the persona; start fresh but
		// keep the damaged original for inspection.
		backup := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, backup); renameErr == nil {
			s.logger.Warn("Persona context unreadable, moved aside",
				zap.String("path", s.path),
				zap.String("backup", backup),
				zap.Error(err),
			)
		}
		return NewContext(), nil
	}
	return ctx, nil
}

// Save writes the context atomically.
func (s *Store) Save(ctx *Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create persona dir: %w", err)
	}
	buf, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode persona context: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write persona context: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace persona context: %w", err)
	}
	return nil
}

// Update loads the context, applies fn, and saves the result.
func (s *Store) Update(fn func(*Context) error) (*Context, error) {
	ctx, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := fn(ctx); err != nil {
		return nil, err
	}
	if err := s.Save(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}
