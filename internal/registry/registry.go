package registry

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/personastate"
	"github.com/memoryd/memoryd/internal/store"
)

// DefaultPersona is used when a request carries no persona identifier.
const DefaultPersona = "default"

// Bundle owns the per-persona resource handles. Entries live for the
// process lifetime once opened.
type Bundle struct {
	Persona string
	Store   *store.Store
	State   *personastate.Store
	Flags   Flags

	// Mu serialises writes to the relational store and context file for
	// this persona. Reads go lock-free through sqlite.
	Mu sync.Mutex
}

// Registry lazily opens and caches persona bundles.
type Registry struct {
	dataDir string
	logger  *zap.Logger

	mu      sync.RWMutex
	bundles map[string]*Bundle
}

func New(dataDir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dataDir: dataDir,
		logger:  logger,
		bundles: make(map[string]*Bundle),
	}
}

// Sanitize makes a persona name safe to use as a directory component.
func Sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultPersona
	}
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\':
			return '_'
		}
		return r
	}, name)
	return name
}

// Resolve picks the persona for a request: explicit argument, then
// Authorization bearer token, then X-Persona header, then the default.
func Resolve(explicit string, r *http.Request) string {
	if explicit != "" {
		return Sanitize(explicit)
	}
	if r != nil {
		if auth := r.Header.Get("Authorization"); auth != "" {
			if token, ok := strings.CutPrefix(auth, "Bearer "); ok && strings.TrimSpace(token) != "" {
				return Sanitize(token)
			}
		}
		if h := r.Header.Get("X-Persona"); h != "" {
			return Sanitize(h)
		}
	}
	return DefaultPersona
}

// Dir returns the persona's data directory.
func (r *Registry) Dir(persona string) string {
	return filepath.Join(r.dataDir, "memory", persona)
}

// Get returns the bundle for a persona, opening its resources on first use.
func (r *Registry) Get(persona string) (*Bundle, error) {
	persona = Sanitize(persona)

	r.mu.RLock()
	b, ok := r.bundles[persona]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.bundles[persona]; ok {
		return b, nil
	}

	dir := r.Dir(persona)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persona dir %s: %w", dir, err)
	}
	st, err := store.Open(filepath.Join(dir, "memories.db"), r.logger)
	if err != nil {
		return nil, fmt.Errorf("open store for persona %s: %w", persona, err)
	}
	b = &Bundle{
		Persona: persona,
		Store:   st,
		State:   personastate.NewStore(dir, r.logger),
	}
	r.bundles[persona] = b
	r.logger.Info("Persona opened", zap.String("persona", persona))
	return b, nil
}

// Live returns the bundles opened so far.
func (r *Registry) Live() []*Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bundle, 0, len(r.bundles))
	for _, b := range r.bundles {
		out = append(out, b)
	}
	return out
}

// Personas lists every known persona: the live set plus any persona
// directory already on disk from previous runs.
func (r *Registry) Personas() []string {
	seen := map[string]struct{}{}
	r.mu.RLock()
	for name := range r.bundles {
		seen[name] = struct{}{}
	}
	r.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(r.dataDir, "memory"))
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases every open persona store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, b := range r.bundles {
		if err := b.Store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close store for persona %s: %w", name, err)
		}
	}
	r.bundles = make(map[string]*Bundle)
	return firstErr
}
