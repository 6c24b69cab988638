package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the freshly loaded configuration after the
// config file changes. Handlers must not assume bound resources (listen
// ports, open log files) are re-opened; only tunables take effect live.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file when it changes, via fsnotify with an
// mtime-polling fallback for filesystems where inotify is unreliable.
type Watcher struct {
	path     string
	logger   *zap.Logger
	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
	stopCh   chan struct{}
	stopOnce sync.Once
	watcher  *fsnotify.Watcher
	lastMod  time.Time

	pollInterval time.Duration
}

// NewWatcher creates a watcher around an already loaded configuration.
func NewWatcher(path string, initial *Config, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:         path,
		logger:       logger,
		current:      initial,
		stopCh:       make(chan struct{}),
		pollInterval: 10 * time.Second,
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a handler invoked after each successful reload.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching. A missing config file is not an error; the watcher
// picks it up if it appears later.
func (w *Watcher) Start() error {
	if w.path == "" {
		return nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	w.watcher = fw

	// Watch the directory, not the file: editors replace files via rename.
	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch config directory %s: %w", dir, err)
	}
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}

	go w.watchLoop()
	go w.pollLoop()

	w.logger.Info("Config watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Small delay to let rapid successive writes settle.
			time.Sleep(50 * time.Millisecond)
			w.reload("fsnotify")
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) pollLoop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			w.mu.RLock()
			stale := info.ModTime().After(w.lastMod)
			w.mu.RUnlock()
			if stale {
				w.reload("polling")
			}
		}
	}
}

func (w *Watcher) reload(source string) {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.String("source", source),
			zap.Error(err),
		)
		return
	}

	w.mu.Lock()
	w.current = cfg
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	handlers := make([]ChangeHandler, len(w.handlers))
	copy(handlers, w.handlers)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded",
		zap.String("path", w.path),
		zap.String("source", source),
	)
	for _, h := range handlers {
		h(cfg)
	}
}
