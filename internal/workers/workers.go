package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memoryd/memoryd/internal/engine"
)

// Rebuild modes.
const (
	ModeIdle     = "idle"
	ModeManual   = "manual"
	ModeDisabled = "disabled"
)

// Options tunes the background loops. Zero durations take the defaults.
type Options struct {
	// Mode selects idle-triggered, manual-only, or disabled rebuilds.
	Mode string
	// IdleSeconds is both the poll period and the required write
	// quiescence before a rebuild.
	IdleSeconds time.Duration
	// MinInterval is the minimum spacing between rebuilds per persona.
	MinInterval time.Duration

	Duplicates DuplicateOptions
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = ModeIdle
	}
	if o.IdleSeconds == 0 {
		o.IdleSeconds = 30 * time.Second
	}
	if o.MinInterval == 0 {
		o.MinInterval = 120 * time.Second
	}
	o.Duplicates = o.Duplicates.withDefaults()
	return o
}

// Manager runs the idle-rebuild loop and the duplicate detector.
type Manager struct {
	engine *engine.Engine
	logger *zap.Logger

	mu         sync.Mutex
	opts       Options
	lastDetect map[string]time.Time

	rebuildKick   chan struct{}
	duplicateKick chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(eng *engine.Engine, logger *zap.Logger, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		engine:        eng,
		logger:        logger,
		opts:          opts.withDefaults(),
		lastDetect:    make(map[string]time.Time),
		rebuildKick:   make(chan struct{}, 1),
		duplicateKick: make(chan struct{}, 1),
	}
}

func (m *Manager) options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Reconfigure applies updated intervals and thresholds from a config
// reload. Mode and detector enablement are bound at Start; the running
// loops pick up new periods immediately.
func (m *Manager) Reconfigure(opts Options) {
	m.mu.Lock()
	opts.Mode = m.opts.Mode
	opts.Duplicates.Enabled = m.opts.Duplicates.Enabled
	m.opts = opts.withDefaults()
	m.mu.Unlock()

	select {
	case m.rebuildKick <- struct{}{}:
	default:
	}
	select {
	case m.duplicateKick <- struct{}{}:
	default:
	}
}

// Start launches the background loops. No-op when the engine has no
// semantic path, since both workers need embeddings.
func (m *Manager) Start(ctx context.Context) {
	if !m.engine.SemanticAvailable() {
		m.logger.Info("Maintenance workers disabled: no embedder available")
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)

	opts := m.options()
	if opts.Mode == ModeIdle {
		m.wg.Add(1)
		go m.rebuildLoop(ctx)
	} else {
		m.logger.Info("Idle rebuild loop not started", zap.String("mode", opts.Mode))
	}
	if opts.Duplicates.Enabled {
		m.wg.Add(1)
		go m.duplicateLoop(ctx)
	}
}

// Stop halts the loops and waits for in-flight passes to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) rebuildLoop(ctx context.Context) {
	defer m.wg.Done()
	period := m.options().IdleSeconds
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.rebuildKick:
			if cur := m.options().IdleSeconds; cur != period {
				period = cur
				ticker.Reset(period)
			}
		case <-ticker.C:
			m.rebuildPass(ctx)
		}
	}
}

// rebuildPass rebuilds every dirty persona that has been quiet long enough
// and is outside its minimum rebuild interval.
func (m *Manager) rebuildPass(ctx context.Context) {
	now := time.Now()
	opts := m.options()
	for _, b := range m.engine.Registry().Live() {
		if !b.Flags.Dirty() {
			continue
		}
		if now.Sub(b.Flags.LastWrite()) < opts.IdleSeconds {
			continue
		}
		if last := b.Flags.LastRebuild(); !last.IsZero() && now.Sub(last) < opts.MinInterval {
			continue
		}
		if err := m.engine.Rebuild(ctx, b.Persona); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Background rebuild failed, will retry",
				zap.String("persona", b.Persona), zap.Error(err))
		}
	}
}

func (m *Manager) duplicateLoop(ctx context.Context) {
	defer m.wg.Done()
	period := m.options().Duplicates.MinInterval
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.duplicateKick:
			if cur := m.options().Duplicates.MinInterval; cur != period {
				period = cur
				ticker.Reset(period)
			}
		case <-ticker.C:
			m.duplicatePass(ctx)
		}
	}
}

// duplicatePass runs the detector for every persona that has been idle for
// the configured period and has not been scanned too recently.
func (m *Manager) duplicatePass(ctx context.Context) {
	now := time.Now()
	opts := m.options().Duplicates
	for _, b := range m.engine.Registry().Live() {
		lastWrite := b.Flags.LastWrite()
		if lastWrite.IsZero() || now.Sub(lastWrite) < opts.IdlePeriod {
			continue
		}
		m.mu.Lock()
		last := m.lastDetect[b.Persona]
		m.mu.Unlock()
		if !last.IsZero() && now.Sub(last) < opts.MinInterval {
			continue
		}

		if err := m.DetectDuplicates(ctx, b.Persona); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("Duplicate detection failed",
				zap.String("persona", b.Persona), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.lastDetect[b.Persona] = now
		m.mu.Unlock()
	}
}
