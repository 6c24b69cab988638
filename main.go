package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/memoryd/memoryd/internal/config"
	"github.com/memoryd/memoryd/internal/embeddings"
	"github.com/memoryd/memoryd/internal/engine"
	"github.com/memoryd/memoryd/internal/oplog"
	"github.com/memoryd/memoryd/internal/registry"
	"github.com/memoryd/memoryd/internal/server"
	"github.com/memoryd/memoryd/internal/vectordb"
	"github.com/memoryd/memoryd/internal/workers"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the JSON or YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "memoryd: %v\n", err)
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("MEMORY_MCP_CONFIG"); p != "" {
		return p
	}
	return "config.json"
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "logs"), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	opLog, err := oplog.Open(filepath.Join(cfg.DataDir, "logs", "operations.log"), logger)
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}
	defer opLog.Close()

	reg := registry.New(cfg.DataDir, logger)
	defer reg.Close()

	embedder, reranker := buildModelPorts(cfg, logger)

	var index vectordb.Index
	if cfg.Vector.Enabled {
		index = vectordb.NewClient(vectordb.Config{
			Host:    cfg.Vector.Host,
			Port:    cfg.Vector.Port,
			Timeout: cfg.VectorTimeout(),
		}, logger)
	} else {
		logger.Info("Vector store disabled, using in-process index")
		index = vectordb.NewMemoryIndex()
	}

	eng := engine.New(reg, index, embedder, reranker, opLog, logger, engine.Options{
		StatsRecentCount: cfg.StatsRecentCount,
		Location:         loc,
	})

	mgr := workers.NewManager(eng, logger, workers.Options{
		Mode:        cfg.VectorRebuild.Mode,
		IdleSeconds: time.Duration(cfg.VectorRebuild.IdleSeconds) * time.Second,
		MinInterval: time.Duration(cfg.VectorRebuild.MinInterval) * time.Second,
		Duplicates: workers.DuplicateOptions{
			Enabled:        cfg.AutoCleanup.Enabled,
			IdlePeriod:     time.Duration(cfg.AutoCleanup.IdleMinutes) * time.Minute,
			MinInterval:    time.Duration(cfg.AutoCleanup.CheckIntervalSeconds) * time.Second,
			Threshold:      cfg.AutoCleanup.DuplicateThreshold,
			MinReport:      cfg.AutoCleanup.MinSimilarityToReport,
			MaxSuggestions: cfg.AutoCleanup.MaxSuggestionsPerRun,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)
	defer mgr.Stop()

	// Hot reload: tunables (thresholds, intervals, preview count) take
	// effect immediately. Bound handles and modes (port, data dir, model
	// endpoints, rebuild mode) stay as opened.
	watcher := config.NewWatcher(configPath, cfg, logger)
	watcher.OnChange(func(next *config.Config) {
		logger.Info("Configuration reloaded", zap.String("path", configPath))
		eng.Reconfigure(engine.Options{
			StatsRecentCount: next.StatsRecentCount,
		})
		mgr.Reconfigure(workers.Options{
			IdleSeconds: time.Duration(next.VectorRebuild.IdleSeconds) * time.Second,
			MinInterval: time.Duration(next.VectorRebuild.MinInterval) * time.Second,
			Duplicates: workers.DuplicateOptions{
				IdlePeriod:     time.Duration(next.AutoCleanup.IdleMinutes) * time.Minute,
				MinInterval:    time.Duration(next.AutoCleanup.CheckIntervalSeconds) * time.Second,
				Threshold:      next.AutoCleanup.DuplicateThreshold,
				MinReport:      next.AutoCleanup.MinSimilarityToReport,
				MaxSuggestions: next.AutoCleanup.MaxSuggestionsPerRun,
			},
		})
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	}
	defer watcher.Stop()

	srv := server.New(eng, mgr, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ServerHost, cfg.ServerPort)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// buildModelPorts wires the embedder and reranker from config. Probe
// failures degrade the process to keyword-only search; they never fail
// startup.
func buildModelPorts(cfg *config.Config, logger *zap.Logger) (embeddings.Embedder, embeddings.Reranker) {
	var cache embeddings.Cache
	if cfg.EmbeddingsCacheRedisAddr != "" {
		rc, err := embeddings.NewRedisCache(cfg.EmbeddingsCacheRedisAddr)
		if err != nil {
			logger.Warn("Redis embedding cache unavailable", zap.Error(err))
		} else {
			cache = rc
		}
	}

	var embedder embeddings.Embedder
	switch cfg.EmbeddingsProvider {
	case "service":
		if cfg.EmbeddingsBaseURL == "" {
			logger.Warn("embeddings_base_url not set, semantic search disabled")
			break
		}
		e := embeddings.NewHTTPEmbedder(embeddings.Config{
			BaseURL: cfg.EmbeddingsBaseURL,
			Model:   cfg.EmbeddingsModel,
			Device:  cfg.EmbeddingsDevice,
			Timeout: cfg.EmbeddingsTimeout(),
		}, cache)
		probeCtx, cancel := context.WithTimeout(context.Background(), cfg.EmbeddingsTimeout())
		dim, err := e.Probe(probeCtx)
		cancel()
		if err != nil {
			logger.Warn("Embedding service unreachable, degrading to keyword search",
				zap.String("base_url", cfg.EmbeddingsBaseURL), zap.Error(err))
			break
		}
		logger.Info("Embedding service ready",
			zap.String("model", e.Model()), zap.Int("dimensions", dim))
		embedder = e
	case "openai":
		e, err := embeddings.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"), cfg.EmbeddingsModel, cache)
		if err != nil {
			logger.Warn("OpenAI embedder unavailable, degrading to keyword search", zap.Error(err))
			break
		}
		probeCtx, cancel := context.WithTimeout(context.Background(), cfg.EmbeddingsTimeout())
		dim, probeErr := e.Probe(probeCtx)
		cancel()
		if probeErr != nil {
			logger.Warn("OpenAI embeddings unreachable, degrading to keyword search", zap.Error(probeErr))
			break
		}
		logger.Info("OpenAI embeddings ready",
			zap.String("model", e.Model()), zap.Int("dimensions", dim))
		embedder = e
	case "disabled":
		logger.Info("Embeddings disabled by configuration")
	}

	var reranker embeddings.Reranker
	if embedder != nil && cfg.RerankerBaseURL != "" {
		reranker = embeddings.NewHTTPReranker(embeddings.RerankerConfig{
			BaseURL: cfg.RerankerBaseURL,
			Model:   cfg.RerankerModel,
			TopN:    cfg.RerankerTopN,
		})
		logger.Info("Reranker configured", zap.String("base_url", cfg.RerankerBaseURL))
	}
	return embedder, reranker
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
