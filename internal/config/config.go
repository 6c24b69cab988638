package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides; nested keys are
// flattened with single underscores (MEMORY_MCP_VECTOR_REBUILD_MODE).
const EnvPrefix = "MEMORY_MCP_"

// Config is the full service configuration. Resolution order is code
// defaults, then environment, then the optional config file — except
// server_host/server_port where the environment wins over the file for
// deployment convenience.
type Config struct {
	DataDir          string `mapstructure:"data_dir" json:"data_dir"`
	ServerHost       string `mapstructure:"server_host" json:"server_host"`
	ServerPort       int    `mapstructure:"server_port" json:"server_port"`
	Timezone         string `mapstructure:"timezone" json:"timezone"`
	LogLevel         string `mapstructure:"log_level" json:"log_level"`
	StatsRecentCount int    `mapstructure:"stats_recent_count" json:"stats_recent_count"`

	EmbeddingsProvider       string `mapstructure:"embeddings_provider" json:"embeddings_provider"`
	EmbeddingsModel          string `mapstructure:"embeddings_model" json:"embeddings_model"`
	EmbeddingsDevice         string `mapstructure:"embeddings_device" json:"embeddings_device"`
	EmbeddingsBaseURL        string `mapstructure:"embeddings_base_url" json:"embeddings_base_url"`
	EmbeddingsTimeoutSeconds int    `mapstructure:"embeddings_timeout_seconds" json:"embeddings_timeout_seconds"`
	EmbeddingsCacheRedisAddr string `mapstructure:"embeddings_cache_redis_addr" json:"embeddings_cache_redis_addr"`

	RerankerModel   string `mapstructure:"reranker_model" json:"reranker_model"`
	RerankerBaseURL string `mapstructure:"reranker_base_url" json:"reranker_base_url"`
	RerankerTopN    int    `mapstructure:"reranker_top_n" json:"reranker_top_n"`

	Vector        VectorConfig        `mapstructure:"vector" json:"vector"`
	VectorRebuild VectorRebuildConfig `mapstructure:"vector_rebuild" json:"vector_rebuild"`
	AutoCleanup   AutoCleanupConfig   `mapstructure:"auto_cleanup" json:"auto_cleanup"`
}

// VectorConfig controls the Qdrant connection.
type VectorConfig struct {
	Enabled        bool   `mapstructure:"enabled" json:"enabled"`
	Host           string `mapstructure:"host" json:"host"`
	Port           int    `mapstructure:"port" json:"port"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeout_seconds"`
}

// VectorRebuildConfig controls the idle rebuild worker.
type VectorRebuildConfig struct {
	Mode        string `mapstructure:"mode" json:"mode"` // idle, manual, disabled
	IdleSeconds int    `mapstructure:"idle_seconds" json:"idle_seconds"`
	MinInterval int    `mapstructure:"min_interval" json:"min_interval"`
}

// AutoCleanupConfig controls the duplicate detector.
type AutoCleanupConfig struct {
	Enabled               bool    `mapstructure:"enabled" json:"enabled"`
	IdleMinutes           int     `mapstructure:"idle_minutes" json:"idle_minutes"`
	CheckIntervalSeconds  int     `mapstructure:"check_interval_seconds" json:"check_interval_seconds"`
	DuplicateThreshold    float64 `mapstructure:"duplicate_threshold" json:"duplicate_threshold"`
	MinSimilarityToReport float64 `mapstructure:"min_similarity_to_report" json:"min_similarity_to_report"`
	MaxSuggestionsPerRun  int     `mapstructure:"max_suggestions_per_run" json:"max_suggestions_per_run"`
}

// defaults maps dotted viper keys to their code defaults. The key list also
// drives environment lookups.
var defaults = map[string]interface{}{
	"data_dir":           "./data",
	"server_host":        "127.0.0.1",
	"server_port":        8976,
	"timezone":           "Local",
	"log_level":          "info",
	"stats_recent_count": 10,

	"embeddings_provider":         "service",
	"embeddings_model":            "text-embedding-3-small",
	"embeddings_device":           "cpu",
	"embeddings_base_url":         "",
	"embeddings_timeout_seconds":  10,
	"embeddings_cache_redis_addr": "",

	"reranker_model":    "",
	"reranker_base_url": "",
	"reranker_top_n":    10,

	"vector.enabled":         true,
	"vector.host":            "localhost",
	"vector.port":            6333,
	"vector.timeout_seconds": 5,

	"vector_rebuild.mode":         "idle",
	"vector_rebuild.idle_seconds": 30,
	"vector_rebuild.min_interval": 120,

	"auto_cleanup.enabled":                  true,
	"auto_cleanup.idle_minutes":             30,
	"auto_cleanup.check_interval_seconds":   300,
	"auto_cleanup.duplicate_threshold":      0.90,
	"auto_cleanup.min_similarity_to_report": 0.85,
	"auto_cleanup.max_suggestions_per_run":  20,
}

// Keys whose env override beats the config file.
var envOverFile = map[string]bool{
	"server_host": true,
	"server_port": true,
}

func envName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// Load resolves the configuration. path may be empty (no config file) or
// point to a JSON or YAML file; unknown file keys are ignored.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	// Environment layer. Viper's own env binding would outrank the file,
	// so env values are merged in explicitly below the file layer.
	envValues := map[string]string{}
	for key := range defaults {
		if raw, ok := os.LookupEnv(envName(key)); ok {
			envValues[key] = raw
		}
	}
	for key, raw := range envValues {
		v.Set(key, raw)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fv := viper.New()
			fv.SetConfigFile(path)
			if err := fv.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
			for key := range defaults {
				if !fv.IsSet(key) {
					continue
				}
				if envOverFile[key] {
					if _, fromEnv := envValues[key]; fromEnv {
						continue
					}
				}
				v.Set(key, fv.Get(key))
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range", c.ServerPort)
	}
	switch c.VectorRebuild.Mode {
	case "idle", "manual", "disabled":
	default:
		return fmt.Errorf("vector_rebuild.mode %q must be idle, manual, or disabled", c.VectorRebuild.Mode)
	}
	switch c.EmbeddingsProvider {
	case "service", "openai", "disabled":
	default:
		return fmt.Errorf("embeddings_provider %q must be service, openai, or disabled", c.EmbeddingsProvider)
	}
	if c.AutoCleanup.DuplicateThreshold < 0 || c.AutoCleanup.DuplicateThreshold > 1 {
		return fmt.Errorf("auto_cleanup.duplicate_threshold %v out of [0,1]", c.AutoCleanup.DuplicateThreshold)
	}
	if c.AutoCleanup.MinSimilarityToReport < 0 || c.AutoCleanup.MinSimilarityToReport > 1 {
		return fmt.Errorf("auto_cleanup.min_similarity_to_report %v out of [0,1]", c.AutoCleanup.MinSimilarityToReport)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// EmbeddingsTimeout returns the embedder HTTP timeout.
func (c *Config) EmbeddingsTimeout() time.Duration {
	if c.EmbeddingsTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.EmbeddingsTimeoutSeconds) * time.Second
}

// VectorTimeout returns the Qdrant HTTP timeout.
func (c *Config) VectorTimeout() time.Duration {
	if c.Vector.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Vector.TimeoutSeconds) * time.Second
}
