// Package config provides configuration loading and structs for the niteru server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/niteru/internal/models"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Blob      BlobConfig      `yaml:"blob"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Watch     WatchConfig     `yaml:"watch"`
}

// WatchConfig holds drop-folder watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxUploadBytes bounds request bodies carrying images.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// StorageConfig holds the metadata store location and the vector index snapshot.
type StorageConfig struct {
	// DatabasePath is a SQLite file path or a postgres:// DSN.
	DatabasePath        string `yaml:"database_path"`
	IndexSnapshotPath   string `yaml:"index_snapshot_path"`
	SnapshotCompression string `yaml:"snapshot_compression"`
}

// BlobConfig selects where raw image bytes and thumbnails live.
type BlobConfig struct {
	Backend    string        `yaml:"backend"`
	Root       string        `yaml:"root"`
	Endpoint   string        `yaml:"endpoint"`
	Bucket     string        `yaml:"bucket"`
	Prefix     string        `yaml:"prefix"`
	Region     string        `yaml:"region"`
	AccessKey  string        `yaml:"access_key"`
	SecretKey  string        `yaml:"secret_key"`
	UseSSL     bool          `yaml:"use_ssl"`
	PresignTTL time.Duration `yaml:"presign_ttl"`
	Timeout    time.Duration `yaml:"timeout"`
}

// EmbeddingConfig holds embedding provider and cache settings.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	ModelVersion      string        `yaml:"model_version"`
	Dimensions        int           `yaml:"embedding_dimension"`
	ProviderTimeoutMS int           `yaml:"provider_timeout_ms"`
	MaxImageBytes     int64         `yaml:"max_image_bytes"`
	CacheCapacity     int           `yaml:"cache_capacity"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	ModelPath         string        `yaml:"model_path"`
	InputSize         int           `yaml:"input_size"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// ProviderTimeout returns the per-call embedding deadline.
func (e *EmbeddingConfig) ProviderTimeout() time.Duration {
	return time.Duration(e.ProviderTimeoutMS) * time.Millisecond
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	Mode                    string  `yaml:"index_mode"`
	Metric                  string  `yaml:"similarity_metric"`
	ApproximateRecallTarget float64 `yaml:"approximate_recall_target"`
	ExactThreshold          int     `yaml:"exact_threshold"`
	HNSWM                   int     `yaml:"hnsw_m"`
	HNSWEfConstruction      int     `yaml:"hnsw_ef_construction"`
	Seed                    int64   `yaml:"seed"`
}

// SearchConfig holds query bounds.
type SearchConfig struct {
	DefaultK int `yaml:"default_k"`
	MaxK     int `yaml:"max_k"`
}

// IngestConfig holds bulk ingestion settings.
type IngestConfig struct {
	Workers       int           `yaml:"workers"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	ThumbnailSize int           `yaml:"thumbnail_size"`
}

// Load reads and parses the config file at path, expands paths, applies defaults, and validates.
// Returns an error if the file cannot be read or parsed, or a ConfigurationError for invalid values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	if !isDSN(cfg.Storage.DatabasePath) {
		cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	}
	cfg.Storage.IndexSnapshotPath = expandPath(cfg.Storage.IndexSnapshotPath, configDir)
	cfg.Blob.Root = expandPath(cfg.Blob.Root, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate checks value ranges and enumerations. It expects defaults to be applied.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "mock", "http", "onnx":
	default:
		return models.NewConfigError("embedding.provider", "unknown provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return models.NewConfigError("embedding.embedding_dimension", "must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Embedding.ProviderTimeoutMS <= 0 {
		return models.NewConfigError("embedding.provider_timeout_ms", "must be positive")
	}
	if c.Embedding.MaxImageBytes <= 0 {
		return models.NewConfigError("embedding.max_image_bytes", "must be positive")
	}
	if c.Embedding.CacheCapacity < 0 {
		return models.NewConfigError("embedding.cache_capacity", "must not be negative")
	}
	if c.Embedding.Provider == "http" && c.Embedding.BaseURL == "" {
		return models.NewConfigError("embedding.base_url", "required for the http provider")
	}
	switch c.Index.Mode {
	case "exact", "approximate", "auto":
	default:
		return models.NewConfigError("index.index_mode", "unknown mode %q", c.Index.Mode)
	}
	switch c.Index.Metric {
	case "cosine", "dot":
	default:
		return models.NewConfigError("index.similarity_metric", "unknown metric %q", c.Index.Metric)
	}
	if c.Index.ApproximateRecallTarget <= 0 || c.Index.ApproximateRecallTarget > 1 {
		return models.NewConfigError("index.approximate_recall_target", "must be in (0, 1], got %v", c.Index.ApproximateRecallTarget)
	}
	if c.Index.HNSWM < 2 {
		return models.NewConfigError("index.hnsw_m", "must be at least 2")
	}
	if c.Search.MaxK <= 0 {
		return models.NewConfigError("search.max_k", "must be positive")
	}
	if c.Search.DefaultK <= 0 || c.Search.DefaultK > c.Search.MaxK {
		return models.NewConfigError("search.default_k", "must be in [1, max_k], got %d", c.Search.DefaultK)
	}
	switch c.Storage.SnapshotCompression {
	case "none", "zstd", "lz4":
	default:
		return models.NewConfigError("storage.snapshot_compression", "unknown compression %q", c.Storage.SnapshotCompression)
	}
	switch c.Blob.Backend {
	case "local":
	case "minio", "s3":
		if c.Blob.Bucket == "" {
			return models.NewConfigError("blob.bucket", "required for the %s backend", c.Blob.Backend)
		}
	default:
		return models.NewConfigError("blob.backend", "unknown backend %q", c.Blob.Backend)
	}
	if c.Ingest.Workers <= 0 {
		return models.NewConfigError("ingest.workers", "must be positive")
	}
	if c.Ingest.MaxRetries < 0 {
		return models.NewConfigError("ingest.max_retries", "must not be negative")
	}
	return nil
}

// IsPostgres reports whether the database path is a Postgres DSN.
func (s *StorageConfig) IsPostgres() bool {
	return isDSN(s.DatabasePath)
}

func isDSN(path string) bool {
	return strings.HasPrefix(path, "postgres://") || strings.HasPrefix(path, "postgresql://")
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
