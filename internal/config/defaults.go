package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/niteru/data/db/images.db"
	}
	if cfg.Storage.IndexSnapshotPath == "" {
		cfg.Storage.IndexSnapshotPath = "/usr/local/var/niteru/data/indices/vectors.snap"
	}
	if cfg.Storage.SnapshotCompression == "" {
		cfg.Storage.SnapshotCompression = "zstd"
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "local"
	}
	if cfg.Blob.Root == "" && cfg.Blob.Backend == "local" {
		cfg.Blob.Root = "/usr/local/var/niteru/data/blobs"
	}
	if cfg.Blob.Region == "" {
		cfg.Blob.Region = "us-east-1"
	}
	if cfg.Blob.PresignTTL == 0 {
		cfg.Blob.PresignTTL = 15 * time.Minute
	}
	if cfg.Blob.Timeout == 0 {
		cfg.Blob.Timeout = 30 * time.Second
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "onnx"
	}
	if cfg.Embedding.ModelVersion == "" {
		cfg.Embedding.ModelVersion = cfg.Embedding.Provider + "-v1"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 512
	}
	if cfg.Embedding.ProviderTimeoutMS == 0 {
		cfg.Embedding.ProviderTimeoutMS = 10000
	}
	if cfg.Embedding.MaxImageBytes == 0 {
		cfg.Embedding.MaxImageBytes = 20 << 20
	}
	if cfg.Embedding.CacheCapacity == 0 {
		cfg.Embedding.CacheCapacity = 10000
	}
	if cfg.Embedding.CacheTTL == 0 {
		cfg.Embedding.CacheTTL = time.Hour
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/niteru/data/models/clip-vit-b32-vision.onnx"
	}
	if cfg.Embedding.InputSize == 0 {
		cfg.Embedding.InputSize = 224
	}
	if cfg.Index.Mode == "" {
		cfg.Index.Mode = "auto"
	}
	if cfg.Index.Metric == "" {
		cfg.Index.Metric = "cosine"
	}
	if cfg.Index.ApproximateRecallTarget == 0 {
		cfg.Index.ApproximateRecallTarget = 0.95
	}
	if cfg.Index.ExactThreshold == 0 {
		cfg.Index.ExactThreshold = 20000
	}
	if cfg.Index.HNSWM == 0 {
		cfg.Index.HNSWM = 16
	}
	if cfg.Index.HNSWEfConstruction == 0 {
		cfg.Index.HNSWEfConstruction = 200
	}
	if cfg.Index.Seed == 0 {
		cfg.Index.Seed = 42
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 10
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 100
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = 3
	}
	if cfg.Ingest.RetryBackoff == 0 {
		cfg.Ingest.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Ingest.ThumbnailSize == 0 {
		cfg.Ingest.ThumbnailSize = 256
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
