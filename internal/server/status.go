package server

import (
	"context"
	"fmt"

	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/indexer"
	"github.com/hyperjump/niteru/internal/storage"
)

// Status is the body of GET /api/v1/status.
type Status struct {
	Images         int64         `json:"images"`
	Index          indexer.Stats `json:"index"`
	DiskUsageBytes *int64        `json:"disk_usage_bytes,omitempty"`
	Config         *StatusConfig `json:"config,omitempty"`
}

// StatusConfig is the configuration summary reported by status. Database
// DSNs are reduced to "postgres" so credentials never leave the process.
type StatusConfig struct {
	EmbeddingProvider  string `json:"embedding_provider"`
	ModelVersion       string `json:"model_version"`
	EmbeddingDimension int    `json:"embedding_dimension"`
	IndexMode          string `json:"index_mode"`
	SimilarityMetric   string `json:"similarity_metric"`
	ExactThreshold     int    `json:"exact_threshold"`
	DefaultK           int    `json:"default_k"`
	MaxK               int    `json:"max_k"`
	BlobBackend        string `json:"blob_backend"`
	Database           string `json:"database"`
	IndexSnapshotPath  string `json:"index_snapshot_path,omitempty"`
}

// CollectStatus gathers store, index and disk figures. cfg may be nil.
func CollectStatus(ctx context.Context, store storage.Store, ix *indexer.Indexer, cfg *config.Config) (*Status, error) {
	count, err := store.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count images: %w", err)
	}
	status := &Status{Images: count, Index: ix.Stats()}
	if cfg == nil {
		return status, nil
	}
	status.Config = &StatusConfig{
		EmbeddingProvider:  cfg.Embedding.Provider,
		ModelVersion:       cfg.Embedding.ModelVersion,
		EmbeddingDimension: cfg.Embedding.Dimensions,
		IndexMode:          cfg.Index.Mode,
		SimilarityMetric:   cfg.Index.Metric,
		ExactThreshold:     cfg.Index.ExactThreshold,
		DefaultK:           cfg.Search.DefaultK,
		MaxK:               cfg.Search.MaxK,
		BlobBackend:        cfg.Blob.Backend,
		Database:           databaseLabel(&cfg.Storage),
		IndexSnapshotPath:  cfg.Storage.IndexSnapshotPath,
	}
	paths := []string{cfg.Storage.DatabasePath, cfg.Storage.IndexSnapshotPath}
	if cfg.Blob.Backend == "local" {
		paths = append(paths, cfg.Blob.Root)
	}
	if diskBytes, err := storage.DiskUsageBytes(paths...); err == nil {
		status.DiskUsageBytes = &diskBytes
	}
	return status, nil
}

// databaseLabel hides DSN credentials.
func databaseLabel(cfg *config.StorageConfig) string {
	if cfg.IsPostgres() {
		return "postgres"
	}
	return cfg.DatabasePath
}
