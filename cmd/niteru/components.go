package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/niteru/internal/blob"
	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/embedding"
	"github.com/hyperjump/niteru/internal/indexer"
	"github.com/hyperjump/niteru/internal/metrics"
	"github.com/hyperjump/niteru/internal/presenter"
	"github.com/hyperjump/niteru/internal/search"
	"github.com/hyperjump/niteru/internal/storage"
	"github.com/hyperjump/niteru/internal/vector"
	"github.com/hyperjump/niteru/pkg/utils"
)

// Components holds initialized services.
type Components struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Store     storage.Store
	Blobs     blob.Store
	Embedder  *embedding.CachedEmbedder
	Indexer   *indexer.Indexer
	Engine    *search.Engine
	Presenter *presenter.Presenter
}

// Close releases the indexes, the embedder and the store.
func (c *Components) Close() {
	if c.Indexer != nil {
		_ = c.Indexer.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

// SaveSnapshot persists the vector index so the next start can skip the rebuild.
func (c *Components) SaveSnapshot() {
	if err := c.Indexer.SaveSnapshot(); err != nil {
		c.Logger.Warn("vector index save failed", zap.String("path", c.Config.Storage.IndexSnapshotPath), zap.Error(err))
	}
}

// initializeComponents wires the stack described by cfg and opens the indexes.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, debug bool) (_ *Components, err error) {
	c := &Components{Config: cfg, Logger: logger, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Store, err = storage.Open(ctx, &cfg.Storage, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Blobs, err = blob.New(ctx, &cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}

	adapterOpts := []embedding.AdapterOption{embedding.WithMetrics(c.Metrics)}
	if debug {
		adapterOpts = append(adapterOpts, embedding.WithLogger(logger))
	}
	c.Embedder, err = embedding.NewFromConfig(&cfg.Embedding, adapterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}

	opts, err := vector.OptionsFromConfig(&cfg.Index, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	c.Indexer, err = indexer.NewIndexer(c.Store, c.Embedder, c.Blobs, opts, &cfg.Ingest,
		indexer.WithLogger(logger),
		indexer.WithMetrics(c.Metrics),
		indexer.WithSnapshot(cfg.Storage.IndexSnapshotPath, cfg.Storage.SnapshotCompression),
		indexer.WithMaxImageBytes(cfg.Embedding.MaxImageBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize indexer: %w", err)
	}
	if err := c.Indexer.Open(ctx); err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	stats := c.Indexer.Stats()
	logger.Info("vector index initialized",
		zap.String("type", string(stats.Type)),
		zap.Int("size", stats.Size),
		zap.Int("dimensions", stats.Dimensions))

	engineOpts := []search.EngineOption{search.WithMetrics(c.Metrics)}
	if debug {
		engineOpts = append(engineOpts, search.WithLogger(logger))
	}
	c.Engine = search.NewEngine(c.Indexer, c.Store, c.Embedder, &cfg.Search, engineOpts...)
	c.Presenter = presenter.New(presenter.NewThumbnailResolver(c.Blobs, cfg.Blob.PresignTTL, "", logger))
	return c, nil
}

// localSession loads config, a logger and the components for commands that
// run without a server.
func localSession(ctx context.Context) (*Components, func(), error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debug := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	c, err := initializeComponents(ctx, cfg, logger, debug)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		_ = logger.Sync()
	}, nil
}
