// Package search answers top-k image similarity queries.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/indexer"
	"github.com/hyperjump/niteru/internal/keyword"
	"github.com/hyperjump/niteru/internal/metrics"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/storage"
	"github.com/hyperjump/niteru/internal/vector"
)

// ImageEmbedder embeds query images and reports cache hits.
type ImageEmbedder interface {
	EmbedCached(ctx context.Context, img []byte) ([]float32, bool, error)
}

// Engine runs similarity search over the indexes maintained by an Indexer.
type Engine struct {
	indexer  *indexer.Indexer
	store    storage.Store
	embedder ImageEmbedder
	config   *config.SearchConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records query counts and latency.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(
	idx *indexer.Indexer,
	store storage.Store,
	embedder ImageEmbedder,
	cfg *config.SearchConfig,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		indexer:  idx,
		store:    store,
		embedder: embedder,
		config:   cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search returns the k stored images most similar to query.Vector among those
// matching query.Filters.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	resp, err := e.search(ctx, query)
	e.observe("vector", start, err)
	return resp, err
}

// SearchByImage embeds img (through the cache) and searches with the result.
// Embedding errors are returned unchanged; the store is never modified.
func (e *Engine) SearchByImage(ctx context.Context, img []byte, k int, filters *models.Filters) (*models.SearchResponse, error) {
	start := time.Now()
	vec, hit, err := e.embedder.EmbedCached(ctx, img)
	if err != nil {
		e.observe("image", start, err)
		return nil, err
	}
	resp, err := e.search(ctx, &models.SearchQuery{Vector: vec, K: k, Filters: filters})
	if resp != nil {
		resp.CacheHit = hit
	}
	e.observe("image", start, err)
	return resp, err
}

// SearchByID searches with the stored vector of image id. With excludeSelf
// the image itself is left out of the results.
func (e *Engine) SearchByID(ctx context.Context, id string, k int, filters *models.Filters, excludeSelf bool) (*models.SearchResponse, error) {
	start := time.Now()
	item, err := e.store.Get(ctx, id)
	if err != nil {
		e.observe("id", start, err)
		return nil, err
	}
	query := &models.SearchQuery{Vector: item.Vector, K: k, Filters: filters}
	if excludeSelf {
		query.ExcludeID = id
	}
	resp, err := e.search(ctx, query)
	e.observe("id", start, err)
	return resp, err
}

func (e *Engine) search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := query.Validate(e.config.DefaultK, e.config.MaxK, e.store.Dimensions()); err != nil {
		return nil, err
	}

	response := &models.SearchResponse{K: query.K}
	err := e.indexer.Read(ctx, func(vec vector.Index, attrs keyword.AttributeIndex) error {
		response.IndexMode = string(vec.Type())
		response.Metric = string(vec.Metric())

		var filter *vector.Filter
		if !query.Filters.IsEmpty() {
			ids, err := attrs.Candidates(ctx, query.Filters)
			if err != nil {
				return fmt.Errorf("attribute filter failed: %w", err)
			}
			if len(ids) == 0 {
				return nil
			}
			filter = vector.NewFilter(ids)
		}

		limit := query.K
		if query.ExcludeID != "" {
			limit++
		}
		hits, err := vec.Search(ctx, query.Vector, limit, filter)
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			if h.ID != query.ExcludeID {
				ids = append(ids, h.ID)
			}
		}
		if len(ids) == 0 {
			return nil
		}

		items, err := e.store.GetMany(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load results: %w", err)
		}
		var missing []string
		results := make([]*models.SearchResult, 0, len(ids))
		for _, id := range ids {
			item, ok := items[id]
			if !ok {
				missing = append(missing, id)
				continue
			}
			results = append(results, &models.SearchResult{
				Record: item.Record,
				Score:  vector.Score(vec.Metric(), query.Vector, item.Vector),
			})
		}
		if len(missing) > 0 {
			e.indexer.MarkStale()
			if e.logger != nil {
				e.logger.Warn("indexed images missing from store", zap.Strings("ids", missing))
			}
			return &models.StoreInconsistencyError{IDs: missing}
		}
		response.Results = rank(results, query.K)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if response.Results == nil {
		response.Results = []*models.SearchResult{}
	}
	response.Total = len(response.Results)
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

func (e *Engine) observe(kind string, start time.Time, err error) {
	e.metrics.ObserveQuery(kind, metrics.Outcome(err), time.Since(start))
	if e.logger != nil && err != nil {
		e.logger.Debug("search failed", zap.String("kind", kind), zap.Error(err))
	}
}
