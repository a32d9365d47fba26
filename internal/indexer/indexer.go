// Package indexer keeps the image store, the vector index and the attribute
// index in step: it ingests images, applies updates and deletions, and
// rebuilds the derived indexes from the store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/niteru/internal/blob"
	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/embedding"
	"github.com/hyperjump/niteru/internal/imageid"
	"github.com/hyperjump/niteru/internal/imaging"
	"github.com/hyperjump/niteru/internal/keyword"
	"github.com/hyperjump/niteru/internal/metrics"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/storage"
	"github.com/hyperjump/niteru/internal/vector"
)

// Indexer ingests images into the store and maintains the derived indexes.
type Indexer struct {
	store    storage.Store
	embedder embedding.Embedder
	blobs    blob.Store
	opts     vector.Options
	cfg      config.IngestConfig

	maxImageBytes       int64
	snapshotPath        string
	snapshotCompression string

	locks *keyedMutex

	// mu guards vec, attrs, rebuilding and journal. Queries hold the read
	// lock across vector search and store hydration.
	mu         sync.RWMutex
	vec        vector.Index
	attrs      keyword.AttributeIndex
	rebuilding bool
	journal    []*op

	rebuildMu  sync.Mutex
	stale      atomic.Bool
	staleEpoch atomic.Uint64

	metrics *metrics.Metrics
	logger  *zap.Logger // optional; when set, logs debug events
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (image ingested, image deleted, rebuilds).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(ix *Indexer) { ix.logger = l }
}

// WithMetrics records ingestion counts, index size, staleness and rebuilds.
func WithMetrics(m *metrics.Metrics) IndexerOption {
	return func(ix *Indexer) { ix.metrics = m }
}

// WithSnapshot enables loading and saving the vector index at path.
func WithSnapshot(path, compression string) IndexerOption {
	return func(ix *Indexer) {
		ix.snapshotPath = path
		ix.snapshotCompression = compression
	}
}

// WithMaxImageBytes rejects larger inputs before they are decoded.
func WithMaxImageBytes(n int64) IndexerOption {
	return func(ix *Indexer) { ix.maxImageBytes = n }
}

// NewIndexer creates an indexer over store. The indexes start empty and
// stale; call Open (or Rebuild) before serving queries.
func NewIndexer(
	store storage.Store,
	embedder embedding.Embedder,
	blobs blob.Store,
	opts vector.Options,
	cfg *config.IngestConfig,
	options ...IndexerOption,
) (*Indexer, error) {
	if store.Dimensions() != embedder.Dimensions() {
		return nil, models.NewConfigError("embedding.embedding_dimension",
			"store holds %d-dimensional vectors, embedder produces %d", store.Dimensions(), embedder.Dimensions())
	}
	if opts.Dimensions != store.Dimensions() {
		return nil, models.NewConfigError("embedding.embedding_dimension",
			"index configured for %d dimensions, store holds %d", opts.Dimensions, store.Dimensions())
	}
	vec, err := vector.NewForSize(opts, 0)
	if err != nil {
		return nil, err
	}
	attrs, err := keyword.NewBleveIndex("")
	if err != nil {
		_ = vec.Close()
		return nil, err
	}
	ix := &Indexer{
		store:    store,
		embedder: embedder,
		blobs:    blobs,
		opts:     opts,
		cfg:      *cfg,
		locks:    newKeyedMutex(),
		vec:      vec,
		attrs:    attrs,
	}
	for _, o := range options {
		o(ix)
	}
	if ix.cfg.Workers <= 0 {
		ix.cfg.Workers = 1
	}
	ix.MarkStale()
	return ix, nil
}

// pending is an input whose bytes have been read and validated.
type pending struct {
	input   *models.ImageInput
	id      string
	data    []byte
	decoded *imaging.Decoded
	hash    string
	// upload is set for inputs carrying bytes but no source reference; their
	// bytes are kept in the blob store.
	upload bool
}

// load reads and validates the image bytes and resolves the identity.
func (ix *Indexer) load(ctx context.Context, in *models.ImageInput) (*pending, error) {
	ref := strings.TrimSpace(in.SourceRef)
	p := &pending{input: in, data: in.Data}
	if len(p.data) == 0 {
		if ref == "" {
			return nil, models.NewConfigError("source_reference", "required when no image bytes are given")
		}
		data, err := ix.blobs.Get(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
		p.data = data
	} else if ref == "" {
		p.upload = true
	}

	decoded, err := imaging.Decode(p.data, ix.maxImageBytes)
	if err != nil {
		return nil, err
	}
	p.decoded = decoded
	p.hash = imaging.ContentHash(p.data)

	switch {
	case in.ID != "":
		p.id = in.ID
	case ref != "":
		p.id = imageid.FromReference(ref)
	default:
		p.id = imageid.FromContent(p.hash)
	}
	return p, nil
}

// build turns a pending input into a storable item. The embedding is reused
// when existing already holds a vector for the same content and model version.
func (ix *Indexer) build(ctx context.Context, p *pending, existing *models.Item) (*models.Item, error) {
	version := ix.embedder.ModelVersion()
	rec := &models.ImageRecord{
		ID:           p.id,
		SourceRef:    strings.TrimSpace(p.input.SourceRef),
		Category:     p.input.Category,
		Tags:         append([]string(nil), p.input.Tags...),
		Attributes:   copyAttributes(p.input.Attributes),
		ContentHash:  p.hash,
		ModelVersion: version,
		Width:        p.decoded.Width,
		Height:       p.decoded.Height,
		Format:       p.decoded.Format,
		SizeBytes:    p.decoded.SizeBytes,
	}

	var vec []float32
	if existing != nil {
		rec.IngestedAt = existing.Record.IngestedAt
		if existing.Record.ContentHash == p.hash && existing.Record.ModelVersion == version {
			vec = existing.Vector
			rec.ThumbnailRef = existing.Record.ThumbnailRef
			if p.upload {
				rec.SourceRef = existing.Record.SourceRef
			}
		}
	}
	if vec == nil {
		var err error
		vec, err = ix.embed(ctx, p.data, p.decoded)
		if err != nil {
			return nil, err
		}
	}

	if p.upload && rec.SourceRef == "" {
		key := blob.ImageKey(p.id, p.decoded.Format)
		if err := ix.blobs.Put(ctx, key, p.data, imaging.ContentType(p.decoded.Format)); err != nil {
			return nil, fmt.Errorf("store image bytes: %w", err)
		}
		rec.SourceRef = key
	}
	if rec.ThumbnailRef == "" && ix.cfg.ThumbnailSize > 0 {
		rec.ThumbnailRef = ix.writeThumbnail(ctx, p)
	}
	return &models.Item{Record: rec, Vector: vec}, nil
}

// writeThumbnail stores a JPEG thumbnail and returns its key, or "" if that failed.
// Thumbnails are derived data, so failures are logged and ingestion continues.
func (ix *Indexer) writeThumbnail(ctx context.Context, p *pending) string {
	thumb, err := imaging.Thumbnail(p.decoded.Image, ix.cfg.ThumbnailSize)
	if err == nil {
		key := blob.ThumbnailKey(p.id)
		if err = ix.blobs.Put(ctx, key, thumb, "image/jpeg"); err == nil {
			return key
		}
	}
	if ix.logger != nil {
		ix.logger.Warn("thumbnail not written", zap.String("id", p.id), zap.Error(err))
	}
	return ""
}

// embed calls the embedder, retrying unavailable-provider failures with
// exponential backoff up to the configured number of retries.
func (ix *Indexer) embed(ctx context.Context, data []byte, decoded *imaging.Decoded) ([]float32, error) {
	backoff := ix.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		vec, err := ix.embedder.EmbedDecoded(ctx, data, decoded)
		if err == nil || !errors.Is(err, models.ErrProviderUnavailable) || attempt >= ix.cfg.MaxRetries {
			return vec, err
		}
		if ix.logger != nil {
			ix.logger.Debug("embedding provider unavailable, retrying",
				zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

// Ingest embeds and stores one image and adds it to the indexes. Re-ingesting
// the same identity replaces its metadata; the embedding is recomputed only
// when the content or the model version changed.
func (ix *Indexer) Ingest(ctx context.Context, in *models.ImageInput) (*models.ImageRecord, error) {
	rec, err := ix.ingest(ctx, in)
	ix.metrics.Ingested(metrics.Outcome(err), 1)
	return rec, err
}

func (ix *Indexer) ingest(ctx context.Context, in *models.ImageInput) (*models.ImageRecord, error) {
	p, err := ix.load(ctx, in)
	if err != nil {
		return nil, err
	}

	unlock := ix.locks.Lock(p.id)
	defer unlock()

	existing, err := ix.store.Get(ctx, p.id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to read existing image: %w", err)
	}
	item, err := ix.build(ctx, p, existing)
	if err != nil {
		return nil, err
	}
	if err := ix.store.Put(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}
	if err := ix.apply(ctx, &op{items: []*models.Item{item}}); err != nil {
		return nil, err
	}
	if ix.logger != nil {
		ix.logger.Debug("indexer image ingested", zap.String("id", p.id), zap.String("source", item.Record.SourceRef))
	}
	return item.Record.Clone(), nil
}

// BulkIngest ingests inputs with a bounded pool of embedding workers and
// commits them in one store transaction. Either every input is stored and
// indexed or none is.
func (ix *Indexer) BulkIngest(ctx context.Context, inputs []*models.ImageInput) ([]*models.ImageRecord, error) {
	recs, err := ix.bulkIngest(ctx, inputs)
	if err != nil {
		ix.metrics.Ingested("error", len(inputs))
		return nil, err
	}
	ix.metrics.Ingested("ok", len(recs))
	return recs, nil
}

func (ix *Indexer) bulkIngest(ctx context.Context, inputs []*models.ImageInput) ([]*models.ImageRecord, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	loaded := make([]*pending, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)
	for i, in := range inputs {
		g.Go(func() error {
			p, err := ix.load(gctx, in)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			loaded[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]string, len(loaded))
	seen := make(map[string]int, len(loaded))
	for i, p := range loaded {
		if j, dup := seen[p.id]; dup {
			return nil, models.NewConfigError("inputs", "inputs %d and %d resolve to the same image %s", j, i, p.id)
		}
		seen[p.id] = i
		ids[i] = p.id
	}

	unlock := ix.locks.LockMany(ids)
	defer unlock()

	existing, err := ix.store.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read existing images: %w", err)
	}

	items := make([]*models.Item, len(loaded))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)
	for i, p := range loaded {
		g.Go(func() error {
			item, err := ix.build(gctx, p, existing[p.id])
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ix.store.BulkPut(ctx, items); err != nil {
		return nil, fmt.Errorf("failed to store images: %w", err)
	}
	if err := ix.apply(ctx, &op{items: items}); err != nil {
		return nil, err
	}
	if ix.logger != nil {
		ix.logger.Debug("indexer bulk ingest committed", zap.Int("count", len(items)))
	}

	recs := make([]*models.ImageRecord, len(items))
	for i, item := range items {
		recs[i] = item.Record.Clone()
	}
	return recs, nil
}

// Delete removes an image from the store and then from the indexes, so a
// rebuild that starts in between never reads the row back. If the store step
// fails the index is marked stale and rebuilt before the next query.
func (ix *Indexer) Delete(ctx context.Context, id string) error {
	if ix.logger != nil {
		ix.logger.Debug("indexer deleting image", zap.String("id", id))
	}
	unlock := ix.locks.Lock(id)
	defer unlock()

	existing, err := ix.store.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to read image: %w", err)
	}
	if err := ix.store.Delete(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return err
		}
		ix.MarkStale()
		return fmt.Errorf("failed to delete image: %w", err)
	}
	if err := ix.apply(ctx, &op{remove: []string{id}}); err != nil {
		return err
	}
	if existing != nil {
		ix.deleteBlobs(ctx, existing.Record)
	}
	if ix.logger != nil {
		ix.logger.Debug("indexer image deleted", zap.String("id", id))
	}
	return nil
}

// deleteBlobs removes the thumbnail and any uploaded bytes owned by rec.
func (ix *Indexer) deleteBlobs(ctx context.Context, rec *models.ImageRecord) {
	keys := []string{}
	if rec.ThumbnailRef != "" {
		keys = append(keys, rec.ThumbnailRef)
	}
	if rec.SourceRef == blob.ImageKey(rec.ID, rec.Format) {
		keys = append(keys, rec.SourceRef)
	}
	for _, key := range keys {
		if err := ix.blobs.Delete(ctx, key); err != nil && ix.logger != nil {
			ix.logger.Warn("blob not deleted", zap.String("key", key), zap.Error(err))
		}
	}
}

// UpdateMetadata changes category, tags or attributes. The vector is untouched.
func (ix *Indexer) UpdateMetadata(ctx context.Context, id string, patch *models.MetadataPatch) (*models.ImageRecord, error) {
	unlock := ix.locks.Lock(id)
	defer unlock()

	rec, err := ix.store.UpdateMetadata(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	if err := ix.apply(ctx, &op{recs: []*models.ImageRecord{rec}}); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// Reembed recomputes the vectors of every image embedded with a model version
// other than the embedder's current one and returns how many were updated.
func (ix *Indexer) Reembed(ctx context.Context) (int, error) {
	version := ix.embedder.ModelVersion()
	var outdated []string
	err := ix.store.ForEach(ctx, func(item *models.Item) error {
		if item.Record.ModelVersion != version {
			outdated = append(outdated, item.Record.ID)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan store: %w", err)
	}

	var updated atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)
	for _, id := range outdated {
		g.Go(func() error {
			ok, err := ix.reembedOne(gctx, id, version)
			if err != nil {
				return fmt.Errorf("reembed %s: %w", id, err)
			}
			if ok {
				updated.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return int(updated.Load()), err
}

func (ix *Indexer) reembedOne(ctx context.Context, id, version string) (bool, error) {
	unlock := ix.locks.Lock(id)
	defer unlock()

	item, err := ix.store.Get(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if item.Record.ModelVersion == version {
		return false, nil
	}
	data, err := ix.blobs.Get(ctx, item.Record.SourceRef)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", item.Record.SourceRef, err)
	}
	vec, err := ix.embed(ctx, data, nil)
	if err != nil {
		return false, err
	}
	rec := item.Record.Clone()
	rec.ModelVersion = version
	rec.ContentHash = imaging.ContentHash(data)
	next := &models.Item{Record: rec, Vector: vec}
	if err := ix.store.Put(ctx, next); err != nil {
		return false, err
	}
	return true, ix.apply(ctx, &op{items: []*models.Item{next}})
}

// Get returns the stored record and vector for id.
func (ix *Indexer) Get(ctx context.Context, id string) (*models.Item, error) {
	return ix.store.Get(ctx, id)
}

func copyAttributes(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
