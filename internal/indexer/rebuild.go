package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/niteru/internal/keyword"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/vector"
)

const rebuildBatchSize = 512

// op is one index mutation. Ops applied while a rebuild runs are journaled
// and replayed onto the new indexes before they replace the old ones.
type op struct {
	remove []string
	// items update both the vector and the attribute index.
	items []*models.Item
	// recs update the attribute index only.
	recs []*models.ImageRecord
}

func (o *op) applyTo(ctx context.Context, vec vector.Index, attrs keyword.AttributeIndex) error {
	if len(o.remove) > 0 {
		if err := vec.Remove(ctx, o.remove); err != nil {
			return fmt.Errorf("failed to delete from vector index: %w", err)
		}
		for _, id := range o.remove {
			if err := attrs.Delete(ctx, id); err != nil {
				return fmt.Errorf("failed to delete from attribute index: %w", err)
			}
		}
	}
	if len(o.items) > 0 {
		ids := make([]string, len(o.items))
		vecs := make([][]float32, len(o.items))
		recs := make([]*models.ImageRecord, len(o.items))
		for i, item := range o.items {
			ids[i] = item.Record.ID
			vecs[i] = item.Vector
			recs[i] = item.Record
		}
		if err := vec.Add(ctx, ids, vecs); err != nil {
			return fmt.Errorf("failed to index vectors: %w", err)
		}
		if err := attrs.IndexBatch(ctx, recs); err != nil {
			return fmt.Errorf("failed to index attributes: %w", err)
		}
	}
	if len(o.recs) > 0 {
		if err := attrs.IndexBatch(ctx, o.recs); err != nil {
			return fmt.Errorf("failed to index attributes: %w", err)
		}
	}
	return nil
}

// apply mutates the live indexes. A failure leaves the index marked stale
// since the store already holds the change.
func (ix *Indexer) apply(ctx context.Context, o *op) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.rebuilding {
		ix.journal = append(ix.journal, o)
	}
	if err := o.applyTo(ctx, ix.vec, ix.attrs); err != nil {
		ix.MarkStale()
		return err
	}
	ix.metrics.SetIndexSize(ix.vec.Size())
	ix.checkModeLocked()
	return nil
}

// checkModeLocked marks the index stale when auto mode would now pick a
// different index type for the current size.
func (ix *Indexer) checkModeLocked() {
	want, err := ix.opts.ResolveType(ix.vec.Size())
	if err == nil && want != ix.vec.Type() {
		if ix.logger != nil {
			ix.logger.Debug("index size crossed exact threshold",
				zap.Int("size", ix.vec.Size()), zap.String("want", string(want)))
		}
		ix.MarkStale()
	}
}

// MarkStale flags the indexes for a rebuild before the next query.
func (ix *Indexer) MarkStale() {
	ix.staleEpoch.Add(1)
	ix.stale.Store(true)
	ix.metrics.SetStale(true)
}

// Stale reports whether a rebuild is pending.
func (ix *Indexer) Stale() bool {
	return ix.stale.Load()
}

// EnsureFresh rebuilds the indexes if they are stale.
func (ix *Indexer) EnsureFresh(ctx context.Context) error {
	if !ix.stale.Load() {
		return nil
	}
	return ix.rebuild(ctx, false)
}

// Rebuild recreates both indexes from the store. If ctx is cancelled the
// previous indexes stay in place.
func (ix *Indexer) Rebuild(ctx context.Context) error {
	return ix.rebuild(ctx, true)
}

func (ix *Indexer) rebuild(ctx context.Context, force bool) error {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()
	if !force && !ix.stale.Load() {
		return nil
	}
	return ix.swapIn(ctx, ix.buildFromStore)
}

// swapIn builds new indexes with build and replaces the live ones. Writes
// arriving while build runs are journaled and replayed first. The caller
// holds rebuildMu.
func (ix *Indexer) swapIn(ctx context.Context, build func(context.Context) (vector.Index, keyword.AttributeIndex, error)) error {
	start := time.Now()
	epoch := ix.staleEpoch.Load()
	ix.mu.Lock()
	ix.rebuilding = true
	ix.journal = nil
	ix.mu.Unlock()

	vec, attrs, err := build(ctx)
	ix.mu.Lock()
	if err == nil {
		for _, o := range ix.journal {
			if err = o.applyTo(ctx, vec, attrs); err != nil {
				_ = vec.Close()
				_ = attrs.Close()
				break
			}
		}
	}
	ix.rebuilding = false
	ix.journal = nil
	if err != nil {
		ix.mu.Unlock()
		ix.metrics.Rebuild("error")
		if ix.logger != nil {
			ix.logger.Warn("index rebuild failed", zap.Error(err))
		}
		return fmt.Errorf("rebuild index: %w", err)
	}
	oldVec, oldAttrs := ix.vec, ix.attrs
	ix.vec, ix.attrs = vec, attrs
	size := vec.Size()
	ix.mu.Unlock()

	_ = oldVec.Close()
	_ = oldAttrs.Close()
	if ix.staleEpoch.Load() == epoch {
		ix.stale.Store(false)
		ix.metrics.SetStale(false)
	}
	ix.metrics.SetIndexSize(size)
	ix.metrics.Rebuild("ok")
	if ix.logger != nil {
		ix.logger.Info("index rebuilt", zap.Int("size", size), zap.String("type", string(vec.Type())),
			zap.Duration("elapsed", time.Since(start)))
	}
	return nil
}

// buildFromStore streams every stored item into fresh indexes.
func (ix *Indexer) buildFromStore(ctx context.Context) (vector.Index, keyword.AttributeIndex, error) {
	count, err := ix.store.Count(ctx)
	if err != nil {
		return nil, nil, err
	}
	vec, err := vector.NewForSize(ix.opts, int(count))
	if err != nil {
		return nil, nil, err
	}
	attrs, err := keyword.NewBleveIndex("")
	if err != nil {
		_ = vec.Close()
		return nil, nil, err
	}
	if err := ix.fill(ctx, vec, attrs); err != nil {
		_ = vec.Close()
		_ = attrs.Close()
		return nil, nil, err
	}
	return vec, attrs, nil
}

// fill adds every stored item to attrs and, when vec is non-nil, to vec.
func (ix *Indexer) fill(ctx context.Context, vec vector.Index, attrs keyword.AttributeIndex) error {
	batch := &op{}
	flush := func() error {
		if vec != nil {
			if err := batch.applyTo(ctx, vec, attrs); err != nil {
				return err
			}
		} else {
			for _, item := range batch.items {
				batch.recs = append(batch.recs, item.Record)
			}
			if err := attrs.IndexBatch(ctx, batch.recs); err != nil {
				return fmt.Errorf("failed to index attributes: %w", err)
			}
		}
		batch = &op{}
		return nil
	}
	err := ix.store.ForEach(ctx, func(item *models.Item) error {
		batch.items = append(batch.items, item)
		if len(batch.items) >= rebuildBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch.items) > 0 {
		return flush()
	}
	return ctx.Err()
}

// Open prepares the indexes for serving. A vector index snapshot is used when
// it matches the store in size, dimension and index type; otherwise the
// indexes are rebuilt from the store. The attribute index is always rebuilt.
func (ix *Indexer) Open(ctx context.Context) error {
	ix.rebuildMu.Lock()
	defer ix.rebuildMu.Unlock()
	if ix.snapshotPath == "" {
		return ix.swapIn(ctx, ix.buildFromStore)
	}
	return ix.swapIn(ctx, func(ctx context.Context) (vector.Index, keyword.AttributeIndex, error) {
		vec, err := ix.loadSnapshot(ctx)
		if err != nil {
			if ix.logger != nil && !errors.Is(err, os.ErrNotExist) {
				ix.logger.Warn("discarding index snapshot", zap.String("path", ix.snapshotPath), zap.Error(err))
			}
			return ix.buildFromStore(ctx)
		}
		attrs, err := keyword.NewBleveIndex("")
		if err != nil {
			_ = vec.Close()
			return nil, nil, err
		}
		if err := ix.fill(ctx, nil, attrs); err != nil {
			_ = vec.Close()
			_ = attrs.Close()
			return nil, nil, err
		}
		if ix.logger != nil {
			ix.logger.Info("index snapshot loaded", zap.String("path", ix.snapshotPath), zap.Int("size", vec.Size()))
		}
		return vec, attrs, nil
	})
}

func (ix *Indexer) loadSnapshot(ctx context.Context) (vector.Index, error) {
	vec, err := vector.LoadSnapshot(ix.snapshotPath, ix.opts)
	if err != nil {
		return nil, err
	}
	count, err := ix.store.Count(ctx)
	if err != nil {
		_ = vec.Close()
		return nil, err
	}
	want, err := ix.opts.ResolveType(int(count))
	if err != nil {
		_ = vec.Close()
		return nil, err
	}
	switch {
	case int64(vec.Size()) != count:
		err = fmt.Errorf("snapshot holds %d entries, store holds %d", vec.Size(), count)
	case vec.Dimensions() != ix.store.Dimensions():
		err = fmt.Errorf("%w: snapshot has %d dimensions, store has %d",
			vector.ErrDimensionMismatch, vec.Dimensions(), ix.store.Dimensions())
	case vec.Type() != want:
		err = fmt.Errorf("snapshot is %s, configuration selects %s", vec.Type(), want)
	}
	if err != nil {
		_ = vec.Close()
		return nil, err
	}
	return vec, nil
}

// SaveSnapshot writes the vector index to the configured snapshot path. It
// is a no-op when snapshots are disabled or the index is stale.
func (ix *Indexer) SaveSnapshot() error {
	if ix.snapshotPath == "" || ix.stale.Load() {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := vector.SaveSnapshot(ix.snapshotPath, ix.vec, ix.snapshotCompression); err != nil {
		return fmt.Errorf("save index snapshot: %w", err)
	}
	return nil
}

// Read brings the indexes up to date and runs fn under the read lock. Index
// writes wait until fn returns.
func (ix *Indexer) Read(ctx context.Context, fn func(vec vector.Index, attrs keyword.AttributeIndex) error) error {
	if err := ix.EnsureFresh(ctx); err != nil {
		return err
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return fn(ix.vec, ix.attrs)
}

// Stats describes the live vector index.
type Stats struct {
	Size       int              `json:"size"`
	Type       vector.IndexType `json:"index_mode"`
	Metric     vector.Metric    `json:"metric"`
	Dimensions int              `json:"dimensions"`
	Stale      bool             `json:"stale"`
}

// Stats returns the current index statistics.
func (ix *Indexer) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{
		Size:       ix.vec.Size(),
		Type:       ix.vec.Type(),
		Metric:     ix.vec.Metric(),
		Dimensions: ix.vec.Dimensions(),
		Stale:      ix.stale.Load(),
	}
}

// Close releases both indexes. The store, embedder and blob store are owned by the caller.
func (ix *Indexer) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return errors.Join(ix.vec.Close(), ix.attrs.Close())
}
