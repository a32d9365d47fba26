package embedding

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/hyperjump/niteru/internal/imaging"
	"github.com/hyperjump/niteru/internal/metrics"
	"github.com/hyperjump/niteru/internal/models"
)

// CacheKey identifies an embedding by image content and model version.
type CacheKey struct {
	ContentHash  string
	ModelVersion string
}

func (k CacheKey) String() string { return k.ModelVersion + "/" + k.ContentHash }

// EmbeddingCache is a bounded LRU of embeddings with per-entry expiry.
// Stored and returned vectors are copies.
type EmbeddingCache struct {
	lru *expirable.LRU[CacheKey, []float32]
}

// NewEmbeddingCache creates a cache holding at most capacity entries, each
// living for ttl. A zero ttl disables expiry.
func NewEmbeddingCache(capacity int, ttl time.Duration) *EmbeddingCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &EmbeddingCache{lru: expirable.NewLRU[CacheKey, []float32](capacity, nil, ttl)}
}

// Get returns the cached embedding for key if present and not expired.
func (c *EmbeddingCache) Get(key CacheKey) ([]float32, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return append([]float32(nil), v...), true
}

// Set stores the embedding for key, evicting the least recently used entry if at capacity.
func (c *EmbeddingCache) Set(key CacheKey, value []float32) {
	c.lru.Add(key, append([]float32(nil), value...))
}

// Len returns the number of live entries.
func (c *EmbeddingCache) Len() int { return c.lru.Len() }

// Purge drops every entry.
func (c *EmbeddingCache) Purge() { c.lru.Purge() }

// CachedEmbedder serves embeddings from an EmbeddingCache and falls back to
// the wrapped Embedder on a miss. Concurrent misses for the same key share one
// provider call.
type CachedEmbedder struct {
	next    Embedder
	cache   *EmbeddingCache
	group   singleflight.Group
	metrics *metrics.Metrics
}

// NewCachedEmbedder wraps next with cache. m may be nil.
func NewCachedEmbedder(next Embedder, cache *EmbeddingCache, m *metrics.Metrics) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, metrics: m}
}

// Embed returns the embedding for img, computing it at most once per distinct
// content and model version while cached.
func (c *CachedEmbedder) Embed(ctx context.Context, img []byte) ([]float32, error) {
	vec, _, err := c.embed(ctx, img, nil)
	return vec, err
}

// EmbedDecoded is Embed for an image the caller already decoded.
func (c *CachedEmbedder) EmbedDecoded(ctx context.Context, img []byte, decoded *imaging.Decoded) ([]float32, error) {
	vec, _, err := c.embed(ctx, img, decoded)
	return vec, err
}

// EmbedCached is Embed that also reports whether the result came from cache.
func (c *CachedEmbedder) EmbedCached(ctx context.Context, img []byte) ([]float32, bool, error) {
	return c.embed(ctx, img, nil)
}

func (c *CachedEmbedder) embed(ctx context.Context, img []byte, decoded *imaging.Decoded) ([]float32, bool, error) {
	key := CacheKey{ContentHash: imaging.ContentHash(img), ModelVersion: c.next.ModelVersion()}
	if vec, ok := c.cache.Get(key); ok {
		c.metrics.CacheLookup(true)
		return vec, true, nil
	}
	c.metrics.CacheLookup(false)

	// The shared call is detached from any single caller's cancellation; the
	// adapter's timeout bounds it. Each caller waits on its own context.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key.String(), func() (interface{}, error) {
		if vec, ok := c.cache.Get(key); ok {
			return vec, nil
		}
		vec, err := c.next.EmbedDecoded(shared, img, decoded)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, vec)
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, &models.ProviderUnavailableError{Provider: c.providerName(), Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return append([]float32(nil), res.Val.([]float32)...), false, nil
	}
}

func (c *CachedEmbedder) providerName() string {
	if a, ok := c.next.(*Adapter); ok {
		return a.Provider().Name()
	}
	return "embedder"
}

// Cache returns the underlying cache.
func (c *CachedEmbedder) Cache() *EmbeddingCache { return c.cache }

// Dimensions returns the wrapped embedder's dimension.
func (c *CachedEmbedder) Dimensions() int { return c.next.Dimensions() }

// ModelVersion returns the wrapped embedder's model version.
func (c *CachedEmbedder) ModelVersion() string { return c.next.ModelVersion() }

// Close purges the cache and closes the wrapped embedder.
func (c *CachedEmbedder) Close() error {
	c.cache.Purge()
	return c.next.Close()
}
