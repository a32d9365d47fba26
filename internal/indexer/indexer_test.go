package indexer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/niteru/internal/blob"
	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/embedding"
	"github.com/hyperjump/niteru/internal/imageid"
	"github.com/hyperjump/niteru/internal/imaging"
	"github.com/hyperjump/niteru/internal/keyword"
	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/storage"
	"github.com/hyperjump/niteru/internal/vector"
)

const testDims = 4

func pngBytes(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: seed, G: uint8(x * 30), B: uint8(y * 40), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	ix       *Indexer
	store    storage.Store
	blobs    *blob.LocalStore
	provider *embedding.MockProvider
	root     string
}

type fixtureOptions struct {
	mode      string
	threshold int
	store     storage.Store
	blobs     *blob.LocalStore
	version   string
	embedder  embedding.Embedder
	options   []IndexerOption
}

func newFixture(t *testing.T, fo fixtureOptions) *fixture {
	t.Helper()
	dir := t.TempDir()
	if fo.store == nil {
		s, err := storage.NewSQLiteStore(filepath.Join(dir, "images.db"), testDims)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fo.store = s
	}
	if fo.blobs == nil {
		b, err := blob.NewLocalStore(filepath.Join(dir, "blobs"))
		require.NoError(t, err)
		fo.blobs = b
	}
	if fo.mode == "" {
		fo.mode = vector.ModeExact
	}
	if fo.threshold == 0 {
		fo.threshold = 1000
	}
	if fo.version == "" {
		fo.version = "mock-v1"
	}
	provider := embedding.NewMockProvider(testDims).WithVersion(fo.version)
	if fo.embedder == nil {
		a, err := embedding.NewAdapter(provider, testDims, 1<<20, time.Second)
		require.NoError(t, err)
		fo.embedder = a
	}

	opts := vector.Options{
		Dimensions:     testDims,
		Metric:         vector.MetricCosine,
		Mode:           fo.mode,
		ExactThreshold: fo.threshold,
		RecallTarget:   0.95,
		HNSW:           vector.HNSWConfig{M: 8, EfConstruction: 64, EfSearch: 64, Seed: 1},
	}
	cfg := &config.IngestConfig{Workers: 2, MaxRetries: 2, RetryBackoff: time.Millisecond, ThumbnailSize: 4}
	ix, err := NewIndexer(fo.store, fo.embedder, fo.blobs, opts, cfg, fo.options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	require.NoError(t, ix.Open(context.Background()))

	return &fixture{ix: ix, store: fo.store, blobs: fo.blobs, provider: provider, root: filepath.Join(dir, "blobs")}
}

func (f *fixture) putSource(t *testing.T, key string, data []byte) {
	t.Helper()
	require.NoError(t, f.blobs.Put(context.Background(), key, data, "image/png"))
}

func (f *fixture) candidates(t *testing.T, filters *models.Filters) []string {
	t.Helper()
	var ids []string
	ctx := context.Background()
	require.NoError(t, f.ix.Read(ctx, func(_ vector.Index, attrs keyword.AttributeIndex) error {
		var err error
		ids, err = attrs.Candidates(ctx, filters)
		return err
	}))
	return ids
}

func TestIngest_fromSourceReference(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.putSource(t, "catalog/red-shoe.png", pngBytes(t, 1))

	rec, err := f.ix.Ingest(ctx, &models.ImageInput{
		SourceRef:  "catalog/red-shoe.png",
		Category:   "shoes",
		Tags:       []string{"red"},
		Attributes: map[string]string{"color": "red"},
	})
	require.NoError(t, err)
	assert.Equal(t, imageid.FromReference("catalog/red-shoe.png"), rec.ID)
	assert.Equal(t, "png", rec.Format)
	assert.Equal(t, 8, rec.Width)
	assert.Equal(t, "mock-v1", rec.ModelVersion)
	assert.Equal(t, blob.ThumbnailKey(rec.ID), rec.ThumbnailRef)

	ok, err := f.blobs.Exists(ctx, rec.ThumbnailRef)
	require.NoError(t, err)
	assert.True(t, ok, "thumbnail should be written")

	item, err := f.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, item.Vector, testDims)

	stats := f.ix.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.False(t, stats.Stale)
	assert.Equal(t, []string{rec.ID}, f.candidates(t, &models.Filters{Category: "Shoes"}))
}

func TestIngest_unchangedContentIsNotReembedded(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.putSource(t, "a.png", pngBytes(t, 1))

	first, err := f.ix.Ingest(ctx, &models.ImageInput{SourceRef: "a.png", Category: "shoes"})
	require.NoError(t, err)
	require.EqualValues(t, 1, f.provider.Calls())

	second, err := f.ix.Ingest(ctx, &models.ImageInput{SourceRef: "a.png", Category: "bags"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.provider.Calls(), "same content and model version reuse the vector")
	assert.Equal(t, "bags", second.Category)
	assert.Equal(t, first.IngestedAt.UnixNano(), second.IngestedAt.UnixNano())

	f.putSource(t, "a.png", pngBytes(t, 2))
	_, err = f.ix.Ingest(ctx, &models.ImageInput{SourceRef: "a.png"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, f.provider.Calls(), "changed content is re-embedded")
	assert.Equal(t, 1, f.ix.Stats().Size)
}

func TestIngest_uploadedBytesAreStored(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	data := pngBytes(t, 3)

	rec, err := f.ix.Ingest(ctx, &models.ImageInput{Data: data})
	require.NoError(t, err)
	assert.Equal(t, blob.ImageKey(rec.ID, "png"), rec.SourceRef)
	stored, err := f.blobs.Get(ctx, rec.SourceRef)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	again, err := f.ix.Ingest(ctx, &models.ImageInput{Data: data})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID, "identical uploads share an identity")
	assert.Equal(t, 1, f.ix.Stats().Size)
}

func TestIngest_invalidInput(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	_, err := f.ix.Ingest(ctx, &models.ImageInput{Data: []byte("not an image")})
	assert.True(t, errors.Is(err, models.ErrInvalidImage), "got %v", err)

	_, err = f.ix.Ingest(ctx, &models.ImageInput{})
	assert.True(t, errors.Is(err, models.ErrConfiguration), "got %v", err)

	_, err = f.ix.Ingest(ctx, &models.ImageInput{SourceRef: "missing.png"})
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBulkIngest_allOrNothing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.putSource(t, "a.png", pngBytes(t, 1))
	f.putSource(t, "b.png", pngBytes(t, 2))

	_, err := f.ix.BulkIngest(ctx, []*models.ImageInput{
		{SourceRef: "a.png"},
		{SourceRef: "b.png"},
		{Data: []byte("corrupt")},
	})
	require.Error(t, err)
	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a failed batch stores nothing")
	assert.Zero(t, f.ix.Stats().Size)

	recs, err := f.ix.BulkIngest(ctx, []*models.ImageInput{
		{SourceRef: "a.png", Category: "shoes"},
		{SourceRef: "b.png", Category: "bags"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2, f.ix.Stats().Size)
	assert.Equal(t, []string{recs[1].ID}, f.candidates(t, &models.Filters{Category: "bags"}))
}

func TestBulkIngest_duplicateIdentity(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.putSource(t, "a.png", pngBytes(t, 1))

	_, err := f.ix.BulkIngest(context.Background(), []*models.ImageInput{
		{SourceRef: "a.png"},
		{SourceRef: "./a.png"},
	})
	assert.True(t, errors.Is(err, models.ErrConfiguration), "got %v", err)
}

func TestDelete(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	rec, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 1)})
	require.NoError(t, err)

	require.NoError(t, f.ix.Delete(ctx, rec.ID))
	assert.Zero(t, f.ix.Stats().Size)
	_, err = f.store.Get(ctx, rec.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	for _, key := range []string{rec.ThumbnailRef, rec.SourceRef} {
		ok, err := f.blobs.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, "%s should be removed", key)
	}

	err = f.ix.Delete(ctx, rec.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	assert.False(t, f.ix.Stale(), "deleting an absent image is not an inconsistency")
}

func TestDelete_keepsReferencedSource(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.putSource(t, "catalog/a.png", pngBytes(t, 1))

	rec, err := f.ix.Ingest(ctx, &models.ImageInput{SourceRef: "catalog/a.png"})
	require.NoError(t, err)
	require.NoError(t, f.ix.Delete(ctx, rec.ID))

	_, err = os.Stat(filepath.Join(f.root, "catalog", "a.png"))
	assert.NoError(t, err, "referenced source images are not owned by the store")
}

type failingDeleteStore struct {
	storage.Store
}

func (s *failingDeleteStore) Delete(ctx context.Context, id string) error {
	return errors.New("disk full")
}

func TestDelete_storeFailureMarksStale(t *testing.T) {
	inner, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "images.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })
	f := newFixture(t, fixtureOptions{store: &failingDeleteStore{Store: inner}})
	ctx := context.Background()

	rec, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 1)})
	require.NoError(t, err)

	require.Error(t, f.ix.Delete(ctx, rec.ID))
	assert.True(t, f.ix.Stale())

	var present bool
	require.NoError(t, f.ix.Read(ctx, func(vec vector.Index, _ keyword.AttributeIndex) error {
		present = vec.Contains(rec.ID)
		return nil
	}))
	assert.True(t, present, "rebuild restores the entry the store still holds")
	assert.False(t, f.ix.Stale())
}

func TestUpdateMetadata(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	rec, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 1), Category: "shoes"})
	require.NoError(t, err)
	calls := f.provider.Calls()

	cat := "bags"
	updated, err := f.ix.UpdateMetadata(ctx, rec.ID, &models.MetadataPatch{Category: &cat, Tags: []string{"leather"}})
	require.NoError(t, err)
	assert.Equal(t, "bags", updated.Category)
	assert.Equal(t, calls, f.provider.Calls(), "metadata updates never re-embed")

	assert.Empty(t, f.candidates(t, &models.Filters{Category: "shoes"}))
	assert.Equal(t, []string{rec.ID}, f.candidates(t, &models.Filters{Tags: []string{"leather"}}))

	_, err = f.ix.UpdateMetadata(ctx, "missing", &models.MetadataPatch{Category: &cat})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

// flakyEmbedder fails with ProviderUnavailableError until failures reaches zero.
type flakyEmbedder struct {
	embedding.Embedder
	failures int
	calls    int
	// predecoded counts calls that arrived with the image already decoded.
	predecoded int
}

func (e *flakyEmbedder) EmbedDecoded(ctx context.Context, img []byte, decoded *imaging.Decoded) ([]float32, error) {
	e.calls++
	if decoded != nil {
		e.predecoded++
	}
	if e.failures > 0 {
		e.failures--
		return nil, &models.ProviderUnavailableError{Provider: "flaky", Err: context.DeadlineExceeded}
	}
	return e.Embedder.EmbedDecoded(ctx, img, decoded)
}

func TestIngest_retriesUnavailableProvider(t *testing.T) {
	a, err := embedding.NewAdapter(embedding.NewMockProvider(testDims), testDims, 1<<20, time.Second)
	require.NoError(t, err)
	flaky := &flakyEmbedder{Embedder: a, failures: 2}
	f := newFixture(t, fixtureOptions{embedder: flaky})
	ctx := context.Background()

	_, err = f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 1)})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, 3, flaky.predecoded, "ingest hands its decoded image to the embedder")

	flaky.failures, flaky.calls = 5, 0
	_, err = f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 2)})
	assert.True(t, errors.Is(err, models.ErrProviderUnavailable), "got %v", err)
	assert.Equal(t, 3, flaky.calls, "one attempt plus max_retries")
}

func TestAutoMode_crossingThresholdSwitchesIndex(t *testing.T) {
	f := newFixture(t, fixtureOptions{mode: vector.ModeAuto, threshold: 3})
	ctx := context.Background()

	for i := uint8(1); i <= 2; i++ {
		_, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, i)})
		require.NoError(t, err)
	}
	assert.Equal(t, vector.IndexTypeExact, f.ix.Stats().Type)
	assert.False(t, f.ix.Stale())

	_, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 3)})
	require.NoError(t, err)
	assert.True(t, f.ix.Stale(), "reaching the threshold requires a rebuild")

	require.NoError(t, f.ix.EnsureFresh(ctx))
	stats := f.ix.Stats()
	assert.Equal(t, vector.IndexTypeApproximate, stats.Type)
	assert.Equal(t, 3, stats.Size)
	assert.False(t, stats.Stale)
}

func TestRebuild_cancelledKeepsPreviousIndex(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	_, err := f.ix.Ingest(context.Background(), &models.ImageInput{Data: pngBytes(t, 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, f.ix.Rebuild(ctx))
	assert.Equal(t, 1, f.ix.Stats().Size)
}

// pausingStore snapshots every item, then waits for release before handing
// them to ForEach, so writes can land while a rebuild is in flight.
type pausingStore struct {
	storage.Store
	started chan struct{}
	release chan struct{}
}

func (s *pausingStore) ForEach(ctx context.Context, fn func(*models.Item) error) error {
	var items []*models.Item
	if err := s.Store.ForEach(ctx, func(item *models.Item) error {
		items = append(items, item)
		return nil
	}); err != nil {
		return err
	}
	if s.started != nil {
		close(s.started)
		<-s.release
		s.started = nil
	}
	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuild_replaysWritesMadeDuringRebuild(t *testing.T) {
	inner, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "images.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })
	ps := &pausingStore{Store: inner}
	f := newFixture(t, fixtureOptions{store: ps})
	ctx := context.Background()

	doomed, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 1)})
	require.NoError(t, err)

	ps.started = make(chan struct{})
	ps.release = make(chan struct{})
	started := ps.started
	done := make(chan error, 1)
	go func() { done <- f.ix.Rebuild(ctx) }()
	<-started

	require.NoError(t, f.ix.Delete(ctx, doomed.ID))
	added, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 2)})
	require.NoError(t, err)
	close(ps.release)
	require.NoError(t, <-done)

	require.NoError(t, f.ix.Read(ctx, func(vec vector.Index, _ keyword.AttributeIndex) error {
		assert.False(t, vec.Contains(doomed.ID), "delete made during rebuild is kept")
		assert.True(t, vec.Contains(added.ID), "ingest made during rebuild is kept")
		return nil
	}))
}

// gatedDeleteStore holds Delete until release is closed.
type gatedDeleteStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedDeleteStore) Delete(ctx context.Context, id string) error {
	close(s.entered)
	<-s.release
	return s.Store.Delete(ctx, id)
}

func TestDelete_rebuildDuringDeleteDoesNotResurrect(t *testing.T) {
	inner, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "images.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inner.Close() })
	gs := &gatedDeleteStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, fixtureOptions{store: gs})
	ctx := context.Background()

	doomed, err := f.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 1)})
	require.NoError(t, err)

	deleted := make(chan error, 1)
	go func() { deleted <- f.ix.Delete(ctx, doomed.ID) }()
	<-gs.entered

	// The rebuild reads the store while the delete is in flight.
	require.NoError(t, f.ix.Rebuild(ctx))
	close(gs.release)
	require.NoError(t, <-deleted)

	require.NoError(t, f.ix.Read(ctx, func(vec vector.Index, _ keyword.AttributeIndex) error {
		assert.False(t, vec.Contains(doomed.ID))
		return nil
	}))
	assert.False(t, f.ix.Stale())
	_, err = inner.Get(ctx, doomed.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSnapshot_reusedOnlyWhenConsistent(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(filepath.Join(dir, "images.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blob.NewLocalStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	snap := WithSnapshot(filepath.Join(dir, "vectors.snap"), vector.CompressionZstd)
	ctx := context.Background()

	first := newFixture(t, fixtureOptions{store: store, blobs: blobs, options: []IndexerOption{snap}})
	for i := uint8(1); i <= 2; i++ {
		_, err := first.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, i), Category: "shoes"})
		require.NoError(t, err)
	}
	require.NoError(t, first.ix.SaveSnapshot())
	_, err = os.Stat(filepath.Join(dir, "vectors.snap"))
	require.NoError(t, err)

	second := newFixture(t, fixtureOptions{store: store, blobs: blobs, options: []IndexerOption{snap}})
	assert.Equal(t, 2, second.ix.Stats().Size)
	assert.Len(t, second.candidates(t, &models.Filters{Category: "shoes"}), 2, "attribute index is rebuilt from the store")

	_, err = first.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, 3)})
	require.NoError(t, err)
	third := newFixture(t, fixtureOptions{store: store, blobs: blobs, options: []IndexerOption{snap}})
	assert.Equal(t, 3, third.ix.Stats().Size, "a snapshot that disagrees with the store is discarded")
}

func TestReembed_onlyOutdatedVersions(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(filepath.Join(dir, "images.db"), testDims)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blob.NewLocalStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	ctx := context.Background()

	v1 := newFixture(t, fixtureOptions{store: store, blobs: blobs, version: "mock-v1"})
	for i := uint8(1); i <= 3; i++ {
		_, err := v1.ix.Ingest(ctx, &models.ImageInput{Data: pngBytes(t, i)})
		require.NoError(t, err)
	}

	v2 := newFixture(t, fixtureOptions{store: store, blobs: blobs, version: "mock-v2"})
	n, err := v2.ix.Reembed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := store.List(ctx, nil)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, "mock-v2", rec.ModelVersion)
	}

	n, err = v2.ix.Reembed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewIndexer_dimensionMismatch(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "images.db"), 8)
	require.NoError(t, err)
	defer store.Close()
	a, err := embedding.NewAdapter(embedding.NewMockProvider(testDims), testDims, 0, time.Second)
	require.NoError(t, err)
	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = NewIndexer(store, a, blobs, vector.Options{Dimensions: testDims}, &config.IngestConfig{})
	assert.True(t, errors.Is(err, models.ErrConfiguration), "got %v", err)
}
