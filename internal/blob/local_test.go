package blob

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/niteru/internal/models"
)

func TestLocalStore_PutGetDelete(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "thumbnails/a.jpg", []byte("jpeg"), "image/jpeg"))
	ok, err := store.Exists(ctx, "thumbnails/a.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := store.Get(ctx, "thumbnails/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	require.NoError(t, store.Delete(ctx, "thumbnails/a.jpg"))
	require.NoError(t, store.Delete(ctx, "thumbnails/a.jpg"), "delete is idempotent")

	_, err = store.Get(ctx, "thumbnails/a.jpg")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(err, models.ErrNotFound))

	ok, err = store.Exists(ctx, "thumbnails/a.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, "../outside", []byte("x"), ""))
	assert.Error(t, store.Put(ctx, "a/../../outside", []byte("x"), ""))
	assert.Error(t, store.Put(ctx, "", []byte("x"), ""))
}

func TestLocalStore_AbsoluteKeysAreReadOnly(t *testing.T) {
	external := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(external, []byte("png"), 0644))

	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	data, err := store.Get(ctx, external)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	assert.Error(t, store.Put(ctx, external, []byte("x"), ""))
	assert.Error(t, store.Delete(ctx, external))
}

func TestWithTimeout_KeepsPresigner(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, ok := WithTimeout(local, 0).(*LocalStore)
	assert.True(t, ok, "zero timeout returns the store unchanged")

	_, ok = WithTimeout(local, 1).(Presigner)
	assert.False(t, ok)

	s3store := NewS3Store(&mockS3Client{}, &mockPresigner{}, "bucket", "")
	_, ok = WithTimeout(s3store, 1).(Presigner)
	assert.True(t, ok)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "thumbnails/abc.jpg", ThumbnailKey("abc"))
	assert.Equal(t, "images/abc.png", ImageKey("abc", "png"))
	assert.Equal(t, "images/abc", ImageKey("abc", ""))
	assert.Equal(t, "root/images/a", joinPrefix("root", "/images/a"))
}
