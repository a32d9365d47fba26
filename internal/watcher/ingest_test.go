package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/niteru/internal/imageid"
	"github.com/hyperjump/niteru/internal/models"
)

type fakeIngester struct {
	ingested []*models.ImageInput
	deleted  []string
	missing  bool
}

func (f *fakeIngester) Ingest(_ context.Context, in *models.ImageInput) (*models.ImageRecord, error) {
	f.ingested = append(f.ingested, in)
	return &models.ImageRecord{ID: imageid.FromReference(in.SourceRef), SourceRef: in.SourceRef}, nil
}

func (f *fakeIngester) Delete(_ context.Context, id string) error {
	if f.missing {
		return models.ErrNotFound
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func TestDropFolder_Changed(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "shoes", "summer", "red.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("image bytes"), 0600))

	ing := &fakeIngester{}
	NewDropFolder(ing, nil).Changed(context.Background(), root, path)

	require.Len(t, ing.ingested, 1)
	in := ing.ingested[0]
	assert.Equal(t, path, in.SourceRef)
	assert.Equal(t, "shoes", in.Category)
	assert.Equal(t, []byte("image bytes"), in.Data)
}

func TestDropFolder_ChangedMissingFile(t *testing.T) {
	ing := &fakeIngester{}
	NewDropFolder(ing, nil).Changed(context.Background(), "/nowhere", "/nowhere/gone.png")
	assert.Empty(t, ing.ingested)
}

func TestDropFolder_Removed(t *testing.T) {
	ing := &fakeIngester{}
	NewDropFolder(ing, nil).Removed(context.Background(), "/drop", "/drop/a.png")
	assert.Equal(t, []string{imageid.FromReference("/drop/a.png")}, ing.deleted)

	ing = &fakeIngester{missing: true}
	NewDropFolder(ing, nil).Removed(context.Background(), "/drop", "/drop/a.png")
	assert.Empty(t, ing.deleted)
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, "", categoryFor("/drop", "/drop/a.png"))
	assert.Equal(t, "bags", categoryFor("/drop", "/drop/bags/a.png"))
	assert.Equal(t, "bags", categoryFor("/drop", "/drop/bags/leather/a.png"))
	assert.Equal(t, "", categoryFor("/drop", "/elsewhere/a.png"))
}
