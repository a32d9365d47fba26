package presenter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/niteru/internal/blob"
	"github.com/hyperjump/niteru/internal/models"
)

type fakePresigner struct {
	blob.Store
	err error
}

func (f *fakePresigner) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://blobs.example/" + key + "?ttl=" + ttl.String(), nil
}

func testResponse() *models.SearchResponse {
	return &models.SearchResponse{
		Results: []*models.SearchResult{
			{Record: &models.ImageRecord{ID: "a", SourceRef: "catalog/a.png", Category: "shoes", ThumbnailRef: "thumbnails/a.jpg", Width: 8, Height: 6, Format: "png"}, Score: 0.99, Rank: 1},
			{Record: &models.ImageRecord{ID: "b", SourceRef: "catalog/b.png"}, Score: 0.5, Rank: 2},
		},
		Total: 2, K: 2, QueryTime: 3, IndexMode: "exact", Metric: "cosine",
	}
}

func TestPresent_templateResolver(t *testing.T) {
	local, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	p := New(NewThumbnailResolver(local, time.Minute, "", nil))

	view := p.Present(context.Background(), testResponse())
	require.Len(t, view.Results, 2)
	assert.Equal(t, "a", view.Results[0].ID)
	assert.Equal(t, 1, view.Results[0].Rank)
	assert.Equal(t, "/api/v1/images/a/thumbnail", view.Results[0].ThumbnailRef)
	assert.Empty(t, view.Results[1].ThumbnailRef, "records without thumbnails get no reference")
	assert.Equal(t, "shoes", view.Results[0].Metadata.Category)
	assert.Equal(t, "exact", view.IndexMode)

	raw, err := json.Marshal(view.Results[0])
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"id", "score", "rank", "metadata", "thumbnail_reference"} {
		assert.Contains(t, decoded, key)
	}
}

func TestPresent_presignedThumbnails(t *testing.T) {
	p := New(NewThumbnailResolver(&fakePresigner{}, time.Minute, "", nil))
	view := p.Present(context.Background(), testResponse())
	assert.Equal(t, "https://blobs.example/thumbnails/a.jpg?ttl=1m0s", view.Results[0].ThumbnailRef)
}

func TestPresent_presignFailureFallsBack(t *testing.T) {
	p := New(NewThumbnailResolver(&fakePresigner{err: errors.New("offline")}, time.Minute, "/thumbs/{id}", nil))
	view := p.Present(context.Background(), testResponse())
	assert.Equal(t, "/thumbs/a", view.Results[0].ThumbnailRef)
}

func TestImage_reportsVectorDimensions(t *testing.T) {
	p := New(nil)
	view := p.Image(context.Background(), &models.Item{
		Record: &models.ImageRecord{ID: "a", ThumbnailRef: "thumbnails/a.jpg"},
		Vector: make([]float32, 512),
	})
	assert.Equal(t, 512, view.VectorDimensions)
	assert.Equal(t, "/api/v1/images/a/thumbnail", view.ThumbnailRef)
}
