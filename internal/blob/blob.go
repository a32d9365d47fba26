// Package blob stores raw image bytes and thumbnails behind a small key/value
// interface with local, MinIO and S3 backends.
package blob

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/hyperjump/niteru/internal/models"
)

// ErrNotFound is returned when a key does not exist. It matches models.ErrNotFound.
var ErrNotFound = fmt.Errorf("blob %w", models.ErrNotFound)

// Store is a flat key/value store for image bytes. Keys are slash separated.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Delete is idempotent: deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Presigner is implemented by backends that can hand out time-limited GET URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ThumbnailKey returns the key a thumbnail for id is stored under.
func ThumbnailKey(id string) string {
	return "thumbnails/" + id + ".jpg"
}

// ImageKey returns the key uploaded image bytes for id are stored under.
func ImageKey(id, format string) string {
	if format == "" {
		return "images/" + id
	}
	return "images/" + id + "." + format
}

func joinPrefix(prefix, key string) string {
	key = strings.TrimPrefix(key, "/")
	if prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}
