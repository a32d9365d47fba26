// Package storage defines the persistence interface for image records and their embedding vectors.
package storage

import (
	"context"

	"github.com/hyperjump/niteru/internal/models"
)

// Store persists image records together with their embedding vectors. Record
// and vector are always written and removed together.
type Store interface {
	// Put inserts or replaces the item with the same ID. The first ingestion
	// time of an existing record is preserved.
	Put(ctx context.Context, item *models.Item) error
	// BulkPut writes all items in one transaction; either every item is stored or none is.
	BulkPut(ctx context.Context, items []*models.Item) error
	// Get returns models.ErrNotFound when id is absent.
	Get(ctx context.Context, id string) (*models.Item, error)
	// GetMany reads all present ids from one consistent snapshot. Absent ids are omitted.
	GetMany(ctx context.Context, ids []string) (map[string]*models.Item, error)
	// Delete returns models.ErrNotFound when id is absent.
	Delete(ctx context.Context, id string) error
	// UpdateMetadata applies patch to the record's category, tags and attributes.
	UpdateMetadata(ctx context.Context, id string, patch *models.MetadataPatch) (*models.ImageRecord, error)
	// List returns records ordered by ingestion time, then ID.
	List(ctx context.Context, filter *models.ListFilter) ([]*models.ImageRecord, error)
	// ForEach calls fn for every item in ingestion order. Iteration stops at the
	// first error from fn or when ctx is done. fn must not call back into the store.
	ForEach(ctx context.Context, fn func(*models.Item) error) error
	Count(ctx context.Context) (int64, error)
	// Dimensions is the embedding dimension fixed for this store.
	Dimensions() int
	Close() error
}
