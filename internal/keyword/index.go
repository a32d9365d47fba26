// Package keyword provides the attribute and text index used to narrow
// similarity search candidates.
package keyword

import (
	"context"

	"github.com/hyperjump/niteru/internal/models"
)

// AttributeIndex maps filters to the set of image IDs satisfying them.
type AttributeIndex interface {
	Index(ctx context.Context, rec *models.ImageRecord) error
	IndexBatch(ctx context.Context, recs []*models.ImageRecord) error
	Delete(ctx context.Context, id string) error
	// Candidates returns every ID matching all set fields of filters.
	Candidates(ctx context.Context, filters *models.Filters) ([]string, error)
	DocCount() (uint64, error)
	Close() error
}
