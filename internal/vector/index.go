// Package vector provides k-nearest-neighbour indexes over embedding vectors.
package vector

import (
	"context"
	"errors"
	"io"
)

// ErrDimensionMismatch is returned when a vector or snapshot does not match the index dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Index defines vector storage and similarity search. Implementations are
// safe for concurrent use; Add replaces an existing entry with the same ID.
type Index interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	// Search returns at most k hits ordered by descending score. Entries whose
	// score ties with the k-th hit are included as well so callers can apply
	// their own deterministic tie-break. filter restricts candidates; nil allows all.
	Search(ctx context.Context, query []float32, k int, filter *Filter) ([]*Result, error)
	// Remove drops ids. Unknown ids are ignored.
	Remove(ctx context.Context, ids []string) error
	Contains(id string) bool
	Size() int
	Dimensions() int
	Type() IndexType
	Metric() Metric
	// Save writes the index payload to w; Load replaces the contents from r.
	Save(w io.Writer) error
	Load(r io.Reader) error
	Close() error
}

// Result is a single vector search hit.
type Result struct {
	ID    string
	Score float64 // cosine similarity in [-1, 1] or raw inner product
}
