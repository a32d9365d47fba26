// Package embedding turns images into fixed-dimension vectors through a
// pluggable provider, enforcing the provider contract and caching results.
package embedding

import (
	"context"

	"github.com/hyperjump/niteru/internal/imaging"
)

// Image is a validated input handed to a Provider.
type Image struct {
	Raw []byte
	*imaging.Decoded
}

// Provider is a raw embedding backend. Implementations need not enforce the
// dimension contract or timeouts; Adapter does.
type Provider interface {
	Name() string
	Embed(ctx context.Context, img *Image) ([]float32, error)
	Dimensions() int
	ModelVersion() string
	Close() error
}

// Embedder produces contract-checked embeddings for raw image bytes.
type Embedder interface {
	Embed(ctx context.Context, img []byte) ([]float32, error)
	// EmbedDecoded is Embed for bytes the caller already validated and
	// decoded. A nil decoded falls back to Embed.
	EmbedDecoded(ctx context.Context, img []byte, decoded *imaging.Decoded) ([]float32, error)
	Dimensions() int
	ModelVersion() string
	Close() error
}
