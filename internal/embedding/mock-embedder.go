package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sync/atomic"
	"time"
)

// MockProvider is a deterministic provider for tests and demos. It returns a
// fixed-dimension vector derived from the content hash so the same bytes always
// get the same embedding.
type MockProvider struct {
	dimensions int
	version    string
	calls      atomic.Int64

	// Delay is waited before answering; the call honours ctx while waiting.
	Delay time.Duration
	// Vectors overrides the output for specific content hashes (see imaging.ContentHash).
	Vectors map[string][]float32
}

// NewMockProvider returns a provider that produces deterministic embeddings of the given dimensions.
func NewMockProvider(dimensions int) *MockProvider {
	if dimensions <= 0 {
		dimensions = 512
	}
	return &MockProvider{dimensions: dimensions, version: "mock-v1"}
}

// WithVersion sets the reported model version.
func (p *MockProvider) WithVersion(v string) *MockProvider {
	p.version = v
	return p
}

// Name returns "mock".
func (p *MockProvider) Name() string { return "mock" }

// Embed returns a deterministic embedding based on the content hash.
func (p *MockProvider) Embed(ctx context.Context, img *Image) ([]float32, error) {
	p.calls.Add(1)
	if p.Delay > 0 {
		t := time.NewTimer(p.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	sum := sha256.Sum256(img.Raw)
	if p.Vectors != nil {
		if v, ok := p.Vectors[hex.EncodeToString(sum[:])]; ok {
			return append([]float32(nil), v...), nil
		}
	}
	h := float64(binary.LittleEndian.Uint32(sum[:4])%10007) + 1
	emb := make([]float32, p.dimensions)
	for i := 0; i < p.dimensions; i++ {
		emb[i] = float32(math.Sin(h*float64(i+1))*0.1 + 0.01)
	}
	// Normalize to unit length for cosine similarity
	var s float64
	for _, v := range emb {
		s += float64(v * v)
	}
	if s > 0 {
		norm := 1.0 / math.Sqrt(s)
		for i := range emb {
			emb[i] *= float32(norm)
		}
	}
	return emb, nil
}

// Calls returns how many times Embed was invoked.
func (p *MockProvider) Calls() int64 { return p.calls.Load() }

// Dimensions returns the embedding dimension.
func (p *MockProvider) Dimensions() int { return p.dimensions }

// ModelVersion returns the configured model version.
func (p *MockProvider) ModelVersion() string { return p.version }

// Close is a no-op for MockProvider.
func (p *MockProvider) Close() error { return nil }
