package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/niteru/internal/imaging"
	"github.com/hyperjump/niteru/internal/metrics"
	"github.com/hyperjump/niteru/internal/models"
)

// Adapter wraps a Provider and enforces the embedding contract: bounded and
// decodable input, a per-call deadline, and vectors of exactly the configured
// dimension with finite components. It never retries.
type Adapter struct {
	provider   Provider
	dimensions int
	maxBytes   int64
	timeout    time.Duration
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets a logger for debug output.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) { a.logger = l }
}

// WithMetrics records provider calls.
func WithMetrics(m *metrics.Metrics) AdapterOption {
	return func(a *Adapter) { a.metrics = m }
}

// NewAdapter returns an Adapter expecting vectors of length dimensions.
// A ConfigurationError is returned when the provider reports a different dimension.
func NewAdapter(p Provider, dimensions int, maxBytes int64, timeout time.Duration, opts ...AdapterOption) (*Adapter, error) {
	if dimensions <= 0 {
		return nil, models.NewConfigError("embedding.embedding_dimension", "must be positive, got %d", dimensions)
	}
	if pd := p.Dimensions(); pd > 0 && pd != dimensions {
		return nil, models.NewConfigError("embedding.embedding_dimension",
			"provider %s produces %d dimensions, configured %d", p.Name(), pd, dimensions)
	}
	if timeout <= 0 {
		return nil, models.NewConfigError("embedding.provider_timeout_ms", "must be positive")
	}
	a := &Adapter{
		provider:   p,
		dimensions: dimensions,
		maxBytes:   maxBytes,
		timeout:    timeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type embedResult struct {
	vec []float32
	err error
}

// Embed validates img, calls the provider under the configured deadline, and
// checks the returned vector.
func (a *Adapter) Embed(ctx context.Context, img []byte) ([]float32, error) {
	return a.EmbedDecoded(ctx, img, nil)
}

// EmbedDecoded skips validation when decoded is set.
func (a *Adapter) EmbedDecoded(ctx context.Context, img []byte, decoded *imaging.Decoded) ([]float32, error) {
	if decoded == nil {
		var err error
		if decoded, err = imaging.Decode(img, a.maxBytes); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan embedResult, 1)
	go func() {
		vec, err := a.provider.Embed(ctx, &Image{Raw: img, Decoded: decoded})
		done <- embedResult{vec: vec, err: err}
	}()

	var res embedResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = embedResult{err: ctx.Err()}
	}
	elapsed := time.Since(start)

	if res.err != nil {
		err := a.classify(ctx, res.err)
		a.metrics.ObserveProvider(a.provider.Name(), outcomeLabel(err), elapsed)
		if a.logger != nil {
			a.logger.Debug("embedding failed", zap.String("provider", a.provider.Name()),
				zap.Duration("elapsed", elapsed), zap.Error(err))
		}
		return nil, err
	}
	if err := a.check(res.vec); err != nil {
		a.metrics.ObserveProvider(a.provider.Name(), "contract_violation", elapsed)
		return nil, err
	}
	a.metrics.ObserveProvider(a.provider.Name(), "ok", elapsed)

	out := make([]float32, len(res.vec))
	copy(out, res.vec)
	return out, nil
}

func (a *Adapter) classify(ctx context.Context, err error) error {
	if errors.Is(err, models.ErrInvalidImage) || errors.Is(err, models.ErrProviderContract) ||
		errors.Is(err, models.ErrProviderUnavailable) {
		return err
	}
	if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return &models.ProviderUnavailableError{Provider: a.provider.Name(), Err: err}
}

func (a *Adapter) check(vec []float32) error {
	if len(vec) != a.dimensions {
		return &models.ProviderContractViolation{Expected: a.dimensions, Got: len(vec)}
	}
	for i, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return &models.ProviderContractViolation{
				Expected: a.dimensions,
				Got:      len(vec),
				Reason:   fmt.Sprintf("non-finite value at index %d", i),
			}
		}
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, models.ErrProviderContract):
		return "contract_violation"
	default:
		return "unavailable"
	}
}

// Dimensions returns the enforced embedding dimension.
func (a *Adapter) Dimensions() int { return a.dimensions }

// ModelVersion returns the provider's model version.
func (a *Adapter) ModelVersion() string { return a.provider.ModelVersion() }

// Provider returns the wrapped provider.
func (a *Adapter) Provider() Provider { return a.provider }

// Close closes the provider.
func (a *Adapter) Close() error { return a.provider.Close() }
