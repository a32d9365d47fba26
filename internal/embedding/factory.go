package embedding

import (
	"github.com/hyperjump/niteru/internal/config"
	"github.com/hyperjump/niteru/internal/models"
)

// NewProvider creates the provider selected by cfg.Provider.
func NewProvider(cfg *config.EmbeddingConfig) (Provider, error) {
	switch cfg.Provider {
	case "mock":
		return NewMockProvider(cfg.Dimensions).WithVersion(cfg.ModelVersion), nil
	case "http":
		return NewHTTPProvider(HTTPConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.ModelVersion,
			APIKey:            cfg.APIKey,
			Dimensions:        cfg.Dimensions,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}), nil
	case "onnx":
		p, err := NewONNXProvider(cfg.ModelPath, cfg.Dimensions, cfg.InputSize, cfg.ModelVersion)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, models.NewConfigError("embedding.provider", "unknown provider %q", cfg.Provider)
	}
}

// NewFromConfig builds the full embedding stack: provider, contract adapter,
// and cache. The returned embedder owns the provider.
func NewFromConfig(cfg *config.EmbeddingConfig, opts ...AdapterOption) (*CachedEmbedder, error) {
	p, err := NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	a, err := NewAdapter(p, cfg.Dimensions, cfg.MaxImageBytes, cfg.ProviderTimeout(), opts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	return NewCachedEmbedder(a, NewEmbeddingCache(cfg.CacheCapacity, cfg.CacheTTL), a.metrics), nil
}
