package vector

import (
	"fmt"

	"github.com/hyperjump/niteru/internal/config"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeExact scores every candidate. Results are always exact.
	IndexTypeExact IndexType = "exact"
	// IndexTypeApproximate walks an HNSW graph, trading recall for latency on large stores.
	IndexTypeApproximate IndexType = "approximate"
)

// Mode values accepted in configuration.
const (
	ModeExact       = "exact"
	ModeApproximate = "approximate"
	ModeAuto        = "auto"
)

// Options holds everything needed to construct an index.
type Options struct {
	Dimensions     int
	Metric         Metric
	Mode           string
	ExactThreshold int
	RecallTarget   float64
	HNSW           HNSWConfig
}

// OptionsFromConfig derives index options from configuration.
func OptionsFromConfig(idx *config.IndexConfig, dimensions int) (Options, error) {
	metric, err := ParseMetric(idx.Metric)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Dimensions:     dimensions,
		Metric:         metric,
		Mode:           idx.Mode,
		ExactThreshold: idx.ExactThreshold,
		RecallTarget:   idx.ApproximateRecallTarget,
		HNSW: HNSWConfig{
			M:              idx.HNSWM,
			EfConstruction: idx.HNSWEfConstruction,
			EfSearch:       EfSearchForRecall(idx.ApproximateRecallTarget),
			Seed:           idx.Seed,
		},
	}, nil
}

// ResolveType picks the index type for mode given the current store size.
// In auto mode stores below the threshold use the exact index.
func (o Options) ResolveType(size int) (IndexType, error) {
	switch o.Mode {
	case ModeExact:
		return IndexTypeExact, nil
	case ModeApproximate:
		return IndexTypeApproximate, nil
	case ModeAuto, "":
		if size < o.ExactThreshold {
			return IndexTypeExact, nil
		}
		return IndexTypeApproximate, nil
	default:
		return "", fmt.Errorf("unknown index mode: %s (supported: exact, approximate, auto)", o.Mode)
	}
}

// NewVectorIndex creates a vector index of the given type.
func NewVectorIndex(t IndexType, opts Options) (Index, error) {
	switch t {
	case IndexTypeExact:
		idx, err := NewMemoryIndex(opts.Dimensions, opts.Metric)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case IndexTypeApproximate:
		cfg := opts.HNSW
		if cfg.EfSearch == 0 && opts.RecallTarget > 0 {
			cfg.EfSearch = EfSearchForRecall(opts.RecallTarget)
		}
		idx, err := NewHNSWIndex(opts.Dimensions, opts.Metric, cfg)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: exact, approximate)", t)
	}
}

// NewForSize resolves the type for size and creates the index.
func NewForSize(opts Options, size int) (Index, error) {
	t, err := opts.ResolveType(size)
	if err != nil {
		return nil, err
	}
	return NewVectorIndex(t, opts)
}
