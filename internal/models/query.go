package models

import (
	"math"
	"strings"
)

// Filters narrow the candidate set before similarity ranking. All set fields must match.
type Filters struct {
	Category   string            `json:"category,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
}

// IsEmpty reports whether no filter is set.
func (f *Filters) IsEmpty() bool {
	if f == nil {
		return true
	}
	return f.Category == "" && len(f.Tags) == 0 && len(f.Attributes) == 0 && strings.TrimSpace(f.Text) == ""
}

// SearchQuery represents a similarity search by vector.
type SearchQuery struct {
	Vector  []float32 `json:"vector"`
	K       int       `json:"k,omitempty"`
	Filters *Filters  `json:"filters,omitempty"`
	// ExcludeID drops one identity from the results (the query image itself when searching by id).
	ExcludeID string `json:"exclude_id,omitempty"`
}

// Validate checks k and the vector against the configured bounds. k == 0 is
// replaced by defaultK.
func (q *SearchQuery) Validate(defaultK, maxK, dimensions int) error {
	if q.K == 0 {
		q.K = defaultK
	}
	if q.K < 0 {
		return NewConfigError("k", "must be positive, got %d", q.K)
	}
	if maxK > 0 && q.K > maxK {
		return NewConfigError("k", "%d exceeds max_k %d", q.K, maxK)
	}
	if len(q.Vector) != dimensions {
		return NewConfigError("vector", "expected %d dimensions, got %d", dimensions, len(q.Vector))
	}
	for _, v := range q.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return NewConfigError("vector", "contains non-finite values")
		}
	}
	return nil
}

// ParseAttributes turns "key=value" pairs into an attribute map. It returns
// nil for no pairs.
func ParseAttributes(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, NewConfigError("attributes", "expected key=value, got %q", p)
		}
		attrs[k] = strings.TrimSpace(v)
	}
	return attrs, nil
}
