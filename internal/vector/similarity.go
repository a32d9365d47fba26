package vector

import (
	"fmt"
	"math"
	"sort"
)

// Metric selects how two vectors are compared.
type Metric string

const (
	// MetricCosine compares by the cosine of the angle between vectors.
	MetricCosine Metric = "cosine"
	// MetricDot compares raw vectors by inner product.
	MetricDot Metric = "dot"
)

// ParseMetric validates a metric name. Empty means cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricCosine, "":
		return MetricCosine, nil
	case MetricDot:
		return MetricDot, nil
	default:
		return "", fmt.Errorf("unknown similarity metric: %s (supported: cosine, dot)", s)
	}
}

// InnerProduct returns the inner product of two vectors (for normalized vectors equals cosine similarity).
func InnerProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// CosineSimilarity returns the cosine of the angle between a and b, 0 when either is zero.
func CosineSimilarity(a, b []float32) float64 {
	na, nb := L2Norm(a), L2Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return InnerProduct(a, b) / (na * nb)
}

// scoreResolution is the granularity of reported scores. Scores closer than
// 2^-32 compare equal, so rounding noise between mathematically equal
// similarities never outranks the tie-break.
const scoreResolution = 1 << 32

func quantize(s float64) float64 {
	return math.Round(s*scoreResolution) / scoreResolution
}

// Score compares a and b under m on the vectors as stored. The indexes rank
// with the same arithmetic, so a score recomputed from a stored vector equals
// the one the index cut off by.
func Score(m Metric, a, b []float32) float64 {
	return score(m, a, L2Norm(a), b, L2Norm(b))
}

// score is Score with precomputed L2 norms.
func score(m Metric, q []float32, qNorm float64, v []float32, vNorm float64) float64 {
	dot := InnerProduct(q, v)
	if m == MetricDot {
		return quantize(dot)
	}
	if qNorm == 0 || vNorm == 0 {
		return 0
	}
	return quantize(dot / (qNorm * vNorm))
}

// topK sorts hits by descending score (ID ascending on ties) and keeps the
// first k plus any further hits tying with the k-th.
func topK(hits []*Result, k int) []*Result {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k >= len(hits) {
		return hits
	}
	end := k
	for end < len(hits) && hits[end].Score == hits[k-1].Score {
		end++
	}
	return hits[:end]
}
