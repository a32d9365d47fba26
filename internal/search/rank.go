package search

import (
	"sort"

	"github.com/hyperjump/niteru/internal/models"
)

// rank orders results by descending score, then earlier ingestion, then ID,
// truncates to k and assigns 1-based ranks.
func rank(results []*models.SearchResult, k int) []*models.SearchResult {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Record.IngestedAt.Equal(b.Record.IngestedAt) {
			return a.Record.IngestedAt.Before(b.Record.IngestedAt)
		}
		return a.Record.ID < b.Record.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	for i, r := range results {
		r.Rank = i + 1
	}
	return results
}
