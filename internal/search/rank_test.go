package search

import (
	"testing"
	"time"

	"github.com/hyperjump/niteru/internal/models"
)

func TestRank_tieBreak(t *testing.T) {
	t0 := time.Unix(1000, 0)
	mk := func(id string, score float64, at time.Time) *models.SearchResult {
		return &models.SearchResult{Record: &models.ImageRecord{ID: id, IngestedAt: at}, Score: score}
	}
	results := rank([]*models.SearchResult{
		mk("d", 0.5, t0),
		mk("c", 0.9, t0.Add(time.Second)),
		mk("b", 0.9, t0),
		mk("a", 0.9, t0.Add(time.Second)),
	}, 3)

	want := []string{"b", "a", "c"}
	if len(results) != len(want) {
		t.Fatalf("got %d results, want %d", len(results), len(want))
	}
	for i, id := range want {
		if results[i].Record.ID != id {
			t.Errorf("position %d: got %s, want %s", i, results[i].Record.ID, id)
		}
		if results[i].Rank != i+1 {
			t.Errorf("position %d: rank %d", i, results[i].Rank)
		}
	}
}

func TestRank_fewerThanK(t *testing.T) {
	results := rank([]*models.SearchResult{{Record: &models.ImageRecord{ID: "a"}, Score: 1}}, 10)
	if len(results) != 1 || results[0].Rank != 1 {
		t.Errorf("unexpected results: %+v", results)
	}
}
