package vector

import (
	"bytes"
	"context"
	"math"
	"testing"
)

func TestMemoryIndex_AddSearch(t *testing.T) {
	idx, err := NewMemoryIndex(2, MetricCosine)
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	ctx := context.Background()

	ids := []string{"image1", "image2", "image3"}
	vecs := [][]float32{{1, 0}, {0, 1}, {0.9, 0.1}}
	if err := idx.Add(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 3 {
		t.Errorf("Size=%d", idx.Size())
	}

	results, err := idx.Search(ctx, []float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "image1" || results[1].ID != "image3" {
		t.Errorf("order = [%s %s], want [image1 image3]", results[0].ID, results[1].ID)
	}
	if math.Abs(results[0].Score-1) > 1e-6 {
		t.Errorf("self similarity = %v, want 1", results[0].Score)
	}
}

func TestMemoryIndex_CosineIgnoresMagnitude(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"long", "short"}, [][]float32{{10, 0}, {0.1, 0.1}})

	results, err := idx.Search(ctx, []float32{3, 0}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != "long" || math.Abs(results[0].Score-1) > 1e-6 {
		t.Errorf("got %s %.4f", results[0].ID, results[0].Score)
	}
}

func TestMemoryIndex_DotKeepsMagnitude(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricDot)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"a", "b"}, [][]float32{{2, 0}, {1, 0}})

	results, _ := idx.Search(ctx, []float32{1, 0}, 2, nil)
	if results[0].ID != "a" || results[0].Score != 2 {
		t.Errorf("got %s %.2f, want a 2.00", results[0].ID, results[0].Score)
	}
}

func TestMemoryIndex_Upsert(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x"}, [][]float32{{1, 0}})
	_ = idx.Add(ctx, []string{"x"}, [][]float32{{0, 1}})
	if idx.Size() != 1 {
		t.Fatalf("upsert should not grow the index, size=%d", idx.Size())
	}
	results, _ := idx.Search(ctx, []float32{0, 1}, 1, nil)
	if results[0].ID != "x" || math.Abs(results[0].Score-1) > 1e-6 {
		t.Errorf("replaced vector not searched: %+v", results[0])
	}
}

func TestMemoryIndex_Remove(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"x", "y", "z"}, [][]float32{{1, 0}, {0, 1}, {1, 1}})
	if err := idx.Remove(ctx, []string{"x", "missing"}); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 2 {
		t.Errorf("expected size 2, got %d", idx.Size())
	}
	if idx.Contains("x") || !idx.Contains("z") {
		t.Error("Contains out of sync after remove")
	}
	results, _ := idx.Search(ctx, []float32{1, 0}, 10, nil)
	for _, r := range results {
		if r.ID == "x" {
			t.Error("removed id returned by search")
		}
	}
	// The swapped entry must still be reachable through the filter.
	results, _ = idx.Search(ctx, []float32{1, 0}, 10, NewFilter([]string{"z"}))
	if len(results) != 1 || results[0].ID != "z" {
		t.Errorf("filter after swap-delete returned %v", results)
	}
}

func TestMemoryIndex_Filter(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"a", "b", "c"}, [][]float32{{1, 0}, {0, 1}, {0.9, 0.1}})

	results, _ := idx.Search(ctx, []float32{1, 0}, 5, NewFilter([]string{"b", "c", "unknown"}))
	if len(results) != 2 || results[0].ID != "c" {
		t.Errorf("filtered results = %v", results)
	}
	results, _ = idx.Search(ctx, []float32{1, 0}, 5, NewFilter(nil))
	if len(results) != 0 {
		t.Errorf("empty filter should allow nothing, got %d", len(results))
	}
}

func TestMemoryIndex_TiesAtCutoffIncluded(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"c", "b", "a"}, [][]float32{{1, 0}, {1, 0}, {1, 0}})

	results, _ := idx.Search(ctx, []float32{1, 0}, 1, nil)
	if len(results) != 3 {
		t.Fatalf("tied entries should all be returned, got %d", len(results))
	}
	if results[0].ID != "a" || results[2].ID != "c" {
		t.Errorf("ties should be ordered by id, got %s..%s", results[0].ID, results[2].ID)
	}
}

func TestMemoryIndex_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	ctx := context.Background()
	if err := idx.Add(ctx, []string{"a"}, [][]float32{{1, 0, 0}}); err == nil {
		t.Error("expected error for wrong dimension on add")
	}
	if _, err := idx.Search(ctx, []float32{1}, 1, nil); err == nil {
		t.Error("expected error for wrong query dimension")
	}
}

func TestMemoryIndex_EmptySearch(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	results, err := idx.Search(context.Background(), []float32{1, 0}, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("empty index returned %d results", len(results))
	}
}

func TestMemoryIndex_SaveLoad(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"a", "b"}, [][]float32{{1, 0}, {0, 1}})

	var buf bytes.Buffer
	if err := idx.Save(&buf); err != nil {
		t.Fatal(err)
	}
	loaded, _ := NewMemoryIndex(2, MetricCosine)
	if err := loaded.Load(bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 || !loaded.Contains("b") {
		t.Errorf("loaded index size=%d", loaded.Size())
	}

	wrong, _ := NewMemoryIndex(3, MetricCosine)
	if err := wrong.Load(bytes.NewReader(buf.Bytes())); err == nil {
		t.Error("expected dimension mismatch on load")
	}
}

func TestMemoryIndex_ScoresMatchScore(t *testing.T) {
	ids, vecs := randomVectors(200, 16, 5)
	ctx := context.Background()
	for _, metric := range []Metric{MetricCosine, MetricDot} {
		idx, _ := NewMemoryIndex(16, metric)
		if err := idx.Add(ctx, ids, vecs); err != nil {
			t.Fatal(err)
		}
		byID := make(map[string][]float32, len(ids))
		for i, id := range ids {
			byID[id] = vecs[i]
		}
		query := vecs[17]
		results, err := idx.Search(ctx, query, 10, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range results {
			if want := Score(metric, query, byID[r.ID]); r.Score != want {
				t.Errorf("%s: index score for %s = %v, Score = %v", metric, r.ID, r.Score, want)
			}
		}
	}
}

func TestMemoryIndex_ColinearVectorsTie(t *testing.T) {
	idx, _ := NewMemoryIndex(4, MetricCosine)
	ctx := context.Background()
	_ = idx.Add(ctx, []string{"z-large", "a-small"}, [][]float32{{3, 6, 9, 12}, {1, 2, 3, 4}})

	results, err := idx.Search(ctx, []float32{2, 1, 4, 3}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("colinear entries should tie at the cutoff, got %d results", len(results))
	}
	if results[0].Score != results[1].Score {
		t.Errorf("scores differ: %v vs %v", results[0].Score, results[1].Score)
	}
}
