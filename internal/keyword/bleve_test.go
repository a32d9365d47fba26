package keyword

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/hyperjump/niteru/internal/models"
)

func testRecords() []*models.ImageRecord {
	return []*models.ImageRecord{
		{ID: "a", SourceRef: "catalog/red-sneaker.png", Category: "Shoes", Tags: []string{"Red", "sport"}, Attributes: map[string]string{"color": "red", "brand": "acme"}},
		{ID: "b", SourceRef: "catalog/blue-boot.png", Category: "shoes", Tags: []string{"blue"}, Attributes: map[string]string{"color": "blue"}},
		{ID: "c", SourceRef: "catalog/tote.jpg", Category: "bags", Tags: []string{"red"}, Attributes: map[string]string{"color": "red"}},
	}
}

func newTestIndex(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex("")
	if err != nil {
		t.Fatalf("NewBleveIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	if err := idx.IndexBatch(context.Background(), testRecords()); err != nil {
		t.Fatalf("IndexBatch: %v", err)
	}
	return idx
}

func candidates(t *testing.T, idx *BleveIndex, f *models.Filters) []string {
	t.Helper()
	ids, err := idx.Candidates(context.Background(), f)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	sort.Strings(ids)
	return ids
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBleveIndex_Candidates(t *testing.T) {
	idx := newTestIndex(t)

	tests := []struct {
		name    string
		filters *models.Filters
		want    []string
	}{
		{"category is case-insensitive", &models.Filters{Category: "SHOES"}, []string{"a", "b"}},
		{"tag", &models.Filters{Tags: []string{"red"}}, []string{"a", "c"}},
		{"tags are conjunctive", &models.Filters{Tags: []string{"red", "sport"}}, []string{"a"}},
		{"attribute", &models.Filters{Attributes: map[string]string{"color": "red"}}, []string{"a", "c"}},
		{"attribute value must match exactly", &models.Filters{Attributes: map[string]string{"color": "re"}}, nil},
		{"category and attribute", &models.Filters{Category: "shoes", Attributes: map[string]string{"color": "red"}}, []string{"a"}},
		{"free text over source name", &models.Filters{Text: "sneaker"}, []string{"a"}},
		{"free text requires all terms", &models.Filters{Text: "red tote"}, []string{"c"}},
		{"no match", &models.Filters{Category: "hats"}, nil},
		{"empty filters match all", &models.Filters{}, []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := candidates(t, idx, tt.filters)
			if !equal(got, tt.want) {
				t.Errorf("Candidates() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBleveIndex_ReindexAndDelete(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	rec := testRecords()[0]
	rec.Category = "bags"
	if err := idx.Index(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if got := candidates(t, idx, &models.Filters{Category: "bags"}); !equal(got, []string{"a", "c"}) {
		t.Errorf("after reindex: %v", got)
	}

	if err := idx.Delete(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if got := candidates(t, idx, &models.Filters{Category: "bags"}); !equal(got, []string{"a"}) {
		t.Errorf("after delete: %v", got)
	}
	n, err := idx.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("DocCount = %d, want 2", n)
	}
}

func TestBleveIndex_OnDiskReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrs.bleve")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Index(context.Background(), testRecords()[2]); err != nil {
		t.Fatal(err)
	}
	_ = idx.Close()

	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if got := candidates(t, reopened, &models.Filters{Tags: []string{"red"}}); !equal(got, []string{"c"}) {
		t.Errorf("reopened index: %v", got)
	}
}
