package vector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ids, vecs := randomVectors(200, 4, 1)
	for _, typ := range []IndexType{IndexTypeExact, IndexTypeApproximate} {
		for _, comp := range []string{CompressionNone, CompressionZstd, CompressionLZ4} {
			t.Run(string(typ)+"/"+comp, func(t *testing.T) {
				opts := Options{Dimensions: 4, Metric: MetricCosine, HNSW: HNSWConfig{Seed: 3}}
				idx, err := NewVectorIndex(typ, opts)
				if err != nil {
					t.Fatal(err)
				}
				if err := idx.Add(ctx, ids, vecs); err != nil {
					t.Fatal(err)
				}
				path := filepath.Join(t.TempDir(), "idx", "vectors.snap")
				if err := SaveSnapshot(path, idx, comp); err != nil {
					t.Fatal(err)
				}
				loaded, err := LoadSnapshot(path, opts)
				if err != nil {
					t.Fatal(err)
				}
				if loaded.Type() != typ || loaded.Size() != 200 {
					t.Errorf("loaded %s with %d entries", loaded.Type(), loaded.Size())
				}
				got, _ := loaded.Search(ctx, vecs[7], 1, nil)
				if len(got) == 0 || got[0].ID != ids[7] {
					t.Errorf("self query after load returned %v", got)
				}
			})
		}
	}
}

func TestLoadSnapshot_Missing(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "none.snap"), Options{Dimensions: 2})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoadSnapshot_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap")
	if err := os.WriteFile(path, []byte("not a snapshot"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadSnapshot(path, Options{Dimensions: 2})
	if !errors.Is(err, ErrInvalidSnapshot) {
		t.Errorf("err = %v, want ErrInvalidSnapshot", err)
	}
}

func TestLoadSnapshot_DimensionMismatch(t *testing.T) {
	idx, _ := NewMemoryIndex(2, MetricCosine)
	_ = idx.Add(context.Background(), []string{"a"}, [][]float32{{1, 0}})
	path := filepath.Join(t.TempDir(), "v.snap")
	if err := SaveSnapshot(path, idx, CompressionZstd); err != nil {
		t.Fatal(err)
	}
	_, err := LoadSnapshot(path, Options{Dimensions: 3, Metric: MetricCosine})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}
