package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/presenter"
)

func testView() *presenter.ResponseView {
	return &presenter.ResponseView{
		Total:       1,
		K:           5,
		QueryTimeMS: 42,
		IndexMode:   "exact",
		Metric:      "cosine",
		Results: []*presenter.View{
			{
				ID:        "img-1",
				Score:     0.9876,
				Rank:      1,
				SourceRef: "catalog/red-shoe.png",
				Metadata: presenter.Metadata{
					Category:   "shoes",
					Tags:       []string{"red", "leather"},
					Attributes: map[string]string{"size": "42", "color": "red"},
					Width:      640,
					Height:     480,
					Format:     "png",
				},
				ThumbnailRef: "/api/v1/images/img-1/thumbnail",
			},
		},
	}
}

func TestWriteSearchResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, testView(), OutputJSON); err != nil {
		t.Fatalf("WriteSearchResults(json): %v", err)
	}
	var decoded presenter.ResponseView
	if err := json.NewDecoder(&buf).Decode(&decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded.QueryTimeMS != 42 || len(decoded.Results) != 1 || decoded.Results[0].ID != "img-1" {
		t.Errorf("unexpected decoded response: %+v", decoded)
	}
}

func TestWriteSearchResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, testView(), OutputText); err != nil {
		t.Fatalf("WriteSearchResults(text): %v", err)
	}
	out := buf.String()
	for _, sub := range []string{
		"Found 1 results", "42ms", "index: exact", "Rank: 1", "Score: 0.9876", "ID: img-1",
		"Category: shoes", "Tags: red, leather", "Attributes: color=red size=42", "640x480 png",
		"Thumbnail: /api/v1/images/img-1/thumbnail",
	} {
		if !strings.Contains(out, sub) {
			t.Errorf("text output missing %q:\n%s", sub, out)
		}
	}
}

func TestWriteSearchResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSearchResults(&buf, testView(), OutputCompact); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "1\t0.9876\timg-1\tcatalog/red-shoe.png\n" {
		t.Errorf("compact output = %q", got)
	}
}

func TestWriteSearchResults_cacheHitNoted(t *testing.T) {
	view := testView()
	view.CacheHit = true
	var buf bytes.Buffer
	_ = WriteSearchResults(&buf, view, OutputText)
	if !strings.Contains(buf.String(), "cached query embedding") {
		t.Errorf("expected cache note:\n%s", buf.String())
	}
}

func TestParseOutputFormat(t *testing.T) {
	for in, want := range map[string]SearchOutputFormat{"": OutputText, "JSON": OutputJSON, "compact": OutputCompact} {
		got, err := ParseOutputFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseOutputFormat("xml"); !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestWriteIngested(t *testing.T) {
	var buf bytes.Buffer
	recs := []*models.ImageRecord{{ID: "a", SourceRef: "a.png"}, {ID: "b", SourceRef: "b.png"}}
	if err := WriteIngested(&buf, recs, OutputText); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Ingested 2 image(s)") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestPrintSearchResults(t *testing.T) {
	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() {
		os.Stdout = oldStdout
		_ = w.Close()
	}()
	PrintSearchResults(&presenter.ResponseView{})
	_ = w.Close()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	if !strings.Contains(buf.String(), "Found 0 results") {
		t.Errorf("PrintSearchResults should write to stdout; got %q", buf.String())
	}
}
