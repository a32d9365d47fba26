// Package cli renders search results and command output for the niteru CLI.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/hyperjump/niteru/internal/models"
	"github.com/hyperjump/niteru/internal/presenter"
	"github.com/hyperjump/niteru/pkg/utils"
)

// SearchOutputFormat is the format for search result output.
type SearchOutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText SearchOutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact SearchOutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON SearchOutputFormat = "json"
)

// ParseOutputFormat accepts text, compact and json.
func ParseOutputFormat(s string) (SearchOutputFormat, error) {
	switch f := SearchOutputFormat(strings.ToLower(s)); f {
	case OutputText, OutputCompact, OutputJSON:
		return f, nil
	case "":
		return OutputText, nil
	default:
		return "", models.NewConfigError("output", "unknown format %q (supported: text, compact, json)", s)
	}
}

// WriteSearchResults writes search results to w in the given format.
// Use OutputJSON for parseable output consumable by other apps.
func WriteSearchResults(w io.Writer, view *presenter.ResponseView, format SearchOutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, view)
	case OutputCompact:
		for _, r := range view.Results {
			fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\n", r.Rank, r.Score, r.ID, r.SourceRef)
		}
		return nil
	default:
		writeSearchResultsText(w, view)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, view *presenter.ResponseView) {
	fmt.Fprintf(w, "\nFound %d results in %dms (index: %s, metric: %s", view.Total, view.QueryTimeMS, view.IndexMode, view.Metric)
	if view.CacheHit {
		fmt.Fprint(w, ", cached query embedding")
	}
	fmt.Fprint(w, ")\n\n")
	for _, r := range view.Results {
		writeOneResult(w, r)
	}
}

func writeOneResult(w io.Writer, r *presenter.View) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Rank: %d | Score: %.4f\n", r.Rank, r.Score)
	fmt.Fprintf(w, "ID: %s\n", r.ID)
	fmt.Fprintf(w, "Source: %s\n", utils.Truncate(r.SourceRef, 120))
	m := r.Metadata
	if m.Category != "" {
		fmt.Fprintf(w, "Category: %s\n", m.Category)
	}
	if len(m.Tags) > 0 {
		fmt.Fprintf(w, "Tags: %s\n", strings.Join(m.Tags, ", "))
	}
	if len(m.Attributes) > 0 {
		fmt.Fprintf(w, "Attributes: %s\n", formatAttributes(m.Attributes))
	}
	if m.Width > 0 {
		fmt.Fprintf(w, "Image: %dx%d %s\n", m.Width, m.Height, m.Format)
	}
	if r.ThumbnailRef != "" {
		fmt.Fprintf(w, "Thumbnail: %s\n", r.ThumbnailRef)
	}
	fmt.Fprintln(w)
}

func formatAttributes(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + attrs[k]
	}
	return strings.Join(parts, " ")
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(view *presenter.ResponseView) {
	_ = WriteSearchResults(os.Stdout, view, OutputText)
}

// WriteIngested summarizes ingested records.
func WriteIngested(w io.Writer, recs []*models.ImageRecord, format SearchOutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, recs)
	}
	for _, rec := range recs {
		fmt.Fprintf(w, "%s\t%s\n", rec.ID, rec.SourceRef)
	}
	fmt.Fprintf(w, "Ingested %d image(s)\n", len(recs))
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
