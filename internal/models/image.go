// Package models defines core data structures for images, queries, and search results.
package models

import (
	"sort"
	"strings"
	"time"
)

// ImageRecord is the metadata of a stored image. The embedding vector is kept
// alongside it by the store but is never part of the record itself.
type ImageRecord struct {
	ID           string            `json:"id"`
	SourceRef    string            `json:"source_reference"`
	Category     string            `json:"category,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	ContentHash  string            `json:"content_hash"`
	ModelVersion string            `json:"model_version"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	Format       string            `json:"format"`
	SizeBytes    int64             `json:"size_bytes"`
	ThumbnailRef string            `json:"thumbnail_reference,omitempty"`
	IngestedAt   time.Time         `json:"ingested_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *ImageRecord) Clone() *ImageRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Attributes != nil {
		c.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Item pairs a record with its embedding vector. It is the unit the store
// persists atomically.
type Item struct {
	Record *ImageRecord
	Vector []float32
}

// ImageInput describes an image to ingest. Data may carry the raw bytes
// directly; when empty the bytes are read from the blob store at SourceRef.
type ImageInput struct {
	ID         string            `json:"id,omitempty"`
	SourceRef  string            `json:"source_reference"`
	Category   string            `json:"category,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Data       []byte            `json:"-"`
}

// MetadataPatch updates the mutable parts of a record. Nil fields are left untouched.
type MetadataPatch struct {
	Category   *string           `json:"category,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Apply writes the patch onto r and reports whether anything changed.
func (p *MetadataPatch) Apply(r *ImageRecord) bool {
	changed := false
	if p.Category != nil && *p.Category != r.Category {
		r.Category = *p.Category
		changed = true
	}
	if p.Tags != nil {
		r.Tags = append([]string(nil), p.Tags...)
		changed = true
	}
	if p.Attributes != nil {
		r.Attributes = make(map[string]string, len(p.Attributes))
		for k, v := range p.Attributes {
			r.Attributes[k] = v
		}
		changed = true
	}
	return changed
}

// ListFilter narrows a store listing. Zero values match everything.
type ListFilter struct {
	Category   string
	Attributes map[string]string
	Offset     int
	Limit      int
}

// Matches reports whether r satisfies the category and attribute constraints of f.
func (f *ListFilter) Matches(r *ImageRecord) bool {
	if f == nil {
		return true
	}
	if f.Category != "" && !strings.EqualFold(f.Category, r.Category) {
		return false
	}
	for k, v := range f.Attributes {
		if r.Attributes[k] != v {
			return false
		}
	}
	return true
}

// SortedAttributeKeys returns the attribute keys of r in lexical order.
func (r *ImageRecord) SortedAttributeKeys() []string {
	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
