package keyword

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/niteru/internal/models"
)

const pageSize = 10000

// BleveIndex implements AttributeIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// imageDoc is the indexed form of a record. Category and tags are lowercased
// so filters match case-insensitively; attributes are indexed as exact key=value terms.
type imageDoc struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Attr     []string `json:"attr"`
	Text     string   `json:"text"`
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("category", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("tags", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("attr", keywordFieldMapping)
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer: lowercase + tokenize, no stemming.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("text", textFieldMapping)

	im.AddDocumentMapping("image", docMapping)
	im.DefaultType = "image"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path creates
// an in-memory index, which is what the indexer uses since the attribute index
// is always rebuilt from the store.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create Bleve index: %w", err)
		}
		return &BleveIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func toDoc(rec *models.ImageRecord) *imageDoc {
	doc := &imageDoc{
		ID:       rec.ID,
		Category: strings.ToLower(rec.Category),
	}
	text := []string{sourceName(rec.SourceRef), rec.Category}
	for _, t := range rec.Tags {
		doc.Tags = append(doc.Tags, strings.ToLower(t))
		text = append(text, t)
	}
	for _, k := range rec.SortedAttributeKeys() {
		v := rec.Attributes[k]
		doc.Attr = append(doc.Attr, k+"="+v)
		text = append(text, v)
	}
	doc.Text = strings.Join(text, " ")
	return doc
}

// sourceName turns "catalog/red-sneaker.png" into "red sneaker".
func sourceName(ref string) string {
	if ref == "" {
		return ""
	}
	base := path.Base(ref)
	base = strings.TrimSuffix(base, path.Ext(base))
	return strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(base)
}

// Index adds or replaces the record's document.
func (b *BleveIndex) Index(ctx context.Context, rec *models.ImageRecord) error {
	return b.index.Index(rec.ID, toDoc(rec))
}

// IndexBatch indexes many records in one batch.
func (b *BleveIndex) IndexBatch(ctx context.Context, recs []*models.ImageRecord) error {
	batch := b.index.NewBatch()
	for _, rec := range recs {
		if err := batch.Index(rec.ID, toDoc(rec)); err != nil {
			return err
		}
	}
	return b.index.Batch(batch)
}

// Candidates runs a conjunction of term queries for category, tags and
// attributes plus an all-terms match on the free-text field.
func (b *BleveIndex) Candidates(ctx context.Context, filters *models.Filters) ([]string, error) {
	q := buildQuery(filters)
	var ids []string
	for from := 0; ; from += pageSize {
		req := bleve.NewSearchRequestOptions(q, pageSize, from, false)
		results, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("Bleve search failed: %w", err)
		}
		for _, hit := range results.Hits {
			ids = append(ids, hit.ID)
		}
		if len(results.Hits) < pageSize {
			return ids, nil
		}
	}
}

func buildQuery(filters *models.Filters) blevequery.Query {
	if filters.IsEmpty() {
		return bleve.NewMatchAllQuery()
	}
	var parts []blevequery.Query
	if filters.Category != "" {
		parts = append(parts, termQuery("category", strings.ToLower(filters.Category)))
	}
	for _, t := range filters.Tags {
		parts = append(parts, termQuery("tags", strings.ToLower(t)))
	}
	for k, v := range filters.Attributes {
		parts = append(parts, termQuery("attr", k+"="+v))
	}
	if text := strings.TrimSpace(filters.Text); text != "" {
		mq := bleve.NewMatchQuery(text)
		mq.SetField("text")
		mq.SetOperator(blevequery.MatchQueryOperatorAnd)
		parts = append(parts, mq)
	}
	return bleve.NewConjunctionQuery(parts...)
}

func termQuery(field, term string) blevequery.Query {
	tq := bleve.NewTermQuery(term)
	tq.SetField(field)
	return tq
}

// Delete removes a document from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// DocCount returns the total number of documents in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}
