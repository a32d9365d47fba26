// Package presenter turns search responses into serializable result views.
package presenter

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/niteru/internal/blob"
	"github.com/hyperjump/niteru/internal/models"
)

// DefaultThumbnailTemplate is the API route serving thumbnails when the blob
// backend cannot presign URLs. "{id}" is replaced with the image ID.
const DefaultThumbnailTemplate = "/api/v1/images/{id}/thumbnail"

// Metadata is the descriptive part of a view.
type Metadata struct {
	Category   string            `json:"category,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Width      int               `json:"width"`
	Height     int               `json:"height"`
	Format     string            `json:"format"`
	IngestedAt time.Time         `json:"ingested_at"`
}

// View is one presented search hit.
type View struct {
	ID           string   `json:"id"`
	Score        float64  `json:"score"`
	Rank         int      `json:"rank"`
	SourceRef    string   `json:"source_reference"`
	Metadata     Metadata `json:"metadata"`
	ThumbnailRef string   `json:"thumbnail_reference,omitempty"`
}

// ResponseView is a presented search response.
type ResponseView struct {
	Results     []*View `json:"results"`
	Total       int     `json:"total"`
	K           int     `json:"k"`
	QueryTimeMS int64   `json:"query_time_ms"`
	IndexMode   string  `json:"index_mode"`
	Metric      string  `json:"metric"`
	CacheHit    bool    `json:"cache_hit,omitempty"`
}

// ImageView presents a single stored image.
type ImageView struct {
	ID               string    `json:"id"`
	SourceRef        string    `json:"source_reference"`
	Metadata         Metadata  `json:"metadata"`
	ContentHash      string    `json:"content_hash"`
	ModelVersion     string    `json:"model_version"`
	SizeBytes        int64     `json:"size_bytes"`
	VectorDimensions int       `json:"vector_dimensions"`
	ThumbnailRef     string    `json:"thumbnail_reference,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ThumbnailResolver maps a record to a URL or path a client can fetch its thumbnail from.
type ThumbnailResolver interface {
	Resolve(ctx context.Context, rec *models.ImageRecord) string
}

// TemplateResolver fills an API route template with the image ID.
type TemplateResolver struct {
	Template string
}

// Resolve returns "" for records without a thumbnail.
func (t TemplateResolver) Resolve(_ context.Context, rec *models.ImageRecord) string {
	if rec.ThumbnailRef == "" {
		return ""
	}
	return strings.ReplaceAll(t.Template, "{id}", rec.ID)
}

// PresignResolver hands out presigned blob URLs and falls back to Fallback
// when presigning fails.
type PresignResolver struct {
	Presigner blob.Presigner
	TTL       time.Duration
	Fallback  ThumbnailResolver
	Logger    *zap.Logger
}

// Resolve presigns the thumbnail key of rec.
func (p PresignResolver) Resolve(ctx context.Context, rec *models.ImageRecord) string {
	if rec.ThumbnailRef == "" {
		return ""
	}
	url, err := p.Presigner.PresignGet(ctx, rec.ThumbnailRef, p.TTL)
	if err == nil {
		return url
	}
	if p.Logger != nil {
		p.Logger.Warn("presign thumbnail failed", zap.String("id", rec.ID), zap.Error(err))
	}
	return p.Fallback.Resolve(ctx, rec)
}

// NewThumbnailResolver presigns when store supports it and otherwise points
// at the API route in template (DefaultThumbnailTemplate when empty).
func NewThumbnailResolver(store blob.Store, ttl time.Duration, template string, logger *zap.Logger) ThumbnailResolver {
	if template == "" {
		template = DefaultThumbnailTemplate
	}
	fallback := TemplateResolver{Template: template}
	if p, ok := store.(blob.Presigner); ok {
		return PresignResolver{Presigner: p, TTL: ttl, Fallback: fallback, Logger: logger}
	}
	return fallback
}

// Presenter builds views.
type Presenter struct {
	resolver ThumbnailResolver
}

// New returns a Presenter. A nil resolver uses DefaultThumbnailTemplate.
func New(resolver ThumbnailResolver) *Presenter {
	if resolver == nil {
		resolver = TemplateResolver{Template: DefaultThumbnailTemplate}
	}
	return &Presenter{resolver: resolver}
}

// Present converts resp, keeping rank order.
func (p *Presenter) Present(ctx context.Context, resp *models.SearchResponse) *ResponseView {
	out := &ResponseView{
		Results:     make([]*View, 0, len(resp.Results)),
		Total:       resp.Total,
		K:           resp.K,
		QueryTimeMS: resp.QueryTime,
		IndexMode:   resp.IndexMode,
		Metric:      resp.Metric,
		CacheHit:    resp.CacheHit,
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, &View{
			ID:           r.Record.ID,
			Score:        r.Score,
			Rank:         r.Rank,
			SourceRef:    r.Record.SourceRef,
			Metadata:     metadataOf(r.Record),
			ThumbnailRef: p.resolver.Resolve(ctx, r.Record),
		})
	}
	return out
}

// Image presents a stored record with its vector dimension.
func (p *Presenter) Image(ctx context.Context, item *models.Item) *ImageView {
	rec := item.Record
	return &ImageView{
		ID:               rec.ID,
		SourceRef:        rec.SourceRef,
		Metadata:         metadataOf(rec),
		ContentHash:      rec.ContentHash,
		ModelVersion:     rec.ModelVersion,
		SizeBytes:        rec.SizeBytes,
		VectorDimensions: len(item.Vector),
		ThumbnailRef:     p.resolver.Resolve(ctx, rec),
		UpdatedAt:        rec.UpdatedAt,
	}
}

func metadataOf(rec *models.ImageRecord) Metadata {
	return Metadata{
		Category:   rec.Category,
		Tags:       rec.Tags,
		Attributes: rec.Attributes,
		Width:      rec.Width,
		Height:     rec.Height,
		Format:     rec.Format,
		IngestedAt: rec.IngestedAt,
	}
}
