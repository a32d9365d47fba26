package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/niteru/internal/imageid"
	"github.com/hyperjump/niteru/internal/models"
)

// Ingester is the part of the indexer a drop folder drives.
type Ingester interface {
	Ingest(ctx context.Context, in *models.ImageInput) (*models.ImageRecord, error)
	Delete(ctx context.Context, id string) error
}

// DropFolder ingests images written under a watched root and deletes them
// again when the file goes away. The source reference is the absolute file
// path, so a file keeps its identity across rewrites.
type DropFolder struct {
	ingester Ingester
	logger   *zap.Logger
}

// NewDropFolder returns a Sink that feeds ingester.
func NewDropFolder(ingester Ingester, logger *zap.Logger) *DropFolder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DropFolder{ingester: ingester, logger: logger}
}

// Changed ingests path. Files in a subdirectory of root take the first
// subdirectory name as their category.
func (d *DropFolder) Changed(ctx context.Context, root, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("drop folder read failed", zap.String("path", path), zap.Error(err))
		return
	}
	rec, err := d.ingester.Ingest(ctx, &models.ImageInput{
		SourceRef: path,
		Category:  categoryFor(root, path),
		Data:      data,
	})
	if err != nil {
		d.logger.Warn("drop folder ingest failed", zap.String("path", path), zap.Error(err))
		return
	}
	d.logger.Info("image ingested", zap.String("id", rec.ID), zap.String("path", path))
}

// Removed deletes the image ingested from path, if any.
func (d *DropFolder) Removed(ctx context.Context, _, path string) {
	id := imageid.FromReference(path)
	err := d.ingester.Delete(ctx, id)
	switch {
	case err == nil:
		d.logger.Info("image removed", zap.String("id", id), zap.String("path", path))
	case errors.Is(err, models.ErrNotFound):
	default:
		d.logger.Warn("drop folder delete failed", zap.String("path", path), zap.Error(err))
	}
}

func categoryFor(root, path string) string {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first
}
