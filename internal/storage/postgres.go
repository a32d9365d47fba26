package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/hyperjump/niteru/internal/models"
)

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
// Vectors live in a vector(n) column next to the record.
type PostgresStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPostgresStore connects to dsn, installs the vector extension if needed and creates the schema.
func NewPostgresStore(ctx context.Context, dsn string, dimensions int) (*PostgresStore, error) {
	if dimensions <= 0 {
		return nil, models.NewConfigError("embedding_dimension", "must be positive, got %d", dimensions)
	}

	// The extension must exist before the pool registers the vector type on connect.
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	_, err = conn.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	_ = conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.checkDimension(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			source_ref TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			tags JSONB NOT NULL DEFAULT '[]',
			attributes JSONB NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			model_version TEXT NOT NULL,
			width INTEGER NOT NULL DEFAULT 0,
			height INTEGER NOT NULL DEFAULT 0,
			format TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			thumbnail_ref TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL,
			ingested_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.dimensions),
		`CREATE INDEX IF NOT EXISTS idx_images_category ON images (lower(category))`,
		`CREATE INDEX IF NOT EXISTS idx_images_ingested ON images (ingested_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_images_attributes ON images USING gin (attributes)`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) checkDimension(ctx context.Context) error {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM store_meta WHERE key = $1`, metaKeyDimension).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = s.pool.Exec(ctx, `INSERT INTO store_meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
			metaKeyDimension, strconv.Itoa(s.dimensions))
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read store metadata: %w", err)
	}
	if value != strconv.Itoa(s.dimensions) {
		return models.NewConfigError("embedding_dimension", "store was created with %s dimensions, configured %d", value, s.dimensions)
	}
	return nil
}

const pgImageColumns = `id, source_ref, category, tags, attributes, content_hash, model_version,
	width, height, format, size_bytes, thumbnail_ref, embedding, ingested_at, updated_at`

const pgUpsertImage = `INSERT INTO images (` + pgImageColumns + `)
	VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		source_ref = EXCLUDED.source_ref,
		category = EXCLUDED.category,
		tags = EXCLUDED.tags,
		attributes = EXCLUDED.attributes,
		content_hash = EXCLUDED.content_hash,
		model_version = EXCLUDED.model_version,
		width = EXCLUDED.width,
		height = EXCLUDED.height,
		format = EXCLUDED.format,
		size_bytes = EXCLUDED.size_bytes,
		thumbnail_ref = EXCLUDED.thumbnail_ref,
		embedding = EXCLUDED.embedding,
		updated_at = EXCLUDED.updated_at`

func scanPgItem(row pgx.Row) (*models.Item, error) {
	var rec models.ImageRecord
	var tags, attrs []byte
	var vec pgvector.Vector
	var ingested, updated int64
	if err := row.Scan(&rec.ID, &rec.SourceRef, &rec.Category, &tags, &attrs, &rec.ContentHash, &rec.ModelVersion,
		&rec.Width, &rec.Height, &rec.Format, &rec.SizeBytes, &rec.ThumbnailRef, &vec, &ingested, &updated); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(&rec, tags, attrs); err != nil {
		return nil, err
	}
	rec.IngestedAt = time.Unix(0, ingested).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &models.Item{Record: &rec, Vector: vec.Slice()}, nil
}

func (s *PostgresStore) upsertArgs(item *models.Item, now time.Time) ([]any, error) {
	if err := checkItem(item, s.dimensions); err != nil {
		return nil, err
	}
	rec := item.Record
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = now
	}
	rec.UpdatedAt = now
	tags, err := marshalTags(rec.Tags)
	if err != nil {
		return nil, err
	}
	attrs, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID, rec.SourceRef, rec.Category, tags, attrs, rec.ContentHash, rec.ModelVersion,
		rec.Width, rec.Height, rec.Format, rec.SizeBytes, rec.ThumbnailRef,
		pgvector.NewVector(item.Vector), rec.IngestedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	}, nil
}

// Put inserts or replaces an image record and its vector.
func (s *PostgresStore) Put(ctx context.Context, item *models.Item) error {
	args, err := s.upsertArgs(item, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgUpsertImage, args...); err != nil {
		return fmt.Errorf("failed to store image %s: %w", item.Record.ID, err)
	}
	return nil
}

// BulkPut writes all items in a single transaction.
func (s *PostgresStore) BulkPut(ctx context.Context, items []*models.Item) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, item := range items {
		args, err := s.upsertArgs(item, now)
		if err != nil {
			return err
		}
		batch.Queue(pgUpsertImage, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store images: %w", err)
	}
	return tx.Commit(ctx)
}

// Get returns an image by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Item, error) {
	item, err := scanPgItem(s.pool.QueryRow(ctx, `SELECT `+pgImageColumns+` FROM images WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	return item, err
}

// GetMany reads the given ids in one statement, which sees a single snapshot.
func (s *PostgresStore) GetMany(ctx context.Context, ids []string) (map[string]*models.Item, error) {
	out := make(map[string]*models.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgImageColumns+` FROM images WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		out[item.Record.ID] = item
	}
	return out, rows.Err()
}

// Delete removes an image record and its vector.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// UpdateMetadata applies patch to an existing record under a row lock.
func (s *PostgresStore) UpdateMetadata(ctx context.Context, id string, patch *models.MetadataPatch) (*models.ImageRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	item, err := scanPgItem(tx.QueryRow(ctx, `SELECT `+pgImageColumns+` FROM images WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec := item.Record
	if !patch.Apply(rec) {
		return rec, nil
	}
	rec.UpdatedAt = time.Now().UTC()
	tags, err := marshalTags(rec.Tags)
	if err != nil {
		return nil, err
	}
	attrs, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE images SET category = $1, tags = $2::jsonb, attributes = $3::jsonb, updated_at = $4 WHERE id = $5`,
		rec.Category, tags, attrs, rec.UpdatedAt.UnixNano(), id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records matching filter. Both category and attributes are filtered in SQL.
func (s *PostgresStore) List(ctx context.Context, filter *models.ListFilter) ([]*models.ImageRecord, error) {
	if filter == nil {
		filter = &models.ListFilter{}
	}
	query := `SELECT ` + pgImageColumns + ` FROM images WHERE true`
	var args []any
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(` AND lower(category) = lower($%d)`, len(args))
	}
	if len(filter.Attributes) > 0 {
		attrs, err := marshalAttributes(filter.Attributes)
		if err != nil {
			return nil, err
		}
		args = append(args, attrs)
		query += fmt.Sprintf(` AND attributes @> $%d::jsonb`, len(args))
	}
	query += ` ORDER BY ingested_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []*models.ImageRecord
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, item.Record)
	}
	return recs, rows.Err()
}

// ForEach iterates all items in ingestion order.
func (s *PostgresStore) ForEach(ctx context.Context, fn func(*models.Item) error) error {
	rows, err := s.pool.Query(ctx, `SELECT `+pgImageColumns+` FROM images ORDER BY ingested_at, id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanPgItem(rows)
		if err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the total number of images.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

// Dimensions returns the store's embedding dimension.
func (s *PostgresStore) Dimensions() int { return s.dimensions }

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
