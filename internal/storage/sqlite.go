package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/niteru/internal/models"
)

// SQLiteStore implements Store using SQLite. The cgo build uses mattn/go-sqlite3,
// pure Go builds use modernc.org/sqlite.
type SQLiteStore struct {
	db         *sql.DB
	dimensions int
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Opening a database created with a
// different embedding dimension is a ConfigurationError.
func NewSQLiteStore(dbPath string, dimensions int) (*SQLiteStore, error) {
	if dimensions <= 0 {
		return nil, models.NewConfigError("embedding_dimension", "must be positive, got %d", dimensions)
	}
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open(sqliteDriver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := checkDimension(db, dimensions); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, dimensions: dimensions}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		source_ref TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		attributes TEXT NOT NULL DEFAULT '{}',
		content_hash TEXT NOT NULL,
		model_version TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		format TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		thumbnail_ref TEXT NOT NULL DEFAULT '',
		embedding BLOB NOT NULL,
		ingested_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_images_category ON images(category);
	CREATE INDEX IF NOT EXISTS idx_images_ingested ON images(ingested_at, id);
	CREATE INDEX IF NOT EXISTS idx_images_source_ref ON images(source_ref);

	CREATE TABLE IF NOT EXISTS store_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

func checkDimension(db *sql.DB, dimensions int) error {
	var value string
	err := db.QueryRow(`SELECT value FROM store_meta WHERE key = ?`, metaKeyDimension).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.Exec(`INSERT INTO store_meta (key, value) VALUES (?, ?)`, metaKeyDimension, strconv.Itoa(dimensions))
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to read store metadata: %w", err)
	}
	if value != strconv.Itoa(dimensions) {
		return models.NewConfigError("embedding_dimension", "store was created with %s dimensions, configured %d", value, dimensions)
	}
	return nil
}

const imageColumns = `id, source_ref, category, tags, attributes, content_hash, model_version,
	width, height, format, size_bytes, thumbnail_ref, embedding, ingested_at, updated_at`

const upsertImage = `INSERT INTO images (` + imageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		source_ref = excluded.source_ref,
		category = excluded.category,
		tags = excluded.tags,
		attributes = excluded.attributes,
		content_hash = excluded.content_hash,
		model_version = excluded.model_version,
		width = excluded.width,
		height = excluded.height,
		format = excluded.format,
		size_bytes = excluded.size_bytes,
		thumbnail_ref = excluded.thumbnail_ref,
		embedding = excluded.embedding,
		updated_at = excluded.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*models.Item, error) {
	var rec models.ImageRecord
	var tags, attrs string
	var blob []byte
	var ingested, updated int64
	if err := row.Scan(&rec.ID, &rec.SourceRef, &rec.Category, &tags, &attrs, &rec.ContentHash, &rec.ModelVersion,
		&rec.Width, &rec.Height, &rec.Format, &rec.SizeBytes, &rec.ThumbnailRef, &blob, &ingested, &updated); err != nil {
		return nil, err
	}
	if err := unmarshalMetadata(&rec, []byte(tags), []byte(attrs)); err != nil {
		return nil, err
	}
	rec.IngestedAt = time.Unix(0, ingested).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return &models.Item{Record: &rec, Vector: bytesToFloat32Slice(blob)}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLiteStore) upsert(ctx context.Context, ex execer, item *models.Item, now time.Time) error {
	if err := checkItem(item, s.dimensions); err != nil {
		return err
	}
	rec := item.Record
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = now
	}
	rec.UpdatedAt = now
	tags, err := marshalTags(rec.Tags)
	if err != nil {
		return err
	}
	attrs, err := marshalAttributes(rec.Attributes)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, upsertImage,
		rec.ID, rec.SourceRef, rec.Category, tags, attrs, rec.ContentHash, rec.ModelVersion,
		rec.Width, rec.Height, rec.Format, rec.SizeBytes, rec.ThumbnailRef,
		float32SliceToBytes(item.Vector), rec.IngestedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to store image %s: %w", rec.ID, err)
	}
	return nil
}

// Put inserts or replaces an image record and its vector.
func (s *SQLiteStore) Put(ctx context.Context, item *models.Item) error {
	return s.upsert(ctx, s.db, item, time.Now().UTC())
}

// BulkPut writes all items in a single transaction.
func (s *SQLiteStore) BulkPut(ctx context.Context, items []*models.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range items {
		if err := s.upsert(ctx, tx, item, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get returns an image by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// GetMany reads the given ids inside one transaction.
func (s *SQLiteStore) GetMany(ctx context.Context, ids []string) (map[string]*models.Item, error) {
	out := make(map[string]*models.Item, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]
		args := make([]interface{}, len(part))
		for i, id := range part {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(part)), ",")
		rows, err := tx.QueryContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[item.Record.ID] = item
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, tx.Commit()
}

// Delete removes an image record and its vector.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("image %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// UpdateMetadata applies patch to an existing record.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, id string, patch *models.MetadataPatch) (*models.ImageRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	item, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	if _, err := tx.ExecContext(ctx,
		`UPDATE images SET category = ?, tags = ?, attributes = ?, updated_at = ? WHERE id = ?`,
		rec.Category, tags, attrs, rec.UpdatedAt.UnixNano(), id,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records matching filter. Category is filtered in SQL, attributes in process.
func (s *SQLiteStore) List(ctx context.Context, filter *models.ListFilter) ([]*models.ImageRecord, error) {
	if filter == nil {
		filter = &models.ListFilter{}
	}
	query := `SELECT ` + imageColumns + ` FROM images`
	var args []interface{}
	if filter.Category != "" {
		query += ` WHERE category = ? COLLATE NOCASE`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY ingested_at, id`
	if len(filter.Attributes) == 0 && filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*models.ImageRecord
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(item.Record) {
			recs = append(recs, item.Record)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(filter.Attributes) == 0 && filter.Limit > 0 {
		return recs, nil
	}
	return applyListWindow(recs, filter.Offset, filter.Limit), nil
}

// ForEach iterates all items in ingestion order.
func (s *SQLiteStore) ForEach(ctx context.Context, fn func(*models.Item) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageColumns+` FROM images ORDER BY ingested_at, id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := scanItem(rows)
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&count)
	return count, err
}

// Dimensions returns the store's embedding dimension.
func (s *SQLiteStore) Dimensions() int { return s.dimensions }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
