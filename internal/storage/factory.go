package storage

import (
	"context"

	"github.com/hyperjump/niteru/internal/config"
)

// Open returns the store selected by cfg.DatabasePath: a Postgres DSN opens a
// PostgresStore, anything else a SQLite file.
func Open(ctx context.Context, cfg *config.StorageConfig, dimensions int) (Store, error) {
	if cfg.IsPostgres() {
		s, err := NewPostgresStore(ctx, cfg.DatabasePath, dimensions)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := NewSQLiteStore(cfg.DatabasePath, dimensions)
	if err != nil {
		return nil, err
	}
	return s, nil
}
