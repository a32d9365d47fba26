package blob

import (
	"context"
	"fmt"

	"github.com/hyperjump/niteru/internal/config"
)

// New returns the backend selected by cfg.Backend, wrapped with cfg.Timeout.
func New(ctx context.Context, cfg *config.BlobConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "", "local":
		s, err = newLocal(cfg.Root)
	case "minio":
		s, err = newMinio(ctx, cfg)
	case "s3":
		s, err = newS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithTimeout(s, cfg.Timeout), nil
}

func newLocal(root string) (Store, error) {
	s, err := NewLocalStore(root)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newMinio(ctx context.Context, cfg *config.BlobConfig) (Store, error) {
	s, err := NewMinioStore(ctx, MinioOptions{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newS3(ctx context.Context, cfg *config.BlobConfig) (Store, error) {
	s, err := NewS3StoreFromConfig(ctx, S3Options{
		Region:    cfg.Region,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
