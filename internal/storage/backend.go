// Package storage persists generated media. Backends write opaque objects
// addressed by bucket and key; MediaStore lays out tenant media on top of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/watzon/herald/internal/config"
)

var (
	ErrNotFound      = errors.New("file not found")
	ErrInvalidConfig = errors.New("invalid backend configuration")
)

type Backend interface {
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// Location returns the backend-native address of an object, used when no
	// public base URL is configured.
	Location(bucket, key string) string
}

// NewBackend builds the backend selected by cfg.Type.
func NewBackend(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "filesystem", "":
		if cfg.Filesystem.Path == "" {
			return nil, fmt.Errorf("%w: filesystem path is required", ErrInvalidConfig)
		}
		return NewFilesystemBackend(cfg.Filesystem.Path), nil
	case "s3":
		return NewS3Backend(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Type)
	}
}
