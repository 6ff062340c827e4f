// Package storage holds the object stores the parquet sink uploads to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// ErrUnknownBackend is returned by New for an unsupported backend name
var ErrUnknownBackend = errors.New("unknown storage backend")

// Backend stores whole objects addressed by slash-separated paths
type Backend interface {
	// Write stores data at path, replacing any previous object
	Write(ctx context.Context, path string, data []byte) error

	// Exists reports whether an object is stored at path
	Exists(ctx context.Context, path string) (bool, error)

	// Delete removes the object at path; a missing object is not an error
	Delete(ctx context.Context, path string) error

	// List returns the paths of every object under prefix
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error

	// Type returns "local", "s3" or "azure"
	Type() string
}

// Config selects and configures a backend
type Config struct {
	Backend   string // local, s3, azure
	LocalPath string
	S3        S3Config
	Azure     AzureBlobConfig
}

// New builds the configured backend and verifies it is reachable
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		return NewS3Backend(ctx, &cfg.S3, logger)
	case "azure", "azblob":
		return NewAzureBlobBackend(ctx, &cfg.Azure, logger)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	}
	return "application/octet-stream"
}
