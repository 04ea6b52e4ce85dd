package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lehigh-university-libraries/dermtune/internal/config"
	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectStore moves whole files between local disk and a bucket.
type ObjectStore interface {
	// Download writes the object at key to dstPath.
	Download(ctx context.Context, key, dstPath string) error
	// Upload writes the file at srcPath to key.
	Upload(ctx context.Context, srcPath, key string) error
	// URI returns the canonical location of key, e.g. gs://bucket/key.
	URI(key string) string
}

// TransferError is returned once an upload or download has exhausted its retries.
type TransferError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// New builds the object store selected in cfg, wrapped with bounded retries.
func New(ctx context.Context, cfg *config.Config, rec *metrics.Recorder) (ObjectStore, error) {
	var (
		store ObjectStore
		err   error
	)

	switch cfg.Storage.Backend {
	case "gcs":
		if cfg.Bucket == "" {
			return nil, errors.New("bucket is required for the gcs backend")
		}
		store, err = NewGCS(ctx, cfg.Bucket, cfg.Storage.CredentialsFile)
	case "local":
		store, err = NewLocal(cfg.Storage.LocalRoot, cfg.Bucket)
	case "http":
		store = NewHTTP(cfg.Storage.HTTPBaseURL)
	default:
		err = fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}

	return NewRetrying(store, RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, rec), nil
}

// writeFileAtomic streams into dstPath via a temp file so a failed transfer never leaves
// a truncated file behind.
func writeFileAtomic(dstPath string, write func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := dstPath + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := write(out); err != nil {
		out.Close()
		os.Remove(tempPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tempPath, dstPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to move file: %w", err)
	}
	return nil
}
