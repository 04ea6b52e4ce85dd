package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

// GCS is a Google Cloud Storage bucket accessed through the JSON API.
type GCS struct {
	service *gcs.Service
	bucket  string
}

// NewGCS creates a store for bucket. With an empty credentialsFile the default
// application credentials are used.
func NewGCS(ctx context.Context, bucket, credentialsFile string, opts ...option.ClientOption) (*GCS, error) {
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	service, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &GCS{service: service, bucket: bucket}, nil
}

func (g *GCS) Download(ctx context.Context, key, dstPath string) error {
	slog.Debug("Downloading object", "bucket", g.bucket, "key", key)

	resp, err := g.service.Objects.Get(g.bucket, key).Context(ctx).Download()
	if err != nil {
		return mapGCSError(key, err)
	}
	defer resp.Body.Close()

	return writeFileAtomic(dstPath, func(f *os.File) error {
		n, err := io.Copy(f, resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read object body: %w", err)
		}
		slog.Debug("Object downloaded", "key", key, "size_mb", n/(1024*1024))
		return nil
	})
}

func (g *GCS) Upload(ctx context.Context, srcPath, key string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	obj := &gcs.Object{Name: key}
	if _, err := g.service.Objects.Insert(g.bucket, obj).Media(in).Context(ctx).Do(); err != nil {
		return mapGCSError(key, err)
	}

	slog.Debug("Object uploaded", "bucket", g.bucket, "key", key)
	return nil
}

func (g *GCS) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", g.bucket, key)
}

func mapGCSError(key string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return fmt.Errorf("storage request for %s failed: %w", key, err)
}
