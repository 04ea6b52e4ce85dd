package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lehigh-university-libraries/dermtune/internal/archive"
	"github.com/lehigh-university-libraries/dermtune/internal/storage"
)

// IngestConfig says where the archive lives and where to put it locally.
type IngestConfig struct {
	// Key is the archive's object key in the store (bucket path + archive name).
	Key         string
	DownloadDir string
	ExtractDir  string
	// ForceDownload ignores a previously downloaded copy.
	ForceDownload bool
}

// Ingestor fetches the dataset archive and unpacks it.
type Ingestor struct {
	store  storage.ObjectStore
	config IngestConfig
}

func NewIngestor(store storage.ObjectStore, config IngestConfig) *Ingestor {
	return &Ingestor{store: store, config: config}
}

// Ingest downloads and extracts the archive, returning the extraction directory.
// Every failure is an *IngestionError.
func (i *Ingestor) Ingest(ctx context.Context) (string, error) {
	archivePath := filepath.Join(i.config.DownloadDir, filepath.Base(i.config.Key))

	if err := os.MkdirAll(i.config.DownloadDir, 0755); err != nil {
		return "", ingestionError("prepare", i.config.DownloadDir, ReasonInvalid, err)
	}

	cached := false
	if !i.config.ForceDownload {
		if info, err := os.Stat(archivePath); err == nil && info.Size() > 0 {
			slog.Info("Using cached dataset archive", "path", archivePath)
			cached = true
		}
	}

	if !cached {
		slog.Info("Downloading dataset archive", "source", i.store.URI(i.config.Key), "dest", archivePath)
		if err := i.store.Download(ctx, i.config.Key, archivePath); err != nil {
			return "", ingestionError("download", i.store.URI(i.config.Key), ReasonTransfer, err)
		}
	}

	if err := os.MkdirAll(i.config.ExtractDir, 0755); err != nil {
		return "", ingestionError("prepare", i.config.ExtractDir, ReasonInvalid, err)
	}

	slog.Info("Extracting dataset archive", "archive", archivePath, "dest", i.config.ExtractDir)
	n, err := archive.Extract(archivePath, i.config.ExtractDir)
	if err != nil {
		return "", ingestionError("extract", archivePath, ReasonCorrupt, err)
	}
	if n == 0 {
		return "", &IngestionError{Op: "extract", Path: archivePath, Reason: ReasonCorrupt,
			Err: fmt.Errorf("archive contains no files")}
	}

	slog.Info("Dataset extracted", "files", n, "dir", i.config.ExtractDir)
	return i.config.ExtractDir, nil
}
