package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// ErrReadOnly is returned by stores that cannot accept uploads.
var ErrReadOnly = errors.New("store is read-only")

// HTTP downloads objects from a public URL prefix, e.g. a dataset mirror.
type HTTP struct {
	BaseURL    string
	HTTPClient *http.Client
	// Token is sent as a bearer token when set.
	Token string
}

// NewHTTP creates a read-only store for baseURL.
func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Minute,
		},
	}
}

func (h *HTTP) URI(key string) string {
	return h.BaseURL + "/" + strings.TrimLeft(key, "/")
}

func (h *HTTP) Upload(ctx context.Context, srcPath, key string) error {
	return fmt.Errorf("upload %s: %w", key, ErrReadOnly)
}

func (h *HTTP) Download(ctx context.Context, key, dstPath string) error {
	url := h.URI(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	return writeFileAtomic(dstPath, func(f *os.File) error {
		return copyWithProgress(f, resp.Body, resp.ContentLength)
	})
}

// copyWithProgress copies src to dst, logging every 10MB.
func copyWithProgress(dst io.Writer, src io.Reader, totalSize int64) error {
	const logEvery = 10 * 1024 * 1024

	buf := make([]byte, 32*1024)
	var downloaded, nextLog int64 = 0, logEvery

	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			downloaded += int64(nw)
			if ew != nil {
				return fmt.Errorf("download failed: %w", ew)
			}
			if nw != nr {
				return fmt.Errorf("download failed: %w", io.ErrShortWrite)
			}

			if downloaded >= nextLog {
				nextLog += logEvery
				attrs := []any{"downloaded_mb", downloaded / (1024 * 1024)}
				if totalSize > 0 {
					attrs = append(attrs,
						"total_mb", totalSize/(1024*1024),
						"progress", fmt.Sprintf("%.1f%%", float64(downloaded)/float64(totalSize)*100))
				}
				slog.Debug("Download progress", attrs...)
			}
		}
		if er != nil {
			if er == io.EOF {
				return nil
			}
			return fmt.Errorf("download failed: %w", er)
		}
	}
}
