package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects under a directory tree, one subdirectory per bucket.
type Local struct {
	root   string
	bucket string
}

// NewLocal returns a store rooted at root/bucket.
func NewLocal(root, bucket string) (*Local, error) {
	if root == "" {
		return nil, errors.New("local storage root is required")
	}
	if bucket == "" {
		bucket = "default"
	}
	if err := os.MkdirAll(filepath.Join(root, bucket), 0755); err != nil {
		return nil, fmt.Errorf("failed to create local bucket: %w", err)
	}
	return &Local{root: root, bucket: bucket}, nil
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.root, l.bucket, strings.TrimPrefix(clean, "/")), nil
}

func (l *Local) Download(ctx context.Context, key, dstPath string) error {
	src, err := l.path(key)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("failed to open object: %w", err)
	}
	defer in.Close()

	return writeFileAtomic(dstPath, func(f *os.File) error {
		if _, err := io.Copy(f, in); err != nil {
			return fmt.Errorf("failed to copy object: %w", err)
		}
		return ctx.Err()
	})
}

func (l *Local) Upload(ctx context.Context, srcPath, key string) error {
	dst, err := l.path(key)
	if err != nil {
		return err
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	return writeFileAtomic(dst, func(f *os.File) error {
		if _, err := io.Copy(f, in); err != nil {
			return fmt.Errorf("failed to copy object: %w", err)
		}
		return ctx.Err()
	})
}

func (l *Local) URI(key string) string {
	p, err := l.path(key)
	if err != nil {
		return "file://" + filepath.Join(l.root, l.bucket)
	}
	return "file://" + p
}
