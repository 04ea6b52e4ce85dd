package dataset

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
)

// Organizer copies extracted images into one directory per class.
type Organizer struct {
	// Extension filters source files, e.g. ".jpg". Matching is case-insensitive.
	Extension string
	Metrics   *metrics.Recorder
}

// OrganizeStats summarizes an Organize call.
type OrganizeStats struct {
	Organized   int
	NoMetadata  int
	Duplicates  int
	WrongFormat int
}

// Organize walks rawDir and copies every image with metadata into
// destDir/<label>/<id><ext>. The manifest has an entry for all seven labels.
func (o *Organizer) Organize(rawDir string, meta Metadata, destDir string) (Manifest, OrganizeStats, error) {
	manifest := NewManifest(Labels...)
	var stats OrganizeStats
	seen := make(map[string]bool)

	err := filepath.WalkDir(rawDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(d.Name())
		if !strings.EqualFold(ext, o.Extension) {
			stats.WrongFormat++
			return nil
		}

		id := strings.TrimSuffix(d.Name(), ext)
		row, ok := meta[id]
		if !ok {
			slog.Warn("Image has no metadata, skipping", "image_id", id, "path", path)
			stats.NoMetadata++
			return nil
		}
		if seen[id] {
			slog.Warn("Duplicate image in archive, skipping", "image_id", id, "path", path)
			stats.Duplicates++
			return nil
		}
		seen[id] = true

		label := Label(row.Dx)
		target := filepath.Join(destDir, string(label), id+strings.ToLower(ext))
		if err := CopyFile(path, target); err != nil {
			return err
		}

		manifest[label] = append(manifest[label], ImageRecord{
			ID:       id,
			LesionID: row.LesionID,
			Label:    label,
			Path:     target,
		})
		stats.Organized++
		o.Metrics.ImageOrganized(string(label))
		return nil
	})
	if err != nil {
		return nil, stats, ingestionError("organize", rawDir, ReasonInvalid, err)
	}

	for label := range manifest {
		sortRecords(manifest[label])
	}

	slog.Info("Organized images into class directories",
		"organized", stats.Organized,
		"no_metadata", stats.NoMetadata,
		"duplicates", stats.Duplicates,
		"skipped_other_formats", stats.WrongFormat)
	for _, label := range manifest.Labels() {
		slog.Debug("Class size", "label", label, "count", len(manifest[label]))
	}

	return manifest, stats, nil
}

func sortRecords(recs []ImageRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}

// CopyFile hard-links src to dst when possible and copies otherwise. An existing dst
// of the same size is left alone, so re-running a stage is cheap.
func CopyFile(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if dstInfo, err := os.Stat(dst); err == nil && dstInfo.Size() == srcInfo.Size() {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
