package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// MetadataRow is one row of the HAM10000 metadata table.
type MetadataRow struct {
	LesionID     string  `json:"lesion_id" parquet:"lesion_id"`
	ImageID      string  `json:"image_id" parquet:"image_id"`
	Dx           string  `json:"dx" parquet:"dx"`
	DxType       string  `json:"dx_type" parquet:"dx_type"`
	Age          float64 `json:"age" parquet:"age"`
	Sex          string  `json:"sex" parquet:"sex"`
	Localization string  `json:"localization" parquet:"localization"`
}

// Metadata indexes metadata rows by image id.
type Metadata map[string]MetadataRow

// LabelOf returns the diagnostic class for an image id.
func (m Metadata) LabelOf(imageID string) (Label, bool) {
	row, ok := m[imageID]
	if !ok {
		return "", false
	}
	return Label(row.Dx), true
}

// LoadMetadata reads a metadata table (.csv or .parquet) and validates every label.
func LoadMetadata(path string) (Metadata, error) {
	var (
		rows []MetadataRow
		err  error
	)

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv":
		rows, err = loadMetadataCSV(path)
	case ".parquet":
		rows, err = loadMetadataParquet(path)
	default:
		return nil, &IngestionError{
			Op: "load metadata", Path: path, Reason: ReasonInvalid,
			Err: fmt.Errorf("unsupported file format: %s (supported: .csv, .parquet)", ext),
		}
	}
	if err != nil {
		return nil, ingestionError("load metadata", path, ReasonCorrupt, err)
	}

	meta := make(Metadata, len(rows))
	for i, row := range rows {
		row.ImageID = strings.TrimSpace(row.ImageID)
		row.Dx = strings.ToLower(strings.TrimSpace(row.Dx))
		if row.ImageID == "" {
			return nil, &IngestionError{Op: "load metadata", Path: path, Reason: ReasonInvalid,
				Err: fmt.Errorf("row %d has no image_id", i+1)}
		}
		if !Label(row.Dx).Valid() {
			return nil, &IngestionError{Op: "load metadata", Path: path, Reason: ReasonInvalid,
				Err: fmt.Errorf("row %d (%s) has unknown label %q", i+1, row.ImageID, row.Dx)}
		}
		if _, dup := meta[row.ImageID]; dup {
			slog.Warn("Duplicate image id in metadata, keeping first", "image_id", row.ImageID)
			continue
		}
		meta[row.ImageID] = row
	}

	slog.Debug("Loaded metadata", "path", path, "rows", len(rows), "images", len(meta))
	return meta, nil
}

func loadMetadataCSV(path string) ([]MetadataRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"image_id", "dx"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("metadata is missing required column %q", required)
		}
	}

	get := func(record []string, name string) string {
		idx, ok := cols[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return record[idx]
	}

	var rows []MetadataRow
	line := 1
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to parse CSV at line %d: %w", line, err)
		}

		row := MetadataRow{
			LesionID:     get(record, "lesion_id"),
			ImageID:      get(record, "image_id"),
			Dx:           get(record, "dx"),
			DxType:       get(record, "dx_type"),
			Sex:          get(record, "sex"),
			Localization: get(record, "localization"),
		}
		if age := get(record, "age"); age != "" {
			if v, err := strconv.ParseFloat(age, 64); err == nil {
				row.Age = v
			}
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func loadMetadataParquet(path string) ([]MetadataRow, error) {
	rows, err := parquet.ReadFile[MetadataRow](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet metadata: %w", err)
	}
	return rows, nil
}

// FindFile locates a file by base name anywhere under root, since archives nest the
// metadata table at different depths.
func FindFile(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(d.Name(), name) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found under %s: %w", name, root, os.ErrNotExist)
	}
	return found, nil
}
