package dataset

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// ManifestFile is the manifest's name inside the balanced tree.
const ManifestFile = "manifest.parquet"

// manifestRow is the on-disk shape of a record. Paths are relative to the manifest's
// directory so the packaged tree can be unpacked anywhere.
type manifestRow struct {
	Split     string `parquet:"split"`
	Label     string `parquet:"label"`
	ID        string `parquet:"id"`
	LesionID  string `parquet:"lesion_id"`
	Path      string `parquet:"path"`
	Synthetic bool   `parquet:"synthetic"`
	SeedID    string `parquet:"seed_id"`
}

// SaveDataset writes ds to root/manifest.parquet.
func SaveDataset(ds Dataset, root string) (string, error) {
	var rows []manifestRow
	add := func(split Split, m Manifest) error {
		for _, label := range m.Labels() {
			for _, rec := range m[label] {
				rel, err := filepath.Rel(root, rec.Path)
				if err != nil {
					return fmt.Errorf("failed to relativize %s: %w", rec.Path, err)
				}
				rows = append(rows, manifestRow{
					Split:     string(split),
					Label:     string(rec.Label),
					ID:        rec.ID,
					LesionID:  rec.LesionID,
					Path:      filepath.ToSlash(rel),
					Synthetic: rec.Synthetic,
					SeedID:    rec.SeedID,
				})
			}
		}
		return nil
	}
	if err := add(SplitTrain, ds.Train); err != nil {
		return "", err
	}
	if err := add(SplitValidation, ds.Validation); err != nil {
		return "", err
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	path := filepath.Join(root, ManifestFile)
	if err := parquet.WriteFile(path, rows); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}
	return path, nil
}

// LoadDataset reads root/manifest.parquet back into a Dataset with absolute paths.
func LoadDataset(root string) (Dataset, error) {
	path := filepath.Join(root, ManifestFile)
	rows, err := parquet.ReadFile[manifestRow](path)
	if err != nil {
		return Dataset{}, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	ds := Dataset{Train: NewManifest(Labels...), Validation: NewManifest(Labels...)}
	for _, row := range rows {
		rec := ImageRecord{
			ID:        row.ID,
			LesionID:  row.LesionID,
			Label:     Label(row.Label),
			Path:      filepath.Join(root, filepath.FromSlash(row.Path)),
			Synthetic: row.Synthetic,
			SeedID:    row.SeedID,
		}
		switch Split(row.Split) {
		case SplitTrain:
			ds.Train[rec.Label] = append(ds.Train[rec.Label], rec)
		case SplitValidation:
			ds.Validation[rec.Label] = append(ds.Validation[rec.Label], rec)
		default:
			return Dataset{}, fmt.Errorf("manifest row %s has unknown split %q", row.ID, row.Split)
		}
	}
	return ds, nil
}
