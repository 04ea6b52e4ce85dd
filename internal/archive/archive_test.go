package archive

import (
	"archive/tar"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "ham.zip")
	writeZip(t, archivePath, map[string]string{
		"HAM10000_images_part_1/ISIC_0024306.jpg": "a",
		"HAM10000_images_part_2/ISIC_0034320.jpg": "b",
		"HAM10000_metadata.csv":                   "lesion_id,image_id,dx\n",
	})

	dest := filepath.Join(dir, "raw")
	n, err := Extract(archivePath, dest)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 files, got %d", n)
	}

	data, err := os.ReadFile(filepath.Join(dest, "HAM10000_images_part_2", "ISIC_0034320.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "b" {
		t.Errorf("Expected content b, got %q", data)
	}
}

func TestExtractRejectsZipSlip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.zip")
	writeZip(t, archivePath, map[string]string{"../../outside.txt": "x"})

	if _, err := Extract(archivePath, filepath.Join(dir, "raw")); err == nil {
		t.Fatal("Expected error for entry outside the target directory")
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "outside.txt")); err == nil {
		t.Error("entry was written outside the target directory")
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name    string
		entry   string
		wantErr bool
	}{
		{name: "plain file", entry: "a/b.jpg"},
		{name: "dot segments inside", entry: "a/../b.jpg"},
		{name: "parent escape", entry: "../b.jpg", wantErr: true},
		{name: "deep escape", entry: "a/../../b.jpg", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := safeJoin("/data/raw", tt.entry)
			if tt.wantErr && !errors.Is(err, ErrUnsafePath) {
				t.Errorf("Expected ErrUnsafePath, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestExtractCorruptZip(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "broken.zip")
	if err := os.WriteFile(archivePath, []byte("definitely not a zip"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Extract(archivePath, filepath.Join(dir, "raw")); err == nil {
		t.Fatal("Expected error for corrupt archive")
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := Extract("dataset.rar", t.TempDir())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestPackTarGzRoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"train/mel/ISIC_1.jpg":       "one",
		"train/mel/ISIC_1_aug_x.jpg": "two",
		"val/nv/ISIC_2.jpg":          "three",
		"manifest.parquet":           "four",
	}
	for name, body := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}

	out := filepath.Join(t.TempDir(), "HAM10000.tar.gz")
	n, err := PackTarGz(src, out)
	if err != nil {
		t.Fatalf("PackTarGz failed: %v", err)
	}
	if n != len(files) {
		t.Errorf("Expected %d packed files, got %d", len(files), n)
	}

	// Names inside the tarball are relative and slash-separated.
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	tr := tar.NewReader(gz)
	seen := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		seen[hdr.Name] = true
	}
	if !seen["train/mel/ISIC_1.jpg"] || !seen["manifest.parquet"] {
		t.Errorf("Unexpected tar entries: %v", seen)
	}

	dest := t.TempDir()
	if n, err := Extract(out, dest); err != nil || n != len(files) {
		t.Fatalf("Extract returned %d, %v", n, err)
	}
	data, err := os.ReadFile(filepath.Join(dest, "val", "nv", "ISIC_2.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "three" {
		t.Errorf("Expected three, got %q", data)
	}
}
