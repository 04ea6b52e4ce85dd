package balance

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
)

// ImageStore loads seed pixels and persists synthesized images.
type ImageStore interface {
	Load(rec dataset.ImageRecord) (image.Image, error)
	// Save stores img for rec and returns rec with its Path set.
	Save(rec dataset.ImageRecord, img image.Image) (dataset.ImageRecord, error)
}

// DirStore writes synthesized images to Root/<label>/<id><Extension>.
type DirStore struct {
	Root      string
	Extension string
}

func (s *DirStore) Load(rec dataset.ImageRecord) (image.Image, error) {
	img, err := imaging.Open(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", rec.Path, err)
	}
	return img, nil
}

func (s *DirStore) Save(rec dataset.ImageRecord, img image.Image) (dataset.ImageRecord, error) {
	ext := s.Extension
	if ext == "" {
		ext = ".jpg"
	}

	dir := filepath.Join(s.Root, string(rec.Label))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return rec, fmt.Errorf("failed to create directory: %w", err)
	}

	rec.Path = filepath.Join(dir, rec.ID+ext)
	if err := imaging.Save(img, rec.Path, imaging.JPEGQuality(95)); err != nil {
		return rec, fmt.Errorf("failed to save %s: %w", rec.Path, err)
	}
	return rec, nil
}

// MemoryStore keeps images in memory, keyed by record id.
type MemoryStore struct {
	mu     sync.Mutex
	images map[string]image.Image
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[string]image.Image)}
}

// Put registers the pixels for a seed record.
func (s *MemoryStore) Put(id string, img image.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[id] = img
}

func (s *MemoryStore) Load(rec dataset.ImageRecord) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[rec.ID]
	if !ok {
		return nil, fmt.Errorf("image %s not found", rec.ID)
	}
	return img, nil
}

func (s *MemoryStore) Save(rec dataset.ImageRecord, img image.Image) (dataset.ImageRecord, error) {
	s.Put(rec.ID, img)
	rec.Path = "mem://" + rec.ID
	return rec, nil
}

// Len returns the number of stored images.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}
