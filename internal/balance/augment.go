package balance

import (
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/disintegration/imaging"
)

// Augmenter derives a new image from a seed image.
// All randomness must come from rng.
type Augmenter interface {
	Augment(img image.Image, rng *rand.Rand) image.Image
}

// ImagingAugmenter applies random geometric and intensity transforms.
type ImagingAugmenter struct {
	// MaxRotation bounds the small arbitrary rotation, in degrees.
	MaxRotation float64
	// Brightness and Contrast bound the jitter, in percent.
	Brightness float64
	Contrast   float64
	// MaxZoom is the largest zoom factor above 1 used by the random crop.
	MaxZoom float64
}

// DefaultAugmenter mirrors common dermatoscopy augmentation settings.
func DefaultAugmenter() *ImagingAugmenter {
	return &ImagingAugmenter{
		MaxRotation: 15,
		Brightness:  10,
		Contrast:    10,
		MaxZoom:     0.2,
	}
}

func (a *ImagingAugmenter) Augment(img image.Image, rng *rand.Rand) image.Image {
	out := imaging.Clone(img)

	if rng.IntN(2) == 1 {
		out = imaging.FlipH(out)
	}
	if rng.IntN(2) == 1 {
		out = imaging.FlipV(out)
	}

	switch rng.IntN(4) {
	case 1:
		out = imaging.Rotate90(out)
	case 2:
		out = imaging.Rotate180(out)
	case 3:
		out = imaging.Rotate270(out)
	}

	if a.MaxRotation > 0 {
		w, h := out.Bounds().Dx(), out.Bounds().Dy()
		angle := jitter(rng, a.MaxRotation)
		out = imaging.CropCenter(imaging.Rotate(out, angle, color.Black), w, h)
	}

	if a.Brightness > 0 {
		out = imaging.AdjustBrightness(out, jitter(rng, a.Brightness))
	}
	if a.Contrast > 0 {
		out = imaging.AdjustContrast(out, jitter(rng, a.Contrast))
	}

	if a.MaxZoom > 0 {
		w, h := out.Bounds().Dx(), out.Bounds().Dy()
		zoom := 1 + rng.Float64()*a.MaxZoom
		cw, ch := max(1, int(float64(w)/zoom)), max(1, int(float64(h)/zoom))
		out = imaging.Resize(imaging.CropCenter(out, cw, ch), w, h, imaging.Linear)
	}

	return out
}

// jitter returns a uniform value in [-limit, limit).
func jitter(rng *rand.Rand, limit float64) float64 {
	return (rng.Float64()*2 - 1) * limit
}
