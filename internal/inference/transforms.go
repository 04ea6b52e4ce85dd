// Package inference turns validation images into tensors, sends them to a deployed
// classifier and reports the predictions.
package inference

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/nfnt/resize"
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64   `json:"shape"`
	Data  []float32 `json:"data"`
}

// Nested returns the tensor without its leading batch dimension as nested slices,
// the shape JSON prediction APIs expect for a single instance.
func (t Tensor) Nested() any {
	shape := t.Shape
	if len(shape) > 1 && shape[0] == 1 {
		shape = shape[1:]
	}
	v, _ := nest(t.Data, shape)
	return v
}

func nest(data []float32, shape []int64) (any, []float32) {
	if len(shape) == 1 {
		n := int(shape[0])
		out := make([]float32, n)
		copy(out, data[:n])
		return out, data[n:]
	}
	out := make([]any, shape[0])
	for i := range out {
		out[i], data = nest(data, shape[1:])
	}
	return out, data
}

// Volume is a channel-first image: Data[c*H*W + y*W + x].
type Volume struct {
	C, H, W int
	Data    []float32
}

// Sample carries one image through a Pipeline.
type Sample struct {
	Path   string
	Raw    []byte
	Image  image.Image
	Volume *Volume
	Tensor *Tensor
}

// Transform is one named preprocessing step.
type Transform interface {
	Name() string
	Apply(s *Sample) error
}

// Pipeline applies transforms in order.
type Pipeline []Transform

// DefaultPipeline decodes, reorders channels, scales to [0,1], resizes to size x size,
// and emits a [1,3,size,size] tensor.
func DefaultPipeline(size int) Pipeline {
	return Pipeline{LoadImage{}, ChannelFirst{}, ScaleIntensity{}, Resize{Size: size}, ToTensor{}}
}

// Run preprocesses the image at path.
func (p Pipeline) Run(path string) (Tensor, error) {
	return p.apply(&Sample{Path: path})
}

// RunBytes preprocesses an encoded image.
func (p Pipeline) RunBytes(raw []byte) (Tensor, error) {
	return p.apply(&Sample{Raw: raw})
}

func (p Pipeline) apply(s *Sample) (Tensor, error) {
	for _, t := range p {
		if err := t.Apply(s); err != nil {
			return Tensor{}, fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	if s.Tensor == nil {
		return Tensor{}, errors.New("pipeline produced no tensor")
	}
	return *s.Tensor, nil
}

// LoadImage decodes JPEG or PNG pixels from Raw or Path.
type LoadImage struct{}

func (LoadImage) Name() string { return "LoadImage" }

func (LoadImage) Apply(s *Sample) error {
	if s.Image != nil {
		return nil
	}

	var (
		img image.Image
		err error
	)
	switch {
	case len(s.Raw) > 0:
		img, err = imaging.Decode(bytes.NewReader(s.Raw))
	case s.Path != "":
		img, err = imaging.Open(s.Path)
	default:
		return errors.New("no image source")
	}
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	s.Image = img
	return nil
}

// ChannelFirst converts HWC pixels into a 3-channel CHW volume of raw 0-255 values.
type ChannelFirst struct{}

func (ChannelFirst) Name() string { return "ChannelFirst" }

func (ChannelFirst) Apply(s *Sample) error {
	if s.Image == nil {
		return errors.New("no image loaded")
	}

	nrgba := imaging.Clone(s.Image)
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	if w == 0 || h == 0 {
		return errors.New("image is empty")
	}

	v := &Volume{C: 3, H: h, W: w, Data: make([]float32, 3*h*w)}
	plane := h * w
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			v.Data[i] = float32(row[x*4])
			v.Data[plane+i] = float32(row[x*4+1])
			v.Data[2*plane+i] = float32(row[x*4+2])
		}
	}

	s.Volume = v
	return nil
}

// ScaleIntensity min-max scales the whole volume to [0,1]. A constant volume
// becomes all zeros.
type ScaleIntensity struct{}

func (ScaleIntensity) Name() string { return "ScaleIntensity" }

func (ScaleIntensity) Apply(s *Sample) error {
	if s.Volume == nil {
		return errors.New("no volume")
	}

	lo, hi := s.Volume.Data[0], s.Volume.Data[0]
	for _, v := range s.Volume.Data {
		lo, hi = min(lo, v), max(hi, v)
	}

	span := hi - lo
	for i, v := range s.Volume.Data {
		if span == 0 {
			s.Volume.Data[i] = 0
			continue
		}
		s.Volume.Data[i] = (v - lo) / span
	}
	return nil
}

// Resize scales every channel to Size x Size with bilinear interpolation.
// A zero Size leaves the volume alone.
type Resize struct {
	Size int
}

func (Resize) Name() string { return "Resize" }

func (r Resize) Apply(s *Sample) error {
	if s.Volume == nil {
		return errors.New("no volume")
	}
	if r.Size <= 0 || (s.Volume.H == r.Size && s.Volume.W == r.Size) {
		return nil
	}

	src := s.Volume
	out := &Volume{C: src.C, H: r.Size, W: r.Size, Data: make([]float32, src.C*r.Size*r.Size)}
	plane := src.H * src.W

	for c := 0; c < src.C; c++ {
		gray := image.NewGray16(image.Rect(0, 0, src.W, src.H))
		for y := 0; y < src.H; y++ {
			for x := 0; x < src.W; x++ {
				v := clamp01(src.Data[c*plane+y*src.W+x])
				gray.SetGray16(x, y, color.Gray16{Y: uint16(v*65535 + 0.5)})
			}
		}

		resized := resize.Resize(uint(r.Size), uint(r.Size), gray, resize.Bilinear)
		b := resized.Bounds()
		base := c * r.Size * r.Size
		for y := 0; y < r.Size; y++ {
			for x := 0; x < r.Size; x++ {
				g := color.Gray16Model.Convert(resized.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				out.Data[base+y*r.Size+x] = float32(g.Y) / 65535
			}
		}
	}

	s.Volume = out
	return nil
}

func clamp01(v float32) float32 {
	return min(max(v, 0), 1)
}

// ToTensor adds the batch dimension.
type ToTensor struct{}

func (ToTensor) Name() string { return "ToTensor" }

func (ToTensor) Apply(s *Sample) error {
	if s.Volume == nil {
		return errors.New("no volume")
	}
	v := s.Volume
	s.Tensor = &Tensor{
		Shape: []int64{1, int64(v.C), int64(v.H), int64(v.W)},
		Data:  append([]float32(nil), v.Data...),
	}
	return nil
}
