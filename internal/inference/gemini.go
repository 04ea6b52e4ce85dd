package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"math"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
)

const geminiPrompt = `You are assisting with dermatoscopic image classification.
Classify the lesion in this image into exactly one of these HAM10000 categories:
%s
Respond with a JSON object mapping every category code to a probability between 0 and 1.
The probabilities must sum to 1. Respond with the JSON object only.`

// GeminiEndpoint is a zero-shot baseline that asks Gemini to score the classes.
// Scores are returned as log-probabilities so Softmax recovers Gemini's distribution.
type GeminiEndpoint struct {
	APIKey      string
	Model       string
	Temperature float32
	Labels      []dataset.Label
}

func NewGeminiEndpoint(apiKey, model string) *GeminiEndpoint {
	return &GeminiEndpoint{APIKey: apiKey, Model: model, Labels: dataset.Labels}
}

func (g *GeminiEndpoint) Invoke(ctx context.Context, t Tensor) ([]float32, error) {
	if g.APIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}

	imgData, err := TensorPNG(t)
	if err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(g.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create new gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.Model)
	model.SetTemperature(g.Temperature)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.ImageData("png", imgData), genai.Text(g.prompt()))
	if err != nil {
		return nil, fmt.Errorf("failed to generate content: %w", err)
	}

	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates returned from Gemini")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return nil, fmt.Errorf("empty content returned from Gemini")
	}

	txt, ok := candidate.Content.Parts[0].(genai.Text)
	if !ok {
		return nil, fmt.Errorf("unexpected response format from Gemini")
	}

	return ParseClassScores(string(txt), g.Labels)
}

func (g *GeminiEndpoint) prompt() string {
	var b strings.Builder
	for _, l := range g.Labels {
		fmt.Fprintf(&b, "- %s: %s\n", l, l.Description())
	}
	return fmt.Sprintf(geminiPrompt, b.String())
}

// ParseClassScores reads a JSON object of per-class probabilities, tolerating a
// markdown code fence, and returns log-probabilities in label order. Missing classes
// get a vanishing probability.
func ParseClassScores(text string, labels []dataset.Label) ([]float32, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var probs map[string]float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &probs); err != nil {
		return nil, fmt.Errorf("failed to parse class scores: %w", err)
	}

	scores := make([]float32, len(labels))
	found := 0
	for i, l := range labels {
		p, ok := probs[string(l)]
		if !ok || p <= 0 {
			p = 1e-6
		} else {
			found++
		}
		scores[i] = float32(math.Log(p))
	}
	if found == 0 {
		return nil, fmt.Errorf("response has no scores for any known class")
	}
	return scores, nil
}

// TensorPNG renders a [1,3,H,W] tensor with values in [0,1] as a PNG.
func TensorPNG(t Tensor) ([]byte, error) {
	shape := t.Shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[0] != 3 {
		return nil, fmt.Errorf("expected a 3-channel image tensor, got shape %v", t.Shape)
	}

	h, w := int(shape[1]), int(shape[2])
	if len(t.Data) != 3*h*w {
		return nil, fmt.Errorf("tensor has %d values for shape %v", len(t.Data), t.Shape)
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	plane := h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			o := img.PixOffset(x, y)
			img.Pix[o] = toByte(t.Data[i])
			img.Pix[o+1] = toByte(t.Data[plane+i])
			img.Pix[o+2] = toByte(t.Data[2*plane+i])
			img.Pix[o+3] = 255
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func toByte(v float32) uint8 {
	return uint8(clamp01(v)*255 + 0.5)
}
