package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
)

func gradientPNG(t *testing.T, dir, name string, w, h int, lo, hi uint8) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := lo + uint8((int(hi-lo)*(x+y))/(w+h-2))
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: hi - (v - lo), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestSoftmax(t *testing.T) {
	probs := Softmax([]float32{1.0, 2.0, 0.5})

	var sum float64
	for _, p := range probs {
		sum += float64(p)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)

	idx, conf := Argmax(probs)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.6285, conf, 1e-3)
}

func TestSoftmaxLargeScores(t *testing.T) {
	probs := Softmax([]float32{1000, 1001, 999})
	for _, p := range probs {
		assert.False(t, math.IsNaN(float64(p)))
	}
	idx, _ := Argmax(probs)
	assert.Equal(t, 1, idx)
}

func TestArgmaxEmpty(t *testing.T) {
	idx, _ := Argmax(nil)
	assert.Equal(t, -1, idx)
	assert.Nil(t, Softmax(nil))
}

func TestPipelineDeterministic(t *testing.T) {
	path := gradientPNG(t, t.TempDir(), "a.png", 40, 30, 10, 220)
	p := DefaultPipeline(16)

	first, err := p.Run(path)
	require.NoError(t, err)
	second, err := p.Run(path)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 16, 16}, first.Shape)
	assert.Len(t, first.Data, 3*16*16)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("preprocessing is not deterministic:\n%s", diff)
	}
}

func TestScaledIntensitiesInUnitRange(t *testing.T) {
	tests := []struct {
		name   string
		lo, hi uint8
	}{
		{name: "full range", lo: 0, hi: 255},
		{name: "narrow bright", lo: 200, hi: 210},
		{name: "narrow dark", lo: 0, hi: 3},
		{name: "constant", lo: 77, hi: 77},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := gradientPNG(t, t.TempDir(), "img.png", 20, 20, tt.lo, tt.hi)
			tensor, err := DefaultPipeline(8).Run(path)
			require.NoError(t, err)

			for i, v := range tensor.Data {
				if v < 0 || v > 1 {
					t.Fatalf("value %d out of range: %v", i, v)
				}
			}
		})
	}
}

func TestScaleIntensityConstantIsZero(t *testing.T) {
	s := &Sample{Volume: &Volume{C: 1, H: 2, W: 2, Data: []float32{5, 5, 5, 5}}}
	require.NoError(t, ScaleIntensity{}.Apply(s))
	assert.Equal(t, []float32{0, 0, 0, 0}, s.Volume.Data)
}

func TestChannelFirst(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 1, G: 2, B: 3, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 4, G: 5, B: 6, A: 255})

	s := &Sample{Image: img}
	require.NoError(t, ChannelFirst{}.Apply(s))
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, s.Volume.Data)
}

func TestPipelineRejectsGarbage(t *testing.T) {
	_, err := DefaultPipeline(8).RunBytes([]byte("definitely not an image"))
	assert.ErrorContains(t, err, "LoadImage")
}

func TestNested(t *testing.T) {
	tensor := Tensor{Shape: []int64{1, 2, 1, 2}, Data: []float32{1, 2, 3, 4}}
	got, err := json.Marshal(tensor.Nested())
	require.NoError(t, err)
	assert.JSONEq(t, `[[[1,2]],[[3,4]]]`, string(got))
}

func TestHTTPEndpoint(t *testing.T) {
	var got PredictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models/dermtune:predict", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"predictions":[[0.1, 0.2, 3.0, 0.4, 0.5, 0.6, 0.7]]}`))
	}))
	defer srv.Close()

	ep := NewHTTPEndpoint(srv.URL + "/v1/models/dermtune:predict")
	scores, err := ep.Invoke(context.Background(), Tensor{Shape: []int64{1, 3, 1, 1}, Data: []float32{0, 0.5, 1}})
	require.NoError(t, err)
	assert.Len(t, scores, 7)
	assert.Len(t, got.Instances, 1)
}

func TestHTTPEndpointErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: "boom"},
		{name: "malformed json", status: http.StatusOK, body: "{not json"},
		{name: "no predictions", status: http.StatusOK, body: `{"predictions":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPEndpoint(srv.URL).Invoke(context.Background(), Tensor{Shape: []int64{1}, Data: []float32{0}})
			assert.Error(t, err)
		})
	}
}

type scriptedEndpoint struct {
	calls   int
	results [][]float32
	errs    []error
}

func (s *scriptedEndpoint) Invoke(ctx context.Context, t Tensor) ([]float32, error) {
	i := s.calls
	s.calls++
	return s.results[i], s.errs[i]
}

func TestClientIsolatesFailures(t *testing.T) {
	dir := t.TempDir()
	good := gradientPNG(t, dir, "good.png", 10, 10, 0, 255)
	bad := filepath.Join(dir, "bad.png")
	require.NoError(t, os.WriteFile(bad, []byte("corrupt"), 0644))

	records := []dataset.ImageRecord{
		{ID: "a", Label: dataset.ActinicKeratosis, Path: good},
		{ID: "b", Label: dataset.BasalCellCarcinoma, Path: bad},
		{ID: "c", Label: dataset.BenignKeratosis, Path: good},
		{ID: "d", Label: dataset.Melanoma, Path: good},
	}

	scores := func(hot int) []float32 {
		s := make([]float32, 7)
		s[hot] = 5
		return s
	}
	ep := &scriptedEndpoint{
		results: [][]float32{scores(0), nil, scores(2)},
		errs:    []error{nil, errors.New("connection refused"), nil},
	}

	client := &Client{Endpoint: ep, Pipeline: DefaultPipeline(4), NumClasses: 7}
	results := client.Predict(context.Background(), records)

	require.Len(t, results, 4)
	assert.True(t, results[0].Correct)
	assert.Contains(t, results[1].Error, "preprocess")
	assert.Contains(t, results[2].Error, "connection refused")
	assert.Empty(t, results[3].Error)
	assert.False(t, results[3].Correct)
	assert.Equal(t, dataset.BenignKeratosis, results[3].PredictedLabel)
	assert.Equal(t, 3, ep.calls, "the corrupt image never reaches the endpoint")

	report := Aggregate(results, "scripted", "")
	assert.Equal(t, 4, report.TotalSamples)
	assert.Equal(t, 2, report.SuccessCount)
	assert.Equal(t, 2, report.FailureCount)
	assert.InDelta(t, 0.5, report.Accuracy, 1e-9)
	assert.Equal(t, 1, report.PerClass[dataset.BasalCellCarcinoma].Failed)
}

func TestClientRejectsWrongScoreCount(t *testing.T) {
	path := gradientPNG(t, t.TempDir(), "x.png", 6, 6, 0, 255)
	ep := &scriptedEndpoint{results: [][]float32{{1, 2, 3}}, errs: []error{nil}}
	client := &Client{Endpoint: ep, Pipeline: DefaultPipeline(4), NumClasses: 7}

	results := client.Predict(context.Background(), []dataset.ImageRecord{{ID: "x", Label: dataset.Melanoma, Path: path}})
	require.Len(t, results, 1)
	assert.Contains(t, results[0].Error, "expected 7 class scores")
}

func TestSelectSamples(t *testing.T) {
	m := dataset.NewManifest(dataset.Labels...)
	for _, id := range []string{"n3", "n1", "n2"} {
		m[dataset.MelanocyticNevus] = append(m[dataset.MelanocyticNevus], dataset.ImageRecord{ID: id, Label: dataset.MelanocyticNevus})
	}
	m[dataset.Melanoma] = []dataset.ImageRecord{{ID: "m1", Label: dataset.Melanoma}}

	first := SelectSamples(m, 1, 42)
	require.Len(t, first, 2)
	assert.Equal(t, dataset.Melanoma, first[0].Label, "ordered by class index")
	assert.Equal(t, dataset.MelanocyticNevus, first[1].Label)

	if diff := cmp.Diff(first, SelectSamples(m, 1, 42)); diff != "" {
		t.Errorf("selection is not deterministic:\n%s", diff)
	}
	assert.Len(t, SelectSamples(m, 5, 42), 4)
}

func TestParseClassScores(t *testing.T) {
	text := "```json\n{\"mel\": 0.7, \"nv\": 0.2, \"bkl\": 0.1}\n```"
	scores, err := ParseClassScores(text, dataset.Labels)
	require.NoError(t, err)
	require.Len(t, scores, 7)

	idx, conf := Argmax(Softmax(scores))
	assert.Equal(t, dataset.Melanoma.Index(), idx)
	assert.InDelta(t, 0.7, conf, 1e-3)

	_, err = ParseClassScores(`{"psoriasis": 1}`, dataset.Labels)
	assert.Error(t, err)
}

func TestTensorPNG(t *testing.T) {
	data, err := TensorPNG(Tensor{Shape: []int64{1, 3, 2, 2}, Data: make([]float32, 12)})
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())

	_, err = TensorPNG(Tensor{Shape: []int64{1, 1, 2, 2}, Data: make([]float32, 4)})
	assert.Error(t, err)
}

func TestReportFormats(t *testing.T) {
	report := Aggregate([]PredictionResult{
		{RecordID: "a", TrueLabel: dataset.Melanoma, TrueIndex: 4, PredictedLabel: dataset.Melanoma, PredictedIndex: 4, Confidence: 0.9, Correct: true},
		{RecordID: "b", TrueLabel: dataset.Dermatofibroma, TrueIndex: 3, PredictedIndex: -1, Error: "timeout"},
	}, "http", "dermtune")

	var text bytes.Buffer
	require.NoError(t, report.Write(&text, "text"))
	assert.Contains(t, text.String(), "Accuracy: 100.00% (1/1)")
	assert.Contains(t, text.String(), "ERROR: timeout")

	var csvOut bytes.Buffer
	require.NoError(t, report.Write(&csvOut, "csv"))
	lines := strings.Split(strings.TrimSpace(csvOut.String()), "\n")
	assert.Len(t, lines, 3)

	var jsonOut bytes.Buffer
	require.NoError(t, report.Write(&jsonOut, "json"))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(jsonOut.Bytes(), &decoded))
	assert.Equal(t, float64(2), decoded["total_samples"])

	assert.Error(t, report.Write(&bytes.Buffer{}, "xml"))

	path, err := report.SaveYAML(t.TempDir())
	require.NoError(t, err)
	loaded, err := LoadReport(path)
	require.NoError(t, err)
	assert.Equal(t, report.CorrectCount, loaded.CorrectCount)
	assert.Equal(t, report.Results[1].Error, loaded.Results[1].Error)
}

func TestClientRejectsNonFiniteScores(t *testing.T) {
	path := gradientPNG(t, t.TempDir(), "x.png", 6, 6, 0, 255)
	nan := []float32{1, 2, float32(math.NaN()), 0, 0, 0, 0}
	inf := []float32{float32(math.Inf(1)), 0, 0, 0, 0, 0, 0}
	ep := &scriptedEndpoint{results: [][]float32{nan, inf}, errs: []error{nil, nil}}
	client := &Client{Endpoint: ep, Pipeline: DefaultPipeline(4), NumClasses: 7}

	results := client.Predict(context.Background(), []dataset.ImageRecord{
		{ID: "nan", Label: dataset.Melanoma, Path: path},
		{ID: "inf", Label: dataset.ActinicKeratosis, Path: path},
	})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Contains(t, r.Error, "during decode")
		assert.Contains(t, r.Error, "not finite")
		assert.False(t, r.Correct)
		assert.Nil(t, r.Probabilities)
	}

	report := Aggregate(results, "scripted", "")
	assert.Equal(t, 2, report.FailureCount)
	assert.Equal(t, 0, report.SuccessCount)
}
