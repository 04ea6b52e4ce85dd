package inference

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
)

// InferenceError is a per-sample failure. It never aborts the batch.
type InferenceError struct {
	RecordID string
	Stage    string
	Err      error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference for %s failed during %s: %v", e.RecordID, e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// PredictionResult is the outcome for one sample.
type PredictionResult struct {
	RecordID       string        `json:"record_id" yaml:"record_id"`
	Path           string        `json:"path" yaml:"path"`
	TrueLabel      dataset.Label `json:"true_label" yaml:"true_label"`
	TrueIndex      int           `json:"true_index" yaml:"true_index"`
	PredictedLabel dataset.Label `json:"predicted_label,omitempty" yaml:"predicted_label,omitempty"`
	PredictedIndex int           `json:"predicted_index" yaml:"predicted_index"`
	Confidence     float32       `json:"confidence" yaml:"confidence"`
	Probabilities  []float32     `json:"probabilities,omitempty" yaml:"probabilities,omitempty,flow"`
	Correct        bool          `json:"correct" yaml:"correct"`
	Latency        time.Duration `json:"latency" yaml:"latency"`
	Error          string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Client preprocesses samples and sends them to an endpoint one at a time.
type Client struct {
	Endpoint Endpoint
	Pipeline Pipeline
	// NumClasses is the expected length of every score vector.
	NumClasses int
	Metrics    *metrics.Recorder
}

// Predict runs every record through the endpoint. Failures are recorded on the
// result and the loop moves on.
func (c *Client) Predict(ctx context.Context, records []dataset.ImageRecord) []PredictionResult {
	results := make([]PredictionResult, 0, len(records))

	for i, rec := range records {
		slog.Info("Predicting sample", "index", i+1, "total", len(records), "record", rec.ID, "label", rec.Label)

		result, err := c.predictOne(ctx, rec)
		if err != nil {
			slog.Warn("Prediction failed", "record", rec.ID, "error", err)
			result.Error = err.Error()
			c.Metrics.Prediction("error")
		} else {
			slog.Info("Prediction",
				"record", rec.ID,
				"true", rec.Label,
				"predicted", result.PredictedLabel,
				"confidence", fmt.Sprintf("%.3f", result.Confidence))
			if result.Correct {
				c.Metrics.Prediction("correct")
			} else {
				c.Metrics.Prediction("incorrect")
			}
		}
		results = append(results, result)
	}

	return results
}

func (c *Client) predictOne(ctx context.Context, rec dataset.ImageRecord) (PredictionResult, error) {
	result := PredictionResult{
		RecordID:       rec.ID,
		Path:           rec.Path,
		TrueLabel:      rec.Label,
		TrueIndex:      rec.Label.Index(),
		PredictedIndex: -1,
	}

	tensor, err := c.Pipeline.Run(rec.Path)
	if err != nil {
		return result, &InferenceError{RecordID: rec.ID, Stage: "preprocess", Err: err}
	}

	start := time.Now()
	scores, err := c.Endpoint.Invoke(ctx, tensor)
	result.Latency = time.Since(start)
	if err != nil {
		return result, &InferenceError{RecordID: rec.ID, Stage: "invoke", Err: err}
	}
	if c.NumClasses > 0 && len(scores) != c.NumClasses {
		return result, &InferenceError{RecordID: rec.ID, Stage: "decode",
			Err: fmt.Errorf("expected %d class scores, got %d", c.NumClasses, len(scores))}
	}

	for i, v := range scores {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return result, &InferenceError{RecordID: rec.ID, Stage: "decode",
				Err: fmt.Errorf("class score %d is not finite: %v", i, v)}
		}
	}

	probs := Softmax(scores)
	idx, conf := Argmax(probs)
	if idx < 0 {
		return result, &InferenceError{RecordID: rec.ID, Stage: "decode", Err: fmt.Errorf("endpoint returned no scores")}
	}

	result.Probabilities = probs
	result.PredictedIndex = idx
	result.Confidence = conf
	if label, ok := dataset.LabelAt(idx); ok {
		result.PredictedLabel = label
	}
	result.Correct = idx == result.TrueIndex
	return result, nil
}

// SelectSamples picks up to perClass records from every class after a seeded
// shuffle. The result is ordered by class index.
func SelectSamples(m dataset.Manifest, perClass int, seed uint64) []dataset.ImageRecord {
	if perClass <= 0 {
		perClass = 1
	}

	var out []dataset.ImageRecord
	for _, label := range m.Labels() {
		recs := append([]dataset.ImageRecord(nil), m[label]...)
		if len(recs) == 0 {
			slog.Warn("No validation samples for class", "label", label)
			continue
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

		h := fnv.New64a()
		h.Write([]byte(label))
		rng := rand.New(rand.NewPCG(seed, h.Sum64()))
		rng.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })

		out = append(out, recs[:min(perClass, len(recs))]...)
	}
	return out
}
