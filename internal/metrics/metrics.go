package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the pipeline counters for a single run. A nil *Recorder is valid and
// records nothing, so stages can be used without metrics wiring.
type Recorder struct {
	registry *prometheus.Registry

	stageDuration   *prometheus.HistogramVec
	stageFailures   *prometheus.CounterVec
	imagesOrganized *prometheus.CounterVec
	imagesSynth     *prometheus.CounterVec
	transferRetries *prometheus.CounterVec
	predictions     *prometheus.CounterVec
}

// New creates a Recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dermtune",
			Name:      "stage_duration_seconds",
			Help:      "Wall time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"stage"}),
		stageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dermtune",
			Name:      "stage_failures_total",
			Help:      "Pipeline stages that ended in an error.",
		}, []string{"stage"}),
		imagesOrganized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dermtune",
			Name:      "images_organized_total",
			Help:      "Original images copied into class directories.",
		}, []string{"label"}),
		imagesSynth: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dermtune",
			Name:      "images_synthesized_total",
			Help:      "Augmented images generated while balancing.",
		}, []string{"label"}),
		transferRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dermtune",
			Name:      "transfer_retries_total",
			Help:      "Object store operations retried after a transient failure.",
		}, []string{"op"}),
		predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dermtune",
			Name:      "predictions_total",
			Help:      "Inference calls by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveStage records how long a stage took and whether it failed.
func (r *Recorder) ObserveStage(stage string, start time.Time, err error) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		r.stageFailures.WithLabelValues(stage).Inc()
	}
}

func (r *Recorder) ImageOrganized(label string) {
	if r == nil {
		return
	}
	r.imagesOrganized.WithLabelValues(label).Inc()
}

func (r *Recorder) ImageSynthesized(label string) {
	if r == nil {
		return
	}
	r.imagesSynth.WithLabelValues(label).Inc()
}

func (r *Recorder) TransferRetried(op string) {
	if r == nil {
		return
	}
	r.transferRetries.WithLabelValues(op).Inc()
}

// Prediction counts one inference call; outcome is "correct", "incorrect" or "error".
func (r *Recorder) Prediction(outcome string) {
	if r == nil {
		return
	}
	r.predictions.WithLabelValues(outcome).Inc()
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
