package inference

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
)

// ClassStats counts outcomes for one true class.
type ClassStats struct {
	Total   int `json:"total" yaml:"total"`
	Correct int `json:"correct" yaml:"correct"`
	Failed  int `json:"failed" yaml:"failed"`
}

// Report aggregates a prediction run.
type Report struct {
	Endpoint  string    `json:"endpoint" yaml:"endpoint"`
	Model     string    `json:"model,omitempty" yaml:"model,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	TotalSamples   int     `json:"total_samples" yaml:"total_samples"`
	SuccessCount   int     `json:"success_count" yaml:"success_count"`
	FailureCount   int     `json:"failure_count" yaml:"failure_count"`
	CorrectCount   int     `json:"correct_count" yaml:"correct_count"`
	Accuracy       float64 `json:"accuracy" yaml:"accuracy"`
	MeanConfidence float64 `json:"mean_confidence" yaml:"mean_confidence"`

	AverageLatency time.Duration `json:"average_latency" yaml:"average_latency"`

	PerClass map[dataset.Label]ClassStats `json:"per_class" yaml:"per_class"`
	Results  []PredictionResult           `json:"results" yaml:"results"`
}

// Aggregate summarizes results. Accuracy is over successful predictions.
func Aggregate(results []PredictionResult, endpoint, model string) *Report {
	r := &Report{
		Endpoint:     endpoint,
		Model:        model,
		Timestamp:    time.Now(),
		TotalSamples: len(results),
		PerClass:     make(map[dataset.Label]ClassStats),
		Results:      results,
	}

	var confidence float64
	var latency time.Duration
	for _, res := range results {
		stats := r.PerClass[res.TrueLabel]
		stats.Total++

		if res.Error != "" {
			r.FailureCount++
			stats.Failed++
			r.PerClass[res.TrueLabel] = stats
			continue
		}

		r.SuccessCount++
		confidence += float64(res.Confidence)
		latency += res.Latency
		if res.Correct {
			r.CorrectCount++
			stats.Correct++
		}
		r.PerClass[res.TrueLabel] = stats
	}

	if r.SuccessCount > 0 {
		r.Accuracy = float64(r.CorrectCount) / float64(r.SuccessCount)
		r.MeanConfidence = confidence / float64(r.SuccessCount)
		r.AverageLatency = latency / time.Duration(r.SuccessCount)
	}

	return r
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// PrintSummary writes a human-readable summary of the run.
func (r *Report) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 70))
	fmt.Fprintln(w, "DERMTUNE PREDICTION SUMMARY")
	fmt.Fprintln(w, strings.Repeat("=", 70))
	fmt.Fprintf(w, "Date: %s\n", r.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Endpoint: %s\n", r.Endpoint)
	if r.Model != "" {
		fmt.Fprintf(w, "Model: %s\n", r.Model)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "PROCESSING STATISTICS")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "Total Samples: %d\n", r.TotalSamples)
	fmt.Fprintf(w, "Successful: %d (%.1f%%)\n", r.SuccessCount, percent(r.SuccessCount, r.TotalSamples))
	fmt.Fprintf(w, "Failed: %d (%.1f%%)\n", r.FailureCount, percent(r.FailureCount, r.TotalSamples))
	fmt.Fprintf(w, "Average Latency: %s\n", r.AverageLatency)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "PER-CLASS RESULTS")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, label := range dataset.Labels {
		stats, ok := r.PerClass[label]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %-6s %-50s %d/%d correct", label, label.Description(), stats.Correct, stats.Total)
		if stats.Failed > 0 {
			fmt.Fprintf(w, " (%d failed)", stats.Failed)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "SAMPLES")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, res := range r.Results {
		if res.Error != "" {
			fmt.Fprintf(w, "  %-24s true=%-5s ERROR: %s\n", res.RecordID, res.TrueLabel, res.Error)
			continue
		}
		mark := "x"
		if res.Correct {
			mark = "ok"
		}
		fmt.Fprintf(w, "  %-24s true=%-5s predicted=%-5s confidence=%.3f %s\n",
			res.RecordID, res.TrueLabel, res.PredictedLabel, res.Confidence, mark)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "OVERALL")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	fmt.Fprintf(w, "Accuracy: %.2f%% (%d/%d)\n", r.Accuracy*100, r.CorrectCount, r.SuccessCount)
	fmt.Fprintf(w, "Mean Confidence: %.3f\n", r.MeanConfidence)
	fmt.Fprintln(w, strings.Repeat("=", 70))
}

// Write renders the report as text, json or csv.
func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case "", "text":
		r.PrintSummary(w)
		return nil
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(r); err != nil {
			return fmt.Errorf("failed to encode report to JSON: %w", err)
		}
		return nil
	case "csv":
		return r.writeCSV(w)
	default:
		return fmt.Errorf("unsupported format: %s (supported: text, json, csv)", format)
	}
}

func (r *Report) writeCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := []string{"record_id", "true_label", "predicted_label", "confidence", "correct", "latency_ms", "error"}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, res := range r.Results {
		row := []string{
			res.RecordID,
			string(res.TrueLabel),
			string(res.PredictedLabel),
			strconv.FormatFloat(float64(res.Confidence), 'f', 4, 32),
			strconv.FormatBool(res.Correct),
			strconv.FormatInt(res.Latency.Milliseconds(), 10),
			res.Error,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveYAML writes the report to dir/<timestamp>.yaml and returns the path.
func (r *Report) SaveYAML(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create predictions directory: %w", err)
	}

	data, err := yaml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal YAML: %w", err)
	}

	path := filepath.Join(dir, r.Timestamp.Format("2006-01-02_15-04-05")+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write YAML file: %w", err)
	}
	return path, nil
}

// LoadReport reads a report written by SaveYAML.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	return &r, nil
}
