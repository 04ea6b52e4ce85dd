package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/dermtune/internal/config"
	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
	"github.com/lehigh-university-libraries/dermtune/internal/pipeline"
	"github.com/lehigh-university-libraries/dermtune/internal/storage"
)

// app carries state shared by every subcommand for one invocation.
type app struct {
	configFile string
	verbose    bool

	cfg     *config.Config
	metrics *metrics.Recorder
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "dermtune",
		Short: "Fine-tune a skin lesion classifier on HAM10000 with managed training",
		Long: `dermtune prepares the HAM10000 dermatoscopic dataset, trains a classifier on
Vertex AI, deploys it and reports predictions on held-out images.

Each stage is its own command so a run can be resumed from any intermediate
artifact under --base-dir. The run command chains all of them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			level := slog.LevelInfo
			if a.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			cfg, err := config.Load(a.configFile, cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Verbose && !a.verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
			a.cfg = cfg
			a.metrics = metrics.New()
			slog.Debug("Configuration loaded", "base_dir", cfg.BaseDir, "storage", cfg.Storage.Backend, "endpoint", cfg.Endpoint.Kind)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "Path to a YAML config file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	flags.String("base-dir", "./data", "Local working directory")
	flags.String("bucket", "", "Bucket holding the dataset archive")
	flags.String("bucket-path", "ham10000", "Key prefix inside the bucket")
	flags.Uint64("seed", 42, "Seed for the split, balancing and sample selection")
	flags.String("storage", "gcs", "Object store backend: gcs, local or http")
	config.MapFlag(flags, "storage", "storage.backend")
	flags.String("metrics-file", "", "Write Prometheus metrics to this file when done")

	cmd.AddCommand(
		newIngestCmd(a),
		newPrepareCmd(a),
		newTrainCmd(a),
		newPredictCmd(a),
		newRunCmd(a),
		newServeCmd(a),
		newReportCmd(a),
		newInspectCmd(a),
	)
	for _, sub := range cmd.Commands() {
		a.recordMetrics(sub)
	}

	return cmd
}

// recordMetrics writes the metrics file after the command's RunE, whether or not it
// failed, so stage failures are recorded too.
func (a *app) recordMetrics(cmd *cobra.Command) {
	run := cmd.RunE
	if run == nil {
		return
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if metricsErr := a.writeMetrics(); metricsErr != nil {
				err = errors.Join(err, metricsErr)
			}
		}()
		return run(cmd, args)
	}
}

func (a *app) writeMetrics() error {
	if a.cfg == nil || a.cfg.MetricsFile == "" {
		return nil
	}
	if err := a.metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
		return err
	}
	slog.Debug("Metrics written", "path", a.cfg.MetricsFile)
	return nil
}

// pipeline builds a Pipeline with only the collaborators a command needs.
func (a *app) pipeline(ctx context.Context, withStore, withTrainer, withHost bool) (*pipeline.Pipeline, error) {
	p := &pipeline.Pipeline{Config: a.cfg, Metrics: a.metrics}

	var err error
	if withStore {
		if p.Store, err = storage.New(ctx, a.cfg, a.metrics); err != nil {
			return nil, err
		}
	}
	if withTrainer {
		if p.Trainer, err = pipeline.NewTrainer(ctx, a.cfg); err != nil {
			return nil, err
		}
	}
	if withHost {
		if p.Host, err = pipeline.NewHost(ctx, a.cfg); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// addEndpointFlags registers the flags selecting where predictions go.
func addEndpointFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("endpoint", "vertex", "Endpoint kind: vertex, http, onnx or gemini")
	config.MapFlag(flags, "endpoint", "endpoint.kind")
	flags.String("endpoint-url", "", "KServe v1 predict URL for the http endpoint")
	config.MapFlag(flags, "endpoint-url", "endpoint.url")
	flags.String("onnx-model", "", "Exported ONNX model for the onnx endpoint")
	config.MapFlag(flags, "onnx-model", "endpoint.onnx_model")
	flags.Int("samples-per-class", 1, "Validation images to predict per class")
	config.MapFlag(flags, "samples-per-class", "inference.samples_per_class")
}

// addTrainingFlags registers the flags most often changed between training runs.
func addTrainingFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("project", "", "Google Cloud project for Vertex AI")
	config.MapFlag(flags, "project", "training.project")
	flags.String("region", "us-central1", "Vertex AI region")
	config.MapFlag(flags, "region", "training.region")
	flags.Int("epochs", 10, "Training epochs")
	config.MapFlag(flags, "epochs", "training.epochs")
	flags.String("container-image", "", "Training container image")
	config.MapFlag(flags, "container-image", "training.container_image")
}
