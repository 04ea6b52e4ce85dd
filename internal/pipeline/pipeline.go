// Package pipeline chains the ingest, prepare, train and predict stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lehigh-university-libraries/dermtune/internal/archive"
	"github.com/lehigh-university-libraries/dermtune/internal/balance"
	"github.com/lehigh-university-libraries/dermtune/internal/config"
	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
	"github.com/lehigh-university-libraries/dermtune/internal/hosting"
	"github.com/lehigh-university-libraries/dermtune/internal/inference"
	"github.com/lehigh-university-libraries/dermtune/internal/metrics"
	"github.com/lehigh-university-libraries/dermtune/internal/storage"
	"github.com/lehigh-university-libraries/dermtune/internal/training"
)

const teardownTimeout = 15 * time.Minute

// Pipeline holds the collaborators every stage needs. Stages run one at a time.
type Pipeline struct {
	Config  *config.Config
	Store   storage.ObjectStore
	Trainer training.Service
	Host    hosting.Host
	Metrics *metrics.Recorder
}

// PrepareResult summarizes the prepare stage.
type PrepareResult struct {
	Dataset     dataset.Dataset
	Organized   dataset.OrganizeStats
	Synthesized int
	PackagePath string
	Files       int
}

func (p *Pipeline) stage(name string, fn func() error) error {
	start := time.Now()
	slog.Info("Stage started", "stage", name)
	err := fn()
	p.Metrics.ObserveStage(name, start, err)
	if err != nil {
		slog.Error("Stage failed", "stage", name, "error", err)
		return err
	}
	slog.Info("Stage finished", "stage", name, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Ingest downloads and extracts the dataset archive into the raw directory.
func (p *Pipeline) Ingest(ctx context.Context, force bool) (string, error) {
	var dir string
	err := p.stage("ingest", func() error {
		var err error
		dir, err = dataset.NewIngestor(p.Store, dataset.IngestConfig{
			Key:           p.Config.ObjectKey(p.Config.ArchiveName),
			DownloadDir:   p.Config.DownloadsDir(),
			ExtractDir:    p.Config.RawDir(),
			ForceDownload: force,
		}).Ingest(ctx)
		return err
	})
	return dir, err
}

// Prepare organizes the raw images into classes, splits them, balances the training
// partition and packages the result.
func (p *Pipeline) Prepare(ctx context.Context) (*PrepareResult, error) {
	var res *PrepareResult
	err := p.stage("prepare", func() error {
		var err error
		res, err = p.prepare(ctx)
		return err
	})
	return res, err
}

func (p *Pipeline) prepare(ctx context.Context) (*PrepareResult, error) {
	cfg := p.Config
	res := &PrepareResult{PackagePath: cfg.PackagePath()}

	metaPath, err := dataset.FindFile(cfg.RawDir(), cfg.MetadataFile)
	if err != nil {
		return nil, &dataset.IngestionError{Op: "find metadata", Path: cfg.RawDir(), Reason: dataset.ReasonMissing, Err: err}
	}
	meta, err := dataset.LoadMetadata(metaPath)
	if err != nil {
		return nil, err
	}

	organizer := &dataset.Organizer{Extension: cfg.Extension, Metrics: p.Metrics}
	manifest, stats, err := organizer.Organize(cfg.RawDir(), meta, cfg.ClassesDir())
	if err != nil {
		return nil, err
	}
	res.Organized = stats
	if manifest.Total() == 0 {
		return nil, &dataset.IngestionError{Op: "organize", Path: cfg.RawDir(), Reason: dataset.ReasonInvalid,
			Err: fmt.Errorf("no %s images matched the metadata", cfg.Extension)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	split := dataset.SplitManifest(manifest, cfg.ValidationFraction, cfg.Seed)
	slog.Info("Split dataset", "train", split.Train.Total(), "val", split.Validation.Total(),
		"fraction", cfg.ValidationFraction)

	// stale synthesized images from an earlier run would be packaged otherwise
	if err := os.RemoveAll(cfg.BalancedDir()); err != nil {
		return nil, fmt.Errorf("failed to clear balanced directory: %w", err)
	}
	ds, err := dataset.Materialize(split, cfg.BalancedDir())
	if err != nil {
		return nil, fmt.Errorf("failed to materialize split: %w", err)
	}

	balancer := &balance.Balancer{
		Ratio:     cfg.BalanceRatio,
		Seed:      cfg.Seed,
		Augmenter: balance.DefaultAugmenter(),
		Images:    &balance.DirStore{Root: filepath.Join(cfg.BalancedDir(), string(dataset.SplitTrain)), Extension: cfg.Extension},
		Metrics:   p.Metrics,
	}
	before := ds.Train.Total()
	ds.Train, err = balancer.Balance(ds.Train)
	if err != nil {
		return nil, err
	}
	res.Synthesized = ds.Train.Total() - before
	res.Dataset = ds

	for _, label := range ds.Train.Labels() {
		slog.Info("Class size", "label", label, "train", len(ds.Train[label]), "val", len(ds.Validation[label]))
	}

	if _, err := dataset.SaveDataset(ds, cfg.BalancedDir()); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Files, err = archive.PackTarGz(cfg.BalancedDir(), res.PackagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to package dataset: %w", err)
	}
	slog.Info("Dataset packaged", "path", res.PackagePath, "files", res.Files)
	return res, nil
}

// JobSpec builds the training job for the packaged dataset.
func (p *Pipeline) JobSpec() training.JobSpec {
	cfg := p.Config
	t := cfg.Training
	return training.JobSpec{
		DisplayName:      fmt.Sprintf("dermtune-%s", time.Now().UTC().Format("20060102-150405")),
		MachineType:      t.MachineType,
		AcceleratorType:  t.AcceleratorType,
		AcceleratorCount: t.AcceleratorCount,
		InstanceCount:    t.InstanceCount,
		Epochs:           t.Epochs,
		Backend:          t.Backend,
		Hyperparameters:  map[string]string{"seed": fmt.Sprint(cfg.Seed), "image-size": fmt.Sprint(cfg.ImageSize)},
		InputURI:         p.Store.URI(cfg.ObjectKey(cfg.DatasetArchive)),
		OutputURI:        p.Store.URI(cfg.ObjectKey("output")),
		ContainerImage:   t.ContainerImage,
	}
}

// Train uploads the packaged dataset and blocks until the training job finishes.
func (p *Pipeline) Train(ctx context.Context) (*training.TrainedModelHandle, error) {
	var handle *training.TrainedModelHandle
	err := p.stage("train", func() error {
		submitter := &training.Submitter{Store: p.Store, Service: p.Trainer, JobsDir: p.Config.JobsDir()}
		var err error
		handle, err = submitter.Run(ctx, p.Config.PackagePath(), p.Config.ObjectKey(p.Config.DatasetArchive), p.JobSpec())
		return err
	})
	return handle, err
}

// Predict deploys the model at artifactURI, classifies a sample of validation images
// and tears the deployment down again. Teardown happens once, whatever the outcome.
func (p *Pipeline) Predict(ctx context.Context, artifactURI string) (*inference.Report, error) {
	var report *inference.Report
	err := p.stage("predict", func() error {
		var err error
		report, err = p.predict(ctx, artifactURI)
		return err
	})
	return report, err
}

func (p *Pipeline) predict(ctx context.Context, artifactURI string) (report *inference.Report, err error) {
	cfg := p.Config

	ds, err := dataset.LoadDataset(cfg.BalancedDir())
	if err != nil {
		return nil, err
	}
	samples := inference.SelectSamples(ds.Validation, cfg.Inference.SamplesPerClass, cfg.Seed)
	if len(samples) == 0 {
		return nil, errors.New("no validation samples to predict")
	}

	deployment, err := p.Host.Deploy(ctx, artifactURI, hosting.Shape{
		MachineType:  cfg.Hosting.MachineType,
		MinReplicas:  cfg.Hosting.MinReplicas,
		ServingImage: cfg.Hosting.ServingImage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deploy model: %w", err)
	}
	defer func() {
		tdCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if tdErr := deployment.Teardown(tdCtx); tdErr != nil {
			slog.Error("Failed to tear down endpoint", "endpoint", deployment.Name(), "error", tdErr)
			err = errors.Join(err, fmt.Errorf("failed to tear down endpoint: %w", tdErr))
		}
	}()

	client := &inference.Client{
		Endpoint:   deployment,
		Pipeline:   inference.DefaultPipeline(cfg.ImageSize),
		NumClasses: len(dataset.Labels),
		Metrics:    p.Metrics,
	}
	results := client.Predict(ctx, samples)

	report = inference.Aggregate(results, deployment.Name(), artifactURI)
	path, err := report.SaveYAML(cfg.PredictionsDir())
	if err != nil {
		return report, err
	}
	slog.Info("Prediction report saved", "path", path)
	return report, nil
}

// Run executes every stage in order and stops at the first fatal error.
func (p *Pipeline) Run(ctx context.Context, force bool) (*inference.Report, error) {
	if _, err := p.Ingest(ctx, force); err != nil {
		return nil, err
	}
	if _, err := p.Prepare(ctx); err != nil {
		return nil, err
	}
	handle, err := p.Train(ctx)
	if err != nil {
		return nil, err
	}
	return p.Predict(ctx, handle.ArtifactURI)
}
