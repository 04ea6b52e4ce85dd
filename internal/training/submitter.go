package training

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lehigh-university-libraries/dermtune/internal/storage"
)

// Submitter uploads the packaged dataset and runs a training job against it.
type Submitter struct {
	Store   storage.ObjectStore
	Service Service
	// JobsDir receives one YAML record per finished job. Empty disables it.
	JobsDir string
}

// Run validates spec, uploads packagePath to key, submits the job and blocks until
// it finishes. A failed or cancelled job yields *TrainingFailedError.
func (s *Submitter) Run(ctx context.Context, packagePath, key string, spec JobSpec) (*TrainedModelHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(packagePath); err != nil {
		return nil, fmt.Errorf("failed to find packaged dataset: %w", err)
	}

	slog.Info("Uploading dataset", "path", packagePath, "dest", s.Store.URI(key))
	if err := s.Store.Upload(ctx, packagePath, key); err != nil {
		return nil, fmt.Errorf("failed to upload dataset: %w", err)
	}

	submitted := time.Now()
	job, err := s.Service.Submit(ctx, spec)
	if err != nil {
		return nil, err
	}
	slog.Info("Training job submitted", "job", job.Name, "display_name", spec.DisplayName)

	st, err := s.Service.Wait(ctx, job.Name)
	if err != nil {
		return nil, err
	}

	handle := &TrainedModelHandle{
		JobName:     job.Name,
		DisplayName: spec.DisplayName,
		State:       st.State,
		ArtifactURI: spec.ArtifactURI(),
		Spec:        spec,
		SubmittedAt: submitted,
		FinishedAt:  time.Now(),
	}
	if err := s.save(handle); err != nil {
		slog.Warn("Failed to save job record", "job", job.Name, "error", err)
	}

	if st.State != StateSucceeded {
		return nil, &TrainingFailedError{Job: job.Name, State: st.State, Message: st.Message}
	}

	slog.Info("Training job succeeded", "job", job.Name, "artifact", handle.ArtifactURI,
		"duration", handle.FinishedAt.Sub(submitted).Round(time.Second))
	return handle, nil
}

func (s *Submitter) save(h *TrainedModelHandle) error {
	if s.JobsDir == "" {
		return nil
	}
	path, err := SaveHandle(h, s.JobsDir)
	if err != nil {
		return err
	}
	slog.Debug("Saved job record", "path", path)
	return nil
}

// SaveHandle writes h to dir/<job id>.yaml and returns the path.
func SaveHandle(h *TrainedModelHandle, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job record: %w", err)
	}

	path := filepath.Join(dir, jobFileName(h.JobName)+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return path, nil
}

// LoadHandle reads a job record written by SaveHandle.
func LoadHandle(path string) (*TrainedModelHandle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job record: %w", err)
	}
	var h TrainedModelHandle
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse job record: %w", err)
	}
	return &h, nil
}

// LatestHandle returns the most recently written job record in dir.
func LatestHandle(dir string) (*TrainedModelHandle, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}

	var (
		latest string
		mod    time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if latest == "" || info.ModTime().After(mod) {
			latest, mod = m, info.ModTime()
		}
	}
	if latest == "" {
		return nil, fmt.Errorf("no job records in %s", dir)
	}
	return LoadHandle(latest)
}

// jobFileName keeps the trailing job id of a resource name.
func jobFileName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "job"
	}
	return name
}
