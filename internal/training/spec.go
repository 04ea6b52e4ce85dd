// Package training submits fine-tuning jobs to a managed training service and waits
// for them to finish.
package training

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// JobSpec describes a training job. Build it once and treat it as immutable.
type JobSpec struct {
	DisplayName      string `yaml:"display_name"`
	MachineType      string `yaml:"machine_type"`
	AcceleratorType  string `yaml:"accelerator_type,omitempty"`
	AcceleratorCount int64  `yaml:"accelerator_count,omitempty"`
	InstanceCount    int64  `yaml:"instance_count"`
	Epochs           int    `yaml:"epochs"`
	Backend          string `yaml:"backend"`
	// Hyperparameters are passed to the container as extra --key=value args.
	Hyperparameters map[string]string `yaml:"hyperparameters,omitempty"`
	InputURI        string            `yaml:"input_uri"`
	OutputURI       string            `yaml:"output_uri"`
	ContainerImage  string            `yaml:"container_image"`
}

// Validate rejects specs that no training service would accept.
func (s JobSpec) Validate() error {
	var problems []string
	if strings.TrimSpace(s.InputURI) == "" {
		problems = append(problems, "input data location is empty")
	}
	if strings.TrimSpace(s.OutputURI) == "" {
		problems = append(problems, "output location is empty")
	}
	if s.InstanceCount <= 0 {
		problems = append(problems, fmt.Sprintf("instance count must be positive, got %d", s.InstanceCount))
	}
	if s.Epochs <= 0 {
		problems = append(problems, fmt.Sprintf("epochs must be positive, got %d", s.Epochs))
	}
	if s.MachineType == "" {
		problems = append(problems, "machine type is required")
	}
	if s.ContainerImage == "" {
		problems = append(problems, "container image is required")
	}
	if s.AcceleratorCount < 0 {
		problems = append(problems, "accelerator count cannot be negative")
	}

	if len(problems) > 0 {
		return &JobRejectedError{Reason: strings.Join(problems, "; ")}
	}
	return nil
}

// Args returns the container arguments: the fixed hyperparameters first, then the
// extras sorted by name.
func (s JobSpec) Args() []string {
	args := []string{
		fmt.Sprintf("--epochs=%d", s.Epochs),
		fmt.Sprintf("--backend=%s", s.Backend),
		fmt.Sprintf("--data=%s", s.InputURI),
	}
	for _, k := range slices.Sorted(maps.Keys(s.Hyperparameters)) {
		args = append(args, fmt.Sprintf("--%s=%s", k, s.Hyperparameters[k]))
	}
	return args
}

// ArtifactURI is where the training container writes the model.
func (s JobSpec) ArtifactURI() string {
	return strings.TrimSuffix(s.OutputURI, "/") + "/model/"
}

// JobState is the lifecycle state of a remote job.
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateRunning   JobState = "RUNNING"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
	StateCancelled JobState = "CANCELLED"
)

// Terminal reports whether no further transitions will happen.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Job is a submitted job.
type Job struct {
	Name        string
	DisplayName string
	State       JobState
}

// JobStatus is the latest known state of a job.
type JobStatus struct {
	Name    string
	State   JobState
	Message string
	Updated time.Time
}

// TrainedModelHandle points at the artifacts of a finished job.
type TrainedModelHandle struct {
	JobName     string    `yaml:"job_name"`
	DisplayName string    `yaml:"display_name"`
	State       JobState  `yaml:"state"`
	ArtifactURI string    `yaml:"artifact_uri"`
	Spec        JobSpec   `yaml:"spec"`
	SubmittedAt time.Time `yaml:"submitted_at"`
	FinishedAt  time.Time `yaml:"finished_at"`
}
