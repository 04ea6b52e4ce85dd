package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	aiplatform "google.golang.org/api/aiplatform/v1"

	"github.com/lehigh-university-libraries/dermtune/internal/vertex"
)

// Vertex runs jobs as Vertex AI CustomJobs with a single worker pool.
type Vertex struct {
	client       *vertex.Client
	pollInterval time.Duration
}

func NewVertex(client *vertex.Client, pollInterval time.Duration) *Vertex {
	return &Vertex{client: client, pollInterval: pollInterval}
}

func (v *Vertex) Submit(ctx context.Context, spec JobSpec) (Job, error) {
	if err := spec.Validate(); err != nil {
		return Job{}, err
	}

	machine := &aiplatform.GoogleCloudAiplatformV1MachineSpec{
		MachineType: spec.MachineType,
	}
	if spec.AcceleratorType != "" && spec.AcceleratorCount > 0 {
		machine.AcceleratorType = spec.AcceleratorType
		machine.AcceleratorCount = spec.AcceleratorCount
	}

	job := &aiplatform.GoogleCloudAiplatformV1CustomJob{
		DisplayName: spec.DisplayName,
		JobSpec: &aiplatform.GoogleCloudAiplatformV1CustomJobSpec{
			WorkerPoolSpecs: []*aiplatform.GoogleCloudAiplatformV1WorkerPoolSpec{
				{
					MachineSpec:  machine,
					ReplicaCount: spec.InstanceCount,
					ContainerSpec: &aiplatform.GoogleCloudAiplatformV1ContainerSpec{
						ImageUri: spec.ContainerImage,
						Args:     spec.Args(),
					},
				},
			},
			BaseOutputDirectory: &aiplatform.GoogleCloudAiplatformV1GcsDestination{
				OutputUriPrefix: spec.OutputURI,
			},
		},
	}

	slog.Debug("Creating custom job", "parent", v.client.Parent(), "display_name", spec.DisplayName)
	created, err := v.client.Service.Projects.Locations.CustomJobs.Create(v.client.Parent(), job).Context(ctx).Do()
	if err != nil {
		if vertex.IsClientError(err) {
			return Job{}, &JobRejectedError{Reason: "service refused the job", Err: err}
		}
		return Job{}, fmt.Errorf("failed to create custom job: %w", err)
	}

	return Job{Name: created.Name, DisplayName: created.DisplayName, State: mapJobState(created.State)}, nil
}

func (v *Vertex) Status(ctx context.Context, jobName string) (JobStatus, error) {
	job, err := v.client.Service.Projects.Locations.CustomJobs.Get(jobName).Context(ctx).Do()
	if err != nil {
		return JobStatus{}, fmt.Errorf("failed to get custom job: %w", err)
	}

	st := JobStatus{Name: job.Name, State: mapJobState(job.State)}
	if job.Error != nil {
		st.Message = job.Error.Message
	}
	if t, err := time.Parse(time.RFC3339Nano, job.UpdateTime); err == nil {
		st.Updated = t
	}
	return st, nil
}

func (v *Vertex) Wait(ctx context.Context, jobName string) (JobStatus, error) {
	return PollUntilDone(ctx, jobName, v.pollInterval, v.Status)
}

func mapJobState(s string) JobState {
	switch s {
	case "JOB_STATE_SUCCEEDED":
		return StateSucceeded
	case "JOB_STATE_FAILED", "JOB_STATE_EXPIRED":
		return StateFailed
	case "JOB_STATE_CANCELLED":
		return StateCancelled
	case "JOB_STATE_RUNNING", "JOB_STATE_CANCELLING", "JOB_STATE_UPDATING":
		return StateRunning
	default:
		return StatePending
	}
}
