package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Service is a managed training backend.
type Service interface {
	Submit(ctx context.Context, spec JobSpec) (Job, error)
	Status(ctx context.Context, jobName string) (JobStatus, error)
	// Wait blocks until the job reaches a terminal state or ctx is done.
	Wait(ctx context.Context, jobName string) (JobStatus, error)
}

// StatusFunc fetches the current status of a job.
type StatusFunc func(ctx context.Context, jobName string) (JobStatus, error)

// PollUntilDone calls status every interval until the job is terminal. Cancelling ctx
// stops the polling; the remote job keeps running.
func PollUntilDone(ctx context.Context, jobName string, interval time.Duration, status StatusFunc) (JobStatus, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last JobState
	for {
		st, err := status(ctx, jobName)
		if err != nil {
			return JobStatus{}, fmt.Errorf("failed to get status of %s: %w", jobName, err)
		}
		if st.State != last {
			slog.Info("Training job state", "job", jobName, "state", st.State)
			last = st.State
		}
		if st.State.Terminal() {
			return st, nil
		}

		select {
		case <-ctx.Done():
			return st, fmt.Errorf("stopped waiting for %s: %w", jobName, ctx.Err())
		case <-ticker.C:
		}
	}
}
