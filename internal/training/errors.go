package training

import "fmt"

// JobRejectedError means the job was never started, either because the spec is
// invalid or because the service refused it.
type JobRejectedError struct {
	Reason string
	Err    error
}

func (e *JobRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("training job rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("training job rejected: %s", e.Reason)
}

func (e *JobRejectedError) Unwrap() error { return e.Err }

// TrainingFailedError means the job ran and ended in a failed or cancelled state.
// Resubmitting is left to the operator.
type TrainingFailedError struct {
	Job     string
	State   JobState
	Message string
}

func (e *TrainingFailedError) Error() string {
	msg := fmt.Sprintf("training job %s ended in state %s", e.Job, e.State)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
