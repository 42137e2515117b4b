package runtime

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a workflow run.
type RunStatus string

const (
	// RunStatusPending indicates the run is queued but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the run completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run failed with errors.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled by the user.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates the run partially succeeded (some jobs failed
	// but were tolerated, e.g. points of a dissociation curve).
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// IsActive returns true if the run is currently active (pending or running).
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// JobStatus represents the status of a single job during run execution.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to execute.
	JobStatusPending JobStatus = "pending"

	// JobStatusBlocked indicates the job is blocked by dependencies.
	JobStatusBlocked JobStatus = "blocked"

	// JobStatusRunning indicates the job is currently executing.
	JobStatusRunning JobStatus = "running"

	// JobStatusSucceeded indicates the job completed with exit status zero.
	JobStatusSucceeded JobStatus = "succeeded"

	// JobStatusFailed indicates the job failed or finished with a non-zero
	// exit status.
	JobStatusFailed JobStatus = "failed"

	// JobStatusSkipped indicates the job was skipped because a required
	// dependency failed.
	JobStatusSkipped JobStatus = "skipped"

	// JobStatusCancelled indicates the job was cancelled.
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the job status represents a final state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed ||
		s == JobStatusSkipped || s == JobStatusCancelled
}

// IsActive returns true if the job is currently active.
func (s JobStatus) IsActive() bool {
	return s == JobStatusPending || s == JobStatusBlocked || s == JobStatusRunning
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusPending, JobStatusBlocked, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusSkipped, JobStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a workflow run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a workflow run has completed.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeRunFailed indicates a workflow run has failed.
	EventTypeRunFailed EventType = "run_failed"

	// EventTypeJobStarted indicates a job has started execution.
	EventTypeJobStarted EventType = "job_started"

	// EventTypeJobCompleted indicates a job has completed successfully.
	EventTypeJobCompleted EventType = "job_completed"

	// EventTypeJobFailed indicates a job has failed.
	EventTypeJobFailed EventType = "job_failed"

	// EventTypeJobRetried indicates a job is being retried after a
	// recoverable failure.
	EventTypeJobRetried EventType = "job_retried"

	// EventTypeError indicates an error occurred.
	EventTypeError EventType = "error"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"

	// EventTypeInfo indicates an informational event.
	EventTypeInfo EventType = "info"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeJobFailed, EventTypeError:
		return "error"
	case EventTypeWarning, EventTypeJobRetried:
		return "warning"
	default:
		return "info"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
