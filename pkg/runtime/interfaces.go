package runtime

import (
	"context"
)

// Runner launches processes: workchains registered in-process and
// calculation jobs executed through a JobExecutor. Workflows depend on this
// interface only, so alternative runtimes can drive the same workchains.
type Runner interface {
	// Run executes a process to completion and returns its result.
	Run(ctx context.Context, builder *Builder) (*Result, error)

	// Submit starts a process asynchronously and returns a future.
	Submit(ctx context.Context, builder *Builder) (*Future, error)
}

// JobExecutor executes calculation jobs: it stages the builder document into
// a job directory, invokes the configured code and reads back the results.
type JobExecutor interface {
	// Execute runs a calculation job to completion.
	Execute(ctx context.Context, job *CalcJob) (*Result, error)
}

// EventPublisher publishes run execution events.
type EventPublisher interface {
	// Publish publishes an event.
	Publish(ctx context.Context, event *Event) error
}

// RunStore persists runs, jobs and events.
type RunStore interface {
	// SaveRun persists a run, inserting or updating by ID.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// SaveJob persists a job, inserting or updating by ID.
	SaveJob(ctx context.Context, job *Job) error

	// AppendEvent appends an event to the run log.
	AppendEvent(ctx context.Context, event *Event) error
}
