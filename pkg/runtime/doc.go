// Package runtime provides the process execution core for common workflows.
//
// # Overview
//
// Workflows in this project never talk to quantum engine codes directly.
// A workflow builds one or more process Builders (a process name plus a
// nested input tree) and hands them to a Runner. The runner resolves each
// builder either to a registered workchain, executed in-process, or to a
// calculation job, executed through a JobExecutor that stages the builder
// document into a job directory and invokes the configured code.
//
// # Core Domain Types
//
//   - Builder: process name plus nested input tree with path operations
//   - Result: exit status, exit message and named output documents
//   - Job: a unit of work in a run's execution DAG
//   - Dependency: an edge in the job graph (require/order)
//   - Run: one launched workflow with status tracking
//   - Event: timeline events during run execution
//
// # Execution
//
// The LocalRunner is the reference Runner. Workchains register under their
// process names the way database drivers register with database/sql; a
// builder naming an unregistered process is treated as a calculation job.
//
// Multi-job workflows (equations of state, dissociation curves, frozen
// phonons) build Job lists with dependencies and drive them through the
// ParallelScheduler, which executes the job DAG level by level with a
// bounded worker pool, retrying retryable failures with exponential backoff.
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires backoff
//   - Conflict: resource conflicts requiring retry
//   - Permanent: non-recoverable errors
//
// Workflow-level failures are not errors. A workchain that cannot produce
// its outputs finishes with a non-zero exit status on its Result, and exit
// statuses are never retried.
//
// # Thread Safety
//
// Runners and schedulers are safe for concurrent use. Builders are not;
// clone a builder before mutating it from another goroutine.
package runtime
