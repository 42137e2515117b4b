package runtime

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ParallelScheduler executes a run's jobs with dependency management.
// It executes jobs level-by-level, running independent jobs in parallel
// within each level. The composite workflows use it for their fan-out
// phase: an equation of state runs its volumes in one level, a
// dissociation curve its distances, frozen phonons its displacements.
type ParallelScheduler struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int

	// runner executes individual jobs
	runner Runner

	// events publishes execution events, may be nil
	events EventPublisher

	// store persists run and job state, may be nil
	store RunStore

	// mu protects shared state during execution
	mu sync.RWMutex

	// jobResults maps job IDs to their results
	jobResults map[string]*Result

	// jobStatus tracks the current status of each job
	jobStatus map[string]JobStatus
}

// NewParallelScheduler creates a new parallel scheduler.
func NewParallelScheduler(maxParallel int, runner Runner, events EventPublisher, store RunStore) *ParallelScheduler {
	if maxParallel <= 0 {
		maxParallel = 10 // Default to 10 concurrent workers
	}

	return &ParallelScheduler{
		maxParallel: maxParallel,
		runner:      runner,
		events:      events,
		store:       store,
		jobResults:  make(map[string]*Result),
		jobStatus:   make(map[string]JobStatus),
	}
}

// Execute runs all jobs of a run to completion and returns their results
// indexed by job ID. Failures of jobs marked TolerateFailure are recorded
// but do not fail the run.
func (s *ParallelScheduler) Execute(ctx context.Context, run *Run, jobs []*Job) (map[string]*Result, error) {
	if run == nil {
		return nil, NewPermanentError("run is nil", nil).WithCode(ErrCodeValidation)
	}
	if s.runner == nil {
		return nil, NewPermanentError("scheduler has no runner", nil).WithCode(ErrCodeValidation)
	}

	graph, err := NewDAGBuilder().BuildGraph(jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to build job graph: %w", err)
	}

	run.Status = RunStatusRunning
	run.Summary = RunSummary{Total: len(jobs), Pending: len(jobs)}
	if err := s.saveRun(ctx, run); err != nil {
		return nil, err
	}
	s.publishEvent(ctx, run.ID, "", EventTypeRunStarted, "Run started", "info")

	s.mu.Lock()
	for _, job := range jobs {
		job.RunID = run.ID
		s.jobStatus[job.ID] = JobStatusPending
	}
	s.mu.Unlock()

	execErr := s.executeLevels(ctx, run, graph, jobs)

	s.mu.RLock()
	summary := s.calculateRunSummary(jobs)
	results := make(map[string]*Result, len(s.jobResults))
	for id, result := range s.jobResults {
		results[id] = result
	}
	s.mu.RUnlock()

	run.Summary = summary
	completedAt := time.Now()
	run.CompletedAt = &completedAt
	run.Duration = completedAt.Sub(run.StartedAt)

	switch {
	case execErr != nil:
		run.Status = RunStatusFailed
	case summary.Failed > 0 || summary.Skipped > 0:
		// Only tolerated failures reach this branch.
		run.Status = RunStatusPartial
	default:
		run.Status = RunStatusSucceeded
	}

	if saveErr := s.saveRun(ctx, run); saveErr != nil && execErr == nil {
		execErr = saveErr
	}

	if run.Status == RunStatusSucceeded {
		s.publishEvent(ctx, run.ID, "", EventTypeRunCompleted, "Run completed successfully", "info")
	} else {
		s.publishEvent(ctx, run.ID, "", EventTypeRunFailed,
			fmt.Sprintf("Run completed with status: %s", run.Status), "error")
	}

	return results, execErr
}

// executeLevels executes the jobs level by level, with parallelism within
// each level.
func (s *ParallelScheduler) executeLevels(ctx context.Context, run *Run, graph *JobGraph, jobs []*Job) error {
	jobMap := make(map[string]*Job, len(jobs))
	for _, job := range jobs {
		jobMap[job.ID] = job
	}

	var firstErr error
	for level := 0; level < graph.Depth; level++ {
		levelJobs := s.jobsAtLevel(graph, level, jobMap)
		if len(levelJobs) == 0 {
			continue
		}

		if err := s.executeLevelParallel(ctx, run, levelJobs); err != nil && firstErr == nil {
			firstErr = err
		}

		select {
		case <-ctx.Done():
			return s.handleCancellation(run, jobs, ctx.Err())
		default:
		}
	}

	return firstErr
}

// jobsAtLevel returns all jobs at the specified execution level.
func (s *ParallelScheduler) jobsAtLevel(graph *JobGraph, level int, jobMap map[string]*Job) []*Job {
	jobs := make([]*Job, 0)
	for _, node := range graph.Nodes {
		if node.Level == level {
			if job, exists := jobMap[node.ID]; exists {
				jobs = append(jobs, job)
			}
		}
	}
	return jobs
}

// executeLevelParallel executes all jobs at a level using a worker pool.
func (s *ParallelScheduler) executeLevelParallel(ctx context.Context, run *Run, jobs []*Job) error {
	workerCount := s.maxParallel
	if len(jobs) < workerCount {
		workerCount = len(jobs)
	}

	workQueue := make(chan *Job, len(jobs))
	for _, job := range jobs {
		workQueue <- job
	}
	close(workQueue)

	var wg sync.WaitGroup
	errChan := make(chan error, len(jobs))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for job := range workQueue {
				if !s.checkDependencies(job) {
					s.markJobSkipped(ctx, job, "required dependency failed")
					continue
				}

				if err := s.executeJob(ctx, run, job); err != nil && !job.TolerateFailure {
					errChan <- fmt.Errorf("job %s failed: %w", job.Name, err)
				}

				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}()
	}

	wg.Wait()
	close(errChan)

	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// executeJob executes a single job with retry logic. Non-zero exit statuses
// are workflow failures and are never retried; only transient, throttled and
// conflict errors trigger retries.
func (s *ParallelScheduler) executeJob(ctx context.Context, run *Run, job *Job) error {
	s.updateJobStatus(job.ID, JobStatusRunning)
	job.StartedAt = time.Now()
	s.publishEvent(ctx, run.ID, job.ID, EventTypeJobStarted,
		fmt.Sprintf("Started %s", job.Name), "info")

	var result *Result
	var err error

	for attempt := 0; attempt <= job.MaxRetries; attempt++ {
		execCtx := ctx
		var cancel context.CancelFunc
		if job.Timeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, job.Timeout)
		}

		result, err = s.runner.Run(execCtx, job.Builder)

		if cancel != nil {
			cancel()
		}

		if err == nil {
			break
		}

		if !IsRetryable(err) {
			break
		}

		if attempt >= job.MaxRetries {
			break
		}

		job.Retries = attempt + 1
		backoff := s.calculateBackoff(attempt, err)
		s.publishEvent(ctx, run.ID, job.ID, EventTypeJobRetried,
			fmt.Sprintf("Retrying %s after failure (attempt %d/%d)", job.Name, attempt+1, job.MaxRetries+1),
			"warning")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	completedAt := time.Now()
	job.CompletedAt = &completedAt
	job.Result = result
	if err != nil {
		job.Error = s.classifyError(err)
	}

	s.storeJobResult(job.ID, result)

	failed := err != nil || !result.Finished()
	if failed {
		s.updateJobStatus(job.ID, JobStatusFailed)
		job.Status = JobStatusFailed
		s.saveJob(ctx, job)
		message := fmt.Sprintf("Failed %s", job.Name)
		if err != nil {
			message = fmt.Sprintf("Failed %s: %v", job.Name, err)
		} else if result != nil {
			message = fmt.Sprintf("Failed %s: exit status %d (%s)", job.Name, result.ExitStatus, result.ExitMessage)
		}
		s.publishEvent(ctx, run.ID, job.ID, EventTypeJobFailed, message, "error")
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("process returned no result")
		}
		return fmt.Errorf("exit status %d: %s", result.ExitStatus, result.ExitMessage)
	}

	s.updateJobStatus(job.ID, JobStatusSucceeded)
	job.Status = JobStatusSucceeded
	s.saveJob(ctx, job)
	s.publishEvent(ctx, run.ID, job.ID, EventTypeJobCompleted,
		fmt.Sprintf("Completed %s", job.Name), "info")
	return nil
}

// checkDependencies verifies that all required dependencies succeeded.
func (s *ParallelScheduler) checkDependencies(job *Job) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, dep := range job.Dependencies {
		status, exists := s.jobStatus[dep.TargetID]
		if !exists {
			return false
		}

		switch dep.Type {
		case DependencyRequire:
			// Required dependencies must succeed
			if status != JobStatusSucceeded {
				return false
			}
		case DependencyOrder:
			// Order dependencies must complete (success or failure)
			if !status.IsTerminal() {
				return false
			}
		}
	}

	return true
}

// calculateBackoff calculates exponential backoff with jitter.
func (s *ParallelScheduler) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := 1 * time.Second

	// Use different base delays for different error types
	if IsThrottled(err) {
		baseDelay = 5 * time.Second
	} else if IsConflict(err) {
		baseDelay = 2 * time.Second
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add jitter (±25%)
	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay + jitter/2

	return delay
}

// classifyError converts a regular error to a RuntimeError.
func (s *ParallelScheduler) classifyError(err error) *RuntimeError {
	if err == nil {
		return nil
	}

	var runtimeErr *RuntimeError
	if errors.As(err, &runtimeErr) {
		return runtimeErr
	}

	return NewPermanentError("execution failed", err).WithCode(ErrCodeEngineFailed)
}

// handleCancellation marks unfinished jobs cancelled and fails the run.
func (s *ParallelScheduler) handleCancellation(run *Run, jobs []*Job, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, job := range jobs {
		status := s.jobStatus[job.ID]
		if status == JobStatusPending || status == JobStatusBlocked {
			s.jobStatus[job.ID] = JobStatusCancelled
			job.Status = JobStatusCancelled
		}
	}

	run.Status = RunStatusCancelled
	return NewPermanentError("execution cancelled", cause).WithCode(ErrCodeInternal)
}

// updateJobStatus updates the status of a job.
func (s *ParallelScheduler) updateJobStatus(jobID string, status JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobStatus[jobID] = status
}

// storeJobResult stores the result for a job.
func (s *ParallelScheduler) storeJobResult(jobID string, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobResults[jobID] = result
}

// markJobSkipped marks a job as skipped.
func (s *ParallelScheduler) markJobSkipped(ctx context.Context, job *Job, reason string) {
	s.updateJobStatus(job.ID, JobStatusSkipped)
	job.Status = JobStatusSkipped
	job.Error = NewPermanentError(reason, nil).
		WithCode(ErrCodeDependencyFailed).
		WithResource(job.ID)
	s.saveJob(ctx, job)
}

// calculateRunSummary calculates the final run summary statistics.
func (s *ParallelScheduler) calculateRunSummary(jobs []*Job) RunSummary {
	summary := RunSummary{
		Total: len(jobs),
	}

	for _, job := range jobs {
		switch s.jobStatus[job.ID] {
		case JobStatusSucceeded:
			summary.Succeeded++
		case JobStatusFailed:
			summary.Failed++
		case JobStatusSkipped:
			summary.Skipped++
		case JobStatusPending, JobStatusBlocked:
			summary.Pending++
		case JobStatusRunning:
			summary.Running++
		}
	}

	return summary
}

// saveRun persists the run when a store is configured.
func (s *ParallelScheduler) saveRun(ctx context.Context, run *Run) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// saveJob persists a job when a store is configured.
func (s *ParallelScheduler) saveJob(ctx context.Context, job *Job) {
	if s.store == nil {
		return
	}
	// Persistence of job progress is best effort, execution must not stall
	// on store errors.
	_ = s.store.SaveJob(ctx, job)
}

// publishEvent publishes an execution event.
func (s *ParallelScheduler) publishEvent(
	ctx context.Context,
	runID, jobID string,
	eventType EventType,
	message, level string,
) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		JobID:     jobID,
		Message:   message,
		Level:     level,
	}

	if s.store != nil {
		_ = s.store.AppendEvent(ctx, event)
	}
	if s.events != nil {
		_ = s.events.Publish(ctx, event)
	}
}
