package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProcessFunc is the body of a registered workchain. Infrastructure failures
// are returned as errors; workflow-level failures are reported through a
// non-zero exit status on the result.
type ProcessFunc func(ctx context.Context, proc *Process) (*Result, error)

// Process is the execution handle passed to a running workchain. It exposes
// the validated inputs and lets the workchain launch sub-processes through
// the runner that owns it.
type Process struct {
	// ID is the unique identifier of this process instance.
	ID string

	// Name is the process name the builder was submitted under.
	Name string

	// Inputs is the validated input tree.
	Inputs map[string]interface{}

	runner Runner
}

// Runner returns the runner executing this process, for launching
// sub-processes and schedulers.
func (p *Process) Runner() Runner {
	return p.runner
}

// Run launches a sub-process and waits for its result.
func (p *Process) Run(ctx context.Context, builder *Builder) (*Result, error) {
	return p.runner.Run(ctx, builder)
}

// Submit launches a sub-process asynchronously.
func (p *Process) Submit(ctx context.Context, builder *Builder) (*Future, error) {
	return p.runner.Submit(ctx, builder)
}

// Input returns the input value at a dot-separated path.
func (p *Process) Input(path string) (interface{}, bool) {
	b := Builder{Inputs: p.Inputs}
	return b.Get(path)
}

// Future represents an asynchronously running process.
type Future struct {
	// ID is the process instance ID.
	ID string

	// Process is the process name.
	Process string

	done   chan struct{}
	result *Result
	err    error
}

// Done returns a channel closed when the process finishes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the process finishes or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CalcJob is a calculation job derived from a builder whose process name is
// not a registered workchain: an invocation of an external quantum engine
// code.
type CalcJob struct {
	// ID is the unique identifier of the job instance.
	ID string

	// Process is the calculation job entry point, e.g. "quantum_espresso.pw".
	Process string

	// Code is the configured code label taken from the builder.
	Code string

	// Inputs is the full input tree staged into the job directory.
	Inputs map[string]interface{}

	// Options are the scheduler options from metadata.options.
	Options map[string]interface{}
}

// NewCalcJob derives a calculation job from a builder.
func NewCalcJob(builder *Builder) *CalcJob {
	code, _ := builder.GetString("code")
	job := &CalcJob{
		ID:      uuid.New().String(),
		Process: builder.Process,
		Code:    code,
		Inputs:  builder.Inputs,
	}
	if options, ok := builder.Get("metadata.options"); ok {
		if m, ok := options.(map[string]interface{}); ok {
			job.Options = m
		}
	}
	return job
}

// LocalRunner executes workchains in-process and calculation jobs through a
// JobExecutor. It is the reference Runner implementation.
type LocalRunner struct {
	mu        sync.RWMutex
	processes map[string]ProcessFunc
	executor  JobExecutor
	events    EventPublisher
}

// NewLocalRunner creates a runner. The executor may be nil for runners that
// only drive workchains, e.g. in tests; the event publisher may be nil.
func NewLocalRunner(executor JobExecutor, events EventPublisher) *LocalRunner {
	return &LocalRunner{
		processes: make(map[string]ProcessFunc),
		executor:  executor,
		events:    events,
	}
}

// Register registers a workchain under a process name.
func (r *LocalRunner) Register(name string, fn ProcessFunc) error {
	if name == "" {
		return NewPermanentError("process name is empty", nil).WithCode(ErrCodeValidation)
	}
	if fn == nil {
		return NewPermanentError("process function is nil", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processes[name]; exists {
		return NewPermanentError(fmt.Sprintf("process %s already registered", name), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.processes[name] = fn
	return nil
}

// Registered reports whether a process name has a registered workchain.
func (r *LocalRunner) Registered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processes[name]
	return ok
}

// Run executes a process to completion.
func (r *LocalRunner) Run(ctx context.Context, builder *Builder) (*Result, error) {
	if builder == nil {
		return nil, NewPermanentError("builder is nil", nil).WithCode(ErrCodeValidation)
	}
	if builder.Process == "" {
		return nil, NewPermanentError("builder has no process name", nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.RLock()
	fn, isWorkchain := r.processes[builder.Process]
	r.mu.RUnlock()

	if isWorkchain {
		proc := &Process{
			ID:     uuid.New().String(),
			Name:   builder.Process,
			Inputs: builder.Inputs,
			runner: r,
		}
		return fn(ctx, proc)
	}

	if r.executor == nil {
		return nil, NewPermanentError(
			fmt.Sprintf("process %s is not registered and no job executor is configured", builder.Process),
			nil,
		).WithCode(ErrCodeNotFound)
	}

	job := NewCalcJob(builder)
	r.publish(ctx, EventTypeJobStarted, job.ID,
		fmt.Sprintf("Submitted %s calculation", builder.Process), "info")

	result, err := r.executor.Execute(ctx, job)
	switch {
	case err != nil:
		r.publish(ctx, EventTypeJobFailed, job.ID,
			fmt.Sprintf("Calculation %s failed: %v", builder.Process, err), "error")
	case result.Finished():
		r.publish(ctx, EventTypeJobCompleted, job.ID,
			fmt.Sprintf("Calculation %s completed", builder.Process), "info")
	default:
		r.publish(ctx, EventTypeJobFailed, job.ID,
			fmt.Sprintf("Calculation %s exited with status %d", builder.Process, result.ExitStatus), "warning")
	}
	return result, err
}

// publish emits a calculation lifecycle event to the live event bus. The
// events carry the calc job ID only; run association comes from the
// scheduler's own events.
func (r *LocalRunner) publish(ctx context.Context, eventType EventType, jobID, message, level string) {
	if r.events == nil {
		return
	}
	_ = r.events.Publish(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		JobID:     jobID,
		Message:   message,
		Level:     level,
	})
}

// Submit starts a process asynchronously and returns a future.
func (r *LocalRunner) Submit(ctx context.Context, builder *Builder) (*Future, error) {
	if builder == nil {
		return nil, NewPermanentError("builder is nil", nil).WithCode(ErrCodeValidation)
	}

	future := &Future{
		ID:      uuid.New().String(),
		Process: builder.Process,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(future.done)
		future.result, future.err = r.Run(ctx, builder)
	}()

	return future, nil
}
