package runtime

import (
	"time"
)

// Result represents the outcome of a finished process. A process that ran to
// completion carries exit status zero; workflow-level failures are reported
// through non-zero exit statuses rather than errors, matching scheduler exit
// code conventions.
type Result struct {
	// ExitStatus is the process exit code. Zero means success.
	ExitStatus int `json:"exit_status"`

	// ExitMessage is the human-readable description of a non-zero exit.
	ExitMessage string `json:"exit_message,omitempty"`

	// Outputs holds the named output documents of the process.
	Outputs map[string]interface{} `json:"outputs,omitempty"`
}

// Finished returns true if the process completed with exit status zero.
func (r *Result) Finished() bool {
	return r != nil && r.ExitStatus == 0
}

// Output returns a named output document. The second return is false when
// the output is absent.
func (r *Result) Output(name string) (interface{}, bool) {
	if r == nil || r.Outputs == nil {
		return nil, false
	}
	value, ok := r.Outputs[name]
	return value, ok
}

// Job represents a unit of work in a run's execution DAG: one sub-process
// submission, either a workchain or a calculation job.
type Job struct {
	// ID is the unique identifier for this job.
	ID string `json:"id"`

	// RunID is the ID of the run this job belongs to.
	RunID string `json:"run_id,omitempty"`

	// Name is the human-readable label within the run, e.g. "scale_3".
	Name string `json:"name"`

	// Builder holds the full input specification of the sub-process.
	Builder *Builder `json:"builder,omitempty"`

	// Status is the current execution status of this job.
	Status JobStatus `json:"status"`

	// Dependencies lists job IDs that must complete before this job.
	Dependencies []Dependency `json:"dependencies,omitempty"`

	// TolerateFailure marks the job as non-critical: its failure is recorded
	// but does not fail the run. Dissociation curve points use this.
	TolerateFailure bool `json:"tolerate_failure,omitempty"`

	// ExecutionOrder is the topological level assigned by the DAG builder.
	ExecutionOrder int `json:"execution_order"`

	// Retries is the number of retry attempts performed so far.
	Retries int `json:"retries"`

	// MaxRetries is the maximum number of retry attempts allowed.
	MaxRetries int `json:"max_retries"`

	// Timeout is the maximum duration for executing this job.
	Timeout time.Duration `json:"timeout"`

	// StartedAt is when execution of the job began.
	StartedAt time.Time `json:"started_at,omitempty"`

	// CompletedAt is when execution of the job finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result is the process result once the job completes.
	Result *Result `json:"result,omitempty"`

	// Error is the classified error if execution failed outright.
	Error *RuntimeError `json:"error,omitempty"`
}

// Dependency represents an edge in the execution DAG.
type Dependency struct {
	// TargetID is the ID of the job this depends on.
	TargetID string `json:"target_id"`

	// Type is the type of dependency relationship.
	Type DependencyType `json:"type"`
}

// DependencyType represents the type of dependency between jobs.
type DependencyType string

const (
	// DependencyRequire indicates a hard dependency that must succeed.
	DependencyRequire DependencyType = "require"

	// DependencyOrder indicates ordering without success requirement.
	DependencyOrder DependencyType = "order"
)

// Event represents a timeline event during run execution.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Type is the type of event.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// RunID is the ID of the run this event belongs to.
	RunID string `json:"run_id"`

	// JobID is the ID of the job, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`

	// Level is the log level (info, warning, error).
	Level string `json:"level"`
}

// Run represents one launched workflow: a relaxation, an equation of state,
// a dissociation curve, a band structure or a phonon calculation.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// Workflow is the workflow kind, e.g. "relax" or "eos".
	Workflow string `json:"workflow"`

	// Engine is the quantum engine name, e.g. "quantum_espresso".
	Engine string `json:"engine"`

	// Protocol is the protocol name the run was launched with.
	Protocol string `json:"protocol,omitempty"`

	// Formula is the chemical formula of the input structure.
	Formula string `json:"formula,omitempty"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run completed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// User is the user who initiated the run.
	User string `json:"user,omitempty"`

	// WorkDir is the directory holding the run's job directories.
	WorkDir string `json:"work_dir,omitempty"`

	// Summary provides statistics about the run's jobs.
	Summary RunSummary `json:"summary"`

	// Metadata contains additional run metadata such as launch parameters.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RunSummary provides statistics about a run.
type RunSummary struct {
	// Total is the total number of jobs.
	Total int `json:"total"`

	// Succeeded is the number of jobs that succeeded.
	Succeeded int `json:"succeeded"`

	// Failed is the number of jobs that failed.
	Failed int `json:"failed"`

	// Skipped is the number of jobs that were skipped.
	Skipped int `json:"skipped"`

	// Pending is the number of jobs still pending.
	Pending int `json:"pending"`

	// Running is the number of jobs currently running.
	Running int `json:"running"`
}

// JobGraph represents the DAG of jobs within a run.
type JobGraph struct {
	// Nodes maps job IDs to their graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges lists all dependency edges in the graph.
	Edges []GraphEdge `json:"edges"`

	// Roots are the job IDs with no dependencies.
	Roots []string `json:"roots"`

	// Depth is the maximum depth of the graph.
	Depth int `json:"depth"`
}

// GraphNode represents a node in the job graph.
type GraphNode struct {
	// ID is the job ID.
	ID string `json:"id"`

	// Level is the topological level (depth from roots).
	Level int `json:"level"`

	// Dependencies are the incoming edges (jobs this depends on).
	Dependencies []string `json:"dependencies"`

	// Dependents are the outgoing edges (jobs that depend on this).
	Dependents []string `json:"dependents"`
}

// GraphEdge represents an edge in the job graph.
type GraphEdge struct {
	// From is the source job ID.
	From string `json:"from"`

	// To is the target job ID.
	To string `json:"to"`

	// Type is the dependency type.
	Type DependencyType `json:"type"`
}
