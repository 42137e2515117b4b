package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/atomflow/atomflow/pkg/runtime"
)

// Fact is a probed property of a configured computer, such as its OS, CPU
// count or the presence of a code executable. Facts carry a TTL so that
// stale probe results age out instead of masking a drifted machine.
type Fact struct {
	ID        string     `json:"id"`
	Computer  string     `json:"computer"`
	Namespace string     `json:"namespace"` // e.g. "os", "cpu", "scratch", "code"
	Key       string     `json:"key"`
	Value     string     `json:"value"` // JSON encoded
	TTL       int        `json:"ttl"`   // seconds, 0 = no expiry
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// AuditEntry records who did what: launches, archives, restores, deletions.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "run.launched", "run.archived"
	Actor     string    `json:"actor"`
	RunID     *string   `json:"run_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer. It extends the
// runtime's RunStore with listing, output, fact, audit and archive
// operations used by the CLI and the daemon.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run, job and event persistence used by the workflow runtime.
	runtime.RunStore

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations beyond the runtime interface
	SaveRunWithJobs(ctx context.Context, run *runtime.Run, jobs []*runtime.Job) error
	ListRuns(ctx context.Context, workflow *string, engine *string, status *string, limit, offset int) ([]*runtime.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Job operations
	GetJob(ctx context.Context, id string) (*runtime.Job, error)
	ListJobsByRun(ctx context.Context, runID string) ([]*runtime.Job, error)

	// Event operations
	ListEvents(ctx context.Context, runID *string, jobID *string, limit, offset int) ([]*runtime.Event, error)

	// Output operations. Documents are stored as zstd-compressed JSON.
	SaveOutputs(ctx context.Context, runID string, outputs map[string]interface{}) error
	GetOutputs(ctx context.Context, runID string) (map[string]interface{}, error)
	GetOutput(ctx context.Context, runID, name string) (interface{}, error)

	// Facts operations
	UpsertFact(ctx context.Context, fact *Fact) error
	GetFact(ctx context.Context, computer, namespace, key string) (*Fact, error)
	ListFacts(ctx context.Context, computer *string, namespace *string, limit, offset int) ([]*Fact, error)
	DeleteExpiredFacts(ctx context.Context) (int64, error)
	DeleteFact(ctx context.Context, id string) error

	// Audit operations
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Archive operations
	ArchiveRun(ctx context.Context, runID, dest string) (string, error)
	RestoreRun(ctx context.Context, runID, archive, dest string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
