package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/atomflow/atomflow/pkg/runtime"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration

	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path:            cfg.Path,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
	}, nil
}

// Init initializes the database connection and enables WAL mode. The pragmas
// ride on the DSN so that every pooled connection gets them.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)
	if s.path == ":memory:" {
		// A second pooled connection would open a separate empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	zenc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		_ = zenc.Close()
		_ = db.Close()
		return fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s.db = db
	s.zenc = zenc
	s.zdec = zdec
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.zenc != nil {
		_ = s.zenc.Close()
	}
	if s.zdec != nil {
		s.zdec.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction. SQLite transactions are serializable
// already; write transactions take the lock up front through the DSN's
// immediate locking mode.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// CommitTx commits a transaction
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx rolls back a transaction
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// execer is satisfied by both *sql.DB and *sql.Tx, so the save statements
// can run standalone or inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// SaveRun persists a run, inserting or updating by ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *runtime.Run) error {
	return s.saveRun(ctx, s.db, run)
}

func (s *SQLiteStore) saveRun(ctx context.Context, e execer, run *runtime.Run) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode run metadata: %w", err)
	}

	query := `
		INSERT INTO runs (id, workflow, engine, protocol, formula, status, started_at, completed_at, duration_ms, user, work_dir, summary, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow = excluded.workflow,
			engine = excluded.engine,
			protocol = excluded.protocol,
			formula = excluded.formula,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			user = excluded.user,
			work_dir = excluded.work_dir,
			summary = excluded.summary,
			metadata = excluded.metadata,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = e.ExecContext(ctx, query,
		run.ID,
		run.Workflow,
		run.Engine,
		run.Protocol,
		run.Formula,
		run.Status,
		run.StartedAt.UTC(),
		utcOrNil(run.CompletedAt),
		run.Duration.Milliseconds(),
		run.User,
		run.WorkDir,
		string(summary),
		string(metadata),
	)

	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*runtime.Run, error) {
	query := `
		SELECT id, workflow, engine, protocol, formula, status, started_at, completed_at, duration_ms, user, work_dir, summary, metadata
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// SaveRunWithJobs persists a run and its jobs in one transaction, so a
// partially written launch never becomes visible.
func (s *SQLiteStore) SaveRunWithJobs(ctx context.Context, run *runtime.Run, jobs []*runtime.Job) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveRun(ctx, tx, run); err != nil {
		return err
	}
	for _, job := range jobs {
		if job.RunID == "" {
			job.RunID = run.ID
		}
		if err := s.saveJob(ctx, tx, job); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns lists runs with optional filters and pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflow *string, engine *string, status *string, limit, offset int) ([]*runtime.Run, error) {
	query := `
		SELECT id, workflow, engine, protocol, formula, status, started_at, completed_at, duration_ms, user, work_dir, summary, metadata
		FROM runs
		WHERE (? IS NULL OR workflow = ?)
		  AND (? IS NULL OR engine = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, workflow, workflow, engine, engine, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*runtime.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run by ID. Jobs, events and outputs cascade.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	query := `DELETE FROM runs WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

func scanRun(sc rowScanner) (*runtime.Run, error) {
	var (
		run        runtime.Run
		durationMS int64
		summary    string
		metadata   string
	)

	err := sc.Scan(
		&run.ID,
		&run.Workflow,
		&run.Engine,
		&run.Protocol,
		&run.Formula,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&durationMS,
		&run.User,
		&run.WorkDir,
		&summary,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	run.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode run summary: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode run metadata: %w", err)
	}

	return &run, nil
}

// SaveJob persists a job, inserting or updating by ID.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *runtime.Job) error {
	return s.saveJob(ctx, s.db, job)
}

func (s *SQLiteStore) saveJob(ctx context.Context, e execer, job *runtime.Job) error {
	dependencies, err := json.Marshal(job.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to encode job dependencies: %w", err)
	}

	var process string
	var builder *string
	if job.Builder != nil {
		process = job.Builder.Process
		raw, err := job.Builder.ToJSON()
		if err != nil {
			return fmt.Errorf("failed to encode job builder: %w", err)
		}
		doc := string(raw)
		builder = &doc
	}

	var result, jobErr *string
	if job.Result != nil {
		if result, err = marshalNullable(job.Result); err != nil {
			return fmt.Errorf("failed to encode job result: %w", err)
		}
	}
	if job.Error != nil {
		if jobErr, err = marshalNullable(job.Error); err != nil {
			return fmt.Errorf("failed to encode job error: %w", err)
		}
	}

	query := `
		INSERT INTO jobs (id, run_id, name, process, builder, status, dependencies, tolerate_failure, execution_order, retries, max_retries, timeout_ms, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			run_id = excluded.run_id,
			name = excluded.name,
			process = excluded.process,
			builder = excluded.builder,
			status = excluded.status,
			dependencies = excluded.dependencies,
			tolerate_failure = excluded.tolerate_failure,
			execution_order = excluded.execution_order,
			retries = excluded.retries,
			max_retries = excluded.max_retries,
			timeout_ms = excluded.timeout_ms,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = e.ExecContext(ctx, query,
		job.ID,
		job.RunID,
		job.Name,
		process,
		builder,
		job.Status,
		string(dependencies),
		job.TolerateFailure,
		job.ExecutionOrder,
		job.Retries,
		job.MaxRetries,
		job.Timeout.Milliseconds(),
		nullableTime(job.StartedAt),
		utcOrNil(job.CompletedAt),
		result,
		jobErr,
	)

	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*runtime.Job, error) {
	query := `
		SELECT id, run_id, name, builder, status, dependencies, tolerate_failure, execution_order, retries, max_retries, timeout_ms, started_at, completed_at, result, error
		FROM jobs
		WHERE id = ?
	`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ListJobsByRun lists all jobs for a run in execution order.
func (s *SQLiteStore) ListJobsByRun(ctx context.Context, runID string) ([]*runtime.Job, error) {
	query := `
		SELECT id, run_id, name, builder, status, dependencies, tolerate_failure, execution_order, retries, max_retries, timeout_ms, started_at, completed_at, result, error
		FROM jobs
		WHERE run_id = ?
		ORDER BY execution_order ASC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*runtime.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

func scanJob(sc rowScanner) (*runtime.Job, error) {
	var (
		job          runtime.Job
		builder      sql.NullString
		dependencies string
		timeoutMS    int64
		startedAt    sql.NullTime
		result       sql.NullString
		jobErr       sql.NullString
	)

	err := sc.Scan(
		&job.ID,
		&job.RunID,
		&job.Name,
		&builder,
		&job.Status,
		&dependencies,
		&job.TolerateFailure,
		&job.ExecutionOrder,
		&job.Retries,
		&job.MaxRetries,
		&timeoutMS,
		&startedAt,
		&job.CompletedAt,
		&result,
		&jobErr,
	)
	if err != nil {
		return nil, err
	}

	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if builder.Valid {
		var b runtime.Builder
		if err := json.Unmarshal([]byte(builder.String), &b); err != nil {
			return nil, fmt.Errorf("failed to decode job builder: %w", err)
		}
		job.Builder = &b
	}
	if err := json.Unmarshal([]byte(dependencies), &job.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode job dependencies: %w", err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &job.Result); err != nil {
			return nil, fmt.Errorf("failed to decode job result: %w", err)
		}
	}
	if jobErr.Valid {
		if err := json.Unmarshal([]byte(jobErr.String), &job.Error); err != nil {
			return nil, fmt.Errorf("failed to decode job error: %w", err)
		}
	}

	return &job, nil
}

// AppendEvent appends a new event to the run log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *runtime.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = "info"
	}

	var details *string
	if event.Details != nil {
		var err error
		if details, err = marshalNullable(event.Details); err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
	}

	var jobID *string
	if event.JobID != "" {
		jobID = &event.JobID
	}

	query := `
		INSERT INTO events (id, run_id, job_id, type, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		jobID,
		event.Type,
		event.Level,
		event.Message,
		details,
		event.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events with optional filters and pagination, newest
// first.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID *string, jobID *string, limit, offset int) ([]*runtime.Event, error) {
	query := `
		SELECT id, run_id, job_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR job_id = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, jobID, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*runtime.Event{}
	for rows.Next() {
		var (
			event   runtime.Event
			jid     sql.NullString
			details sql.NullString
		)
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&jid,
			&event.Type,
			&event.Level,
			&event.Message,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if jid.Valid {
			event.JobID = jid.String
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// SaveOutputs stores the named output documents of a run as zstd-compressed
// JSON blobs, replacing existing documents with the same name.
func (s *SQLiteStore) SaveOutputs(ctx context.Context, runID string, outputs map[string]interface{}) error {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO outputs (run_id, name, document, size)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO UPDATE SET
			document = excluded.document,
			size = excluded.size
	`

	for name, doc := range outputs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode output %q: %w", name, err)
		}
		compressed := s.zenc.EncodeAll(raw, nil)
		if _, err := tx.ExecContext(ctx, query, runID, name, compressed, len(raw)); err != nil {
			return fmt.Errorf("failed to save output %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetOutputs retrieves all output documents stored for a run.
func (s *SQLiteStore) GetOutputs(ctx context.Context, runID string) (map[string]interface{}, error) {
	query := `SELECT name, document FROM outputs WHERE run_id = ?`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get outputs: %w", err)
	}
	defer rows.Close()

	outputs := map[string]interface{}{}
	for rows.Next() {
		var (
			name       string
			compressed []byte
		)
		if err := rows.Scan(&name, &compressed); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		doc, err := s.decodeOutput(name, compressed)
		if err != nil {
			return nil, err
		}
		outputs[name] = doc
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outputs: %w", err)
	}

	return outputs, nil
}

// GetOutput retrieves one named output document stored for a run.
func (s *SQLiteStore) GetOutput(ctx context.Context, runID, name string) (interface{}, error) {
	query := `SELECT document FROM outputs WHERE run_id = ? AND name = ?`

	var compressed []byte
	err := s.db.QueryRowContext(ctx, query, runID, name).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("output %q is missing for run %s", name, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get output: %w", err)
	}

	return s.decodeOutput(name, compressed)
}

func (s *SQLiteStore) decodeOutput(name string, compressed []byte) (interface{}, error) {
	raw, err := s.zdec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress output %q: %w", name, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode output %q: %w", name, err)
	}
	return doc, nil
}

// UpsertFact inserts or updates a fact
func (s *SQLiteStore) UpsertFact(ctx context.Context, fact *Fact) error {
	if fact.ID == "" {
		fact.ID = uuid.New().String()
	}

	query := `
		INSERT INTO facts (
			id, computer, namespace, key, value, ttl, expires_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(computer, namespace, key) DO UPDATE SET
			value = excluded.value,
			ttl = excluded.ttl,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`

	// Format expires_at to SQLite-compatible datetime string
	var expiresAtStr *string
	if fact.ExpiresAt != nil {
		formatted := fact.ExpiresAt.UTC().Format("2006-01-02 15:04:05")
		expiresAtStr = &formatted
	}

	_, err := s.db.ExecContext(ctx, query,
		fact.ID,
		fact.Computer,
		fact.Namespace,
		fact.Key,
		fact.Value,
		fact.TTL,
		expiresAtStr,
		fact.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
		fact.UpdatedAt.UTC().Format("2006-01-02 15:04:05"),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert fact: %w", err)
	}

	return nil
}

// GetFact retrieves a fact by computer, namespace, and key
func (s *SQLiteStore) GetFact(ctx context.Context, computer, namespace, key string) (*Fact, error) {
	query := `
		SELECT id, computer, namespace, key, value, ttl, expires_at, created_at, updated_at
		FROM facts
		WHERE computer = ? AND namespace = ? AND key = ?
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
	`

	fact := &Fact{}
	err := s.db.QueryRowContext(ctx, query, computer, namespace, key).Scan(
		&fact.ID,
		&fact.Computer,
		&fact.Namespace,
		&fact.Key,
		&fact.Value,
		&fact.TTL,
		&fact.ExpiresAt,
		&fact.CreatedAt,
		&fact.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fact not found or expired: %s/%s/%s", computer, namespace, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fact: %w", err)
	}

	return fact, nil
}

// ListFacts lists facts with optional filters and pagination
func (s *SQLiteStore) ListFacts(ctx context.Context, computer *string, namespace *string, limit, offset int) ([]*Fact, error) {
	query := `
		SELECT id, computer, namespace, key, value, ttl, expires_at, created_at, updated_at
		FROM facts
		WHERE (? IS NULL OR computer = ?)
		  AND (? IS NULL OR namespace = ?)
		  AND (expires_at IS NULL OR datetime(expires_at) > datetime('now'))
		ORDER BY computer, namespace, key
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, computer, computer, namespace, namespace, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	defer rows.Close()

	facts := []*Fact{}
	for rows.Next() {
		fact := &Fact{}
		err := rows.Scan(
			&fact.ID,
			&fact.Computer,
			&fact.Namespace,
			&fact.Key,
			&fact.Value,
			&fact.TTL,
			&fact.ExpiresAt,
			&fact.CreatedAt,
			&fact.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fact: %w", err)
		}
		facts = append(facts, fact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating facts: %w", err)
	}

	return facts, nil
}

// DeleteExpiredFacts deletes all expired facts
func (s *SQLiteStore) DeleteExpiredFacts(ctx context.Context) (int64, error) {
	query := `DELETE FROM facts WHERE expires_at IS NOT NULL AND datetime(expires_at) <= datetime('now')`

	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired facts: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// DeleteFact deletes a fact by ID
func (s *SQLiteStore) DeleteFact(ctx context.Context, id string) error {
	query := `DELETE FROM facts WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete fact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("fact not found: %s", id)
	}

	return nil
}

// AppendAudit creates a new audit log entry
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit (action, actor, run_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.RunID,
		entry.Details,
		entry.Timestamp.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAudit lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAudit(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, run_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.RunID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func marshalNullable(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := string(raw)
	return &doc, nil
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
