// Package stores provides the persistence layer for atomflow.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for runs, jobs, events, normalized outputs,
// computer facts, and audit logs, plus tar+zstd archival of run
// working directories.
package stores
