// Package transports defines how calculation jobs and probes reach the
// computers they run on. The Transport interface covers command execution
// and file staging; the local implementation lives here, the SSH one in the
// ssh subpackage. The Prober collects computer facts over any transport.
package transports

import (
	"context"
	"time"
)

// Transport defines remote operations against one computer: command
// execution, job directory staging and result retrieval. It is shared by
// the calculation job executor and the computer prober.
type Transport interface {
	// Connect establishes the connection to the computer.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Execute runs a command on the computer. Transport failures are
	// returned as errors; a command that ran and exited non-zero is a
	// normal result with its exit code set.
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)

	// UploadFile copies a single file to the computer.
	// The mode parameter sets file permissions (e.g., 0644).
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// DownloadFile copies a single file from the computer.
	DownloadFile(ctx context.Context, remotePath string, localPath string) error

	// UploadDirectory recursively copies a directory to the computer.
	UploadDirectory(ctx context.Context, localPath string, remotePath string) error

	// DownloadDirectory recursively copies a directory from the computer.
	DownloadDirectory(ctx context.Context, remotePath string, localPath string) error

	// ComputeChecksum calculates the SHA256 checksum of a file on the
	// computer, for integrity checks after staging.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// ExecRequest describes one command execution.
type ExecRequest struct {
	// Command is the shell command line to run.
	Command string

	// Dir is the working directory. Empty runs in the transport's default.
	Dir string

	// Env holds extra environment variables visible to the command.
	Env map[string]string

	// Timeout bounds the execution. Zero leaves only the context bound.
	Timeout time.Duration
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// ConnectionInfo contains details about an active connection.
type ConnectionInfo struct {
	// Host is the hostname or IP address, "localhost" for local transports
	Host string

	// Port is the port number, zero when not applicable
	Port int

	// User is the login username, empty when not applicable
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// LastActivity is when the connection was last used
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
