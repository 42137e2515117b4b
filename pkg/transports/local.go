package transports

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// LocalTransport executes commands and stages files on the machine that
// runs atomflow itself. File "uploads" and "downloads" are plain copies;
// the direction names are kept so the executor can treat local and ssh
// computers uniformly.
type LocalTransport struct {
	mu          sync.Mutex
	connected   bool
	connectedAt time.Time
	lastUsed    time.Time
}

// NewLocalTransport creates a transport for the local machine.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{}
}

// Connect marks the transport as ready. There is no connection to open.
func (t *LocalTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		t.connected = true
		t.connectedAt = time.Now()
	}
	t.lastUsed = time.Now()
	return nil
}

// Disconnect marks the transport as closed.
func (t *LocalTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

// IsConnected reports whether Connect has been called.
func (t *LocalTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// HealthCheck verifies the shell is reachable.
func (t *LocalTransport) HealthCheck(ctx context.Context) error {
	result, err := t.Execute(ctx, ExecRequest{Command: "true", Timeout: 10 * time.Second})
	if err != nil {
		return &TransportError{Op: "health_check", Err: err}
	}
	if result.ExitCode != 0 {
		return &TransportError{Op: "health_check", Err: fmt.Errorf("shell returned exit code %d", result.ExitCode)}
	}
	return nil
}

// Execute runs a command through /bin/sh. A non-zero exit code is reported
// in the result, not as an error; errors mean the command could not run.
func (t *LocalTransport) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	if req.Command == "" {
		return nil, &TransportError{Op: "exec", Err: errors.New("command is empty")}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	if req.Dir != "" {
		cmd.Dir = req.Dir
	}
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	finished := time.Now()

	t.touch()

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}

	if err != nil {
		// A cancelled context kills the process, which also surfaces
		// as an ExitError. Check the context first.
		if ctx.Err() != nil {
			return nil, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, &TransportError{Op: "exec", Err: err}
	}

	return result, nil
}

// UploadFile copies a local file into place with the given mode.
func (t *LocalTransport) UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error {
	if err := copyFile(localPath, remotePath, os.FileMode(mode)); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	t.touch()
	return nil
}

// DownloadFile copies a file back, preserving its content but not its mode.
func (t *LocalTransport) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	if err := copyFile(remotePath, localPath, 0o644); err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	t.touch()
	return nil
}

// UploadDirectory recursively copies a directory tree into place.
func (t *LocalTransport) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	if err := copyDir(ctx, localPath, remotePath); err != nil {
		return &TransportError{Op: "upload_dir", Err: err}
	}
	t.touch()
	return nil
}

// DownloadDirectory recursively copies a directory tree back.
func (t *LocalTransport) DownloadDirectory(ctx context.Context, remotePath string, localPath string) error {
	if err := copyDir(ctx, remotePath, localPath); err != nil {
		return &TransportError{Op: "download_dir", Err: err}
	}
	t.touch()
	return nil
}

// ComputeChecksum calculates the SHA256 checksum of a file.
func (t *LocalTransport) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	f, err := os.Open(remotePath)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: err}
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", &TransportError{Op: "checksum", Err: err}
	}
	t.touch()
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// GetConnectionInfo returns information about the transport.
func (t *LocalTransport) GetConnectionInfo() ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ConnectionInfo{
		Host:         "localhost",
		ConnectedAt:  t.connectedAt,
		LastActivity: t.lastUsed,
	}
}

func (t *LocalTransport) touch() {
	t.mu.Lock()
	t.lastUsed = time.Now()
	t.mu.Unlock()
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy content: %w", err)
	}
	return out.Close()
}

func copyDir(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source is not a directory: %s", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode().Perm())
	})
}
