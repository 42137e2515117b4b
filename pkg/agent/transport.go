package agent

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atomflow/atomflow/pkg/agent/client"
	"github.com/atomflow/atomflow/pkg/agent/wire"
	"github.com/atomflow/atomflow/pkg/config"
	"github.com/atomflow/atomflow/pkg/transports"
)

// Conn is the underlying connection the agent rides on. *ssh.SSHClient
// satisfies it.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	HealthCheck(ctx context.Context) error
	GetConnectionInfo() transports.ConnectionInfo
	client.Session
}

// Transport stages jobs through a remote atomflow-agent instead of
// SFTP. It satisfies transports.Transport, so the executor uses it
// exactly like a direct SSH transport; the difference is only how
// files and commands reach the host.
type Transport struct {
	conn     Conn
	settings config.AgentSettings

	mu     sync.Mutex
	client *client.Client
}

// NewTransport wraps an SSH connection with agent staging. A nil
// settings uses the default remote path and expects the binary there.
func NewTransport(conn Conn, settings *config.AgentSettings) *Transport {
	t := &Transport{conn: conn}
	if settings != nil {
		t.settings = *settings
	}
	return t
}

// Connect establishes the SSH connection and starts the agent on it.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.conn.Connect(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		return nil
	}

	c, err := client.New(client.Config{
		Session:    t.conn,
		BinaryPath: t.settings.BinaryPath,
		RemotePath: t.settings.RemotePath,
	})
	if err != nil {
		return &transports.TransportError{Op: "agent_start", Err: err}
	}
	if err := c.Start(ctx); err != nil {
		return &transports.TransportError{Op: "agent_start", Err: err, IsTemporary: true}
	}
	t.client = c
	return nil
}

// Disconnect stops the agent and closes the SSH connection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
	t.mu.Unlock()
	return t.conn.Disconnect()
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	started := t.client != nil
	t.mu.Unlock()
	return started && t.conn.IsConnected()
}

func (t *Transport) HealthCheck(ctx context.Context) error {
	return t.conn.HealthCheck(ctx)
}

func (t *Transport) GetConnectionInfo() transports.ConnectionInfo {
	return t.conn.GetConnectionInfo()
}

// Execute runs a command through the agent and maps the result into
// the shape the executor expects from any transport.
func (t *Transport) Execute(ctx context.Context, req transports.ExecRequest) (*transports.ExecResult, error) {
	c, err := t.agent()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	result, err := c.Exec(ctx, &wire.ExecParams{
		Command:    req.Command,
		Dir:        req.Dir,
		Env:        req.Env,
		CaptureOut: true,
		CaptureErr: true,
	}, req.Timeout)
	if err != nil {
		return nil, &transports.TransportError{Op: "exec", Err: err}
	}

	duration := time.Duration(result.Duration * float64(time.Second))
	return &transports.ExecResult{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		StartedAt:  started,
		FinishedAt: started.Add(duration),
		Duration:   duration,
	}, nil
}

// UploadFile ships a local file to the remote path in one frame.
func (t *Transport) UploadFile(ctx context.Context, localPath, remotePath string, mode uint32) error {
	c, err := t.agent()
	if err != nil {
		return err
	}

	content, err := os.ReadFile(localPath)
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: err}
	}
	if mode == 0 {
		mode = 0o644
	}

	_, err = c.WriteFile(ctx, remotePath, content, fmt.Sprintf("%04o", mode), true)
	if err != nil {
		return &transports.TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	return nil
}

// DownloadFile retrieves a remote file. Files above the protocol frame
// limit are refused rather than silently cut short.
func (t *Transport) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	c, err := t.agent()
	if err != nil {
		return err
	}

	result, err := c.ReadFile(ctx, remotePath, 0)
	if err != nil {
		return &transports.TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	if result.Truncated {
		return &transports.TransportError{
			Op:  "download",
			Err: fmt.Errorf("%s exceeds the transfer limit (%d bytes)", remotePath, result.Size),
		}
	}

	if dir := filepath.Dir(localPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &transports.TransportError{Op: "download", Err: err}
		}
	}
	if err := os.WriteFile(localPath, result.Content, 0o644); err != nil {
		return &transports.TransportError{Op: "download", Err: err}
	}
	return nil
}

// UploadDirectory walks the local tree and writes each file through the
// agent, preserving permissions.
func (t *Transport) UploadDirectory(ctx context.Context, localPath, remotePath string) error {
	c, err := t.agent()
	if err != nil {
		return err
	}

	err = filepath.WalkDir(localPath, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		remote := path.Join(remotePath, filepath.ToSlash(rel))
		_, err = c.WriteFile(ctx, remote, content, fmt.Sprintf("%04o", info.Mode().Perm()), true)
		return err
	})
	if err != nil {
		return &transports.TransportError{Op: "upload_dir", Err: err, IsTemporary: true}
	}
	return nil
}

// DownloadDirectory lists the remote tree with find and retrieves each
// file. The protocol has no directory walker, so listing happens on the
// remote side.
func (t *Transport) DownloadDirectory(ctx context.Context, remotePath, localPath string) error {
	c, err := t.agent()
	if err != nil {
		return err
	}

	listing, err := c.Exec(ctx, &wire.ExecParams{
		Command:    fmt.Sprintf("find %s -type f", transports.ShellQuote(remotePath)),
		CaptureOut: true,
		CaptureErr: true,
	}, fileOpTimeoutFor(ctx))
	if err != nil {
		return &transports.TransportError{Op: "download_dir", Err: err, IsTemporary: true}
	}
	if listing.ExitCode != 0 {
		return &transports.TransportError{
			Op:  "download_dir",
			Err: fmt.Errorf("failed to list %s: %s", remotePath, strings.TrimSpace(listing.Stderr)),
		}
	}

	root := strings.TrimSuffix(remotePath, "/")
	for _, remote := range strings.Split(listing.Stdout, "\n") {
		remote = strings.TrimSpace(remote)
		if remote == "" {
			continue
		}
		rel := strings.TrimPrefix(remote, root+"/")
		local := filepath.Join(localPath, filepath.FromSlash(rel))
		if err := t.DownloadFile(ctx, remote, local); err != nil {
			return err
		}
	}
	return nil
}

// ComputeChecksum asks the agent for the file and reports the SHA-256
// the agent calculated alongside the content.
func (t *Transport) ComputeChecksum(ctx context.Context, remotePath string) (string, error) {
	c, err := t.agent()
	if err != nil {
		return "", err
	}

	result, err := c.ReadFile(ctx, remotePath, 0)
	if err != nil {
		return "", &transports.TransportError{Op: "checksum", Err: err, IsTemporary: true}
	}
	if result.Truncated {
		return "", &transports.TransportError{
			Op:  "checksum",
			Err: fmt.Errorf("%s exceeds the transfer limit (%d bytes)", remotePath, result.Size),
		}
	}
	return result.Checksum, nil
}

func (t *Transport) agent() (*client.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil, &transports.TransportError{Op: "agent", Err: fmt.Errorf("agent is not connected")}
	}
	return t.client, nil
}

// fileOpTimeoutFor leaves room for the context's own deadline when one
// is set, otherwise bounds the listing command.
func fileOpTimeoutFor(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
	}
	return 5 * time.Minute
}
